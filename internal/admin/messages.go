package admin

import "time"

// ResultCode mirrors the impersonator/admin "result" enum used across
// response messages (spec §4.4/§4.5); EBADMSG is named explicitly by
// invariant §8.5.
type ResultCode int

const (
	ResultOK ResultCode = iota
	ResultOther
	ResultEBADMSG
	ResultENOENT
	ResultEACCES
	ResultEEXIST
)

// AdminLogin is the first message any admin session may send (spec §4.4).
type AdminLogin struct {
	Password        string
	ProtocolVersion uint32
}

// AdminLoginResponse either grants full command access or fails with
// EBADMSG on a protocol-version mismatch (spec invariant §8.5) or
// ResultEACCES on a bad password.
type AdminLoginResponse struct {
	Result ResultCode
}

// UserRecord/GroupRecord are the wire shape of spec §3's User/Group,
// independent of internal/auth's in-process representation so the wire
// protocol can evolve without forcing a catalog bump on every internal
// refactor.
type UserRecord struct {
	Name     string
	Groups   []string
	VFSRoot  string
	Disabled bool
}

type GroupRecord struct {
	Name         string
	VFSRoot      string
	ReadOnly     bool
	BandwidthIn  int64
	BandwidthOut int64
}

type SetUsersAndGroups struct {
	Users  []UserRecord
	Groups []GroupRecord
}
type SetUsersAndGroupsResponse struct{ Result ResultCode }

type GetUsersAndGroups struct{}
type GetUsersAndGroupsResponse struct {
	Users  []UserRecord
	Groups []GroupRecord
}

type SetIPFilters struct {
	Allow []string
	Deny  []string
}
type SetIPFiltersResponse struct{ Result ResultCode }

type BanIP struct {
	IP       string
	Duration time.Duration
}
type BanIPResponse struct{ Result ResultCode }

// Generic option bags: each option surface (§4.4's "FTP options, admin
// options, logger options, protocol options, ACME options, update-check
// options") is carried as an opaque key/value map on the wire; the façade
// validates and applies it against the concrete option struct it owns.
type SetOptions struct{ Values map[string]string }
type SetOptionsResponse struct{ Result ResultCode }

type UploadCertificate struct {
	CertPEM string
	KeyPEM  string
}
type UploadCertificateResponse struct {
	Result ResultCode
	SHA256 string
}

type GenerateCertificate struct {
	CommonName string
	Hosts      []string
	Days       int
}
type GenerateCertificateResponse struct {
	Result ResultCode
	SHA256 string
}

type GetCertificateInfo struct{ SHA256 string }
type GetCertificateInfoResponse struct {
	Result    ResultCode
	Subject   string
	Issuer    string
	NotBefore time.Time
	NotAfter  time.Time
}

type ACMEGetDirectory struct{ DirectoryURI string }
type ACMEGetDirectoryResponse struct {
	Result ResultCode
	JSON   string
}

type ACMEGetAccount struct {
	DirectoryURI string
	Contacts     []string
}
type ACMEGetAccountResponse struct {
	Result      ResultCode
	KID         string
	NewlyCreated bool
}

type ACMEGetCertificate struct {
	DirectoryURI string
	Hosts        []string
	Contacts     []string
}
type ACMEGetCertificateResponse struct {
	Result      ResultCode
	CertChainPEM string
	Error       string
}

type EndSession struct{ SessionID uint64 }
type EndSessionResponse struct{ Result ResultCode }

type SolicitSessionInfo struct{}
type SolicitSessionInfoResponse struct{ SessionIDs []uint64 }

type SolicitUpdateInfo struct{}
type SolicitUpdateInfoResponse struct {
	Available bool
	Version   string
}

type AcknowledgeQueueFull struct{}
type AcknowledgeQueueFullResponse struct{}

// Broadcast message shapes (server -> client, no command/response pairing).

type SessionStart struct {
	SessionID uint64
	RemoteIP  string
	StartedAt time.Time
}
type SessionStop struct{ SessionID uint64 }
type SessionUserName struct {
	SessionID uint64
	User      string
}
type SessionEntryOpen struct {
	SessionID uint64
	Path      string
	Write     bool
}
type SessionEntryClose struct {
	SessionID uint64
	Path      string
}
type SessionRead struct {
	SessionID uint64
	Bytes     int64
}
type SessionWrite struct {
	SessionID uint64
	Bytes     int64
}
type SessionProtocolInfo struct {
	SessionID uint64
	TLS       bool
	CipherSuite string
}
type LogLine struct {
	Level   string
	Message string
	At      time.Time
}
type ServerStatus struct {
	ActiveSessions int
}
type ListenerStatus struct {
	Addr string
	Up   bool
}
type UpdateInfo struct {
	Available bool
	Version   string
}
