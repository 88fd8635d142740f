// Package admin implements spec §4.4's administration RPC engine: a
// versioned, variant-typed message protocol with per-session send/dispatch
// masks, flow-controlled broadcasting, and live session notification
// fan-out, plus (§4.11) the administrator façade that implements the RPC
// handlers against server/auth/autoban/portmgr state.
//
// Framing style is grounded on nabbar/golib/encoding/mux's length-prefixed
// channel multiplexer, generalized from its hex-delimited text framing to
// the fixed binary header spec §4.4 specifies, and from bespoke encoding to
// github.com/fxamacker/cbor/v2 for the payload (the same codec
// nabbar/golib/encoding/mux uses).
package admin

// MessageKind is the compile-time catalog index: the wire index IS the
// slot number (spec §4.4).
type MessageKind uint16

const (
	KindException MessageKind = iota // catalog always begins with the exception variant

	KindAdminLogin
	KindAdminLoginResponse

	KindSetUsersAndGroups
	KindSetUsersAndGroupsResponse
	KindGetUsersAndGroups
	KindGetUsersAndGroupsResponse

	KindSetIPFilters
	KindSetIPFiltersResponse
	KindBanIP
	KindBanIPResponse

	KindSetFTPOptions
	KindSetFTPOptionsResponse
	KindSetAdminOptions
	KindSetAdminOptionsResponse
	KindSetLoggerOptions
	KindSetLoggerOptionsResponse
	KindSetProtocolOptions
	KindSetProtocolOptionsResponse
	KindSetACMEOptions
	KindSetACMEOptionsResponse
	KindSetUpdateCheckOptions
	KindSetUpdateCheckOptionsResponse

	KindUploadCertificate
	KindUploadCertificateResponse
	KindGenerateCertificate
	KindGenerateCertificateResponse
	KindGetCertificateInfo
	KindGetCertificateInfoResponse

	KindACMEGetDirectory
	KindACMEGetDirectoryResponse
	KindACMEGetAccount
	KindACMEGetAccountResponse
	KindACMEGetCertificate
	KindACMEGetCertificateResponse

	KindEndSession
	KindEndSessionResponse
	KindSolicitSessionInfo
	KindSolicitSessionInfoResponse
	KindSolicitUpdateInfo
	KindSolicitUpdateInfoResponse

	KindAcknowledgeQueueFull
	KindAcknowledgeQueueFullResponse

	// Broadcast-only (server -> client), no matching Response kind.
	KindSessionStart
	KindSessionStop
	KindSessionUserName
	KindSessionEntryOpen
	KindSessionEntryClose
	KindSessionRead
	KindSessionWrite
	KindSessionProtocolInfo
	KindLogLine
	KindServerStatus
	KindListenerStatus
	KindUpdateInfo

	numKinds // sentinel; not a real message
)

// ProtocolVersion is the compile-time catalog version embedded in
// admin_login (spec §4.4: "Any new message bumps a catalog protocol-version
// integer; the login command embeds that version and the server refuses
// mismatches", and invariant §8.5).
const ProtocolVersion uint32 = uint32(numKinds)

// NumKinds returns the size of the catalog, i.e. the bit-width needed for
// the session masks.
func NumKinds() int { return int(numKinds) }

// loginKinds are exempt from the "all clear on accept" rule: they remain
// enabled before authentication so the client can log in at all (spec
// §4.4: "On accept the bits are all zero; after successful login they are
// all set except the two login-related bits" — the two are these).
var loginKinds = [...]MessageKind{KindAdminLogin, KindAdminLoginResponse}

// lowPriority is the set of broadcast kinds suppressed while a session is
// in the admin-engine's overflow state (spec §4.4 flow control).
var lowPriority = map[MessageKind]bool{
	KindLogLine:             true,
	KindListenerStatus:      true,
	KindServerStatus:        true,
	KindSessionStart:        true,
	KindSessionStop:         true,
	KindSessionUserName:     true,
	KindSessionEntryOpen:    true,
	KindSessionEntryClose:   true,
	KindSessionRead:         true,
	KindSessionWrite:        true,
	KindSessionProtocolInfo: true,
}

// IsLowPriority reports whether kind is suppressed during overflow.
func IsLowPriority(kind MessageKind) bool { return lowPriority[kind] }

// responseOf maps each command kind to its paired response kind, used by
// the dispatcher to auto-encode handler return values (spec §4.4:
// "command vs. message vs. command-response").
var responseOf = map[MessageKind]MessageKind{
	KindAdminLogin:            KindAdminLoginResponse,
	KindSetUsersAndGroups:     KindSetUsersAndGroupsResponse,
	KindGetUsersAndGroups:     KindGetUsersAndGroupsResponse,
	KindSetIPFilters:          KindSetIPFiltersResponse,
	KindBanIP:                 KindBanIPResponse,
	KindSetFTPOptions:         KindSetFTPOptionsResponse,
	KindSetAdminOptions:       KindSetAdminOptionsResponse,
	KindSetLoggerOptions:      KindSetLoggerOptionsResponse,
	KindSetProtocolOptions:    KindSetProtocolOptionsResponse,
	KindSetACMEOptions:        KindSetACMEOptionsResponse,
	KindSetUpdateCheckOptions: KindSetUpdateCheckOptionsResponse,
	KindUploadCertificate:     KindUploadCertificateResponse,
	KindGenerateCertificate:   KindGenerateCertificateResponse,
	KindGetCertificateInfo:    KindGetCertificateInfoResponse,
	KindACMEGetDirectory:      KindACMEGetDirectoryResponse,
	KindACMEGetAccount:        KindACMEGetAccountResponse,
	KindACMEGetCertificate:    KindACMEGetCertificateResponse,
	KindEndSession:            KindEndSessionResponse,
	KindSolicitSessionInfo:    KindSolicitSessionInfoResponse,
	KindSolicitUpdateInfo:     KindSolicitUpdateInfoResponse,
	KindAcknowledgeQueueFull:  KindAcknowledgeQueueFullResponse,
}
