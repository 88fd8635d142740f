// Package notify bridges FTP session lifecycle events and log lines into
// the administration RPC engine's broadcasts (spec §4.4's session_start,
// session_stop, session_user_name, entry_open/close, read/write,
// log_line messages), and lets the administration façade's EndSession
// command actually terminate a running FTP session.
package notify

import (
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/coreftp/ftpd/internal/admin"
)

// Broadcaster is the subset of *admin.Administrator the notifier and
// registry depend on, keeping this package decoupled from the rest of
// the admin package's surface.
type Broadcaster interface {
	Broadcast(kind admin.MessageKind, v interface{})
}

// Terminable is any FTP session that can be asked to close.
type Terminable interface {
	Close() error
}

// Registry tracks live FTP sessions by the same numeric ID broadcast in
// SessionStart/Stop, so the admin façade's EndSession command can find
// and close one.
type Registry struct {
	mu       sync.Mutex
	sessions map[uint64]Terminable
}

// NewRegistry returns an empty session registry.
func NewRegistry() *Registry { return &Registry{sessions: make(map[uint64]Terminable)} }

// Track registers a session under id, replacing the Close hook if one
// already exists for id (IDs are assumed unique for the process lifetime).
func (r *Registry) Track(id uint64, s Terminable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = s
}

// Untrack removes a session from the registry, typically called from the
// session's own cleanup path.
func (r *Registry) Untrack(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// End closes the tracked session for id, if any, reporting whether one
// was found.
func (r *Registry) End(id uint64) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	_ = s.Close()
	return true
}

// Notifier forwards FTP session events to a Broadcaster.
type Notifier struct {
	b Broadcaster
}

// New returns a Notifier that broadcasts through b.
func New(b Broadcaster) *Notifier { return &Notifier{b: b} }

// SessionStart reports a newly accepted FTP control connection.
func (n *Notifier) SessionStart(id uint64, remote net.Addr) {
	n.b.Broadcast(admin.KindSessionStart, admin.SessionStart{
		SessionID: id,
		RemoteIP:  hostOf(remote),
		StartedAt: time.Now(),
	})
}

// SessionStop reports an FTP session ending.
func (n *Notifier) SessionStop(id uint64) {
	n.b.Broadcast(admin.KindSessionStop, admin.SessionStop{SessionID: id})
}

// UserName reports a successful USER/PASS login for id.
func (n *Notifier) UserName(id uint64, user string) {
	n.b.Broadcast(admin.KindSessionUserName, admin.SessionUserName{SessionID: id, User: user})
}

// EntryOpen reports a data-connection file open (upload or download).
func (n *Notifier) EntryOpen(id uint64, path string, write bool) {
	n.b.Broadcast(admin.KindSessionEntryOpen, admin.SessionEntryOpen{SessionID: id, Path: path, Write: write})
}

// EntryClose reports a data-connection file close.
func (n *Notifier) EntryClose(id uint64, path string) {
	n.b.Broadcast(admin.KindSessionEntryClose, admin.SessionEntryClose{SessionID: id, Path: path})
}

// Read reports bytes read from a data connection (client upload).
func (n *Notifier) Read(id uint64, bytes int64) {
	n.b.Broadcast(admin.KindSessionRead, admin.SessionRead{SessionID: id, Bytes: bytes})
}

// Write reports bytes written to a data connection (client download).
func (n *Notifier) Write(id uint64, bytes int64) {
	n.b.Broadcast(admin.KindSessionWrite, admin.SessionWrite{SessionID: id, Bytes: bytes})
}

// ProtocolInfo reports the negotiated TLS state of a session's control
// connection.
func (n *Notifier) ProtocolInfo(id uint64, tlsOn bool, cipherSuite string) {
	n.b.Broadcast(admin.KindSessionProtocolInfo, admin.SessionProtocolInfo{
		SessionID:   id,
		TLS:         tlsOn,
		CipherSuite: cipherSuite,
	})
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// LogHook is a logrus.Hook that forwards every log entry as a log_line
// broadcast, letting admin GUIs tail the server's log live (spec §4.4).
type LogHook struct {
	b      Broadcaster
	levels []logrus.Level
}

// NewLogHook returns a LogHook firing on every standard level.
func NewLogHook(b Broadcaster) *LogHook {
	return &LogHook{b: b, levels: logrus.AllLevels}
}

func (h *LogHook) Levels() []logrus.Level { return h.levels }

func (h *LogHook) Fire(e *logrus.Entry) error {
	h.b.Broadcast(admin.KindLogLine, admin.LogLine{
		Level:   e.Level.String(),
		Message: e.Message,
		At:      e.Time,
	})
	return nil
}
