package admin

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/coreftp/ftpd/internal/telemetry"
)

// MaxFrameBytes caps a single frame's payload; a peer exceeding it is
// disconnected rather than allowed to exhaust memory (spec §4.4).
const MaxFrameBytes = 4 << 20

var sessionSeq atomic.Uint64

// mask is a fixed-size bitset sized to the message catalog, used for both
// the send mask and the dispatch (accept) mask a session carries per spec
// §4.4: "each session tracks two bitmasks... sized to the catalog."
type mask []uint64

func newMask(n int) mask { return make(mask, (n+63)/64) }

func (m mask) set(k MessageKind)          { m[k/64] |= 1 << (k % 64) }
func (m mask) clear(k MessageKind)        { m[k/64] &^= 1 << (k % 64) }
func (m mask) isSet(k MessageKind) bool   { return m[k/64]&(1<<(k%64)) != 0 }
func (m mask) setAll()                    { for i := range m { m[i] = ^uint64(0) } }
func (m mask) clearAll()                  { for i := range m { m[i] = 0 } }

// Handler processes one decoded command frame and optionally returns a
// response payload to auto-encode back to the peer (spec §4.4's
// command/response pairing).
type Handler func(s *Session, kind MessageKind, payload []byte) (response interface{}, err error)

// Session is one administration connection: its own send/dispatch masks,
// an overflow/flow-control state, and a serialized writer.
type Session struct {
	id   uint64
	conn net.Conn
	r    *bufio.Reader
	log  *telemetry.Logger

	mu          sync.Mutex
	sendMask    mask
	dispatchMask mask
	loggedIn    bool
	overflow    bool
	closed      bool

	handlers map[MessageKind]Handler
}

// NewSession wraps conn as an administration session. Per spec §4.4, both
// masks start all-zero; only the login kinds are dispatchable pre-auth.
func NewSession(conn net.Conn, log *telemetry.Logger, handlers map[MessageKind]Handler) *Session {
	if log == nil {
		log = telemetry.Fallback()
	}
	s := &Session{
		id:           sessionSeq.Add(1),
		conn:         conn,
		r:            bufio.NewReader(conn),
		log:          log.With("admin_session", sessionSeq.Load()),
		sendMask:     newMask(NumKinds()),
		dispatchMask: newMask(NumKinds()),
		handlers:     handlers,
	}
	for _, k := range loginKinds {
		s.dispatchMask.set(k)
		s.sendMask.set(k)
	}
	return s
}

// ID returns the session's process-local identifier (used in broadcast
// SessionStart/Stop/... messages and EndSession targeting).
func (s *Session) ID() uint64 { return s.id }

// grantFullAccess is invoked by the login handler on success: every kind
// except the two login-only ones becomes sendable/dispatchable (spec
// §4.4: "after successful login they are all set except the two
// login-related bits").
func (s *Session) grantFullAccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendMask.setAll()
	s.dispatchMask.setAll()
	for _, k := range loginKinds {
		s.sendMask.clear(k)
		s.dispatchMask.clear(k)
	}
	s.loggedIn = true
}

// Send encodes and writes one message, suppressing low-priority broadcast
// kinds while the session is in the overflow state (spec §4.4 flow
// control), and silently dropping kinds the session hasn't been granted.
func (s *Session) Send(kind MessageKind, v interface{}) error {
	s.mu.Lock()
	if s.closed || !s.sendMask.isSet(kind) {
		s.mu.Unlock()
		return nil
	}
	if s.overflow && IsLowPriority(kind) {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return WriteFrame(s.conn, kind, v, MaxFrameBytes)
}

// MarkOverflow puts the session into flow-controlled state: further
// low-priority broadcasts are suppressed until AcknowledgeQueueFull is
// received (spec §4.4).
func (s *Session) MarkOverflow() {
	s.mu.Lock()
	s.overflow = true
	s.mu.Unlock()
}

func (s *Session) clearOverflow() {
	s.mu.Lock()
	s.overflow = false
	s.mu.Unlock()
}

// Serve reads and dispatches frames until the connection closes or an
// unrecoverable protocol error occurs. Decode failures reply with
// AnyException unless the offending frame was itself an exception, per
// spec §4.4's ping-pong prevention.
func (s *Session) Serve() error {
	defer s.conn.Close()
	for {
		frame, err := ReadFrame(s.r, MaxFrameBytes)
		if err != nil {
			return err
		}

		s.mu.Lock()
		loggedIn := s.loggedIn
		allowed := s.dispatchMask.isSet(frame.Index)
		s.mu.Unlock()

		if !allowed {
			if frame.Index == KindException {
				return fmt.Errorf("admin: peer rejected our exception frame")
			}
			_ = WriteFrame(s.conn, KindException, AnyException{
				Kind:        "not_permitted",
				Description: "message not permitted before login or not in catalog",
			}, MaxFrameBytes)
			continue
		}

		handler, ok := s.handlers[frame.Index]
		if !ok {
			if frame.Index == KindException {
				continue
			}
			_ = WriteFrame(s.conn, KindException, AnyException{
				Kind:        "unhandled",
				Description: "no handler registered for this message kind",
			}, MaxFrameBytes)
			continue
		}

		resp, err := handler(s, frame.Index, frame.Payload)
		if err != nil {
			_ = WriteFrame(s.conn, KindException, AnyException{
				Kind:           "handler_error",
				Description:    err.Error(),
				AboutException: frame.Index == KindException,
			}, MaxFrameBytes)
			continue
		}

		if frame.Index == KindAdminLogin && !loggedIn {
			// grantFullAccess is invoked by the login handler itself via
			// s.grantFullAccess(); nothing further to do here.
		}
		if frame.Index == KindAcknowledgeQueueFull {
			s.clearOverflow()
		}

		if respKind, ok := responseOf[frame.Index]; ok && resp != nil {
			if err := WriteFrame(s.conn, respKind, resp, MaxFrameBytes); err != nil {
				return err
			}
		}
	}
}

// Close terminates the session's underlying connection.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}
