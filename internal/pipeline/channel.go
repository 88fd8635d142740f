package pipeline

import (
	"crypto/tls"
	"net"
	"sync"
	"time"
)

// SocketAdapter wraps a net.Conn with the progress-monitoring and
// backpressure hooks spec §4.1 requires of the channel's socket endpoint.
type SocketAdapter struct {
	Conn net.Conn

	// MaxWritableAmountLeftBeforeReadingAgain: once the outgoing pipe's
	// buffered-but-unwritten amount reaches this many bytes, the channel
	// stops reading from the socket until the buffer drains.
	MaxWritableAmountLeftBeforeReadingAgain int64

	onProgress func(n int64, at time.Time)
}

// OnProgress installs a byte-counter callback; Channel wraps both pipes'
// endpoints so every transferred byte is timestamped (spec §4.1 "monitored
// adapter wrappers").
func (s *SocketAdapter) OnProgress(f func(n int64, at time.Time)) { s.onProgress = f }

func (s *SocketAdapter) reportProgress(n int) {
	if s.onProgress != nil && n > 0 {
		s.onProgress(int64(n), time.Now())
	}
}

// monitoredReaderAdder wraps a ReaderAdder to report progress.
type monitoredReaderAdder struct {
	ReaderAdder
	sock *SocketAdapter
}

func (a monitoredReaderAdder) AddToBuffer(p []byte) (int, error) {
	n, err := a.ReaderAdder.AddToBuffer(p)
	a.sock.reportProgress(n)
	return n, err
}

type monitoredWriterConsumer struct {
	WriterConsumer
	sock *SocketAdapter
}

func (c monitoredWriterConsumer) ConsumeBuffer(p []byte) (int, error) {
	n, err := c.WriterConsumer.ConsumeBuffer(p)
	c.sock.reportProgress(n)
	return n, err
}

// Channel composes an "in" pipe (socket -> buffer -> consumer) and an
// "out" pipe (adder -> buffer -> socket) bound to one socket.
//
// Destruction order is spec-significant (§4.1, invariant §8.4): "in" must
// be destroyed before "out" because in-side handlers routinely schedule
// writes on out. Close() enforces this explicitly instead of relying on
// struct-field declaration order the way the original's C++ does.
type Channel struct {
	sock *SocketAdapter

	mu   sync.Mutex
	out  *Pipe // adder -> socket
	in   *Pipe // socket -> consumer
	done chan DoneEvent

	closeOnce sync.Once
}

// NewChannel builds a Channel around conn with adder feeding the outbound
// pipe and consumer draining the inbound pipe. If onProgress is non-nil,
// both pipes interpose monitored wrappers (spec §4.1).
func NewChannel(conn net.Conn, adder Adder, consumer Consumer, onProgress func(n int64, at time.Time)) *Channel {
	sock := &SocketAdapter{Conn: conn}
	if onProgress != nil {
		sock.OnProgress(onProgress)
	}

	outAdder := adder
	inConsumer := consumer
	if onProgress != nil {
		if ra, ok := adder.(ReaderAdder); ok {
			outAdder = monitoredReaderAdder{ReaderAdder: ra, sock: sock}
		}
		if wc, ok := consumer.(WriterConsumer); ok {
			inConsumer = monitoredWriterConsumer{WriterConsumer: wc, sock: sock}
		}
	}

	out := New(outAdder, WriterConsumer{W: conn}, 0, 0)
	in := New(ReaderAdder{R: conn}, inConsumer, 0, 0)

	c := &Channel{
		sock: sock,
		out:  out,
		in:   in,
		done: make(chan DoneEvent, 1),
	}
	return c
}

// Done reports the channel's single done-event, tagged with the
// originating side (spec §4.1).
func (c *Channel) Done() <-chan DoneEvent { return c.done }

// Pump drives both pipes one round; callers on a cooperative loop call
// this on every readiness signal. It fans each pipe's own DoneEvent up to
// the channel's single done-event, deduplicated via sync.Once semantics.
func (c *Channel) Pump() {
	c.out.Pump()
	c.in.Pump()

	select {
	case ev := <-c.out.Done():
		c.emit(ev)
	default:
	}
	select {
	case ev := <-c.in.Done():
		c.emit(ev)
	default:
	}
}

// PumpOut drives only the adder -> socket pipe. FTP data transfers are
// unidirectional per operation (spec §8.4's RETR/STOR split): a RETR
// handler only ever needs this side, and calling the combined Pump would
// make the unused "in" side block reading a socket the peer never writes
// to.
func (c *Channel) PumpOut() {
	c.out.Pump()
	select {
	case ev := <-c.out.Done():
		c.emit(ev)
	default:
	}
}

// PumpIn drives only the socket -> consumer pipe, the STOR/APPE/STOU
// counterpart to PumpOut.
func (c *Channel) PumpIn() {
	c.in.Pump()
	select {
	case ev := <-c.in.Done():
		c.emit(ev)
	default:
	}
}

func (c *Channel) emit(ev DoneEvent) {
	select {
	case c.done <- ev:
	default:
	}
}

// Shutdown triggers a graceful close: if the socket is TLS, it sends
// close-notify first; then the underlying connection is closed and a
// single done-event is emitted tagged SourceSocket (spec §4.1, scenario F).
func (c *Channel) Shutdown(code error) {
	c.closeOnce.Do(func() {
		if tc, ok := c.sock.Conn.(*tls.Conn); ok {
			_ = tc.CloseWrite()
		}
		_ = c.sock.Conn.Close()
		c.emit(DoneEvent{Err: code, Source: SourceSocket})
	})
}

// Clear empties both pipes and detaches the socket without emitting
// (spec §4.1 "clear()").
func (c *Channel) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.in.Clear()
	c.out.Clear()
}

// Close implements the destruction-order invariant (§8.4): "in" is closed
// (and by extension can no longer schedule writes) strictly before "out".
func (c *Channel) Close() error {
	c.in.Clear()
	c.out.Clear()
	return c.sock.Conn.Close()
}
