// Package imp implements the impersonator IPC channel (spec §4.9): a
// request/response protocol between the unprivileged FTP worker process
// and a privileged helper process that opens files under a specific
// user's identity and ships the resulting file descriptor back across
// the process boundary.
//
// Framing reuses internal/admin's length-prefixed CBOR codec style
// (same header shape, same github.com/fxamacker/cbor/v2 payload codec);
// file descriptor transfer uses golang.org/x/sys/unix's SCM_RIGHTS
// ancillary-data support, grounded on nabbar/golib's use of x/sys for
// low-level socket control. Windows FD-equivalent transfer
// (DuplicateHandle) is not implemented; NewChannel returns an error on
// non-Unix platforms rather than silently no-op.
package imp

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/sync/semaphore"

	"github.com/coreftp/ftpd/internal/telemetry"
)

// ErrClosed is returned by pending calls when the channel is closed
// before a response arrives.
var ErrClosed = errors.New("imp: channel closed")

// ErrTimeout is returned when a call exceeds its deadline.
var ErrTimeout = errors.New("imp: call timed out")

// Request is one impersonation request: open path on behalf of user,
// with the given flags (spec §4.9's "open-as" operation).
type Request struct {
	ID    uint64
	User  string
	Path  string
	Flags int
	Mode  uint32
}

// Response carries the result: either a usable file descriptor (handled
// out-of-band via SCM_RIGHTS and not present in the CBOR payload itself)
// or an error string.
type Response struct {
	ID    uint64
	Error string
}

// frameHeader mirrors internal/admin's wire shape: u32 size | u64 id.
const headerSize = 12

func writeFrame(w io.Writer, id uint64, v interface{}) error {
	payload, err := cbor.Marshal(v)
	if err != nil {
		return err
	}
	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint64(header[4:12], id)
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

func readFrame(r *bufio.Reader) (id uint64, payload []byte, err error) {
	header := make([]byte, headerSize)
	if _, err = io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	size := binary.LittleEndian.Uint32(header[0:4])
	id = binary.LittleEndian.Uint64(header[4:12])
	payload = make([]byte, size)
	if _, err = io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return id, payload, nil
}

// outstanding tracks one in-flight call awaiting its response.
type outstanding struct {
	resp     chan Response
	fd       chan int
	deadline time.Time
}

// Channel is the caller side of the impersonator IPC: it owns the Unix
// socket to the privileged helper, a bounded pool of concurrent
// in-flight calls (via golang.org/x/sync/semaphore, the same module the
// loop pool in internal/ioloop uses for errgroup), and FIFO tracking of
// outstanding requests so a channel close or deadline failure resolves
// them in order with a default error response.
type Channel struct {
	conn    net.Conn
	r       *bufio.Reader
	sem     *semaphore.Weighted
	log     *telemetry.Logger

	mu      sync.Mutex
	next    uint64
	waiting map[uint64]*outstanding
	closed  bool

	writeMu sync.Mutex
}

// NewChannel wraps an established Unix domain socket connection to the
// impersonator helper. maxConcurrent bounds in-flight requests.
func NewChannel(conn net.Conn, maxConcurrent int64, log *telemetry.Logger) *Channel {
	if log == nil {
		log = telemetry.Fallback()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 16
	}
	c := &Channel{
		conn:    conn,
		r:       bufio.NewReader(conn),
		sem:     semaphore.NewWeighted(maxConcurrent),
		log:     log.With("component", "imp"),
		waiting: make(map[uint64]*outstanding),
	}
	go c.readLoop()
	return c
}

func (c *Channel) readLoop() {
	for {
		id, payload, err := readFrame(c.r)
		if err != nil {
			c.closeWithError(err)
			return
		}
		var resp Response
		if err := cbor.Unmarshal(payload, &resp); err != nil {
			c.log.Warn("imp: malformed response frame", "error", err)
			continue
		}
		fd, ferr := recvFD(c.conn)

		c.mu.Lock()
		o, ok := c.waiting[id]
		if ok {
			delete(c.waiting, id)
		}
		c.mu.Unlock()
		if !ok {
			continue
		}
		if ferr == nil && fd >= 0 {
			o.fd <- fd
		} else {
			o.fd <- -1
		}
		o.resp <- resp
	}
}

func (c *Channel) closeWithError(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	waiting := c.waiting
	c.waiting = nil
	c.mu.Unlock()

	for id, o := range waiting {
		o.fd <- -1
		o.resp <- Response{ID: id, Error: ErrClosed.Error()}
	}
	_ = c.conn.Close()
}

// Call issues an open-as request and blocks for a response or ctx's
// deadline, whichever comes first. The semaphore bounds how many calls
// may be outstanding at once; a call that never gets a response (helper
// died) still resolves once the read loop observes the connection close.
func (c *Channel) Call(ctx context.Context, req Request) (fd int, err error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return -1, err
	}
	defer c.sem.Release(1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return -1, ErrClosed
	}
	c.next++
	id := c.next
	o := &outstanding{resp: make(chan Response, 1), fd: make(chan int, 1)}
	c.waiting[id] = o
	c.mu.Unlock()

	req.ID = id
	c.writeMu.Lock()
	werr := writeFrame(c.conn, id, req)
	c.writeMu.Unlock()
	if werr != nil {
		c.mu.Lock()
		delete(c.waiting, id)
		c.mu.Unlock()
		return -1, werr
	}

	select {
	case <-ctx.Done():
		return -1, ErrTimeout
	case resp := <-o.resp:
		gotFD := <-o.fd
		if resp.Error != "" {
			return -1, fmt.Errorf("imp: %s", resp.Error)
		}
		return gotFD, nil
	}
}

// Close terminates the channel, resolving every outstanding call with
// ErrClosed.
func (c *Channel) Close() error {
	c.closeWithError(ErrClosed)
	return nil
}
