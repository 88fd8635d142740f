// Package pipeline implements spec §4.1's adder/consumer/pipe/channel
// abstraction: a bounded buffer connecting one producer to one drainer,
// composed into a channel bound to a socket, with backpressure, TLS-aware
// shutdown, and done-event reporting.
//
// The teacher (gonzalop/ftp/server) brokers bytes between a socket and a
// file/directory operator with plain io.Copy inside a goroutine; this
// package generalizes that into the explicit, restartable state machine
// spec §4.1 describes, while keeping Go's goroutine-based concurrency as
// the idiomatic equivalent of the original's single-threaded event loop
// (spec §9's "Coroutine-like control flow" note applies the same way here
// as it does to the ACME client).
package pipeline

import (
	"errors"
	"io"
	"sync"
)

// ErrAgain signals that an Adder/Consumer has no work right now and should
// be retried once its readiness is signaled (spec §4.1 "EAGAIN").
var ErrAgain = errors.New("pipeline: would block")

// Source, in spec terms, is the "source" tag on a done-event.
type Source int

const (
	SourceSocket Source = iota
	SourceAdder
	SourceConsumer
)

func (s Source) String() string {
	switch s {
	case SourceSocket:
		return "socket"
	case SourceAdder:
		return "adder"
	case SourceConsumer:
		return "consumer"
	default:
		return "unknown"
	}
}

// Error is spec §3's channel error: {code, source}.
type Error struct {
	Code   error
	Source Source
}

func (e *Error) Error() string { return e.Source.String() + ": " + e.Code.Error() }
func (e *Error) Unwrap() error { return e.Code }

// Adder produces bytes into the pipe's buffer.
type Adder interface {
	// AddToBuffer appends up to len(p) bytes into p, returning how many
	// were written. Returns ErrAgain if no data is currently available,
	// io.EOF when the source is exhausted, or another error on failure.
	AddToBuffer(p []byte) (n int, err error)
	// Activate/Deactivate are the "set-capability" hooks: called when the
	// pipe starts/stops polling this adder.
	Activate()
	Deactivate()
}

// Consumer drains bytes from the pipe's buffer.
type Consumer interface {
	// ConsumeBuffer writes p to the sink, returning how many bytes were
	// consumed. Returns ErrAgain if the sink cannot currently accept more.
	ConsumeBuffer(p []byte) (n int, err error)
	Activate()
	Deactivate()
}

// ReaderAdder adapts an io.Reader to Adder. EAGAIN never applies: Read
// blocks, so this is meant for adders run on their own goroutine feeding a
// channel, not for cooperative polling.
type ReaderAdder struct{ R io.Reader }

func (a ReaderAdder) AddToBuffer(p []byte) (int, error) { return a.R.Read(p) }
func (a ReaderAdder) Activate()                         {}
func (a ReaderAdder) Deactivate()                       {}

// WriterConsumer adapts an io.Writer to Consumer.
type WriterConsumer struct{ W io.Writer }

func (c WriterConsumer) ConsumeBuffer(p []byte) (int, error) { return c.W.Write(p) }
func (c WriterConsumer) Activate()                            {}
func (c WriterConsumer) Deactivate()                          {}

// DoneEvent is emitted exactly once when a Pipe stops.
type DoneEvent struct {
	Err    error // nil on clean EOF shutdown
	Source Source
}

// Pipe couples one Adder to one Consumer through a buffer bounded by
// MaxSize, alternating invocations round-robin up to MaxLoops times per
// wake-up (spec §4.1).
type Pipe struct {
	MaxSize                  int
	MaxLoops                 int
	WaitForEmptyBufferOnEOF  bool

	mu       sync.Mutex
	buf      []byte
	adder    Adder
	consumer Consumer
	done     chan DoneEvent
	closed   bool
	adderEOF bool
}

// New constructs a Pipe. maxSize<=0 defaults to 64KiB, maxLoops<=0 to 16.
func New(adder Adder, consumer Consumer, maxSize, maxLoops int) *Pipe {
	if maxSize <= 0 {
		maxSize = 64 * 1024
	}
	if maxLoops <= 0 {
		maxLoops = 16
	}
	return &Pipe{
		MaxSize:  maxSize,
		MaxLoops: maxLoops,
		adder:    adder,
		consumer: consumer,
		done:     make(chan DoneEvent, 1),
	}
}

// Done returns the channel on which the single DoneEvent is delivered.
func (p *Pipe) Done() <-chan DoneEvent { return p.done }

// Pump drives the pipe until it blocks (both sides ErrAgain), finishes
// (EOF fully drained), or errors. It is safe to call repeatedly from a
// cooperative event loop each time a readiness signal fires; it is also
// safe to run in a tight loop on its own goroutine for a blocking adder.
func (p *Pipe) Pump() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.adder.Activate()
	p.consumer.Activate()
	defer func() {
		p.adder.Deactivate()
		p.consumer.Deactivate()
	}()

	for iter := 0; iter < p.MaxLoops; iter++ {
		progressed := false

		if len(p.buf) < p.MaxSize && !p.adderEOF {
			chunk := make([]byte, p.MaxSize-len(p.buf))
			n, err := p.adder.AddToBuffer(chunk)
			if n > 0 {
				p.buf = append(p.buf, chunk[:n]...)
				progressed = true
			}
			if err != nil {
				if errors.Is(err, ErrAgain) {
					// blocked; fall through to try the consumer
				} else if errors.Is(err, io.EOF) {
					p.adderEOF = true
					if !p.WaitForEmptyBufferOnEOF || len(p.buf) == 0 {
						p.finish(DoneEvent{Err: nil, Source: SourceAdder})
						return
					}
				} else {
					p.finish(DoneEvent{Err: err, Source: SourceAdder})
					return
				}
			}
		}

		if len(p.buf) > 0 {
			n, err := p.consumer.ConsumeBuffer(p.buf)
			if n > 0 {
				p.buf = p.buf[n:]
				progressed = true
			}
			if err != nil && !errors.Is(err, ErrAgain) {
				p.finish(DoneEvent{Err: err, Source: SourceConsumer})
				return
			}
		}

		if p.adderEOF && len(p.buf) == 0 {
			p.finish(DoneEvent{Err: nil, Source: SourceAdder})
			return
		}
		if !progressed {
			return // both sides blocked (EAGAIN); wait for readiness signal
		}
	}
}

func (p *Pipe) finish(ev DoneEvent) {
	if p.closed {
		return
	}
	p.closed = true
	select {
	case p.done <- ev:
	default:
	}
}

// Clear empties the buffer and detaches both endpoints without emitting a
// DoneEvent (spec §4.1 "clear()").
func (p *Pipe) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf = nil
	p.closed = true
}
