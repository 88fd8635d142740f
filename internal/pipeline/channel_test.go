package pipeline

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelShutdownEmitsSocketDoneEvent(t *testing.T) {
	t.Parallel()
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	c := NewChannel(serverConn, ReaderAdder{R: bytes.NewReader(nil)}, WriterConsumer{W: &bytes.Buffer{}}, nil)
	c.Shutdown(nil)

	select {
	case ev := <-c.Done():
		assert.Equal(t, SourceSocket, ev.Source)
	case <-time.After(time.Second):
		t.Fatal("Shutdown never emitted a done event")
	}
}

func TestChannelShutdownIsIdempotent(t *testing.T) {
	t.Parallel()
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	c := NewChannel(serverConn, ReaderAdder{R: bytes.NewReader(nil)}, WriterConsumer{W: &bytes.Buffer{}}, nil)
	c.Shutdown(nil)
	require.NotPanics(t, func() { c.Shutdown(nil) })
}

func TestChannelOnProgressReportsBytes(t *testing.T) {
	t.Parallel()
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	var total int64
	progressed := make(chan struct{}, 1)
	onProgress := func(n int64, at time.Time) {
		total += n
		select {
		case progressed <- struct{}{}:
		default:
		}
	}

	src := bytes.NewReader([]byte("payload"))
	c := NewChannel(serverConn, ReaderAdder{R: src}, WriterConsumer{W: &bytes.Buffer{}}, onProgress)

	go func() {
		buf := make([]byte, 64)
		clientConn.Read(buf)
	}()

	c.Pump()

	select {
	case <-progressed:
		assert.Greater(t, total, int64(0))
	case <-time.After(time.Second):
		t.Fatal("no progress reported")
	}
}
