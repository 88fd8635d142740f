package imp

import (
	"bufio"
	"net"

	"github.com/fxamacker/cbor/v2"

	"github.com/coreftp/ftpd/internal/telemetry"
)

// Opener performs the actual privileged open on behalf of a Request,
// returning a file descriptor ready to hand back across the channel.
// Implementations are responsible for whatever identity switch the host
// OS requires (setuid, token impersonation, ...); this package only
// handles the IPC framing and descriptor transfer.
type Opener interface {
	Open(req Request) (fd int, err error)
}

// Server is the impersonator helper's accept loop: one goroutine per
// connected worker, serving Requests sequentially per connection (the
// privileged helper is expected to be the trusted, simple side of this
// channel; concurrency bounding lives in the Channel caller instead).
type Server struct {
	Opener Opener
	Log    *telemetry.Logger
}

// NewServer returns a Server that satisfies Requests via opener.
func NewServer(opener Opener, log *telemetry.Logger) *Server {
	if log == nil {
		log = telemetry.Fallback()
	}
	return &Server{Opener: opener, Log: log.With("component", "imp-server")}
}

// Serve handles one worker connection until it closes.
func (s *Server) Serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		id, payload, err := readFrame(r)
		if err != nil {
			return
		}
		var req Request
		if err := cbor.Unmarshal(payload, &req); err != nil {
			s.Log.Warn("imp: malformed request frame", "error", err)
			return
		}
		req.ID = id

		fd, openErr := s.Opener.Open(req)
		resp := Response{ID: id}
		if openErr != nil {
			resp.Error = openErr.Error()
		}
		if err := writeFrame(conn, id, resp); err != nil {
			return
		}
		if openErr == nil {
			if err := sendFD(conn, fd); err != nil {
				s.Log.Warn("imp: sending fd failed", "error", err)
			}
		}
	}
}

// Accept runs Serve for every connection accepted on ln until it's
// closed or returns an error.
func (s *Server) Accept(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.Serve(conn)
	}
}
