package server

import (
	"bufio"
	"bytes"
	"io"
)

// asciiReader wraps an io.Reader and converts LF to CRLF on the fly for RETR (Download).
type asciiReader struct {
	r          *bufio.Reader
	prevWasCR  bool // To avoid doubling CR if file is already CRLF
	pending    byte // Pending byte to write (e.g. \n after we wrote \r)
	hasPending bool
}

func newASCIIReader(r io.Reader) *asciiReader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &asciiReader{
		r: br,
	}
}

func (r *asciiReader) fill() ([]byte, error) {
	peeked, _ := r.r.Peek(r.r.Buffered())
	if len(peeked) > 0 {
		return peeked, nil
	}
	// Buffer empty, try to ReadByte to trigger fill or catch EOF
	_, err := r.r.ReadByte()
	if err != nil {
		return nil, err
	}
	// Put it back to use the block logic
	_ = r.r.UnreadByte()
	peeked, _ = r.r.Peek(r.r.Buffered())
	if len(peeked) == 0 {
		return nil, io.ErrUnexpectedEOF
	}
	return peeked, nil
}

func (r *asciiReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	n := 0

	// Handle pending byte from previous Read
	if r.hasPending {
		p[n] = r.pending
		n++
		r.hasPending = false
		r.pending = 0
	}

	for n < len(p) {
		peeked, err := r.fill()
		if err != nil {
			if n > 0 {
				return n, nil
			}
			return 0, err
		}

		// Look for LF
		idx := bytes.IndexByte(peeked, '\n')
		if idx == -1 {
			// No LF, copy everything but be careful with trailing CR
			toCopy := len(peeked)
			if n+toCopy > len(p) {
				toCopy = len(p) - n
			}

			copy(p[n:], peeked[:toCopy])
			r.prevWasCR = (peeked[toCopy-1] == '\r')
			_, _ = r.r.Discard(toCopy)
			n += toCopy
		} else {
			// Found LF at idx.
			// Copy data BEFORE the LF.
			toCopy := idx
			if n+toCopy > len(p) {
				toCopy = len(p) - n
			}

			if toCopy > 0 {
				copy(p[n:], peeked[:toCopy])
				r.prevWasCR = (peeked[toCopy-1] == '\r')
				_, _ = r.r.Discard(toCopy)
				n += toCopy
			}

			if n >= len(p) {
				return n, nil
			}

			// Now we are at the LF in the reader.
			// Check if we need to insert CR.
			if r.prevWasCR {
				// Already has CR, just copy LF
				p[n] = '\n'
				n++
				_, _ = r.r.Discard(1)
				r.prevWasCR = false
			} else {
				// Insert CR
				p[n] = '\r'
				n++
				r.prevWasCR = true
				// Next byte should be LF. If we have space, write it.
				if n < len(p) {
					p[n] = '\n'
					n++
					_, _ = r.r.Discard(1)
					r.prevWasCR = false
				} else {
					// No space for LF, store as pending
					r.pending = '\n'
					r.hasPending = true
					_, _ = r.r.Discard(1)
					return n, nil
				}
			}
		}
	}

	return n, nil
}

// asciiFileWriter translates CRLF to LF for STOR/APPE/STOU (Upload), as
// an internal/pipeline.Consumer's sink (the pipe hands it bytes to
// Write, it never pulls). A lone trailing CR is held back until the next
// Write (or Close) resolves whether it was followed by LF.
type asciiFileWriter struct {
	w         io.Writer
	pendingCR bool
}

func newASCIIFileWriter(w io.Writer) *asciiFileWriter {
	return &asciiFileWriter{w: w}
}

func (aw *asciiFileWriter) Write(p []byte) (int, error) {
	consumed := len(p)
	if aw.pendingCR {
		aw.pendingCR = false
		if len(p) > 0 && p[0] == '\n' {
			p = p[1:]
		} else if _, err := aw.w.Write([]byte{'\r'}); err != nil {
			return 0, err
		}
	}

	if len(p) > 0 && p[len(p)-1] == '\r' {
		aw.pendingCR = true
		p = p[:len(p)-1]
	}

	out := bytes.ReplaceAll(p, []byte("\r\n"), []byte("\n"))
	if _, err := aw.w.Write(out); err != nil {
		return 0, err
	}
	return consumed, nil
}

// Close flushes a held-back trailing CR, if any.
func (aw *asciiFileWriter) Close() error {
	if aw.pendingCR {
		aw.pendingCR = false
		_, err := aw.w.Write([]byte{'\r'})
		return err
	}
	return nil
}

