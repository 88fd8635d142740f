package admin

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Frame is the on-wire unit: u8 little_endian_flag | u32 payload_size |
// u16 message_index | payload (spec §4.4).
type Frame struct {
	Index   MessageKind
	Payload []byte
}

// ErrFrameTooLarge is returned when a declared payload_size is at or above
// the configured cap; per spec the connection must be terminated.
var ErrFrameTooLarge = errors.New("admin: frame payload exceeds cap")

// ErrBadFrame is returned for structurally invalid frames.
var ErrBadFrame = errors.New("admin: malformed frame")

// Endianness picks the byte order an encoder advertises via the leading
// flag byte. The engine always encodes little-endian; the flag and the
// decoder's byte-order switch exist because spec §4.4 requires decoders to
// "byte-swap integers...as needed" for a peer that chose the other order.
type Endianness byte

const (
	endianLittle Endianness = 1
	endianBig    Endianness = 0
)

func order(e Endianness) binary.ByteOrder {
	if e == endianBig {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// WriteFrame encodes kind/payload as CBOR and writes one frame to w,
// enforcing cap. cap<=0 disables the check (used only in tests).
func WriteFrame(w io.Writer, kind MessageKind, v interface{}, capBytes int) error {
	payload, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("admin: encoding payload for kind %d: %w", kind, err)
	}
	if capBytes > 0 && len(payload) >= capBytes {
		return ErrFrameTooLarge
	}

	header := make([]byte, 7)
	header[0] = byte(endianLittle)
	binary.LittleEndian.PutUint32(header[1:5], uint32(len(payload)))
	binary.LittleEndian.PutUint16(header[5:7], uint16(kind))

	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadFrame reads and validates one frame from r, enforcing cap (payload
// sizes >= cap terminate the connection per spec §4.4).
func ReadFrame(r *bufio.Reader, capBytes int) (Frame, error) {
	header := make([]byte, 7)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, err
	}
	end := Endianness(header[0])
	ord := order(end)
	size := ord.Uint32(header[1:5])
	idx := ord.Uint16(header[5:7])

	if capBytes > 0 && int(size) >= capBytes {
		return Frame{}, ErrFrameTooLarge
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, err
	}
	return Frame{Index: MessageKind(idx), Payload: payload}, nil
}

// Decode unmarshals a frame's CBOR payload into v.
func (f Frame) Decode(v interface{}) error {
	if err := cbor.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	return nil
}

// AnyException is the wire shape of spec §4.4's exception variant, used
// both for genuine decode failures and unknown message indices.
type AnyException struct {
	Kind        string
	Description string
	AboutException bool // true if this exception describes a failure to
	// decode another exception frame; the peer must close rather than reply
	// with yet another exception (spec §4.4 "to prevent ping-pong").
}

func (e AnyException) Error() string { return e.Kind + ": " + e.Description }
