package admin

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	msg := AdminLogin{ProtocolVersion: 1, Password: "secret"}

	require.NoError(t, WriteFrame(&buf, KindAdminLogin, msg, 0))

	frame, err := ReadFrame(bufio.NewReader(&buf), 0)
	require.NoError(t, err)
	assert.Equal(t, KindAdminLogin, frame.Index)

	var decoded AdminLogin
	require.NoError(t, frame.Decode(&decoded))
	assert.Equal(t, msg, decoded)
}

func TestReadFrameEnforcesCap(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, KindAdminLogin, AdminLogin{Password: "x"}, 0))

	_, err := ReadFrame(bufio.NewReader(&buf), 4) // tiny cap, payload exceeds it
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestWriteFrameEnforcesCap(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	err := WriteFrame(&buf, KindAdminLogin, AdminLogin{Password: "this is a longer password"}, 4)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecodeMalformedPayloadReturnsErrBadFrame(t *testing.T) {
	t.Parallel()
	f := Frame{Index: KindAdminLogin, Payload: []byte{0xff, 0xff, 0xff}}
	var v AdminLogin
	err := f.Decode(&v)
	assert.ErrorIs(t, err, ErrBadFrame)
}

func TestAnyExceptionError(t *testing.T) {
	t.Parallel()
	e := AnyException{Kind: "bad_frame", Description: "oops"}
	assert.Equal(t, "bad_frame: oops", e.Error())
}
