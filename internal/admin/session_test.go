package admin

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskSetClearIsSet(t *testing.T) {
	t.Parallel()
	m := newMask(200)
	assert.False(t, m.isSet(150))
	m.set(150)
	assert.True(t, m.isSet(150))
	m.clear(150)
	assert.False(t, m.isSet(150))
}

func TestMaskSetAllClearAll(t *testing.T) {
	t.Parallel()
	m := newMask(10)
	m.setAll()
	for k := MessageKind(0); k < 10; k++ {
		assert.True(t, m.isSet(k))
	}
	m.clearAll()
	for k := MessageKind(0); k < 10; k++ {
		assert.False(t, m.isSet(k))
	}
}

func TestSessionOnlyAcceptsLoginBeforeAuth(t *testing.T) {
	t.Parallel()
	client, srv := net.Pipe()
	defer client.Close()

	s := NewSession(srv, nil, map[MessageKind]Handler{
		KindAdminLogin: func(sess *Session, kind MessageKind, payload []byte) (interface{}, error) {
			sess.grantFullAccess()
			return AdminLoginResponse{Result: ResultOK}, nil
		},
	})
	go s.Serve()
	defer s.Close()

	clientReader := bufio.NewReader(client)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))

	// A non-login kind before authentication is rejected with an exception.
	require.NoError(t, WriteFrame(client, KindBanIP, BanIP{IP: "1.2.3.4"}, 0))
	frame, err := ReadFrame(clientReader, 0)
	require.NoError(t, err)
	assert.Equal(t, KindException, frame.Index)

	// Login succeeds and grants full access.
	require.NoError(t, WriteFrame(client, KindAdminLogin, AdminLogin{}, 0))
	loginResp, err := ReadFrame(clientReader, 0)
	require.NoError(t, err)
	assert.Equal(t, KindAdminLoginResponse, loginResp.Index)
}
