package minitls_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tinystack/minitls"
	"tinystack/minitls/minitlstest"
)

func newTestConn(t *testing.T, cfg minitlstest.Config) (*minitls.Conn, *minitlstest.Server) {
	t.Helper()
	server, err := minitlstest.NewServer(cfg)
	require.NoError(t, err)
	conn := minitls.Client(server.ClientStream(), minitls.Config{
		ServerName: "example.test",
		PollBudget: 50,
	}, nil)
	return conn, server
}

func TestHandshakeAndEcho(t *testing.T) {
	suites := map[string]uint16{
		"GCM": minitls.TLS_RSA_WITH_AES_128_GCM_SHA256,
		"CBC": minitls.TLS_RSA_WITH_AES_128_CBC_SHA256,
	}
	for name, suite := range suites {
		t.Run(name, func(t *testing.T) {
			conn, server := newTestConn(t, minitlstest.Config{CipherSuite: suite})

			require.NoError(t, conn.Handshake())
			require.NoError(t, server.Err())
			assert.True(t, conn.IsConnected())
			assert.True(t, server.Established())
			assert.Equal(t, minitls.StateEstablished, conn.State())

			request := []byte("GET / HTTP/1.0\r\n\r\n")
			n, err := conn.Send(request)
			require.NoError(t, err)
			assert.Equal(t, len(request), n)

			echoed, err := conn.Recv()
			require.NoError(t, err)
			assert.Equal(t, request, echoed)

			require.Len(t, server.Received, 1)
			assert.Equal(t, request, server.Received[0])
		})
	}
}

func TestHandshakeLargeTransfer(t *testing.T) {
	conn, server := newTestConn(t, minitlstest.Config{})
	require.NoError(t, conn.Handshake())

	// Over the 16384-byte fragment limit: must go out as multiple
	// records and come back intact.
	data := bytes.Repeat([]byte("0123456789abcdef"), 2600) // 41600 bytes
	n, err := conn.Send(data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Greater(t, len(server.Received), 1)

	var echoed []byte
	for len(echoed) < len(data) {
		chunk, err := conn.Recv()
		require.NoError(t, err)
		echoed = append(echoed, chunk...)
	}
	assert.Equal(t, data, echoed)
}

func TestHandshakeVersionMismatch(t *testing.T) {
	conn, _ := newTestConn(t, minitlstest.Config{HelloVersion: 0x0302})

	err := conn.Handshake()
	require.Error(t, err)
	assert.Equal(t, minitls.StateError, conn.State())
	assert.False(t, conn.IsConnected())
	assert.Error(t, conn.Err())

	var alert *minitls.AlertError
	require.ErrorAs(t, err, &alert)
	assert.Equal(t, uint8(70), alert.Description) // protocol_version
}

func TestHandshakeUnsupportedSuite(t *testing.T) {
	// TLS_RSA_WITH_AES_128_CBC_SHA, never offered by this client.
	conn, _ := newTestConn(t, minitlstest.Config{ForceSuite: 0x002f})

	err := conn.Handshake()
	require.Error(t, err)
	assert.Equal(t, minitls.StateError, conn.State())

	var alert *minitls.AlertError
	require.ErrorAs(t, err, &alert)
	assert.Equal(t, uint8(40), alert.Description) // handshake_failure
}

func TestRecvTimesOutWithoutData(t *testing.T) {
	conn, _ := newTestConn(t, minitlstest.Config{})
	require.NoError(t, conn.Handshake())

	_, err := conn.Recv()
	assert.ErrorIs(t, err, minitls.ErrReadTimeout)
	// A timeout is not fatal; the connection stays usable.
	assert.True(t, conn.IsConnected())
}

func TestSendBeforeHandshake(t *testing.T) {
	conn, _ := newTestConn(t, minitlstest.Config{})
	_, err := conn.Send([]byte("too soon"))
	assert.Error(t, err)
}

func TestHandshakeTwice(t *testing.T) {
	conn, _ := newTestConn(t, minitlstest.Config{})
	require.NoError(t, conn.Handshake())
	assert.Error(t, conn.Handshake())
}

func TestCloseSendsCloseNotify(t *testing.T) {
	conn, server := newTestConn(t, minitlstest.Config{})
	require.NoError(t, conn.Handshake())

	require.NoError(t, conn.Close())
	server.ClientStream().Pump()
	assert.True(t, server.Closed())
	assert.False(t, conn.IsConnected())

	_, err := conn.Send([]byte("after close"))
	assert.ErrorIs(t, err, minitls.ErrClosed)
	_, err = conn.Recv()
	assert.ErrorIs(t, err, minitls.ErrClosed)
}
