package transport

import (
	"context"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestClassify(t *testing.T) {
	assert.Equal(t, SendErrorUnreachable, classify(&net.OpError{Err: syscall.EHOSTUNREACH}))
	assert.Equal(t, SendErrorUnreachable, classify(&net.OpError{Err: syscall.ENETUNREACH}))
	assert.Equal(t, SendErrorOther, classify(&net.OpError{Err: syscall.ECONNREFUSED}))
	assert.Equal(t, SendErrorOther, classify(syscall.EPERM))
}

func TestEndpoint(t *testing.T) {
	e := Endpoint{Host: "10.0.0.2", Port: 5060}
	assert.Equal(t, "10.0.0.2:5060", e.String())
	assert.False(t, e.IsZero())
	assert.True(t, Endpoint{}.IsZero())
	assert.NotNil(t, e.IP())
	assert.Nil(t, Endpoint{Host: "not-an-ip"}.IP())

	from := EndpointFromUDPAddr(&net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 5062})
	assert.Equal(t, "10.0.0.2:5062", from.String())
}

func TestLoopbackRoundTrip(t *testing.T) {
	tp, err := NewUDP("127.0.0.1", 0, testLogger())
	require.NoError(t, err)
	defer tp.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan struct {
		payload []byte
		peer    Endpoint
	}, 1)
	go tp.Serve(ctx, func(payload []byte, peer Endpoint) {
		received <- struct {
			payload []byte
			peer    Endpoint
		}{payload, peer}
	})

	addr := tp.LocalAddr().(*net.UDPAddr)
	client, err := net.DialUDP("udp", nil, addr)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("OPTIONS sip:x SIP/2.0\r\n\r\n"))
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, "OPTIONS sip:x SIP/2.0\r\n\r\n", string(got.payload))
		assert.Equal(t, "127.0.0.1", got.peer.Host)
	case <-time.After(2 * time.Second):
		t.Fatal("datagram not delivered")
	}

	// And back out through Send.
	clientAddr := client.LocalAddr().(*net.UDPAddr)
	require.NoError(t, tp.Send([]byte("pong"), EndpointFromUDPAddr(clientAddr)))
	buf := make([]byte, 64)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:n]))
}
