package p2p

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startListener(t *testing.T, handshake HandshakeFunc) *TCPListener {
	t.Helper()
	l := NewTCPListener(TCPListenerOptions{
		ListenAddress: "127.0.0.1:0",
		HandshakeFunc: handshake,
	})
	require.NoError(t, l.ListenAndAccept())
	t.Cleanup(func() { l.Close() })
	return l
}

func connectPair(t *testing.T) (*TCPSocket, *TCPSocket) {
	t.Helper()
	l := startListener(t, ProtocolHandshake(1))

	client := NewTCPSocket(TCPOptions{HandshakeFunc: ProtocolHandshake(1)})
	require.NoError(t, client.Connect(l.Addr(), 5*time.Second))

	server, _, ok := l.Accept(5 * time.Second)
	require.True(t, ok)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestTcpTransport(t *testing.T) {
	l := NewTCPListener(TCPListenerOptions{ListenAddress: "127.0.0.1:0"})

	assert.Equal(t, "127.0.0.1:0", l.ListenAddress)
	assert.Nil(t, l.ListenAndAccept())
	assert.NotZero(t, l.Addr().Port)
	assert.Nil(t, l.Close())
}

func TestTCPSocketPreservesMessageBoundaries(t *testing.T) {
	client, server := connectPair(t)

	rng := rand.New(rand.NewSource(1))
	var sent [][]byte
	for i := 0; i < 200; i++ {
		msg := make([]byte, rng.Intn(5000))
		rng.Read(msg)
		sent = append(sent, msg)
		require.NoError(t, client.Send(msg))
	}
	// zero-length and multi-chunk messages keep their boundaries too
	require.NoError(t, client.SendChunks([]byte("head"), nil, []byte("tail")))
	sent = append(sent, []byte("headtail"))

	for i, want := range sent {
		got, ok := server.Recv(5 * time.Second)
		require.True(t, ok, "message %d never arrived", i)
		require.True(t, bytes.Equal(want, got), "message %d differs", i)
	}

	_, ok := server.Recv(50 * time.Millisecond)
	assert.False(t, ok)
}

func TestTCPSocketBothDirections(t *testing.T) {
	client, server := connectPair(t)

	require.NoError(t, client.Send([]byte("ping")))
	msg, ok := server.Recv(5 * time.Second)
	require.True(t, ok)
	assert.Equal(t, "ping", string(msg))

	require.NoError(t, server.Send([]byte("pong")))
	msg, ok = client.Recv(5 * time.Second)
	require.True(t, ok)
	assert.Equal(t, "pong", string(msg))
}

func TestTCPSocketPeerCloseDisconnects(t *testing.T) {
	client, server := connectPair(t)

	for i := 0; i < 10; i++ {
		require.NoError(t, client.Send([]byte(fmt.Sprintf("msg %d", i))))
	}
	require.NoError(t, client.Close())
	assert.False(t, client.IsConnected())
	assert.Equal(t, StateDisconnected, client.State())

	// everything flushed before the close is still delivered
	for i := 0; i < 10; i++ {
		msg, ok := server.Recv(5 * time.Second)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("msg %d", i), string(msg))
	}

	require.Eventually(t, func() bool { return !server.IsConnected() }, 5*time.Second, 10*time.Millisecond)
	assert.NotEmpty(t, server.DisconnectReason())
	assert.ErrorIs(t, server.Send([]byte("late")), ErrNotConnected)

	// never comes back
	time.Sleep(20 * time.Millisecond)
	assert.False(t, server.IsConnected())
}

func TestTCPSocketConnectRefused(t *testing.T) {
	l := startListener(t, nil)
	addr := l.Addr()
	require.NoError(t, l.Close())

	s := NewTCPSocket(TCPOptions{})
	require.NoError(t, s.BeginConnect(addr))
	require.Eventually(t, func() bool {
		return !s.UpdateConnect() && s.State() == StateDisconnected
	}, 5*time.Second, 10*time.Millisecond)
	assert.NotEmpty(t, s.DisconnectReason())
	assert.False(t, s.UpdateConnect())
}

func TestTCPSocketHandshakeMismatch(t *testing.T) {
	l := startListener(t, ProtocolHandshake(2))

	s := NewTCPSocket(TCPOptions{HandshakeFunc: ProtocolHandshake(1)})
	err := s.Connect(l.Addr(), 5*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version mismatch")

	_, _, ok := l.Accept(200 * time.Millisecond)
	assert.False(t, ok)
}

func TestTCPSocketStateMachine(t *testing.T) {
	s := NewTCPSocket(TCPOptions{})
	assert.Equal(t, StateUnbound, s.State())
	require.NoError(t, s.BindToAny(0))
	assert.Equal(t, StateBound, s.State())
	assert.Error(t, s.BindToAny(0))

	assert.ErrorIs(t, s.Send([]byte("x")), ErrNotConnected)
	require.NoError(t, s.Close())
	assert.Equal(t, StateDisconnected, s.State())
	assert.Error(t, s.BeginConnect(LoopbackAddress(1)))
}

func TestListenerUpdateListenIsNonBlocking(t *testing.T) {
	l := startListener(t, nil)

	start := time.Now()
	_, _, ok := l.UpdateListen()
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	c := NewTCPSocket(TCPOptions{})
	require.NoError(t, c.Connect(l.Addr(), 5*time.Second))
	defer c.Close()

	var peer *TCPSocket
	require.True(t, PollUntil(5*time.Second, func() bool {
		peer, _, ok = l.UpdateListen()
		return ok
	}))
	defer peer.Close()
	assert.True(t, peer.IsConnected())
}
