package p2p

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boundSocket(t *testing.T) *UDPSocket {
	t.Helper()
	s := NewUDPSocket()
	require.NoError(t, s.Bind(LoopbackAddress(0)))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUDPRecvFromIsNonBlocking(t *testing.T) {
	s := boundSocket(t)
	buf := make([]byte, 1500)

	start := time.Now()
	n, _, err := s.RecvFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, -1, n)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestUDPSendChunksTo(t *testing.T) {
	a := boundSocket(t)
	b := boundSocket(t)

	require.NoError(t, a.SendChunksTo([][]byte{{1, 2}, {3}, {4, 5, 6}}, b.LocalAddr()))

	buf := make([]byte, 1500)
	var n int
	var from Address
	require.True(t, PollUntil(2*time.Second, func() bool {
		var err error
		n, from, err = b.RecvFrom(buf)
		require.NoError(t, err)
		return n >= 0
	}))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, buf[:n])
	assert.Equal(t, a.LocalAddr().Port, from.Port)
	assert.Less(t, b.RecvTimeout(), time.Second)
}

func TestUDPSendChunksLimit(t *testing.T) {
	a := boundSocket(t)
	chunks := make([][]byte, MaxSendChunks+1)
	assert.ErrorIs(t, a.SendChunksTo(chunks, a.LocalAddr()), ErrTooManyChunk)
}

func TestUDPSendChunksToBroadcastAddress(t *testing.T) {
	a := boundSocket(t)
	assert.False(t, a.broadcastSet)

	// hosts without a broadcast route may refuse the write itself
	_ = a.SendChunksTo([][]byte{{1}, {2}}, Address{IP: BroadcastIP, Port: a.LocalAddr().Port})
	assert.True(t, a.broadcastSet)
}

func TestUDPRecvFromTimeout(t *testing.T) {
	a := boundSocket(t)
	b := boundSocket(t)
	buf := make([]byte, 64)

	n, _, err := b.RecvFromTimeout(buf, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, -1, n)

	require.NoError(t, a.SendTo([]byte("hi"), b.LocalAddr()))
	n, _, err = b.RecvFromTimeout(buf, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf[:n]))

	// the deadline is cleared again, so polling keeps working
	require.NoError(t, a.SendTo([]byte("again"), b.LocalAddr()))
	dgs := []Datagram{}
	require.True(t, PollUntil(2*time.Second, func() bool {
		got, err := ReadDatagrams(b, buf, 8)
		require.NoError(t, err)
		dgs = append(dgs, got...)
		return len(dgs) > 0
	}))
	assert.Equal(t, "again", string(dgs[0].Payload))
}

func TestUDPUnboundSocket(t *testing.T) {
	s := NewUDPSocket()
	assert.ErrorIs(t, s.SendTo([]byte("x"), LoopbackAddress(9)), ErrNotBound)
	_, _, err := s.RecvFrom(make([]byte, 8))
	assert.ErrorIs(t, err, ErrNotBound)
	require.NoError(t, s.Bind(LoopbackAddress(0)))
	assert.ErrorIs(t, s.Bind(LoopbackAddress(0)), ErrAlreadyBound)
	require.NoError(t, s.Close())
}

func TestAddressHelpers(t *testing.T) {
	a, err := ParseAddress("127.0.0.1:4000")
	require.NoError(t, err)
	assert.Equal(t, LoopbackAddress(4000), a)
	assert.Equal(t, "127.0.0.1:4000", a.String())
	assert.False(t, a.IsMulticast())

	g := Address{IP: [4]byte{239, 1, 2, 3}, Port: 5000}
	assert.True(t, g.IsMulticast())
	assert.Equal(t, g, AddressFromUDP(g.UDPAddr()))
	assert.Equal(t, g, AddressFromNet(g.TCPAddr()))
	assert.True(t, AnyAddress(1).IsUnspecified())
}

func TestWaitTimer(t *testing.T) {
	assert.False(t, NewWaitTimer(0).ShouldKeepWaiting())
	assert.True(t, NewWaitTimer(time.Hour).ShouldKeepWaiting())

	calls := 0
	ok := PollUntil(0, func() bool { calls++; return false })
	assert.False(t, ok)
	assert.Equal(t, 1, calls)

	calls = 0
	ok = PollUntil(time.Second, func() bool { calls++; return calls == 3 })
	assert.True(t, ok)
	assert.Equal(t, 3, calls)
}
