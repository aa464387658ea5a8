package p2p

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"
)

const (
	// MaxSendChunks bounds SendChunksTo.
	MaxSendChunks = 8
	// MulticastRecvBuffer is the receive buffer requested for multicast
	// listeners; senders can outrun slow receivers.
	MulticastRecvBuffer = 1 << 20
	// MaxDatagramSize is the largest UDP payload.
	MaxDatagramSize = 65507
)

var (
	ErrNotBound     = errors.New("p2p: socket is not bound")
	ErrAlreadyBound = errors.New("p2p: socket is already bound")
	ErrTooManyChunk = fmt.Errorf("p2p: more than %d chunks in one send", MaxSendChunks)
)

// Socket is an unreliable datagram endpoint. Sends are fire-and-forget and
// RecvFrom never blocks.
type Socket interface {
	Bind(addr Address) error
	BindToAny(port uint16) error
	LocalAddr() Address
	Broadcast(data []byte, port uint16) error
	SendTo(data []byte, addr Address) error
	SendChunksTo(chunks [][]byte, addr Address) error
	// RecvFrom returns n == -1 and a nil error when no datagram is queued.
	RecvFrom(buf []byte) (int, Address, error)
	// RecvFromTimeout waits up to timeout and otherwise behaves like RecvFrom.
	RecvFromTimeout(buf []byte, timeout time.Duration) (int, Address, error)
	ListenToMulticastStream(group Address, iface Address) error
	// RecvTimeout is the time since the last datagram was received.
	RecvTimeout() time.Duration
	Close() error
}

// UDPSocket is the Socket implementation over a real IPv4 UDP socket.
type UDPSocket struct {
	mu           sync.Mutex
	conn         *net.UDPConn
	broadcastSet bool

	lastRecv atomic.Int64
}

var _ Socket = (*UDPSocket)(nil)

func NewUDPSocket() *UDPSocket {
	s := &UDPSocket{}
	s.lastRecv.Store(time.Now().UnixNano())
	return s
}

func (s *UDPSocket) Bind(addr Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return ErrAlreadyBound
	}
	conn, err := net.ListenUDP("udp4", addr.UDPAddr())
	if err != nil {
		return fmt.Errorf("failed to bind udp %s: %w", addr, err)
	}
	s.conn = conn
	s.lastRecv.Store(time.Now().UnixNano())
	return nil
}

func (s *UDPSocket) BindToAny(port uint16) error {
	return s.Bind(AnyAddress(port))
}

func (s *UDPSocket) LocalAddr() Address {
	conn := s.get()
	if conn == nil {
		return Address{}
	}
	return AddressFromNet(conn.LocalAddr())
}

func (s *UDPSocket) get() *net.UDPConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Broadcast sends data to 255.255.255.255:port. The first call turns on
// SO_BROADCAST for the socket.
func (s *UDPSocket) Broadcast(data []byte, port uint16) error {
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return ErrNotBound
	}
	if !s.broadcastSet {
		if err := enableBroadcast(conn); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("failed to enable broadcast: %w", err)
		}
		s.broadcastSet = true
	}
	s.mu.Unlock()

	_, err := conn.WriteToUDP(data, Address{IP: BroadcastIP, Port: port}.UDPAddr())
	return err
}

func (s *UDPSocket) SendTo(data []byte, addr Address) error {
	conn := s.get()
	if conn == nil {
		return ErrNotBound
	}
	_, err := conn.WriteToUDP(data, addr.UDPAddr())
	return err
}

// SendChunksTo sends chunks as one datagram. A broadcast destination goes
// through Broadcast.
func (s *UDPSocket) SendChunksTo(chunks [][]byte, addr Address) error {
	if len(chunks) > MaxSendChunks {
		return ErrTooManyChunk
	}
	data := NewChunkWalker(chunks...).Bytes()
	if addr.IP == BroadcastIP {
		return s.Broadcast(data, addr.Port)
	}
	return s.SendTo(data, addr)
}

func (s *UDPSocket) RecvFrom(buf []byte) (int, Address, error) {
	conn := s.get()
	if conn == nil {
		return -1, Address{}, ErrNotBound
	}
	n, from, err := recvNonBlocking(conn, buf)
	if n >= 0 && err == nil {
		s.lastRecv.Store(time.Now().UnixNano())
	}
	return n, from, err
}

// RecvFromTimeout blocks up to timeout for one datagram. It returns n == -1
// with a nil error on timeout.
func (s *UDPSocket) RecvFromTimeout(buf []byte, timeout time.Duration) (int, Address, error) {
	conn := s.get()
	if conn == nil {
		return -1, Address{}, ErrNotBound
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return -1, Address{}, err
	}
	defer conn.SetReadDeadline(time.Time{})

	n, ua, err := conn.ReadFromUDP(buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return -1, Address{}, nil
		}
		return -1, Address{}, err
	}
	s.lastRecv.Store(time.Now().UnixNano())
	return n, AddressFromUDP(ua), nil
}

// ListenToMulticastStream joins group on the interface owning iface's IP
// (any interface when iface is unspecified). An unbound socket is bound to
// the group's port first.
func (s *UDPSocket) ListenToMulticastStream(group Address, iface Address) error {
	if !group.IsMulticast() {
		return fmt.Errorf("%s is not a multicast address", group)
	}
	if s.get() == nil {
		if err := s.BindToAny(group.Port); err != nil {
			return err
		}
	}
	conn := s.get()

	ifi, err := interfaceFor(iface)
	if err != nil {
		return err
	}
	pc := ipv4.NewPacketConn(conn)
	if err := pc.JoinGroup(ifi, &net.UDPAddr{IP: group.UDPAddr().IP}); err != nil {
		return fmt.Errorf("failed to join multicast group %s: %w", group, err)
	}
	if err := conn.SetReadBuffer(MulticastRecvBuffer); err != nil {
		logger.Warningf("could not raise multicast receive buffer: %s", err)
	}
	return nil
}

// SetMulticastOptions configures the sending side of a multicast stream.
func (s *UDPSocket) SetMulticastOptions(ttl int, loopback bool) error {
	conn := s.get()
	if conn == nil {
		return ErrNotBound
	}
	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastTTL(ttl); err != nil {
		return fmt.Errorf("failed to set multicast ttl: %w", err)
	}
	return pc.SetMulticastLoopback(loopback)
}

func (s *UDPSocket) RecvTimeout() time.Duration {
	return time.Since(time.Unix(0, s.lastRecv.Load()))
}

func (s *UDPSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func interfaceFor(a Address) (*net.Interface, error) {
	if a.IsUnspecified() {
		return nil, nil
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	want := a.UDPAddr().IP
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, ad := range addrs {
			if ipn, ok := ad.(*net.IPNet); ok && ipn.IP.Equal(want) {
				return &ifaces[i], nil
			}
		}
	}
	return nil, fmt.Errorf("no interface has address %s", want)
}
