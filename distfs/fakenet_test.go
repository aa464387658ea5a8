package distfs

import (
	"bytes"
	"errors"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/pc-1827/vmpi/p2p"
)

// fakeNetwork is an in-memory datagram network that drops a fixed share of
// deliveries. Several sockets may bind the same port, as with SO_REUSEADDR.
type fakeNetwork struct {
	mu       sync.Mutex
	rng      *rand.Rand
	loss     float64
	ports    map[uint16][]*fakeSocket
	groups   map[p2p.Address][]*fakeSocket
	nextPort uint16

	dropped   int
	delivered int
}

func newFakeNetwork(loss float64) *fakeNetwork {
	return &fakeNetwork{
		rng:      rand.New(rand.NewPCG(1, 2)),
		loss:     loss,
		ports:    make(map[uint16][]*fakeSocket),
		groups:   make(map[p2p.Address][]*fakeSocket),
		nextPort: 40000,
	}
}

func (n *fakeNetwork) socket() *fakeSocket {
	return &fakeSocket{net: n, last: time.Now()}
}

func (n *fakeNetwork) stats() (delivered, dropped int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.delivered, n.dropped
}

// deliver must be called with n.mu held.
func (n *fakeNetwork) deliver(from *fakeSocket, to []*fakeSocket, data []byte) {
	for _, s := range to {
		if s == from {
			continue
		}
		if n.rng.Float64() < n.loss {
			n.dropped++
			continue
		}
		n.delivered++
		s.queue = append(s.queue, p2p.Datagram{From: from.addr, Payload: bytes.Clone(data)})
	}
}

type fakeSocket struct {
	net *fakeNetwork

	// guarded by net.mu
	bound bool
	addr  p2p.Address
	queue []p2p.Datagram
	last  time.Time
}

var _ p2p.Socket = (*fakeSocket)(nil)

func (s *fakeSocket) Bind(addr p2p.Address) error {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()

	if s.bound {
		return p2p.ErrAlreadyBound
	}
	if addr.Port == 0 {
		addr.Port = s.net.nextPort
		s.net.nextPort++
	}
	s.addr = addr
	s.bound = true
	s.net.ports[addr.Port] = append(s.net.ports[addr.Port], s)
	return nil
}

func (s *fakeSocket) BindToAny(port uint16) error {
	return s.Bind(p2p.AnyAddress(port))
}

func (s *fakeSocket) LocalAddr() p2p.Address {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	return s.addr
}

func (s *fakeSocket) Broadcast(data []byte, port uint16) error {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	s.net.deliver(s, s.net.ports[port], data)
	return nil
}

func (s *fakeSocket) SendTo(data []byte, addr p2p.Address) error {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	if addr.IsMulticast() {
		s.net.deliver(s, s.net.groups[addr], data)
	} else {
		s.net.deliver(s, s.net.ports[addr.Port], data)
	}
	return nil
}

func (s *fakeSocket) SendChunksTo(chunks [][]byte, addr p2p.Address) error {
	if len(chunks) > p2p.MaxSendChunks {
		return p2p.ErrTooManyChunk
	}
	data := p2p.NewChunkWalker(chunks...).Bytes()
	if addr.IP == p2p.BroadcastIP {
		return s.Broadcast(data, addr.Port)
	}
	return s.SendTo(data, addr)
}

func (s *fakeSocket) RecvFrom(buf []byte) (int, p2p.Address, error) {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()

	if !s.bound {
		return -1, p2p.Address{}, p2p.ErrNotBound
	}
	if len(s.queue) == 0 {
		return -1, p2p.Address{}, nil
	}
	dg := s.queue[0]
	s.queue = s.queue[1:]
	s.last = time.Now()
	return copy(buf, dg.Payload), dg.From, nil
}

func (s *fakeSocket) RecvFromTimeout(buf []byte, timeout time.Duration) (int, p2p.Address, error) {
	deadline := time.Now().Add(timeout)
	for {
		n, from, err := s.RecvFrom(buf)
		if n >= 0 || err != nil || !time.Now().Before(deadline) {
			return n, from, err
		}
		time.Sleep(time.Millisecond)
	}
}

func (s *fakeSocket) ListenToMulticastStream(group p2p.Address, _ p2p.Address) error {
	if !group.IsMulticast() {
		return errors.New("not a multicast group")
	}
	if s.LocalAddr().Port == 0 {
		if err := s.BindToAny(group.Port); err != nil {
			return err
		}
	}
	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	s.net.groups[group] = append(s.net.groups[group], s)
	return nil
}

func (s *fakeSocket) RecvTimeout() time.Duration {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	return time.Since(s.last)
}

func (s *fakeSocket) Close() error {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()

	remove := func(list []*fakeSocket) []*fakeSocket {
		return slices.DeleteFunc(list, func(o *fakeSocket) bool { return o == s })
	}
	s.net.ports[s.addr.Port] = remove(s.net.ports[s.addr.Port])
	for g, members := range s.net.groups {
		s.net.groups[g] = remove(members)
	}
	s.bound = false
	return nil
}
