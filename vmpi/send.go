package vmpi

import (
	"fmt"

	"github.com/pc-1827/vmpi/p2p"
	"github.com/pc-1827/vmpi/wire"
)

func (s *Session) SendData(data []byte, dest int, flags SendFlags) error {
	return s.SendChunks([][]byte{data}, dest, flags)
}

func (s *Session) Send2Chunks(a, b []byte, dest int, flags SendFlags) error {
	return s.SendChunks([][]byte{a, b}, dest, flags)
}

func (s *Session) Send3Chunks(a, b, c []byte, dest int, flags SendFlags) error {
	return s.SendChunks([][]byte{a, b, c}, dest, flags)
}

// SendChunks sends the concatenation of chunks as one message to dest, which
// is a process ID, SendToAll or Persistent. An ungrouped send first flushes
// the groups it could overtake, so a channel delivers in send order.
func (s *Session) SendChunks(chunks [][]byte, dest int, flags SendFlags) error {
	if len(chunks) > p2p.MaxSendChunks {
		return p2p.ErrTooManyChunk
	}
	if flags&SendGroupPackets != 0 && dest != Persistent {
		return s.group(chunks, dest)
	}

	if dest == Persistent || dest == SendToAll {
		s.FlushGroupedPackets()
	} else {
		for _, d := range []int{SendToAll, dest} {
			if err := s.flushGroup(d); err != nil {
				logger.Debugf("failed to flush grouped packets to %d: %s", d, err)
			}
		}
	}
	return s.send(chunks, dest)
}

func (s *Session) send(chunks [][]byte, dest int) error {
	switch dest {
	case Persistent:
		msg := p2p.NewChunkWalker(chunks...).Bytes()
		s.mu.Lock()
		defer s.mu.Unlock()
		s.persistent = append(s.persistent, msg)
		for _, p := range s.connectedLocked() {
			s.sendTo(p, msg)
		}
		return nil

	case SendToAll:
		for _, p := range s.connectedProcs() {
			s.sendTo(p, chunks...)
		}
		return nil
	}

	p := s.process(dest)
	if p == nil {
		return fmt.Errorf("vmpi: unknown process %d", dest)
	}
	if !p.IsConnected() {
		return fmt.Errorf("vmpi: process %d: %w", dest, p2p.ErrNotConnected)
	}
	return p.ch.SendChunks(chunks...)
}

// sendTo is a fan-out send. Failures show up as a disconnect later.
func (s *Session) sendTo(p *Process, chunks ...[]byte) {
	if err := p.ch.SendChunks(chunks...); err != nil {
		logger.Debugf("[%s] send failed: %s", p.label(), err)
	}
}

func (s *Session) group(chunks [][]byte, dest int) error {
	w := p2p.NewChunkWalker(chunks...)

	s.mu.Lock()
	g := s.groups[dest]
	if g == nil {
		g = &wire.Buffer{}
		g.WriteByte(PacketGroup)
		s.groups[dest] = g
	}
	g.WriteUint32(uint32(w.Len()))
	start := g.Len()
	g.SetLen(start + w.Len())
	w.CopyTo(g.Bytes()[start:], w.Len())
	full := g.Len() >= MaxGroupSize
	s.mu.Unlock()

	if full {
		return s.flushGroup(dest)
	}
	return nil
}

// FlushGroupedPackets sends everything queued with SendGroupPackets.
func (s *Session) FlushGroupedPackets() {
	s.mu.Lock()
	dests := make([]int, 0, len(s.groups))
	for dest := range s.groups {
		dests = append(dests, dest)
	}
	s.mu.Unlock()

	for _, dest := range dests {
		if err := s.flushGroup(dest); err != nil {
			logger.Debugf("failed to flush grouped packets to %d: %s", dest, err)
		}
	}
}

func (s *Session) flushGroup(dest int) error {
	s.mu.Lock()
	g := s.groups[dest]
	delete(s.groups, dest)
	s.mu.Unlock()

	if g == nil {
		return nil
	}
	return s.send([][]byte{g.Bytes()}, dest)
}

// unpackGroup splits a PacketGroup frame, "PacketGroup | (uint32 len | msg)*",
// into its messages.
func unpackGroup(source int, data []byte) ([]Packet, error) {
	b := wire.NewBuffer(data)
	if err := b.Skip(1); err != nil {
		return nil, err
	}

	var out []Packet
	for len(b.Remaining()) > 0 {
		n, err := b.ReadUint32()
		if err != nil {
			return out, err
		}
		rest := b.Remaining()
		if int(n) > len(rest) {
			return out, wire.ErrShortRead
		}
		out = append(out, Packet{Source: source, Data: rest[:n:n]})
		b.Skip(int(n))
	}
	return out, nil
}
