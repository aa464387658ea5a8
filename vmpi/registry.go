package vmpi

import (
	"fmt"
	"sync/atomic"

	"github.com/pc-1827/vmpi/wire"
)

// Handler processes one inbound message. buf is positioned at the packet ID.
// It returns false when it did not recognise the message.
type Handler func(buf *wire.Buffer, source int, packetID byte) bool

// Registration pairs a packet ID with its handler for NewSession.
type Registration struct {
	PacketID byte
	Handler  Handler
}

// Registry maps packet IDs to handlers. It is filled before the session
// starts and only read afterwards.
type Registry struct {
	handlers [256]Handler
	frozen   atomic.Bool
}

// Register panics if id already has a handler or the registry is frozen;
// both are programming errors.
func (r *Registry) Register(id byte, h Handler) {
	if h == nil {
		panic(fmt.Sprintf("vmpi: nil handler for packet %d", id))
	}
	if r.frozen.Load() {
		panic(fmt.Sprintf("vmpi: packet %d registered after the session started", id))
	}
	if r.handlers[id] != nil {
		panic(fmt.Sprintf("vmpi: packet %d registered twice", id))
	}
	r.handlers[id] = h
}

func (r *Registry) Lookup(id byte) Handler {
	return r.handlers[id]
}

func (r *Registry) freeze() {
	r.frozen.Store(true)
}
