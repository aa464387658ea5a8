// Package vmpi is the master/worker session layer. It owns the connections
// to every peer, routes inbound messages to handlers by their first byte and
// offers the send primitives the rest of the system is built on.
package vmpi

import (
	"github.com/pc-1827/vmpi/wire"
)

// Top-level packet IDs. Everything from PacketUserBase up belongs to the
// workload.
const (
	PacketInternal   byte = 0
	PacketFileSystem byte = 1
	PacketGroup      byte = 2
	PacketUserBase   byte = 16
)

// Sub-packet IDs under PacketInternal.
const (
	SubMachineName byte = iota
	SubDirectories
	SubDBInfo
	SubDBInfoRequest
	SubCrash
	SubHeartbeat
	SubJobInfo
	SubJobWorkerID
)

// Send destinations other than a concrete process ID.
const (
	// MasterID is the process ID of the master, on both sides.
	MasterID = 0
	// SendToAll fans a message out to every currently connected process.
	SendToAll = -1
	// Persistent is SendToAll plus a replay to every process that connects
	// later.
	Persistent = -2
)

type SendFlags int

const (
	// SendGroupPackets queues the message until FlushGroupedPackets so that
	// many small messages go out as one.
	SendGroupPackets SendFlags = 1 << iota
)

// MaxGroupSize is the size at which a pending group is flushed on its own.
const MaxGroupSize = 8 * 1024

// Packet is one inbound message and the process it came from.
type Packet struct {
	Source int
	Data   []byte
}

func (p Packet) ID() byte {
	if len(p.Data) == 0 {
		return 0
	}
	return p.Data[0]
}

// Sub returns the second byte, or 0 for one-byte messages.
func (p Packet) Sub() byte {
	if len(p.Data) < 2 {
		return 0
	}
	return p.Data[1]
}

// Buffer returns a read buffer over the message, positioned at the packet ID.
func (p Packet) Buffer() *wire.Buffer {
	return wire.NewBuffer(p.Data)
}

// Matches reports whether the packet has the given ID and, when sub is not
// negative, the given sub-packet ID.
func (p Packet) Matches(packetID byte, sub int) bool {
	if len(p.Data) == 0 || p.Data[0] != packetID {
		return false
	}
	return sub < 0 || (len(p.Data) > 1 && int(p.Data[1]) == sub)
}

// NewMessage starts an outbound message with its two ID bytes.
func NewMessage(packetID, sub byte) *wire.Buffer {
	b := &wire.Buffer{}
	b.WriteByte(packetID)
	b.WriteByte(sub)
	return b
}
