// Package distfs moves the job's input files from the master to every
// worker, over the session's TCP channels or over UDP broadcast or
// multicast, and serves them to the workload from memory.
package distfs

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/tliron/commonlog"

	"github.com/pc-1827/vmpi/crypto"
	"github.com/pc-1827/vmpi/p2p"
	"github.com/pc-1827/vmpi/vmpi"
	"github.com/pc-1827/vmpi/wire"
)

var logger = commonlog.GetLogger("vmpi.distfs")

// Sub-packet IDs under vmpi.PacketFileSystem.
const (
	SubFileInfo byte = iota
	SubFileChunk
	SubFileRequest
	SubFileReceived
	SubMulticastAddr
	SubChunkAck
	SubFileOpen
	SubFileNotFound
)

const (
	TCPChunkSize      = 32 * 1024
	DatagramChunkSize = 1024

	DefaultWindow       = 16
	DefaultFileTimeout  = 10 * time.Minute
	DefaultDatagramPort = 23312
	DefaultSendRate     = 20000

	// MaxRequestBatch bounds the chunk indices in one SubFileRequest.
	MaxRequestBatch = 256

	chunkHeaderSize = 2 + 4 + 4
)

// DefaultMulticastGroup is an administratively scoped group.
var DefaultMulticastGroup = p2p.Address{IP: [4]byte{239, 192, 77, 1}, Port: DefaultDatagramPort}

var ErrNotFound = errors.New("distfs: file not found on master")

// Mode selects how chunks travel from the master to the workers.
type Mode int

const (
	ModeTCP Mode = iota
	ModeBroadcast
	ModeMulticast
)

func (m Mode) String() string {
	switch m {
	case ModeTCP:
		return "tcp"
	case ModeBroadcast:
		return "broadcast"
	case ModeMulticast:
		return "multicast"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "tcp":
		return ModeTCP, nil
	case "broadcast":
		return ModeBroadcast, nil
	case "multicast":
		return ModeMulticast, nil
	}
	return 0, fmt.Errorf("unknown file system mode %q", s)
}

// Datagram reports whether chunks go over UDP.
func (m Mode) Datagram() bool {
	return m == ModeBroadcast || m == ModeMulticast
}

// DefaultChunkSize is the chunk payload size used for m.
func (m Mode) DefaultChunkSize() int {
	if m.Datagram() {
		return DatagramChunkSize
	}
	return TCPChunkSize
}

// FileInfo announces a distributed file to the workers.
type FileInfo struct {
	ID         int32  `cbor:"1,keyasint"`
	Name       string `cbor:"2,keyasint"`
	Size       int64  `cbor:"3,keyasint"`
	StoredSize int64  `cbor:"4,keyasint"`
	ChunkSize  int32  `cbor:"5,keyasint"`
	NumChunks  int32  `cbor:"6,keyasint"`
	Compressed bool   `cbor:"7,keyasint"`
	Digest     []byte `cbor:"8,keyasint"`
}

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("distfs: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

func numChunks(size int64, chunkSize int) int32 {
	return int32((size + int64(chunkSize) - 1) / int64(chunkSize))
}

func encodeFileInfo(info *FileInfo) ([]byte, error) {
	body, err := cborEncMode.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("failed to encode file info: %w", err)
	}
	msg := vmpi.NewMessage(vmpi.PacketFileSystem, SubFileInfo)
	msg.Write(body)
	return msg.Bytes(), nil
}

func decodeFileInfo(buf *wire.Buffer) (*FileInfo, error) {
	var info FileInfo
	if err := cbor.Unmarshal(buf.Remaining(), &info); err != nil {
		return nil, fmt.Errorf("distfs: unmarshal file info: %w", err)
	}
	if info.ChunkSize <= 0 || info.NumChunks < 0 || info.StoredSize < 0 ||
		info.NumChunks != numChunks(info.StoredSize, int(info.ChunkSize)) {
		return nil, fmt.Errorf("distfs: inconsistent file info for %q", info.Name)
	}
	if _, err := crypto.ParseDigest(info.Digest); err != nil {
		return nil, fmt.Errorf("distfs: file info for %q: %w", info.Name, err)
	}
	return &info, nil
}

// chunkHeader is "PacketFileSystem | SubFileChunk | int32 fileID | int32 index".
func chunkHeader(dst []byte, fileID, index int32) []byte {
	b := wire.NewBuffer(dst[:0])
	b.WriteByte(vmpi.PacketFileSystem)
	b.WriteByte(SubFileChunk)
	b.WriteInt32(fileID)
	b.WriteInt32(index)
	return b.Bytes()
}

// readChunk parses a chunk message positioned after its sub-packet ID.
func readChunk(buf *wire.Buffer) (fileID, index int32, payload []byte, err error) {
	if fileID, err = buf.ReadInt32(); err != nil {
		return
	}
	if index, err = buf.ReadInt32(); err != nil {
		return
	}
	return fileID, index, buf.Remaining(), nil
}

// requestMessage is "SubFileRequest | int32 fileID | int32 count | int32 index...".
func requestMessage(fileID int32, indices []int32) []byte {
	msg := vmpi.NewMessage(vmpi.PacketFileSystem, SubFileRequest)
	msg.WriteInt32(fileID)
	msg.WriteInt32(int32(len(indices)))
	for _, i := range indices {
		msg.WriteInt32(i)
	}
	return msg.Bytes()
}

func readRequest(buf *wire.Buffer) (int32, []int32, error) {
	fileID, err := buf.ReadInt32()
	if err != nil {
		return 0, nil, err
	}
	count, err := buf.ReadInt32()
	if err != nil {
		return 0, nil, err
	}
	if count < 0 || count > MaxRequestBatch {
		return 0, nil, fmt.Errorf("bad chunk request count %d", count)
	}
	indices := make([]int32, count)
	for i := range indices {
		if indices[i], err = buf.ReadInt32(); err != nil {
			return 0, nil, err
		}
	}
	return fileID, indices, nil
}

func fileIDMessage(sub byte, fileID int32) []byte {
	msg := vmpi.NewMessage(vmpi.PacketFileSystem, sub)
	msg.WriteInt32(fileID)
	return msg.Bytes()
}

func ackMessage(fileID, index int32) []byte {
	msg := vmpi.NewMessage(vmpi.PacketFileSystem, SubChunkAck)
	msg.WriteInt32(fileID)
	msg.WriteInt32(index)
	return msg.Bytes()
}

func nameMessage(sub byte, name string) []byte {
	msg := vmpi.NewMessage(vmpi.PacketFileSystem, sub)
	msg.WriteString(name)
	return msg.Bytes()
}

// streamAddrMessage is "SubMulticastAddr | 4-byte IP | uint16 port". The
// address is the multicast group, or the broadcast address in broadcast
// mode.
func streamAddrMessage(addr p2p.Address) []byte {
	msg := vmpi.NewMessage(vmpi.PacketFileSystem, SubMulticastAddr)
	msg.Write(addr.IP[:])
	msg.WriteUint16(addr.Port)
	return msg.Bytes()
}

func readStreamAddr(buf *wire.Buffer) (p2p.Address, error) {
	var a p2p.Address
	if err := buf.ReadN(a.IP[:]); err != nil {
		return a, err
	}
	port, err := buf.ReadUint16()
	if err != nil {
		return a, err
	}
	a.Port = port
	return a, nil
}
