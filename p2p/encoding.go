package p2p

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize caps a single stream message.
const MaxFrameSize = 64 << 20

// Decoder reads one message from a byte stream.
type Decoder interface {
	Decode(r io.Reader) ([]byte, error)
}

// LengthPrefixDecoder reads frames written by EncodeFrame: a little-endian
// uint32 length followed by that many bytes.
type LengthPrefixDecoder struct {
	MaxFrameSize int
}

func (d LengthPrefixDecoder) Decode(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])

	limit := d.MaxFrameSize
	if limit <= 0 {
		limit = MaxFrameSize
	}
	if int64(n) > int64(limit) {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit %d", n, limit)
	}

	msg := make([]byte, n)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// EncodeFrame prefixes the concatenation of chunks with its length, using
// one allocation and one copy.
func EncodeFrame(chunks ...[]byte) []byte {
	var hdr [4]byte
	parts := make([][]byte, 0, len(chunks)+1)
	parts = append(parts, hdr[:])
	parts = append(parts, chunks...)

	w := NewChunkWalker(parts...)
	binary.LittleEndian.PutUint32(hdr[:], uint32(w.Len()-len(hdr)))
	return w.Bytes()
}
