// Package wire holds the cursor buffer every VMPI packet is built and
// parsed with. All integers are little-endian.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// ErrShortRead is returned when fewer bytes remain than a read asked for.
// The read offset is left where it was.
var ErrShortRead = errors.New("wire: not enough data in buffer")

const minGrow = 64

// Buffer is a growable byte buffer with a read cursor. Writes always append
// at the end; reads consume from the cursor.
type Buffer struct {
	buf []byte
	off int
}

// NewBuffer wraps b. The buffer takes ownership of b.
func NewBuffer(b []byte) *Buffer {
	return &Buffer{buf: b}
}

func (b *Buffer) grow(n int) {
	if len(b.buf)+n <= cap(b.buf) {
		return
	}
	newCap := 2*cap(b.buf) + n
	if newCap < minGrow {
		newCap = minGrow
	}
	nb := make([]byte, len(b.buf), newCap)
	copy(nb, b.buf)
	b.buf = nb
}

// Write appends p. It never fails; the error is there for io.Writer.
func (b *Buffer) Write(p []byte) (int, error) {
	b.grow(len(p))
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *Buffer) WriteByte(c byte) error {
	b.grow(1)
	b.buf = append(b.buf, c)
	return nil
}

func (b *Buffer) WriteUint16(v uint16) {
	b.grow(2)
	b.buf = binary.LittleEndian.AppendUint16(b.buf, v)
}

func (b *Buffer) WriteUint32(v uint32) {
	b.grow(4)
	b.buf = binary.LittleEndian.AppendUint32(b.buf, v)
}

func (b *Buffer) WriteInt32(v int32) {
	b.WriteUint32(uint32(v))
}

// WriteString appends s followed by a NUL terminator.
func (b *Buffer) WriteString(s string) {
	b.grow(len(s) + 1)
	b.buf = append(b.buf, s...)
	b.buf = append(b.buf, 0)
}

// ReadN fills p from the cursor. Either all of p is filled and the cursor
// advances, or ErrShortRead is returned and nothing changes.
func (b *Buffer) ReadN(p []byte) error {
	if len(b.buf)-b.off < len(p) {
		return ErrShortRead
	}
	copy(p, b.buf[b.off:])
	b.off += len(p)
	return nil
}

func (b *Buffer) ReadByte() (byte, error) {
	if b.off >= len(b.buf) {
		return 0, ErrShortRead
	}
	c := b.buf[b.off]
	b.off++
	return c, nil
}

func (b *Buffer) ReadUint16() (uint16, error) {
	var tmp [2]byte
	if err := b.ReadN(tmp[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(tmp[:]), nil
}

func (b *Buffer) ReadUint32() (uint32, error) {
	var tmp [4]byte
	if err := b.ReadN(tmp[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(tmp[:]), nil
}

func (b *Buffer) ReadInt32() (int32, error) {
	v, err := b.ReadUint32()
	return int32(v), err
}

// ReadString reads up to and including the next NUL and returns the text
// before it. Without a terminator the cursor does not move.
func (b *Buffer) ReadString() (string, error) {
	i := bytes.IndexByte(b.buf[b.off:], 0)
	if i < 0 {
		return "", ErrShortRead
	}
	s := string(b.buf[b.off : b.off+i])
	b.off += i + 1
	return s, nil
}

// Skip advances the cursor by n bytes, all-or-nothing.
func (b *Buffer) Skip(n int) error {
	if n < 0 || len(b.buf)-b.off < n {
		return ErrShortRead
	}
	b.off += n
	return nil
}

// SetLen truncates the buffer, or extends it with zeros. The cursor is
// pulled back if it would point past the end.
func (b *Buffer) SetLen(n int) {
	if n < 0 {
		n = 0
	}
	if n > len(b.buf) {
		old := len(b.buf)
		b.grow(n - old)
		b.buf = b.buf[:n]
		clear(b.buf[old:])
	} else {
		b.buf = b.buf[:n]
	}
	if b.off > n {
		b.off = n
	}
}

// SetOffset moves the read cursor, clamped to [0, Len()].
func (b *Buffer) SetOffset(off int) {
	switch {
	case off < 0:
		off = 0
	case off > len(b.buf):
		off = len(b.buf)
	}
	b.off = off
}

func (b *Buffer) Len() int    { return len(b.buf) }
func (b *Buffer) Offset() int { return b.off }

// Bytes returns the whole buffer, independent of the cursor.
func (b *Buffer) Bytes() []byte { return b.buf }

// Remaining returns the unread part of the buffer without consuming it.
func (b *Buffer) Remaining() []byte { return b.buf[b.off:] }

// Reset empties the buffer but keeps its storage.
func (b *Buffer) Reset() {
	b.buf = b.buf[:0]
	b.off = 0
}
