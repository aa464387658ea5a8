package p2p

import (
	"errors"
	"time"
)

var (
	ErrNotConnected = errors.New("p2p: channel is not connected")
	ErrClosed       = errors.New("p2p: channel is closed")
)

// Channel is a message-oriented link to one peer: every Send on one end
// produces exactly one Recv on the other, with the same bytes, in order.
type Channel interface {
	Send(data []byte) error
	SendChunks(chunks ...[]byte) error
	// Recv blocks up to timeout and reports false if nothing arrived.
	Recv(timeout time.Duration) ([]byte, bool)
	IsConnected() bool
	DisconnectReason() string
	// Close releases the channel and anything it wraps.
	Close() error
}
