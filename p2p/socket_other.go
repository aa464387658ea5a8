//go:build !unix

package p2p

import (
	"errors"
	"net"
	"os"
	"time"
)

// Without MSG_DONTWAIT a one-millisecond deadline stands in for a
// non-blocking read.
func recvNonBlocking(conn *net.UDPConn, buf []byte) (int, Address, error) {
	if err := conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
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
	return n, AddressFromUDP(ua), nil
}

// The Go runtime already sets SO_BROADCAST on datagram sockets here.
func enableBroadcast(conn *net.UDPConn) error {
	return nil
}
