//go:build unix

package p2p

import (
	"errors"
	"net"

	"golang.org/x/sys/unix"
)

func recvNonBlocking(conn *net.UDPConn, buf []byte) (int, Address, error) {
	rc, err := conn.SyscallConn()
	if err != nil {
		return -1, Address{}, err
	}

	var (
		n    int
		from unix.Sockaddr
		rerr error
	)
	err = rc.Read(func(fd uintptr) bool {
		n, from, rerr = unix.Recvfrom(int(fd), buf, unix.MSG_DONTWAIT)
		return true
	})
	if err != nil {
		return -1, Address{}, err
	}
	if rerr != nil {
		if errors.Is(rerr, unix.EAGAIN) || errors.Is(rerr, unix.EWOULDBLOCK) || errors.Is(rerr, unix.EINTR) {
			return -1, Address{}, nil
		}
		return -1, Address{}, rerr
	}

	var addr Address
	if sa, ok := from.(*unix.SockaddrInet4); ok {
		addr = Address{IP: sa.Addr, Port: uint16(sa.Port)}
	}
	return n, addr, nil
}

func enableBroadcast(conn *net.UDPConn) error {
	rc, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	err = rc.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return serr
}
