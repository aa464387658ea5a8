package p2p

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// HandshakeTimeout bounds the preamble exchange on a new connection.
const HandshakeTimeout = 5 * time.Second

var protocolMagic = []byte("VMPI")

// HandshakeFunc runs on a freshly established connection before it is
// handed out. Returning an error drops the connection.
type HandshakeFunc func(conn net.Conn) error

func NOPHandshakeFunc(net.Conn) error { return nil }

// ProtocolHandshake exchanges "VMPI" plus a version number with the peer
// and fails on any mismatch. Both ends write before they read.
func ProtocolHandshake(version uint32) HandshakeFunc {
	return func(conn net.Conn) error {
		if err := conn.SetDeadline(time.Now().Add(HandshakeTimeout)); err != nil {
			return err
		}
		defer conn.SetDeadline(time.Time{})

		var out [8]byte
		copy(out[:4], protocolMagic)
		binary.LittleEndian.PutUint32(out[4:], version)
		if _, err := conn.Write(out[:]); err != nil {
			return fmt.Errorf("failed to send handshake: %w", err)
		}

		var in [8]byte
		if _, err := io.ReadFull(conn, in[:]); err != nil {
			return fmt.Errorf("failed to read handshake: %w", err)
		}
		if !bytes.Equal(in[:4], protocolMagic) {
			return fmt.Errorf("bad handshake magic %x", in[:4])
		}
		if remote := binary.LittleEndian.Uint32(in[4:]); remote != version {
			return fmt.Errorf("protocol version mismatch: local %d, remote %d", version, remote)
		}
		return nil
	}
}
