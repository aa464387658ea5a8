package p2p

import (
	"fmt"
	"net"
	"strconv"
)

// Address is an IPv4 address and port. It is a plain comparable value and
// is used both as a bind target and as a peer identity.
type Address struct {
	IP   [4]byte
	Port uint16
}

// BroadcastIP is the limited broadcast address 255.255.255.255.
var BroadcastIP = [4]byte{255, 255, 255, 255}

// AnyAddress returns 0.0.0.0:port.
func AnyAddress(port uint16) Address {
	return Address{Port: port}
}

// LoopbackAddress returns 127.0.0.1:port.
func LoopbackAddress(port uint16) Address {
	return Address{IP: [4]byte{127, 0, 0, 1}, Port: port}
}

// ParseAddress resolves "host:port" to an IPv4 address.
func ParseAddress(s string) (Address, error) {
	ua, err := net.ResolveUDPAddr("udp4", s)
	if err != nil {
		return Address{}, fmt.Errorf("failed to resolve %q: %w", s, err)
	}
	return AddressFromUDP(ua), nil
}

// AddressFromUDP converts a *net.UDPAddr. Non-IPv4 addresses map to the zero IP.
func AddressFromUDP(ua *net.UDPAddr) Address {
	var a Address
	if ua == nil {
		return a
	}
	if ip4 := ua.IP.To4(); ip4 != nil {
		copy(a.IP[:], ip4)
	}
	a.Port = uint16(ua.Port)
	return a
}

// AddressFromNet converts any TCP or UDP net.Addr.
func AddressFromNet(na net.Addr) Address {
	switch v := na.(type) {
	case *net.UDPAddr:
		return AddressFromUDP(v)
	case *net.TCPAddr:
		return AddressFromUDP(&net.UDPAddr{IP: v.IP, Port: v.Port})
	}
	if na == nil {
		return Address{}
	}
	a, _ := ParseAddress(na.String())
	return a
}

func (a Address) netIP() net.IP {
	return net.IPv4(a.IP[0], a.IP[1], a.IP[2], a.IP[3])
}

func (a Address) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: a.netIP(), Port: int(a.Port)}
}

func (a Address) TCPAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: a.netIP(), Port: int(a.Port)}
}

func (a Address) IsMulticast() bool {
	return a.IP[0] >= 224 && a.IP[0] <= 239
}

func (a Address) IsUnspecified() bool {
	return a.IP == [4]byte{}
}

func (a Address) String() string {
	return net.JoinHostPort(a.netIP().String(), strconv.Itoa(int(a.Port)))
}
