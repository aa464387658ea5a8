package p2p

// Datagram is one packet read off a Socket together with its sender.
type Datagram struct {
	From    Address
	Payload []byte
}

// ReadDatagrams drains up to limit queued datagrams from s without blocking.
// buf is scratch space; every returned payload is its own copy.
func ReadDatagrams(s Socket, buf []byte, limit int) ([]Datagram, error) {
	var out []Datagram
	for len(out) < limit {
		n, from, err := s.RecvFrom(buf)
		if err != nil {
			return out, err
		}
		if n < 0 {
			break
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		out = append(out, Datagram{From: from, Payload: payload})
	}
	return out, nil
}
