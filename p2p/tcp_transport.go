package p2p

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	RecvQueueDepth = 4096
	SendQueueDepth = 1024

	// CloseFlushTimeout is how long Close waits for queued sends to drain.
	CloseFlushTimeout  = 2 * time.Second
	DefaultDialTimeout = 10 * time.Second
)

type SocketState int32

const (
	StateUnbound SocketState = iota
	StateBound
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s SocketState) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateBound:
		return "bound"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("SocketState(%d)", int32(s))
}

type TCPOptions struct {
	HandshakeFunc HandshakeFunc
	Decoder       Decoder
	DialTimeout   time.Duration
}

func (o TCPOptions) withDefaults() TCPOptions {
	if o.HandshakeFunc == nil {
		o.HandshakeFunc = NOPHandshakeFunc
	}
	if o.Decoder == nil {
		o.Decoder = LengthPrefixDecoder{}
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	return o
}

// TCPSocket is a Channel over TCP that keeps message boundaries. Socket I/O
// runs on a reader and a writer goroutine; the caller only touches queues.
type TCPSocket struct {
	opts  TCPOptions
	state atomic.Int32

	mu          sync.Mutex
	localPort   uint16
	conn        net.Conn
	remote      Address
	connectErr  error
	connectDone chan struct{}
	reason      string

	inbox      chan []byte
	outbox     chan []byte
	quit       chan struct{}
	dead       chan struct{}
	writerDone chan struct{}
	quitOnce   sync.Once
	deadOnce   sync.Once

	lastRecv atomic.Int64
}

var _ Channel = (*TCPSocket)(nil)

func NewTCPSocket(opts TCPOptions) *TCPSocket {
	s := &TCPSocket{
		opts:       opts.withDefaults(),
		inbox:      make(chan []byte, RecvQueueDepth),
		outbox:     make(chan []byte, SendQueueDepth),
		quit:       make(chan struct{}),
		dead:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	s.lastRecv.Store(time.Now().UnixNano())
	return s
}

func newConnectedSocket(conn net.Conn, opts TCPOptions) *TCPSocket {
	s := NewTCPSocket(opts)
	s.state.Store(int32(StateConnecting))
	s.start(conn)
	return s
}

func (s *TCPSocket) State() SocketState {
	return SocketState(s.state.Load())
}

// BindToAny fixes the local port used by a later BeginConnect.
func (s *TCPSocket) BindToAny(port uint16) error {
	if !s.state.CompareAndSwap(int32(StateUnbound), int32(StateBound)) {
		return fmt.Errorf("cannot bind socket in state %s", s.State())
	}
	s.mu.Lock()
	s.localPort = port
	s.mu.Unlock()
	return nil
}

// BeginConnect starts connecting to addr and returns at once. Poll
// UpdateConnect until it reports true, or until IsConnected is false with a
// disconnect reason.
func (s *TCPSocket) BeginConnect(addr Address) error {
	if !s.state.CompareAndSwap(int32(StateUnbound), int32(StateConnecting)) &&
		!s.state.CompareAndSwap(int32(StateBound), int32(StateConnecting)) {
		return fmt.Errorf("cannot connect socket in state %s", s.State())
	}

	s.mu.Lock()
	s.remote = addr
	s.connectDone = make(chan struct{})
	d := net.Dialer{Timeout: s.opts.DialTimeout}
	if s.localPort != 0 {
		d.LocalAddr = AnyAddress(s.localPort).TCPAddr()
	}
	done := s.connectDone
	s.mu.Unlock()

	go func() {
		defer close(done)

		conn, err := d.Dial("tcp4", addr.String())
		if err == nil {
			if herr := s.opts.HandshakeFunc(conn); herr != nil {
				conn.Close()
				err = fmt.Errorf("handshake with %s failed: %w", addr, herr)
			}
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if err != nil {
			s.connectErr = err
			return
		}
		if s.State() == StateDisconnected {
			// abandoned by Close while dialing
			conn.Close()
			return
		}
		s.conn = conn
	}()
	return nil
}

// UpdateConnect reports whether the connection is up. It never blocks.
func (s *TCPSocket) UpdateConnect() bool {
	switch s.State() {
	case StateConnected:
		return true
	case StateConnecting:
	default:
		return false
	}

	s.mu.Lock()
	done := s.connectDone
	s.mu.Unlock()
	select {
	case <-done:
	default:
		return false
	}

	s.mu.Lock()
	conn, err := s.conn, s.connectErr
	s.mu.Unlock()
	if err != nil {
		s.markDisconnected(err.Error())
		return false
	}
	if conn == nil {
		return false
	}
	s.start(conn)
	return s.State() == StateConnected
}

// Connect is BeginConnect plus polling UpdateConnect for up to timeout.
func (s *TCPSocket) Connect(addr Address, timeout time.Duration) error {
	if err := s.BeginConnect(addr); err != nil {
		return err
	}
	if PollUntil(timeout, func() bool { return s.UpdateConnect() || !s.pending() }) && s.IsConnected() {
		return nil
	}
	if reason := s.DisconnectReason(); reason != "" {
		return fmt.Errorf("failed to connect to %s: %s", addr, reason)
	}
	s.Close()
	return fmt.Errorf("timed out connecting to %s", addr)
}

func (s *TCPSocket) pending() bool {
	return s.State() == StateConnecting
}

func (s *TCPSocket) start(conn net.Conn) {
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected)) {
		conn.Close()
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.remote = AddressFromNet(conn.RemoteAddr())
	s.mu.Unlock()

	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	s.lastRecv.Store(time.Now().UnixNano())

	go s.readLoop(conn)
	go s.writeLoop(conn)
}

func (s *TCPSocket) readLoop(conn net.Conn) {
	r := bufio.NewReaderSize(conn, 64*1024)
	for {
		msg, err := s.opts.Decoder.Decode(r)
		if err != nil {
			s.markDisconnected(err.Error())
			return
		}
		s.lastRecv.Store(time.Now().UnixNano())

		select {
		case s.inbox <- msg:
		case <-s.dead:
			return
		}
	}
}

func (s *TCPSocket) writeLoop(conn net.Conn) {
	defer close(s.writerDone)

	write := func(frame []byte) bool {
		if _, err := conn.Write(frame); err != nil {
			s.markDisconnected(err.Error())
			return false
		}
		return true
	}

	for {
		select {
		case frame := <-s.outbox:
			if !write(frame) {
				return
			}
		case <-s.quit:
			for {
				select {
				case frame := <-s.outbox:
					if !write(frame) {
						return
					}
				default:
					return
				}
			}
		case <-s.dead:
			return
		}
	}
}

func (s *TCPSocket) markDisconnected(reason string) {
	s.deadOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.state.Store(int32(StateDisconnected))
		conn := s.conn
		s.mu.Unlock()

		close(s.dead)
		if conn != nil {
			conn.Close()
		}
		logger.Debugf("[%s] stream disconnected: %s", s.RemoteAddr(), reason)
	})
}

func (s *TCPSocket) Send(data []byte) error {
	return s.SendChunks(data)
}

func (s *TCPSocket) SendChunks(chunks ...[]byte) error {
	if !s.IsConnected() {
		return ErrNotConnected
	}
	frame := EncodeFrame(chunks...)
	select {
	case s.outbox <- frame:
		return nil
	case <-s.dead:
		return ErrNotConnected
	case <-s.quit:
		return ErrClosed
	}
}

func (s *TCPSocket) Recv(timeout time.Duration) ([]byte, bool) {
	select {
	case msg := <-s.inbox:
		return msg, true
	default:
	}
	if timeout <= 0 {
		return nil, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-s.inbox:
		return msg, true
	case <-s.dead:
		select {
		case msg := <-s.inbox:
			return msg, true
		default:
			return nil, false
		}
	case <-timer.C:
		return nil, false
	}
}

func (s *TCPSocket) IsConnected() bool {
	return s.State() == StateConnected
}

func (s *TCPSocket) DisconnectReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *TCPSocket) RemoteAddr() Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// RecvTimeout is the time since the last message arrived.
func (s *TCPSocket) RecvTimeout() time.Duration {
	return time.Since(time.Unix(0, s.lastRecv.Load()))
}

// Close flushes queued sends for up to CloseFlushTimeout, then drops the
// connection. A pending BeginConnect is abandoned.
func (s *TCPSocket) Close() error {
	wasConnected := s.IsConnected()
	s.quitOnce.Do(func() { close(s.quit) })
	if wasConnected {
		select {
		case <-s.writerDone:
		case <-s.dead:
		case <-time.After(CloseFlushTimeout):
		}
	}
	s.markDisconnected("connection closed locally")
	return nil
}

// TCPListenerOptions configures a TCPListener, in the same shape as the
// per-socket TCPOptions.
type TCPListenerOptions struct {
	ListenAddress string
	HandshakeFunc HandshakeFunc
	Decoder       Decoder
}

type acceptedPeer struct {
	sock *TCPSocket
	addr Address
}

// TCPListener accepts stream connections on a background goroutine and
// hands them out through UpdateListen / Accept.
type TCPListener struct {
	TCPListenerOptions
	listener net.Listener

	accepted chan acceptedPeer
	quitch   chan struct{}
	once     sync.Once
}

func NewTCPListener(opts TCPListenerOptions) *TCPListener {
	if opts.HandshakeFunc == nil {
		opts.HandshakeFunc = NOPHandshakeFunc
	}
	if opts.Decoder == nil {
		opts.Decoder = LengthPrefixDecoder{}
	}
	return &TCPListener{
		TCPListenerOptions: opts,
		accepted:           make(chan acceptedPeer, 64),
		quitch:             make(chan struct{}),
	}
}

// ListenAndAccept binds the listening socket and starts the accept loop.
func (t *TCPListener) ListenAndAccept() error {
	var err error

	t.listener, err = net.Listen("tcp4", t.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.ListenAddress, err)
	}

	go t.startAcceptLoop()

	return nil
}

func (t *TCPListener) Addr() Address {
	if t.listener == nil {
		return Address{}
	}
	return AddressFromNet(t.listener.Addr())
}

func (t *TCPListener) startAcceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if errors.Is(err, net.ErrClosed) {
			return
		}
		if err != nil {
			logger.Errorf("[%s] TCP accept error: %s", t.Addr(), err)
			continue
		}

		go t.handleConn(conn)
	}
}

func (t *TCPListener) handleConn(conn net.Conn) {
	if err := t.HandshakeFunc(conn); err != nil {
		conn.Close()
		logger.Warningf("[%s] TCP handshake error from %s: %s", t.Addr(), conn.RemoteAddr(), err)
		return
	}

	sock := newConnectedSocket(conn, TCPOptions{Decoder: t.Decoder})
	select {
	case t.accepted <- acceptedPeer{sock: sock, addr: sock.RemoteAddr()}:
	case <-t.quitch:
		sock.Close()
	}
}

// UpdateListen returns the next accepted connection, if any, without
// blocking.
func (t *TCPListener) UpdateListen() (*TCPSocket, Address, bool) {
	select {
	case p := <-t.accepted:
		return p.sock, p.addr, true
	default:
		return nil, Address{}, false
	}
}

// Accept waits up to timeout for a connection.
func (t *TCPListener) Accept(timeout time.Duration) (*TCPSocket, Address, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p := <-t.accepted:
		return p.sock, p.addr, true
	case <-timer.C:
		return nil, Address{}, false
	case <-t.quitch:
		return nil, Address{}, false
	}
}

func (t *TCPListener) Close() error {
	var err error
	t.once.Do(func() {
		close(t.quitch)
		if t.listener != nil {
			err = t.listener.Close()
		}
		for {
			select {
			case p := <-t.accepted:
				p.sock.Close()
			default:
				return
			}
		}
	})
	return err
}
