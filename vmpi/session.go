package vmpi

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/pc-1827/vmpi/p2p"
	"github.com/pc-1827/vmpi/wire"
)

var logger = commonlog.GetLogger("vmpi.session")

const (
	DefaultProtocolVersion   = 1
	DefaultConnectTimeout    = 60 * time.Second
	DefaultHeartbeatInterval = 2 * time.Second
	DefaultLivenessTimeout   = 30 * time.Second

	// InboxDepth bounds the messages queued for the foreground goroutine.
	InboxDepth = 4096

	tickInterval = 50 * time.Millisecond
	pumpPoll     = 100 * time.Millisecond
)

type Mode int

const (
	ModeMaster Mode = iota
	ModeWorker
)

func (m Mode) String() string {
	switch m {
	case ModeMaster:
		return "master"
	case ModeWorker:
		return "worker"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Directories are the job's working directories, sent from the master to
// every worker when it connects.
type Directories struct {
	GameDir string
	QDir    string
}

// DisconnectHandler is told about every process that goes away, once.
type DisconnectHandler func(procID int, reason string)

type SessionOptions struct {
	Mode Mode

	// ListenAddress is where the master accepts workers, e.g. ":23311".
	ListenAddress string
	// MasterAddr is where a worker connects to.
	MasterAddr p2p.Address

	// MinWorkers is how many workers the master waits for in Init, for at
	// most ConnectTimeout. A worker gives up connecting after ConnectTimeout.
	MinWorkers     int
	ConnectTimeout time.Duration

	MachineName  string
	Directories  Directories
	DBInfo       DBInfo
	JobPrimaryID int32
	// JobID is generated when left zero.
	JobID uuid.UUID

	ProtocolVersion uint32
	// HeartbeatInterval of zero disables heartbeats; LivenessTimeout of zero
	// disables dropping silent processes.
	HeartbeatInterval time.Duration
	LivenessTimeout   time.Duration

	// MasterLost runs on a worker after the disconnect handlers when the
	// master goes away. It is expected not to return in production.
	MasterLost func(reason string)
}

func DefaultSessionOptions() SessionOptions {
	name, _ := os.Hostname()
	return SessionOptions{
		Mode:              ModeMaster,
		ListenAddress:     ":23311",
		ConnectTimeout:    DefaultConnectTimeout,
		MachineName:       name,
		ProtocolVersion:   DefaultProtocolVersion,
		HeartbeatInterval: DefaultHeartbeatInterval,
		LivenessTimeout:   DefaultLivenessTimeout,
	}
}

func (o SessionOptions) withDefaults() SessionOptions {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.ProtocolVersion == 0 {
		o.ProtocolVersion = DefaultProtocolVersion
	}
	if o.MachineName == "" {
		o.MachineName, _ = os.Hostname()
	}
	if o.JobID == uuid.Nil && o.Mode == ModeMaster {
		o.JobID = uuid.New()
	}
	return o
}

type inboundKind int

const (
	inMessage inboundKind = iota
	inAccepted
	inDropped
)

type inbound struct {
	kind   inboundKind
	proc   *Process
	data   []byte
	sock   *p2p.TCPSocket
	addr   p2p.Address
	reason string
}

// Session is one end of a master/worker job. All dispatching, and with it
// every handler and hook, runs on the goroutine that calls
// DispatchNextMessage, DispatchUntil or HandleSocketErrors. Sends may come
// from any goroutine.
type Session struct {
	SessionOptions

	registry Registry
	internal [256]Handler

	listener *p2p.TCPListener
	started  atomic.Bool

	mu         sync.Mutex
	procs      map[int]*Process
	nextID     int
	persistent [][]byte
	groups     map[int]*wire.Buffer
	dirs       Directories
	jobID      uuid.UUID

	inbox     chan inbound
	pending   []Packet
	quitch    chan struct{}
	closeOnce sync.Once
	bg        errgroup.Group

	disconnectHandlers []DisconnectHandler
	connectHooks       []func(procID int)
	tickHooks          []func()
	panicHooks         []func(v any)
	lastTick           time.Time
	inHousekeeping     bool

	connected   atomic.Int32
	disconnects atomic.Int32
	jobWorkerID atomic.Uint32
}

func NewSession(opts SessionOptions, regs ...Registration) *Session {
	opts = opts.withDefaults()
	s := &Session{
		SessionOptions: opts,
		procs:          make(map[int]*Process),
		nextID:         MasterID + 1,
		groups:         make(map[int]*wire.Buffer),
		jobID:          opts.JobID,
		inbox:          make(chan inbound, InboxDepth),
		quitch:         make(chan struct{}),
	}
	if opts.Mode == ModeMaster {
		s.dirs = opts.Directories
	}
	s.jobWorkerID.Store(JobWorkerIDUnset)

	s.registry.Register(PacketInternal, s.handleInternal)
	// group frames are unpacked before dispatch
	s.registry.Register(PacketGroup, func(*wire.Buffer, int, byte) bool { return false })

	s.RegisterInternal(SubMachineName, s.handleMachineName)
	s.RegisterInternal(SubDirectories, s.handleDirectories)
	s.RegisterInternal(SubDBInfo, s.handleDBInfo)
	s.RegisterInternal(SubDBInfoRequest, s.handleDBInfoRequest)
	s.RegisterInternal(SubHeartbeat, func(*wire.Buffer, int, byte) bool { return true })
	s.RegisterInternal(SubJobInfo, s.handleJobInfo)
	s.RegisterInternal(SubJobWorkerID, s.handleJobWorkerID)

	for _, r := range regs {
		s.registry.Register(r.PacketID, r.Handler)
	}
	return s
}

// RegisterHandler claims a top-level packet ID. It must be called before
// Init and panics on a second claim.
func (s *Session) RegisterHandler(packetID byte, h Handler) {
	s.registry.Register(packetID, h)
}

// RegisterInternal claims a sub-packet ID of PacketInternal. The handler's
// buffer is positioned after the sub-packet byte.
func (s *Session) RegisterInternal(sub byte, h Handler) {
	if s.registry.frozen.Load() {
		panic(fmt.Sprintf("vmpi: internal sub-packet %d registered after the session started", sub))
	}
	if s.internal[sub] != nil {
		panic(fmt.Sprintf("vmpi: internal sub-packet %d registered twice", sub))
	}
	s.internal[sub] = h
}

func (s *Session) AddDisconnectHandler(h DisconnectHandler) {
	s.disconnectHandlers = append(s.disconnectHandlers, h)
}

// OnConnect hooks run on the foreground goroutine after a new process has
// received the persistent messages.
func (s *Session) OnConnect(f func(procID int)) {
	s.connectHooks = append(s.connectHooks, f)
}

// OnPanic hooks receive a panic from any goroutine that defers Recover. They
// must be added before Init.
func (s *Session) OnPanic(f func(v any)) {
	s.panicHooks = append(s.panicHooks, f)
}

// Recover is deferred at the top of the session's goroutines and of those
// other packages start for it. A panic goes to the OnPanic hooks and ends
// the goroutine. With no hooks the panic continues.
func (s *Session) Recover() {
	v := recover()
	if v == nil {
		return
	}
	if len(s.panicHooks) == 0 {
		panic(v)
	}
	for _, h := range s.panicHooks {
		h(v)
	}
}

// OnTick hooks run periodically whenever the session waits for messages.
func (s *Session) OnTick(f func()) {
	s.tickHooks = append(s.tickHooks, f)
}

func (s *Session) IsMaster() bool {
	return s.Mode == ModeMaster
}

// Listen opens the master's listening socket. Init calls it if needed.
func (s *Session) Listen() error {
	if s.Mode != ModeMaster {
		return errors.New("vmpi: only the master listens")
	}
	if s.listener != nil {
		return nil
	}

	l := p2p.NewTCPListener(p2p.TCPListenerOptions{
		ListenAddress: s.ListenAddress,
		HandshakeFunc: p2p.ProtocolHandshake(s.ProtocolVersion),
	})
	if err := l.ListenAndAccept(); err != nil {
		return fmt.Errorf("failed to create listening socket: %w", err)
	}
	s.listener = l
	s.bg.Go(func() error {
		defer s.Recover()
		s.acceptLoop()
		return nil
	})

	logger.Infof("[%s] master listening for workers, job %s", l.Addr(), s.jobID)
	return nil
}

// ListenAddr is the address the master actually listens on.
func (s *Session) ListenAddr() p2p.Address {
	if s.listener == nil {
		return p2p.Address{}
	}
	return s.listener.Addr()
}

// Init starts the session. The master listens, publishes the job and waits
// for MinWorkers; a worker connects to the master and waits for the job's
// directories.
func (s *Session) Init(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("vmpi: session already started")
	}
	s.registry.freeze()

	switch s.Mode {
	case ModeMaster:
		return s.initMaster(ctx)
	case ModeWorker:
		return s.initWorker(ctx)
	}
	return fmt.Errorf("vmpi: unknown session mode %s", s.Mode)
}

func (s *Session) initMaster(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.publishJob()
	s.startHeartbeats()

	timer := p2p.NewWaitTimer(s.ConnectTimeout)
	for s.NumConnected() < s.MinWorkers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !timer.ShouldKeepWaiting() {
			logger.Warningf("[%s] only %d of %d workers connected after %s, continuing",
				s.ListenAddr(), s.NumConnected(), s.MinWorkers, s.ConnectTimeout)
			break
		}
		s.HandleSocketErrors(min(10*p2p.PollInterval, timer.Remaining()))
	}
	return nil
}

func (s *Session) publishJob() {
	job := NewMessage(PacketInternal, SubJobInfo)
	job.Write(s.jobID[:])
	s.SendData(job.Bytes(), Persistent, 0)

	dirs := NewMessage(PacketInternal, SubDirectories)
	dirs.WriteString(s.dirs.GameDir)
	dirs.WriteString(s.dirs.QDir)
	s.SendData(dirs.Bytes(), Persistent, 0)
}

func (s *Session) initWorker(ctx context.Context) error {
	sock := p2p.NewTCPSocket(p2p.TCPOptions{
		HandshakeFunc: p2p.ProtocolHandshake(s.ProtocolVersion),
	})
	if err := sock.BeginConnect(s.MasterAddr); err != nil {
		return fmt.Errorf("failed to connect to master %s: %w", s.MasterAddr, err)
	}

	timer := p2p.NewWaitTimer(s.ConnectTimeout)
	for !sock.UpdateConnect() {
		if sock.State() == p2p.StateDisconnected {
			return fmt.Errorf("failed to connect to master %s: %s", s.MasterAddr, sock.DisconnectReason())
		}
		if err := ctx.Err(); err != nil {
			sock.Close()
			return err
		}
		if !timer.ShouldKeepWaiting() {
			sock.Close()
			return fmt.Errorf("timed out connecting to master %s", s.MasterAddr)
		}
		time.Sleep(p2p.PollInterval)
	}
	logger.Infof("[%s] connected to master", s.MasterAddr)

	s.attach(MasterID, sock, s.MasterAddr)
	s.startHeartbeats()

	if _, ok := s.DispatchUntil(PacketInternal, int(SubDirectories), s.ConnectTimeout); !ok {
		return fmt.Errorf("master %s never sent the job directories", s.MasterAddr)
	}
	return nil
}

// attach adds a connected channel as process id, replays persistent
// messages to it and starts its pump.
func (s *Session) attach(id int, ch p2p.Channel, addr p2p.Address) *Process {
	p := newProcess(id, ch, addr)

	name := NewMessage(PacketInternal, SubMachineName)
	name.WriteString(s.SessionOptions.MachineName)

	s.mu.Lock()
	s.procs[id] = p
	s.connected.Add(1)
	ch.Send(name.Bytes())
	if s.Mode == ModeMaster {
		for _, msg := range s.persistent {
			ch.Send(msg)
		}
	}
	s.mu.Unlock()

	s.bg.Go(func() error {
		defer s.Recover()
		s.pump(p)
		return nil
	})

	for _, h := range s.connectHooks {
		h(id)
	}
	return p
}

func (s *Session) acceptLoop() {
	for {
		sock, addr, ok := s.listener.Accept(pumpPoll)
		select {
		case <-s.quitch:
			if ok {
				sock.Close()
			}
			return
		default:
		}
		if !ok {
			continue
		}

		select {
		case s.inbox <- inbound{kind: inAccepted, sock: sock, addr: addr}:
		case <-s.quitch:
			sock.Close()
			return
		}
	}
}

func isHeartbeat(msg []byte) bool {
	return len(msg) == 2 && msg[0] == PacketInternal && msg[1] == SubHeartbeat
}

// pump moves one process's messages into the session inbox and reports the
// channel going down.
func (s *Session) pump(p *Process) {
	for {
		msg, ok := p.ch.Recv(pumpPoll)
		if ok {
			p.touch()
			if isHeartbeat(msg) {
				continue
			}
			select {
			case s.inbox <- inbound{kind: inMessage, proc: p, data: msg}:
			case <-s.quitch:
				return
			case <-p.quit:
				return
			}
			continue
		}

		if !p.ch.IsConnected() {
			select {
			case s.inbox <- inbound{kind: inDropped, proc: p, reason: p.ch.DisconnectReason()}:
			case <-s.quitch:
			case <-p.quit:
			}
			return
		}

		select {
		case <-s.quitch:
			return
		case <-p.quit:
			return
		default:
		}
	}
}

func (s *Session) startHeartbeats() {
	if s.HeartbeatInterval <= 0 {
		return
	}
	s.bg.Go(func() error {
		defer s.Recover()
		ticker := time.NewTicker(s.HeartbeatInterval)
		defer ticker.Stop()

		hb := []byte{PacketInternal, SubHeartbeat}
		for {
			select {
			case <-s.quitch:
				return nil
			case <-ticker.C:
				for _, p := range s.connectedProcs() {
					p.ch.Send(hb)
				}
			}
		}
	})
}

// DispatchNextMessage hands one message to its handler. It returns false if
// nothing arrived within timeout.
func (s *Session) DispatchNextMessage(timeout time.Duration) bool {
	pkt, ok := s.nextPacket(timeout)
	if !ok {
		return false
	}
	s.dispatch(pkt)
	return true
}

// DispatchUntil dispatches messages until one with packetID (and sub, unless
// sub is negative) arrives and returns it. The match goes to its handler
// too, when one is registered, before the caller sees it.
func (s *Session) DispatchUntil(packetID byte, sub int, wait time.Duration) (Packet, bool) {
	timer := p2p.NewWaitTimer(wait)
	for {
		pkt, ok := s.nextPacket(timer.Remaining())
		if !ok {
			return Packet{}, false
		}
		if !pkt.Matches(packetID, sub) {
			s.dispatch(pkt)
			continue
		}
		if s.registry.Lookup(pkt.ID()) != nil {
			s.dispatch(pkt)
		}
		return pkt, true
	}
}

// HandleSocketErrors flushes grouped sends, runs liveness checks and tick
// hooks, and dispatches whatever arrives within timeout. It is the idle wait
// for loops that have nothing else to do.
func (s *Session) HandleSocketErrors(timeout time.Duration) {
	s.FlushGroupedPackets()
	s.lastTick = time.Time{}

	timer := p2p.NewWaitTimer(timeout)
	for s.DispatchNextMessage(timer.Remaining()) {
		if !timer.ShouldKeepWaiting() {
			break
		}
	}
}

func (s *Session) nextPacket(timeout time.Duration) (Packet, bool) {
	timer := p2p.NewWaitTimer(timeout)
	for {
		if len(s.pending) > 0 {
			pkt := s.pending[0]
			s.pending = s.pending[1:]
			return pkt, true
		}

		s.housekeeping()
		if s.masterGone() {
			return Packet{}, false
		}

		in, ok := s.receive(min(timer.Remaining(), tickInterval))
		if ok {
			if pkt, ok := s.handleInbound(in); ok {
				return pkt, true
			}
			continue
		}
		if !timer.ShouldKeepWaiting() {
			return Packet{}, false
		}
	}
}

func (s *Session) receive(wait time.Duration) (inbound, bool) {
	if wait <= 0 {
		select {
		case in := <-s.inbox:
			return in, true
		default:
			return inbound{}, false
		}
	}

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case in := <-s.inbox:
		return in, true
	case <-t.C:
		return inbound{}, false
	}
}

func (s *Session) handleInbound(in inbound) (Packet, bool) {
	switch in.kind {
	case inAccepted:
		s.mu.Lock()
		id := s.nextID
		s.nextID++
		s.mu.Unlock()

		s.attach(id, in.sock, in.addr)
		logger.Infof("[%s] worker %d connected, %d connected", in.addr, id, s.NumConnected())

	case inDropped:
		s.drop(in.proc, in.reason)

	case inMessage:
		if len(in.data) > 0 && in.data[0] == PacketGroup {
			pkts, err := unpackGroup(in.proc.ID, in.data)
			if err != nil {
				logger.Warningf("[%s] malformed group packet: %s", in.proc.label(), err)
			}
			s.pending = append(s.pending, pkts...)
			return Packet{}, false
		}
		return Packet{Source: in.proc.ID, Data: in.data}, true
	}
	return Packet{}, false
}

func (s *Session) dispatch(pkt Packet) {
	if len(pkt.Data) == 0 {
		logger.Warningf("[%s] dropping empty message", s.label(pkt.Source))
		return
	}
	h := s.registry.Lookup(pkt.ID())
	if h == nil {
		logger.Warningf("[%s] dropping packet %d: no handler registered", s.label(pkt.Source), pkt.ID())
		return
	}
	if !h(pkt.Buffer(), pkt.Source, pkt.ID()) {
		logger.Debugf("[%s] packet %d/%d was not handled", s.label(pkt.Source), pkt.ID(), pkt.Sub())
	}
}

func (s *Session) housekeeping() {
	if s.inHousekeeping || time.Since(s.lastTick) < tickInterval {
		return
	}
	s.inHousekeeping = true
	defer func() { s.inHousekeeping = false }()
	s.lastTick = time.Now()

	if s.LivenessTimeout > 0 {
		for _, p := range s.connectedProcs() {
			if silence := p.Silence(); silence > s.LivenessTimeout {
				s.drop(p, fmt.Sprintf("nothing received for %s", silence.Round(time.Millisecond)))
			}
		}
	}
	for _, f := range s.tickHooks {
		f()
	}
}

func (s *Session) masterGone() bool {
	if s.Mode != ModeWorker {
		return false
	}
	p := s.process(MasterID)
	return p != nil && !p.IsConnected()
}

// Disconnect drops a process as if its connection had failed. It must be
// called from the dispatching goroutine.
func (s *Session) Disconnect(procID int, reason string) {
	if p := s.process(procID); p != nil {
		s.drop(p, reason)
	}
}

// drop runs the disconnect handlers for p exactly once.
func (s *Session) drop(p *Process, reason string) {
	if !p.connected.CompareAndSwap(true, false) {
		return
	}
	close(p.quit)
	go p.ch.Close()
	s.connected.Add(-1)
	s.disconnects.Add(1)

	if s.Mode == ModeMaster {
		logger.Warningf("[%s] worker %d disconnected: %s (%d workers left)", p.label(), p.ID, reason, s.NumConnected())
	} else {
		logger.Errorf("[%s] lost connection to master: %s", p.label(), reason)
	}

	for _, h := range s.disconnectHandlers {
		h(p.ID, reason)
	}

	if s.Mode == ModeWorker && p.ID == MasterID {
		if s.MasterLost != nil {
			s.MasterLost(reason)
		}
	}
}

// Close flushes grouped sends and tears down every connection.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.FlushGroupedPackets()
		close(s.quitch)
		if s.listener != nil {
			s.listener.Close()
		}

		var g errgroup.Group
		for _, p := range s.allProcs() {
			if p.connected.CompareAndSwap(true, false) {
				close(p.quit)
				s.connected.Add(-1)
			}
			g.Go(p.ch.Close)
		}
		g.Wait()
		s.bg.Wait()
	})
	return nil
}

func (s *Session) process(id int) *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[id]
}

func (s *Session) allProcs() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Process, 0, len(s.procs))
	for _, p := range s.procs {
		out = append(out, p)
	}
	return out
}

func (s *Session) connectedProcs() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedLocked()
}

func (s *Session) connectedLocked() []*Process {
	out := make([]*Process, 0, len(s.procs))
	for _, p := range s.procs {
		if p.IsConnected() {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b *Process) int { return a.ID - b.ID })
	return out
}

// Processes lists the IDs of the connected processes in ascending order.
func (s *Session) Processes() []int {
	procs := s.connectedProcs()
	ids := make([]int, len(procs))
	for i, p := range procs {
		ids[i] = p.ID
	}
	return ids
}

// Process returns the record for id, or nil.
func (s *Session) Process(id int) *Process {
	return s.process(id)
}

func (s *Session) NumConnected() int {
	return int(s.connected.Load())
}

// NumDisconnects counts processes that have dropped so far.
func (s *Session) NumDisconnects() int {
	return int(s.disconnects.Load())
}

// MachineName returns the name of process id. On the master, MasterID is
// the master itself.
func (s *Session) MachineName(id int) string {
	if s.Mode == ModeMaster && id == MasterID {
		return s.SessionOptions.MachineName
	}
	if p := s.process(id); p != nil {
		return p.MachineName()
	}
	return ""
}

func (s *Session) label(id int) string {
	if name := s.MachineName(id); name != "" {
		return name
	}
	return fmt.Sprintf("process %d", id)
}

func (s *Session) Directories() Directories {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirs
}

func (s *Session) JobID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobID
}

// SetJobWorkerID records the job worker ID of a worker and tells it.
func (s *Session) SetJobWorkerID(procID int, id uint32) error {
	p := s.process(procID)
	if p == nil {
		return fmt.Errorf("vmpi: unknown process %d", procID)
	}
	p.jobWorkerID.Store(id)

	msg := NewMessage(PacketInternal, SubJobWorkerID)
	msg.WriteUint32(id)
	return s.SendData(msg.Bytes(), procID, 0)
}

// JobWorkerID returns the ID given to procID, or JobWorkerIDUnset.
func (s *Session) JobWorkerID(procID int) uint32 {
	if p := s.process(procID); p != nil {
		return p.JobWorkerID()
	}
	return JobWorkerIDUnset
}

// AssignedJobWorkerID is the ID the master gave this worker.
func (s *Session) AssignedJobWorkerID() uint32 {
	return s.jobWorkerID.Load()
}
