package vmpi

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pc-1827/vmpi/p2p"
)

// JobWorkerIDUnset marks a process that was never given a job worker ID.
const JobWorkerIDUnset = 0xFFFFFFFF

// Process is the session's record of one peer. IDs are never reused; a
// process that drops stays in the table marked disconnected.
type Process struct {
	ID   int
	Addr p2p.Address

	ch   p2p.Channel
	quit chan struct{}

	nameOnce sync.Once
	mu       sync.Mutex
	name     string

	jobWorkerID atomic.Uint32
	connected   atomic.Bool
	lastHeard   atomic.Int64
}

func newProcess(id int, ch p2p.Channel, addr p2p.Address) *Process {
	p := &Process{
		ID:   id,
		Addr: addr,
		ch:   ch,
		quit: make(chan struct{}),
	}
	p.jobWorkerID.Store(JobWorkerIDUnset)
	p.connected.Store(true)
	p.touch()
	return p
}

// MachineName is empty until the peer has announced itself.
func (p *Process) MachineName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

// setMachineName only takes effect the first time.
func (p *Process) setMachineName(name string) {
	p.nameOnce.Do(func() {
		p.mu.Lock()
		p.name = name
		p.mu.Unlock()
	})
}

// label is what log lines call this process.
func (p *Process) label() string {
	if name := p.MachineName(); name != "" {
		return name
	}
	return p.Addr.String()
}

func (p *Process) IsConnected() bool {
	return p.connected.Load()
}

func (p *Process) JobWorkerID() uint32 {
	return p.jobWorkerID.Load()
}

func (p *Process) touch() {
	p.lastHeard.Store(time.Now().UnixNano())
}

// Silence is the time since anything was last received from the process.
func (p *Process) Silence() time.Duration {
	return time.Since(time.Unix(0, p.lastHeard.Load()))
}
