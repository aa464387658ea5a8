package crash

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/pc-1827/vmpi/vmpi"
	"github.com/pc-1827/vmpi/wire"
)

// Crash is one report received from a worker.
type Crash struct {
	ProcID   int
	Machine  string
	Reason   string
	DumpPath string
}

// peers is what the collector asks the session about.
type peers interface {
	MachineName(id int) string
	NumConnected() int
}

// Collector receives crash reports on the master.
type Collector struct {
	// Dir is where dumps are saved.
	Dir string

	peers peers
	now   func() time.Time

	mu      sync.Mutex
	counter int
	crashes []Crash
}

// NewCollector claims vmpi.SubCrash on a master session.
func NewCollector(session *vmpi.Session, dir string) *Collector {
	c := &Collector{Dir: dir, peers: session, now: time.Now}
	session.RegisterInternal(vmpi.SubCrash, c.handle)
	return c
}

// Crashes lists the reports received so far.
func (c *Collector) Crashes() []Crash {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Crash(nil), c.crashes...)
}

func (c *Collector) handle(buf *wire.Buffer, source int, _ byte) bool {
	kind, err := buf.ReadByte()
	if err != nil {
		return false
	}
	if sep, err := buf.ReadByte(); err != nil || sep != ':' {
		return false
	}
	machine := c.peers.MachineName(source)

	switch kind {
	case KindText:
		reason, err := buf.ReadString()
		if err != nil {
			return false
		}
		logger.Errorf("[%s] worker %d crashed: %s", machine, source, reason)
		c.mu.Lock()
		c.crashes = append(c.crashes, Crash{ProcID: source, Machine: machine, Reason: reason})
		c.mu.Unlock()
		return true

	case KindDump:
		n, err := buf.ReadInt32()
		if err != nil || n < 0 {
			return false
		}
		if int(n) > len(buf.Remaining()) {
			logger.Warningf("[%s] truncated crash dump: %d of %d bytes", machine, len(buf.Remaining()), n)
			return false
		}
		data := make([]byte, n)
		if err := buf.ReadN(data); err != nil {
			return false
		}
		path, err := c.save(machine, data)
		if err != nil {
			logger.Errorf("[%s] failed to save crash dump: %s", machine, err)
			return true
		}
		c.attachDump(source, machine, path)
		logger.Errorf("[%s] saved crash dump %s (%s), %d workers still connected",
			machine, path, humanize.IBytes(uint64(n)), c.peers.NumConnected())
		return true
	}
	return false
}

// save writes a dump as crash_<host>_<yyyymmdd-hhmmss>_<counter>.dmp.
func (c *Collector) save(machine string, data []byte) (string, error) {
	c.mu.Lock()
	c.counter++
	counter := c.counter
	c.mu.Unlock()

	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("crash_%s_%s_%d.dmp", safeHost(machine), c.now().Format("20060102-150405"), counter)
	path := filepath.Join(c.Dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// attachDump adds path to the worker's latest report, or records a report
// of its own when the text notice never arrived.
func (c *Collector) attachDump(source int, machine, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.crashes) - 1; i >= 0; i-- {
		if c.crashes[i].ProcID == source && c.crashes[i].DumpPath == "" {
			c.crashes[i].DumpPath = path
			return
		}
	}
	c.crashes = append(c.crashes, Crash{ProcID: source, Machine: machine, DumpPath: path})
}

func safeHost(name string) string {
	if name == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		}
		return '_'
	}, name)
}
