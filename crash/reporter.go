// Package crash reports worker panics to the master and stores what the
// workers send.
package crash

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/tliron/commonlog"

	"github.com/pc-1827/vmpi/vmpi"
)

var logger = commonlog.GetLogger("vmpi.crash")

// Kinds of crash sub-packet, written after vmpi.SubCrash.
const (
	KindText byte = 't'
	KindDump byte = 'f'
)

const (
	// ExitStatus is what a crashed worker exits with.
	ExitStatus = 2
	// SecondChanceExitStatus is used when reporting the crash itself fails.
	SecondChanceExitStatus = 3
)

// Sender is the part of a worker's session the reporter needs. Close must
// flush what was sent.
type Sender interface {
	SendChunks(chunks [][]byte, dest int, flags vmpi.SendFlags) error
	Close() error
}

// DumpWriter writes a diagnostic dump for a crash and returns its path.
type DumpWriter interface {
	WriteDump(code int, info string) (string, error)
}

// Reporter turns a panic in a worker into a crash report to the master and
// then ends the process.
type Reporter struct {
	Sender Sender
	// Dumps is optional.
	Dumps DumpWriter
	// Exit defaults to os.Exit.
	Exit func(code int)

	reporting atomic.Bool
	finished  chan struct{}
	once      sync.Once
}

func NewReporter(sender Sender, dumps DumpWriter) *Reporter {
	return &Reporter{Sender: sender, Dumps: dumps}
}

// Recover must be deferred directly at the top of a worker goroutine.
func (r *Reporter) Recover() {
	if v := recover(); v != nil {
		r.Report(v)
	}
}

// Report sends the crash notice for v, then a dump if one can be written,
// and exits. Only the first report is sent; concurrent ones wait for it.
func (r *Reporter) Report(v any) {
	r.once.Do(func() { r.finished = make(chan struct{}) })
	if !r.reporting.CompareAndSwap(false, true) {
		<-r.finished
		return
	}
	defer close(r.finished)

	defer func() {
		if p := recover(); p != nil {
			fmt.Fprintf(os.Stderr, "vmpi: crash reporter failed: %v\n", p)
			r.exit(SecondChanceExitStatus)
		}
	}()

	code, reason := Describe(v)
	logger.Errorf("worker crashed: %s", reason)

	if err := r.Sender.SendChunks([][]byte{textMessage(reason)}, vmpi.MasterID, 0); err != nil {
		logger.Errorf("failed to send crash notice: %s", err)
	}
	if r.Dumps != nil {
		r.sendDump(code, reason)
	}
	r.Sender.Close()
	r.exit(ExitStatus)
}

func (r *Reporter) sendDump(code int, reason string) {
	path, err := r.Dumps.WriteDump(code, reason)
	if err != nil {
		logger.Errorf("failed to write crash dump: %s", err)
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Errorf("failed to read crash dump %s: %s", path, err)
		return
	}

	logger.Infof("sending crash dump %s (%s)", path, humanize.IBytes(uint64(len(data))))
	if err := r.Sender.SendChunks([][]byte{dumpHeader(len(data)), data}, vmpi.MasterID, 0); err != nil {
		logger.Errorf("failed to send crash dump: %s", err)
	}
}

func (r *Reporter) exit(code int) {
	if r.Exit != nil {
		r.Exit(code)
		return
	}
	os.Exit(code)
}

// Describe maps a panic value to a code and a readable reason. OS errors
// keep their errno as the code.
func Describe(v any) (int, string) {
	switch x := v.(type) {
	case syscall.Errno:
		return int(x), fmt.Sprintf("errno %d: %s", int(x), x.Error())
	case error:
		var errno syscall.Errno
		if errors.As(x, &errno) {
			return int(errno), fmt.Sprintf("%s (errno %d)", x, int(errno))
		}
		return 0, x.Error()
	case string:
		return 0, x
	}
	return 0, fmt.Sprint(v)
}

// textMessage is "PacketInternal | SubCrash | 't' | ':' | reason\0".
func textMessage(reason string) []byte {
	msg := vmpi.NewMessage(vmpi.PacketInternal, vmpi.SubCrash)
	msg.WriteByte(KindText)
	msg.WriteByte(':')
	msg.WriteString(reason)
	return msg.Bytes()
}

// dumpHeader is "PacketInternal | SubCrash | 'f' | ':' | int32 length"; the
// dump bytes follow in the same message.
func dumpHeader(n int) []byte {
	msg := vmpi.NewMessage(vmpi.PacketInternal, vmpi.SubCrash)
	msg.WriteByte(KindDump)
	msg.WriteByte(':')
	msg.WriteInt32(int32(n))
	return msg.Bytes()
}
