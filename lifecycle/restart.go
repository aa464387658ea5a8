// Package lifecycle decides what a worker does when its master goes away.
package lifecycle

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/tliron/commonlog"
)

var logger = commonlog.GetLogger("vmpi.lifecycle")

// RestartsFlag carries the restart count on a respawned worker's command line.
const RestartsFlag = "-restarts"

// Spawner starts a process that outlives the caller.
type Spawner interface {
	SpawnDetached(args []string) error
}

// ExecSpawner spawns through os/exec in a new session.
type ExecSpawner struct{}

func (ExecSpawner) SpawnDetached(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("nothing to spawn")
	}
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = detachedAttr()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to spawn %s: %w", args[0], err)
	}
	return cmd.Process.Release()
}

// RestartPolicy is installed as the session's MasterLost callback. A worker
// never keeps running without its master: it either starts a fresh copy of
// itself and exits, or just exits.
type RestartPolicy struct {
	AutoRestart bool
	// MaxRestarts of zero means no limit.
	MaxRestarts int
	// Restarts is how often this worker has already been restarted.
	Restarts int
	// Args is the command line to run again; os.Args when nil.
	Args    []string
	Spawner Spawner
	// Exit defaults to os.Exit.
	Exit func(code int)
}

func (p RestartPolicy) MasterLost(reason string) {
	if !p.AutoRestart {
		fmt.Fprintf(os.Stderr, "vmpi: lost connection to master: %s\n", reason)
		p.exit(1)
		return
	}
	if p.MaxRestarts > 0 && p.Restarts >= p.MaxRestarts {
		logger.Errorf("lost master (%s) after %d restarts, giving up", reason, p.Restarts)
		p.exit(1)
		return
	}

	args := p.Args
	if args == nil {
		args = os.Args
	}
	args = withRestarts(args, p.Restarts+1)

	spawner := p.Spawner
	if spawner == nil {
		spawner = ExecSpawner{}
	}
	logger.Warningf("lost master (%s), restarting: %s", reason, strings.Join(args, " "))
	if err := spawner.SpawnDetached(args); err != nil {
		logger.Errorf("%s", err)
		p.exit(1)
		return
	}
	p.exit(0)
}

func (p RestartPolicy) exit(code int) {
	if p.Exit != nil {
		p.Exit(code)
		return
	}
	os.Exit(code)
}

// withRestarts returns a copy of args with the restart count set to n.
func withRestarts(args []string, n int) []string {
	out := make([]string, 0, len(args)+1)
	for i, a := range args {
		if i > 0 && (strings.HasPrefix(a, RestartsFlag+"=") || strings.HasPrefix(a, "-"+RestartsFlag+"=")) {
			continue
		}
		out = append(out, a)
	}
	return append(out, RestartsFlag+"="+strconv.Itoa(n))
}
