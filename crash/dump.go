package crash

import (
	"fmt"
	"os"
	"runtime"
	"time"
)

const maxStackDump = 64 << 20

// StackDumpWriter writes the stacks of every goroutine to a temporary file.
type StackDumpWriter struct {
	// Dir defaults to os.TempDir().
	Dir string
}

var _ DumpWriter = StackDumpWriter{}

func (w StackDumpWriter) WriteDump(code int, info string) (string, error) {
	f, err := os.CreateTemp(w.Dir, "vmpi-crash-*.dmp")
	if err != nil {
		return "", fmt.Errorf("failed to create dump file: %w", err)
	}
	defer f.Close()

	host, _ := os.Hostname()
	fmt.Fprintf(f, "host: %s\npid: %d\ntime: %s\ncode: %d\nreason: %s\n\n",
		host, os.Getpid(), time.Now().Format(time.RFC3339), code, info)

	if _, err := f.Write(allStacks()); err != nil {
		return "", fmt.Errorf("failed to write dump file: %w", err)
	}
	return f.Name(), nil
}

func allStacks() []byte {
	buf := make([]byte, 64<<10)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) || len(buf) >= maxStackDump {
			return buf[:n]
		}
		buf = make([]byte, 2*len(buf))
	}
}
