//go:build unix

package lifecycle

import "syscall"

// detachedAttr starts the child in its own session so it survives the
// parent's exit and the parent's terminal.
func detachedAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
