//go:build !unix

package lifecycle

import "syscall"

func detachedAttr() *syscall.SysProcAttr {
	return nil
}
