//go:build unix

package serve

import "syscall"

// detachedProcAttr puts the spawned server in its own session so terminal
// signals aimed at the CLI never reach it.
func detachedProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
