//go:build linux

package main

import "syscall"

// Deliver a SIGTERM to the engine child if this process dies uncleanly.
func SysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM}
}
