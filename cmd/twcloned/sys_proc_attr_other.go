//go:build !linux

package main

import "syscall"

// Pdeathsig is Linux-only; elsewhere the quiesce pipe alone covers shutdown.
func SysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{}
}
