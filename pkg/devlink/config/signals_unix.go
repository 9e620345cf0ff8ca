//go:build unix

package config

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func signalByName(name string) syscall.Signal {
	return unix.SignalNum(name)
}
