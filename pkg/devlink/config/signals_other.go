//go:build !unix

package config

import "syscall"

// signalByName reports every signal as unknown: signal broadcasts need unix.
func signalByName(name string) syscall.Signal {
	return 0
}
