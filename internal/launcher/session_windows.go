//go:build windows

package launcher

import (
	"os"
	"os/exec"
	"syscall"
)

func setSessionAttrs(_ *exec.Cmd) {
	// No process groups on windows; the session handle degrades to the PID.
}

func signalGroup(pid int, sig Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	// Windows has no SIGTERM delivery for unrelated processes; both signal
	// kinds terminate the process.
	_ = sig
	return p.Kill()
}

func groupAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// FindProcess always succeeds on windows; Signal(0) probes existence.
	return p.Signal(syscall.Signal(0)) == nil
}
