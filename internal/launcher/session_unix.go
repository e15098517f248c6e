//go:build !windows

package launcher

import (
	"errors"
	"os/exec"
	"syscall"
)

// setSessionAttrs puts the child in its own process group so the group id
// doubles as the session handle and signals reach forked descendants.
func setSessionAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(pgid int, sig Signal) error {
	s := syscall.SIGTERM
	if sig == SignalKill {
		s = syscall.SIGKILL
	}
	err := syscall.Kill(-pgid, s)
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

func groupAlive(pgid int) bool {
	err := syscall.Kill(-pgid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
