//go:build windows

package probe

import (
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

func pidExists(pid int) (bool, bool) {
	if pid <= 0 {
		return false, false
	}
	ok, err := gopsproc.PidExists(int32(pid))
	if err != nil {
		return false, false
	}
	return ok, false
}

// StartTimeUnix returns the process start time as unix seconds, or 0.
func StartTimeUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms / 1000
}

// CommandLine returns the process command line, or "".
func CommandLine(pid int) string {
	if pid <= 0 {
		return ""
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return ""
	}
	cl, err := p.Cmdline()
	if err != nil {
		return ""
	}
	return cl
}
