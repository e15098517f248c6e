//go:build !windows

package probe

import (
	"bufio"
	"errors"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	"github.com/tklauser/go-sysconf"
)

// pidExists reports whether a process with the given pid exists. The second
// return is true when existence is known only via EPERM (we cannot signal it,
// so its fingerprint is likely unreadable too).
func pidExists(pid int) (bool, bool) {
	if pid <= 0 {
		return false, false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true, false
	}
	if errors.Is(err, syscall.EPERM) {
		return true, true
	}
	return false, false
}

// StartTimeUnix returns the process start time as unix seconds using
// platform-native methods. Returns 0 when unavailable or on error.
func StartTimeUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	if runtime.GOOS == "linux" {
		return startTimeUnixLinux(pid)
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

// CommandLine returns the process command line, or "" when unavailable.
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

func startTimeUnixLinux(pid int) int64 {
	// Read /proc/[pid]/stat and extract starttime (field 22, clock ticks
	// since boot). The comm field may contain spaces, so scan past "): ".
	statPath := "/proc/" + strconv.Itoa(pid) + "/stat"
	b, err := os.ReadFile(statPath)
	if err != nil {
		return 0
	}
	line := string(b)
	end := strings.LastIndex(line, ") ")
	if end == -1 {
		return 0
	}
	rest := strings.TrimSpace(line[end+2:])
	parts := strings.Fields(rest)
	if len(parts) < 20 {
		return 0
	}
	startTicks, err := strconv.ParseInt(parts[19], 10, 64)
	if err != nil || startTicks <= 0 {
		return 0
	}

	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()
	var btime int64
	s := bufio.NewScanner(f)
	for s.Scan() {
		text := s.Text()
		if strings.HasPrefix(text, "btime ") {
			v := strings.TrimSpace(strings.TrimPrefix(text, "btime "))
			if bt, err := strconv.ParseInt(v, 10, 64); err == nil {
				btime = bt
				break
			}
		}
	}
	if btime == 0 {
		return 0
	}

	clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || clk <= 0 {
		clk = 100
	}
	return btime + (startTicks / int64(clk))
}
