package launcher

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/loykin/vigil/internal/probe"
	"github.com/loykin/vigil/internal/service"
)

// ExecLauncher launches commands via os/exec in their own process group so a
// whole pipeline (including children the command forks) can be signaled as
// one session. Stdio goes to the spec's rotating log writers. Each launched
// run gets a reaper goroutine so exited children never linger as zombies.
type ExecLauncher struct {
	mu   sync.Mutex
	runs map[int]*run
}

type run struct {
	done    chan struct{}
	outW    io.WriteCloser
	errW    io.WriteCloser
	exitErr error
}

func NewExecLauncher() *ExecLauncher {
	return &ExecLauncher{runs: make(map[int]*run)}
}

func (l *ExecLauncher) Launch(ctx context.Context, spec service.Spec) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, &LaunchError{Name: spec.Name, Err: err}
	}

	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	setSessionAttrs(cmd)

	outW, errW, err := spec.Log.Writers(spec.Name)
	if err != nil {
		return Session{}, &LaunchError{Name: spec.Name, Err: err}
	}
	if spec.Log.Dir != "" {
		_ = os.MkdirAll(spec.Log.Dir, 0o750)
	}
	if outW != nil {
		cmd.Stdout = outW
	} else {
		cmd.Stdout, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
	}
	if errW != nil {
		cmd.Stderr = errW
	} else {
		cmd.Stderr, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
	}

	if err := cmd.Start(); err != nil {
		closeWriters(outW, errW)
		return Session{}, &LaunchError{Name: spec.Name, Err: err}
	}
	pid := cmd.Process.Pid

	startUnix, _ := probe.Fingerprint(pid)
	sess := Session{
		Handle:    "pg:" + strconv.Itoa(pid),
		PID:       pid,
		StartUnix: startUnix,
		Command:   spec.Command,
	}

	r := &run{done: make(chan struct{}), outW: outW, errW: errW}
	l.mu.Lock()
	l.runs[pid] = r
	l.mu.Unlock()
	go l.reap(pid, r, cmd)

	return sess, nil
}

// reap waits for the child so it never becomes a zombie, then closes writers.
func (l *ExecLauncher) reap(pid int, r *run, cmd interface{ Wait() error }) {
	r.exitErr = cmd.Wait()
	closeWriters(r.outW, r.errW)
	close(r.done)
	l.mu.Lock()
	delete(l.runs, pid)
	l.mu.Unlock()
}

func (l *ExecLauncher) Terminate(s Session, sig Signal) error {
	pgid, err := sessionPGID(s)
	if err != nil {
		return err
	}
	return signalGroup(pgid, sig)
}

func (l *ExecLauncher) IsSessionAlive(s Session) bool {
	pgid, err := sessionPGID(s)
	if err != nil {
		return false
	}
	return groupAlive(pgid)
}

// WaitExited blocks until the run we own for pid is reaped, bounded by ctx.
// Returns false when we have no record of the pid (recovered process from a
// previous supervisor incarnation) or the deadline passes first.
func (l *ExecLauncher) WaitExited(ctx context.Context, pid int) bool {
	l.mu.Lock()
	r := l.runs[pid]
	l.mu.Unlock()
	if r == nil {
		return false
	}
	select {
	case <-r.done:
		return true
	case <-ctx.Done():
		return false
	}
}

func sessionPGID(s Session) (int, error) {
	rest, ok := strings.CutPrefix(s.Handle, "pg:")
	if !ok {
		return 0, fmt.Errorf("invalid session handle %q", s.Handle)
	}
	pgid, err := strconv.Atoi(rest)
	if err != nil || pgid <= 0 {
		return 0, fmt.Errorf("invalid session handle %q", s.Handle)
	}
	return pgid, nil
}

func closeWriters(ws ...io.WriteCloser) {
	for _, w := range ws {
		if w != nil {
			_ = w.Close()
		}
	}
}
