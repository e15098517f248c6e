package supervisor

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// maxLogsBytes bounds how much of a log file LogsSince will return.
const maxLogsBytes = 256 * 1024

// LogsSince returns recent stdout lines for the named service. Log content
// lives in external rotated files; this reads the current file's tail and
// returns it when the file has been written to since the given time. A zero
// time means "whatever the tail holds".
func (s *Supervisor) LogsSince(name string, since time.Time) ([]string, error) {
	e, err := s.entry(name)
	if err != nil {
		return nil, err
	}
	path := e.ctrl.Spec().Log.ResolveStdout(name)
	if path == "" {
		return nil, fmt.Errorf("service %q has no log destination configured", name)
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !since.IsZero() && fi.ModTime().Before(since) {
		return nil, nil
	}

	off := fi.Size() - maxLogsBytes
	if off < 0 {
		off = 0
	}
	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return nil, err
	}
	b, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	text := strings.TrimRight(string(b), "\n")
	if off > 0 {
		// Drop the partial first line introduced by the tail offset.
		if i := strings.IndexByte(text, '\n'); i >= 0 {
			text = text[i+1:]
		}
	}
	if text == "" {
		return nil, nil
	}
	return strings.Split(text, "\n"), nil
}
