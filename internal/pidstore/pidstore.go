// Package pidstore persists the mapping (service, kind) -> process identity.
// It is the single source of truth for "what did we last launch". Records are
// one key=value text file per entry so operators can inspect them directly;
// replacement is atomic (write-temp-then-rename) so a concurrent reader never
// observes a torn record. A corrupt or partially written record reads as
// absent rather than as garbage.
package pidstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind distinguishes the rows kept per service.
type Kind string

const (
	// KindProc is the primary worker process.
	KindProc Kind = "proc"
	// KindSession is the detached session hosting the worker's stdio
	// (on unix, the process group leader).
	KindSession Kind = "session"
)

// Entry is one stored row: the PID plus a liveness fingerprint that lets the
// prober reject PID-reuse false positives.
type Entry struct {
	PID        int
	StartUnix  int64  // process start time, unix seconds; 0 when unknown
	Command    string // command signature at launch time
	RecordedAt time.Time
}

// Store keeps entries under a base directory, one file per (service, kind).
type Store struct {
	dir string
}

// New creates a store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("pidstore: empty directory")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("pidstore: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the base directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(service string, kind Kind) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.%s.pid", service, kind))
}

// Write atomically replaces the entry for (service, kind). The previous entry
// is never observable in a half-updated form.
func (s *Store) Write(service string, kind Kind, e Entry) error {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "pid=%d\n", e.PID)
	fmt.Fprintf(&b, "start_unix=%d\n", e.StartUnix)
	fmt.Fprintf(&b, "command=%s\n", sanitizeValue(e.Command))
	fmt.Fprintf(&b, "recorded_at=%s\n", e.RecordedAt.UTC().Format(time.RFC3339Nano))

	dst := s.path(service, kind)
	tmp, err := os.CreateTemp(s.dir, filepath.Base(dst)+".tmp-*")
	if err != nil {
		return fmt.Errorf("pidstore: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(b.String()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("pidstore: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("pidstore: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("pidstore: %w", err)
	}
	return nil
}

// Read returns the stored entry and whether it exists. Corrupt records are
// reported as absent; the next Write overwrites them.
func (s *Store) Read(service string, kind Kind) (Entry, bool) {
	data, err := os.ReadFile(s.path(service, kind))
	if err != nil {
		return Entry{}, false
	}
	e, ok := parseEntry(string(data))
	return e, ok
}

// Remove deletes the entry for (service, kind). Removing an absent entry is
// a no-op.
func (s *Store) Remove(service string, kind Kind) error {
	err := os.Remove(s.path(service, kind))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("pidstore: %w", err)
	}
	return nil
}

// RemoveAll deletes every entry for the service.
func (s *Store) RemoveAll(service string) error {
	for _, k := range []Kind{KindProc, KindSession} {
		if err := s.Remove(service, k); err != nil {
			return err
		}
	}
	return nil
}

// ListServices returns the sorted set of service names with at least one entry.
func (s *Store) ListServices() ([]string, error) {
	des, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("pidstore: %w", err)
	}
	seen := make(map[string]struct{})
	for _, de := range des {
		name := de.Name()
		if !strings.HasSuffix(name, ".pid") {
			continue
		}
		base := strings.TrimSuffix(name, ".pid")
		// trailing segment is the kind
		i := strings.LastIndex(base, ".")
		if i <= 0 {
			continue
		}
		switch Kind(base[i+1:]) {
		case KindProc, KindSession:
			seen[base[:i]] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

func parseEntry(text string) (Entry, bool) {
	var e Entry
	havePID := false
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			return Entry{}, false
		}
		switch key {
		case "pid":
			pid, err := strconv.Atoi(val)
			if err != nil || pid <= 0 {
				return Entry{}, false
			}
			e.PID = pid
			havePID = true
		case "start_unix":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return Entry{}, false
			}
			e.StartUnix = n
		case "command":
			e.Command = val
		case "recorded_at":
			if t, err := time.Parse(time.RFC3339Nano, val); err == nil {
				e.RecordedAt = t
			}
		}
	}
	if !havePID {
		return Entry{}, false
	}
	return e, true
}

// sanitizeValue keeps the record single-line per key.
func sanitizeValue(v string) string {
	return strings.ReplaceAll(strings.ReplaceAll(v, "\n", " "), "\r", " ")
}
