package pidstore

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	in := Entry{PID: 4242, StartUnix: 1700000000, Command: "sleep 60"}
	if err := s.Write("web", KindProc, in); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, ok := s.Read("web", KindProc)
	if !ok {
		t.Fatalf("entry not found after write")
	}
	if got.PID != in.PID || got.StartUnix != in.StartUnix || got.Command != in.Command {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, in)
	}
	if got.RecordedAt.IsZero() {
		t.Fatalf("recorded_at was not set")
	}
}

func TestWriteReplacesAtomically(t *testing.T) {
	s := newTestStore(t)
	if err := s.Write("web", KindProc, Entry{PID: 100}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := s.Write("web", KindProc, Entry{PID: 200, StartUnix: 5}); err != nil {
		t.Fatalf("second write: %v", err)
	}
	got, ok := s.Read("web", KindProc)
	if !ok || got.PID != 200 || got.StartUnix != 5 {
		t.Fatalf("expected replaced entry pid=200, got %+v ok=%v", got, ok)
	}
	// No temp files may survive a completed write.
	des, err := os.ReadDir(s.Dir())
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, de := range des {
		if filepath.Ext(de.Name()) != ".pid" {
			t.Fatalf("leftover file in store dir: %s", de.Name())
		}
	}
}

func TestReadMissing(t *testing.T) {
	s := newTestStore(t)
	if _, ok := s.Read("nope", KindProc); ok {
		t.Fatalf("expected absent entry")
	}
}

// A corrupt or partially written record must read as absent, never as garbage.
func TestCorruptRecordReadsAsAbsent(t *testing.T) {
	s := newTestStore(t)
	cases := []string{
		"",
		"garbage",
		"pid=notanumber\n",
		"pid=-1\n",
		"start_unix=12\ncommand=x\n", // no pid key
		"pid=12\nstart_unix=oops\n",
	}
	for i, text := range cases {
		path := filepath.Join(s.Dir(), "bad.proc.pid")
		if err := os.WriteFile(path, []byte(text), 0o600); err != nil {
			t.Fatalf("case %d: write: %v", i, err)
		}
		if e, ok := s.Read("bad", KindProc); ok {
			t.Fatalf("case %d: corrupt record %q parsed as %+v", i, text, e)
		}
	}
}

func TestRemoveIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.Write("web", KindProc, Entry{PID: 1}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Remove("web", KindProc); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := s.Remove("web", KindProc); err != nil {
		t.Fatalf("second Remove should be a no-op: %v", err)
	}
	if _, ok := s.Read("web", KindProc); ok {
		t.Fatalf("entry still present after remove")
	}
}

func TestRemoveAll(t *testing.T) {
	s := newTestStore(t)
	_ = s.Write("web", KindProc, Entry{PID: 1})
	_ = s.Write("web", KindSession, Entry{PID: 1})
	if err := s.RemoveAll("web"); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	if _, ok := s.Read("web", KindProc); ok {
		t.Fatalf("proc entry survived RemoveAll")
	}
	if _, ok := s.Read("web", KindSession); ok {
		t.Fatalf("session entry survived RemoveAll")
	}
}

func TestListServices(t *testing.T) {
	s := newTestStore(t)
	_ = s.Write("beta", KindProc, Entry{PID: 1})
	_ = s.Write("alpha", KindProc, Entry{PID: 2})
	_ = s.Write("alpha", KindSession, Entry{PID: 2})
	// Unrelated files are ignored.
	if err := os.WriteFile(filepath.Join(s.Dir(), "notes.txt"), []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	names, err := s.ListServices()
	if err != nil {
		t.Fatalf("ListServices: %v", err)
	}
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Fatalf("unexpected names: %v", names)
	}
}

func TestMultilineCommandSanitized(t *testing.T) {
	s := newTestStore(t)
	if err := s.Write("web", KindProc, Entry{PID: 9, Command: "a\nb\rc"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, ok := s.Read("web", KindProc)
	if !ok {
		t.Fatalf("entry missing")
	}
	if got.Command != "a b c" {
		t.Fatalf("command not sanitized: %q", got.Command)
	}
}
