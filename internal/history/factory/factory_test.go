package factory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/loykin/vigil/internal/history"
)

func TestSQLiteDSNs(t *testing.T) {
	for _, dsn := range []string{
		":memory:",
		"sqlite://:memory:",
		filepath.Join(t.TempDir(), "h.db"),
	} {
		sink, err := NewSinkFromDSN(dsn)
		if err != nil {
			t.Fatalf("dsn %q: %v", dsn, err)
		}
		if err := sink.Send(context.Background(), history.Event{Type: history.EventStart, Service: "web"}); err != nil {
			t.Fatalf("dsn %q send: %v", dsn, err)
		}
		_ = sink.Close()
	}
}

func TestRejectedDSNs(t *testing.T) {
	for _, dsn := range []string{"", "   ", "redis://localhost:6379"} {
		if _, err := NewSinkFromDSN(dsn); err == nil {
			t.Fatalf("dsn %q accepted", dsn)
		}
	}
}
