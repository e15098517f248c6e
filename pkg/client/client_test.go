package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loykin/vigil/internal/service"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return New(Config{BaseURL: ts.URL})
}

func TestStartSendsNameQuery(t *testing.T) {
	var gotPath, gotName string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotName = r.URL.Query().Get("name")
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})
	if err := c.Start(context.Background(), "web"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if gotPath != "/start" || gotName != "web" {
		t.Fatalf("request: %s name=%s", gotPath, gotName)
	}
}

func TestStopForceFlag(t *testing.T) {
	var gotForce string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotForce = r.URL.Query().Get("force")
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})
	if err := c.Stop(context.Background(), "web", true); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if gotForce != "true" {
		t.Fatalf("force flag not sent: %q", gotForce)
	}
	if err := c.Stop(context.Background(), "web", false); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if gotForce != "" {
		t.Fatalf("force flag sent without force: %q", gotForce)
	}
}

func TestStatusDecodes(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(service.Status{Name: "web", State: "running", PID: 42})
	})
	st, err := c.Status(context.Background(), "web")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Name != "web" || st.State != "running" || st.PID != 42 {
		t.Fatalf("decoded status: %+v", st)
	}
}

func TestStatusAllAndActive(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/status":
			_ = json.NewEncoder(w).Encode([]service.Status{{Name: "a"}, {Name: "b"}})
		case "/active":
			_ = json.NewEncoder(w).Encode([]string{"a"})
		default:
			http.NotFound(w, r)
		}
	})
	all, err := c.StatusAll(context.Background())
	if err != nil || len(all) != 2 {
		t.Fatalf("StatusAll: %v %v", all, err)
	}
	active, err := c.Active(context.Background())
	if err != nil || len(active) != 1 || active[0] != "a" {
		t.Fatalf("Active: %v %v", active, err)
	}
}

func TestLogsSince(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("name") != "web" {
			http.Error(w, `{"error":"name required"}`, http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"name": "web", "lines": []string{"l1", "l2"}})
	})
	lines, err := c.LogsSince(context.Background(), "web", time.Time{})
	if err != nil {
		t.Fatalf("LogsSince: %v", err)
	}
	if len(lines) != 2 || lines[1] != "l2" {
		t.Fatalf("lines: %v", lines)
	}
}

// API error payloads surface as plain errors with the server's message.
func TestAPIErrorSurfaces(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"unknown service \"ghost\""}`, http.StatusConflict)
	})
	err := c.Start(context.Background(), "ghost")
	if err == nil || !strings.Contains(err.Error(), "unknown service") {
		t.Fatalf("error surface: %v", err)
	}
}

func TestNonJSONErrorFallsBackToStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway exploded", http.StatusBadGateway)
	})
	err := c.Start(context.Background(), "web")
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("fallback error: %v", err)
	}
}
