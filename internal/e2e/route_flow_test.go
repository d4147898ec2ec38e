package e2e

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/tanglehq/loom/internal/api"
	"github.com/tanglehq/loom/internal/eventbus"
	"github.com/tanglehq/loom/internal/gc"
	"github.com/tanglehq/loom/internal/registry"
	"github.com/tanglehq/loom/internal/router"
	"github.com/tanglehq/loom/internal/schema"
	"github.com/tanglehq/loom/internal/store"
	"github.com/tanglehq/loom/internal/testutil"
)

func newServer(t *testing.T) (http.Handler, func()) {
	t.Helper()
	db, closeFn := testutil.OpenTestDB(t)
	st := store.New(db)
	bus := eventbus.NewBus(db)
	reg, err := registry.LoadDefault("")
	if err != nil {
		closeFn()
		t.Fatalf("load registry: %v", err)
	}
	srv := &api.Server{
		Router:    router.New(reg, st, bus),
		Store:     st,
		Sweeper:   gc.New(st, bus),
		Bus:       bus,
		Registry:  reg,
		StartedAt: time.Now(),
	}
	return srv.Handler(), closeFn
}

func do(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(method, "http://in-process"+path, bytes.NewReader(payload)))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	data, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		t.Fatalf("decode body %q: %v", data, err)
	}
}

// TestRouteFlowEndToEnd drives the whole system over HTTP: seed knowledge,
// route a cross-domain task, inspect the trace it leaves behind, and sweep.
func TestRouteFlowEndToEnd(t *testing.T) {
	handler, closeFn := newServer(t)
	defer closeFn()

	// Seed a project note the pipeline can preload.
	rec := do(t, handler, http.MethodPost, "/api/entries", map[string]any{
		"scope":      "project",
		"type":       "factual",
		"content":    "all personal data must be encrypted at rest",
		"tags":       []string{"encryption", "pii"},
		"created_by": "operator",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("seed entry: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, handler, http.MethodPost, "/api/route", map[string]any{
		"text": "audit the gdpr compliance of our design and implement encryption for pii",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("route: %d %s", rec.Code, rec.Body.String())
	}
	var resp router.Response
	decode(t, rec, &resp)
	if resp.Text == "" {
		t.Fatalf("empty routed answer")
	}
	if resp.Degraded {
		t.Fatalf("routing degraded: %+v", resp)
	}
	if regexp.MustCompile(`\bTEAM-\d{3}\b`).MatchString(resp.Text) {
		t.Fatalf("handler identifier leaked into answer: %q", resp.Text)
	}
	if resp.Complexity != "complex" {
		t.Fatalf("compliance task classified as %s", resp.Complexity)
	}
	if len(resp.Stages) < 2 {
		t.Fatalf("expected a multi-stage plan, got %d stages", len(resp.Stages))
	}

	// The run left an episodic trace in the session scope.
	rec = do(t, handler, http.MethodGet, "/api/entries?scope=session&tag=task", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list traces: %d", rec.Code)
	}
	var traces []store.Entry
	decode(t, rec, &traces)
	if len(traces) == 0 {
		t.Fatalf("no episodic trace recorded")
	}
	if traces[0].Type != schema.TypeEpisodic {
		t.Fatalf("trace has type %s", traces[0].Type)
	}

	// Stage progress landed on the event streams.
	rec = do(t, handler, http.MethodGet, "/api/events?stream="+schema.StreamStageOutput, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list events: %d", rec.Code)
	}
	var events []eventbus.Event
	decode(t, rec, &events)
	if len(events) == 0 {
		t.Fatalf("no stage events recorded")
	}

	// A follow-up in the same session reuses it.
	rec = do(t, handler, http.MethodPost, "/api/route", map[string]any{
		"text":       "fix the login bug",
		"session_id": resp.SessionID,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("follow-up route: %d %s", rec.Code, rec.Body.String())
	}
	var followUp router.Response
	decode(t, rec, &followUp)
	if followUp.SessionID != resp.SessionID {
		t.Fatalf("session not reused: %s vs %s", followUp.SessionID, resp.SessionID)
	}

	// Sweeps run across every scope and leave an audit record.
	rec = do(t, handler, http.MethodPost, "/api/admin/cleanup", map[string]any{"policy": gc.PolicyExpiry})
	if rec.Code != http.StatusOK {
		t.Fatalf("cleanup: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, handler, http.MethodGet, "/api/sweeps", nil)
	var records []store.SweepRecord
	decode(t, rec, &records)
	if len(records) != len(schema.AllScopes) {
		t.Fatalf("expected %d sweep records, got %d", len(schema.AllScopes), len(records))
	}

	// Indices are consistent after routing and sweeping.
	rec = do(t, handler, http.MethodGet, "/api/admin/validate", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("validate: %d", rec.Code)
	}
	var report map[string][]string
	decode(t, rec, &report)
	for scope, lines := range report {
		if len(lines) != 0 {
			t.Fatalf("index inconsistencies in %s: %v", scope, lines)
		}
	}

	rec = do(t, handler, http.MethodDelete, "/api/sessions/"+resp.SessionID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("end session: %d", rec.Code)
	}
}
