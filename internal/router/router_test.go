package router_test

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/tanglehq/loom/internal/eventbus"
	"github.com/tanglehq/loom/internal/exec"
	"github.com/tanglehq/loom/internal/registry"
	"github.com/tanglehq/loom/internal/router"
	"github.com/tanglehq/loom/internal/schema"
	"github.com/tanglehq/loom/internal/store"
	"github.com/tanglehq/loom/internal/testutil"
)

var handlerIDPattern = regexp.MustCompile(`TEAM-\d{3}`)

func newTestRouter(t *testing.T) (*router.Router, *store.Store, func()) {
	t.Helper()
	db, closeFn := testutil.OpenTestDB(t)
	st := store.New(db)
	bus := eventbus.NewBus(db)
	reg, err := registry.LoadDefault("")
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	return router.New(reg, st, bus), st, closeFn
}

func TestRouteIsTotalOverWellFormedInput(t *testing.T) {
	r, _, closeFn := newTestRouter(t)
	defer closeFn()
	ctx := context.Background()

	inputs := []string{
		"help me understand this error",
		"design a data model for invoices",
		"fix the bug in the retry loop",
		"is our auth flow vulnerable to injection?",
		"completely unrelated gibberish xyzzy plugh",
		"audit the gdpr retention policy and fix the export code",
	}
	for _, text := range inputs {
		resp, err := r.Route(ctx, router.Request{Text: text})
		if err != nil {
			t.Fatalf("route %q: %v", text, err)
		}
		if strings.TrimSpace(resp.Text) == "" {
			t.Fatalf("route %q produced empty text", text)
		}
		if resp.TaskID == "" {
			t.Fatalf("route %q produced no task id", text)
		}
		if handlerIDPattern.MatchString(resp.Text) {
			t.Fatalf("internal handler id leaked for %q: %q", text, resp.Text)
		}
	}
}

func TestRouteRejectsMalformedRequests(t *testing.T) {
	r, _, closeFn := newTestRouter(t)
	defer closeFn()
	ctx := context.Background()

	if _, err := r.Route(ctx, router.Request{Text: "   "}); !store.IsValidation(err) {
		t.Fatalf("expected validation error for empty text, got %v", err)
	}
	if _, err := r.Route(ctx, router.Request{Text: "ok", Priority: "urgent"}); !store.IsValidation(err) {
		t.Fatalf("expected validation error for unknown priority, got %v", err)
	}
}

func TestRouteComplianceScenarioSpansStages(t *testing.T) {
	r, _, closeFn := newTestRouter(t)
	defer closeFn()

	resp, err := r.Route(context.Background(), router.Request{
		Text: "audit the gdpr compliance of our design and implement encryption for pii",
	})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if resp.Complexity != "complex" {
		t.Fatalf("expected complex plan, got %q", resp.Complexity)
	}
	if len(resp.Stages) < 2 {
		t.Fatalf("expected staged execution, got %d stages", len(resp.Stages))
	}
	if resp.Degraded {
		t.Fatalf("deterministic handlers should not degrade: %+v", resp)
	}
	if handlerIDPattern.MatchString(resp.Text) {
		t.Fatalf("handler id leaked: %q", resp.Text)
	}

	found := false
	for _, domain := range resp.Domains {
		if domain == "compliance" {
			found = true
		}
	}
	if !found {
		t.Fatalf("compliance domain missing: %v", resp.Domains)
	}
}

func TestRouteReusesSessions(t *testing.T) {
	r, _, closeFn := newTestRouter(t)
	defer closeFn()
	ctx := context.Background()

	first, err := r.Route(ctx, router.Request{Text: "help with the build"})
	if err != nil {
		t.Fatalf("first route: %v", err)
	}
	second, err := r.Route(ctx, router.Request{Text: "explain the failure", SessionID: first.SessionID})
	if err != nil {
		t.Fatalf("second route: %v", err)
	}
	if second.SessionID != first.SessionID {
		t.Fatalf("session not reused: %q vs %q", second.SessionID, first.SessionID)
	}

	if err := r.EndSession(ctx, first.SessionID); err != nil {
		t.Fatalf("end session: %v", err)
	}
	third, err := r.Route(ctx, router.Request{Text: "one more", SessionID: first.SessionID})
	if err != nil {
		t.Fatalf("third route: %v", err)
	}
	if third.SessionID == first.SessionID {
		t.Fatalf("ended session must not be reused")
	}
}

func TestRouteReapsIdleSessions(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	st := store.New(db)
	bus := eventbus.NewBus(db)
	reg, err := registry.LoadDefault("")
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}

	current := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }
	r := router.New(reg, st, bus,
		router.WithClock(clock),
		router.WithSessionIdleWindow(10*time.Minute),
		router.WithExecutor(exec.New(reg, bus, exec.WithClock(clock))),
	)
	ctx := context.Background()

	first, err := r.Route(ctx, router.Request{Text: "help with the build"})
	if err != nil {
		t.Fatalf("first route: %v", err)
	}
	if r.SessionCount() != 1 {
		t.Fatalf("expected 1 live session, got %d", r.SessionCount())
	}

	current = current.Add(11 * time.Minute)
	second, err := r.Route(ctx, router.Request{Text: "explain the failure"})
	if err != nil {
		t.Fatalf("second route: %v", err)
	}
	if second.SessionID == first.SessionID {
		t.Fatalf("idle session must not be handed out again")
	}
	if r.SessionCount() != 1 {
		t.Fatalf("idle session not reaped, %d live", r.SessionCount())
	}

	// Asking for the reaped id starts a fresh session rather than reviving it.
	third, err := r.Route(ctx, router.Request{Text: "one more", SessionID: first.SessionID})
	if err != nil {
		t.Fatalf("third route: %v", err)
	}
	if third.SessionID == first.SessionID {
		t.Fatalf("reaped session id came back to life")
	}
}

func TestRouteLeavesEpisodicTrace(t *testing.T) {
	r, st, closeFn := newTestRouter(t)
	defer closeFn()
	ctx := context.Background()

	if _, err := r.Route(ctx, router.Request{Text: "fix the flaky test"}); err != nil {
		t.Fatalf("route: %v", err)
	}

	cursor, err := st.Query(ctx, schema.ScopeSession, store.Filter{Tag: "task", Type: schema.TypeEpisodic})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	entries, err := cursor.Collect()
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one task record, got %d", len(entries))
	}
	if !strings.Contains(entries[0].Content, "fix the flaky test") {
		t.Fatalf("task record missing task text: %q", entries[0].Content)
	}
}

func TestExtractTerms(t *testing.T) {
	terms := router.ExtractTerms("Fix the Data Model, then audit GDPR compliance!")

	want := map[string]bool{
		"fix": false, "data model": false, "gdpr": false, "compliance": false,
	}
	for _, term := range terms {
		if _, ok := want[term]; ok {
			want[term] = true
		}
		if term != strings.ToLower(term) {
			t.Fatalf("term not lowercased: %q", term)
		}
	}
	for term, seen := range want {
		if !seen {
			t.Fatalf("expected term %q in %v", term, terms)
		}
	}
	for _, term := range terms {
		if term == "the" {
			t.Fatalf("stopword survived: %v", terms)
		}
	}
}
