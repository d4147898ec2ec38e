// Package router is the single entry point for task execution. Route takes
// a raw request and drives it through classification, planning, staged
// execution, synthesis, and sanitization, returning one unified response.
// Internal failures degrade the response; they are never narrated to the
// caller.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tanglehq/loom/internal/classify"
	"github.com/tanglehq/loom/internal/eventbus"
	"github.com/tanglehq/loom/internal/exec"
	"github.com/tanglehq/loom/internal/idgen"
	"github.com/tanglehq/loom/internal/plan"
	"github.com/tanglehq/loom/internal/registry"
	"github.com/tanglehq/loom/internal/schema"
	"github.com/tanglehq/loom/internal/store"
	"github.com/tanglehq/loom/internal/synth"
)

// taskRecordTTL bounds the episodic trace written after each routed task.
const taskRecordTTL = 30 * 24 * time.Hour

// defaultSessionIdleWindow is how long a session may sit without activity
// before it is flushed and dropped.
const defaultSessionIdleWindow = 30 * time.Minute

type Request struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id,omitempty"`
	Priority  string `json:"priority,omitempty"`
}

type Response struct {
	TaskID     string             `json:"task_id"`
	SessionID  string             `json:"session_id"`
	Text       string             `json:"text"`
	Complexity string             `json:"complexity"`
	Domains    []string           `json:"domains,omitempty"`
	Stages     []exec.StageResult `json:"stages,omitempty"`
	Degraded   bool               `json:"degraded"`
}

type Router struct {
	st  *store.Store
	bus *eventbus.Bus
	reg *registry.Registry

	classifier *classify.Classifier
	planner    *plan.Planner
	executor   *exec.Executor
	sanitizer  *synth.Sanitizer

	nowFn      func() time.Time
	log        *slog.Logger
	idleWindow time.Duration

	mu       sync.Mutex
	sessions map[string]*exec.Session
}

type Option func(*Router)

func WithClock(nowFn func() time.Time) Option {
	return func(r *Router) {
		if nowFn != nil {
			r.nowFn = nowFn
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(r *Router) {
		if log != nil {
			r.log = log
		}
	}
}

func WithExecutor(e *exec.Executor) Option {
	return func(r *Router) {
		if e != nil {
			r.executor = e
		}
	}
}

func WithPlanner(p *plan.Planner) Option {
	return func(r *Router) {
		if p != nil {
			r.planner = p
		}
	}
}

func WithClassifier(c *classify.Classifier) Option {
	return func(r *Router) {
		if c != nil {
			r.classifier = c
		}
	}
}

// WithSessionIdleWindow overrides how long an inactive session survives.
func WithSessionIdleWindow(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.idleWindow = d
		}
	}
}

func New(reg *registry.Registry, st *store.Store, bus *eventbus.Bus, opts ...Option) *Router {
	r := &Router{
		st:        st,
		bus:       bus,
		reg:       reg,
		sanitizer:  synth.NewSanitizer(),
		nowFn:      func() time.Time { return time.Now().UTC() },
		log:        slog.Default(),
		idleWindow: defaultSessionIdleWindow,
		sessions:   map[string]*exec.Session{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.classifier == nil {
		r.classifier = classify.New(reg)
	}
	if r.planner == nil {
		r.planner = plan.New(reg)
	}
	if r.executor == nil {
		r.executor = exec.New(reg, bus)
	}
	return r
}

// Route is total over well-formed requests: any non-empty text yields a
// response, falling back to the default handler and to a degraded generic
// answer rather than surfacing internal errors. Only input validation and
// context cancellation return an error.
func (r *Router) Route(ctx context.Context, req Request) (Response, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return Response{}, &store.ValidationError{Field: "text", Reason: "must not be empty"}
	}
	if req.Priority != "" && !schema.IsValidPriority(req.Priority) {
		return Response{}, &store.ValidationError{Field: "priority", Reason: fmt.Sprintf("%q is not a known priority", req.Priority)}
	}

	r.reapIdleSessions(ctx)
	session := r.session(req.SessionID)
	task := registry.Task{
		ID:        idgen.New(),
		SessionID: session.ID,
		Text:      text,
		Terms:     ExtractTerms(text),
		Priority:  req.Priority,
	}

	preload := r.preload(ctx, session, task.Terms)

	classified := r.classifier.Classify(task)
	taskPlan, err := r.planner.Build(task, classified)
	if err != nil {
		var planErr *plan.PlanningError
		if !errors.As(err, &planErr) {
			return Response{}, err
		}
		r.log.Warn("plan rejected, falling back to single stage", "task", task.ID, "reason", planErr.Reason)
		taskPlan = r.planner.SingleStageFallback(task, classified)
	}

	execResult, err := r.executor.Run(ctx, task, taskPlan, session, preload)
	if err != nil {
		return Response{}, err
	}

	merged := synth.Merge(execResult.Outputs)
	degraded := execResult.Degraded || merged.Degraded

	var answer string
	if execResult.TotalFailure || strings.TrimSpace(merged.Text) == "" {
		answer = synth.FallbackText
		degraded = true
	} else {
		sanitized, sanErr := r.sanitizer.Sanitize(merged.Text)
		answer = sanitized
		if sanErr != nil {
			degraded = true
			r.pushError(ctx, task, "sanitization exhausted its passes")
		}
	}

	r.recordTask(ctx, task, taskPlan, degraded)

	return Response{
		TaskID:     task.ID,
		SessionID:  session.ID,
		Text:       answer,
		Complexity: taskPlan.Complexity,
		Domains:    classified.Domains,
		Stages:     execResult.Stages,
		Degraded:   degraded,
	}, nil
}

// session returns the live session with the given id, or a fresh one when
// the id is empty or unknown.
func (r *Router) session(id string) *exec.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id != "" {
		if s, ok := r.sessions[id]; ok && s.IsActive() {
			s.Touch(r.nowFn())
			return s
		}
	}
	s := exec.NewSession(r.nowFn())
	r.sessions[s.ID] = s
	return s
}

// reapIdleSessions flushes and drops sessions past the inactivity window,
// so ephemeral sessions never accumulate between explicit teardowns.
func (r *Router) reapIdleSessions(ctx context.Context) {
	now := r.nowFn()

	r.mu.Lock()
	var expired []*exec.Session
	for id, s := range r.sessions {
		if now.Sub(s.LastActive()) > r.idleWindow {
			delete(r.sessions, id)
			expired = append(expired, s)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		if errs := s.Teardown(ctx, r.st); len(errs) > 0 {
			r.log.Warn("idle session teardown", "session", s.ID, "error", errors.Join(errs...))
		}
	}
}

// EndSession flushes the session's pending writes and deactivates it.
func (r *Router) EndSession(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return store.ErrNotFound
	}
	if errs := s.Teardown(ctx, r.st); len(errs) > 0 {
		return fmt.Errorf("session teardown: %w", errors.Join(errs...))
	}
	return nil
}

// SessionCount reports live sessions, for the health endpoint.
func (r *Router) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// preload pulls a bounded set of knowledge entries relevant to the task.
// Lookup failures only shrink the context, never fail the route.
func (r *Router) preload(ctx context.Context, session *exec.Session, terms []string) []registry.ContextEntry {
	var out []registry.ContextEntry
	var loadedIDs []string

	scopes := []schema.Scope{schema.ScopeSession, schema.ScopeProject}
	perScope := exec.MaxLoadedEntries / len(scopes)

	var tag string
	if len(terms) > 0 {
		tag = terms[0]
	}
	for _, scope := range scopes {
		cursor, err := r.st.Query(ctx, scope, store.Filter{Tag: tag, Limit: perScope})
		if err != nil {
			r.log.Warn("context preload failed", "scope", scope, "error", err)
			continue
		}
		entries, err := cursor.Collect()
		if err != nil {
			r.log.Warn("context preload failed", "scope", scope, "error", err)
			continue
		}
		for _, entry := range entries {
			out = append(out, registry.ContextEntry{ID: entry.ID, Content: entry.Content})
			loadedIDs = append(loadedIDs, entry.ID)
		}
	}
	session.NoteLoaded(loadedIDs)
	return out
}

// recordTask leaves an episodic trace of the routed task in session scope.
func (r *Router) recordTask(ctx context.Context, task registry.Task, taskPlan plan.Plan, degraded bool) {
	outcome := "completed"
	if degraded {
		outcome = "degraded"
	}
	entry := store.Entry{
		Scope:     schema.ScopeSession,
		Type:      schema.TypeEpisodic,
		Content:   fmt.Sprintf("task %s (%s, %d stages) %s: %s", task.ID, taskPlan.Complexity, len(taskPlan.Stages), outcome, firstLine(task.Text)),
		Tags:      []string{"task", outcome},
		Priority:  schema.PriorityLow,
		TTL:       taskRecordTTL,
		CreatedBy: "router",
	}
	if _, err := r.st.Put(ctx, entry); err != nil {
		r.log.Warn("task record write failed", "task", task.ID, "error", err)
	}
}

func (r *Router) pushError(ctx context.Context, task registry.Task, body string) {
	if r.bus == nil {
		return
	}
	_, _ = r.bus.Push(ctx, eventbus.EventInput{
		Stream:    schema.StreamErrors,
		ScopeType: "task",
		ScopeID:   task.ID,
		Subject:   fmt.Sprintf("Task %s degraded", task.ID),
		Body:      body,
		Metadata: map[string]any{
			schema.MetaKind:   "degraded",
			schema.MetaTaskID: task.ID,
		},
	})
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"but": {}, "by": {}, "for": {}, "if": {}, "in": {}, "is": {}, "it": {},
	"of": {}, "on": {}, "or": {}, "our": {}, "the": {}, "this": {},
	"that": {}, "to": {}, "was": {}, "we": {}, "with": {}, "you": {},
}

// ExtractTerms lowercases the text, strips punctuation, drops stopwords,
// and emits both single tokens and adjacent bigrams so multi-word trigger
// phrases can match.
func ExtractTerms(text string) []string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == ' ', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return ' '
		}
	}, text)

	fields := strings.Fields(cleaned)
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, skip := stopwords[f]; skip {
			continue
		}
		tokens = append(tokens, f)
	}

	terms := make([]string, 0, len(tokens)*2)
	seen := map[string]struct{}{}
	add := func(t string) {
		if _, dup := seen[t]; dup {
			return
		}
		seen[t] = struct{}{}
		terms = append(terms, t)
	}
	for i, tok := range tokens {
		add(tok)
		if i+1 < len(tokens) {
			add(tok + " " + tokens[i+1])
		}
	}
	return terms
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
