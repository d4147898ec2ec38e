// Package api exposes the routing pipeline and the knowledge store over
// HTTP. Task routing has exactly one entry point: POST /api/route. The
// store endpoints are operator surface; sweeps run on their own schedule
// and can be triggered or dry-run through the admin endpoints.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tanglehq/loom/internal/eventbus"
	"github.com/tanglehq/loom/internal/gc"
	"github.com/tanglehq/loom/internal/registry"
	"github.com/tanglehq/loom/internal/router"
	"github.com/tanglehq/loom/internal/schema"
	"github.com/tanglehq/loom/internal/store"
)

type Server struct {
	Router    *router.Router
	Store     *store.Store
	Sweeper   *gc.Sweeper
	Bus       *eventbus.Bus
	Registry  *registry.Registry
	StartedAt time.Time
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/route", s.handleRoute)
	mux.HandleFunc("/api/entries", s.handleEntries)
	mux.HandleFunc("/api/entries/", s.handleEntryItem)
	mux.HandleFunc("/api/handlers", s.handleHandlers)
	mux.HandleFunc("/api/sessions/", s.handleSessionItem)
	mux.HandleFunc("/api/sweeps", s.handleSweeps)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/streams/ws", s.handleStreamWS)
	mux.HandleFunc("/api/admin/cleanup", s.handleAdminCleanup)
	mux.HandleFunc("/api/admin/validate", s.handleAdminValidate)
	mux.HandleFunc("/api/admin/rebuild", s.handleAdminRebuild)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"time":     time.Now().UTC(),
		"uptime":   time.Since(s.StartedAt).Round(time.Second).String(),
		"sessions": s.Router.SessionCount(),
	})
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req router.Request
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.Router.Route(r.Context(), req)
	if err != nil {
		if store.IsValidation(err) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// EntryInput is the creation shape. TTL is carried in seconds; zero means
// permanent.
type EntryInput struct {
	Scope      string   `json:"scope"`
	Type       string   `json:"type"`
	Content    string   `json:"content"`
	Tags       []string `json:"tags,omitempty"`
	Priority   string   `json:"priority,omitempty"`
	TTLSeconds int64    `json:"ttl_seconds,omitempty"`
	CreatedBy  string   `json:"created_by,omitempty"`
	References []string `json:"references,omitempty"`
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		scope, ok := schema.ParseScope(r.URL.Query().Get("scope"))
		if !ok {
			writeError(w, http.StatusBadRequest, errors.New("unknown or missing scope"))
			return
		}
		filter := store.Filter{
			Tag:   r.URL.Query().Get("tag"),
			Limit: parseInt(r.URL.Query().Get("limit"), 50),
		}
		if t := r.URL.Query().Get("type"); t != "" {
			entryType, ok := schema.ParseEntryType(t)
			if !ok {
				writeError(w, http.StatusBadRequest, errors.New("unknown entry type"))
				return
			}
			filter.Type = entryType
		}
		cursor, err := s.Store.Query(r.Context(), scope, filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		entries, err := cursor.Collect()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	case http.MethodPost:
		var input EntryInput
		if err := decodeJSON(r.Body, &input); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		entry := store.Entry{
			Scope:      schema.Scope(input.Scope),
			Type:       schema.EntryType(input.Type),
			Content:    input.Content,
			Tags:       input.Tags,
			Priority:   schema.Priority(input.Priority),
			TTL:        time.Duration(input.TTLSeconds) * time.Second,
			CreatedBy:  input.CreatedBy,
			References: input.References,
		}
		if entry.Priority == "" {
			entry.Priority = schema.PriorityMedium
		}
		saved, err := s.Store.Put(r.Context(), entry)
		if err != nil {
			if store.IsValidation(err) {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusCreated, saved)
	default:
		writeMethodNotAllowed(w)
	}
}

// handleEntryItem serves /api/entries/{id} and /api/entries/{id}/archive.
// Deletion is two-step: a live entry must be archived before it can be
// deleted, and protected entries refuse both unless forced.
func (s *Server) handleEntryItem(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/entries/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("entry"))
		return
	}
	id := segments[0]

	if len(segments) == 2 && segments[1] == "archive" {
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		reason := r.URL.Query().Get("reason")
		if reason == "" {
			reason = "operator request"
		}
		force := r.URL.Query().Get("force") == "true"
		if err := s.Store.Archive(r.Context(), id, reason, force); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"archived": id})
		return
	}
	if len(segments) != 1 {
		writeError(w, http.StatusNotFound, errNotFound("entry"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		entry, err := s.Store.Get(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			entry, err = s.Store.GetArchived(r.Context(), id)
		}
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entry)
	case http.MethodDelete:
		if err := s.Store.Delete(r.Context(), id); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleHandlers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	type handlerView struct {
		registry.Descriptor
		Status     string    `json:"status"`
		LastActive time.Time `json:"last_active,omitempty"`
	}
	descriptors := s.Registry.Descriptors()
	out := make([]handlerView, 0, len(descriptors))
	for _, desc := range descriptors {
		out = append(out, handlerView{
			Descriptor: desc,
			Status:     s.Registry.Status(desc.ID),
			LastActive: s.Registry.LastActive(desc.ID),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSessionItem(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/sessions/"), "/")
	if id == "" {
		writeError(w, http.StatusNotFound, errNotFound("session"))
		return
	}
	if r.Method != http.MethodDelete {
		writeMethodNotAllowed(w)
		return
	}
	if err := s.Router.EndSession(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, errNotFound("session"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ended": id})
}

func (s *Server) handleSweeps(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	records, err := s.Store.ListSweepRecords(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	stream := r.URL.Query().Get("stream")
	if stream == "" {
		writeError(w, http.StatusBadRequest, errors.New("stream parameter required"))
		return
	}
	events, err := s.Bus.List(r.Context(), stream, eventbus.ListOptions{
		Limit:     parseInt(r.URL.Query().Get("limit"), 100),
		ScopeType: r.URL.Query().Get("scope_type"),
		ScopeID:   r.URL.Query().Get("scope_id"),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

type cleanupRequest struct {
	Policy string `json:"policy"`
	Scope  string `json:"scope,omitempty"`
	DryRun bool   `json:"dry_run,omitempty"`
}

// handleAdminCleanup triggers one sweep policy, over a single scope when one
// is given, otherwise over every scope. Sweeps share the per-scope
// single-flight guard with the scheduler.
func (s *Server) handleAdminCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req cleanupRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Policy == "" {
		req.Policy = gc.PolicyExpiry
	}

	var records []store.SweepRecord
	var err error
	if req.Scope != "" {
		scope, ok := schema.ParseScope(req.Scope)
		if !ok {
			writeError(w, http.StatusBadRequest, errors.New("unknown scope"))
			return
		}
		var rec store.SweepRecord
		rec, err = s.Sweeper.Sweep(r.Context(), req.Policy, scope, req.DryRun)
		if err == nil {
			records = []store.SweepRecord{rec}
		}
	} else {
		records, err = s.Sweeper.SweepAll(r.Context(), req.Policy, req.DryRun)
	}
	if err != nil && records == nil {
		writeSweepError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"policy":  req.Policy,
		"scope":   req.Scope,
		"dry_run": req.DryRun,
		"records": records,
	})
}

func (s *Server) handleAdminValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	scopes := schema.AllScopes
	if raw := r.URL.Query().Get("scope"); raw != "" {
		scope, ok := schema.ParseScope(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, errors.New("unknown scope"))
			return
		}
		scopes = []schema.Scope{scope}
	}
	report := map[string][]string{}
	for _, scope := range scopes {
		inconsistencies, err := s.Store.ValidateIndices(r.Context(), scope)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		lines := make([]string, 0, len(inconsistencies))
		for _, inc := range inconsistencies {
			lines = append(lines, inc.String())
		}
		report[string(scope)] = lines
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleAdminRebuild(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	dryRun := r.URL.Query().Get("dry_run") == "true"

	var records []store.SweepRecord
	var err error
	if raw := r.URL.Query().Get("scope"); raw != "" {
		scope, ok := schema.ParseScope(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, errors.New("unknown scope"))
			return
		}
		var rec store.SweepRecord
		rec, err = s.Sweeper.FullRebuild(r.Context(), scope, dryRun)
		if err == nil {
			records = []store.SweepRecord{rec}
		}
	} else {
		records, err = s.Sweeper.SweepAll(r.Context(), gc.PolicyFullRebuild, dryRun)
	}
	if err != nil && records == nil {
		writeSweepError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"dry_run": dryRun,
		"records": records,
	})
}

// writeSweepError distinguishes a busy scope from a bad request.
func writeSweepError(w http.ResponseWriter, err error) {
	if errors.Is(err, gc.ErrSweepInFlight) {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeError(w, http.StatusBadRequest, err)
}

// writeStoreError maps store sentinels onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, store.ErrProtected):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, store.ErrNotArchived):
		writeError(w, http.StatusConflict, err)
	case store.IsValidation(err):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitComma(value string) []string {
	parts := strings.Split(value, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}
