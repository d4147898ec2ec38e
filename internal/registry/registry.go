// Package registry holds the static handler set. Descriptors are data:
// they arrive from a YAML document (an embedded default or an operator
// supplied file) and carry the trigger vocabulary the classifier scores
// against. The handler implementations themselves are a closed set wired
// at build time; nothing is dispatched dynamically.
package registry

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed registry.yaml
var defaultRegistryYAML []byte

const (
	StatusReady = "ready"
	StatusBusy  = "busy"
)

// MaxStatusLen bounds handler progress phrases; longer templates are
// rejected at load time.
const MaxStatusLen = 80

// TriggerTerm is one weighted keyword or phrase. Multi-word phrases carry
// their declared weight; the classifier additionally favors longer terms.
type TriggerTerm struct {
	Term   string  `yaml:"term" json:"term"`
	Weight float64 `yaml:"weight" json:"weight"`
}

// Descriptor describes one handler to the routing layer.
type Descriptor struct {
	ID              string        `yaml:"id" json:"id"`
	Domain          string        `yaml:"domain" json:"domain"`
	TriggerTerms    []TriggerTerm `yaml:"trigger_terms" json:"trigger_terms"`
	SupportOf       []string      `yaml:"support_of" json:"support_of,omitempty"`
	StatusTemplates []string      `yaml:"status_templates" json:"status_templates,omitempty"`
}

// Task is the unit of work flowing through the pipeline. Terms are the
// pre-extracted feature set the classifier consumes; Text is only carried
// for handlers and never re-analyzed.
type Task struct {
	ID        string   `json:"id"`
	SessionID string   `json:"session_id,omitempty"`
	Text      string   `json:"text"`
	Terms     []string `json:"terms"`
	Priority  string   `json:"priority,omitempty"`
}

// ContextEntry is a knowledge record preloaded for a handler.
type ContextEntry struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// Context is what a handler invocation sees beyond the task itself.
// Narrowed is set on the retry after a failure: handlers should do the
// cheapest defensible version of their work.
type Context struct {
	SessionID    string
	Entries      []ContextEntry
	PriorOutputs []Output
	Narrowed     bool
}

// Output is a handler's contribution, tagged by domain for the merge.
// Topic and Position let two handlers disagree detectably: outputs sharing
// a topic but not a position are in conflict, and the synthesizer keeps
// only the higher-ranked domain's recommendation. An empty topic never
// conflicts with anything.
type Output struct {
	HandlerID      string        `json:"handler_id"`
	Domain         string        `json:"domain"`
	Recommendation string        `json:"recommendation"`
	Topic          string        `json:"topic,omitempty"`
	Position       string        `json:"position,omitempty"`
	Status         string        `json:"status,omitempty"`
	DurationHint   time.Duration `json:"duration_hint,omitempty"`
}

// Handler is the capability contract. Implementations must be safe to
// invoke twice with the same task (the executor retries once on failure).
type Handler interface {
	ID() string
	Invoke(ctx context.Context, task Task, hc Context) (Output, error)
}

type slot struct {
	desc       Descriptor
	handler    Handler
	status     string
	lastActive time.Time
}

// Registry is the static handler table. Declaration order is preserved:
// the classifier's tie-break depends on it.
type Registry struct {
	mu        sync.RWMutex
	order     []string
	slots     map[string]*slot
	defaultID string
}

// Config is the YAML document shape.
type Config struct {
	DefaultHandler string       `yaml:"default_handler"`
	Handlers       []Descriptor `yaml:"handlers"`
}

// LoadConfig parses a registry document and validates descriptor shape.
func LoadConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse registry: %w", err)
	}
	if len(cfg.Handlers) == 0 {
		return Config{}, fmt.Errorf("registry declares no handlers")
	}
	seen := map[string]struct{}{}
	for _, desc := range cfg.Handlers {
		if strings.TrimSpace(desc.ID) == "" {
			return Config{}, fmt.Errorf("handler with empty id")
		}
		if _, dup := seen[desc.ID]; dup {
			return Config{}, fmt.Errorf("duplicate handler id %s", desc.ID)
		}
		seen[desc.ID] = struct{}{}
		if strings.TrimSpace(desc.Domain) == "" {
			return Config{}, fmt.Errorf("handler %s has no domain", desc.ID)
		}
		for _, tmpl := range desc.StatusTemplates {
			if len(tmpl) > MaxStatusLen {
				return Config{}, fmt.Errorf("handler %s status template exceeds %d chars", desc.ID, MaxStatusLen)
			}
		}
	}
	if cfg.DefaultHandler == "" {
		cfg.DefaultHandler = cfg.Handlers[0].ID
	}
	if _, ok := seen[cfg.DefaultHandler]; !ok {
		return Config{}, fmt.Errorf("default handler %s is not declared", cfg.DefaultHandler)
	}
	return cfg, nil
}

// New builds a registry from a config, binding each descriptor to its
// implementation. Descriptors without a build-time implementation get the
// built-in advisory handler for their domain.
func New(cfg Config, impls map[string]Handler) (*Registry, error) {
	r := &Registry{slots: map[string]*slot{}, defaultID: cfg.DefaultHandler}
	for _, desc := range cfg.Handlers {
		h := impls[desc.ID]
		if h == nil {
			h = newAdvisor(desc)
		}
		if h.ID() != desc.ID {
			return nil, fmt.Errorf("handler %s bound to implementation %s", desc.ID, h.ID())
		}
		r.order = append(r.order, desc.ID)
		r.slots[desc.ID] = &slot{desc: desc, handler: h, status: StatusReady}
	}
	return r, nil
}

// LoadDefault builds the registry from the embedded document, or from path
// if one is configured.
func LoadDefault(path string) (*Registry, error) {
	data := defaultRegistryYAML
	if path != "" {
		fileData, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read registry file: %w", err)
		}
		data = fileData
	}
	cfg, err := LoadConfig(data)
	if err != nil {
		return nil, err
	}
	return New(cfg, nil)
}

// Descriptors returns every descriptor in declaration order.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.slots[id].desc)
	}
	return out
}

// Describe returns one descriptor.
func (r *Registry) Describe(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.slots[id]
	if !ok {
		return Descriptor{}, false
	}
	return s.desc, true
}

// Handler returns the implementation bound to id.
func (r *Registry) Handler(id string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.slots[id]
	if !ok {
		return nil, false
	}
	return s.handler, true
}

// DefaultID is the fallback handler the classifier must select when nothing
// scores above threshold.
func (r *Registry) DefaultID() string {
	return r.defaultID
}

// DeclarationIndex returns the position of id in the registry document.
// Unknown ids sort last.
func (r *Registry) DeclarationIndex(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i, v := range r.order {
		if v == id {
			return i
		}
	}
	return len(r.order)
}

// Supporters returns the ids a handler declares in its support_of list,
// in declared order. Unknown targets are dropped.
func (r *Registry) Supporters(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.slots[id]
	if !ok {
		return nil
	}
	var out []string
	for _, target := range s.desc.SupportOf {
		if _, declared := r.slots[target]; declared {
			out = append(out, target)
		}
	}
	return out
}

// SetStatus transitions a handler between ready and busy.
func (r *Registry) SetStatus(id, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.slots[id]; ok {
		s.status = status
	}
}

// Status returns a handler's current status, defaulting to ready.
func (r *Registry) Status(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.slots[id]; ok {
		return s.status
	}
	return StatusReady
}

// MarkActive records that a handler just worked; the classifier uses
// recency as its final tie-break.
func (r *Registry) MarkActive(id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.slots[id]; ok {
		s.lastActive = at
	}
}

// LastActive returns when id last participated in a task.
func (r *Registry) LastActive(id string) time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.slots[id]; ok {
		return s.lastActive
	}
	return time.Time{}
}

// Domains returns every declared domain, sorted, for diagnostics.
func (r *Registry) Domains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := map[string]struct{}{}
	for _, s := range r.slots {
		set[s.desc.Domain] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
