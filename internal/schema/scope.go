package schema

import "strings"

// Scope is the visibility/ownership domain of a stored entry.
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopeTeam    Scope = "team"
	ScopeHandler Scope = "handler"
	ScopeProject Scope = "project"
	ScopeSession Scope = "session"
)

// AllScopes lists every scope, in sweep order.
var AllScopes = []Scope{ScopeGlobal, ScopeTeam, ScopeHandler, ScopeProject, ScopeSession}

// ParseScope validates a raw string. Returns false if raw is not a known scope.
func ParseScope(raw string) (Scope, bool) {
	s := Scope(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case ScopeGlobal, ScopeTeam, ScopeHandler, ScopeProject, ScopeSession:
		return s, true
	default:
		return "", false
	}
}
