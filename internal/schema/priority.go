package schema

import "strings"

// Priority represents a validated entry/task priority level.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// ParsePriority validates a raw string. Defaults to PriorityMedium.
func ParsePriority(raw string) Priority {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "critical", "p0":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "medium":
		return PriorityMedium
	case "low":
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// IsValidPriority reports whether raw names a known priority exactly.
func IsValidPriority(raw string) bool {
	switch Priority(raw) {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	default:
		return false
	}
}

// Rank returns numeric priority (lower = higher).
// critical=0, high=1, medium=2, low=3.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Preempts returns true if a task at this priority may displace an
// in-flight stage of a task at other.
func (p Priority) Preempts(other Priority) bool {
	return p == PriorityCritical && other != PriorityCritical
}
