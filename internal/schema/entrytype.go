package schema

import "strings"

// EntryType classifies what kind of knowledge an entry holds.
type EntryType string

const (
	TypeFactual    EntryType = "factual"
	TypeProcedural EntryType = "procedural"
	TypeSemantic   EntryType = "semantic"
	TypeEpisodic   EntryType = "episodic"
	TypeWorking    EntryType = "working"
)

// ParseEntryType validates a raw string. Returns false if raw is not a known type.
func ParseEntryType(raw string) (EntryType, bool) {
	t := EntryType(strings.ToLower(strings.TrimSpace(raw)))
	switch t {
	case TypeFactual, TypeProcedural, TypeSemantic, TypeEpisodic, TypeWorking:
		return t, true
	default:
		return "", false
	}
}
