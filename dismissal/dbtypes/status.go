package dbtypes

import (
	"fmt"
	"strings"
)

// DismissalStatus is the queue state of a Dismissal.
type DismissalStatus string

const (
	StatusWaiting    DismissalStatus = "waiting"
	StatusSent       DismissalStatus = "sent"
	StatusCompleted  DismissalStatus = "completed"
	StatusHistorical DismissalStatus = "historical"
)

// Older clients used two other naming schemes for the same three states.
var legacyStatuses = map[string]DismissalStatus{
	"queued":    StatusWaiting,
	"at_cone":   StatusSent,
	"loading":   StatusSent,
	"dismissed": StatusCompleted,
}

// ParseDismissalStatus accepts canonical and legacy status names.
func ParseDismissalStatus(s string) (DismissalStatus, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch DismissalStatus(s) {
	case StatusWaiting, StatusSent, StatusCompleted, StatusHistorical:
		return DismissalStatus(s), nil
	}
	if st, ok := legacyStatuses[s]; ok {
		return st, nil
	}
	return "", fmt.Errorf("unknown dismissal status %q", s)
}

// CanTransition reports whether a dismissal may move from one status to
// another.  Historical is terminal.
func CanTransition(from, to DismissalStatus) bool {
	if from == StatusHistorical {
		return false
	}
	switch to {
	case StatusHistorical:
		return true
	case StatusSent:
		return from == StatusWaiting
	case StatusWaiting:
		return from == StatusSent
	case StatusCompleted:
		return from == StatusWaiting || from == StatusSent
	}
	return false
}
