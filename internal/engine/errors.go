package engine

import (
	"fmt"
	"strings"

	"procureline/internal/domain"
)

// ValidationError is shared with the identity admin path.
type ValidationError = domain.ValidationError

// NotActionableError reports a request or task whose state does not permit
// the operation.
type NotActionableError struct {
	Reason string
}

func (e NotActionableError) Error() string {
	return "not actionable: " + e.Reason
}

// ConflictError reports a concurrent mutation; callers re-fetch and retry.
type ConflictError struct {
	Entity string
	ID     string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("%s %s was modified concurrently", e.Entity, e.ID)
}

// DuplicateBlockedError is returned when the duplicate guard blocks creation.
type DuplicateBlockedError struct {
	Matches []DuplicateMatch
}

func (e DuplicateBlockedError) Error() string {
	refs := make([]string, 0, len(e.Matches))
	for _, m := range e.Matches {
		refs = append(refs, fmt.Sprintf("%q matches %s", m.Description, m.MatchedPublicID))
	}
	return "duplicate request blocked: " + strings.Join(refs, "; ")
}
