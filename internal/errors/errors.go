// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrFeatureDisabled is returned by resiliency-only operations while the flag is off.
	ErrFeatureDisabled = errors.New("feature disabled")

	// ErrConflictingTransition is returned when a compare-and-set status update found a different
	// state than expected, or the requested edge is not part of the state machine.
	ErrConflictingTransition = errors.New("conflicting status transition")

	// ErrDuplicateLiveRepo signals a second live assignment repository for one (assignment, user).
	ErrDuplicateLiveRepo = errors.New("duplicate live assignment repository")

	// ErrRepoNameTaken is returned when GitHub refuses a repository name that already exists.
	ErrRepoNameTaken = errors.New("repository name already taken")

	// ErrInvalidRosterEntry is returned when a roster entry id does not belong to the roster or is taken.
	ErrInvalidRosterEntry = errors.New("invalid roster entry")
)

// ExternalError wraps a failed call to the repository hosting service.
type ExternalError struct {
	Op       string
	RepoID   int64
	Attempts int
	Err      error
}

func (e *ExternalError) Error() string {
	if e.RepoID != 0 {
		return fmt.Sprintf("github %s (repo %d) failed after %d attempts: %v", e.Op, e.RepoID, e.Attempts, e.Err)
	}
	return fmt.Sprintf("github %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExternalError) Unwrap() error {
	return e.Err
}

// ErrInvalidConfig is returned when a configuration value fails validation.
type ErrInvalidConfig struct {
	Field string
	Rule  string
}

func (e *ErrInvalidConfig) Error() string {
	return fmt.Sprintf("invalid configuration: %s failed %q", e.Field, e.Rule)
}
