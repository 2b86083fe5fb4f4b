// Package events carries the named counters the provisioning workflow emits.
package events

import (
	"context"
	"log/slog"
	"sync"
)

const (
	ExerciseInvitationAccept   = "exercise_invitation.accept"
	V2ExerciseInvitationAccept = "v2_exercise_invitation.accept"
	V2ExerciseRepoRetry        = "v2_exercise_repo.retry"
)

// Sink receives fire-and-forget counter increments.
type Sink interface {
	Increment(ctx context.Context, name string)
}

// Counter counts events in memory and logs each increment.
type Counter struct {
	logger *slog.Logger

	mu     sync.Mutex
	counts map[string]int64
}

// NewCounter returns a Counter logging through logger.
func NewCounter(logger *slog.Logger) *Counter {
	return &Counter{logger: logger, counts: make(map[string]int64)}
}

func (c *Counter) Increment(ctx context.Context, name string) {
	c.mu.Lock()
	c.counts[name]++
	n := c.counts[name]
	c.mu.Unlock()
	c.logger.InfoContext(ctx, "event", "name", name, "count", n)
}

// Count returns how often name was incremented.
func (c *Counter) Count(name string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[name]
}
