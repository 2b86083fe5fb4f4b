// Package provision drives a student's repository through its lifecycle: redemption, background
// creation with retry, and reconciliation against GitHub.
package provision

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	custom_errors "classroom-provisioner/internal/errors"
	"classroom-provisioner/internal/events"
	"classroom-provisioner/internal/model"
)

// RepositoryService is the subset of the GitHub API the workflow calls.
type RepositoryService interface {
	Create(ctx context.Context, spec model.RepoSpec) (model.ExternalRepo, error)
	Exists(ctx context.Context, id int64, noCache bool) (bool, error)
	IsEmpty(ctx context.Context, id int64) (bool, error)
	Delete(ctx context.Context, id int64) error
}

// StatusStore holds one provisioning state per (invitation, user).
type StatusStore interface {
	GetStatus(ctx context.Context, key model.StatusKey) (model.ProvisioningState, error)
	CompareAndSetStatus(ctx context.Context, key model.StatusKey, from, to model.ProvisioningState) (bool, error)
}

// RepoStore holds assignment repository rows.
type RepoStore interface {
	GetLiveAssignmentRepo(ctx context.Context, assignmentID, userID int64) (model.AssignmentRepo, error)
	CreateAssignmentRepo(ctx context.Context, repo model.AssignmentRepo) (model.AssignmentRepo, error)
	DeleteAssignmentRepo(ctx context.Context, id int64) error
}

// Enqueuer hands a job to the background queue. Delivery is at-least-once.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, job model.ProvisionJob) error
}

// Store is everything the Service reads and writes.
type Store interface {
	StatusStore
	RepoStore
	Enqueuer
	GetInvitationByKey(ctx context.Context, key string) (model.Invitation, error)
}

// Flags answers feature-flag questions once per request or job.
type Flags interface {
	ResiliencyEnabled(ctx context.Context, user model.User) bool
}

// Options is a static Flags implementation.
type Options struct {
	Resiliency bool
}

func (o Options) ResiliencyEnabled(context.Context, model.User) bool { return o.Resiliency }

// RepoCreator returns the pair's repository, creating it if needed.
type RepoCreator interface {
	CreateOrGet(ctx context.Context, assignment model.Assignment, user model.User) Result
}

// Service implements the redemption, asynchronous provisioning, worker and reconciliation
// operations on top of a Store, a RepoCreator and GitHub.
type Service struct {
	store       Store
	creator     RepoCreator
	client      RepositoryService
	flags       Flags
	events      events.Sink
	logger      *slog.Logger
	maxAttempts int
	timeout     time.Duration
}

// NewService wires a Service. maxAttempts bounds how often a queued job is delivered; timeout
// bounds each cleanup or reconciliation call to GitHub.
func NewService(store Store, creator RepoCreator, client RepositoryService, flags Flags, sink events.Sink, logger *slog.Logger, maxAttempts int, timeout time.Duration) *Service {
	return &Service{
		store:       store,
		creator:     creator,
		client:      client,
		flags:       flags,
		events:      sink,
		logger:      logger,
		maxAttempts: maxAttempts,
		timeout:     timeout,
	}
}

// GetProgress returns the pair's current state. It never writes.
func (s *Service) GetProgress(ctx context.Context, inv model.Invitation, user model.User) (model.ProvisioningState, error) {
	return s.store.GetStatus(ctx, statusKey(inv, user))
}

// transition applies a compare-and-set. A lost race is logged and reported as
// ErrConflictingTransition; the caller decides whether that matters.
func (s *Service) transition(ctx context.Context, key model.StatusKey, from, to model.ProvisioningState) error {
	ok, err := s.store.CompareAndSetStatus(ctx, key, from, to)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Info("Status transition skipped",
			"invitation_id", key.InvitationID, "user_id", key.UserID, "from", from, "to", to)
		return fmt.Errorf("%s -> %s: %w", from, to, custom_errors.ErrConflictingTransition)
	}
	s.logger.Debug("Status transition applied",
		"invitation_id", key.InvitationID, "user_id", key.UserID, "from", from, "to", to)
	return nil
}

func (s *Service) newJob(inv model.Invitation, user model.User) model.ProvisionJob {
	return model.ProvisionJob{
		ID:            uuid.New(),
		InvitationKey: inv.Key,
		AssignmentID:  inv.Assignment.ID,
		UserID:        user.ID,
		UserLogin:     user.Login,
		MaxAttempts:   s.maxAttempts,
	}
}

func statusKey(inv model.Invitation, user model.User) model.StatusKey {
	return model.StatusKey{InvitationID: inv.ID, UserID: user.ID}
}
