// internal/database/querier.go
package database

import (
	"context"
	"time"

	"github.com/google/uuid"

	"classroom-provisioner/internal/model"
)

// Querier is every store operation the provisioning service performs. Each method is a single
// atomic statement; none of them span a call to GitHub.
type Querier interface {
	// Provisioning status
	GetStatus(ctx context.Context, key model.StatusKey) (model.ProvisioningState, error)
	EnsureStatus(ctx context.Context, key model.StatusKey) (model.ProvisioningState, error)
	CompareAndSetStatus(ctx context.Context, key model.StatusKey, from, to model.ProvisioningState) (bool, error)

	// Assignment repositories
	GetLiveAssignmentRepo(ctx context.Context, assignmentID, userID int64) (model.AssignmentRepo, error)
	CreateAssignmentRepo(ctx context.Context, repo model.AssignmentRepo) (model.AssignmentRepo, error)
	DeleteAssignmentRepo(ctx context.Context, id int64) error

	// Invitations and rosters
	GetInvitationByKey(ctx context.Context, key string) (model.Invitation, error)
	IsUserOnRoster(ctx context.Context, rosterID, userID int64) (bool, error)
	ListUnboundRosterEntries(ctx context.Context, rosterID int64) ([]model.RosterEntry, error)
	BindRosterEntry(ctx context.Context, rosterID, entryID, userID int64) error

	// Job queue
	EnqueueJob(ctx context.Context, job model.ProvisionJob) error
	ClaimJob(ctx context.Context, lease time.Duration) (model.ProvisionJob, error)
	CompleteJob(ctx context.Context, id uuid.UUID) error
	RetryJob(ctx context.Context, id uuid.UUID, lastError string, runAfter time.Time) error
	FailJob(ctx context.Context, id uuid.UUID, lastError string) error
}

var _ Querier = (*Queries)(nil)
