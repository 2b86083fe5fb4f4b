// internal/database/jobs.go
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	custom_errors "classroom-provisioner/internal/errors"
	"classroom-provisioner/internal/model"
)

const enqueueJob = `
INSERT INTO provisioning_jobs (id, invitation_key, assignment_id, user_id, user_login, max_attempts)
VALUES ($1, $2, $3, $4, $5, $6)
`

// EnqueueJob stores a pending job.
func (q *Queries) EnqueueJob(ctx context.Context, job model.ProvisionJob) error {
	if _, err := q.db.Exec(ctx, enqueueJob,
		job.ID, job.InvitationKey, job.AssignmentID, job.UserID, job.UserLogin, job.MaxAttempts,
	); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// A job is claimable when pending and due, or when a previous claim's lease ran out without the
// job being settled (the worker crashed). SKIP LOCKED lets concurrent workers claim distinct rows.
const claimJob = `
UPDATE provisioning_jobs
SET state = 'processing',
    attempts = attempts + 1,
    locked_until = now() + make_interval(secs => $1),
    updated_at = now()
WHERE id = (
    SELECT id FROM provisioning_jobs
    WHERE (state = 'pending' AND run_after <= now())
       OR (state = 'processing' AND locked_until < now())
    ORDER BY created_at
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
RETURNING id, invitation_key, assignment_id, user_id, user_login, attempts, max_attempts, last_error, created_at
`

// ClaimJob leases the oldest runnable job. ErrNotFound means the queue is idle.
func (q *Queries) ClaimJob(ctx context.Context, lease time.Duration) (model.ProvisionJob, error) {
	var j model.ProvisionJob
	err := q.db.QueryRow(ctx, claimJob, lease.Seconds()).Scan(
		&j.ID, &j.InvitationKey, &j.AssignmentID, &j.UserID, &j.UserLogin, &j.Attempts, &j.MaxAttempts, &j.LastError, &j.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ProvisionJob{}, custom_errors.ErrNotFound
	}
	if err != nil {
		return model.ProvisionJob{}, fmt.Errorf("claim job: %w", err)
	}
	return j, nil
}

const completeJob = `
UPDATE provisioning_jobs SET state = 'done', locked_until = NULL, updated_at = now()
WHERE id = $1
`

// CompleteJob settles a job successfully.
func (q *Queries) CompleteJob(ctx context.Context, id uuid.UUID) error {
	if _, err := q.db.Exec(ctx, completeJob, id); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

const retryJob = `
UPDATE provisioning_jobs
SET state = 'pending', last_error = $2, run_after = $3, locked_until = NULL, updated_at = now()
WHERE id = $1
`

// RetryJob puts a job back in the queue to run again after runAfter.
func (q *Queries) RetryJob(ctx context.Context, id uuid.UUID, lastError string, runAfter time.Time) error {
	if _, err := q.db.Exec(ctx, retryJob, id, lastError, runAfter); err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	return nil
}

const failJob = `
UPDATE provisioning_jobs SET state = 'failed', last_error = $2, locked_until = NULL, updated_at = now()
WHERE id = $1
`

// FailJob settles a job that exhausted its attempts.
func (q *Queries) FailJob(ctx context.Context, id uuid.UUID, lastError string) error {
	if _, err := q.db.Exec(ctx, failJob, id, lastError); err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}
