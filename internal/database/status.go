// internal/database/status.go
package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"classroom-provisioner/internal/model"
)

const getStatus = `
SELECT state FROM provisioning_statuses
WHERE invitation_id = $1 AND user_id = $2
`

// GetStatus is a pure read. A pair that was never touched reports the initial state without
// writing a row.
func (q *Queries) GetStatus(ctx context.Context, key model.StatusKey) (model.ProvisioningState, error) {
	var state string
	err := q.db.QueryRow(ctx, getStatus, key.InvitationID, key.UserID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.StateUnaccepted, nil
	}
	if err != nil {
		return "", fmt.Errorf("get status: %w", err)
	}
	if st := model.ProvisioningState(state); st.Valid() {
		return st, nil
	}
	return "", fmt.Errorf("get status: unknown state %q", state)
}

const ensureStatus = `
INSERT INTO provisioning_statuses (invitation_id, user_id, state)
VALUES ($1, $2, 'unaccepted')
ON CONFLICT (invitation_id, user_id) DO NOTHING
`

// EnsureStatus creates the status row on first access and returns the current state.
func (q *Queries) EnsureStatus(ctx context.Context, key model.StatusKey) (model.ProvisioningState, error) {
	if _, err := q.db.Exec(ctx, ensureStatus, key.InvitationID, key.UserID); err != nil {
		return "", fmt.Errorf("ensure status: %w", err)
	}
	return q.GetStatus(ctx, key)
}

const compareAndSetStatus = `
UPDATE provisioning_statuses
SET state = $4, updated_at = now()
WHERE invitation_id = $1 AND user_id = $2 AND state = $3
`

// Leaving the initial state may have to create the row, so it is an upsert guarded on the
// existing row still being unaccepted.
const compareAndSetFromUnaccepted = `
INSERT INTO provisioning_statuses (invitation_id, user_id, state)
VALUES ($1, $2, $3)
ON CONFLICT (invitation_id, user_id) DO UPDATE
SET state = EXCLUDED.state, updated_at = now()
WHERE provisioning_statuses.state = 'unaccepted'
`

// CompareAndSetStatus moves the pair from one state to another only if it is still in the
// expected state. It reports false without writing when the state has moved on or the edge is
// not part of the state machine.
func (q *Queries) CompareAndSetStatus(ctx context.Context, key model.StatusKey, from, to model.ProvisioningState) (bool, error) {
	if !model.CanTransition(from, to) {
		return false, nil
	}

	var (
		tag pgconn.CommandTag
		err error
	)
	if from == model.StateUnaccepted {
		tag, err = q.db.Exec(ctx, compareAndSetFromUnaccepted, key.InvitationID, key.UserID, string(to))
	} else {
		tag, err = q.db.Exec(ctx, compareAndSetStatus, key.InvitationID, key.UserID, string(from), string(to))
	}
	if err != nil {
		return false, fmt.Errorf("compare and set status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
