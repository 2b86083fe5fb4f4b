// internal/database/invitations.go
package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	custom_errors "classroom-provisioner/internal/errors"
	"classroom-provisioner/internal/model"
)

const getInvitationByKey = `
SELECT i.id, i.key,
       a.id, a.slug, a.title, a.organization_id, o.github_login, a.template_repo_id, a.kind, a.roster_id
FROM invitations i
JOIN assignments a ON a.id = i.assignment_id
JOIN organizations o ON o.id = a.organization_id
WHERE i.key = $1
`

// GetInvitationByKey loads an invitation together with its assignment and organization.
func (q *Queries) GetInvitationByKey(ctx context.Context, key string) (model.Invitation, error) {
	var (
		inv  model.Invitation
		kind string
	)
	a := &inv.Assignment
	err := q.db.QueryRow(ctx, getInvitationByKey, key).Scan(
		&inv.ID, &inv.Key,
		&a.ID, &a.Slug, &a.Title, &a.OrganizationID, &a.OrgLogin, &a.TemplateRepoID, &kind, &a.RosterID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Invitation{}, custom_errors.ErrNotFound
	}
	if err != nil {
		return model.Invitation{}, fmt.Errorf("get invitation %q: %w", key, err)
	}
	a.Kind = model.AssignmentKind(kind)
	return inv, nil
}

const isUserOnRoster = `
SELECT EXISTS (SELECT 1 FROM roster_entries WHERE roster_id = $1 AND user_id = $2)
`

// IsUserOnRoster reports whether the user is already bound to an entry of the roster.
func (q *Queries) IsUserOnRoster(ctx context.Context, rosterID, userID int64) (bool, error) {
	var ok bool
	if err := q.db.QueryRow(ctx, isUserOnRoster, rosterID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("check roster membership: %w", err)
	}
	return ok, nil
}

const listUnboundRosterEntries = `
SELECT id, roster_id, identifier, user_id FROM roster_entries
WHERE roster_id = $1 AND user_id IS NULL
ORDER BY identifier
`

// ListUnboundRosterEntries returns the entries a student can still claim.
func (q *Queries) ListUnboundRosterEntries(ctx context.Context, rosterID int64) ([]model.RosterEntry, error) {
	rows, err := q.db.Query(ctx, listUnboundRosterEntries, rosterID)
	if err != nil {
		return nil, fmt.Errorf("list roster entries: %w", err)
	}
	defer rows.Close()

	var entries []model.RosterEntry
	for rows.Next() {
		var e model.RosterEntry
		if err := rows.Scan(&e.ID, &e.RosterID, &e.Identifier, &e.UserID); err != nil {
			return nil, fmt.Errorf("scan roster entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

const bindRosterEntry = `
UPDATE roster_entries SET user_id = $3
WHERE id = $2 AND roster_id = $1 AND user_id IS NULL
`

// BindRosterEntry claims an unbound roster entry for the user.
func (q *Queries) BindRosterEntry(ctx context.Context, rosterID, entryID, userID int64) error {
	tag, err := q.db.Exec(ctx, bindRosterEntry, rosterID, entryID, userID)
	if isUniqueViolation(err) {
		return custom_errors.ErrInvalidRosterEntry
	}
	if err != nil {
		return fmt.Errorf("bind roster entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return custom_errors.ErrInvalidRosterEntry
	}
	return nil
}
