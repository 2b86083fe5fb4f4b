// internal/database/assignment_repos.go
package database

import (
	"context"
	"fmt"

	custom_errors "classroom-provisioner/internal/errors"
	"classroom-provisioner/internal/model"
)

const getLiveAssignmentRepo = `
SELECT id, assignment_id, user_id, github_repo_id, full_name, html_url, created_at, deleted_at
FROM assignment_repos
WHERE assignment_id = $1 AND user_id = $2 AND deleted_at IS NULL
ORDER BY id
LIMIT 2
`

// GetLiveAssignmentRepo returns the one non-deleted repository of the pair.
func (q *Queries) GetLiveAssignmentRepo(ctx context.Context, assignmentID, userID int64) (model.AssignmentRepo, error) {
	rows, err := q.db.Query(ctx, getLiveAssignmentRepo, assignmentID, userID)
	if err != nil {
		return model.AssignmentRepo{}, fmt.Errorf("get live assignment repo: %w", err)
	}
	defer rows.Close()

	var found []model.AssignmentRepo
	for rows.Next() {
		var r model.AssignmentRepo
		if err := rows.Scan(&r.ID, &r.AssignmentID, &r.UserID, &r.GithubRepoID, &r.FullName, &r.HTMLURL, &r.DBCreatedAt, &r.DeletedAt); err != nil {
			return model.AssignmentRepo{}, fmt.Errorf("scan assignment repo: %w", err)
		}
		found = append(found, r)
	}
	if err := rows.Err(); err != nil {
		return model.AssignmentRepo{}, fmt.Errorf("get live assignment repo: %w", err)
	}

	switch len(found) {
	case 0:
		return model.AssignmentRepo{}, custom_errors.ErrNotFound
	case 1:
		return found[0], nil
	default:
		return model.AssignmentRepo{}, fmt.Errorf("assignment %d user %d: %w", assignmentID, userID, custom_errors.ErrDuplicateLiveRepo)
	}
}

const createAssignmentRepo = `
INSERT INTO assignment_repos (assignment_id, user_id, github_repo_id, full_name, html_url)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, created_at
`

// CreateAssignmentRepo inserts a live repository row. A second live row for the same pair
// violates assignment_repos_live_idx and is reported as ErrDuplicateLiveRepo.
func (q *Queries) CreateAssignmentRepo(ctx context.Context, repo model.AssignmentRepo) (model.AssignmentRepo, error) {
	err := q.db.QueryRow(ctx, createAssignmentRepo,
		repo.AssignmentID, repo.UserID, repo.GithubRepoID, repo.FullName, repo.HTMLURL,
	).Scan(&repo.ID, &repo.DBCreatedAt)
	if isUniqueViolation(err) {
		return model.AssignmentRepo{}, custom_errors.ErrDuplicateLiveRepo
	}
	if err != nil {
		return model.AssignmentRepo{}, fmt.Errorf("create assignment repo: %w", err)
	}
	return repo, nil
}

const deleteAssignmentRepo = `
UPDATE assignment_repos SET deleted_at = now()
WHERE id = $1 AND deleted_at IS NULL
`

// DeleteAssignmentRepo soft-deletes the row. Deleting twice is not an error.
func (q *Queries) DeleteAssignmentRepo(ctx context.Context, id int64) error {
	if _, err := q.db.Exec(ctx, deleteAssignmentRepo, id); err != nil {
		return fmt.Errorf("delete assignment repo: %w", err)
	}
	return nil
}
