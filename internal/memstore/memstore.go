// Package memstore keeps the provisioning tables in process memory. It mirrors the Postgres
// store's guarantees: compare-and-set status updates and at most one live assignment repository
// per (assignment, user).
package memstore

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"classroom-provisioner/internal/database"
	custom_errors "classroom-provisioner/internal/errors"
	"classroom-provisioner/internal/model"
)

type pairKey struct {
	assignmentID int64
	userID       int64
}

type jobRow struct {
	job         model.ProvisionJob
	state       string
	runAfter    time.Time
	lockedUntil time.Time
}

// Store is an in-memory database.Querier.
type Store struct {
	mu sync.Mutex

	now func() time.Time

	invitations map[string]model.Invitation
	statuses    map[model.StatusKey]model.ProvisioningState
	repos       []model.AssignmentRepo
	live        map[pairKey]int // index into repos
	nextRepoID  int64
	roster      map[int64][]model.RosterEntry
	jobs        []*jobRow
}

var _ database.Querier = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		now:         time.Now,
		invitations: make(map[string]model.Invitation),
		statuses:    make(map[model.StatusKey]model.ProvisioningState),
		live:        make(map[pairKey]int),
		roster:      make(map[int64][]model.RosterEntry),
	}
}

// AddInvitation registers an invitation for lookups.
func (s *Store) AddInvitation(inv model.Invitation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invitations[inv.Key] = inv
}

// AddRosterEntry registers a roster entry.
func (s *Store) AddRosterEntry(e model.RosterEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roster[e.RosterID] = append(s.roster[e.RosterID], e)
}

// SetStatus forces a state, bypassing the state machine. Used to seed fixtures.
func (s *Store) SetStatus(key model.StatusKey, state model.ProvisioningState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[key] = state
}

// AssignmentRepos returns every row, deleted ones included.
func (s *Store) AssignmentRepos() []model.AssignmentRepo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.AssignmentRepo(nil), s.repos...)
}

// Jobs returns the queued jobs in creation order with their queue state.
func (s *Store) Jobs() map[uuid.UUID]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uuid.UUID]string, len(s.jobs))
	for _, r := range s.jobs {
		out[r.job.ID] = r.state
	}
	return out
}

func (s *Store) GetStatus(_ context.Context, key model.StatusKey) (model.ProvisioningState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.statuses[key]; ok {
		return st, nil
	}
	return model.StateUnaccepted, nil
}

func (s *Store) EnsureStatus(_ context.Context, key model.StatusKey) (model.ProvisioningState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.statuses[key]; !ok {
		s.statuses[key] = model.StateUnaccepted
	}
	return s.statuses[key], nil
}

func (s *Store) CompareAndSetStatus(_ context.Context, key model.StatusKey, from, to model.ProvisioningState) (bool, error) {
	if !model.CanTransition(from, to) {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.statuses[key]
	if !ok {
		current = model.StateUnaccepted
	}
	if current != from {
		return false, nil
	}
	s.statuses[key] = to
	return true, nil
}

func (s *Store) GetLiveAssignmentRepo(_ context.Context, assignmentID, userID int64) (model.AssignmentRepo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.live[pairKey{assignmentID, userID}]
	if !ok {
		return model.AssignmentRepo{}, custom_errors.ErrNotFound
	}
	return s.repos[idx], nil
}

func (s *Store) CreateAssignmentRepo(_ context.Context, repo model.AssignmentRepo) (model.AssignmentRepo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey{repo.AssignmentID, repo.UserID}
	if _, ok := s.live[key]; ok {
		return model.AssignmentRepo{}, custom_errors.ErrDuplicateLiveRepo
	}
	s.nextRepoID++
	repo.ID = s.nextRepoID
	repo.DBCreatedAt = s.now()
	repo.DeletedAt = sql.NullTime{}
	s.repos = append(s.repos, repo)
	s.live[key] = len(s.repos) - 1
	return repo, nil
}

func (s *Store) DeleteAssignmentRepo(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.repos {
		r := &s.repos[i]
		if r.ID != id || r.DeletedAt.Valid {
			continue
		}
		r.DeletedAt = sql.NullTime{Time: s.now(), Valid: true}
		delete(s.live, pairKey{r.AssignmentID, r.UserID})
	}
	return nil
}

func (s *Store) GetInvitationByKey(_ context.Context, key string) (model.Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invitations[key]
	if !ok {
		return model.Invitation{}, custom_errors.ErrNotFound
	}
	return inv, nil
}

func (s *Store) IsUserOnRoster(_ context.Context, rosterID, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.roster[rosterID] {
		if e.UserID.Valid && e.UserID.Int64 == userID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) ListUnboundRosterEntries(_ context.Context, rosterID int64) ([]model.RosterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.RosterEntry
	for _, e := range s.roster[rosterID] {
		if !e.UserID.Valid {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out, nil
}

func (s *Store) BindRosterEntry(_ context.Context, rosterID, entryID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.roster[rosterID]
	for _, e := range entries {
		if e.UserID.Valid && e.UserID.Int64 == userID {
			return custom_errors.ErrInvalidRosterEntry
		}
	}
	for i := range entries {
		if entries[i].ID == entryID && !entries[i].UserID.Valid {
			entries[i].UserID = sql.NullInt64{Int64: userID, Valid: true}
			return nil
		}
	}
	return custom_errors.ErrInvalidRosterEntry
}

func (s *Store) EnqueueJob(_ context.Context, job model.ProvisionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.CreatedAt = s.now()
	s.jobs = append(s.jobs, &jobRow{job: job, state: "pending", runAfter: job.CreatedAt})
	return nil
}

func (s *Store) ClaimJob(_ context.Context, lease time.Duration) (model.ProvisionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, r := range s.jobs {
		due := r.state == "pending" && !r.runAfter.After(now)
		expired := r.state == "processing" && r.lockedUntil.Before(now)
		if !due && !expired {
			continue
		}
		r.state = "processing"
		r.job.Attempts++
		r.lockedUntil = now.Add(lease)
		return r.job, nil
	}
	return model.ProvisionJob{}, custom_errors.ErrNotFound
}

func (s *Store) CompleteJob(_ context.Context, id uuid.UUID) error {
	return s.settle(id, func(r *jobRow) { r.state = "done" })
}

func (s *Store) RetryJob(_ context.Context, id uuid.UUID, lastError string, runAfter time.Time) error {
	return s.settle(id, func(r *jobRow) {
		r.state = "pending"
		r.job.LastError = lastError
		r.runAfter = runAfter
	})
}

func (s *Store) FailJob(_ context.Context, id uuid.UUID, lastError string) error {
	return s.settle(id, func(r *jobRow) {
		r.state = "failed"
		r.job.LastError = lastError
	})
}

func (s *Store) settle(id uuid.UUID, fn func(*jobRow)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.jobs {
		if r.job.ID == id {
			fn(r)
			r.lockedUntil = time.Time{}
			return nil
		}
	}
	return custom_errors.ErrNotFound
}
