//go:build integration

package database

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	custom_errors "classroom-provisioner/internal/errors"
	"classroom-provisioner/internal/model"
)

func setupTestDatabase(ctx context.Context, t *testing.T) *pgxpool.Pool {
	t.Helper()

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("classroom"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, testcontainers.TerminateContainer(pgContainer))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	m, err := migrate.New("file://../../migrations", connStr)
	require.NoError(t, err)
	require.NoError(t, m.Up())

	dbpool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(dbpool.Close)

	_, err = dbpool.Exec(ctx, `
INSERT INTO organizations (id, github_login) VALUES (1, 'classroom');
INSERT INTO rosters (id) VALUES (11);
INSERT INTO roster_entries (id, roster_id, identifier) VALUES (1, 11, 'alice@example.edu'), (2, 11, 'bob@example.edu');
INSERT INTO assignments (id, organization_id, slug, title, template_repo_id, roster_id)
VALUES (3, 1, 'intro-to-go', 'Intro to Go', 500, 11);
INSERT INTO invitations (id, key, assignment_id) VALUES (7, 'a1b2c3', 3);
`)
	require.NoError(t, err)

	return dbpool
}

func TestQueries_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	q := New(setupTestDatabase(ctx, t))
	key := model.StatusKey{InvitationID: 7, UserID: 42}

	t.Run("loads an invitation with its assignment", func(t *testing.T) {
		inv, err := q.GetInvitationByKey(ctx, "a1b2c3")
		require.NoError(t, err)
		assert.Equal(t, "classroom", inv.Assignment.OrgLogin)
		assert.Equal(t, int64(500), inv.Assignment.TemplateRepoID)
		assert.Equal(t, int64(11), inv.Assignment.RosterID.Int64)

		_, err = q.GetInvitationByKey(ctx, "missing")
		assert.ErrorIs(t, err, custom_errors.ErrNotFound)
	})

	t.Run("status reads do not write and transitions compare and set", func(t *testing.T) {
		st, err := q.GetStatus(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, model.StateUnaccepted, st)

		ok, err := q.CompareAndSetStatus(ctx, key, model.StateAccepted, model.StateCreatingRepo)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = q.CompareAndSetStatus(ctx, key, model.StateUnaccepted, model.StateAccepted)
		require.NoError(t, err)
		assert.True(t, ok)

		// Skipping a state is never applied.
		ok, err = q.CompareAndSetStatus(ctx, key, model.StateAccepted, model.StateCompleted)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = q.CompareAndSetStatus(ctx, key, model.StateUnaccepted, model.StateAccepted)
		require.NoError(t, err)
		assert.False(t, ok)

		st, err = q.EnsureStatus(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, model.StateAccepted, st)
	})

	t.Run("only one caller wins a racing transition", func(t *testing.T) {
		raceKey := model.StatusKey{InvitationID: 7, UserID: 43}
		_, err := q.CompareAndSetStatus(ctx, raceKey, model.StateUnaccepted, model.StateAccepted)
		require.NoError(t, err)

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := q.CompareAndSetStatus(ctx, raceKey, model.StateAccepted, model.StateCreatingRepo)
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("allows one live repository per pair", func(t *testing.T) {
		first, err := q.CreateAssignmentRepo(ctx, model.AssignmentRepo{AssignmentID: 3, UserID: 42, GithubRepoID: 8485})
		require.NoError(t, err)

		_, err = q.CreateAssignmentRepo(ctx, model.AssignmentRepo{AssignmentID: 3, UserID: 42, GithubRepoID: 8486})
		assert.ErrorIs(t, err, custom_errors.ErrDuplicateLiveRepo)

		live, err := q.GetLiveAssignmentRepo(ctx, 3, 42)
		require.NoError(t, err)
		assert.Equal(t, first.ID, live.ID)

		require.NoError(t, q.DeleteAssignmentRepo(ctx, first.ID))
		_, err = q.GetLiveAssignmentRepo(ctx, 3, 42)
		assert.ErrorIs(t, err, custom_errors.ErrNotFound)

		second, err := q.CreateAssignmentRepo(ctx, model.AssignmentRepo{AssignmentID: 3, UserID: 42, GithubRepoID: 8486})
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, second.ID)
	})

	t.Run("binds roster entries once", func(t *testing.T) {
		require.NoError(t, q.BindRosterEntry(ctx, 11, 1, 42))

		assert.ErrorIs(t, q.BindRosterEntry(ctx, 11, 1, 43), custom_errors.ErrInvalidRosterEntry)
		assert.ErrorIs(t, q.BindRosterEntry(ctx, 11, 2, 42), custom_errors.ErrInvalidRosterEntry)

		onRoster, err := q.IsUserOnRoster(ctx, 11, 42)
		require.NoError(t, err)
		assert.True(t, onRoster)

		entries, err := q.ListUnboundRosterEntries(ctx, 11)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "bob@example.edu", entries[0].Identifier)
	})

	t.Run("claims jobs with a lease", func(t *testing.T) {
		job := model.ProvisionJob{ID: uuid.New(), InvitationKey: "a1b2c3", AssignmentID: 3, UserID: 42, UserLogin: "octocat", MaxAttempts: 3}
		require.NoError(t, q.EnqueueJob(ctx, job))

		claimed, err := q.ClaimJob(ctx, time.Second)
		require.NoError(t, err)
		assert.Equal(t, job.ID, claimed.ID)
		assert.Equal(t, 1, claimed.Attempts)

		_, err = q.ClaimJob(ctx, time.Second)
		assert.ErrorIs(t, err, custom_errors.ErrNotFound)

		// The lease runs out without the job being settled.
		time.Sleep(1500 * time.Millisecond)
		again, err := q.ClaimJob(ctx, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, job.ID, again.ID)
		assert.Equal(t, 2, again.Attempts)

		require.NoError(t, q.RetryJob(ctx, job.ID, "still pending", time.Now().Add(time.Hour)))
		_, err = q.ClaimJob(ctx, time.Minute)
		assert.ErrorIs(t, err, custom_errors.ErrNotFound)

		require.NoError(t, q.CompleteJob(ctx, job.ID))
	})
}
