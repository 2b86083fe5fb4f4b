package provision

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	custom_errors "classroom-provisioner/internal/errors"
	"classroom-provisioner/internal/events"
	"classroom-provisioner/internal/memstore"
	"classroom-provisioner/internal/model"
)

type fakeRepo struct {
	fullName string
	empty    bool
}

// fakeGitHub is an in-memory RepositoryService.
type fakeGitHub struct {
	mu      sync.Mutex
	nextID  int64
	repos   map[int64]fakeRepo
	creates int
	deleted []int64

	createErr error
	existsErr error
	pending   bool
	// block makes Create wait until the context is done.
	block bool
	// Create calls wait on released until waitFor of them arrived.
	waitFor  int
	arrivals int
	released chan struct{}
	// entered is signalled when Create starts; Create then waits for gate to close.
	entered chan struct{}
	gate    chan struct{}
}

func newFakeGitHub() *fakeGitHub {
	return &fakeGitHub{nextID: 1000, repos: make(map[int64]fakeRepo)}
}

// holdCreates makes the first n Create calls wait for each other.
func (f *fakeGitHub) holdCreates(n int) {
	f.waitFor = n
	f.released = make(chan struct{})
}

func (f *fakeGitHub) seed(id int64, fullName string, empty bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repos[id] = fakeRepo{fullName: fullName, empty: empty}
}

func (f *fakeGitHub) Create(ctx context.Context, spec model.RepoSpec) (model.ExternalRepo, error) {
	if f.released != nil {
		f.mu.Lock()
		f.arrivals++
		if f.arrivals == f.waitFor {
			close(f.released)
		}
		f.mu.Unlock()
		<-f.released
	}
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
	if f.block {
		<-ctx.Done()
		return model.ExternalRepo{}, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return model.ExternalRepo{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return model.ExternalRepo{}, f.createErr
	}
	fullName := fmt.Sprintf("%s/%s", spec.Owner, spec.Name)
	for _, r := range f.repos {
		if r.fullName == fullName {
			return model.ExternalRepo{}, custom_errors.ErrRepoNameTaken
		}
	}
	f.creates++
	f.nextID++
	f.repos[f.nextID] = fakeRepo{fullName: fullName, empty: true}
	return model.ExternalRepo{
		ID:       f.nextID,
		FullName: fullName,
		HTMLURL:  "https://github.com/" + fullName,
		Pending:  f.pending,
	}, nil
}

func (f *fakeGitHub) Exists(_ context.Context, id int64, _ bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.existsErr != nil {
		return false, f.existsErr
	}
	_, ok := f.repos[id]
	return ok, nil
}

func (f *fakeGitHub) IsEmpty(_ context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.repos[id].empty, nil
}

func (f *fakeGitHub) Delete(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.repos, id)
	f.deleted = append(f.deleted, id)
	return nil
}

// remove deletes a repository behind the system's back.
func (f *fakeGitHub) remove(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.repos, id)
}

func (f *fakeGitHub) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

func (f *fakeGitHub) liveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.repos)
}

type fixture struct {
	store   *memstore.Store
	gh      *fakeGitHub
	events  *events.Counter
	creator *Creator
	svc     *Service
	inv     model.Invitation
	user    model.User
	key     model.StatusKey
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newFixture(t *testing.T, resiliency bool) *fixture {
	t.Helper()
	logger := testLogger()

	inv := model.Invitation{
		ID:  7,
		Key: "a1b2c3",
		Assignment: model.Assignment{
			ID:             3,
			Slug:           "intro-to-go",
			Title:          "Intro to Go",
			OrganizationID: 1,
			OrgLogin:       "classroom",
			TemplateRepoID: 500,
			Kind:           model.AssignmentIndividual,
		},
	}
	user := model.User{ID: 42, Login: "Octocat"}

	store := memstore.New()
	store.AddInvitation(inv)
	gh := newFakeGitHub()
	counter := events.NewCounter(logger)
	creator := NewCreator(store, gh, logger, time.Second, true)
	svc := NewService(store, creator, gh, Options{Resiliency: resiliency}, counter, logger, 3, time.Second)

	return &fixture{
		store:   store,
		gh:      gh,
		events:  counter,
		creator: creator,
		svc:     svc,
		inv:     inv,
		user:    user,
		key:     model.StatusKey{InvitationID: inv.ID, UserID: user.ID},
	}
}

func (f *fixture) state(t *testing.T) model.ProvisioningState {
	t.Helper()
	st, err := f.store.GetStatus(context.Background(), f.key)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	return st
}

func (f *fixture) liveRows() []model.AssignmentRepo {
	var out []model.AssignmentRepo
	for _, r := range f.store.AssignmentRepos() {
		if !r.DeletedAt.Valid {
			out = append(out, r)
		}
	}
	return out
}
