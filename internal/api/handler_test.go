package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"classroom-provisioner/internal/events"
	"classroom-provisioner/internal/memstore"
	"classroom-provisioner/internal/model"
	"classroom-provisioner/internal/provision"
)

// MockRepositoryService is a mock of the provision.RepositoryService interface.
type MockRepositoryService struct {
	mock.Mock
}

func (m *MockRepositoryService) Create(ctx context.Context, spec model.RepoSpec) (model.ExternalRepo, error) {
	args := m.Called(ctx, spec)
	return args.Get(0).(model.ExternalRepo), args.Error(1)
}
func (m *MockRepositoryService) Exists(ctx context.Context, id int64, noCache bool) (bool, error) {
	args := m.Called(ctx, id, noCache)
	return args.Bool(0), args.Error(1)
}
func (m *MockRepositoryService) IsEmpty(ctx context.Context, id int64) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}
func (m *MockRepositoryService) Delete(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

var testInvitation = model.Invitation{
	ID:  7,
	Key: "a1b2c3",
	Assignment: model.Assignment{
		ID:             3,
		Slug:           "intro-to-go",
		Title:          "Intro to Go",
		OrgLogin:       "classroom",
		TemplateRepoID: 500,
		Kind:           model.AssignmentIndividual,
	},
}

var testUser = model.User{ID: 42, Login: "octocat"}

type testServer struct {
	store  *memstore.Store
	gh     *MockRepositoryService
	server *httptest.Server
	key    model.StatusKey
}

func setupTestServer(t *testing.T, resiliency bool, invs ...model.Invitation) *testServer {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	store := memstore.New()
	store.AddInvitation(testInvitation)
	for _, inv := range invs {
		store.AddInvitation(inv)
	}
	gh := new(MockRepositoryService)
	flags := provision.Options{Resiliency: resiliency}
	creator := provision.NewCreator(store, gh, logger, time.Second, true)
	svc := provision.NewService(store, creator, gh, flags, events.NewCounter(logger), logger, 3, time.Second)

	server := httptest.NewServer(NewRouter(store, svc, flags, HeaderAuthenticator{}, []string{"https://classroom.example.com"}, logger))
	t.Cleanup(server.Close)

	return &testServer{
		store:  store,
		gh:     gh,
		server: server,
		key:    model.StatusKey{InvitationID: testInvitation.ID, UserID: testUser.ID},
	}
}

// do sends an authenticated request without following redirects.
func (s *testServer) do(t *testing.T, method, path string, form url.Values) *http.Response {
	t.Helper()
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequest(method, s.server.URL+path, body)
	require.NoError(t, err)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set(HeaderUserID, "42")
	req.Header.Set(HeaderUserLogin, testUser.Login)

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestRouter_Basics(t *testing.T) {
	s := setupTestServer(t, false)

	t.Run("health", func(t *testing.T) {
		resp, err := http.Get(s.server.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("requires identity headers", func(t *testing.T) {
		resp, err := http.Get(s.server.URL + "/exercise-invitations/a1b2c3")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("unknown invitation", func(t *testing.T) {
		resp := s.do(t, http.MethodGet, "/exercise-invitations/nope", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("show records the status", func(t *testing.T) {
		resp := s.do(t, http.MethodGet, "/exercise-invitations/a1b2c3", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body invitationResponse
		decode(t, resp, &body)
		assert.Equal(t, "unaccepted", body.Status)
		assert.Equal(t, "Intro to Go", body.Assignment)
	})
}

func TestRouter_Accept(t *testing.T) {
	t.Run("creates inline and redirects to success", func(t *testing.T) {
		s := setupTestServer(t, false)
		s.gh.On("Create", mock.Anything, mock.MatchedBy(func(spec model.RepoSpec) bool {
			return spec.Name == "intro-to-go-octocat" && spec.Owner == "classroom" && spec.TemplateRepoID == 500
		})).Return(model.ExternalRepo{ID: 9001, FullName: "classroom/intro-to-go-octocat", HTMLURL: "https://github.com/classroom/intro-to-go-octocat"}, nil).Once()

		resp := s.do(t, http.MethodPatch, "/exercise-invitations/a1b2c3/accept", nil)

		assert.Equal(t, http.StatusFound, resp.StatusCode)
		assert.Equal(t, "/exercise-invitations/a1b2c3/success", resp.Header.Get("Location"))
		s.gh.AssertExpectations(t)
	})

	t.Run("sends the student to setup with resiliency on", func(t *testing.T) {
		s := setupTestServer(t, true)

		resp := s.do(t, http.MethodPatch, "/exercise-invitations/a1b2c3/accept", nil)

		assert.Equal(t, http.StatusFound, resp.StatusCode)
		assert.Equal(t, "/exercise-invitations/a1b2c3/setupv2", resp.Header.Get("Location"))
		s.gh.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	})
}

func TestRouter_CreateRepo(t *testing.T) {
	t.Run("not found with resiliency off", func(t *testing.T) {
		s := setupTestServer(t, false)

		resp := s.do(t, http.MethodPost, "/exercise-invitations/a1b2c3/create_repo", nil)

		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("starts a job for an accepted student", func(t *testing.T) {
		s := setupTestServer(t, true)
		s.store.SetStatus(s.key, model.StateAccepted)

		resp := s.do(t, http.MethodPost, "/exercise-invitations/a1b2c3/create_repo", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]interface{}
		decode(t, resp, &body)
		assert.Equal(t, map[string]interface{}{"job_started": true, "status": "waiting"}, body)

		progress := s.do(t, http.MethodGet, "/exercise-invitations/a1b2c3/progress", nil)
		var p progressResponse
		decode(t, progress, &p)
		assert.Equal(t, "creating_repo", p.Status)
	})
}

func TestRouter_Setup(t *testing.T) {
	t.Run("not found with resiliency off", func(t *testing.T) {
		s := setupTestServer(t, false)
		resp := s.do(t, http.MethodGet, "/exercise-invitations/a1b2c3/setupv2", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("redirects a completed student to success", func(t *testing.T) {
		s := setupTestServer(t, true)
		s.store.SetStatus(s.key, model.StateCompleted)

		resp := s.do(t, http.MethodGet, "/exercise-invitations/a1b2c3/setupv2", nil)

		assert.Equal(t, http.StatusFound, resp.StatusCode)
		assert.Equal(t, "/exercise-invitations/a1b2c3/success", resp.Header.Get("Location"))
	})

	t.Run("shows progress while creating", func(t *testing.T) {
		s := setupTestServer(t, true)
		s.store.SetStatus(s.key, model.StateCreatingRepo)

		resp := s.do(t, http.MethodGet, "/exercise-invitations/a1b2c3/setupv2", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body setupResponse
		decode(t, resp, &body)
		assert.Equal(t, "creating_repo", body.Status)
		assert.Equal(t, "/exercise-invitations/a1b2c3/progress", body.ProgressURL)
	})
}

func TestRouter_Success(t *testing.T) {
	t.Run("shows a repository that still exists", func(t *testing.T) {
		s := setupTestServer(t, false)
		s.store.SetStatus(s.key, model.StateCompleted)
		_, err := s.store.CreateAssignmentRepo(context.Background(), model.AssignmentRepo{
			AssignmentID: 3, UserID: 42, GithubRepoID: 9001,
			FullName: "classroom/intro-to-go-octocat", HTMLURL: "https://github.com/classroom/intro-to-go-octocat",
		})
		require.NoError(t, err)
		s.gh.On("Exists", mock.Anything, int64(9001), true).Return(true, nil).Once()

		resp := s.do(t, http.MethodGet, "/exercise-invitations/a1b2c3/success", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body successResponse
		decode(t, resp, &body)
		assert.Equal(t, "https://github.com/classroom/intro-to-go-octocat", body.RepoURL)
		s.gh.AssertExpectations(t)
	})

	t.Run("redirects an unaccepted student to the invitation", func(t *testing.T) {
		s := setupTestServer(t, false)

		resp := s.do(t, http.MethodGet, "/exercise-invitations/a1b2c3/success", nil)

		assert.Equal(t, http.StatusFound, resp.StatusCode)
		assert.Equal(t, "/exercise-invitations/a1b2c3", resp.Header.Get("Location"))
	})

	t.Run("sends the student to setup when the repository vanished", func(t *testing.T) {
		s := setupTestServer(t, true)
		s.store.SetStatus(s.key, model.StateCompleted)
		_, err := s.store.CreateAssignmentRepo(context.Background(), model.AssignmentRepo{
			AssignmentID: 3, UserID: 42, GithubRepoID: 9001,
		})
		require.NoError(t, err)
		s.gh.On("Exists", mock.Anything, int64(9001), true).Return(false, nil).Once()

		resp := s.do(t, http.MethodGet, "/exercise-invitations/a1b2c3/success", nil)

		assert.Equal(t, http.StatusFound, resp.StatusCode)
		assert.Equal(t, "/exercise-invitations/a1b2c3/setupv2", resp.Header.Get("Location"))
		assert.Len(t, s.store.Jobs(), 1)
	})
}

func TestRouter_Roster(t *testing.T) {
	rostered := model.Invitation{
		ID:  8,
		Key: "rostered",
		Assignment: model.Assignment{
			ID:             4,
			Slug:           "week-two",
			Title:          "Week Two",
			OrgLogin:       "classroom",
			TemplateRepoID: 501,
			Kind:           model.AssignmentIndividual,
			RosterID:       sql.NullInt64{Int64: 11, Valid: true},
		},
	}

	setup := func(t *testing.T) *testServer {
		s := setupTestServer(t, false, rostered)
		s.store.AddRosterEntry(model.RosterEntry{ID: 1, RosterID: 11, Identifier: "alice@example.edu"})
		s.store.AddRosterEntry(model.RosterEntry{ID: 2, RosterID: 11, Identifier: "bob@example.edu"})
		return s
	}

	t.Run("show redirects a student not on the roster", func(t *testing.T) {
		s := setup(t)

		resp := s.do(t, http.MethodGet, "/exercise-invitations/rostered", nil)

		assert.Equal(t, http.StatusFound, resp.StatusCode)
		assert.Equal(t, "/exercise-invitations/rostered/join_roster", resp.Header.Get("Location"))
	})

	t.Run("lists unclaimed entries", func(t *testing.T) {
		s := setup(t)

		resp := s.do(t, http.MethodGet, "/exercise-invitations/rostered/join_roster", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body rosterResponse
		decode(t, resp, &body)
		assert.Len(t, body.Entries, 2)
		assert.Empty(t, body.Flash)
	})

	t.Run("rejects an unknown entry with a flash", func(t *testing.T) {
		s := setup(t)

		resp := s.do(t, http.MethodPatch, "/exercise-invitations/rostered/join_roster", url.Values{"roster_entry_id": {"99"}})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body rosterResponse
		decode(t, resp, &body)
		assert.NotEmpty(t, body.Flash)
	})

	t.Run("binds a valid entry", func(t *testing.T) {
		s := setup(t)

		resp := s.do(t, http.MethodPatch, "/exercise-invitations/rostered/join_roster", url.Values{"roster_entry_id": {"2"}})

		assert.Equal(t, http.StatusFound, resp.StatusCode)
		assert.Equal(t, "/exercise-invitations/rostered", resp.Header.Get("Location"))

		show := s.do(t, http.MethodGet, "/exercise-invitations/rostered", nil)
		assert.Equal(t, http.StatusOK, show.StatusCode)
	})
}
