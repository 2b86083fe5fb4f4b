package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	custom_errors "classroom-provisioner/internal/errors"
	"classroom-provisioner/internal/model"
)

// maxNameAttempts bounds how many suffixed names are tried when GitHub reports a name clash.
const maxNameAttempts = 3

// Outcome is the kind of result a creation produced.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomePending
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomePending:
		return "pending"
	default:
		return "failed"
	}
}

// Result of a repository creation.
type Result struct {
	Outcome Outcome
	Repo    model.AssignmentRepo
	Reason  string
	Err     error
}

func success(repo model.AssignmentRepo) Result { return Result{Outcome: OutcomeSuccess, Repo: repo} }
func pending(repo model.AssignmentRepo) Result { return Result{Outcome: OutcomePending, Repo: repo} }
func failed(reason string, err error) Result {
	return Result{Outcome: OutcomeFailed, Reason: reason, Err: err}
}

// Creator returns the live repository of an (assignment, user) pair or generates exactly one.
//
// Callers racing on one pair inside this process share a single creation. Across processes the
// store's uniqueness rule on live rows decides the winner; the loser discards the repository it
// generated and adopts the winner's row.
type Creator struct {
	repos   RepoStore
	client  RepositoryService
	logger  *slog.Logger
	timeout time.Duration
	private bool

	group singleflight.Group
}

// NewCreator returns a Creator whose GitHub calls are bounded by timeout.
func NewCreator(repos RepoStore, client RepositoryService, logger *slog.Logger, timeout time.Duration, private bool) *Creator {
	return &Creator{
		repos:   repos,
		client:  client,
		logger:  logger,
		timeout: timeout,
		private: private,
	}
}

// CreateOrGet never returns an error value: infrastructure and GitHub failures become a failed
// Result so that callers can drive the state machine from it.
//
// The shared creation outlives the caller that started it: cancelling one request must not fail
// the other callers merged into it. GitHub calls stay bounded by the Creator timeout and the whole
// creation by twice that, leaving room to store the row.
func (c *Creator) CreateOrGet(ctx context.Context, assignment model.Assignment, user model.User) Result {
	key := fmt.Sprintf("%d:%d", assignment.ID, user.ID)
	v, _, _ := c.group.Do(key, func() (interface{}, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*c.timeout)
		defer cancel()
		return c.createOrGet(sctx, assignment, user), nil
	})
	return v.(Result)
}

func (c *Creator) createOrGet(ctx context.Context, assignment model.Assignment, user model.User) Result {
	logger := c.logger.With("assignment_id", assignment.ID, "user_id", user.ID)

	existing, err := c.repos.GetLiveAssignmentRepo(ctx, assignment.ID, user.ID)
	if err == nil {
		logger.Debug("Assignment repository already exists", "github_repo_id", existing.GithubRepoID)
		return success(existing)
	}
	if !errors.Is(err, custom_errors.ErrNotFound) {
		return failed("lookup", err)
	}

	ext, err := c.generate(ctx, assignment, user)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// GitHub may or may not have created the repository; the retry path sorts it out.
			logger.Warn("Repository generation timed out", "timeout", c.timeout)
			return failed("timeout", err)
		}
		logger.Error("Repository generation failed", "error", err)
		return failed("github", err)
	}

	row, err := c.repos.CreateAssignmentRepo(ctx, model.AssignmentRepo{
		AssignmentID: assignment.ID,
		UserID:       user.ID,
		GithubRepoID: ext.ID,
		FullName:     ext.FullName,
		HTMLURL:      ext.HTMLURL,
	})
	if errors.Is(err, custom_errors.ErrDuplicateLiveRepo) {
		winner, gerr := c.repos.GetLiveAssignmentRepo(ctx, assignment.ID, user.ID)
		if gerr != nil {
			c.discard(ctx, logger, ext.ID)
			return failed("lookup", gerr)
		}
		if winner.GithubRepoID != ext.ID {
			logger.Warn("Lost creation race, discarding generated repository",
				"github_repo_id", ext.ID, "winner_github_repo_id", winner.GithubRepoID)
			c.discard(ctx, logger, ext.ID)
		}
		return success(winner)
	}
	if err != nil {
		c.discard(ctx, logger, ext.ID)
		return failed("persist", err)
	}

	logger.Info("Assignment repository created", "github_repo_id", row.GithubRepoID, "repo", row.FullName)
	if ext.Pending {
		return pending(row)
	}
	return success(row)
}

// generate asks GitHub for the repository, trying a suffixed name when the base name is taken.
func (c *Creator) generate(ctx context.Context, assignment model.Assignment, user model.User) (model.ExternalRepo, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var err error
	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		var ext model.ExternalRepo
		ext, err = c.client.Create(callCtx, model.RepoSpec{
			TemplateRepoID: assignment.TemplateRepoID,
			Owner:          assignment.OrgLogin,
			Name:           RepoName(assignment, user, attempt),
			Private:        c.private,
		})
		if err == nil {
			return ext, nil
		}
		if !errors.Is(err, custom_errors.ErrRepoNameTaken) {
			break
		}
	}
	return model.ExternalRepo{}, err
}

// discard removes a repository generated for a row that could not be stored.
func (c *Creator) discard(ctx context.Context, logger *slog.Logger, githubRepoID int64) {
	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()
	if err := c.client.Delete(delCtx, githubRepoID); err != nil {
		logger.Error("Failed to discard orphaned repository", "github_repo_id", githubRepoID, "error", err)
	}
}

// RepoName is "<assignment-slug>-<login>", suffixed with a counter after the first attempt.
func RepoName(assignment model.Assignment, user model.User, attempt int) string {
	name := strings.ToLower(fmt.Sprintf("%s-%s", assignment.Slug, user.Login))
	if attempt > 0 {
		name = fmt.Sprintf("%s-%d", name, attempt)
	}
	return name
}
