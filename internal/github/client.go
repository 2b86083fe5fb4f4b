// internal/github/client.go
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"

	custom_errors "classroom-provisioner/internal/errors"
	"classroom-provisioner/internal/model"
)

const (
	// Total attempts for idempotent calls.
	maxRetries = 3

	defaultRetryDelay   = 500 * time.Millisecond
	defaultRateLimitPad = time.Second
)

// Client is a wrapper around the go-github client exposing the repository operations the
// provisioning workflow needs.
type Client struct {
	gh     *github.Client
	logger *slog.Logger

	retryDelay   time.Duration
	rateLimitPad time.Duration
}

// NewClient creates and configures a new Client instance.
// The provided token is used to create an authenticated http.Client. A non-empty baseURL points
// the client at a GitHub Enterprise (or test) API.
func NewClient(token, baseURL string, logger *slog.Logger) (*Client, error) {
	ctx := context.Background()
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	tc := oauth2.NewClient(ctx, ts)

	gh := github.NewClient(tc)
	if baseURL != "" {
		var err error
		gh, err = gh.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("configure github base url: %w", err)
		}
	}

	return &Client{
		gh:           gh,
		logger:       logger,
		retryDelay:   defaultRetryDelay,
		rateLimitPad: defaultRateLimitPad,
	}, nil
}

// Create generates a new repository from the template repository named in spec.
// Generation is never retried on server errors since GitHub may have created the repository
// before failing; only rate-limited requests, which GitHub rejects up front, are repeated.
func (c *Client) Create(ctx context.Context, spec model.RepoSpec) (model.ExternalRepo, error) {
	tmpl, err := c.getByID(ctx, spec.TemplateRepoID, false)
	if err != nil {
		return model.ExternalRepo{}, err
	}

	req := &github.TemplateRepoRequest{
		Name:    github.String(spec.Name),
		Owner:   github.String(spec.Owner),
		Private: github.Bool(spec.Private),
	}

	var (
		repo    *github.Repository
		pending bool
	)
	err = c.do(ctx, "create", spec.TemplateRepoID, isRateLimited, func() error {
		var err error
		repo, _, err = c.gh.Repositories.CreateFromTemplate(ctx, tmpl.GetOwner().GetLogin(), tmpl.GetName(), req)
		var accepted *github.AcceptedError
		if !errors.As(err, &accepted) {
			return err
		}
		// 202: GitHub is still copying the template, the body already describes the repository.
		repo = new(github.Repository)
		if err := json.Unmarshal(accepted.Raw, repo); err != nil {
			return retry.Unrecoverable(fmt.Errorf("decode accepted generation: %w", err))
		}
		pending = true
		return nil
	})
	if isNameTaken(err) {
		return model.ExternalRepo{}, fmt.Errorf("%s/%s: %w", spec.Owner, spec.Name, custom_errors.ErrRepoNameTaken)
	}
	if err != nil {
		return model.ExternalRepo{}, err
	}

	c.logger.Info("Generated repository from template",
		"template", tmpl.GetFullName(), "repo", repo.GetFullName(), "github_repo_id", repo.GetID(), "pending", pending)

	return model.ExternalRepo{
		ID:       repo.GetID(),
		FullName: repo.GetFullName(),
		HTMLURL:  repo.GetHTMLURL(),
		Pending:  pending,
	}, nil
}

// Exists reports whether the repository is still present on GitHub. With noCache set the
// request asks every intermediary to bypass cached responses.
func (c *Client) Exists(ctx context.Context, id int64, noCache bool) (bool, error) {
	_, err := c.getByID(ctx, id, noCache)
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// IsEmpty reports whether the repository holds nothing beyond the generated scaffold: an empty git
// history or a single commit. The reported size is not consulted since GitHub updates it lazily.
func (c *Client) IsEmpty(ctx context.Context, id int64) (bool, error) {
	repo, err := c.getByID(ctx, id, true)
	if err != nil {
		return false, err
	}
	var commits []*github.RepositoryCommit
	err = c.do(ctx, "list commits", id, isRetryable, func() error {
		var err error
		commits, _, err = c.gh.Repositories.ListCommits(ctx, repo.GetOwner().GetLogin(), repo.GetName(),
			&github.CommitsListOptions{ListOptions: github.ListOptions{PerPage: 2}})
		return err
	})
	if hasStatus(err, http.StatusConflict) {
		// GitHub answers 409 for a repository without any git history.
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return len(commits) <= 1, nil
}

// Delete removes the repository. A repository that is already gone counts as deleted.
func (c *Client) Delete(ctx context.Context, id int64) error {
	repo, err := c.getByID(ctx, id, true)
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	err = c.do(ctx, "delete", id, isRetryable, func() error {
		_, err := c.gh.Repositories.Delete(ctx, repo.GetOwner().GetLogin(), repo.GetName())
		return err
	})
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	c.logger.Info("Deleted repository", "repo", repo.GetFullName(), "github_repo_id", id)
	return nil
}

func (c *Client) getByID(ctx context.Context, id int64, noCache bool) (*github.Repository, error) {
	var repo *github.Repository
	err := c.do(ctx, "get", id, isRetryable, func() error {
		if !noCache {
			var err error
			repo, _, err = c.gh.Repositories.GetByID(ctx, id)
			return err
		}

		req, err := c.gh.NewRequest(http.MethodGet, fmt.Sprintf("repositories/%d", id), nil)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		req.Header.Set("Cache-Control", "no-cache, no-store")
		repo = new(github.Repository)
		_, err = c.gh.Do(ctx, req, repo)
		return err
	})
	return repo, err
}

// do runs fn with the client's retry policy and wraps the final failure in an ExternalError.
func (c *Client) do(ctx context.Context, op string, repoID int64, retryIf func(error) bool, fn func() error) error {
	attempts := 0
	err := retry.Do(
		func() error {
			attempts++
			return fn()
		},
		retry.Context(ctx),
		retry.Attempts(maxRetries),
		retry.Delay(c.retryDelay),
		retry.DelayType(c.delayFor),
		retry.RetryIf(retryIf),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("Retrying github request", "op", op, "github_repo_id", repoID, "attempt", n+1, "error", err)
		}),
	)
	if err == nil {
		return nil
	}
	return &custom_errors.ExternalError{Op: op, RepoID: repoID, Attempts: attempts, Err: err}
}

// delayFor waits out rate limits until GitHub's reset time and backs off exponentially otherwise.
func (c *Client) delayFor(n uint, err error, config *retry.Config) time.Duration {
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		wait := time.Until(rateErr.Rate.Reset.Time)
		if wait < 0 {
			wait = 0
		}
		return wait + c.rateLimitPad
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return abuseErr.GetRetryAfter() + c.rateLimitPad
	}
	return retry.BackOffDelay(n, err, config)
}

func isRateLimited(err error) bool {
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	return errors.As(err, &rateErr) || errors.As(err, &abuseErr)
}

// isRetryable accepts rate limits, 5xx responses and network timeouts.
func isRetryable(err error) bool {
	if isRateLimited(err) {
		return true
	}
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		return ghErr.Response.StatusCode >= http.StatusInternalServerError
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isNameTaken(err error) bool {
	var ghErr *github.ErrorResponse
	if !errors.As(err, &ghErr) || ghErr.Response == nil || ghErr.Response.StatusCode != http.StatusUnprocessableEntity {
		return false
	}
	if strings.Contains(ghErr.Message, "already exists") {
		return true
	}
	for _, e := range ghErr.Errors {
		if strings.Contains(e.Message, "already exists") {
			return true
		}
	}
	return false
}

func isNotFound(err error) bool {
	return hasStatus(err, http.StatusNotFound)
}

func hasStatus(err error, code int) bool {
	var ghErr *github.ErrorResponse
	return errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == code
}
