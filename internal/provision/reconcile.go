package provision

import (
	"context"
	"errors"

	custom_errors "classroom-provisioner/internal/errors"
	"classroom-provisioner/internal/model"
)

// ReconcileResult tells the success handler what to render.
type ReconcileResult struct {
	Repo model.AssignmentRepo
	// RedirectSetup is set when a replacement is being built in the background.
	RedirectSetup bool
	// Failed is set when an inline replacement could not be created.
	Failed bool
	Status model.ProvisioningState
}

// Reconcile verifies the pair's repository still exists on GitHub before the success page shows
// it, and provisions a replacement when it does not. GitHub is asked with a no-store request so a
// cached answer cannot hide a deletion.
func (s *Service) Reconcile(ctx context.Context, inv model.Invitation, user model.User) (ReconcileResult, error) {
	key := statusKey(inv, user)
	logger := s.logger.With("invitation", inv.Key, "user_id", user.ID)

	state, err := s.store.GetStatus(ctx, key)
	if err != nil {
		return ReconcileResult{}, err
	}

	repo, err := s.store.GetLiveAssignmentRepo(ctx, inv.Assignment.ID, user.ID)
	switch {
	case err == nil:
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		exists, err := s.client.Exists(callCtx, repo.GithubRepoID, true)
		cancel()
		if err != nil {
			// Unknown is not missing; show what we have.
			logger.Warn("Could not verify repository on GitHub", "github_repo_id", repo.GithubRepoID, "error", err)
			return ReconcileResult{Repo: repo, Status: state}, nil
		}
		if exists {
			return ReconcileResult{Repo: repo, Status: state}, nil
		}
		logger.Info("Repository missing on GitHub, replacing it", "github_repo_id", repo.GithubRepoID)
		if err := s.store.DeleteAssignmentRepo(ctx, repo.ID); err != nil {
			return ReconcileResult{}, err
		}
	case errors.Is(err, custom_errors.ErrNotFound):
		if state != model.StateCompleted {
			return ReconcileResult{Status: state}, nil
		}
		logger.Warn("Completed pair has no repository record, replacing it")
	default:
		return ReconcileResult{}, err
	}

	if s.flags.ResiliencyEnabled(ctx, user) {
		res, err := s.enqueue(ctx, inv, user, model.StateCompleted)
		if err != nil {
			return ReconcileResult{}, err
		}
		return ReconcileResult{RedirectSetup: true, Status: model.ProvisioningState(res.Status)}, nil
	}
	return s.replaceInline(ctx, inv, user)
}

func (s *Service) replaceInline(ctx context.Context, inv model.Invitation, user model.User) (ReconcileResult, error) {
	key := statusKey(inv, user)

	if err := s.transition(ctx, key, model.StateCompleted, model.StateCreatingRepo); err != nil && !errors.Is(err, custom_errors.ErrConflictingTransition) {
		return ReconcileResult{}, err
	}

	res := s.creator.CreateOrGet(ctx, inv.Assignment, user)
	if res.Outcome == OutcomeFailed && errors.Is(res.Err, custom_errors.ErrDuplicateLiveRepo) {
		return ReconcileResult{}, res.Err
	}

	to := model.StateCompleted
	if res.Outcome == OutcomeFailed {
		s.logger.Error("Replacement repository creation failed",
			"invitation", inv.Key, "user_id", user.ID, "reason", res.Reason, "error", res.Err)
		to = model.StateErroredCreatingRepo
	}
	if err := s.settle(ctx, key, to); err != nil {
		return ReconcileResult{}, err
	}

	state, err := s.store.GetStatus(ctx, key)
	if err != nil {
		return ReconcileResult{}, err
	}
	return ReconcileResult{Repo: res.Repo, Failed: res.Outcome == OutcomeFailed, Status: state}, nil
}
