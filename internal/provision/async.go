package provision

import (
	"context"
	"errors"
	"fmt"

	custom_errors "classroom-provisioner/internal/errors"
	"classroom-provisioner/internal/events"
	"classroom-provisioner/internal/model"
)

// StatusWaiting is reported to the setup page right after a job was queued.
const StatusWaiting = "waiting"

// StartResult is the create_repo response body.
type StartResult struct {
	JobStarted bool   `json:"job_started"`
	Status     string `json:"status"`
}

// StartProvisioning queues background creation when the pair is accepted, or retries it after a
// failure. Any other state is reported back unchanged.
func (s *Service) StartProvisioning(ctx context.Context, inv model.Invitation, user model.User) (StartResult, error) {
	if !s.flags.ResiliencyEnabled(ctx, user) {
		return StartResult{}, custom_errors.ErrFeatureDisabled
	}

	key := statusKey(inv, user)
	state, err := s.store.GetStatus(ctx, key)
	if err != nil {
		return StartResult{}, err
	}

	switch state {
	case model.StateAccepted:
		return s.enqueue(ctx, inv, user, state)

	case model.StateErroredCreatingRepo:
		if err := s.cleanupPriorRepo(ctx, inv, user); err != nil {
			if errors.Is(err, custom_errors.ErrDuplicateLiveRepo) {
				return StartResult{}, err
			}
			// Without knowing what the old repository holds we cannot safely retry yet.
			s.logger.Warn("Cleanup before retry failed", "invitation", inv.Key, "user_id", user.ID, "error", err)
			return StartResult{JobStarted: false, Status: state.String()}, nil
		}
		res, err := s.enqueue(ctx, inv, user, state)
		if err == nil && res.JobStarted {
			s.events.Increment(ctx, events.V2ExerciseRepoRetry)
		}
		return res, err

	default:
		return StartResult{JobStarted: false, Status: state.String()}, nil
	}
}

// enqueue claims the pair for creation and queues a job. Only the caller whose compare-and-set
// wins queues work.
func (s *Service) enqueue(ctx context.Context, inv model.Invitation, user model.User, from model.ProvisioningState) (StartResult, error) {
	key := statusKey(inv, user)

	err := s.transition(ctx, key, from, model.StateCreatingRepo)
	if errors.Is(err, custom_errors.ErrConflictingTransition) {
		current, gerr := s.store.GetStatus(ctx, key)
		if gerr != nil {
			return StartResult{}, gerr
		}
		return StartResult{JobStarted: false, Status: current.String()}, nil
	}
	if err != nil {
		return StartResult{}, err
	}

	job := s.newJob(inv, user)
	if err := s.store.EnqueueJob(ctx, job); err != nil {
		// Give the student a way to retry instead of waiting on a job that does not exist.
		if serr := s.settle(ctx, key, model.StateErroredCreatingRepo); serr != nil {
			s.logger.Error("Failed to reset status after enqueue failure", "invitation", inv.Key, "user_id", user.ID, "error", serr)
		}
		return StartResult{}, fmt.Errorf("enqueue provisioning job: %w", err)
	}

	s.logger.Info("Provisioning job queued", "invitation", inv.Key, "user_id", user.ID, "job_id", job.ID)
	return StartResult{JobStarted: true, Status: StatusWaiting}, nil
}

// cleanupPriorRepo inspects the repository left behind by a failed creation. An empty repository
// is a known-bad partial artifact and is removed together with its row; a repository with work in
// it is kept so the Creator re-adopts it; a row whose repository is gone is dropped.
func (s *Service) cleanupPriorRepo(ctx context.Context, inv model.Invitation, user model.User) error {
	prior, err := s.store.GetLiveAssignmentRepo(ctx, inv.Assignment.ID, user.ID)
	if errors.Is(err, custom_errors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	logger := s.logger.With("invitation", inv.Key, "user_id", user.ID, "github_repo_id", prior.GithubRepoID)
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	exists, err := s.client.Exists(callCtx, prior.GithubRepoID, true)
	if err != nil {
		return fmt.Errorf("check prior repository: %w", err)
	}
	if !exists {
		logger.Info("Prior repository no longer exists, dropping its record")
		return s.store.DeleteAssignmentRepo(ctx, prior.ID)
	}

	empty, err := s.client.IsEmpty(callCtx, prior.GithubRepoID)
	if err != nil {
		return fmt.Errorf("inspect prior repository: %w", err)
	}
	if !empty {
		logger.Info("Prior repository has content, keeping it")
		return nil
	}

	if err := s.client.Delete(callCtx, prior.GithubRepoID); err != nil {
		return fmt.Errorf("delete prior repository: %w", err)
	}
	logger.Info("Deleted empty prior repository")
	return s.store.DeleteAssignmentRepo(ctx, prior.ID)
}
