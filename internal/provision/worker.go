package provision

import (
	"context"
	"errors"
	"fmt"

	custom_errors "classroom-provisioner/internal/errors"
	"classroom-provisioner/internal/model"
)

// ErrStillPending asks the queue to deliver the job again later: GitHub accepted the generation
// but has not confirmed it.
var ErrStillPending = errors.New("repository generation still pending")

// Process runs one queued job. Deliveries for a pair that is no longer creating are stale and
// succeed without doing anything. A redelivery after a crash finds the stored row and does not
// call GitHub again.
func (s *Service) Process(ctx context.Context, job model.ProvisionJob) error {
	logger := s.logger.With("job_id", job.ID, "invitation", job.InvitationKey, "user_id", job.UserID, "attempt", job.Attempts)

	inv, err := s.store.GetInvitationByKey(ctx, job.InvitationKey)
	if err != nil {
		return fmt.Errorf("load invitation: %w", err)
	}
	key := model.StatusKey{InvitationID: inv.ID, UserID: job.UserID}

	state, err := s.store.GetStatus(ctx, key)
	if err != nil {
		return err
	}
	if state != model.StateCreatingRepo {
		logger.Info("Skipping stale provisioning job", "status", state)
		return nil
	}

	user := model.User{ID: job.UserID, Login: job.UserLogin}
	res := s.creator.CreateOrGet(ctx, inv.Assignment, user)

	switch res.Outcome {
	case OutcomeSuccess:
		logger.Info("Provisioning completed", "github_repo_id", res.Repo.GithubRepoID)
		return s.settle(ctx, key, model.StateCompleted)
	case OutcomePending:
		logger.Info("Provisioning pending on GitHub", "github_repo_id", res.Repo.GithubRepoID)
		return ErrStillPending
	default:
		if errors.Is(res.Err, custom_errors.ErrDuplicateLiveRepo) {
			logger.Error("Multiple live repositories for pair, operator attention required", "error", res.Err)
			return nil
		}
		logger.Warn("Provisioning failed", "reason", res.Reason, "error", res.Err)
		return s.settle(ctx, key, model.StateErroredCreatingRepo)
	}
}

// Abandon is called once a job ran out of deliveries. The pair is marked errored so the student
// can trigger a retry.
func (s *Service) Abandon(ctx context.Context, job model.ProvisionJob) error {
	inv, err := s.store.GetInvitationByKey(ctx, job.InvitationKey)
	if err != nil {
		return fmt.Errorf("load invitation: %w", err)
	}
	s.logger.Warn("Provisioning job abandoned", "job_id", job.ID, "invitation", job.InvitationKey, "user_id", job.UserID, "last_error", job.LastError)
	return s.settle(ctx, model.StatusKey{InvitationID: inv.ID, UserID: job.UserID}, model.StateErroredCreatingRepo)
}
