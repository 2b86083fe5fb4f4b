package provision

import (
	"context"
	"errors"
	"fmt"

	custom_errors "classroom-provisioner/internal/errors"
	"classroom-provisioner/internal/events"
	"classroom-provisioner/internal/model"
)

// RedeemResult tells the accept handler where to send the student.
type RedeemResult struct {
	Outcome Outcome
	Repo    model.AssignmentRepo
	Status  model.ProvisioningState
}

// Redeem accepts the invitation for user.
//
// With resiliency on it only records the acceptance and reports pending; the student continues
// on the setup page, which starts the background job. Otherwise it creates the repository inline.
func (s *Service) Redeem(ctx context.Context, inv model.Invitation, user model.User) (RedeemResult, error) {
	key := statusKey(inv, user)

	if s.flags.ResiliencyEnabled(ctx, user) {
		err := s.transition(ctx, key, model.StateUnaccepted, model.StateAccepted)
		switch {
		case err == nil:
			s.events.Increment(ctx, events.V2ExerciseInvitationAccept)
		case !errors.Is(err, custom_errors.ErrConflictingTransition):
			return RedeemResult{}, err
		}
		state, err := s.store.GetStatus(ctx, key)
		if err != nil {
			return RedeemResult{}, err
		}
		return RedeemResult{Outcome: OutcomePending, Status: state}, nil
	}

	return s.redeemInline(ctx, inv, user)
}

func (s *Service) redeemInline(ctx context.Context, inv model.Invitation, user model.User) (RedeemResult, error) {
	key := statusKey(inv, user)

	state, err := s.store.GetStatus(ctx, key)
	if err != nil {
		return RedeemResult{}, err
	}
	if state == model.StateUnaccepted {
		if err := s.transition(ctx, key, model.StateUnaccepted, model.StateAccepted); err != nil && !errors.Is(err, custom_errors.ErrConflictingTransition) {
			return RedeemResult{}, err
		}
		if state, err = s.store.GetStatus(ctx, key); err != nil {
			return RedeemResult{}, err
		}
	}

	switch state {
	case model.StateErroredCreatingRepo:
		if err := s.cleanupPriorRepo(ctx, inv, user); err != nil {
			if errors.Is(err, custom_errors.ErrDuplicateLiveRepo) {
				return RedeemResult{}, err
			}
			// Without knowing what the old repository holds we cannot safely retry yet.
			s.logger.Warn("Cleanup before inline retry failed", "invitation", inv.Key, "user_id", user.ID, "error", err)
			return RedeemResult{Outcome: OutcomeFailed, Status: state}, nil
		}
		fallthrough
	case model.StateAccepted:
		// Losing this race means another request is already creating; the Creator dedupes.
		if err := s.transition(ctx, key, state, model.StateCreatingRepo); err != nil && !errors.Is(err, custom_errors.ErrConflictingTransition) {
			return RedeemResult{}, err
		}
	}

	res := s.creator.CreateOrGet(ctx, inv.Assignment, user)
	if res.Outcome == OutcomeFailed && errors.Is(res.Err, custom_errors.ErrDuplicateLiveRepo) {
		return RedeemResult{}, res.Err
	}
	switch res.Outcome {
	case OutcomeSuccess:
		if err := s.settle(ctx, key, model.StateCompleted); err != nil {
			return RedeemResult{}, err
		}
		s.events.Increment(ctx, events.ExerciseInvitationAccept)
	case OutcomeFailed:
		s.logger.Error("Inline repository creation failed",
			"invitation", inv.Key, "user_id", user.ID, "reason", res.Reason, "error", res.Err)
		if err := s.settle(ctx, key, model.StateErroredCreatingRepo); err != nil {
			return RedeemResult{}, err
		}
	}

	state, err = s.store.GetStatus(ctx, key)
	if err != nil {
		return RedeemResult{}, err
	}
	return RedeemResult{Outcome: res.Outcome, Repo: res.Repo, Status: state}, nil
}

// settle moves a creating_repo pair to its final state. A pair that is no longer creating (some
// other request already settled it) is left alone.
func (s *Service) settle(ctx context.Context, key model.StatusKey, to model.ProvisioningState) error {
	err := s.transition(ctx, key, model.StateCreatingRepo, to)
	if err != nil && !errors.Is(err, custom_errors.ErrConflictingTransition) {
		return fmt.Errorf("settle status: %w", err)
	}
	return nil
}
