package activities

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RoleModerator is the directory role allowed to resolve moderation holds.
const RoleModerator = "moderator"

// ModerationResult reports the moderation state after a flag or resolution.
type ModerationResult struct {
	ActivityID      string            `json:"activity_id"`
	ModerationState ModerationState   `json:"moderation_state"`
	Transition      *TransitionResult `json:"transition,omitempty"`
}

// FlagForModeration holds an activity for operator review. Edges guarded by
// not_under_moderation stay closed until the hold is resolved. Flagging an
// activity that is already pending is a no-op.
func (s *Service) FlagForModeration(ctx context.Context, activityID, actor, reason string) (ModerationResult, error) {
	fields := []zap.Field{zap.String("activity_id", activityID), zap.String("actor", actor)}
	template, err := s.templateFor(ctx, activityID)
	if err != nil {
		return ModerationResult{}, s.fail(opFlag, err, fields...)
	}

	result := ModerationResult{ActivityID: activityID, ModerationState: ModerationPending}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		activity, err := lockActivity(tx, activityID)
		if err != nil {
			return err
		}
		if template.IsTerminal(activity.CurrentStage) {
			return fmt.Errorf("%w: activity is %s", ErrStageClosed, activity.CurrentStage)
		}
		if activity.CreatorID != actor {
			participant, found, err := findParticipant(tx, activityID, actor)
			if err != nil {
				return err
			}
			if !found || !participant.Status.Active() {
				return fmt.Errorf("%w: only participants may flag", ErrNotEligible)
			}
		}
		if activity.ModerationState == ModerationPending {
			return nil
		}
		return tx.Model(&Activity{}).
			Where("activity_id = ?", activityID).
			Updates(map[string]any{
				"moderation_state": ModerationPending,
				"updated_at_s":     s.now().Unix(),
			}).Error
	})
	if txErr != nil {
		return ModerationResult{}, s.fail(opFlag, txErr, fields...)
	}
	s.logger.Warn("activity flagged for moderation", append(fields, zap.String("reason", reason))...)
	return result, nil
}

// ResolveModeration lifts a pending hold. Under automatic progression the
// first edge that the hold was blocking is taken immediately.
func (s *Service) ResolveModeration(ctx context.Context, activityID, actor string) (ModerationResult, error) {
	fields := []zap.Field{zap.String("activity_id", activityID), zap.String("actor", actor)}
	template, err := s.templateFor(ctx, activityID)
	if err != nil {
		return ModerationResult{}, s.fail(opResolve, err, fields...)
	}
	granted, err := s.roles.HasRole(ctx, actor, RoleModerator)
	if err != nil {
		return ModerationResult{}, s.fail(opResolve, fmt.Errorf("role lookup: %w", err), fields...)
	}
	if !granted {
		return ModerationResult{}, s.fail(opResolve, fmt.Errorf("%w: %s is not a moderator", ErrNotEligible, actor), fields...)
	}

	result := ModerationResult{ActivityID: activityID, ModerationState: ModerationResolved}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		activity, err := lockActivity(tx, activityID)
		if err != nil {
			return err
		}
		if activity.ModerationState != ModerationPending {
			return fmt.Errorf("%w: activity is not under moderation", ErrInvalidInput)
		}
		if err := tx.Model(&Activity{}).
			Where("activity_id = ?", activityID).
			Updates(map[string]any{
				"moderation_state": ModerationResolved,
				"updated_at_s":     s.now().Unix(),
			}).Error; err != nil {
			return err
		}
		activity.ModerationState = ModerationResolved
		if template.IsTerminal(activity.CurrentStage) || !StrategyFor(template).AdvanceOnAction() {
			return nil
		}
		transition, err := s.progress(ctx, tx, &activity, template, actor, "moderation resolved")
		if err != nil {
			return err
		}
		result.Transition = transition
		return nil
	})
	if txErr != nil {
		return ModerationResult{}, s.fail(opResolve, txErr, fields...)
	}
	s.publish(result.Transition)
	return result, nil
}
