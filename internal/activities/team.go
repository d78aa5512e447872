package activities

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/peerflow/internal/templates"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// InviteRequest asks the creator to reserve a seat for a user.
type InviteRequest struct {
	ActivityID string
	CreatorID  string
	UserID     string
	Role       templates.Role
}

// JoinRequest commits a user to an activity.
type JoinRequest struct {
	ActivityID string
	UserID     string
	Role       templates.Role
}

// JoinResult reports the commitment and the transition it triggered, if any.
type JoinResult struct {
	Participant Participant       `json:"participant"`
	Transition  *TransitionResult `json:"transition,omitempty"`
}

// Invite reserves a seat for request.UserID. Only the creator may invite, and
// only while the activity seeks participants.
func (s *Service) Invite(ctx context.Context, request InviteRequest) (Participant, error) {
	fields := []zap.Field{zap.String("activity_id", request.ActivityID), zap.String("user_id", request.UserID)}
	userID := strings.TrimSpace(request.UserID)
	if userID == "" || !request.Role.Valid() {
		return Participant{}, s.fail(opInvite, fmt.Errorf("%w: user id and a known role are required", ErrInvalidInput), fields...)
	}
	template, err := s.templateFor(ctx, request.ActivityID)
	if err != nil {
		return Participant{}, s.fail(opInvite, err, fields...)
	}

	var participant Participant
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		activity, err := lockActivity(tx, request.ActivityID)
		if err != nil {
			return err
		}
		if activity.CreatorID != request.CreatorID {
			return fmt.Errorf("%w: only the creator may invite", ErrNotEligible)
		}
		if activity.CurrentStage != template.InitialStage {
			return fmt.Errorf("%w: invitations close after %s", ErrStageClosed, template.InitialStage)
		}
		if request.Role == templates.RoleReviewer && userID == activity.CreatorID {
			return fmt.Errorf("%w: the creator may not review their own activity", ErrNotEligible)
		}

		existing, found, err := findParticipant(tx, activity.ActivityID, userID)
		if err != nil {
			return err
		}
		if found && existing.Status != StatusRemoved {
			if existing.Role != request.Role {
				return fmt.Errorf("%w: %s already participates as %s", ErrInvalidInput, userID, existing.Role)
			}
			participant = existing
			return nil
		}

		participant = Participant{
			ActivityID:       activity.ActivityID,
			UserID:           userID,
			Role:             request.Role,
			Status:           StatusInvited,
			InvitedBy:        request.CreatorID,
			UpdatedAtSeconds: s.now().Unix(),
		}
		return tx.Save(&participant).Error
	})
	if txErr != nil {
		return Participant{}, s.fail(opInvite, txErr, fields...)
	}
	return participant, nil
}

// Join commits request.UserID while the activity seeks participants. Authors
// must be invited; reviewers may join until the template's participant count
// is reached. A repeated join returns the existing commitment.
func (s *Service) Join(ctx context.Context, request JoinRequest) (JoinResult, error) {
	fields := []zap.Field{zap.String("activity_id", request.ActivityID), zap.String("user_id", request.UserID)}
	userID := strings.TrimSpace(request.UserID)
	role := request.Role
	if role == "" {
		role = templates.RoleReviewer
	}
	if userID == "" || !role.Valid() {
		return JoinResult{}, s.fail(opJoin, fmt.Errorf("%w: user id and a known role are required", ErrInvalidInput), fields...)
	}
	template, err := s.templateFor(ctx, request.ActivityID)
	if err != nil {
		return JoinResult{}, s.fail(opJoin, err, fields...)
	}
	granted, err := s.roles.HasRole(ctx, userID, string(role))
	if err != nil {
		return JoinResult{}, s.fail(opJoin, fmt.Errorf("role lookup: %w", err), fields...)
	}

	var result JoinResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		activity, err := lockActivity(tx, request.ActivityID)
		if err != nil {
			return err
		}
		if activity.CurrentStage != template.InitialStage {
			return fmt.Errorf("%w: joining closes after %s", ErrStageClosed, template.InitialStage)
		}

		if role == templates.RoleReviewer && userID == activity.CreatorID {
			return fmt.Errorf("%w: the creator may not review their own activity", ErrNotEligible)
		}
		existing, found, err := findParticipant(tx, activity.ActivityID, userID)
		if err != nil {
			return err
		}
		if found && existing.Status.Active() {
			if existing.Role != role {
				return fmt.Errorf("%w: %s already participates as %s", ErrNotEligible, userID, existing.Role)
			}
			result.Participant = existing
			return nil
		}
		if found && existing.Status == StatusInvited && existing.Role != role {
			return fmt.Errorf("%w: invited as %s", ErrInvalidInput, existing.Role)
		}
		invited := found && existing.Status == StatusInvited
		if role == templates.RoleAuthor && !invited {
			return fmt.Errorf("%w: authors join by invitation", ErrNotEligible)
		}
		if !granted {
			return fmt.Errorf("%w: %s does not hold role %s", ErrNotEligible, userID, role)
		}

		if role == templates.RoleReviewer {
			var active int64
			if err := tx.Model(&Participant{}).
				Where("activity_id = ? AND role = ? AND status IN ?", activity.ActivityID, templates.RoleReviewer, []ParticipantStatus{StatusJoined, StatusLockedIn}).
				Count(&active).Error; err != nil {
				return fmt.Errorf("count reviewers: %w", err)
			}
			if active >= int64(template.ParticipantCount) {
				return fmt.Errorf("%w: all %d reviewer seats are taken", ErrNotEligible, template.ParticipantCount)
			}
		}

		now := s.now().Unix()
		participant := Participant{
			ActivityID:       activity.ActivityID,
			UserID:           userID,
			Role:             role,
			Status:           StatusJoined,
			JoinedAtSeconds:  now,
			UpdatedAtSeconds: now,
		}
		if found {
			participant.InvitedBy = existing.InvitedBy
		}
		if err := tx.Save(&participant).Error; err != nil {
			return fmt.Errorf("save participant: %w", err)
		}
		result.Participant = participant

		if StrategyFor(template).AdvanceOnAction() {
			transition, err := s.progress(ctx, tx, &activity, template, userID, "join")
			if err != nil {
				return err
			}
			result.Transition = transition
		}
		return nil
	})
	if txErr != nil {
		return JoinResult{}, s.fail(opJoin, txErr, fields...)
	}
	s.publish(result.Transition)
	return result, nil
}

// Leave withdraws an uncommitted participant while the activity seeks
// participants. Locked-in participants cannot leave.
func (s *Service) Leave(ctx context.Context, activityID, userID string) (Participant, error) {
	fields := []zap.Field{zap.String("activity_id", activityID), zap.String("user_id", userID)}
	template, err := s.templateFor(ctx, activityID)
	if err != nil {
		return Participant{}, s.fail(opLeave, err, fields...)
	}

	var participant Participant
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		activity, err := lockActivity(tx, activityID)
		if err != nil {
			return err
		}
		if activity.CurrentStage != template.InitialStage {
			return fmt.Errorf("%w: leaving closes after %s", ErrStageClosed, template.InitialStage)
		}
		existing, found, err := findParticipant(tx, activityID, userID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s is not a participant", ErrNotEligible, userID)
		}
		if existing.Status == StatusLockedIn {
			return fmt.Errorf("%w: %s is locked in", ErrNotEligible, userID)
		}
		if existing.UserID == activity.CreatorID {
			return fmt.Errorf("%w: the creator cannot leave; cancel instead", ErrNotEligible)
		}
		participant = existing
		if existing.Status == StatusRemoved {
			return nil
		}
		participant.Status = StatusRemoved
		participant.UpdatedAtSeconds = s.now().Unix()
		return tx.Model(&Participant{}).
			Where("activity_id = ? AND user_id = ? AND status <> ?", activityID, userID, StatusLockedIn).
			Updates(map[string]any{"status": StatusRemoved, "updated_at_s": participant.UpdatedAtSeconds}).Error
	})
	if txErr != nil {
		return Participant{}, s.fail(opLeave, txErr, fields...)
	}
	return participant, nil
}

// Cancel ends an activity that is still in its initial stage with no actions
// and refunds its escrow to the creator.
func (s *Service) Cancel(ctx context.Context, activityID, creatorID, reason string) (TransitionResult, error) {
	fields := []zap.Field{zap.String("activity_id", activityID), zap.String("actor", creatorID)}
	template, err := s.templateFor(ctx, activityID)
	if err != nil {
		return TransitionResult{}, s.fail(opCancel, err, fields...)
	}

	var result TransitionResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		activity, err := lockActivity(tx, activityID)
		if err != nil {
			return err
		}
		if activity.CreatorID != creatorID {
			return fmt.Errorf("%w: only the creator may cancel", ErrNotEligible)
		}
		if template.IsTerminal(activity.CurrentStage) {
			return fmt.Errorf("%w: activity is %s", ErrStageClosed, activity.CurrentStage)
		}
		var submitted int64
		if err := tx.Model(&SubmittedAction{}).Where("activity_id = ?", activityID).Count(&submitted).Error; err != nil {
			return fmt.Errorf("count actions: %w", err)
		}
		if submitted > 0 {
			return fmt.Errorf("%w: %d actions already submitted", ErrNotEligible, submitted)
		}
		if activity.CurrentStage != template.InitialStage {
			return fmt.Errorf("%w: cancelling closes after %s", ErrStageClosed, template.InitialStage)
		}
		if strings.TrimSpace(reason) == "" {
			reason = "cancelled by creator"
		}
		result, err = s.executeTransition(ctx, tx, &activity, template, TransitionRequest{
			ActivityID:   activityID,
			ExpectedFrom: activity.CurrentStage,
			To:           templates.StageCancelled,
			Actor:        creatorID,
			Reason:       reason,
		}, transitionOptions{allowCancel: true})
		return err
	})
	if txErr != nil {
		return TransitionResult{}, s.fail(opCancel, txErr, fields...)
	}
	s.publish(&result)
	return result, nil
}
