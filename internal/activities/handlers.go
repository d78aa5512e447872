package activities

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/peerflow/internal/templates"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SubmissionRequest carries one participant submission.
type SubmissionRequest struct {
	ActivityID    string
	ParticipantID string
	Body          string
}

// AwardInput is one award line of an allocation.
type AwardInput struct {
	ReceiverID string `json:"receiver_id"`
	Category   string `json:"category"`
	Points     int    `json:"points"`
}

// AwardRequest carries a reviewer's full award allocation.
type AwardRequest struct {
	ActivityID string
	GiverID    string
	Awards     []AwardInput
}

// SubmissionResult reports the stored action, the progress toward closing the
// stage and the transition it triggered, if any.
type SubmissionResult struct {
	Action     SubmittedAction   `json:"action"`
	Progress   Progress          `json:"progress"`
	Transition *TransitionResult `json:"transition,omitempty"`
}

// SubmitReview records a review for the current round.
func (s *Service) SubmitReview(ctx context.Context, request SubmissionRequest) (SubmissionResult, error) {
	return s.submit(ctx, opSubmitReview, templates.ActionReview, request, nil)
}

// SubmitResponse records an author response for the current round.
func (s *Service) SubmitResponse(ctx context.Context, request SubmissionRequest) (SubmissionResult, error) {
	return s.submit(ctx, opSubmitResponse, templates.ActionResponse, request, nil)
}

// CastFinalizationVote records a finalization vote.
func (s *Service) CastFinalizationVote(ctx context.Context, request SubmissionRequest) (SubmissionResult, error) {
	return s.submit(ctx, opCastVote, templates.ActionFinalizationVote, request, nil)
}

// AllocateAwards records a reviewer's point allocation to other reviewers.
func (s *Service) AllocateAwards(ctx context.Context, request AwardRequest) (SubmissionResult, error) {
	return s.submit(ctx, opAllocateAwards, templates.ActionAwardAllocation, SubmissionRequest{
		ActivityID:    request.ActivityID,
		ParticipantID: request.GiverID,
	}, request.Awards)
}

func (s *Service) submit(ctx context.Context, operation string, kind templates.ActionKind, request SubmissionRequest, awards []AwardInput) (SubmissionResult, error) {
	fields := []zap.Field{
		zap.String("activity_id", request.ActivityID),
		zap.String("participant_id", request.ParticipantID),
		zap.String("kind", string(kind)),
	}
	if strings.TrimSpace(request.ParticipantID) == "" {
		return SubmissionResult{}, s.fail(operation, fmt.Errorf("%w: participant id is required", ErrInvalidInput), fields...)
	}
	if kind == templates.ActionAwardAllocation && len(awards) == 0 {
		return SubmissionResult{}, s.fail(operation, fmt.Errorf("%w: at least one award is required", ErrInvalidInput), fields...)
	}
	template, err := s.templateFor(ctx, request.ActivityID)
	if err != nil {
		return SubmissionResult{}, s.fail(operation, err, fields...)
	}

	var result SubmissionResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		activity, err := lockActivity(tx, request.ActivityID)
		if err != nil {
			return err
		}
		stage := activity.CurrentStage
		if template.IsTerminal(stage) {
			return fmt.Errorf("%w: activity is %s", ErrStageClosed, stage)
		}
		if kindAccepted, _ := template.Accepts(stage, kind, ""); !kindAccepted {
			return fmt.Errorf("%w: %s does not accept %s", ErrStageClosed, stage, kind)
		}

		participant, found, err := findParticipant(tx, activity.ActivityID, request.ParticipantID)
		if err != nil {
			return err
		}
		if !found || !participant.Status.Active() {
			return fmt.Errorf("%w: %s is not an active participant", ErrNotEligible, request.ParticipantID)
		}
		if _, roleAccepted := template.Accepts(stage, kind, participant.Role); !roleAccepted {
			return fmt.Errorf("%w: %s may not submit %s in %s", ErrNotEligible, participant.Role, kind, stage)
		}

		if kind == templates.ActionAwardAllocation {
			if err := validateAwards(tx, activity, template, participant.UserID, awards); err != nil {
				return err
			}
		}

		actionID, err := s.newID()
		if err != nil {
			return err
		}
		now := s.now()
		action := SubmittedAction{
			ActionID:           actionID,
			ActivityID:         activity.ActivityID,
			ParticipantID:      participant.UserID,
			Round:              activity.CurrentRound,
			Kind:               kind,
			Stage:              stage,
			Body:               request.Body,
			SubmittedAtSeconds: now.Unix(),
		}
		inserted := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&action)
		if inserted.Error != nil {
			return fmt.Errorf("insert action: %w", inserted.Error)
		}
		if inserted.RowsAffected == 0 {
			return fmt.Errorf("%w: %s already submitted %s in round %d", ErrAlreadySubmitted, participant.UserID, kind, activity.CurrentRound)
		}

		if kind == templates.ActionAwardAllocation {
			if err := s.storeAwards(tx, activity.ActivityID, participant.UserID, awards, now.Unix()); err != nil {
				return err
			}
		}

		if participant.Status == StatusJoined {
			ratchet := tx.Model(&Participant{}).
				Where("activity_id = ? AND user_id = ? AND status = ?", activity.ActivityID, participant.UserID, StatusJoined).
				Updates(map[string]any{
					"status":         StatusLockedIn,
					"locked_in_at_s": now.Unix(),
					"updated_at_s":   now.Unix(),
				})
			if ratchet.Error != nil {
				return fmt.Errorf("lock in participant: %w", ratchet.Error)
			}
		}

		snapshot, err := s.buildSnapshot(ctx, tx, activity, template)
		if err != nil {
			return err
		}
		result = SubmissionResult{
			Action:   action,
			Progress: progressFor(snapshot, template, stage, kind),
		}

		if StrategyFor(template).AdvanceOnAction() {
			transition, err := s.progress(ctx, tx, &activity, template, participant.UserID, string(kind))
			if err != nil {
				return err
			}
			result.Transition = transition
		}
		return nil
	})
	if txErr != nil {
		return SubmissionResult{}, s.fail(operation, txErr, fields...)
	}
	s.publish(result.Transition)
	return result, nil
}

func validateAwards(tx *gorm.DB, activity Activity, template templates.Template, giverID string, awards []AwardInput) error {
	seen := make(map[string]struct{}, len(awards))
	for _, award := range awards {
		receiver := strings.TrimSpace(award.ReceiverID)
		if receiver == "" {
			return fmt.Errorf("%w: award receiver is required", ErrInvalidInput)
		}
		if receiver == giverID {
			return fmt.Errorf("%w: participants may not award themselves", ErrInvalidInput)
		}
		if !template.HasCategory(award.Category) {
			return fmt.Errorf("%w: unknown award category %q", ErrInvalidInput, award.Category)
		}
		if award.Points < 1 || award.Points > template.MaxPointsPerAward {
			return fmt.Errorf("%w: points must be between 1 and %d", ErrInvalidInput, template.MaxPointsPerAward)
		}
		key := receiver + "\x00" + award.Category
		if _, duplicate := seen[key]; duplicate {
			return fmt.Errorf("%w: %s awarded twice in %s", ErrInvalidInput, receiver, award.Category)
		}
		seen[key] = struct{}{}

		recipient, found, err := findParticipant(tx, activity.ActivityID, receiver)
		if err != nil {
			return err
		}
		if !found || !recipient.Status.Active() || recipient.Role != templates.RoleReviewer {
			return fmt.Errorf("%w: %s is not an active reviewer", ErrNotEligible, receiver)
		}
	}
	return nil
}

func (s *Service) storeAwards(tx *gorm.DB, activityID, giverID string, awards []AwardInput, createdAt int64) error {
	rows := make([]AwardAllocation, 0, len(awards))
	for _, award := range awards {
		allocationID, err := s.newID()
		if err != nil {
			return err
		}
		rows = append(rows, AwardAllocation{
			AllocationID:     allocationID,
			ActivityID:       activityID,
			GiverID:          giverID,
			ReceiverID:       strings.TrimSpace(award.ReceiverID),
			Category:         award.Category,
			Points:           award.Points,
			CreatedAtSeconds: createdAt,
		})
	}
	inserted := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows)
	if inserted.Error != nil {
		return fmt.Errorf("insert awards: %w", inserted.Error)
	}
	if inserted.RowsAffected != int64(len(rows)) {
		return fmt.Errorf("%w: awards from %s already recorded", ErrAlreadySubmitted, giverID)
	}
	return nil
}
