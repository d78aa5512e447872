package activities

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/peerflow/internal/ledger"
	"github.com/MarcoPoloResearchLab/peerflow/internal/templates"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CreateRequest starts a new activity on a template.
type CreateRequest struct {
	TemplateID string
	PaperID    string
	CreatorID  string
}

// Create opens an activity in the template's initial stage, funds its escrow
// from the creator's account and seats the creator as author.
func (s *Service) Create(ctx context.Context, request CreateRequest) (Activity, error) {
	fields := []zap.Field{
		zap.String("template_id", request.TemplateID),
		zap.String("paper_id", request.PaperID),
		zap.String("creator_id", request.CreatorID),
	}
	if strings.TrimSpace(request.PaperID) == "" || strings.TrimSpace(request.CreatorID) == "" {
		return Activity{}, s.fail(opCreate, fmt.Errorf("%w: paper id and creator id are required", ErrInvalidInput), fields...)
	}
	template, err := s.templates.Get(ctx, request.TemplateID)
	if err != nil {
		return Activity{}, s.fail(opCreate, err, fields...)
	}
	activityID, err := s.newID()
	if err != nil {
		return Activity{}, s.fail(opCreate, err, fields...)
	}

	var activity Activity
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		paperVersion, err := s.documents.CurrentVersion(ctx, tx, request.PaperID)
		if err != nil {
			return fmt.Errorf("read paper version: %w", err)
		}
		now := s.now()
		activity = Activity{
			ActivityID:               activityID,
			TemplateID:               template.ID,
			PaperID:                  strings.TrimSpace(request.PaperID),
			CreatorID:                strings.TrimSpace(request.CreatorID),
			CurrentStage:             template.InitialStage,
			CurrentRound:             1,
			StageEnteredAtSeconds:    now.Unix(),
			PaperVersionAtStageEntry: paperVersion,
			FundingAmount:            template.TotalTokenPool,
			EscrowBalance:            template.TotalTokenPool,
			ModerationState:          ModerationNone,
			Version:                  0,
			CreatedAtSeconds:         now.Unix(),
			UpdatedAtSeconds:         now.Unix(),
		}
		if definition, ok := template.StageDefinition(template.InitialStage); ok && definition.Duration > 0 {
			deadline := now.Add(definition.Duration.Std()).Unix()
			activity.StageDeadlineSeconds = &deadline
		}
		if err := tx.Create(&activity).Error; err != nil {
			return fmt.Errorf("insert activity: %w", err)
		}

		if err := s.moveTokens(ctx, tx, ledger.UserAccount(activity.CreatorID), ledger.EscrowAccount(activityID), activity.FundingAmount, "activity funding", activityID); err != nil {
			return err
		}

		author := Participant{
			ActivityID:       activityID,
			UserID:           activity.CreatorID,
			Role:             templates.RoleAuthor,
			Status:           StatusJoined,
			JoinedAtSeconds:  now.Unix(),
			UpdatedAtSeconds: now.Unix(),
		}
		if err := tx.Create(&author).Error; err != nil {
			return fmt.Errorf("seat creator: %w", err)
		}

		return s.appendLog(tx, activity, TransitionResult{
			ActivityID: activityID,
			To:         activity.CurrentStage,
			Sequence:   0,
			Round:      activity.CurrentRound,
			Actor:      activity.CreatorID,
			Reason:     "created",
			OccurredAt: now,
		})
	})
	if txErr != nil {
		return Activity{}, s.fail(opCreate, txErr, fields...)
	}
	s.logger.Info("activity created",
		zap.String("activity_id", activity.ActivityID),
		zap.String("template_id", activity.TemplateID),
		zap.Int64("funding", activity.FundingAmount))
	return activity, nil
}
