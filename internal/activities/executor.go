package activities

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/peerflow/internal/templates"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TransitionRequest asks the executor to move an activity along one edge.
type TransitionRequest struct {
	ActivityID   string
	ExpectedFrom templates.Stage
	To           templates.Stage
	Actor        string
	Reason       string
}

// TransitionResult describes a committed stage change.
type TransitionResult struct {
	ActivityID    string          `json:"activity_id"`
	From          templates.Stage `json:"from"`
	To            templates.Stage `json:"to"`
	Sequence      int64           `json:"sequence"`
	Round         int             `json:"round"`
	Actor         string          `json:"actor"`
	Reason        string          `json:"reason"`
	OccurredAt    time.Time       `json:"occurred_at"`
	StageDeadline *time.Time      `json:"stage_deadline,omitempty"`
	Awards        *AwardSummary   `json:"awards,omitempty"`
	Refunded      int64           `json:"refunded,omitempty"`
}

type transitionOptions struct {
	allowCancel bool
}

// Transition executes a declared edge without evaluating its condition. It is
// the operator entry point; workflow callers go through the handlers.
func (s *Service) Transition(ctx context.Context, request TransitionRequest) (TransitionResult, error) {
	template, err := s.templateFor(ctx, request.ActivityID)
	if err != nil {
		return TransitionResult{}, s.fail(opTransition, err, zap.String("activity_id", request.ActivityID))
	}

	var result TransitionResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		activity, err := lockActivity(tx, request.ActivityID)
		if err != nil {
			return err
		}
		result, err = s.executeTransition(ctx, tx, &activity, template, request, transitionOptions{})
		return err
	})
	if txErr != nil {
		return TransitionResult{}, s.fail(opTransition, txErr,
			zap.String("activity_id", request.ActivityID),
			zap.String("expected_from", string(request.ExpectedFrom)),
			zap.String("to", string(request.To)))
	}
	s.publish(&result)
	return result, nil
}

// executeTransition performs one stage change on a row the caller has locked.
// The compare-and-swap on stage and version guards against writers that did
// not take the lock.
func (s *Service) executeTransition(ctx context.Context, tx *gorm.DB, activity *Activity, template templates.Template, request TransitionRequest, options transitionOptions) (result TransitionResult, err error) {
	ctx, span := s.tracer.Start(ctx, "activities.transition", trace.WithAttributes(
		attribute.String("activity.id", activity.ActivityID),
		attribute.String("transition.from", string(request.ExpectedFrom)),
		attribute.String("transition.to", string(request.To)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	from := activity.CurrentStage
	if from != request.ExpectedFrom {
		return TransitionResult{}, fmt.Errorf("%w: activity %s is in %s, expected %s", ErrStaleState, activity.ActivityID, from, request.ExpectedFrom)
	}

	edge, declared := template.Edge(from, request.To)
	if !declared {
		if !options.allowCancel || request.To != templates.StageCancelled || template.IsTerminal(from) {
			return TransitionResult{}, fmt.Errorf("%w: %s -> %s is not declared by template %s", ErrInvalidTransition, from, request.To, template.ID)
		}
		edge = templates.Edge{From: from, To: templates.StageCancelled}
	}

	paperVersion, err := s.documents.CurrentVersion(ctx, tx, activity.PaperID)
	if err != nil {
		return TransitionResult{}, fmt.Errorf("read paper version: %w", err)
	}

	now := s.now()
	round := activity.CurrentRound
	if edge.AdvancesRound {
		round++
	}
	var deadline *int64
	if definition, ok := template.StageDefinition(edge.To); ok && definition.Duration > 0 && !template.IsTerminal(edge.To) {
		value := now.Add(definition.Duration.Std()).Unix()
		deadline = &value
	}

	update := tx.Model(&Activity{}).
		Where("activity_id = ? AND current_stage = ? AND version = ?", activity.ActivityID, from, activity.Version).
		Updates(map[string]any{
			"current_stage":                edge.To,
			"current_round":                round,
			"stage_entered_at_s":           now.Unix(),
			"stage_deadline_s":             deadline,
			"paper_version_at_stage_entry": paperVersion,
			"version":                      gorm.Expr("version + 1"),
			"updated_at_s":                 now.Unix(),
		})
	if update.Error != nil {
		return TransitionResult{}, fmt.Errorf("update activity: %w", update.Error)
	}
	if update.RowsAffected == 0 {
		return TransitionResult{}, fmt.Errorf("%w: activity %s changed concurrently", ErrStaleState, activity.ActivityID)
	}

	activity.CurrentStage = edge.To
	activity.CurrentRound = round
	activity.StageEnteredAtSeconds = now.Unix()
	activity.StageDeadlineSeconds = deadline
	activity.PaperVersionAtStageEntry = paperVersion
	activity.Version++
	activity.UpdatedAtSeconds = now.Unix()

	result = TransitionResult{
		ActivityID:    activity.ActivityID,
		From:          from,
		To:            edge.To,
		Sequence:      activity.Version,
		Round:         round,
		Actor:         request.Actor,
		Reason:        request.Reason,
		OccurredAt:    time.Unix(now.Unix(), 0).UTC(),
		StageDeadline: activity.StageDeadline(),
	}

	switch {
	case edge.To == template.CompletionStage:
		summary, err := s.settleAwards(ctx, tx, activity, template)
		if err != nil {
			return TransitionResult{}, err
		}
		result.Awards = &summary
	case edge.To == templates.StageCancelled:
		refunded, err := s.refundEscrow(ctx, tx, activity)
		if err != nil {
			return TransitionResult{}, err
		}
		result.Refunded = refunded
	}

	if err := s.appendLog(tx, *activity, result); err != nil {
		return TransitionResult{}, err
	}
	span.SetAttributes(attribute.Int64("transition.sequence", result.Sequence))
	return result, nil
}

type transitionMetadata struct {
	PaperVersion int           `json:"paper_version"`
	Awards       *AwardSummary `json:"awards,omitempty"`
	Refunded     int64         `json:"refunded,omitempty"`
}

func (s *Service) appendLog(tx *gorm.DB, activity Activity, result TransitionResult) error {
	entryID, err := s.newID()
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(transitionMetadata{
		PaperVersion: activity.PaperVersionAtStageEntry,
		Awards:       result.Awards,
		Refunded:     result.Refunded,
	})
	if err != nil {
		return fmt.Errorf("encode transition metadata: %w", err)
	}
	entry := TransitionLog{
		EntryID:           entryID,
		ActivityID:        result.ActivityID,
		Sequence:          result.Sequence,
		FromStage:         result.From,
		ToStage:           result.To,
		Round:             result.Round,
		Actor:             result.Actor,
		Reason:            result.Reason,
		Metadata:          datatypes.JSON(metadata),
		OccurredAtSeconds: result.OccurredAt.Unix(),
	}
	if err := tx.Create(&entry).Error; err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return fmt.Errorf("%w: sequence %d already logged", ErrStaleState, result.Sequence)
		}
		return fmt.Errorf("append transition log: %w", err)
	}
	return nil
}

// firstSatisfiedEdge evaluates the outgoing edges of the current stage in tie
// break order against a snapshot read through tx.
func (s *Service) firstSatisfiedEdge(ctx context.Context, tx *gorm.DB, activity Activity, template templates.Template) (*templates.Edge, error) {
	edges := template.OutgoingEdges(activity.CurrentStage)
	if len(edges) == 0 {
		return nil, nil
	}
	snapshot, err := s.buildSnapshot(ctx, tx, activity, template)
	if err != nil {
		return nil, err
	}
	for _, edge := range edges {
		satisfied, err := s.evaluator.Evaluate(edge.Condition, snapshot)
		if err != nil {
			return nil, fmt.Errorf("edge %s -> %s of template %s: %w", edge.From, edge.To, template.ID, err)
		}
		if satisfied {
			return &edge, nil
		}
	}
	return nil, nil
}

// progress takes the first satisfied edge, if any. At most one edge is taken
// per call.
func (s *Service) progress(ctx context.Context, tx *gorm.DB, activity *Activity, template templates.Template, actor, reason string) (*TransitionResult, error) {
	edge, err := s.firstSatisfiedEdge(ctx, tx, *activity, template)
	if err != nil || edge == nil {
		return nil, err
	}
	result, err := s.executeTransition(ctx, tx, activity, template, TransitionRequest{
		ActivityID:   activity.ActivityID,
		ExpectedFrom: activity.CurrentStage,
		To:           edge.To,
		Actor:        actor,
		Reason:       reason,
	}, transitionOptions{})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Advance is the explicit progression call for the activity creator. It takes
// the first satisfied edge regardless of the template's progression strategy.
func (s *Service) Advance(ctx context.Context, activityID, actor string) (TransitionResult, error) {
	template, err := s.templateFor(ctx, activityID)
	if err != nil {
		return TransitionResult{}, s.fail(opAdvance, err, zap.String("activity_id", activityID))
	}

	var result *TransitionResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		activity, err := lockActivity(tx, activityID)
		if err != nil {
			return err
		}
		if activity.CreatorID != actor {
			return fmt.Errorf("%w: only the creator may advance activity %s", ErrNotEligible, activityID)
		}
		if template.IsTerminal(activity.CurrentStage) {
			return fmt.Errorf("%w: activity %s is %s", ErrStageClosed, activityID, activity.CurrentStage)
		}
		result, err = s.progress(ctx, tx, &activity, template, actor, "advance")
		if err != nil {
			return err
		}
		if result == nil {
			return fmt.Errorf("%w: no edge out of %s is satisfied", ErrConditionNotMet, activity.CurrentStage)
		}
		return nil
	})
	if txErr != nil {
		return TransitionResult{}, s.fail(opAdvance, txErr, zap.String("activity_id", activityID), zap.String("actor", actor))
	}
	s.publish(result)
	return *result, nil
}
