package activities

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ActivityView is an activity together with its participants.
type ActivityView struct {
	Activity
	Participants []Participant `json:"participants"`
}

// Get returns the activity and its participants.
func (s *Service) Get(ctx context.Context, activityID string) (ActivityView, error) {
	fields := []zap.Field{zap.String("activity_id", activityID)}
	activity, err := s.findActivity(ctx, activityID)
	if err != nil {
		return ActivityView{}, s.fail(opGet, err, fields...)
	}
	participants, err := s.participants(ctx, activityID)
	if err != nil {
		return ActivityView{}, s.fail(opGet, err, fields...)
	}
	return ActivityView{Activity: activity, Participants: participants}, nil
}

// ListParticipants returns every participant record of an activity, removed
// ones included, ordered by user id.
func (s *Service) ListParticipants(ctx context.Context, activityID string) ([]Participant, error) {
	if _, err := s.findActivity(ctx, activityID); err != nil {
		return nil, s.fail(opListParticipants, err, zap.String("activity_id", activityID))
	}
	participants, err := s.participants(ctx, activityID)
	if err != nil {
		return nil, s.fail(opListParticipants, err, zap.String("activity_id", activityID))
	}
	return participants, nil
}

// ListTransitions returns the log entries of an activity with a sequence
// greater than after, in sequence order. Pass -1 to include creation.
func (s *Service) ListTransitions(ctx context.Context, activityID string, after int64) ([]TransitionLog, error) {
	fields := []zap.Field{zap.String("activity_id", activityID), zap.Int64("after", after)}
	if _, err := s.findActivity(ctx, activityID); err != nil {
		return nil, s.fail(opListTransitions, err, fields...)
	}
	var entries []TransitionLog
	err := s.db.WithContext(ctx).
		Where("activity_id = ? AND sequence > ?", activityID, after).
		Order("sequence ASC").
		Find(&entries).Error
	if err != nil {
		return nil, s.fail(opListTransitions, err, fields...)
	}
	return entries, nil
}

// Overdue lists non-terminal activities whose stage deadline is at or before
// now. Deadlines are advisory; nothing is transitioned.
func (s *Service) Overdue(ctx context.Context, now time.Time) ([]Activity, error) {
	var activities []Activity
	err := s.db.WithContext(ctx).
		Where("stage_deadline_s IS NOT NULL AND stage_deadline_s <= ?", now.UTC().Unix()).
		Order("stage_deadline_s ASC, activity_id ASC").
		Find(&activities).Error
	if err != nil {
		return nil, s.fail(opListOverdue, err)
	}
	return activities, nil
}

func (s *Service) findActivity(ctx context.Context, activityID string) (Activity, error) {
	if strings.TrimSpace(activityID) == "" {
		return Activity{}, fmt.Errorf("%w: activity id is required", ErrInvalidInput)
	}
	var activity Activity
	err := s.db.WithContext(ctx).Where("activity_id = ?", activityID).Take(&activity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Activity{}, fmt.Errorf("%w: %s", ErrActivityNotFound, activityID)
	}
	if err != nil {
		return Activity{}, err
	}
	return activity, nil
}

func (s *Service) participants(ctx context.Context, activityID string) ([]Participant, error) {
	var participants []Participant
	err := s.db.WithContext(ctx).
		Where("activity_id = ?", activityID).
		Order("user_id ASC").
		Find(&participants).Error
	return participants, err
}
