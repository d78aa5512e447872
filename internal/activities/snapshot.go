package activities

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/peerflow/internal/conditions"
	"github.com/MarcoPoloResearchLab/peerflow/internal/templates"
	"gorm.io/gorm"
)

type participantCount struct {
	Role   string
	Status string
	Total  int
}

type submissionCount struct {
	Kind  string
	Role  string
	Total int
}

// buildSnapshot reads live counts through tx so that the caller observes its
// own uncommitted writes.
func (s *Service) buildSnapshot(ctx context.Context, tx *gorm.DB, activity Activity, template templates.Template) (conditions.Snapshot, error) {
	snapshot := conditions.Snapshot{
		Round:                    activity.CurrentRound,
		RoundCount:               template.RoundCount,
		RequiredParticipants:     template.ParticipantCount,
		Active:                   make(map[string]int),
		LockedIn:                 make(map[string]int),
		Submissions:              make(map[string]int),
		SubmittersByRole:         make(map[string]map[string]int),
		Now:                      s.now(),
		StageEnteredAt:           activity.StageEnteredAt(),
		StageDeadline:            activity.StageDeadline(),
		PaperVersionAtStageEntry: activity.PaperVersionAtStageEntry,
		ModerationState:          string(activity.ModerationState),
	}

	var participants []participantCount
	err := tx.Model(&Participant{}).
		Select("role, status, COUNT(*) AS total").
		Where("activity_id = ?", activity.ActivityID).
		Group("role, status").
		Scan(&participants).Error
	if err != nil {
		return conditions.Snapshot{}, fmt.Errorf("count participants: %w", err)
	}
	for _, row := range participants {
		status := ParticipantStatus(row.Status)
		if status.Active() {
			snapshot.Active[row.Role] += row.Total
		}
		if status == StatusLockedIn {
			snapshot.LockedIn[row.Role] += row.Total
		}
	}

	var submissions []submissionCount
	err = tx.Table("activity_actions AS a").
		Select("a.kind AS kind, p.role AS role, COUNT(*) AS total").
		Joins("JOIN activity_participants AS p ON p.activity_id = a.activity_id AND p.user_id = a.participant_id").
		Where("a.activity_id = ? AND a.round = ?", activity.ActivityID, activity.CurrentRound).
		Group("a.kind, p.role").
		Scan(&submissions).Error
	if err != nil {
		return conditions.Snapshot{}, fmt.Errorf("count submissions: %w", err)
	}
	for _, row := range submissions {
		snapshot.Submissions[row.Kind] += row.Total
		if _, ok := snapshot.SubmittersByRole[row.Kind]; !ok {
			snapshot.SubmittersByRole[row.Kind] = make(map[string]int)
		}
		snapshot.SubmittersByRole[row.Kind][row.Role] += row.Total
	}

	paperVersion, err := s.documents.CurrentVersion(ctx, tx, activity.PaperID)
	if err != nil {
		return conditions.Snapshot{}, fmt.Errorf("read paper version: %w", err)
	}
	snapshot.PaperVersion = paperVersion
	return snapshot, nil
}

// Progress reports how many of the expected submissions of a kind have landed
// in the current round.
type Progress struct {
	Kind      templates.ActionKind `json:"kind"`
	Submitted int                  `json:"submitted"`
	Required  int                  `json:"required"`
}

func progressFor(snapshot conditions.Snapshot, template templates.Template, stage templates.Stage, kind templates.ActionKind) Progress {
	progress := Progress{Kind: kind, Submitted: snapshot.Submissions[string(kind)]}
	definition, ok := template.StageDefinition(stage)
	if !ok {
		return progress
	}
	for _, rule := range definition.Accepts {
		if rule.Kind == kind {
			progress.Required += snapshot.Active[string(rule.Role)]
		}
	}
	return progress
}
