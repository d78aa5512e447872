package activities

import (
	"time"

	"github.com/MarcoPoloResearchLab/peerflow/internal/templates"
	"gorm.io/datatypes"
)

// ModerationState tracks whether an activity is held for operator review.
type ModerationState string

const (
	ModerationNone     ModerationState = "none"
	ModerationPending  ModerationState = "pending"
	ModerationResolved ModerationState = "resolved"
)

// ParticipantStatus is the lifecycle of a participant commitment.
type ParticipantStatus string

const (
	StatusInvited  ParticipantStatus = "invited"
	StatusJoined   ParticipantStatus = "joined"
	StatusLockedIn ParticipantStatus = "locked_in"
	StatusRemoved  ParticipantStatus = "removed"
)

// Active reports whether the participant currently counts toward the activity.
func (status ParticipantStatus) Active() bool {
	return status == StatusJoined || status == StatusLockedIn
}

// Activity is a running instance of a template.
type Activity struct {
	ActivityID               string          `gorm:"column:activity_id;primaryKey;size:190" json:"activity_id"`
	TemplateID               string          `gorm:"column:template_id;size:190;not null;index" json:"template_id"`
	PaperID                  string          `gorm:"column:paper_id;size:190;not null;index" json:"paper_id"`
	CreatorID                string          `gorm:"column:creator_id;size:190;not null;index" json:"creator_id"`
	CurrentStage             templates.Stage `gorm:"column:current_stage;size:32;not null" json:"current_stage"`
	CurrentRound             int             `gorm:"column:current_round;not null" json:"current_round"`
	StageEnteredAtSeconds    int64           `gorm:"column:stage_entered_at_s;not null" json:"stage_entered_at_s"`
	StageDeadlineSeconds     *int64          `gorm:"column:stage_deadline_s;index" json:"stage_deadline_s"`
	PaperVersionAtStageEntry int             `gorm:"column:paper_version_at_stage_entry;not null" json:"paper_version_at_stage_entry"`
	FundingAmount            int64           `gorm:"column:funding_amount;not null" json:"funding_amount"`
	EscrowBalance            int64           `gorm:"column:escrow_balance;not null" json:"escrow_balance"`
	ModerationState          ModerationState `gorm:"column:moderation_state;size:16;not null;default:'none'" json:"moderation_state"`
	Version                  int64           `gorm:"column:version;not null" json:"version"`
	CreatedAtSeconds         int64           `gorm:"column:created_at_s;not null" json:"created_at_s"`
	UpdatedAtSeconds         int64           `gorm:"column:updated_at_s;not null" json:"updated_at_s"`
}

func (Activity) TableName() string {
	return "activities"
}

// StageEnteredAt returns the time the current stage was entered.
func (a Activity) StageEnteredAt() time.Time {
	return time.Unix(a.StageEnteredAtSeconds, 0).UTC()
}

// StageDeadline returns the advisory deadline of the current stage, if any.
func (a Activity) StageDeadline() *time.Time {
	if a.StageDeadlineSeconds == nil {
		return nil
	}
	deadline := time.Unix(*a.StageDeadlineSeconds, 0).UTC()
	return &deadline
}

// Participant is a user's commitment to an activity in one role.
type Participant struct {
	ActivityID        string            `gorm:"column:activity_id;primaryKey;size:190" json:"activity_id"`
	UserID            string            `gorm:"column:user_id;primaryKey;size:190" json:"user_id"`
	Role              templates.Role    `gorm:"column:role;size:32;not null" json:"role"`
	Status            ParticipantStatus `gorm:"column:status;size:16;not null" json:"status"`
	InvitedBy         string            `gorm:"column:invited_by;size:190" json:"invited_by"`
	JoinedAtSeconds   int64             `gorm:"column:joined_at_s" json:"joined_at_s"`
	LockedInAtSeconds int64             `gorm:"column:locked_in_at_s" json:"locked_in_at_s"`
	UpdatedAtSeconds  int64             `gorm:"column:updated_at_s;not null" json:"updated_at_s"`
}

func (Participant) TableName() string {
	return "activity_participants"
}

// SubmittedAction is one accepted submission. A participant submits each kind
// at most once per round.
type SubmittedAction struct {
	ActionID           string               `gorm:"column:action_id;primaryKey;size:190" json:"action_id"`
	ActivityID         string               `gorm:"column:activity_id;size:190;not null;uniqueIndex:idx_action_once,priority:1" json:"activity_id"`
	ParticipantID      string               `gorm:"column:participant_id;size:190;not null;uniqueIndex:idx_action_once,priority:2" json:"participant_id"`
	Round              int                  `gorm:"column:round;not null;uniqueIndex:idx_action_once,priority:3" json:"round"`
	Kind               templates.ActionKind `gorm:"column:kind;size:32;not null;uniqueIndex:idx_action_once,priority:4" json:"kind"`
	Stage              templates.Stage      `gorm:"column:stage;size:32;not null" json:"stage"`
	Body               string               `gorm:"column:body;type:text" json:"body"`
	SubmittedAtSeconds int64                `gorm:"column:submitted_at_s;not null" json:"submitted_at_s"`
}

func (SubmittedAction) TableName() string {
	return "activity_actions"
}

// AwardAllocation is points given by one reviewer to another in a category.
type AwardAllocation struct {
	AllocationID     string `gorm:"column:allocation_id;primaryKey;size:190" json:"allocation_id"`
	ActivityID       string `gorm:"column:activity_id;size:190;not null;uniqueIndex:idx_award_once,priority:1" json:"activity_id"`
	GiverID          string `gorm:"column:giver_id;size:190;not null;uniqueIndex:idx_award_once,priority:2" json:"giver_id"`
	ReceiverID       string `gorm:"column:receiver_id;size:190;not null;uniqueIndex:idx_award_once,priority:3" json:"receiver_id"`
	Category         string `gorm:"column:category;size:64;not null;uniqueIndex:idx_award_once,priority:4" json:"category"`
	Points           int    `gorm:"column:points;not null" json:"points"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null" json:"created_at_s"`
}

func (AwardAllocation) TableName() string {
	return "award_allocations"
}

// TransitionLog is the append-only record of stage changes. Sequence equals
// the activity version after the change; creation is sequence zero.
type TransitionLog struct {
	EntryID           string          `gorm:"column:entry_id;primaryKey;size:190" json:"entry_id"`
	ActivityID        string          `gorm:"column:activity_id;size:190;not null;uniqueIndex:idx_transition_sequence,priority:1" json:"activity_id"`
	Sequence          int64           `gorm:"column:sequence;not null;uniqueIndex:idx_transition_sequence,priority:2" json:"sequence"`
	FromStage         templates.Stage `gorm:"column:from_stage;size:32" json:"from_stage"`
	ToStage           templates.Stage `gorm:"column:to_stage;size:32;not null" json:"to_stage"`
	Round             int             `gorm:"column:round;not null" json:"round"`
	Actor             string          `gorm:"column:actor;size:190" json:"actor"`
	Reason            string          `gorm:"column:reason;size:190" json:"reason"`
	Metadata          datatypes.JSON  `gorm:"column:metadata" json:"metadata"`
	OccurredAtSeconds int64           `gorm:"column:occurred_at_s;not null" json:"occurred_at_s"`
}

func (TransitionLog) TableName() string {
	return "activity_transitions"
}

// Models lists the tables owned by the engine, for schema migration.
func Models() []any {
	return []any{&Activity{}, &Participant{}, &SubmittedAction{}, &AwardAllocation{}, &TransitionLog{}}
}
