package conditions

import "time"

// ModerationPending is the moderation state that blocks gated edges.
const ModerationPending = "pending"

// Snapshot is the read-only view of an activity that predicates observe.
// Counts keyed by role or kind only include the current round.
type Snapshot struct {
	Round                int
	RoundCount           int
	RequiredParticipants int

	// Active counts participants per role with status joined or locked_in.
	Active map[string]int
	// LockedIn counts participants per role with status locked_in.
	LockedIn map[string]int
	// Submissions counts actions per kind.
	Submissions map[string]int
	// SubmittersByRole counts distinct submitters per kind and role.
	SubmittersByRole map[string]map[string]int

	Now            time.Time
	StageEnteredAt time.Time
	StageDeadline  *time.Time

	PaperVersion             int
	PaperVersionAtStageEntry int

	ModerationState string
}

func (snapshot Snapshot) activeCount(role string) int {
	return snapshot.Active[role]
}

func (snapshot Snapshot) lockedInCount(role string) int {
	return snapshot.LockedIn[role]
}

func (snapshot Snapshot) submissionCount(kind string) int {
	return snapshot.Submissions[kind]
}

func (snapshot Snapshot) submitterCount(kind, role string) int {
	byRole, ok := snapshot.SubmittersByRole[kind]
	if !ok {
		return 0
	}
	return byRole[role]
}
