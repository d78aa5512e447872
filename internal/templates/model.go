package templates

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/peerflow/internal/conditions"
	"gopkg.in/yaml.v3"
)

// Stage is a closed enumeration of activity stages.
type Stage string

const (
	StageOpen            Stage = "open"
	StageReview          Stage = "review"
	StageAuthorResponse  Stage = "author_response"
	StageDiscussion      Stage = "discussion"
	StageFinalization    Stage = "finalization"
	StageAwardAllocation Stage = "award_allocation"
	StageCompleted       Stage = "completed"
	StageCancelled       Stage = "cancelled"
)

var knownStages = map[Stage]struct{}{
	StageOpen:            {},
	StageReview:          {},
	StageAuthorResponse:  {},
	StageDiscussion:      {},
	StageFinalization:    {},
	StageAwardAllocation: {},
	StageCompleted:       {},
	StageCancelled:       {},
}

// ParseStage returns the stage named by value.
func ParseStage(value string) (Stage, error) {
	stage := Stage(strings.TrimSpace(value))
	if _, ok := knownStages[stage]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownStage, value)
	}
	return stage, nil
}

// UnmarshalYAML rejects stage names outside the enumeration.
func (s *Stage) UnmarshalYAML(node *yaml.Node) error {
	stage, err := ParseStage(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*s = stage
	return nil
}

// ActionKind identifies a participant submission.
type ActionKind string

const (
	ActionReview           ActionKind = "review"
	ActionResponse         ActionKind = "response"
	ActionFinalizationVote ActionKind = "finalization_vote"
	ActionAwardAllocation  ActionKind = "award_allocation"
)

// Valid reports whether kind is a known action kind.
func (kind ActionKind) Valid() bool {
	switch kind {
	case ActionReview, ActionResponse, ActionFinalizationVote, ActionAwardAllocation:
		return true
	default:
		return false
	}
}

// Role is a participant role within an activity.
type Role string

const (
	RoleAuthor   Role = "author"
	RoleReviewer Role = "reviewer"
)

// Valid reports whether role is a known participant role.
func (role Role) Valid() bool {
	return role == RoleAuthor || role == RoleReviewer
}

// Progression selects how satisfied edges are taken.
type Progression string

const (
	ProgressionAutomatic Progression = "automatic"
	ProgressionManual    Progression = "manual"
)

// RankingMode selects how tied standings consume rank slots.
type RankingMode string

const (
	// RankingStandard lets ties consume slots: scores 15,15,2 rank 1,1,3.
	RankingStandard RankingMode = "standard"
	// RankingDense never skips ranks: scores 15,15,2 rank 1,1,2.
	RankingDense RankingMode = "dense"
)

// Duration is a time.Duration written as "72h" in template data.
type Duration time.Duration

// Std returns the standard library duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.parse(raw)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if err := d.parse(node.Value); err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	return nil
}

func (d *Duration) parse(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*d = 0
		return nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%w: duration %q", ErrInvalidTemplate, raw)
	}
	*d = Duration(value)
	return nil
}

// ActionRule allows participants holding Role to submit Kind.
type ActionRule struct {
	Kind ActionKind `yaml:"kind" json:"kind"`
	Role Role       `yaml:"role" json:"role"`
}

// StageDefinition declares one node of the stage graph.
type StageDefinition struct {
	Name     Stage        `yaml:"name" json:"name"`
	Duration Duration     `yaml:"duration" json:"duration"`
	Terminal bool         `yaml:"terminal" json:"terminal"`
	Accepts  []ActionRule `yaml:"accepts" json:"accepts,omitempty"`
}

// Edge declares a permitted stage change and the condition gating it.
type Edge struct {
	From          Stage                 `yaml:"from" json:"from"`
	To            Stage                 `yaml:"to" json:"to"`
	Condition     conditions.Expression `yaml:"condition" json:"condition"`
	TieBreakOrder int                   `yaml:"tie_break_order" json:"tie_break_order"`
	AdvancesRound bool                  `yaml:"advances_round" json:"advances_round,omitempty"`
}

// Template is an immutable activity definition.
type Template struct {
	ID                string            `yaml:"id" json:"id"`
	Name              string            `yaml:"name" json:"name"`
	Version           int               `yaml:"version" json:"version"`
	Progression       Progression       `yaml:"progression" json:"progression"`
	RankingMode       RankingMode       `yaml:"ranking_mode" json:"ranking_mode"`
	ParticipantCount  int               `yaml:"participant_count" json:"participant_count"`
	RoundCount        int               `yaml:"round_count" json:"round_count"`
	TotalTokenPool    int64             `yaml:"total_token_pool" json:"total_token_pool"`
	RankToTokens      []int64           `yaml:"rank_to_tokens" json:"rank_to_tokens"`
	InsuranceReserve  int64             `yaml:"insurance_reserve" json:"insurance_reserve"`
	AwardCategories   []string          `yaml:"award_categories" json:"award_categories"`
	MaxPointsPerAward int               `yaml:"max_points_per_award" json:"max_points_per_award"`
	InitialStage      Stage             `yaml:"initial_stage" json:"initial_stage"`
	CompletionStage   Stage             `yaml:"completion_stage" json:"completion_stage"`
	Stages            []StageDefinition `yaml:"stages" json:"stages"`
	Edges             []Edge            `yaml:"edges" json:"edges"`
}

// StageDefinition returns the declaration for stage.
func (t Template) StageDefinition(stage Stage) (StageDefinition, bool) {
	for _, definition := range t.Stages {
		if definition.Name == stage {
			return definition, true
		}
	}
	return StageDefinition{}, false
}

// IsTerminal reports whether no further progress is possible from stage.
func (t Template) IsTerminal(stage Stage) bool {
	if stage == t.CompletionStage || stage == StageCancelled {
		return true
	}
	definition, ok := t.StageDefinition(stage)
	return ok && definition.Terminal
}

// OutgoingEdges returns the edges leaving stage ordered by tie break order.
func (t Template) OutgoingEdges(stage Stage) []Edge {
	edges := make([]Edge, 0, 2)
	for _, edge := range t.Edges {
		if edge.From == stage {
			edges = append(edges, edge)
		}
	}
	sort.SliceStable(edges, func(i, j int) bool {
		return edges[i].TieBreakOrder < edges[j].TieBreakOrder
	})
	return edges
}

// Edge returns the declared edge between from and to.
func (t Template) Edge(from, to Stage) (Edge, bool) {
	for _, edge := range t.Edges {
		if edge.From == from && edge.To == to {
			return edge, true
		}
	}
	return Edge{}, false
}

// Accepts reports whether stage takes submissions of kind at all, and
// whether role may submit them.
func (t Template) Accepts(stage Stage, kind ActionKind, role Role) (kindAccepted bool, roleAccepted bool) {
	definition, ok := t.StageDefinition(stage)
	if !ok {
		return false, false
	}
	for _, rule := range definition.Accepts {
		if rule.Kind != kind {
			continue
		}
		kindAccepted = true
		if rule.Role == role {
			roleAccepted = true
		}
	}
	return kindAccepted, roleAccepted
}

// HasCategory reports whether category is a declared award category.
func (t Template) HasCategory(category string) bool {
	for _, declared := range t.AwardCategories {
		if declared == category {
			return true
		}
	}
	return false
}

// EffectiveRankingMode returns the ranking mode, defaulting to standard.
func (t Template) EffectiveRankingMode() RankingMode {
	if t.RankingMode == "" {
		return RankingStandard
	}
	return t.RankingMode
}

// EffectiveProgression returns the progression strategy, defaulting to automatic.
func (t Template) EffectiveProgression() Progression {
	if t.Progression == "" {
		return ProgressionAutomatic
	}
	return t.Progression
}
