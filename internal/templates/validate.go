package templates

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/peerflow/internal/conditions"
)

// ConditionValidator checks condition expressions without a snapshot.
type ConditionValidator interface {
	Validate(expression conditions.Expression) error
}

// Validate enforces the load-time invariants of a template. Predicate
// failures wrap conditions.ErrUnknownPredicate or conditions.ErrInvalidParams.
func (t Template) Validate(validator ConditionValidator) error {
	var problems []error
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	if t.ID == "" {
		fail("id is required")
	}
	if t.Version < 1 {
		fail("version must be positive")
	}
	switch t.Progression {
	case ProgressionAutomatic, ProgressionManual:
	default:
		fail("unknown progression %q", t.Progression)
	}
	switch t.RankingMode {
	case RankingStandard, RankingDense:
	default:
		fail("unknown ranking mode %q", t.RankingMode)
	}
	if t.ParticipantCount < 1 {
		fail("participant_count must be at least 1")
	}
	if t.RoundCount < 1 {
		fail("round_count must be at least 1")
	}
	if t.MaxPointsPerAward < 1 {
		fail("max_points_per_award must be at least 1")
	}
	if len(t.AwardCategories) == 0 {
		fail("at least one award category is required")
	}
	seenCategories := make(map[string]struct{}, len(t.AwardCategories))
	for _, category := range t.AwardCategories {
		if _, duplicate := seenCategories[category]; duplicate {
			fail("award category %q declared twice", category)
		}
		seenCategories[category] = struct{}{}
	}

	if t.InsuranceReserve < 0 {
		fail("insurance_reserve must not be negative")
	}
	var rankSum int64
	for index, tokens := range t.RankToTokens {
		if tokens < 0 {
			fail("rank %d pays a negative amount", index+1)
		}
		if index > 0 && tokens > t.RankToTokens[index-1] {
			fail("rank table must be non-increasing: rank %d pays more than rank %d", index+1, index)
		}
		rankSum += tokens
	}
	if rankSum+t.InsuranceReserve != t.TotalTokenPool {
		fail("rank table (%d) plus insurance (%d) must equal total_token_pool (%d)", rankSum, t.InsuranceReserve, t.TotalTokenPool)
	}

	declared := make(map[Stage]StageDefinition, len(t.Stages))
	for _, definition := range t.Stages {
		if _, duplicate := declared[definition.Name]; duplicate {
			fail("stage %q declared twice", definition.Name)
		}
		declared[definition.Name] = definition
		for _, rule := range definition.Accepts {
			if !rule.Kind.Valid() {
				fail("stage %q accepts unknown action kind %q", definition.Name, rule.Kind)
			}
			if !rule.Role.Valid() {
				fail("stage %q accepts unknown role %q", definition.Name, rule.Role)
			}
		}
		if definition.Duration < 0 {
			fail("stage %q has a negative duration", definition.Name)
		}
	}
	if _, ok := declared[t.InitialStage]; !ok {
		fail("initial stage %q is not declared", t.InitialStage)
	}
	completion, ok := declared[t.CompletionStage]
	if !ok {
		fail("completion stage %q is not declared", t.CompletionStage)
	} else if !completion.Terminal {
		fail("completion stage %q must be terminal", t.CompletionStage)
	}
	if cancelled, ok := declared[StageCancelled]; ok && !cancelled.Terminal {
		fail("stage %q must be terminal", StageCancelled)
	}
	if t.InitialStage == t.CompletionStage {
		fail("initial and completion stage must differ")
	}
	for _, definition := range t.Stages {
		if definition.Terminal && definition.Duration != 0 {
			fail("terminal stage %q must not declare a duration", definition.Name)
		}
	}

	tieBreaks := make(map[Stage]map[int]struct{})
	for index, edge := range t.Edges {
		if _, ok := declared[edge.From]; !ok {
			fail("edge %d leaves undeclared stage %q", index, edge.From)
		}
		if _, ok := declared[edge.To]; !ok {
			fail("edge %d enters undeclared stage %q", index, edge.To)
		}
		if t.IsTerminal(edge.From) {
			fail("edge %d leaves terminal stage %q", index, edge.From)
		}
		if edge.From == edge.To {
			fail("edge %d loops on stage %q", index, edge.From)
		}
		if _, ok := tieBreaks[edge.From]; !ok {
			tieBreaks[edge.From] = make(map[int]struct{})
		}
		if _, duplicate := tieBreaks[edge.From][edge.TieBreakOrder]; duplicate {
			fail("stage %q has two edges with tie break order %d", edge.From, edge.TieBreakOrder)
		}
		tieBreaks[edge.From][edge.TieBreakOrder] = struct{}{}
		if edge.Condition.Op == "" {
			fail("edge %s -> %s has no condition", edge.From, edge.To)
			continue
		}
		if validator != nil {
			if err := validator.Validate(edge.Condition); err != nil {
				problems = append(problems, fmt.Errorf("edge %s -> %s: %w", edge.From, edge.To, err))
			}
		}
	}

	reachable := t.reachableFrom(t.InitialStage)
	for _, definition := range t.Stages {
		if definition.Name == StageCancelled {
			continue
		}
		if _, ok := reachable[definition.Name]; !ok {
			fail("stage %q is unreachable from %q", definition.Name, t.InitialStage)
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: template %q: %w", ErrInvalidTemplate, t.ID, errors.Join(problems...))
}

func (t Template) reachableFrom(start Stage) map[Stage]struct{} {
	visited := map[Stage]struct{}{start: {}}
	queue := []Stage{start}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, edge := range t.OutgoingEdges(current) {
			if _, seen := visited[edge.To]; seen {
				continue
			}
			visited[edge.To] = struct{}{}
			queue = append(queue, edge.To)
		}
	}
	return visited
}
