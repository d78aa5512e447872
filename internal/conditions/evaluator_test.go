package conditions

import (
	"errors"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func reviewSnapshot(submitted int) Snapshot {
	return Snapshot{
		Round:                1,
		RoundCount:           2,
		RequiredParticipants: 3,
		Active:               map[string]int{"reviewer": 3, "author": 1},
		LockedIn:             map[string]int{"reviewer": submitted},
		Submissions:          map[string]int{"review": submitted},
		SubmittersByRole:     map[string]map[string]int{"review": {"reviewer": submitted}},
		Now:                  time.Unix(1_700_000_000, 0).UTC(),
	}
}

func TestEvaluateCombinators(t *testing.T) {
	evaluator := NewEvaluator()
	reviewsDone := Predicate(PredicateSubmissionsAtLeast, Params{"kind": "review", "count": "required"})

	testCases := []struct {
		name       string
		expression Expression
		snapshot   Snapshot
		expected   bool
	}{
		{name: "empty and", expression: And(), snapshot: reviewSnapshot(0), expected: true},
		{name: "empty or", expression: Or(), snapshot: reviewSnapshot(0), expected: false},
		{name: "threshold not met", expression: reviewsDone, snapshot: reviewSnapshot(2), expected: false},
		{name: "threshold met", expression: reviewsDone, snapshot: reviewSnapshot(3), expected: true},
		{name: "not negates", expression: Not(reviewsDone), snapshot: reviewSnapshot(2), expected: true},
		{
			name:       "and requires every child",
			expression: And(reviewsDone, Predicate(PredicateNotUnderModeration, nil)),
			snapshot: func() Snapshot {
				snapshot := reviewSnapshot(3)
				snapshot.ModerationState = ModerationPending
				return snapshot
			}(),
			expected: false,
		},
		{
			name:       "or accepts any child",
			expression: Or(reviewsDone, Predicate(PredicateAlways, nil)),
			snapshot:   reviewSnapshot(0),
			expected:   true,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			actual, err := evaluator.Evaluate(testCase.expression, testCase.snapshot)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if actual != testCase.expected {
				t.Fatalf("expected %v for %s, got %v", testCase.expected, testCase.expression, actual)
			}
		})
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	evaluator := NewEvaluator()
	expression := And(
		Predicate(PredicateLockedInAtLeast, Params{"role": "reviewer", "count": "2"}),
		Not(Predicate(PredicateDeadlineElapsed, nil)),
	)
	snapshot := reviewSnapshot(2)
	first, err := evaluator.Evaluate(expression, snapshot)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for attempt := 0; attempt < 10; attempt++ {
		again, err := evaluator.Evaluate(expression, snapshot)
		if err != nil || again != first {
			t.Fatalf("attempt %d diverged: %v %v", attempt, again, err)
		}
	}
}

func TestEvaluateUnknownPredicate(t *testing.T) {
	evaluator := NewEvaluator()
	_, err := evaluator.Evaluate(Predicate("moon_is_full", nil), reviewSnapshot(0))
	if !errors.Is(err, ErrUnknownPredicate) {
		t.Fatalf("expected ErrUnknownPredicate, got %v", err)
	}
	if err := evaluator.Validate(And(Predicate("moon_is_full", nil))); !errors.Is(err, ErrUnknownPredicate) {
		t.Fatalf("expected validation to reject unknown predicate, got %v", err)
	}
}

func TestValidateRejectsMalformedTrees(t *testing.T) {
	evaluator := NewEvaluator()
	testCases := []struct {
		name       string
		expression Expression
		expected   error
	}{
		{name: "not without child", expression: Expression{Op: OpNot}, expected: ErrMalformedExpression},
		{name: "unknown op", expression: Expression{Op: "xor"}, expected: ErrMalformedExpression},
		{name: "missing role", expression: Predicate(PredicateLockedInAtLeast, nil), expected: ErrInvalidParams},
		{name: "bad count", expression: Predicate(PredicateSubmissionsAtLeast, Params{"kind": "review", "count": "many"}), expected: ErrInvalidParams},
		{name: "bad status", expression: Predicate(PredicateParticipantsAtLeast, Params{"role": "reviewer", "status": "asleep"}), expected: ErrInvalidParams},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if err := evaluator.Validate(testCase.expression); !errors.Is(err, testCase.expected) {
				t.Fatalf("expected %v, got %v", testCase.expected, err)
			}
		})
	}
}

func TestBuiltinPredicates(t *testing.T) {
	evaluator := NewEvaluator()
	now := time.Unix(1_700_000_000, 0).UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	testCases := []struct {
		name       string
		expression Expression
		mutate     func(*Snapshot)
		expected   bool
	}{
		{
			name:       "participants at least required",
			expression: Predicate(PredicateParticipantsAtLeast, Params{"role": "reviewer"}),
			expected:   true,
		},
		{
			name:       "participants locked in status",
			expression: Predicate(PredicateParticipantsAtLeast, Params{"role": "reviewer", "status": "locked_in"}),
			expected:   false,
		},
		{
			name:       "all submitted waits for every active reviewer",
			expression: Predicate(PredicateAllSubmitted, Params{"kind": "review", "role": "reviewer"}),
			expected:   false,
		},
		{
			name:       "all submitted with full submitters",
			expression: Predicate(PredicateAllSubmitted, Params{"kind": "review", "role": "reviewer"}),
			mutate: func(snapshot *Snapshot) {
				snapshot.SubmittersByRole["review"]["reviewer"] = 3
			},
			expected: true,
		},
		{
			name:       "all submitted with no active participants",
			expression: Predicate(PredicateAllSubmitted, Params{"kind": "response", "role": "editor"}),
			expected:   false,
		},
		{
			name:       "deadline unset",
			expression: Predicate(PredicateDeadlineElapsed, nil),
			expected:   false,
		},
		{
			name:       "deadline passed",
			expression: Predicate(PredicateDeadlineElapsed, nil),
			mutate:     func(snapshot *Snapshot) { snapshot.StageDeadline = &past },
			expected:   true,
		},
		{
			name:       "deadline ahead",
			expression: Predicate(PredicateDeadlineElapsed, nil),
			mutate:     func(snapshot *Snapshot) { snapshot.StageDeadline = &future },
			expected:   false,
		},
		{
			name:       "paper revised",
			expression: Predicate(PredicatePaperRevised, nil),
			mutate: func(snapshot *Snapshot) {
				snapshot.PaperVersionAtStageEntry = 1
				snapshot.PaperVersion = 2
			},
			expected: true,
		},
		{
			name:       "rounds remaining on first of two",
			expression: Predicate(PredicateRoundsRemaining, nil),
			expected:   true,
		},
		{
			name:       "no rounds remaining on last",
			expression: Predicate(PredicateRoundsRemaining, nil),
			mutate:     func(snapshot *Snapshot) { snapshot.Round = 2 },
			expected:   false,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			snapshot := reviewSnapshot(1)
			snapshot.Now = now
			if testCase.mutate != nil {
				testCase.mutate(&snapshot)
			}
			actual, err := evaluator.Evaluate(testCase.expression, snapshot)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if actual != testCase.expected {
				t.Fatalf("expected %v, got %v", testCase.expected, actual)
			}
		})
	}
}

func TestExpressionYAMLForms(t *testing.T) {
	document := `
all:
  - predicate: submissions_at_least
    params:
      kind: review
      count: required
  - not: deadline_elapsed
  - any:
      - rounds_remaining
      - predicate: always
`
	var expression Expression
	if err := yaml.Unmarshal([]byte(document), &expression); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if expression.Op != OpAnd || len(expression.Children) != 3 {
		t.Fatalf("unexpected root: %s", expression)
	}
	if expression.Children[1].Op != OpNot || expression.Children[1].Children[0].Predicate != PredicateDeadlineElapsed {
		t.Fatalf("unexpected not branch: %s", expression.Children[1])
	}
	if err := NewEvaluator().Validate(expression); err != nil {
		t.Fatalf("validate: %v", err)
	}

	var ambiguous Expression
	err := yaml.Unmarshal([]byte("all: []\npredicate: always\n"), &ambiguous)
	if !errors.Is(err, ErrMalformedExpression) {
		t.Fatalf("expected ErrMalformedExpression for ambiguous node, got %v", err)
	}
}
