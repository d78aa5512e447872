package conditions

import (
	"fmt"
	"strconv"
	"strings"
)

// Built-in predicate names.
const (
	PredicateAlways              = "always"
	PredicateParticipantsAtLeast = "participants_at_least"
	PredicateLockedInAtLeast     = "locked_in_at_least"
	PredicateSubmissionsAtLeast  = "submissions_at_least"
	PredicateAllSubmitted        = "all_submitted"
	PredicateDeadlineElapsed     = "deadline_elapsed"
	PredicatePaperRevised        = "paper_revised"
	PredicateRoundsRemaining     = "rounds_remaining"
	PredicateNotUnderModeration  = "not_under_moderation"
)

const (
	paramRole   = "role"
	paramKind   = "kind"
	paramCount  = "count"
	paramStatus = "status"

	countRequired  = "required"
	statusLockedIn = "locked_in"
	statusActive   = "active"
)

func registerBuiltins(evaluator *Evaluator) {
	evaluator.Register(PredicateAlways, func(Snapshot, Params) (bool, error) {
		return true, nil
	}, nil)

	evaluator.Register(PredicateParticipantsAtLeast, func(snapshot Snapshot, params Params) (bool, error) {
		threshold, err := resolveCount(snapshot, params)
		if err != nil {
			return false, err
		}
		role := params[paramRole]
		switch strings.TrimSpace(params[paramStatus]) {
		case statusLockedIn:
			return snapshot.lockedInCount(role) >= threshold, nil
		default:
			return snapshot.activeCount(role) >= threshold, nil
		}
	}, checkParams(requireKey(paramRole), checkCount, checkStatus))

	evaluator.Register(PredicateLockedInAtLeast, func(snapshot Snapshot, params Params) (bool, error) {
		threshold, err := resolveCount(snapshot, params)
		if err != nil {
			return false, err
		}
		return snapshot.lockedInCount(params[paramRole]) >= threshold, nil
	}, checkParams(requireKey(paramRole), checkCount))

	evaluator.Register(PredicateSubmissionsAtLeast, func(snapshot Snapshot, params Params) (bool, error) {
		threshold, err := resolveCount(snapshot, params)
		if err != nil {
			return false, err
		}
		return snapshot.submissionCount(params[paramKind]) >= threshold, nil
	}, checkParams(requireKey(paramKind), checkCount))

	evaluator.Register(PredicateAllSubmitted, func(snapshot Snapshot, params Params) (bool, error) {
		kind := params[paramKind]
		role := params[paramRole]
		active := snapshot.activeCount(role)
		if active == 0 {
			return false, nil
		}
		return snapshot.submitterCount(kind, role) >= active, nil
	}, checkParams(requireKey(paramKind), requireKey(paramRole)))

	evaluator.Register(PredicateDeadlineElapsed, func(snapshot Snapshot, _ Params) (bool, error) {
		if snapshot.StageDeadline == nil {
			return false, nil
		}
		return !snapshot.Now.Before(*snapshot.StageDeadline), nil
	}, nil)

	evaluator.Register(PredicatePaperRevised, func(snapshot Snapshot, _ Params) (bool, error) {
		return snapshot.PaperVersion > snapshot.PaperVersionAtStageEntry, nil
	}, nil)

	evaluator.Register(PredicateRoundsRemaining, func(snapshot Snapshot, _ Params) (bool, error) {
		return snapshot.Round < snapshot.RoundCount, nil
	}, nil)

	evaluator.Register(PredicateNotUnderModeration, func(snapshot Snapshot, _ Params) (bool, error) {
		return snapshot.ModerationState != ModerationPending, nil
	}, nil)
}

// resolveCount reads the count param, where "required" (or an absent count)
// means the template's participant count.
func resolveCount(snapshot Snapshot, params Params) (int, error) {
	raw := strings.TrimSpace(params[paramCount])
	if raw == "" || raw == countRequired {
		return snapshot.RequiredParticipants, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%w: count %q", ErrInvalidParams, raw)
	}
	return value, nil
}

func checkParams(checks ...ParamsChecker) ParamsChecker {
	return func(params Params) error {
		for _, check := range checks {
			if err := check(params); err != nil {
				return err
			}
		}
		return nil
	}
}

func requireKey(key string) ParamsChecker {
	return func(params Params) error {
		if strings.TrimSpace(params[key]) == "" {
			return fmt.Errorf("%w: missing %s", ErrInvalidParams, key)
		}
		return nil
	}
}

func checkCount(params Params) error {
	_, err := resolveCount(Snapshot{}, params)
	return err
}

func checkStatus(params Params) error {
	switch strings.TrimSpace(params[paramStatus]) {
	case "", statusActive, statusLockedIn:
		return nil
	default:
		return fmt.Errorf("%w: status %q", ErrInvalidParams, params[paramStatus])
	}
}
