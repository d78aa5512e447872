package activities

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/peerflow/internal/conditions"
	"github.com/MarcoPoloResearchLab/peerflow/internal/templates"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// ErrStaleState indicates the activity moved on before the caller's change landed.
	ErrStaleState = errors.New("activities: stale state")
	// ErrInvalidTransition indicates a stage change that the template does not declare.
	ErrInvalidTransition = errors.New("activities: invalid transition")
	// ErrAlreadySubmitted indicates a repeated submission for the same round and kind.
	ErrAlreadySubmitted = errors.New("activities: already submitted")
	// ErrStageClosed indicates an action outside the window that accepts it.
	ErrStageClosed = errors.New("activities: stage closed")
	// ErrNotEligible indicates a caller who may not perform the action.
	ErrNotEligible = errors.New("activities: not eligible")
	// ErrInsufficientFunds indicates a ledger shortfall during funding or awarding.
	ErrInsufficientFunds = errors.New("activities: insufficient funds")
	// ErrConditionNotMet indicates an explicit advance with no satisfied edge.
	ErrConditionNotMet = errors.New("activities: condition not met")
	// ErrActivityNotFound indicates an unknown activity id.
	ErrActivityNotFound = errors.New("activities: activity not found")
	// ErrInvalidInput indicates a malformed request.
	ErrInvalidInput = errors.New("activities: invalid input")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingTemplates  = errors.New("template provider is required")
	errMissingLedger     = errors.New("ledger is required")
	errMissingDocuments  = errors.New("document versions are required")
	errMissingRoles      = errors.New("role directory is required")
)

// ServiceError carries a stable "<operation>.<reason>" code and wraps the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew       = "activities.service.new"
	opCreate           = "activities.create"
	opGet              = "activities.get"
	opTransition       = "activities.transition"
	opAdvance          = "activities.advance"
	opSubmitReview     = "activities.submit_review"
	opSubmitResponse   = "activities.submit_response"
	opCastVote         = "activities.cast_finalization_vote"
	opAllocateAwards   = "activities.allocate_awards"
	opInvite           = "activities.invite"
	opJoin             = "activities.join"
	opLeave            = "activities.leave"
	opCancel           = "activities.cancel"
	opFlag             = "activities.flag_for_moderation"
	opResolve          = "activities.resolve_moderation"
	opListTransitions  = "activities.list_transitions"
	opListOverdue      = "activities.list_overdue"
	opListParticipants = "activities.list_participants"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type failureClass struct {
	sentinel error
	reason   string
	level    zapcore.Level
}

// Lost races log at info, workflow rejections at warn, configuration errors and defects at error.
var failureClasses = []failureClass{
	{sentinel: ErrStaleState, reason: "stale_state", level: zapcore.InfoLevel},
	{sentinel: ErrAlreadySubmitted, reason: "already_submitted", level: zapcore.InfoLevel},
	{sentinel: ErrStageClosed, reason: "stage_closed", level: zapcore.WarnLevel},
	{sentinel: ErrNotEligible, reason: "not_eligible", level: zapcore.WarnLevel},
	{sentinel: ErrConditionNotMet, reason: "condition_not_met", level: zapcore.WarnLevel},
	{sentinel: ErrActivityNotFound, reason: "not_found", level: zapcore.WarnLevel},
	{sentinel: ErrInvalidInput, reason: "invalid_input", level: zapcore.WarnLevel},
	{sentinel: ErrInsufficientFunds, reason: "insufficient_funds", level: zapcore.WarnLevel},
	{sentinel: templates.ErrUnknownTemplate, reason: "unknown_template", level: zapcore.ErrorLevel},
	{sentinel: conditions.ErrUnknownPredicate, reason: "unknown_predicate", level: zapcore.ErrorLevel},
	{sentinel: conditions.ErrInvalidParams, reason: "invalid_predicate_params", level: zapcore.ErrorLevel},
	{sentinel: ErrInvalidTransition, reason: "invalid_transition", level: zapcore.ErrorLevel},
}

// fail classifies err, logs it and returns a ServiceError for operation.
// Errors that already carry a code pass through unchanged.
func (s *Service) fail(operation string, err error, fields ...zap.Field) error {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return err
	}
	reason := "internal"
	level := zapcore.ErrorLevel
	for _, class := range failureClasses {
		if errors.Is(err, class.sentinel) {
			reason = class.reason
			level = class.level
			break
		}
	}
	s.logAt(level, operation, reason, err, fields...)
	return newServiceError(operation, reason, err)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	s.logAt(zapcore.ErrorLevel, operation, reason, err, fields...)
}

func (s *Service) logAt(level zapcore.Level, operation, reason string, err error, fields ...zap.Field) {
	logger := loggerOrDefault(s)
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	if entry := logger.Check(level, "activity operation failed"); entry != nil {
		entry.Write(allFields...)
	}
}

func loggerOrDefault(s *Service) *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}
