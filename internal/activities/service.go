package activities

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/peerflow/internal/conditions"
	"github.com/MarcoPoloResearchLab/peerflow/internal/ledger"
	"github.com/MarcoPoloResearchLab/peerflow/internal/templates"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultPlatformAccount = "platform:pool"
	tracerName             = "github.com/MarcoPoloResearchLab/peerflow/internal/activities"
)

var noOpLogger = zap.NewNop()

type IDProvider interface {
	NewID() (string, error)
}

// TemplateProvider resolves immutable templates by id.
type TemplateProvider interface {
	Get(ctx context.Context, id string) (templates.Template, error)
}

// ConditionEvaluator decides whether an edge condition holds for a snapshot.
type ConditionEvaluator interface {
	Evaluate(expression conditions.Expression, snapshot conditions.Snapshot) (bool, error)
}

// Ledger moves tokens inside the caller's transaction.
type Ledger interface {
	Debit(ctx context.Context, tx *gorm.DB, posting ledger.Posting) error
	Credit(ctx context.Context, tx *gorm.DB, posting ledger.Posting) error
}

// DocumentVersions reports the newest known version of a paper.
type DocumentVersions interface {
	CurrentVersion(ctx context.Context, tx *gorm.DB, paperID string) (int, error)
}

// RoleDirectory answers whether a user may act in a participant role.
type RoleDirectory interface {
	HasRole(ctx context.Context, userID, role string) (bool, error)
}

// Publisher receives committed transitions.
type Publisher interface {
	PublishTransition(result TransitionResult)
}

type ServiceConfig struct {
	Database        *gorm.DB
	Clock           func() time.Time
	IDProvider      IDProvider
	Logger          *zap.Logger
	Templates       TemplateProvider
	Evaluator       ConditionEvaluator
	Ledger          Ledger
	Documents       DocumentVersions
	Roles           RoleDirectory
	Publisher       Publisher
	Tracer          trace.Tracer
	PlatformAccount string
}

// Service is the progression engine: it owns activity state and drives every
// stage change through a single transactional executor.
type Service struct {
	db              *gorm.DB
	clock           func() time.Time
	idProvider      IDProvider
	logger          *zap.Logger
	templates       TemplateProvider
	evaluator       ConditionEvaluator
	ledger          Ledger
	documents       DocumentVersions
	roles           RoleDirectory
	publisher       Publisher
	tracer          trace.Tracer
	platformAccount string
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Templates == nil {
		return nil, newServiceError(opServiceNew, "missing_templates", errMissingTemplates)
	}
	if cfg.Ledger == nil {
		return nil, newServiceError(opServiceNew, "missing_ledger", errMissingLedger)
	}
	if cfg.Documents == nil {
		return nil, newServiceError(opServiceNew, "missing_documents", errMissingDocuments)
	}
	if cfg.Roles == nil {
		return nil, newServiceError(opServiceNew, "missing_roles", errMissingRoles)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	evaluator := cfg.Evaluator
	if evaluator == nil {
		evaluator = conditions.NewEvaluator()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	platformAccount := strings.TrimSpace(cfg.PlatformAccount)
	if platformAccount == "" {
		platformAccount = defaultPlatformAccount
	}

	return &Service{
		db:              cfg.Database,
		clock:           clock,
		idProvider:      cfg.IDProvider,
		logger:          logger,
		templates:       cfg.Templates,
		evaluator:       evaluator,
		ledger:          cfg.Ledger,
		documents:       cfg.Documents,
		roles:           cfg.Roles,
		publisher:       cfg.Publisher,
		tracer:          tracer,
		platformAccount: platformAccount,
	}, nil
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

func (s *Service) newID() (string, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return id, nil
}

// templateFor resolves the template of an activity outside any transaction.
// The template id of an activity never changes, so the unlocked read is safe.
func (s *Service) templateFor(ctx context.Context, activityID string) (templates.Template, error) {
	if strings.TrimSpace(activityID) == "" {
		return templates.Template{}, fmt.Errorf("%w: activity id is required", ErrInvalidInput)
	}
	var activity Activity
	err := s.db.WithContext(ctx).
		Select("activity_id", "template_id").
		Where("activity_id = ?", activityID).
		Take(&activity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return templates.Template{}, fmt.Errorf("%w: %s", ErrActivityNotFound, activityID)
	}
	if err != nil {
		return templates.Template{}, err
	}
	return s.templates.Get(ctx, activity.TemplateID)
}

func lockActivity(tx *gorm.DB, activityID string) (Activity, error) {
	var activity Activity
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("activity_id = ?", activityID).
		Take(&activity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Activity{}, fmt.Errorf("%w: %s", ErrActivityNotFound, activityID)
	}
	if err != nil {
		return Activity{}, err
	}
	return activity, nil
}

func findParticipant(tx *gorm.DB, activityID, userID string) (Participant, bool, error) {
	var participant Participant
	err := tx.Where("activity_id = ? AND user_id = ?", activityID, userID).Take(&participant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Participant{}, false, nil
	}
	if err != nil {
		return Participant{}, false, err
	}
	return participant, true, nil
}

func (s *Service) publish(result *TransitionResult) {
	if result == nil {
		return
	}
	s.logger.Info("activity transitioned",
		zap.String("activity_id", result.ActivityID),
		zap.String("from", string(result.From)),
		zap.String("to", string(result.To)),
		zap.Int64("sequence", result.Sequence),
		zap.Int("round", result.Round),
		zap.String("actor", result.Actor))
	if s.publisher != nil {
		s.publisher.PublishTransition(*result)
	}
}
