package activities

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/peerflow/internal/conditions"
	"github.com/MarcoPoloResearchLab/peerflow/internal/documents"
	"github.com/MarcoPoloResearchLab/peerflow/internal/ledger"
	"github.com/MarcoPoloResearchLab/peerflow/internal/templates"
	"github.com/MarcoPoloResearchLab/peerflow/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	peerReviewID  = "peer-review-v1"
	journalClubID = "journal-club-v1"
	sampleDir     = "../../config/templates"
)

type sequentialIDs struct {
	counter atomic.Int64
}

func (p *sequentialIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%06d", p.counter.Add(1)), nil
}

type recordingPublisher struct {
	transitions chan TransitionResult
}

func (p *recordingPublisher) PublishTransition(result TransitionResult) {
	select {
	case p.transitions <- result:
	default:
	}
}

type harness struct {
	service   *Service
	ledger    *ledger.Service
	documents *documents.Store
	users     *users.Service
	db        *gorm.DB
	published *recordingPublisher
	now       time.Time
}

func openEngineDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:activities_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	models := append(Models(),
		&ledger.Account{}, &ledger.Entry{},
		&documents.PaperVersion{},
		&users.Identity{}, &users.RoleGrant{},
		&templates.TemplateRecord{},
	)
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newHarness(t *testing.T, logger *zap.Logger) *harness {
	t.Helper()
	db := openEngineDatabase(t)
	h := &harness{
		db:        db,
		now:       time.Unix(1_800_000_000, 0).UTC(),
		published: &recordingPublisher{transitions: make(chan TransitionResult, 64)},
	}
	clock := func() time.Time { return h.now }
	ids := &sequentialIDs{}

	evaluator := conditions.NewEvaluator()
	registry := templates.NewRegistry(templates.NewStore(db, clock), evaluator, logger)
	if _, err := registry.LoadFrom(context.Background(), templates.DirectorySource{Dir: sampleDir}); err != nil {
		t.Fatalf("failed to load templates: %v", err)
	}

	var err error
	h.ledger, err = ledger.NewService(ledger.ServiceConfig{Database: db, Clock: clock, IDProvider: ids, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build ledger: %v", err)
	}
	h.documents = documents.NewStore(db, clock)
	h.users, err = users.NewService(users.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build users: %v", err)
	}
	h.service, err = NewService(ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: ids,
		Logger:     logger,
		Templates:  registry,
		Evaluator:  evaluator,
		Ledger:     h.ledger,
		Documents:  h.documents,
		Roles:      h.users,
		Publisher:  h.published,
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return h
}

func (h *harness) fund(t *testing.T, userID string, amount int64) {
	t.Helper()
	err := h.ledger.Credit(context.Background(), nil, ledger.Posting{Account: ledger.UserAccount(userID), Amount: amount, Reason: "seed"})
	if err != nil {
		t.Fatalf("failed to fund %s: %v", userID, err)
	}
}

func (h *harness) grant(t *testing.T, role templates.Role, userIDs ...string) {
	t.Helper()
	for _, userID := range userIDs {
		if err := h.users.GrantRole(context.Background(), userID, string(role), "test"); err != nil {
			t.Fatalf("failed to grant %s to %s: %v", role, userID, err)
		}
	}
}

func (h *harness) balance(t *testing.T, account string) int64 {
	t.Helper()
	value, err := h.ledger.Balance(context.Background(), account)
	if err != nil {
		t.Fatalf("failed to read balance of %s: %v", account, err)
	}
	return value
}

func (h *harness) create(t *testing.T, templateID, creator string) Activity {
	t.Helper()
	activity, err := h.service.Create(context.Background(), CreateRequest{TemplateID: templateID, PaperID: "paper-1", CreatorID: creator})
	if err != nil {
		t.Fatalf("failed to create activity: %v", err)
	}
	return activity
}

func (h *harness) join(t *testing.T, activityID string, reviewers ...string) {
	t.Helper()
	for _, reviewer := range reviewers {
		if _, err := h.service.Join(context.Background(), JoinRequest{ActivityID: activityID, UserID: reviewer, Role: templates.RoleReviewer}); err != nil {
			t.Fatalf("join %s failed: %v", reviewer, err)
		}
	}
}

func (h *harness) stage(t *testing.T, activityID string) templates.Stage {
	t.Helper()
	view, err := h.service.Get(context.Background(), activityID)
	if err != nil {
		t.Fatalf("failed to get activity: %v", err)
	}
	return view.CurrentStage
}

func (h *harness) transitions(t *testing.T, activityID string) []TransitionLog {
	t.Helper()
	entries, err := h.service.ListTransitions(context.Background(), activityID, -1)
	if err != nil {
		t.Fatalf("failed to list transitions: %v", err)
	}
	return entries
}

// startPeerReview funds the author, seats three reviewers and returns an
// activity in the review stage.
func (h *harness) startPeerReview(t *testing.T) Activity {
	t.Helper()
	h.fund(t, "author-1", 30)
	h.grant(t, templates.RoleReviewer, "reviewer-1", "reviewer-2", "reviewer-3")
	activity := h.create(t, peerReviewID, "author-1")
	h.join(t, activity.ActivityID, "reviewer-1", "reviewer-2", "reviewer-3")
	if stage := h.stage(t, activity.ActivityID); stage != templates.StageReview {
		t.Fatalf("expected review stage after three joins, got %s", stage)
	}
	return activity
}

func submission(activityID, participant string) SubmissionRequest {
	return SubmissionRequest{ActivityID: activityID, ParticipantID: participant, Body: "text from " + participant}
}

// reachAwardAllocation drives a started peer review through reviews, the
// author response and the finalization votes.
func (h *harness) reachAwardAllocation(t *testing.T, activityID string) {
	t.Helper()
	ctx := context.Background()
	for _, reviewer := range []string{"reviewer-1", "reviewer-2", "reviewer-3"} {
		if _, err := h.service.SubmitReview(ctx, submission(activityID, reviewer)); err != nil {
			t.Fatalf("review by %s failed: %v", reviewer, err)
		}
	}
	if _, err := h.service.SubmitResponse(ctx, submission(activityID, "author-1")); err != nil {
		t.Fatalf("response failed: %v", err)
	}
	for _, reviewer := range []string{"reviewer-1", "reviewer-2", "reviewer-3"} {
		if _, err := h.service.CastFinalizationVote(ctx, submission(activityID, reviewer)); err != nil {
			t.Fatalf("vote by %s failed: %v", reviewer, err)
		}
	}
	if stage := h.stage(t, activityID); stage != templates.StageAwardAllocation {
		t.Fatalf("expected award_allocation, got %s", stage)
	}
}
