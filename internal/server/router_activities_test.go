package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/peerflow/internal/activities"
	"github.com/MarcoPoloResearchLab/peerflow/internal/auth"
	"github.com/MarcoPoloResearchLab/peerflow/internal/documents"
	"github.com/MarcoPoloResearchLab/peerflow/internal/templates"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type codedError struct {
	code string
	err  error
}

func (e codedError) Error() string { return e.code + ": " + e.err.Error() }
func (e codedError) Unwrap() error { return e.err }
func (e codedError) Code() string { return e.code }

// stubEngine overrides the engine calls a test needs; any other call panics.
type stubEngine struct {
	ActivityEngine
	err         error
	lastReview  activities.SubmissionRequest
	lastAwards  activities.AwardRequest
	lastCreate  activities.CreateRequest
	lastCursor  int64
	cancelCalls int
}

func (s *stubEngine) Create(_ context.Context, request activities.CreateRequest) (activities.Activity, error) {
	s.lastCreate = request
	if s.err != nil {
		return activities.Activity{}, s.err
	}
	return activities.Activity{ActivityID: "a-1", TemplateID: request.TemplateID, CreatorID: request.CreatorID, CurrentStage: templates.StageOpen}, nil
}

func (s *stubEngine) Get(_ context.Context, activityID string) (activities.ActivityView, error) {
	if s.err != nil {
		return activities.ActivityView{}, s.err
	}
	return activities.ActivityView{Activity: activities.Activity{ActivityID: activityID}}, nil
}

func (s *stubEngine) ListTransitions(_ context.Context, _ string, after int64) ([]activities.TransitionLog, error) {
	s.lastCursor = after
	return nil, s.err
}

func (s *stubEngine) SubmitReview(_ context.Context, request activities.SubmissionRequest) (activities.SubmissionResult, error) {
	s.lastReview = request
	if s.err != nil {
		return activities.SubmissionResult{}, s.err
	}
	return activities.SubmissionResult{}, nil
}

func (s *stubEngine) AllocateAwards(_ context.Context, request activities.AwardRequest) (activities.SubmissionResult, error) {
	s.lastAwards = request
	return activities.SubmissionResult{}, s.err
}

func (s *stubEngine) Cancel(context.Context, string, string, string) (activities.TransitionResult, error) {
	s.cancelCalls++
	return activities.TransitionResult{}, s.err
}

type stubTemplates struct{}

func (stubTemplates) Get(_ context.Context, id string) (templates.Template, error) {
	return templates.Template{}, fmt.Errorf("%w: %q", templates.ErrUnknownTemplate, id)
}

type stubPapers struct {
	recordErr error
	current   int
}

func (s *stubPapers) RecordVersion(_ context.Context, _ string, version int, _ string) error {
	if s.recordErr != nil {
		return s.recordErr
	}
	s.current = version
	return nil
}

func (s *stubPapers) CurrentVersion(context.Context, *gorm.DB, string) (int, error) {
	return s.current, nil
}

func newStubHandler(t *testing.T, engine *stubEngine, papers *stubPapers, logger *zap.Logger) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if logger == nil {
		logger = zap.NewNop()
	}
	handler, err := NewHTTPHandler(Dependencies{
		Tokens:     stubTokenValidator{principal: auth.Principal{Subject: "caller"}},
		Identities: stubIdentities{},
		Engine:     engine,
		Templates:  stubTemplates{},
		Papers:     papers,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return handler
}

func perform(handler http.Handler, method, target, body string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, target, bytes.NewReader([]byte(body)))
	request.Header.Set("Authorization", "Bearer good")
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	complete := Dependencies{
		Tokens:     stubTokenValidator{},
		Identities: stubIdentities{},
		Engine:     &stubEngine{},
		Templates:  stubTemplates{},
		Papers:     &stubPapers{},
	}
	testCases := []struct {
		name   string
		mutate func(*Dependencies)
		want   error
	}{
		{name: "tokens", mutate: func(d *Dependencies) { d.Tokens = nil }, want: errMissingTokenValidator},
		{name: "identities", mutate: func(d *Dependencies) { d.Identities = nil }, want: errMissingIdentities},
		{name: "engine", mutate: func(d *Dependencies) { d.Engine = nil }, want: errMissingEngine},
		{name: "templates", mutate: func(d *Dependencies) { d.Templates = nil }, want: errMissingTemplates},
		{name: "papers", mutate: func(d *Dependencies) { d.Papers = nil }, want: errMissingPapers},
	}
	for _, testCase := range testCases {
		deps := complete
		testCase.mutate(&deps)
		if _, err := NewHTTPHandler(deps); !errors.Is(err, testCase.want) {
			t.Fatalf("%s: expected %v, got %v", testCase.name, testCase.want, err)
		}
	}
	if _, err := NewHTTPHandler(complete); err != nil {
		t.Fatalf("unexpected error for complete dependencies: %v", err)
	}
}

func TestHealthzIsPublic(t *testing.T) {
	handler := newStubHandler(t, &stubEngine{}, &stubPapers{}, nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestCreateActivityUsesAuthenticatedCreator(t *testing.T) {
	engine := &stubEngine{}
	handler := newStubHandler(t, engine, &stubPapers{}, nil)

	recorder := perform(handler, http.MethodPost, "/activities", `{"template_id":"peer-review-v1","paper_id":"paper-9"}`)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if engine.lastCreate.CreatorID != "user-caller" || engine.lastCreate.PaperID != "paper-9" {
		t.Fatalf("unexpected create request %+v", engine.lastCreate)
	}
	var activity activities.Activity
	if err := json.Unmarshal(recorder.Body.Bytes(), &activity); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if activity.ActivityID != "a-1" || activity.CurrentStage != templates.StageOpen {
		t.Fatalf("unexpected activity %+v", activity)
	}

	if recorder := perform(handler, http.MethodPost, "/activities", `{"paper_id":"paper-9"}`); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing template, got %d", recorder.Code)
	}
}

func TestServiceErrorsMapToStatusCodes(t *testing.T) {
	testCases := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{name: "stale", err: activities.ErrStaleState, wantStatus: http.StatusConflict, wantError: "stale_state"},
		{name: "duplicate", err: activities.ErrAlreadySubmitted, wantStatus: http.StatusConflict, wantError: "already_submitted"},
		{name: "closed", err: activities.ErrStageClosed, wantStatus: http.StatusConflict, wantError: "stage_closed"},
		{name: "ineligible", err: activities.ErrNotEligible, wantStatus: http.StatusForbidden, wantError: "not_eligible"},
		{name: "unfunded", err: activities.ErrInsufficientFunds, wantStatus: http.StatusPaymentRequired, wantError: "insufficient_funds"},
		{name: "missing", err: activities.ErrActivityNotFound, wantStatus: http.StatusNotFound, wantError: "not_found"},
		{name: "malformed", err: activities.ErrInvalidInput, wantStatus: http.StatusBadRequest, wantError: "invalid_input"},
		{name: "defect", err: errors.New("disk full"), wantStatus: http.StatusInternalServerError, wantError: "internal"},
	}
	for _, testCase := range testCases {
		engine := &stubEngine{err: codedError{code: "activities.submit_review.test", err: testCase.err}}
		handler := newStubHandler(t, engine, &stubPapers{}, nil)

		recorder := perform(handler, http.MethodPost, "/activities/a-1/reviews", `{"body":"looks good"}`)
		if recorder.Code != testCase.wantStatus {
			t.Fatalf("%s: expected %d, got %d", testCase.name, testCase.wantStatus, recorder.Code)
		}
		var body map[string]string
		if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s: failed to decode body: %v", testCase.name, err)
		}
		if body["error"] != testCase.wantError || body["code"] != "activities.submit_review.test" {
			t.Fatalf("%s: unexpected body %+v", testCase.name, body)
		}
	}
}

func TestInternalErrorsAreLogged(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	engine := &stubEngine{err: errors.New("disk full")}
	handler := newStubHandler(t, engine, &stubPapers{}, zap.New(core))

	if recorder := perform(handler, http.MethodPost, "/activities/a-1/cancel", ""); recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", recorder.Code)
	}
	if engine.cancelCalls != 1 {
		t.Fatalf("expected one cancel call, got %d", engine.cancelCalls)
	}
	if logs.FilterMessage("request failed").FilterLevelExact(zapcore.ErrorLevel).Len() != 1 {
		t.Fatalf("expected request failure log, got %+v", logs.All())
	}
}

func TestSubmitReviewForwardsCaller(t *testing.T) {
	engine := &stubEngine{}
	handler := newStubHandler(t, engine, &stubPapers{}, nil)

	if recorder := perform(handler, http.MethodPost, "/activities/a-7/reviews", `{"body":"minor revisions"}`); recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", recorder.Code)
	}
	want := activities.SubmissionRequest{ActivityID: "a-7", ParticipantID: "user-caller", Body: "minor revisions"}
	if engine.lastReview != want {
		t.Fatalf("unexpected submission %+v", engine.lastReview)
	}
	if recorder := perform(handler, http.MethodPost, "/activities/a-7/reviews", `{"body":`); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed json, got %d", recorder.Code)
	}
}

func TestAwardsRequireAtLeastOneLine(t *testing.T) {
	engine := &stubEngine{}
	handler := newStubHandler(t, engine, &stubPapers{}, nil)

	if recorder := perform(handler, http.MethodPost, "/activities/a-1/awards", `{"awards":[]}`); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	body := `{"awards":[{"receiver_id":"reviewer-2","category":"insight","points":4}]}`
	if recorder := perform(handler, http.MethodPost, "/activities/a-1/awards", body); recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", recorder.Code)
	}
	if engine.lastAwards.GiverID != "user-caller" || len(engine.lastAwards.Awards) != 1 || engine.lastAwards.Awards[0].Points != 4 {
		t.Fatalf("unexpected award request %+v", engine.lastAwards)
	}
}

func TestListTransitionsCursor(t *testing.T) {
	testCases := []struct {
		target     string
		wantStatus int
		wantCursor int64
	}{
		{target: "/activities/a-1/transitions", wantStatus: http.StatusOK, wantCursor: -1},
		{target: "/activities/a-1/transitions?after=3", wantStatus: http.StatusOK, wantCursor: 3},
		{target: "/activities/a-1/transitions?after=soon", wantStatus: http.StatusBadRequest},
		{target: "/activities/a-1/transitions?after=-5", wantStatus: http.StatusBadRequest},
	}
	for _, testCase := range testCases {
		engine := &stubEngine{lastCursor: 99}
		handler := newStubHandler(t, engine, &stubPapers{}, nil)
		recorder := perform(handler, http.MethodGet, testCase.target, "")
		if recorder.Code != testCase.wantStatus {
			t.Fatalf("%s: expected %d, got %d", testCase.target, testCase.wantStatus, recorder.Code)
		}
		if testCase.wantStatus == http.StatusOK && engine.lastCursor != testCase.wantCursor {
			t.Fatalf("%s: expected cursor %d, got %d", testCase.target, testCase.wantCursor, engine.lastCursor)
		}
	}
}

func TestTemplateAndPaperRoutes(t *testing.T) {
	papers := &stubPapers{}
	handler := newStubHandler(t, &stubEngine{}, papers, nil)

	if recorder := perform(handler, http.MethodGet, "/templates/missing", ""); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown template, got %d", recorder.Code)
	}

	recorder := perform(handler, http.MethodPost, "/papers/paper-1/versions", `{"version":2}`)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", recorder.Code)
	}
	var body struct {
		PaperID        string `json:"paper_id"`
		CurrentVersion int    `json:"current_version"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.PaperID != "paper-1" || body.CurrentVersion != 2 {
		t.Fatalf("unexpected body %+v", body)
	}

	papers.recordErr = documents.ErrDuplicateVersion
	if recorder := perform(handler, http.MethodPost, "/papers/paper-1/versions", `{"version":2}`); recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate version, got %d", recorder.Code)
	}
	papers.recordErr = documents.ErrInvalidVersion
	if recorder := perform(handler, http.MethodPost, "/papers/paper-1/versions", `{"version":0}`); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid version, got %d", recorder.Code)
	}
}

func TestStreamRejectsUnknownActivity(t *testing.T) {
	engine := &stubEngine{err: activities.ErrActivityNotFound}
	handler := newStubHandler(t, engine, &stubPapers{}, nil)
	if recorder := perform(handler, http.MethodGet, "/activities/missing/stream", ""); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}
