package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/peerflow/internal/activities"
	"github.com/MarcoPoloResearchLab/peerflow/internal/auth"
	"github.com/MarcoPoloResearchLab/peerflow/internal/conditions"
	"github.com/MarcoPoloResearchLab/peerflow/internal/database"
	"github.com/MarcoPoloResearchLab/peerflow/internal/documents"
	"github.com/MarcoPoloResearchLab/peerflow/internal/ledger"
	"github.com/MarcoPoloResearchLab/peerflow/internal/templates"
	"github.com/MarcoPoloResearchLab/peerflow/internal/users"
	"go.uber.org/zap"
)

type integrationStack struct {
	server *httptest.Server
	tokens *auth.TokenIssuer
	ledger *ledger.Service
	users  *users.Service
}

func newIntegrationStack(t *testing.T) *integrationStack {
	t.Helper()
	logger := zap.NewNop()
	dsn := fmt.Sprintf("file:server_integration_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := database.OpenSQLite(dsn, logger)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	evaluator := conditions.NewEvaluator()
	registry := templates.NewRegistry(templates.NewStore(db, time.Now), evaluator, logger)
	if _, err := registry.LoadFrom(context.Background(), templates.DirectorySource{Dir: "../../config/templates"}); err != nil {
		t.Fatalf("failed to load templates: %v", err)
	}
	ledgerService, err := ledger.NewService(ledger.ServiceConfig{Database: db, Clock: time.Now, IDProvider: activities.NewUUIDProvider(), Logger: logger})
	if err != nil {
		t.Fatalf("failed to build ledger: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		t.Fatalf("failed to build users: %v", err)
	}
	papers := documents.NewStore(db, time.Now)
	dispatcher := NewRealtimeDispatcher()
	engine, err := activities.NewService(activities.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: activities.NewUUIDProvider(),
		Logger:     logger,
		Templates:  registry,
		Evaluator:  evaluator,
		Ledger:     ledgerService,
		Documents:  papers,
		Roles:      userService,
		Publisher:  dispatcher,
	})
	if err != nil {
		t.Fatalf("failed to build activity service: %v", err)
	}
	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "peerflow",
		Audience:      "peerflow-api",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Tokens:     tokenIssuer,
		Identities: userService,
		Engine:     engine,
		Templates:  registry,
		Papers:     papers,
		Realtime:   dispatcher,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &integrationStack{server: server, tokens: tokenIssuer, ledger: ledgerService, users: userService}
}

func (s *integrationStack) token(t *testing.T, subject string) string {
	t.Helper()
	token, _, err := s.tokens.IssueToken(auth.Principal{Subject: subject})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (s *integrationStack) post(t *testing.T, subject, path, body string) *http.Response {
	t.Helper()
	request, err := http.NewRequest(http.MethodPost, s.server.URL+path, bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+s.token(t, subject))
	request.Header.Set("Content-Type", "application/json")
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request to %s failed: %v", path, err)
	}
	t.Cleanup(func() { _ = response.Body.Close() })
	return response
}

func TestRealtimeStreamEmitsTransitionEvents(t *testing.T) {
	stack := newIntegrationStack(t)
	ctx := context.Background()
	if err := stack.ledger.Credit(ctx, nil, ledger.Posting{Account: ledger.UserAccount("author-1"), Amount: 30, Reason: "seed"}); err != nil {
		t.Fatalf("failed to fund author: %v", err)
	}
	for _, reviewer := range []string{"reviewer-1", "reviewer-2", "reviewer-3"} {
		if err := stack.users.GrantRole(ctx, reviewer, string(templates.RoleReviewer), "test"); err != nil {
			t.Fatalf("failed to grant reviewer role: %v", err)
		}
	}

	createResp := stack.post(t, "author-1", "/activities", `{"template_id":"peer-review-v1","paper_id":"paper-1"}`)
	if createResp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected create status: %d", createResp.StatusCode)
	}
	var created activities.Activity
	if err := json.NewDecoder(createResp.Body).Decode(&created); err != nil {
		t.Fatalf("failed to decode activity: %v", err)
	}
	if created.CurrentStage != templates.StageOpen {
		t.Fatalf("expected open stage, got %s", created.CurrentStage)
	}

	streamURL := stack.server.URL + "/activities/" + created.ActivityID + "/stream?access_token=" + stack.token(t, "author-1")
	streamRequest, err := http.NewRequest(http.MethodGet, streamURL, http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	streamResp, err := http.DefaultClient.Do(streamRequest)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = streamResp.Body.Close()
	})
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}
	streamReader := bufio.NewReader(streamResp.Body)

	for _, reviewer := range []string{"reviewer-1", "reviewer-2", "reviewer-3"} {
		joinResp := stack.post(t, reviewer, "/activities/"+created.ActivityID+"/join", `{"role":"reviewer"}`)
		if joinResp.StatusCode != http.StatusOK {
			t.Fatalf("unexpected join status for %s: %d", reviewer, joinResp.StatusCode)
		}
	}

	type eventPayload struct {
		ActivityID string                      `json:"activity_id"`
		Source     string                      `json:"source"`
		Payload    activities.TransitionResult `json:"payload"`
	}

	currentEventType := ""
	deadline := time.After(5 * time.Second)
	type readResult struct {
		line string
		err  error
	}
	for {
		resultCh := make(chan readResult, 1)
		go func() {
			line, err := streamReader.ReadString('\n')
			resultCh <- readResult{line: line, err: err}
		}()
		select {
		case <-deadline:
			t.Fatal("timed out waiting for realtime event")
		case res := <-resultCh:
			if res.err != nil {
				t.Fatalf("failed to read stream: %v", res.err)
			}
			line := strings.TrimSpace(res.line)
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "event:") {
				currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				continue
			}
			if !strings.HasPrefix(line, "data:") || currentEventType != RealtimeEventTransition {
				continue
			}
			var payload eventPayload
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &payload); err != nil {
				t.Fatalf("failed to decode event payload: %v", err)
			}
			if payload.ActivityID != created.ActivityID || payload.Source != realtimeSourceBackend {
				t.Fatalf("unexpected envelope: %#v", payload)
			}
			if payload.Payload.From != templates.StageOpen || payload.Payload.To != templates.StageReview {
				t.Fatalf("unexpected transition: %#v", payload.Payload)
			}
			return
		}
	}
}

func TestHTTPRejectsDuplicateReview(t *testing.T) {
	stack := newIntegrationStack(t)
	ctx := context.Background()
	if err := stack.ledger.Credit(ctx, nil, ledger.Posting{Account: ledger.UserAccount("author-1"), Amount: 30, Reason: "seed"}); err != nil {
		t.Fatalf("failed to fund author: %v", err)
	}
	reviewers := []string{"reviewer-1", "reviewer-2", "reviewer-3"}
	for _, reviewer := range reviewers {
		if err := stack.users.GrantRole(ctx, reviewer, string(templates.RoleReviewer), "test"); err != nil {
			t.Fatalf("failed to grant reviewer role: %v", err)
		}
	}
	createResp := stack.post(t, "author-1", "/activities", `{"template_id":"peer-review-v1","paper_id":"paper-1"}`)
	var created activities.Activity
	if err := json.NewDecoder(createResp.Body).Decode(&created); err != nil {
		t.Fatalf("failed to decode activity: %v", err)
	}
	for _, reviewer := range reviewers {
		stack.post(t, reviewer, "/activities/"+created.ActivityID+"/join", `{"role":"reviewer"}`)
	}

	reviewPath := "/activities/" + created.ActivityID + "/reviews"
	if resp := stack.post(t, "reviewer-1", reviewPath, `{"body":"sound methods"}`); resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected first review to be accepted, got %d", resp.StatusCode)
	}
	duplicate := stack.post(t, "reviewer-1", reviewPath, `{"body":"sound methods"}`)
	if duplicate.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate review, got %d", duplicate.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(duplicate.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	if body["error"] != "already_submitted" || body["code"] == "" {
		t.Fatalf("unexpected error body %+v", body)
	}

	if resp := stack.post(t, "author-1", reviewPath, `{"body":"self review"}`); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for author review, got %d", resp.StatusCode)
	}
}
