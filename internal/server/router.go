package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/peerflow/internal/activities"
	"github.com/MarcoPoloResearchLab/peerflow/internal/auth"
	"github.com/MarcoPoloResearchLab/peerflow/internal/documents"
	"github.com/MarcoPoloResearchLab/peerflow/internal/templates"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	userIDContextKey         = "peerflow_user_id"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingIdentities     = errors.New("identity resolver dependency required")
	errMissingEngine         = errors.New("activity engine dependency required")
	errMissingTemplates      = errors.New("template lookup dependency required")
	errMissingPapers         = errors.New("paper versions dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

type TokenValidator interface {
	ValidateToken(token string) (auth.Principal, error)
}

type IdentityResolver interface {
	ResolveUserID(ctx context.Context, principal string, displayName string) (string, error)
}

// ActivityEngine is the progression engine surface exposed over HTTP.
type ActivityEngine interface {
	Create(ctx context.Context, request activities.CreateRequest) (activities.Activity, error)
	Get(ctx context.Context, activityID string) (activities.ActivityView, error)
	ListParticipants(ctx context.Context, activityID string) ([]activities.Participant, error)
	ListTransitions(ctx context.Context, activityID string, after int64) ([]activities.TransitionLog, error)
	Invite(ctx context.Context, request activities.InviteRequest) (activities.Participant, error)
	Join(ctx context.Context, request activities.JoinRequest) (activities.JoinResult, error)
	Leave(ctx context.Context, activityID, userID string) (activities.Participant, error)
	SubmitReview(ctx context.Context, request activities.SubmissionRequest) (activities.SubmissionResult, error)
	SubmitResponse(ctx context.Context, request activities.SubmissionRequest) (activities.SubmissionResult, error)
	CastFinalizationVote(ctx context.Context, request activities.SubmissionRequest) (activities.SubmissionResult, error)
	AllocateAwards(ctx context.Context, request activities.AwardRequest) (activities.SubmissionResult, error)
	Advance(ctx context.Context, activityID, actor string) (activities.TransitionResult, error)
	Cancel(ctx context.Context, activityID, creatorID, reason string) (activities.TransitionResult, error)
	FlagForModeration(ctx context.Context, activityID, actor, reason string) (activities.ModerationResult, error)
	ResolveModeration(ctx context.Context, activityID, actor string) (activities.ModerationResult, error)
}

type TemplateLookup interface {
	Get(ctx context.Context, id string) (templates.Template, error)
}

type PaperVersions interface {
	RecordVersion(ctx context.Context, paperID string, version int, recordedBy string) error
	CurrentVersion(ctx context.Context, tx *gorm.DB, paperID string) (int, error)
}

type Dependencies struct {
	Tokens            TokenValidator
	Identities        IdentityResolver
	Engine            ActivityEngine
	Templates         TemplateLookup
	Papers            PaperVersions
	Realtime          *RealtimeDispatcher
	Logger            *zap.Logger
	HeartbeatInterval time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Identities == nil {
		return nil, errMissingIdentities
	}
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Templates == nil {
		return nil, errMissingTemplates
	}
	if deps.Papers == nil {
		return nil, errMissingPapers
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:     deps.Tokens,
		identities: deps.Identities,
		engine:     deps.Engine,
		templates:  deps.Templates,
		papers:     deps.Papers,
		realtime:   realtime,
		logger:     logger,
		heartbeat:  heartbeat,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/templates/:id", handler.handleGetTemplate)
	protected.POST("/papers/:id/versions", handler.handleRecordPaperVersion)

	activityRoutes := protected.Group("/activities")
	activityRoutes.POST("", handler.handleCreateActivity)
	activityRoutes.GET("/:id", handler.handleGetActivity)
	activityRoutes.GET("/:id/participants", handler.handleListParticipants)
	activityRoutes.GET("/:id/transitions", handler.handleListTransitions)
	activityRoutes.GET("/:id/stream", handler.handleStream)
	activityRoutes.POST("/:id/invitations", handler.handleInvite)
	activityRoutes.POST("/:id/join", handler.handleJoin)
	activityRoutes.POST("/:id/leave", handler.handleLeave)
	activityRoutes.POST("/:id/reviews", handler.handleSubmission(submissionReview))
	activityRoutes.POST("/:id/responses", handler.handleSubmission(submissionResponse))
	activityRoutes.POST("/:id/votes", handler.handleSubmission(submissionVote))
	activityRoutes.POST("/:id/awards", handler.handleAwards)
	activityRoutes.POST("/:id/advance", handler.handleAdvance)
	activityRoutes.POST("/:id/cancel", handler.handleCancel)
	activityRoutes.POST("/:id/flag", handler.handleFlag)
	activityRoutes.POST("/:id/moderation/resolve", handler.handleResolveModeration)

	return router, nil
}

// corsMiddleware echoes the request origin so credentialed browser clients
// can open the event stream.
func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	tokens     TokenValidator
	identities IdentityResolver
	engine     ActivityEngine
	templates  TemplateLookup
	papers     PaperVersions
	realtime   *RealtimeDispatcher
	logger     *zap.Logger
	heartbeat  time.Duration
}

// authorizeRequest accepts a bearer header, or an access_token query
// parameter for EventSource clients that cannot set headers.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	} else if header == "" {
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	principal, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := h.identities.ResolveUserID(c.Request.Context(), principal.Subject, principal.DisplayName)
	if err != nil {
		h.logger.Error("identity resolution failed", zap.String("subject", principal.Subject), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

type errorMapping struct {
	sentinel error
	status   int
	name     string
}

var errorMappings = []errorMapping{
	{sentinel: activities.ErrStaleState, status: http.StatusConflict, name: "stale_state"},
	{sentinel: activities.ErrAlreadySubmitted, status: http.StatusConflict, name: "already_submitted"},
	{sentinel: activities.ErrStageClosed, status: http.StatusConflict, name: "stage_closed"},
	{sentinel: activities.ErrConditionNotMet, status: http.StatusConflict, name: "condition_not_met"},
	{sentinel: activities.ErrNotEligible, status: http.StatusForbidden, name: "not_eligible"},
	{sentinel: activities.ErrInsufficientFunds, status: http.StatusPaymentRequired, name: "insufficient_funds"},
	{sentinel: activities.ErrActivityNotFound, status: http.StatusNotFound, name: "not_found"},
	{sentinel: templates.ErrUnknownTemplate, status: http.StatusNotFound, name: "unknown_template"},
	{sentinel: activities.ErrInvalidInput, status: http.StatusBadRequest, name: "invalid_input"},
	{sentinel: documents.ErrInvalidVersion, status: http.StatusBadRequest, name: "invalid_version"},
	{sentinel: documents.ErrDuplicateVersion, status: http.StatusConflict, name: "duplicate_version"},
}

type serviceErrorCoder interface {
	Code() string
}

// writeError maps a service error to a status and a JSON body carrying the
// stable service code when one exists. Unmapped errors are defects.
func (h *httpHandler) writeError(c *gin.Context, operation string, err error) {
	status := http.StatusInternalServerError
	name := "internal"
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.sentinel) {
			status = mapping.status
			name = mapping.name
			break
		}
	}
	body := gin.H{"error": name}
	var coder serviceErrorCoder
	if errors.As(err, &coder) {
		body["code"] = coder.Code()
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
	}
	c.JSON(status, body)
}

func (h *httpHandler) currentUser(c *gin.Context) (string, bool) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}

// bindOptionalJSON decodes a JSON body when one is present.
func bindOptionalJSON(c *gin.Context, target any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(target); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return false
	}
	return true
}
