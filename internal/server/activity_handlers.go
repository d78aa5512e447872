package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/peerflow/internal/activities"
	"github.com/MarcoPoloResearchLab/peerflow/internal/templates"
	"github.com/gin-gonic/gin"
)

type createActivityPayload struct {
	TemplateID string `json:"template_id"`
	PaperID    string `json:"paper_id"`
}

func (h *httpHandler) handleCreateActivity(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}
	var request createActivityPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.TemplateID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	activity, err := h.engine.Create(c.Request.Context(), activities.CreateRequest{
		TemplateID: request.TemplateID,
		PaperID:    request.PaperID,
		CreatorID:  userID,
	})
	if err != nil {
		h.writeError(c, "create_activity", err)
		return
	}
	c.JSON(http.StatusCreated, activity)
}

func (h *httpHandler) handleGetActivity(c *gin.Context) {
	view, err := h.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, "get_activity", err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *httpHandler) handleListParticipants(c *gin.Context) {
	participants, err := h.engine.ListParticipants(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, "list_participants", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participants": participants})
}

func (h *httpHandler) handleListTransitions(c *gin.Context) {
	after := int64(-1)
	if raw := strings.TrimSpace(c.Query("after")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < -1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor"})
			return
		}
		after = parsed
	}
	entries, err := h.engine.ListTransitions(c.Request.Context(), c.Param("id"), after)
	if err != nil {
		h.writeError(c, "list_transitions", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transitions": entries})
}

type invitePayload struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

func (h *httpHandler) handleInvite(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}
	var request invitePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	participant, err := h.engine.Invite(c.Request.Context(), activities.InviteRequest{
		ActivityID: c.Param("id"),
		CreatorID:  userID,
		UserID:     request.UserID,
		Role:       templates.Role(strings.TrimSpace(request.Role)),
	})
	if err != nil {
		h.writeError(c, "invite", err)
		return
	}
	c.JSON(http.StatusCreated, participant)
}

type joinPayload struct {
	Role string `json:"role"`
}

func (h *httpHandler) handleJoin(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}
	var request joinPayload
	if !bindOptionalJSON(c, &request) {
		return
	}
	result, err := h.engine.Join(c.Request.Context(), activities.JoinRequest{
		ActivityID: c.Param("id"),
		UserID:     userID,
		Role:       templates.Role(strings.TrimSpace(request.Role)),
	})
	if err != nil {
		h.writeError(c, "join", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleLeave(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}
	participant, err := h.engine.Leave(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		h.writeError(c, "leave", err)
		return
	}
	c.JSON(http.StatusOK, participant)
}

type submissionKind int

const (
	submissionReview submissionKind = iota
	submissionResponse
	submissionVote
)

type submissionPayload struct {
	Body string `json:"body"`
}

func (h *httpHandler) handleSubmission(kind submissionKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := h.currentUser(c)
		if !ok {
			return
		}
		var request submissionPayload
		if !bindOptionalJSON(c, &request) {
			return
		}
		submission := activities.SubmissionRequest{
			ActivityID:    c.Param("id"),
			ParticipantID: userID,
			Body:          request.Body,
		}
		var (
			result    activities.SubmissionResult
			err       error
			operation string
		)
		switch kind {
		case submissionResponse:
			operation = "submit_response"
			result, err = h.engine.SubmitResponse(c.Request.Context(), submission)
		case submissionVote:
			operation = "cast_finalization_vote"
			result, err = h.engine.CastFinalizationVote(c.Request.Context(), submission)
		default:
			operation = "submit_review"
			result, err = h.engine.SubmitReview(c.Request.Context(), submission)
		}
		if err != nil {
			h.writeError(c, operation, err)
			return
		}
		c.JSON(http.StatusCreated, result)
	}
}

type awardsPayload struct {
	Awards []activities.AwardInput `json:"awards"`
}

func (h *httpHandler) handleAwards(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}
	var request awardsPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Awards) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.engine.AllocateAwards(c.Request.Context(), activities.AwardRequest{
		ActivityID: c.Param("id"),
		GiverID:    userID,
		Awards:     request.Awards,
	})
	if err != nil {
		h.writeError(c, "allocate_awards", err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (h *httpHandler) handleAdvance(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}
	result, err := h.engine.Advance(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		h.writeError(c, "advance", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type reasonPayload struct {
	Reason string `json:"reason"`
}

func (h *httpHandler) handleCancel(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}
	var request reasonPayload
	if !bindOptionalJSON(c, &request) {
		return
	}
	result, err := h.engine.Cancel(c.Request.Context(), c.Param("id"), userID, request.Reason)
	if err != nil {
		h.writeError(c, "cancel", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleFlag(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}
	var request reasonPayload
	if !bindOptionalJSON(c, &request) {
		return
	}
	result, err := h.engine.FlagForModeration(c.Request.Context(), c.Param("id"), userID, request.Reason)
	if err != nil {
		h.writeError(c, "flag", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleResolveModeration(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}
	result, err := h.engine.ResolveModeration(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		h.writeError(c, "resolve_moderation", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleGetTemplate(c *gin.Context) {
	template, err := h.templates.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, "get_template", err)
		return
	}
	c.JSON(http.StatusOK, template)
}

type paperVersionPayload struct {
	Version int `json:"version"`
}

func (h *httpHandler) handleRecordPaperVersion(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}
	var request paperVersionPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	paperID := c.Param("id")
	if err := h.papers.RecordVersion(c.Request.Context(), paperID, request.Version, userID); err != nil {
		h.writeError(c, "record_paper_version", err)
		return
	}
	current, err := h.papers.CurrentVersion(c.Request.Context(), nil, paperID)
	if err != nil {
		h.writeError(c, "record_paper_version", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"paper_id": paperID, "current_version": current})
}
