package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/neurobridge-contentgen/internal/http/response"
	"github.com/yungbote/neurobridge-contentgen/internal/platform/dbctx"
	"github.com/yungbote/neurobridge-contentgen/internal/services/requests"
)

type RequestHandler struct {
	svc requests.Service
}

func NewRequestHandler(svc requests.Service) *RequestHandler {
	return &RequestHandler{svc: svc}
}

// POST /v1/requests
func (h *RequestHandler) Create(c *gin.Context) {
	var in requests.CreateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	if in.CorrelationID == "" {
		in.CorrelationID = strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	}
	res, err := h.svc.Create(dbctx.New(c.Request.Context()), in)
	if err != nil {
		response.RespondServiceError(c, "create_request_failed", err)
		return
	}
	if res.Clarification != nil {
		response.RespondOK(c, gin.H{
			"needs_clarification": true,
			"questions":           res.Clarification.Questions,
		})
		return
	}
	response.RespondAccepted(c, gin.H{
		"request_id":     res.Request.ID,
		"correlation_id": res.Request.CorrelationID,
		"status":         res.Request.Status,
		"created":        res.Created,
	})
}

// GET /v1/requests/:id
func (h *RequestHandler) Status(c *gin.Context) {
	view, err := h.svc.Status(dbctx.New(c.Request.Context()), c.Param("id"))
	if err != nil {
		response.RespondServiceError(c, "status_failed", err)
		return
	}
	response.RespondOK(c, view)
}

// GET /v1/requests/:id/events
func (h *RequestHandler) Events(c *gin.Context) {
	evs, err := h.svc.Events(dbctx.New(c.Request.Context()), c.Param("id"))
	if err != nil {
		response.RespondServiceError(c, "events_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"events": evs})
}

// POST /v1/requests/:id/cancel
func (h *RequestHandler) Cancel(c *gin.Context) {
	ok, err := h.svc.Cancel(dbctx.New(c.Request.Context()), c.Param("id"))
	if err != nil {
		response.RespondServiceError(c, "cancel_failed", err)
		return
	}
	if !ok {
		response.RespondError(c, http.StatusConflict, "already_terminal", errors.New("request already finished"))
		return
	}
	response.RespondOK(c, gin.H{"cancelled": true})
}

type clarityBody struct {
	Query      string `json:"query"`
	GradeLevel int    `json:"grade_level"`
}

// POST /v1/clarity
func (h *RequestHandler) CheckClarity(c *gin.Context) {
	var body clarityBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	response.RespondOK(c, h.svc.CheckClarity(c.Request.Context(), body.Query, body.GradeLevel))
}
