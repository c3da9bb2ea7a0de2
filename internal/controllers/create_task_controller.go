package controllers

import (
	"errors"
	"net/http"

	"github.com/osvaldoandrade/mediaq/internal/middleware"
	"github.com/osvaldoandrade/mediaq/internal/services"
	"github.com/osvaldoandrade/mediaq/internal/tracing"
	"github.com/osvaldoandrade/mediaq/pkg/domain"

	"github.com/gin-gonic/gin"
)

type createTaskController struct{ svc services.TaskService }

func NewCreateTaskController(svc services.TaskService) *createTaskController {
	return &createTaskController{svc}
}

type createReq struct {
	Type        domain.TaskType `json:"type" binding:"required"`
	Payload     interface{}     `json:"payload" binding:"required"`
	Webhook     string          `json:"webhook,omitempty"`
	Idempotency string          `json:"idempotencyKey,omitempty"`
}

func (h *createTaskController) Handle(c *gin.Context) {
	var req createReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	payloadJSON, err := jsonMarshal(req.Payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	traceParent, traceState := tracing.TraceContextStrings(c.Request.Context())
	task, err := h.svc.Create(c.Request.Context(), req.Type, middleware.GetWorkspaceID(c),
		payloadJSON, req.Webhook, req.Idempotency, traceParent, traceState)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrUnknownType), errors.Is(err, services.ErrInvalidInput):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusAccepted, task)
}
