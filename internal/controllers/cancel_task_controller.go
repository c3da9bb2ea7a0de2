package controllers

import (
	"errors"
	"net/http"

	"github.com/osvaldoandrade/mediaq/internal/services"

	"github.com/gin-gonic/gin"
)

type cancelTaskController struct{ svc services.TaskService }

func NewCancelTaskController(svc services.TaskService) *cancelTaskController {
	return &cancelTaskController{svc}
}

func (h *cancelTaskController) Handle(c *gin.Context) {
	id := c.Param("id")
	task, err := h.svc.Cancel(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrTaskNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		case errors.Is(err, services.ErrTaskFinished), errors.Is(err, services.ErrInvalidCancel):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusAccepted, task)
}
