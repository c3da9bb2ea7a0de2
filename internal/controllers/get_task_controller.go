package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/mediaq/internal/services"

	"github.com/gin-gonic/gin"
)

type getTaskController struct{ svc services.TaskService }

func NewGetTaskController(svc services.TaskService) *getTaskController {
	return &getTaskController{svc}
}

func (h *getTaskController) Handle(c *gin.Context) {
	taskID := c.Param("id")
	task, err := h.svc.Get(c.Request.Context(), taskID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, task)
}
