package controllers

import (
	"errors"
	"net/http"

	"github.com/osvaldoandrade/mediaq/internal/services"

	"github.com/gin-gonic/gin"
)

type getResultController struct{ svc services.TaskService }

func NewGetResultController(svc services.TaskService) *getResultController {
	return &getResultController{svc: svc}
}

func (h *getResultController) Handle(c *gin.Context) {
	id := c.Param("id")
	res, err := h.svc.Result(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, services.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}
