package hubapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/farmer1st/farmer-code/internal/hub"
	"github.com/farmer1st/farmer-code/pkg/contracts"
	"github.com/farmer1st/farmer-code/pkg/models"
)

func (h *Handlers) getEscalation(c *gin.Context) {
	escalation, err := h.service.GetEscalation(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, escalation)
}

type resolveEscalationRequest struct {
	Action    string  `json:"action" binding:"required"`
	Response  *string `json:"response"`
	Responder string  `json:"responder" binding:"required"`
}

func (h *Handlers) resolveEscalation(c *gin.Context) {
	var req resolveEscalationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, contracts.NewAPIError(contracts.ErrCodeValidation, "invalid escalation payload"))
		return
	}

	action := models.HumanAction(req.Action)
	if !action.Valid() {
		c.JSON(http.StatusBadRequest, contracts.NewAPIError(contracts.ErrCodeValidation, "unknown action"))
		return
	}

	result, err := h.service.ResolveEscalation(c.Request.Context(), c.Param("id"), hub.ResolveRequest{
		Action:    action,
		Response:  req.Response,
		Responder: req.Responder,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
