package hubapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/farmer1st/farmer-code/pkg/contracts"
)

type createSessionRequest struct {
	AgentID   string  `json:"agent_id" binding:"required"`
	FeatureID *string `json:"feature_id"`
}

func (h *Handlers) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, contracts.NewAPIError(contracts.ErrCodeValidation, "invalid session payload"))
		return
	}

	session, err := h.service.CreateSession(c.Request.Context(), req.AgentID, req.FeatureID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (h *Handlers) getSession(c *gin.Context) {
	session, err := h.service.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *Handlers) closeSession(c *gin.Context) {
	session, err := h.service.CloseSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}
