package hubapi

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/farmer1st/farmer-code/pkg/contracts"
)

type invokeAgentRequest struct {
	WorkflowType string          `json:"workflow_type" binding:"required"`
	Context      json.RawMessage `json:"context"`
	Parameters   json.RawMessage `json:"parameters"`
	SessionID    string          `json:"session_id"`
}

func (h *Handlers) invokeAgent(c *gin.Context) {
	var req invokeAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, contracts.NewAPIError(contracts.ErrCodeValidation, "invalid invoke payload"))
		return
	}

	resp, err := h.service.Invoke(c.Request.Context(), c.Param("agent"), contracts.InvokeRequest{
		WorkflowType: req.WorkflowType,
		Context:      req.Context,
		Parameters:   req.Parameters,
		SessionID:    req.SessionID,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type askExpertRequest struct {
	Question  string          `json:"question" binding:"required"`
	Context   json.RawMessage `json:"context"`
	FeatureID string          `json:"feature_id" binding:"required"`
	SessionID string          `json:"session_id"`
}

func (h *Handlers) askExpert(c *gin.Context) {
	var req askExpertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, contracts.NewAPIError(contracts.ErrCodeValidation, "invalid ask payload"))
		return
	}

	resp, err := h.service.Ask(c.Request.Context(), c.Param("topic"), contracts.AskExpertRequest{
		Question:  req.Question,
		Context:   req.Context,
		FeatureID: req.FeatureID,
		SessionID: req.SessionID,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
