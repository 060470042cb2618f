package orchestratorapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/farmer1st/farmer-code/internal/orchestrator"
	"github.com/farmer1st/farmer-code/internal/version"
	"github.com/farmer1st/farmer-code/pkg/contracts"
	"github.com/farmer1st/farmer-code/pkg/models"
)

// Handlers serves the workflow endpoints.
type Handlers struct {
	service   *orchestrator.Service
	startedAt time.Time
}

func NewHandlers(service *orchestrator.Service) *Handlers {
	return &Handlers{
		service:   service,
		startedAt: time.Now(),
	}
}

func (h *Handlers) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.health)
	router.POST("/workflows", h.createWorkflow)
	router.GET("/workflows", h.listWorkflows)
	router.GET("/workflows/:id", h.getWorkflow)
	router.GET("/workflows/:id/history", h.getWorkflowHistory)
	router.POST("/workflows/:id/advance", h.advanceWorkflow)
}

type createWorkflowRequest struct {
	WorkflowType       string          `json:"workflow_type" binding:"required"`
	FeatureDescription string          `json:"feature_description" binding:"required"`
	Context            json.RawMessage `json:"context"`
}

type advanceWorkflowRequest struct {
	Trigger     string          `json:"trigger" binding:"required"`
	PhaseResult json.RawMessage `json:"phase_result"`
	Feedback    string          `json:"feedback"`
	Error       string          `json:"error"`
}

func (h *Handlers) createWorkflow(c *gin.Context) {
	var req createWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, contracts.NewAPIError(contracts.ErrCodeValidation, "invalid workflow payload"))
		return
	}

	wfType := models.WorkflowType(req.WorkflowType)
	if !wfType.Valid() {
		c.JSON(http.StatusBadRequest, contracts.NewAPIError(contracts.ErrCodeValidation, "unknown workflow_type"))
		return
	}
	if len(req.FeatureDescription) < models.MinFeatureDescriptionLen {
		c.JSON(http.StatusBadRequest, contracts.NewAPIError(contracts.ErrCodeValidation, "feature_description too short"))
		return
	}

	wf, err := h.service.CreateWorkflow(c.Request.Context(), wfType, req.FeatureDescription, req.Context)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, wf)
}

func (h *Handlers) getWorkflow(c *gin.Context) {
	wf, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, wf)
}

func (h *Handlers) listWorkflows(c *gin.Context) {
	status := models.WorkflowStatus(c.Query("status"))
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, contracts.NewAPIError(contracts.ErrCodeValidation, "unknown status filter"))
		return
	}

	workflows, err := h.service.List(c.Request.Context(), status)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflows": workflows})
}

func (h *Handlers) getWorkflowHistory(c *gin.Context) {
	history, err := h.service.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

func (h *Handlers) advanceWorkflow(c *gin.Context) {
	var req advanceWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, contracts.NewAPIError(contracts.ErrCodeValidation, "invalid advance payload"))
		return
	}

	trigger := models.WorkflowTrigger(req.Trigger)
	if !trigger.Valid() {
		c.JSON(http.StatusBadRequest, contracts.NewAPIError(contracts.ErrCodeValidation, "unknown trigger"))
		return
	}

	wf, err := h.service.Advance(c.Request.Context(), c.Param("id"), orchestrator.AdvanceRequest{
		Trigger:     trigger,
		PhaseResult: req.PhaseResult,
		Feedback:    req.Feedback,
		Error:       req.Error,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, wf)
}

func (h *Handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, contracts.HealthResponse{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		Version:       version.Version,
	})
}

func (h *Handlers) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrValidation):
		c.JSON(http.StatusBadRequest, contracts.NewAPIError(contracts.ErrCodeValidation, err.Error()))
	case errors.Is(err, orchestrator.ErrInvalidTransition):
		c.JSON(http.StatusBadRequest, contracts.NewAPIError(contracts.ErrCodeInvalidTransition, err.Error()))
	case errors.Is(err, orchestrator.ErrNotFound):
		c.JSON(http.StatusNotFound, contracts.NewAPIError(contracts.ErrCodeUnknownWorkflow, "workflow not found"))
	default:
		c.JSON(http.StatusInternalServerError, contracts.NewAPIError(contracts.ErrCodeInternal, "internal error"))
	}
}
