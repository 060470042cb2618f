package hubapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/farmer1st/farmer-code/internal/db/repositories"
	"github.com/farmer1st/farmer-code/internal/hub"
	"github.com/farmer1st/farmer-code/internal/version"
	"github.com/farmer1st/farmer-code/pkg/contracts"
)

// Handlers serves the Agent Hub endpoints.
type Handlers struct {
	service   *hub.Service
	startedAt time.Time
}

func NewHandlers(service *hub.Service) *Handlers {
	return &Handlers{
		service:   service,
		startedAt: time.Now(),
	}
}

func (h *Handlers) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.health)
	router.GET("/agents", h.listAgents)
	router.POST("/invoke/:agent", h.invokeAgent)
	router.POST("/ask/:topic", h.askExpert)
	router.POST("/sessions", h.createSession)
	router.GET("/sessions/:id", h.getSession)
	router.DELETE("/sessions/:id", h.closeSession)
	router.GET("/escalations/:id", h.getEscalation)
	router.POST("/escalations/:id", h.resolveEscalation)
}

func (h *Handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, contracts.HealthResponse{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		Version:       version.Version,
	})
}

func (h *Handlers) listAgents(c *gin.Context) {
	agents := h.service.Routing().Agents()
	out := make([]gin.H, 0, len(agents))
	for _, agent := range agents {
		out = append(out, gin.H{
			"agent_id":      agent.ID,
			"topics":        agent.Topics,
			"default_model": agent.DefaultModel,
		})
	}
	c.JSON(http.StatusOK, gin.H{"agents": out})
}

// writeError maps service errors onto the stable HTTP taxonomy.
func (h *Handlers) writeError(c *gin.Context, err error) {
	var unknownAgent *hub.ErrUnknownAgent
	var unknownTopic *hub.ErrUnknownTopic

	switch {
	case errors.As(err, &unknownAgent):
		c.JSON(http.StatusNotFound, contracts.NewAPIError(contracts.ErrCodeUnknownAgent, err.Error()).
			WithDetails(map[string]any{"known_agents": unknownAgent.KnownAgents}))
	case errors.As(err, &unknownTopic):
		c.JSON(http.StatusNotFound, contracts.NewAPIError(contracts.ErrCodeUnknownTopic, err.Error()).
			WithDetails(map[string]any{"known_topics": unknownTopic.KnownTopics}))
	case errors.Is(err, hub.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, contracts.NewAPIError(contracts.ErrCodeUnknownSession, "session not found"))
	case errors.Is(err, hub.ErrSessionExpired):
		c.JSON(http.StatusBadRequest, contracts.NewAPIError(contracts.ErrCodeSessionExpired, "session expired"))
	case errors.Is(err, hub.ErrSessionNotActive):
		c.JSON(http.StatusBadRequest, contracts.NewAPIError(contracts.ErrCodeValidation, "session is closed"))
	case errors.Is(err, hub.ErrEscalationNotFound):
		c.JSON(http.StatusNotFound, contracts.NewAPIError(contracts.ErrCodeUnknownEscalation, "escalation not found"))
	case errors.Is(err, hub.ErrMissingResponse):
		c.JSON(http.StatusBadRequest, contracts.NewAPIError(contracts.ErrCodeMissingResponse, "response is required for the correct action"))
	case errors.Is(err, repositories.ErrAlreadyResolved):
		c.JSON(http.StatusConflict, contracts.NewAPIError(contracts.ErrCodeAlreadyResolved, "escalation already resolved"))
	case errors.Is(err, hub.ErrValidation):
		c.JSON(http.StatusBadRequest, contracts.NewAPIError(contracts.ErrCodeValidation, err.Error()))
	case errors.Is(err, hub.ErrWorkerTimeout):
		c.JSON(http.StatusGatewayTimeout, contracts.NewAPIError(contracts.ErrCodeWorkerTimeout, err.Error()))
	case errors.Is(err, hub.ErrWorkerError):
		c.JSON(http.StatusBadGateway, contracts.NewAPIError(contracts.ErrCodeWorkerError, err.Error()))
	case errors.Is(err, hub.ErrAuditWrite):
		c.JSON(http.StatusInternalServerError, contracts.NewAPIError(contracts.ErrCodeAuditWriteFailure, "audit write failed"))
	default:
		c.JSON(http.StatusInternalServerError, contracts.NewAPIError(contracts.ErrCodeInternal, "internal error"))
	}
}
