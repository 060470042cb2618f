// Package orchestratorapi exposes the Orchestrator HTTP surface.
package orchestratorapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/farmer1st/farmer-code/internal/config"
	"github.com/farmer1st/farmer-code/internal/logging"
	"github.com/farmer1st/farmer-code/internal/orchestrator"
)

type Server struct {
	cfg        *config.Config
	service    *orchestrator.Service
	httpServer *http.Server
}

func New(cfg *config.Config, service *orchestrator.Service) *Server {
	return &Server{cfg: cfg, service: service}
}

func (s *Server) Start(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	handlers := NewHandlers(s.service)
	handlers.RegisterRoutes(router)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.OrchestratorPort),
		Handler: router,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("orchestrator server error: %v", err)
		}
	}()
	logging.Info("orchestrator listening on :%d", s.cfg.OrchestratorPort)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
