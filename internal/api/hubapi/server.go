// Package hubapi exposes the Agent Hub HTTP surface.
package hubapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/farmer1st/farmer-code/internal/config"
	"github.com/farmer1st/farmer-code/internal/hub"
	"github.com/farmer1st/farmer-code/internal/logging"
)

type Server struct {
	cfg        *config.Config
	service    *hub.Service
	sweeper    *hub.Sweeper
	httpServer *http.Server
}

func New(cfg *config.Config, service *hub.Service, sweeper *hub.Sweeper) *Server {
	return &Server{cfg: cfg, service: service, sweeper: sweeper}
}

func (s *Server) Start(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	handlers := NewHandlers(s.service)
	handlers.RegisterRoutes(router)

	if s.sweeper != nil {
		s.sweeper.Start()
		defer s.sweeper.Stop()
	}

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.HubPort),
		Handler: router,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("agent hub server error: %v", err)
		}
	}()
	logging.Info("agent hub listening on :%d", s.cfg.HubPort)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
