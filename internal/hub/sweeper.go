package hub

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/farmer1st/farmer-code/internal/logging"
)

// Sweeper periodically expires overdue sessions and escalations and flushes
// the forge retry queue. Lazy checks on access stay authoritative; the
// sweeper just keeps the stores tidy between accesses.
type Sweeper struct {
	service *Service
	cron    *cron.Cron
}

func NewSweeper(service *Service, intervalMinutes int) *Sweeper {
	if intervalMinutes <= 0 {
		intervalMinutes = 5
	}

	s := &Sweeper{
		service: service,
		cron:    cron.New(),
	}

	spec := fmt.Sprintf("@every %dm", intervalMinutes)
	_, err := s.cron.AddFunc(spec, s.sweep)
	if err != nil {
		// The generated spec is constant-shaped; a failure here is a bug.
		panic(fmt.Sprintf("invalid sweep schedule %q: %v", spec, err))
	}
	return s
}

func (s *Sweeper) Start() {
	s.cron.Start()
}

func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) sweep() {
	ctx := context.Background()
	ts := now()

	if n, err := s.service.repos.Sessions.ExpireOverdue(ctx, ts); err != nil {
		logging.Error("session sweep failed: %v", err)
	} else if n > 0 {
		logging.Debug("expired %d overdue sessions", n)
	}

	if n, err := s.service.repos.Escalations.ExpireOverdue(ctx, ts); err != nil {
		logging.Error("escalation sweep failed: %v", err)
	} else if n > 0 {
		logging.Debug("expired %d overdue escalations", n)
	}

	if notifier, ok := s.service.forge.(*GitHubNotifier); ok {
		notifier.FlushRetryQueue(ctx)
	}
}
