// Package scheduler runs periodic catalog syncs across all active
// applications.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/tahplatform/accesshub/internal/catalog"
)

const jobTimeout = 10 * time.Minute

// Scheduler triggers scheduled bulk syncs on a cron expression.
type Scheduler struct {
	cron    *cron.Cron
	catalog *catalog.Service
	log     zerolog.Logger
}

// New builds a Scheduler. Start must still be called.
func New(cat *catalog.Service, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		catalog: cat,
		log:     log.With().Str("component", "scheduler").Logger(),
	}
}

// Start registers the sync job and launches the cron loop. An empty
// spec disables scheduled syncs.
func (s *Scheduler) Start(spec string) error {
	if spec == "" {
		s.log.Info().Msg("scheduled sync disabled")
		return nil
	}
	if _, err := s.cron.AddFunc(spec, s.runSync); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info().Str("schedule", spec).Msg("scheduled sync enabled")
	return nil
}

// Stop halts the cron loop and waits for a running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) runSync() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	result, err := s.catalog.BulkSync(ctx, nil, catalog.RunTypeScheduled, "scheduler")
	if err != nil {
		s.log.Error().Err(err).Msg("scheduled sync failed")
		return
	}
	s.log.Info().
		Int("total", result.TotalApps).
		Int("successful", result.Successful).
		Int("failed", result.Failed).
		Int("skipped", result.Skipped).
		Msg("scheduled sync finished")
}
