// Package maintain runs the scheduled hygiene pass over the durable
// store, archiving summaries whose heat decayed below the floor.
package maintain

import (
	"fmt"
	"log"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/stellarlinkco/recall/internal/config"
	"github.com/stellarlinkco/recall/internal/store"
)

// Service owns the cron scheduler. A single service per process is
// expected; Start and Stop pair.
type Service struct {
	mu       sync.Mutex
	cron     *cron.Cron
	st       *store.Store
	schedule string
	minHeat  float64
	started  bool
}

func NewService(cfg config.MaintenanceConfig, st *store.Store) *Service {
	return &Service{
		cron:     cron.New(cron.WithSeconds()),
		st:       st,
		schedule: cfg.DecaySchedule,
		minHeat:  cfg.MinHeat,
	}
}

// Start registers the decay sweep and launches the scheduler.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	if _, err := s.cron.AddFunc(s.schedule, func() {
		if _, err := s.RunOnce(); err != nil {
			log.Printf("[maintain] scheduled decay sweep: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule decay sweep %q: %w", s.schedule, err)
	}

	s.cron.Start()
	s.started = true
	log.Printf("[maintain] decay sweep scheduled: %s (min heat %.2f)", s.schedule, s.minHeat)
	return nil
}

// Stop halts the scheduler. Already-running jobs finish.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.started = false
}

// RunOnce performs one decay sweep immediately and reports how many
// summaries were archived.
func (s *Service) RunOnce() (int, error) {
	archived, err := s.st.ArchiveDecayed(s.minHeat)
	if err != nil {
		return 0, fmt.Errorf("decay sweep: %w", err)
	}
	if archived > 0 {
		log.Printf("[maintain] archived %d decayed summaries", archived)
	}
	return archived, nil
}
