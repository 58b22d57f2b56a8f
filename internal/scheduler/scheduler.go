package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog/log"

	"github.com/i474232898/weather-sync/internal/sync"
)

// Runner is the sync engine surface the scheduler drives.
type Runner interface {
	Run(ctx context.Context, ids []string) []sync.Report
}

// Scheduler periodically triggers a full sync run across all entities. Each
// run gets its own deadline so a stuck upstream cannot pile runs on top of
// each other.
type Scheduler struct {
	scheduler  *gocron.Scheduler
	runner     Runner
	interval   time.Duration
	runTimeout time.Duration
}

// New creates a new Scheduler.
func New(runner Runner, interval, runTimeout time.Duration) *Scheduler {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Scheduler{
		scheduler:  s,
		runner:     runner,
		interval:   interval,
		runTimeout: runTimeout,
	}
}

// Start schedules the periodic job and starts the underlying scheduler.
func (s *Scheduler) Start() error {
	minutes := int(s.interval.Minutes())
	if minutes <= 0 {
		minutes = 15
	}

	_, err := s.scheduler.Every(minutes).Minutes().Do(func() {
		log.Info().Msg("scheduler: starting sync run")

		ctx, cancel := context.WithTimeout(context.Background(), s.runTimeout)
		defer cancel()

		reports := s.runner.Run(ctx, nil)

		failed := 0
		rows := 0
		for _, r := range reports {
			if r.Failed() {
				failed++
			}
			rows += r.Rows
		}
		log.Info().
			Int("entities", len(reports)).
			Int("failed", failed).
			Int("rows", rows).
			Msg("scheduler: sync run completed")
	})
	if err != nil {
		return err
	}

	s.scheduler.StartAsync()
	return nil
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
