// Package scheduler drives the periodic pipeline jobs: stats refresh,
// listing backfill and the block window scan.
package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
)

// Job is one periodic unit of pipeline work
type Job interface {
	Run(ctx context.Context) error
}

type Scheduler struct {
	scheduler gocron.Scheduler
	logger    zerolog.Logger
}

func New(logger zerolog.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		scheduler: s,
		logger:    logger.With().Str("component", "scheduler").Logger(),
	}, nil
}

// Add registers a job at the given interval. The first run fires right
// away instead of waiting a full interval.
func (s *Scheduler) Add(ctx context.Context, name string, interval time.Duration, job Job) error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { s.run(ctx, name, job) }),
		gocron.WithName(name),
	)
	if err != nil {
		return err
	}

	go s.run(ctx, name, job)

	s.logger.Info().
		Str("job", name).
		Dur("interval", interval).
		Msg("Job scheduled")
	return nil
}

func (s *Scheduler) run(ctx context.Context, name string, job Job) {
	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		s.logger.Error().
			Err(err).
			Str("job", name).
			Dur("duration", time.Since(start)).
			Msg("Job failed")
		return
	}

	s.logger.Debug().
		Str("job", name).
		Dur("duration", time.Since(start)).
		Msg("Job completed")
}

func (s *Scheduler) Start() {
	s.scheduler.Start()
}

func (s *Scheduler) Stop() {
	s.logger.Info().Msg("Stopping scheduler")
	if err := s.scheduler.Shutdown(); err != nil {
		s.logger.Error().Err(err).Msg("Error shutting down scheduler")
	}
}
