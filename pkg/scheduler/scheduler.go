// Package scheduler fires due timer jobs. The engine never tracks time itself;
// the scheduler polls the store for jobs whose due date has passed and hands
// them to Engine.FireTimer.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/tokenflow/tokenflow/pkg/engine"
	"github.com/tokenflow/tokenflow/pkg/telemetry"
)

// JobSource lists jobs that are due at a given time.
type JobSource interface {
	ListDueJobs(ctx context.Context, now time.Time, limit int) ([]*engine.Job, error)
}

// TimerFirer fires a timer job. *engine.Engine implements it.
type TimerFirer interface {
	FireTimer(ctx context.Context, jobID string) (*engine.Result, error)
}

// Scheduler polls a JobSource and fires due jobs with a pool of workers.
type Scheduler struct {
	source    JobSource
	firer     TimerFirer
	logger    zerolog.Logger
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
	events    *telemetry.EventPublisher
	now       func() time.Time
	interval  time.Duration
	batchSize int
	workers   int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithTelemetry records fired timers in tel's metrics, traces each firing and
// publishes failures.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(s *Scheduler) {
		s.metrics = tel.Metrics
		s.tracer = tel.Tracer
		s.events = tel.Events
	}
}

// WithClock sets the clock that decides which jobs are due.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		s.interval = d
	}
}

// WithBatchSize bounds the jobs fetched per poll.
func WithBatchSize(n int) Option {
	return func(s *Scheduler) {
		s.batchSize = n
	}
}

// WithWorkers sets how many jobs are fired concurrently. Jobs of one process
// instance are still serialized by the engine.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		s.workers = n
	}
}

// New creates a scheduler.
func New(source JobSource, firer TimerFirer, opts ...Option) *Scheduler {
	s := &Scheduler{
		source:    source,
		firer:     firer,
		logger:    zerolog.Nop(),
		now:       time.Now,
		interval:  time.Second,
		batchSize: 100,
		workers:   4,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.workers <= 0 {
		s.workers = 1
	}
	s.logger = s.logger.With().Str("component", "scheduler").Logger()
	return s
}

// Run polls until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Int("workers", s.workers).Msg("Scheduler started")
	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("Failed to poll due jobs")
		}

		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce fires every job due now, up to the batch size, and returns how many
// fired successfully. Jobs that fail are logged and published; only a failure
// to list the jobs is returned.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	jobs, err := s.source.ListDueJobs(ctx, s.now(), s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list due jobs: %w", err)
	}
	if s.metrics != nil {
		s.metrics.SetDueJobs(len(jobs))
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	workerCount := s.workers
	if len(jobs) < workerCount {
		workerCount = len(jobs)
	}

	queue := make(chan *engine.Job, len(jobs))
	for _, job := range jobs {
		queue <- job
	}
	close(queue)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fired int
	)
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range queue {
				if ctx.Err() != nil {
					return
				}
				if s.fire(ctx, job) {
					mu.Lock()
					fired++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	s.logger.Debug().Int("due", len(jobs)).Int("fired", fired).Msg("Due jobs processed")
	return fired, nil
}

// fire fires one job and reports whether it succeeded.
func (s *Scheduler) fire(ctx context.Context, job *engine.Job) bool {
	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.StartTimerSpan(ctx, job)
		defer span.End()
	}

	logger := s.logger.With().
		Str("job_id", job.ID).
		Str("process_instance_id", job.ProcessInstanceID).
		Str("activity_id", job.ActivityID).
		Logger()

	_, err := s.firer.FireTimer(ctx, job.ID)
	if span != nil {
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
	}

	switch {
	case err == nil:
		logger.Debug().Time("due_date", job.DueDate).Msg("Timer fired")
	case errors.Is(err, engine.ErrJobNotFound), errors.Is(err, engine.ErrProcessInstanceNotActive):
		// Another worker or caller got there first.
		logger.Debug().Err(err).Msg("Skipping stale job")
		return false
	default:
		logger.Error().Err(err).Msg("Failed to fire timer")
		if s.events != nil {
			_ = s.events.PublishTimerFailed(job, err)
		}
	}

	if s.metrics != nil {
		s.metrics.RecordTimerFired(err)
	}
	return err == nil
}
