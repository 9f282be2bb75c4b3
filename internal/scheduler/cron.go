package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/LeventeLantos/message-dispatch/internal/metrics"
)

type CronJob struct {
	Name string
	// Spec is a standard five-field cron expression or a descriptor such as
	// "@daily".
	Spec string
	Run  func(context.Context)
}

// CronRunner runs jobs on calendar schedules. A job still running when its
// next slot comes up is skipped for that slot.
type CronRunner struct {
	cron    *cron.Cron
	logger  *slog.Logger
	timeout time.Duration

	running atomic.Bool

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

func NewCronRunner(logger *slog.Logger, loc *time.Location, timeout time.Duration, jobs ...CronJob) (*CronRunner, error) {
	if len(jobs) == 0 {
		return nil, errors.New("at least one job is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	cl := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	r := &CronRunner{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  logger,
		timeout: timeout,
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	for _, job := range jobs {
		if job.Name == "" || job.Run == nil {
			return nil, errors.New("job needs a name and a run function")
		}
		if _, err := r.cron.AddFunc(job.Spec, r.wrap(job)); err != nil {
			return nil, fmt.Errorf("job %s: invalid spec %q: %w", job.Name, job.Spec, err)
		}
	}
	return r, nil
}

func (r *CronRunner) Name() string { return "cron" }

func (r *CronRunner) wrap(job CronJob) func() {
	return func() {
		r.mu.Lock()
		parent := r.ctx
		r.mu.Unlock()

		ctx, cancel := context.WithTimeout(parent, r.timeout)
		defer cancel()

		start := time.Now()
		job.Run(ctx)

		metrics.SchedulerTicksTotal.WithLabelValues(job.Name).Inc()
		metrics.SchedulerTickDuration.WithLabelValues(job.Name).Observe(time.Since(start).Seconds())
		r.logger.Info("cron job finished", "job", job.Name, "duration_ms", time.Since(start).Milliseconds())
	}
}

func (r *CronRunner) Start() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return false
	}
	if r.ctx.Err() != nil {
		r.ctx, r.cancel = context.WithCancel(context.Background())
	}
	r.cron.Start()
	r.running.Store(true)
	r.logger.Info("cron runner started", "jobs", len(r.cron.Entries()))
	return true
}

// Stop cancels running jobs and waits for them to return.
func (r *CronRunner) Stop() bool {
	r.mu.Lock()
	if !r.running.Load() {
		r.mu.Unlock()
		return false
	}
	r.cancel()
	done := r.cron.Stop()
	r.running.Store(false)
	r.mu.Unlock()

	<-done.Done()
	r.logger.Info("cron runner stopped")
	return true
}

func (r *CronRunner) IsRunning() bool {
	return r.running.Load()
}
