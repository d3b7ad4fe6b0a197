package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/iothub-portal/internal/events"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/iothub"
)

// Logger is the logging interface used by the Scheduler.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// ResultRecorder stores run results as time series points.
// *influxdb.Client implements it.
type ResultRecorder interface {
	WriteSyncResult(job string, seen, upserted, removed int, took time.Duration, failed bool)
}

// Config tunes the Scheduler.
type Config struct {
	Interval time.Duration
	PageSize int
}

// Scheduler runs reconciliation jobs periodically and on demand.
//
// Thread Safety: runs are serialised; Last may be called concurrently.
type Scheduler struct {
	hub      iothub.Registry
	jobs     []Job
	cfg      Config
	events   *events.Emitter
	recorder ResultRecorder
	logger   Logger

	runMu sync.Mutex
	mu    sync.RWMutex
	last  map[string]Result
}

// NewScheduler creates a scheduler for jobs. Zero config fields take
// defaults.
func NewScheduler(hub iothub.Registry, cfg Config, em *events.Emitter, jobs ...Job) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	return &Scheduler{
		hub:    hub,
		jobs:   jobs,
		cfg:    cfg,
		events: em,
		logger: noopLogger{},
		last:   make(map[string]Result),
	}
}

// SetLogger sets the logger.
func (s *Scheduler) SetLogger(logger Logger) {
	s.logger = logger
}

// SetRecorder enables time series recording of results.
func (s *Scheduler) SetRecorder(r ResultRecorder) {
	s.recorder = r
}

// Run executes every job now and then on each interval tick until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.RunNow(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunNow executes every job once, in order, and returns their results.
// A run already in progress is waited for.
func (s *Scheduler) RunNow(ctx context.Context) []Result {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	results := make([]Result, 0, len(s.jobs))
	for _, job := range s.jobs {
		if ctx.Err() != nil {
			break
		}
		res := Run(ctx, s.hub, job, s.cfg.PageSize)
		s.report(ctx, res)
		results = append(results, res)
	}
	return results
}

// Last returns the most recent result of every job that has run.
func (s *Scheduler) Last() []Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Result, 0, len(s.jobs))
	for _, job := range s.jobs {
		if res, ok := s.last[job.Name]; ok {
			out = append(out, res)
		}
	}
	return out
}

func (s *Scheduler) report(ctx context.Context, res Result) {
	s.mu.Lock()
	s.last[res.Job] = res
	s.mu.Unlock()

	args := []any{
		"job", res.Job,
		"seen", res.Seen,
		"upserted", res.Upserted,
		"skipped", res.Skipped,
		"removed", res.Removed,
		"duration", res.Duration,
	}
	switch {
	case !res.Complete:
		s.logger.Error("sync job incomplete", append(args, "error", res.Err)...)
	case res.Err != nil:
		s.logger.Warn("sync job finished with errors", append(args, "failed", res.Failed, "error", res.Err)...)
	default:
		s.logger.Info("sync job finished", args...)
	}

	if s.recorder != nil {
		s.recorder.WriteSyncResult(res.Job, res.Seen, res.Upserted, res.Removed, res.Duration, res.Err != nil)
	}
	s.events.Emit(ctx, events.SyncCompleted, "sync", res.Job, res)
}
