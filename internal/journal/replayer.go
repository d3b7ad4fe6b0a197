package journal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

// Compensator performs the repair an entry describes. A nil return closes
// the entry.
type Compensator interface {
	Compensate(ctx context.Context, e Entry) error
}

// CompensatorFunc adapts a function to Compensator.
type CompensatorFunc func(ctx context.Context, e Entry) error

// Compensate calls f.
func (f CompensatorFunc) Compensate(ctx context.Context, e Entry) error {
	return f(ctx, e)
}

// ErrNoCompensator is recorded on entries whose kind has no handler.
var ErrNoCompensator = errors.New("journal: no compensator for entity kind")

// Logger is the logging interface used by the Replayer.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// ReplayConfig tunes the Replayer.
type ReplayConfig struct {
	// Interval between replay passes.
	Interval time.Duration

	// MaxAttempts before an entry is marked failed.
	MaxAttempts int

	// BatchSize caps the entries handled per pass.
	BatchSize int

	// InitialBackoff is the delay after the first failed attempt. Later
	// attempts back off exponentially up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// ReplayResult summarises one pass.
type ReplayResult struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
}

// Replayer dispatches due entries to the compensator registered for their
// entity kind.
//
// Thread Safety: RunOnce calls are serialised.
type Replayer struct {
	repo         Repository
	cfg          ReplayConfig
	compensators map[EntityKind]Compensator
	logger       Logger
	now          func() time.Time
	mu           sync.Mutex
}

// NewReplayer creates a replayer. Zero config fields take defaults.
func NewReplayer(repo Repository, cfg ReplayConfig) *Replayer {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = cfg.Interval
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Hour
	}
	return &Replayer{
		repo:         repo,
		cfg:          cfg,
		compensators: make(map[EntityKind]Compensator),
		logger:       noopLogger{},
		now:          time.Now,
	}
}

// SetLogger sets the logger.
func (r *Replayer) SetLogger(logger Logger) {
	r.logger = logger
}

// Register installs the compensator for a kind. Call before Run.
func (r *Replayer) Register(kind EntityKind, c Compensator) {
	r.compensators[kind] = c
}

// Run replays on every interval tick until ctx is cancelled.
func (r *Replayer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("journal replay failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce replays every due entry once.
func (r *Replayer) RunOnce(ctx context.Context) (ReplayResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res ReplayResult
	now := r.now().UTC()
	entries, err := r.repo.Pending(ctx, now, r.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("loading pending journal entries: %w", err)
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Processed++

		cause := r.dispatch(ctx, e)
		if cause == nil {
			if err := r.repo.MarkDone(ctx, e.ID); err != nil {
				return res, err
			}
			res.Succeeded++
			r.logger.Info("journal entry replayed",
				"id", e.ID, "kind", e.EntityKind, "entity", e.EntityID, "action", e.Action)
			continue
		}

		attempts := e.Attempts + 1
		failed := attempts >= r.cfg.MaxAttempts
		next := now.Add(r.delay(attempts))
		if err := r.repo.MarkAttempt(ctx, e.ID, cause, next, failed); err != nil {
			return res, err
		}
		if failed {
			res.Failed++
			r.logger.Error("journal entry abandoned",
				"id", e.ID, "kind", e.EntityKind, "entity", e.EntityID, "action", e.Action,
				"attempts", attempts, "error", cause)
			continue
		}
		res.Retried++
		r.logger.Warn("journal entry replay failed",
			"id", e.ID, "kind", e.EntityKind, "entity", e.EntityID, "action", e.Action,
			"attempts", attempts, "next_attempt_at", next, "error", cause)
	}
	return res, nil
}

func (r *Replayer) dispatch(ctx context.Context, e Entry) error {
	c, ok := r.compensators[e.EntityKind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoCompensator, e.EntityKind)
	}
	return c.Compensate(ctx, e)
}

// delay is the wait after the given number of failed attempts.
func (r *Replayer) delay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialBackoff
	b.MaxInterval = r.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}
