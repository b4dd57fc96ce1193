// Package monitor runs the periodic liveness sweep: agents that stop
// heartbeating are marked offline and their claimed tasks are put back in
// play so the work is not lost with the worker.
package monitor

import (
	"context"
	"time"

	"github.com/Sugamdeol/hive-mind-hub/internal/engine"
	"github.com/Sugamdeol/hive-mind-hub/internal/logging"
)

const (
	// defaultInterval is how often the sweep runs.
	defaultInterval = 30 * time.Second

	// defaultOfflineAfter is how long since the last heartbeat before an
	// agent is considered offline.
	defaultOfflineAfter = 2 * time.Minute

	// defaultClaimTimeout is how long a claimed task may sit with a silent
	// owner before it is requeued.
	defaultClaimTimeout = 10 * time.Minute
)

// Monitor periodically checks agent liveness and requeues stranded tasks.
type Monitor struct {
	eng          engine.Engine
	logger       *logging.Logger
	interval     time.Duration
	offlineAfter time.Duration
	claimTimeout time.Duration
}

// Option configures the monitor.
type Option func(*Monitor)

// WithInterval sets the sweep interval.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithOfflineAfter sets the heartbeat age after which an agent is offline.
func WithOfflineAfter(d time.Duration) Option {
	return func(m *Monitor) { m.offlineAfter = d }
}

// WithClaimTimeout sets how stale an owner's heartbeat must be before its
// claimed tasks are requeued.
func WithClaimTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.claimTimeout = d }
}

func New(eng engine.Engine, logger *logging.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		eng:          eng,
		logger:       logger.Sub("monitor"),
		interval:     defaultInterval,
		offlineAfter: defaultOfflineAfter,
		claimTimeout: defaultClaimTimeout,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Run executes sweeps until ctx is cancelled. Sweep failures are logged
// and the loop keeps going; a transient database error must not kill
// liveness tracking for the whole fleet.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info().
		Dur("interval", m.interval).
		Dur("offline_after", m.offlineAfter).
		Dur("claim_timeout", m.claimTimeout).
		Msg("monitor started")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("monitor stopped")
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one liveness cycle. Exported so tests and operator tooling
// can trigger a cycle without the ticker.
func (m *Monitor) Sweep(ctx context.Context) {
	now := time.Now()

	flipped, err := m.eng.MarkStaleAgentsOffline(ctx, now.Add(-m.offlineAfter))
	if err != nil {
		m.logger.Error().Err(err).Msg("offline sweep failed")
	} else if flipped > 0 {
		m.logger.Warn().Int("agents", flipped).Msg("marked stale agents offline")
	}

	requeued, err := m.eng.ReassignStale(ctx, now.Add(-m.claimTimeout))
	if err != nil {
		m.logger.Error().Err(err).Msg("reassign sweep failed")
	} else if requeued > 0 {
		m.logger.Warn().Int("tasks", requeued).Msg("requeued stranded tasks")
	}
}
