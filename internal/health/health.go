// Package health implements the reconciliation loop: a single
// periodic task that drives each channel's persisted status toward the OS
// truth. A RUNNING channel whose pid vanished becomes ERROR (and may
// auto-restart, subject to the supervisor's budget); a RUNNING channel with
// no pid at all is corrected to STOPPED; channels mid-RESTARTING are left
// alone, except that stale restarts are demoted.
package health

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamforge/supervisor/internal/domain/model"
	"github.com/streamforge/supervisor/internal/log"
)

// Store is the persistence slice the loop needs.
type Store interface {
	ListChannelsByStatus(ctx context.Context, status model.Status) ([]model.Channel, error)
	GetChannel(ctx context.Context, id string) (model.Channel, error)
	SetStatusPID(ctx context.Context, id string, status model.Status, pid *int) error
}

// Supervisor is the process-supervisor slice the loop drives.
type Supervisor interface {
	HasSlot(id string) bool
	IsRestarting(id string) bool
	HandleUnexpectedExit(ctx context.Context, id string) error
	DemoteStaleRestarts(ctx context.Context)
}

// PidChecker answers OS process liveness.
type PidChecker interface {
	PidExists(pid int) bool
}

// Loop is the periodic reconciler.
type Loop struct {
	store    Store
	sup      Supervisor
	pids     PidChecker
	interval time.Duration
	logger   zerolog.Logger
}

// New constructs a Loop. A non-positive interval defaults to 30s.
func New(store Store, sup Supervisor, pids PidChecker, interval time.Duration) *Loop {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Loop{
		store:    store,
		sup:      sup,
		pids:     pids,
		interval: interval,
		logger:   log.WithComponent("health"),
	}
}

// Run ticks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.Reconcile(ctx)
		}
	}
}

// Reconcile performs one pass over all channels persisted as RUNNING.
func (l *Loop) Reconcile(ctx context.Context) {
	l.sup.DemoteStaleRestarts(ctx)

	running, err := l.store.ListChannelsByStatus(ctx, model.StatusRunning)
	if err != nil {
		l.logger.Error().Err(err).Msg("listing RUNNING channels")
		return
	}

	for _, ch := range running {
		if l.sup.IsRestarting(ch.ID) {
			continue
		}

		if ch.PID == nil {
			// RUNNING with no pid violates the status/pid invariant; nobody
			// is actually encoding, so correct to STOPPED.
			l.logger.Warn().Str("channel_id", ch.ID).Msg("RUNNING channel has no pid, correcting to STOPPED")
			if err := l.store.SetStatusPID(ctx, ch.ID, model.StatusStopped, nil); err != nil {
				l.logger.Error().Err(err).Str("channel_id", ch.ID).Msg("correcting pidless channel")
			}
			continue
		}

		if l.pids.PidExists(*ch.PID) {
			continue
		}

		// Re-read, not cached: an operator may have stopped the channel
		// between the list query and this check.
		fresh, err := l.store.GetChannel(ctx, ch.ID)
		if err != nil {
			l.logger.Debug().Err(err).Str("channel_id", ch.ID).Msg("channel disappeared during reconciliation")
			continue
		}
		if fresh.Status != model.StatusRunning {
			continue
		}

		l.logger.Warn().Str("channel_id", ch.ID).Int("pid", *ch.PID).Msg("supervised pid is gone, treating as unexpected exit")
		if err := l.sup.HandleUnexpectedExit(ctx, ch.ID); err != nil {
			l.logger.Error().Err(err).Str("channel_id", ch.ID).Msg("handling unexpected exit")
		}
	}
}
