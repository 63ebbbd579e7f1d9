package supervisor

import (
	"context"
	"time"

	"github.com/streamforge/supervisor/internal/bus"
	"github.com/streamforge/supervisor/internal/domain/errors"
	"github.com/streamforge/supervisor/internal/domain/model"
	"github.com/streamforge/supervisor/internal/log"
	"github.com/streamforge/supervisor/internal/metrics"
)

// Restart stops and relaunches id's encoder. Only one restart per channel
// may be in flight: a second concurrent request returns CONFLICT. The
// in-progress restart re-reads the channel at every scheduling boundary and
// aborts if an operator stopped it meanwhile.
func (s *Supervisor) Restart(ctx context.Context, id string) error {
	if !s.beginRestarting(id) {
		return errors.New(errors.Conflict, "channel is already restarting", nil)
	}
	defer s.endRestarting(id)

	err := s.restartNow(ctx, id)
	switch {
	case err == nil:
		metrics.ChannelRestartsTotal.WithLabelValues("ok").Inc()
		// An operator-issued restart is the intervention that clears a
		// previously accumulated auto-restart budget.
		s.resetBudget(id)
	default:
		metrics.ChannelRestartsTotal.WithLabelValues("error").Inc()
	}
	return err
}

// restartNow runs the restart sequence under the RESTARTING exclusion:
// mark RESTARTING, stop keeping files, delay, re-check, purge, start.
func (s *Supervisor) restartNow(ctx context.Context, id string) error {
	lock := s.lockFor(id)
	lock.Lock()

	if _, err := s.store.GetChannel(ctx, id); err != nil {
		lock.Unlock()
		return err
	}
	if err := s.store.SetStatusPID(ctx, id, model.StatusRestarting, nil); err != nil {
		lock.Unlock()
		return errors.Wrap(errors.Internal, err)
	}

	if s.HasSlot(id) {
		if err := s.stopProcessOnly(ctx, id); err != nil {
			lock.Unlock()
			return s.failRestart(ctx, id, err)
		}
	}
	lock.Unlock()

	// Scheduling boundary: give the encoder's sockets and files a moment to
	// release, then re-verify nobody stopped the channel meanwhile.
	select {
	case <-time.After(s.opts.RestartDelay):
	case <-s.done:
		return errors.New(errors.Internal, "supervisor is shutting down", nil)
	case <-ctx.Done():
		return errors.Wrap(errors.Internal, ctx.Err())
	}

	ch, err := s.store.GetChannel(ctx, id)
	if err != nil {
		return err
	}
	if ch.Status == model.StatusStopped {
		s.logger.Info().Str("channel_id", id).Msg("restart aborted, channel was stopped concurrently")
		return nil
	}

	s.purgeMediaDir(id)

	lock.Lock()
	defer lock.Unlock()

	// Re-check immediately before spawning.
	ch, err = s.store.GetChannel(ctx, id)
	if err != nil {
		return err
	}
	if ch.Status == model.StatusStopped {
		s.logger.Info().Str("channel_id", id).Msg("restart aborted before spawn, channel was stopped concurrently")
		return nil
	}

	if err := s.startLocked(ctx, id); err != nil {
		return s.failRestart(ctx, id, err)
	}
	return nil
}

// stopProcessOnly terminates the slot without persisting STOPPED (the
// channel stays RESTARTING) and without clearing the restart budget.
func (s *Supervisor) stopProcessOnly(ctx context.Context, id string) error {
	s.mu.RLock()
	sl := s.slots[id]
	s.mu.RUnlock()
	if sl == nil {
		return nil
	}

	sl.stopRequested.Store(true)
	s.terminate(sl)
	s.removeSlot(sl)
	s.parser.Clear(id)
	return nil
}

func (s *Supervisor) failRestart(ctx context.Context, id string, err error) error {
	if serr := s.store.SetStatusPID(ctx, id, model.StatusError, nil); serr != nil {
		s.logger.Error().Err(serr).Str("channel_id", id).Msg("persisting ERROR after failed restart")
	}
	s.bus.Publish(bus.Event{Kind: bus.KindChannelError, ChannelID: id, Err: err.Error()})
	return err
}

// scheduleAutoRestart arms one delayed auto-restart attempt for id. The
// attempt re-reads the channel after the backoff and again before spawning,
// aborting when the declared status moved to STOPPED or RESTARTING.
func (s *Supervisor) scheduleAutoRestart(id string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		select {
		case <-time.After(s.opts.AutoRestartDelay):
		case <-s.done:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		ch, err := s.store.GetChannel(ctx, id)
		if err != nil {
			s.logger.Debug().Err(err).Str("channel_id", id).Msg("auto-restart aborted, channel unreadable")
			return
		}
		if ch.Status == model.StatusStopped || ch.Status == model.StatusRestarting {
			s.logger.Info().Str("channel_id", id).Str("status", string(ch.Status)).Msg("auto-restart aborted by declared status")
			return
		}
		if !ch.AutoRestart {
			return
		}

		if !s.allowRestart(id) {
			metrics.ChannelRestartsTotal.WithLabelValues("budget_exceeded").Inc()
			log.AuditInfo(ctx, "channel.restart_budget_exhausted",
				"auto-restart suppressed until operator intervention",
				map[string]any{"channel_id": id, "max_attempts": s.opts.RestartBudgetMax})
			if serr := s.store.SetStatusPID(ctx, id, model.StatusError, nil); serr != nil {
				s.logger.Error().Err(serr).Str("channel_id", id).Msg("persisting ERROR after budget exhaustion")
			}
			s.bus.Publish(bus.Event{Kind: bus.KindChannelError, ChannelID: id, Err: "restart budget exhausted"})
			return
		}

		if !s.beginRestarting(id) {
			return // a concurrent restart already owns the channel
		}
		defer s.endRestarting(id)

		// The attempt stays counted against the rolling window even when the
		// spawn itself succeeds: a crash-looping encoder must not refresh
		// its own budget. Operator stop/restart clears it.
		if err := s.restartNow(ctx, id); err != nil {
			metrics.ChannelRestartsTotal.WithLabelValues("error").Inc()
			s.logger.Warn().Err(err).Str("channel_id", id).Msg("auto-restart attempt failed")
			return
		}
		metrics.ChannelRestartsTotal.WithLabelValues("ok").Inc()
	}()
}

func (s *Supervisor) beginRestarting(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.restarting[id]; ok {
		return false
	}
	s.restarting[id] = time.Now()
	return true
}

func (s *Supervisor) endRestarting(id string) {
	s.mu.Lock()
	delete(s.restarting, id)
	s.mu.Unlock()
}

// allowRestart consumes one attempt from id's rolling restart budget and
// reports whether the attempt may proceed.
func (s *Supervisor) allowRestart(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.budgets[id]
	now := time.Now()
	if b == nil || now.Sub(b.windowStart) > s.opts.RestartBudgetWindow {
		b = &budget{windowStart: now}
		s.budgets[id] = b
	}
	b.count++
	return b.count <= s.opts.RestartBudgetMax
}

func (s *Supervisor) resetBudget(id string) {
	s.mu.Lock()
	delete(s.budgets, id)
	s.mu.Unlock()
}

// RestartAttempts reports the attempts consumed in id's current window.
func (s *Supervisor) RestartAttempts(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b := s.budgets[id]; b != nil {
		return b.count
	}
	return 0
}

// DemoteStaleRestarts demotes channels stuck in RESTARTING beyond the
// configured timeout to ERROR. Invoked by the health loop each period.
func (s *Supervisor) DemoteStaleRestarts(ctx context.Context) {
	s.mu.Lock()
	var stale []string
	for id, began := range s.restarting {
		if time.Since(began) > s.opts.RestartingTimeout {
			stale = append(stale, id)
			delete(s.restarting, id)
		}
	}
	s.mu.Unlock()

	for _, id := range stale {
		s.logger.Warn().Str("channel_id", id).Msg("restart did not advance in time, demoting to ERROR")
		if err := s.store.SetStatusPID(ctx, id, model.StatusError, nil); err != nil {
			s.logger.Error().Err(err).Str("channel_id", id).Msg("persisting ERROR for stale restart")
		}
		s.bus.Publish(bus.Event{Kind: bus.KindChannelError, ChannelID: id, Err: "restart timed out"})
	}
}
