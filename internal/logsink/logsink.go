// Package logsink persists the supervisor's bus events as per-channel log
// records. It is the only writer of channel_logs; routing log events over
// the bus (rather than calling the store from the supervisor directly)
// keeps the supervisor/store/persister dependency graph acyclic.
package logsink

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/streamforge/supervisor/internal/bus"
	"github.com/streamforge/supervisor/internal/log"
)

// Store is the persistence slice the sink writes through. Retention is the
// store's concern.
type Store interface {
	InsertLog(ctx context.Context, channelID, level, message string) error
}

// Persister subscribes to the bus and writes log-worthy events to the
// store. Persistence failures are swallowed after a debug record; the
// pipeline must never push back on the supervisor.
type Persister struct {
	store  Store
	sub    *bus.Subscription
	logger zerolog.Logger
}

// New attaches a Persister to eventBus.
func New(store Store, eventBus *bus.Bus) *Persister {
	return &Persister{
		store:  store,
		sub:    eventBus.Subscribe(256),
		logger: log.WithComponent("logsink"),
	}
}

// Run drains events until the bus closes or ctx is cancelled.
func (p *Persister) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.sub.Close()
			return
		case ev, ok := <-p.sub.C():
			if !ok {
				return
			}
			p.persist(ctx, ev)
		}
	}
}

func (p *Persister) persist(ctx context.Context, ev bus.Event) {
	level, message := render(ev)
	if message == "" {
		return
	}
	if err := p.store.InsertLog(ctx, ev.ChannelID, level, message); err != nil {
		p.logger.Debug().Err(err).Str("channel_id", ev.ChannelID).Msg("persisting channel log failed")
	}
}

func render(ev bus.Event) (level, message string) {
	switch ev.Kind {
	case bus.KindLogLine:
		return ev.Level, ev.Message
	case bus.KindChannelStarted:
		return "info", fmt.Sprintf("encoder started (pid %d)", ev.PID)
	case bus.KindChannelStopped:
		if ev.ExitCode != nil {
			return "info", fmt.Sprintf("encoder stopped (exit code %d)", *ev.ExitCode)
		}
		return "info", "encoder stopped"
	case bus.KindChannelError:
		return "error", ev.Err
	default:
		return "", ""
	}
}
