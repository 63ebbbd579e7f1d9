// Package fanout pushes periodic per-channel snapshots (persisted record +
// live process stats + latest parsed metrics) to followers. A follower
// either tracks one channel or all channels; unfollow tears down its
// emitter, disconnect drains everything the subscriber owned.
package fanout

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamforge/supervisor/internal/domain/model"
	"github.com/streamforge/supervisor/internal/log"
	"github.com/streamforge/supervisor/internal/osstats"
	"github.com/streamforge/supervisor/internal/supervisor"
)

// Store is the persistence slice the fanout reads.
type Store interface {
	GetChannel(ctx context.Context, id string) (model.Channel, error)
	ListChannels(ctx context.Context) ([]model.Channel, error)
}

// SlotReader exposes the supervisor's live slots.
type SlotReader interface {
	Slot(id string) (supervisor.SlotInfo, bool)
}

// StatsCollector produces OS-level process stats.
type StatsCollector interface {
	Collect(ctx context.Context, pid int) osstats.ProcessInfo
}

// Snapshot is one push to a follower.
type Snapshot struct {
	Channel model.Channel        `json:"channel"`
	Process *osstats.ProcessInfo `json:"process,omitempty"`
	Metrics *model.MetricRecord  `json:"metrics,omitempty"`
}

// followAllKey is the scope key for whole-population followers.
const followAllKey = "*"

type emitter struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Fanout owns all follower emitters.
type Fanout struct {
	store    Store
	slots    SlotReader
	stats    StatsCollector
	interval time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	emitters map[string]map[string]*emitter // subscriber id -> scope -> emitter
	closed   bool
}

// New constructs a Fanout. A non-positive interval defaults to 2s.
func New(store Store, slots SlotReader, stats StatsCollector, interval time.Duration) *Fanout {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Fanout{
		store:    store,
		slots:    slots,
		stats:    stats,
		interval: interval,
		logger:   log.WithComponent("fanout"),
		emitters: make(map[string]map[string]*emitter),
	}
}

// FollowChannel starts pushing channelID's snapshots to sink at the
// configured cadence, keyed by subscriberID. Re-following the same scope
// replaces the previous emitter. Slow sinks drop snapshots, never block.
func (f *Fanout) FollowChannel(subscriberID, channelID string, sink chan<- Snapshot) {
	f.follow(subscriberID, channelID, sink)
}

// FollowAll pushes snapshots for every channel to sink.
func (f *Fanout) FollowAll(subscriberID string, sink chan<- Snapshot) {
	f.follow(subscriberID, followAllKey, sink)
}

func (f *Fanout) follow(subscriberID, scope string, sink chan<- Snapshot) {
	ctx, cancel := context.WithCancel(context.Background())
	em := &emitter{cancel: cancel, done: make(chan struct{})}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		cancel()
		close(em.done)
		return
	}
	scopes := f.emitters[subscriberID]
	if scopes == nil {
		scopes = make(map[string]*emitter)
		f.emitters[subscriberID] = scopes
	}
	if prev, ok := scopes[scope]; ok {
		prev.cancel()
	}
	scopes[scope] = em
	f.mu.Unlock()

	go f.run(ctx, em, scope, sink)
}

// Unfollow tears down one scope's emitter for subscriberID.
func (f *Fanout) Unfollow(subscriberID, channelID string) {
	f.stopScopes(subscriberID, channelID)
}

// UnfollowAll tears down subscriberID's whole-population emitter.
func (f *Fanout) UnfollowAll(subscriberID string) {
	f.stopScopes(subscriberID, followAllKey)
}

// Disconnect drains every emitter subscriberID owned.
func (f *Fanout) Disconnect(subscriberID string) {
	f.stopScopes(subscriberID, "")
}

func (f *Fanout) stopScopes(subscriberID, scope string) {
	f.mu.Lock()
	scopes := f.emitters[subscriberID]
	var stopped []*emitter
	for key, em := range scopes {
		if scope != "" && key != scope {
			continue
		}
		em.cancel()
		stopped = append(stopped, em)
		delete(scopes, key)
	}
	if len(scopes) == 0 {
		delete(f.emitters, subscriberID)
	}
	f.mu.Unlock()

	for _, em := range stopped {
		<-em.done
	}
}

// Close tears down every emitter and rejects new follows.
func (f *Fanout) Close() {
	f.mu.Lock()
	f.closed = true
	var all []*emitter
	for subID, scopes := range f.emitters {
		for _, em := range scopes {
			em.cancel()
			all = append(all, em)
		}
		delete(f.emitters, subID)
	}
	f.mu.Unlock()

	for _, em := range all {
		<-em.done
	}
}

func (f *Fanout) run(ctx context.Context, em *emitter, scope string, sink chan<- Snapshot) {
	defer close(em.done)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, snap := range f.snapshots(ctx, scope) {
				select {
				case sink <- snap:
				default:
					// Slow follower: drop rather than stall the emitter.
				}
			}
		}
	}
}

func (f *Fanout) snapshots(ctx context.Context, scope string) []Snapshot {
	if scope != followAllKey {
		ch, err := f.store.GetChannel(ctx, scope)
		if err != nil {
			f.logger.Debug().Err(err).Str("channel_id", scope).Msg("followed channel unreadable")
			return nil
		}
		return []Snapshot{f.snapshot(ctx, ch)}
	}

	channels, err := f.store.ListChannels(ctx)
	if err != nil {
		f.logger.Debug().Err(err).Msg("listing channels for follow-all")
		return nil
	}
	out := make([]Snapshot, 0, len(channels))
	for _, ch := range channels {
		out = append(out, f.snapshot(ctx, ch))
	}
	return out
}

func (f *Fanout) snapshot(ctx context.Context, ch model.Channel) Snapshot {
	snap := Snapshot{Channel: ch}

	if info, ok := f.slots.Slot(ch.ID); ok {
		pi := f.stats.Collect(ctx, info.PID)
		snap.Process = &pi
		snap.Metrics = info.Metrics
	}

	// Bitrate fallback chain: parsed/calculated from the encoder stream,
	// else the channel's configured rate with an explicit source tag.
	if snap.Metrics != nil && snap.Metrics.BitrateKbps == 0 {
		if kbps, ok := configuredKbps(ch.Params.VideoBitrate); ok {
			enriched := *snap.Metrics
			enriched.BitrateKbps = kbps
			enriched.Source = model.MetricSourceConfigured
			snap.Metrics = &enriched
		}
	}
	return snap
}

// configuredKbps parses a declared bitrate ("2000k", "2.5M", "800000") into
// kbits/s.
func configuredKbps(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	mult := 0.001 // plain bits/s
	switch {
	case strings.HasSuffix(strings.ToLower(s), "k"):
		mult = 1
		s = s[:len(s)-1]
	case strings.HasSuffix(strings.ToLower(s), "m"):
		mult = 1000
		s = s[:len(s)-1]
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v * mult, true
}
