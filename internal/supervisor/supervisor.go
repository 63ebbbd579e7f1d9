// Package supervisor implements the process supervisor: it owns the
// live set of running encoder processes, drives the per-channel state
// machine (STOPPED/RUNNING/ERROR/RESTARTING), enforces the restart budget,
// and emits typed lifecycle and log events to the bus.
//
// Concurrency discipline: the slot table and restart bookkeeping are
// guarded by one RWMutex that is never held across I/O; per-channel
// serialization of start/stop/restart rides a keyed mutex; the RESTARTING
// exclusion set plus the persisted status together prevent interleaved
// transitions.
package supervisor

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/renameio/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/streamforge/supervisor/internal/bus"
	"github.com/streamforge/supervisor/internal/domain/errors"
	"github.com/streamforge/supervisor/internal/domain/model"
	"github.com/streamforge/supervisor/internal/log"
	"github.com/streamforge/supervisor/internal/metrics"
	"github.com/streamforge/supervisor/internal/platform/fs"
	"github.com/streamforge/supervisor/internal/procgroup"
)

// ChannelStore is the slice of the persistence layer the supervisor needs.
type ChannelStore interface {
	GetChannel(ctx context.Context, id string) (model.Channel, error)
	SetStatusPID(ctx context.Context, id string, status model.Status, pid *int) error
}

// ArgvBuilder is the command-builder dependency.
type ArgvBuilder interface {
	Build(ctx context.Context, channel model.Channel, output model.Output) (string, []string, error)
}

// StderrParser is the metrics-parser dependency.
type StderrParser interface {
	Feed(channelID string, data []byte) []model.MetricRecord
	Clear(channelID string)
}

// Options tunes supervision behavior. Zero values select the defaults.
type Options struct {
	MediaRoot string

	TermGrace time.Duration // SIGTERM wait before escalation
	KillWait  time.Duration // SIGKILL wait

	RestartDelay      time.Duration // pause between stop and start inside restart
	AutoRestartDelay  time.Duration // backoff before an auto-restart attempt
	RestartingTimeout time.Duration // RESTARTING entries older than this demote to ERROR

	RestartBudgetMax    int
	RestartBudgetWindow time.Duration
}

func (o *Options) applyDefaults() {
	if o.TermGrace <= 0 {
		o.TermGrace = 500 * time.Millisecond
	}
	if o.KillWait <= 0 {
		o.KillWait = 200 * time.Millisecond
	}
	if o.RestartDelay <= 0 {
		o.RestartDelay = 1 * time.Second
	}
	if o.AutoRestartDelay <= 0 {
		o.AutoRestartDelay = 5 * time.Second
	}
	if o.RestartingTimeout <= 0 {
		o.RestartingTimeout = 10 * time.Second
	}
	if o.RestartBudgetMax <= 0 {
		o.RestartBudgetMax = 25
	}
	if o.RestartBudgetWindow <= 0 {
		o.RestartBudgetWindow = 2 * time.Minute
	}
}

// slot is the in-memory record of one running encoder.
type slot struct {
	channelID string
	program   string
	argv      []string
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time

	mu          sync.Mutex
	latest      *model.MetricRecord
	logResidual string

	stopRequested atomic.Bool
	readers       sync.WaitGroup // stdout/stderr reader tasks
	exited        chan struct{}  // closed once cmd.Wait returned
	waitErr       error          // valid after exited closes
}

func (sl *slot) setMetrics(rec model.MetricRecord) {
	sl.mu.Lock()
	sl.latest = &rec
	sl.mu.Unlock()
}

func (sl *slot) metrics() *model.MetricRecord {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.latest == nil {
		return nil
	}
	cp := *sl.latest
	return &cp
}

// SlotInfo is a read-only snapshot of a live slot.
type SlotInfo struct {
	ChannelID string
	PID       int
	StartedAt time.Time
	Program   string
	Argv      []string
	Metrics   *model.MetricRecord
}

type budget struct {
	count       int
	windowStart time.Time
}

// Supervisor owns the living process set.
type Supervisor struct {
	store   ChannelStore
	builder ArgvBuilder
	parser  StderrParser
	bus     *bus.Bus
	opts    Options
	logger  zerolog.Logger

	mu         sync.RWMutex
	slots      map[string]*slot
	restarting map[string]time.Time
	budgets    map[string]*budget

	chanLocks sync.Map // channel id -> *sync.Mutex

	wg       sync.WaitGroup
	done     chan struct{}
	shutdown atomic.Bool
}

// New constructs a Supervisor. The bus may be shared with other emitters.
func New(store ChannelStore, builder ArgvBuilder, parser StderrParser, eventBus *bus.Bus, opts Options) *Supervisor {
	opts.applyDefaults()
	return &Supervisor{
		store:      store,
		builder:    builder,
		parser:     parser,
		bus:        eventBus,
		opts:       opts,
		logger:     log.WithComponent("supervisor"),
		slots:      make(map[string]*slot),
		restarting: make(map[string]time.Time),
		budgets:    make(map[string]*budget),
		done:       make(chan struct{}),
	}
}

func (s *Supervisor) lockFor(id string) *sync.Mutex {
	v, _ := s.chanLocks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// HasSlot reports whether id has a live supervised process.
func (s *Supervisor) HasSlot(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.slots[id]
	return ok
}

// Slot returns a snapshot of id's live slot, if any.
func (s *Supervisor) Slot(id string) (SlotInfo, bool) {
	s.mu.RLock()
	sl, ok := s.slots[id]
	s.mu.RUnlock()
	if !ok {
		return SlotInfo{}, false
	}
	return SlotInfo{
		ChannelID: sl.channelID,
		PID:       sl.pid,
		StartedAt: sl.startedAt,
		Program:   sl.program,
		Argv:      append([]string(nil), sl.argv...),
		Metrics:   sl.metrics(),
	}, true
}

// IsRestarting reports whether id currently holds the RESTARTING exclusion.
func (s *Supervisor) IsRestarting(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.restarting[id]
	return ok
}

// Start launches id's encoder. Serialized per channel; fails with CONFLICT
// if a live slot already exists. Failures roll the persisted status to
// ERROR.
func (s *Supervisor) Start(ctx context.Context, id string) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return s.startLocked(ctx, id)
}

func (s *Supervisor) startLocked(ctx context.Context, id string) error {
	if s.shutdown.Load() {
		return errors.New(errors.Internal, "supervisor is shutting down", nil)
	}
	if s.HasSlot(id) {
		return errors.New(errors.Conflict, "channel is already running", nil)
	}

	ch, err := s.store.GetChannel(ctx, id)
	if err != nil {
		return err
	}
	if err := ch.Validate(); err != nil {
		return s.failStart(ctx, id, errors.New(errors.Validation, err.Error(), err))
	}
	output, _ := ch.PrimaryOutput()

	mediaDir, err := s.mediaDir(id)
	if err != nil {
		return s.failStart(ctx, id, errors.Wrap(errors.Internal, err))
	}
	if err := os.MkdirAll(mediaDir, 0o755); err != nil {
		return s.failStart(ctx, id, errors.New(errors.Internal, "create media directory", err))
	}
	if output.Kind == model.OutputHLS {
		if output.Dir == "" {
			output.Dir = mediaDir
		}
		// Bootstrap the playlist atomically so the static file server never
		// observes a partial index while the encoder warms up.
		if err := renameio.WriteFile(filepath.Join(output.Dir, "index.m3u8"),
			[]byte("#EXTM3U\n#EXT-X-VERSION:3\n"), 0o644); err != nil {
			return s.failStart(ctx, id, errors.New(errors.Internal, "bootstrap playlist", err))
		}
	}

	timer := prometheus.NewTimer(metrics.EncoderSpawnDuration)
	defer timer.ObserveDuration()

	program, argv, err := s.builder.Build(ctx, ch, output)
	if err != nil {
		return s.failStart(ctx, id, err)
	}

	cmd := exec.Command(program, argv...)
	procgroup.Set(cmd)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return s.failStart(ctx, id, errors.New(errors.Spawn, "stdout pipe", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return s.failStart(ctx, id, errors.New(errors.Spawn, "stderr pipe", err))
	}

	if err := cmd.Start(); err != nil {
		return s.failStart(ctx, id, errors.New(errors.Spawn, "spawn encoder", err))
	}

	sl := &slot{
		channelID: id,
		program:   program,
		argv:      argv,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		exited:    make(chan struct{}),
	}

	s.mu.Lock()
	s.slots[id] = sl
	s.mu.Unlock()
	metrics.ChannelsRunning.Inc()

	s.wg.Add(3)
	sl.readers.Add(2)
	go s.readStderr(sl, stderr)
	go s.readStdout(sl, stdout)
	go s.waitAndHandle(sl)

	if err := s.store.SetStatusPID(ctx, id, model.StatusRunning, &sl.pid); err != nil {
		s.logger.Error().Err(err).Str("channel_id", id).Msg("persisting RUNNING failed, terminating encoder")
		sl.stopRequested.Store(true)
		s.terminate(sl)
		s.removeSlot(sl)
		return errors.Wrap(errors.Internal, err)
	}

	s.logger.Info().Str("channel_id", id).Int("pid", sl.pid).Str("program", program).Msg("encoder started")
	s.bus.Publish(bus.Event{Kind: bus.KindChannelStarted, ChannelID: id, PID: sl.pid})
	return nil
}

// failStart rolls the persisted status to ERROR and reports err.
func (s *Supervisor) failStart(ctx context.Context, id string, err error) error {
	if serr := s.store.SetStatusPID(ctx, id, model.StatusError, nil); serr != nil {
		s.logger.Error().Err(serr).Str("channel_id", id).Msg("persisting ERROR after failed start")
	}
	s.bus.Publish(bus.Event{Kind: bus.KindChannelError, ChannelID: id, Err: err.Error()})
	return err
}

// Stop terminates id's encoder with the two-phase TERM/KILL discipline,
// clears the persisted pid, transitions to STOPPED, resets restart
// bookkeeping, and optionally purges the output directory.
func (s *Supervisor) Stop(ctx context.Context, id string, cleanFiles bool) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return s.stopLocked(ctx, id, cleanFiles)
}

func (s *Supervisor) stopLocked(ctx context.Context, id string, cleanFiles bool) error {
	s.mu.RLock()
	sl := s.slots[id]
	s.mu.RUnlock()

	if sl == nil {
		return s.stopWithoutSlot(ctx, id, cleanFiles)
	}

	sl.stopRequested.Store(true)
	s.terminate(sl)
	s.removeSlot(sl)
	s.parser.Clear(id)

	if err := s.store.SetStatusPID(ctx, id, model.StatusStopped, nil); err != nil {
		return errors.Wrap(errors.Internal, err)
	}
	s.resetBudget(id)

	// waitErr is only safe to read once the wait goroutine signalled exit;
	// a process that survived SIGKILL (unlikely) reports -1.
	exitCode := -1
	select {
	case <-sl.exited:
		exitCode = exitCodeOf(sl.waitErr)
	default:
	}
	s.logger.Info().Str("channel_id", id).Int("pid", sl.pid).Int("exit_code", exitCode).Msg("encoder stopped")
	s.bus.Publish(bus.Event{Kind: bus.KindChannelStopped, ChannelID: id, ExitCode: &exitCode})

	if cleanFiles {
		s.purgeMediaDir(id)
	}
	return nil
}

// stopWithoutSlot handles stop when no live slot exists: a stale persisted
// pid (from a previous daemon run) is signalled and cleared; a channel that
// is already STOPPED is a conflict.
func (s *Supervisor) stopWithoutSlot(ctx context.Context, id string, cleanFiles bool) error {
	ch, err := s.store.GetChannel(ctx, id)
	if err != nil {
		return err
	}

	if ch.PID == nil && ch.Status == model.StatusStopped {
		return errors.New(errors.Conflict, "channel is not running", nil)
	}

	if ch.PID != nil {
		// Orphaned process from before a daemon restart; not our child, so
		// best-effort group kill.
		if err := procgroup.KillGroup(*ch.PID, s.opts.TermGrace, s.opts.KillWait); err != nil {
			s.logger.Warn().Err(err).Str("channel_id", id).Int("pid", *ch.PID).Msg("killing orphaned encoder failed")
		}
	}

	if err := s.store.SetStatusPID(ctx, id, model.StatusStopped, nil); err != nil {
		return errors.Wrap(errors.Internal, err)
	}
	s.resetBudget(id)
	s.bus.Publish(bus.Event{Kind: bus.KindChannelStopped, ChannelID: id})
	if cleanFiles {
		s.purgeMediaDir(id)
	}
	return nil
}

// terminate applies the two-phase discipline: SIGTERM to the process group,
// wait TermGrace, escalate to SIGKILL, wait KillWait.
func (s *Supervisor) terminate(sl *slot) {
	if err := procgroup.Kill(sl.cmd, syscall.SIGTERM); err == nil {
		metrics.IncProcTerminate("SIGTERM", "sent")
	} else {
		metrics.IncProcTerminate("SIGTERM", "error")
	}

	select {
	case <-sl.exited:
		return
	case <-time.After(s.opts.TermGrace):
	}

	if err := procgroup.Kill(sl.cmd, syscall.SIGKILL); err == nil {
		metrics.IncProcTerminate("SIGKILL", "sent")
	} else {
		metrics.IncProcTerminate("SIGKILL", "error")
	}

	select {
	case <-sl.exited:
	case <-time.After(s.opts.KillWait):
		s.logger.Warn().Str("channel_id", sl.channelID).Int("pid", sl.pid).Msg("encoder did not exit after SIGKILL")
	}
}

func (s *Supervisor) removeSlot(sl *slot) {
	s.mu.Lock()
	if cur, ok := s.slots[sl.channelID]; ok && cur == sl {
		delete(s.slots, sl.channelID)
		s.mu.Unlock()
		metrics.ChannelsRunning.Dec()
		return
	}
	s.mu.Unlock()
}

// waitAndHandle reaps the child and, for exits nobody requested, drives the
// exit-code state transition: 0 -> STOPPED, nonzero -> ERROR plus a
// possible auto-restart.
func (s *Supervisor) waitAndHandle(sl *slot) {
	defer s.wg.Done()

	// Drain both pipes before reaping; Wait closes them and would race the
	// readers out of the encoder's final lines.
	sl.readers.Wait()
	err := sl.cmd.Wait()
	sl.waitErr = err
	close(sl.exited)

	if sl.stopRequested.Load() || s.shutdown.Load() {
		// Stop/Shutdown own the slot table and persistence for this exit.
		return
	}

	s.removeSlot(sl)
	s.parser.Clear(sl.channelID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exitCode := exitCodeOf(err)
	id := sl.channelID

	if exitCode == 0 {
		s.logger.Info().Str("channel_id", id).Int("pid", sl.pid).Msg("encoder exited normally")
		if serr := s.store.SetStatusPID(ctx, id, model.StatusStopped, nil); serr != nil {
			s.logger.Error().Err(serr).Str("channel_id", id).Msg("persisting STOPPED after normal exit")
		}
		code := 0
		s.bus.Publish(bus.Event{Kind: bus.KindChannelStopped, ChannelID: id, ExitCode: &code})
		return
	}

	s.logger.Warn().Str("channel_id", id).Int("pid", sl.pid).Int("exit_code", exitCode).Msg("encoder exited unexpectedly")
	if serr := s.store.SetStatusPID(ctx, id, model.StatusError, nil); serr != nil {
		s.logger.Error().Err(serr).Str("channel_id", id).Msg("persisting ERROR after unexpected exit")
	}
	s.bus.Publish(bus.Event{Kind: bus.KindChannelError, ChannelID: id, Err: "encoder exited unexpectedly"})
	s.bus.Publish(bus.Event{Kind: bus.KindChannelStopped, ChannelID: id, ExitCode: &exitCode})

	ch, err := s.store.GetChannel(ctx, id)
	if err == nil && ch.AutoRestart {
		s.scheduleAutoRestart(id)
	}
}

// readStderr feeds the metrics parser and routes non-progress lines to the
// bus as error-level channel logs. Progress lines that parsed successfully
// are logged at debug only; persisting every stderr refresh as an error
// would drown the channel log.
func (s *Supervisor) readStderr(sl *slot, r io.Reader) {
	defer s.wg.Done()
	defer sl.readers.Done()

	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			for _, rec := range s.parser.Feed(sl.channelID, chunk) {
				sl.setMetrics(rec)
			}
			s.routeStderrChunk(sl, chunk)
		}
		if err != nil {
			return
		}
	}
}

// routeStderrChunk splits the raw chunk into display lines (\n and \r both
// end a line on this stream) and publishes the non-progress ones.
func (s *Supervisor) routeStderrChunk(sl *slot, chunk []byte) {
	sl.mu.Lock()
	buf := sl.logResidual + string(chunk)
	lines := strings.FieldsFunc(buf, func(r rune) bool { return r == '\n' || r == '\r' })
	complete := lines
	if len(buf) > 0 && buf[len(buf)-1] != '\n' && buf[len(buf)-1] != '\r' {
		sl.logResidual = lines[len(lines)-1]
		complete = lines[:len(lines)-1]
	} else {
		sl.logResidual = ""
	}
	sl.mu.Unlock()

	for _, line := range complete {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.Contains(line, "frame=") {
			s.logger.Debug().Str("channel_id", sl.channelID).Str("line", line).Msg("encoder progress")
			continue
		}
		s.bus.Publish(bus.Event{Kind: bus.KindLogLine, ChannelID: sl.channelID, Level: "error", Message: line})
	}
}

func (s *Supervisor) readStdout(sl *slot, r io.Reader) {
	defer s.wg.Done()
	defer sl.readers.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.bus.Publish(bus.Event{Kind: bus.KindLogLine, ChannelID: sl.channelID, Level: "info", Message: line})
	}
}

// HandleUnexpectedExit is the health loop's entry point for a channel whose
// persisted pid vanished from the OS: transition to ERROR and, if eligible,
// schedule an auto-restart.
func (s *Supervisor) HandleUnexpectedExit(ctx context.Context, id string) error {
	ch, err := s.store.GetChannel(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.SetStatusPID(ctx, id, model.StatusError, nil); err != nil {
		return errors.Wrap(errors.Internal, err)
	}
	s.bus.Publish(bus.Event{Kind: bus.KindChannelError, ChannelID: id, Err: "encoder process disappeared"})

	if ch.AutoRestart {
		s.scheduleAutoRestart(id)
	}
	return nil
}

// Shutdown terminates all encoders and waits for reader/exit goroutines.
// Persisted statuses are left untouched so the next daemon run's health
// loop can reconcile (and auto-restart) what was running.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if s.shutdown.CompareAndSwap(false, true) {
		close(s.done)

		s.mu.RLock()
		slots := make([]*slot, 0, len(s.slots))
		for _, sl := range s.slots {
			slots = append(slots, sl)
		}
		s.mu.RUnlock()

		var wg sync.WaitGroup
		for _, sl := range slots {
			wg.Add(1)
			go func(sl *slot) {
				defer wg.Done()
				sl.stopRequested.Store(true)
				s.terminate(sl)
				s.removeSlot(sl)
				s.purgeMediaDir(sl.channelID)
			}(sl)
		}
		wg.Wait()
	}

	doneCh := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) mediaDir(id string) (string, error) {
	return fs.ConfineRelPath(s.opts.MediaRoot, id)
}

// purgeMediaDir clears the channel's ephemeral output directory, keeping
// the directory itself.
func (s *Supervisor) purgeMediaDir(id string) {
	dir, err := s.mediaDir(id)
	if err != nil {
		s.logger.Warn().Err(err).Str("channel_id", id).Msg("resolving media directory for purge")
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		s.logger.Warn().Err(err).Str("channel_id", id).Str("dir", dir).Msg("purging media directory")
		return
	}
	_ = os.MkdirAll(dir, 0o755)
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if code, ok := errors.ExitCode(err); ok {
		return code
	}
	return -1
}
