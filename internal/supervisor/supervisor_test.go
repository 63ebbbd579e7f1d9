package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/streamforge/supervisor/internal/bus"
	"github.com/streamforge/supervisor/internal/domain/errors"
	"github.com/streamforge/supervisor/internal/domain/model"
	"github.com/streamforge/supervisor/internal/parser"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// database/sql keeps a harmless background worker.
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}

// fakeStore is an in-memory ChannelStore.
type fakeStore struct {
	mu       sync.Mutex
	channels map[string]model.Channel
}

func newFakeStore() *fakeStore {
	return &fakeStore{channels: make(map[string]model.Channel)}
}

func (f *fakeStore) put(ch model.Channel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[ch.ID] = ch
}

func (f *fakeStore) GetChannel(_ context.Context, id string) (model.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[id]
	if !ok {
		return model.Channel{}, errors.New(errors.NotFound, "channel "+id+" not found", nil)
	}
	return ch, nil
}

func (f *fakeStore) SetStatusPID(_ context.Context, id string, status model.Status, pid *int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[id]
	if !ok {
		return errors.New(errors.NotFound, "channel "+id+" not found", nil)
	}
	ch.Status = status
	ch.PID = pid
	f.channels[id] = ch
	return nil
}

func (f *fakeStore) status(id string) (model.Status, *int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := f.channels[id]
	return ch.Status, ch.PID
}

// fakeBuilder returns a fixed shell command and counts builds.
type fakeBuilder struct {
	script string
	builds atomic.Int64
}

func (b *fakeBuilder) Build(context.Context, model.Channel, model.Output) (string, []string, error) {
	b.builds.Add(1)
	return "/bin/sh", []string{"-c", b.script}, nil
}

func testSupervisor(t *testing.T, script string, opts Options) (*Supervisor, *fakeStore, *fakeBuilder, *bus.Bus) {
	t.Helper()
	st := newFakeStore()
	bld := &fakeBuilder{script: script}
	eb := bus.New()
	opts.MediaRoot = t.TempDir()
	sup := New(st, bld, parser.New(), eb, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
		eb.Close()
	})
	return sup, st, bld, eb
}

func putChannel(st *fakeStore, id string, autoRestart bool) {
	st.put(model.Channel{
		ID:          id,
		Name:        id,
		InputURL:    "udp://127.0.0.1:9999",
		Status:      model.StatusStopped,
		AutoRestart: autoRestart,
		Outputs:     []model.Output{{Kind: model.OutputUDP, Host: "127.0.0.1", Port: 5000}},
	})
}

func killPid(t *testing.T, pid int) {
	t.Helper()
	require.NoError(t, syscall.Kill(pid, syscall.SIGKILL))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

func TestStartStopLifecycle(t *testing.T) {
	sup, st, _, _ := testSupervisor(t, "sleep 30", Options{})
	putChannel(st, "ch1", false)
	ctx := context.Background()

	require.NoError(t, sup.Start(ctx, "ch1"))

	status, pid := st.status("ch1")
	assert.Equal(t, model.StatusRunning, status)
	require.NotNil(t, pid)
	assert.True(t, sup.HasSlot("ch1"))

	info, ok := sup.Slot("ch1")
	require.True(t, ok)
	assert.Equal(t, *pid, info.PID)
	assert.Equal(t, "/bin/sh", info.Program)

	require.NoError(t, sup.Stop(ctx, "ch1", true))

	status, pid = st.status("ch1")
	assert.Equal(t, model.StatusStopped, status)
	assert.Nil(t, pid)
	assert.False(t, sup.HasSlot("ch1"))
}

func TestStartAlreadyRunningConflict(t *testing.T) {
	sup, st, bld, _ := testSupervisor(t, "sleep 30", Options{})
	putChannel(st, "ch1", false)
	ctx := context.Background()

	require.NoError(t, sup.Start(ctx, "ch1"))
	_, pidBefore := st.status("ch1")

	err := sup.Start(ctx, "ch1")
	assert.True(t, errors.Is(err, errors.Conflict))
	assert.Equal(t, int64(1), bld.builds.Load())

	_, pidAfter := st.status("ch1")
	require.NotNil(t, pidAfter)
	assert.Equal(t, *pidBefore, *pidAfter)
}

func TestStartUnknownChannel(t *testing.T) {
	sup, _, _, _ := testSupervisor(t, "sleep 30", Options{})

	err := sup.Start(context.Background(), "missing")
	assert.True(t, errors.Is(err, errors.NotFound))
}

func TestStartInvalidChannelRollsToError(t *testing.T) {
	sup, st, _, _ := testSupervisor(t, "sleep 30", Options{})
	st.put(model.Channel{ID: "bad", Name: "bad", InputURL: "", Status: model.StatusStopped})

	err := sup.Start(context.Background(), "bad")
	assert.True(t, errors.Is(err, errors.Validation))

	status, pid := st.status("bad")
	assert.Equal(t, model.StatusError, status)
	assert.Nil(t, pid)
}

func TestStopWhenNotRunningConflict(t *testing.T) {
	sup, st, _, _ := testSupervisor(t, "sleep 30", Options{})
	putChannel(st, "ch1", false)

	err := sup.Stop(context.Background(), "ch1", false)
	assert.True(t, errors.Is(err, errors.Conflict))
}

func TestNormalExitTransitionsToStopped(t *testing.T) {
	sup, st, _, _ := testSupervisor(t, "exit 0", Options{})
	putChannel(st, "ch1", true)

	require.NoError(t, sup.Start(context.Background(), "ch1"))

	waitFor(t, 5*time.Second, func() bool {
		status, _ := st.status("ch1")
		return status == model.StatusStopped
	}, "normal exit should transition to STOPPED")

	_, pid := st.status("ch1")
	assert.Nil(t, pid)
	assert.False(t, sup.HasSlot("ch1"))
	// A clean exit never triggers auto-restart.
	time.Sleep(100 * time.Millisecond)
	status, _ := st.status("ch1")
	assert.Equal(t, model.StatusStopped, status)
}

func TestUnexpectedExitAutoRestarts(t *testing.T) {
	sup, st, bld, _ := testSupervisor(t, "sleep 30", Options{
		AutoRestartDelay: 50 * time.Millisecond,
		RestartDelay:     10 * time.Millisecond,
	})
	putChannel(st, "ch1", true)
	ctx := context.Background()

	require.NoError(t, sup.Start(ctx, "ch1"))
	info, ok := sup.Slot("ch1")
	require.True(t, ok)

	// Simulate a crash by killing the encoder out-of-band.
	killPid(t, info.PID)

	waitFor(t, 5*time.Second, func() bool {
		status, _ := st.status("ch1")
		return status == model.StatusError || status == model.StatusRestarting || bld.builds.Load() > 1
	}, "crash should be observed")

	waitFor(t, 5*time.Second, func() bool {
		status, pid := st.status("ch1")
		return status == model.StatusRunning && pid != nil && bld.builds.Load() == 2
	}, "auto-restart should bring the channel back to RUNNING")

	assert.False(t, sup.IsRestarting("ch1"))
}

func TestUnexpectedExitWithoutAutoRestartStaysError(t *testing.T) {
	sup, st, bld, _ := testSupervisor(t, "exit 1", Options{
		AutoRestartDelay: 20 * time.Millisecond,
	})
	putChannel(st, "ch1", false)

	require.NoError(t, sup.Start(context.Background(), "ch1"))

	waitFor(t, 5*time.Second, func() bool {
		status, _ := st.status("ch1")
		return status == model.StatusError
	}, "nonzero exit should transition to ERROR")

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), bld.builds.Load())
	_, pid := st.status("ch1")
	assert.Nil(t, pid)
}

func TestOperatorRestart(t *testing.T) {
	sup, st, bld, _ := testSupervisor(t, "sleep 30", Options{
		RestartDelay: 10 * time.Millisecond,
	})
	putChannel(st, "ch1", false)
	ctx := context.Background()

	require.NoError(t, sup.Start(ctx, "ch1"))
	_, pidBefore := st.status("ch1")

	require.NoError(t, sup.Restart(ctx, "ch1"))

	status, pidAfter := st.status("ch1")
	assert.Equal(t, model.StatusRunning, status)
	require.NotNil(t, pidAfter)
	assert.NotEqual(t, *pidBefore, *pidAfter)
	assert.Equal(t, int64(2), bld.builds.Load())
	assert.False(t, sup.IsRestarting("ch1"))
}

func TestConcurrentRestartConflict(t *testing.T) {
	sup, st, _, _ := testSupervisor(t, "sleep 30", Options{
		RestartDelay: 300 * time.Millisecond,
	})
	putChannel(st, "ch1", false)
	ctx := context.Background()

	require.NoError(t, sup.Start(ctx, "ch1"))

	firstDone := make(chan error, 1)
	go func() { firstDone <- sup.Restart(ctx, "ch1") }()

	waitFor(t, 2*time.Second, func() bool { return sup.IsRestarting("ch1") }, "first restart should take the exclusion")

	err := sup.Restart(ctx, "ch1")
	assert.True(t, errors.Is(err, errors.Conflict))

	require.NoError(t, <-firstDone)
}

func TestStopDuringRestartAborts(t *testing.T) {
	sup, st, bld, _ := testSupervisor(t, "sleep 30", Options{
		RestartDelay: 300 * time.Millisecond,
	})
	putChannel(st, "ch1", false)
	ctx := context.Background()

	require.NoError(t, sup.Start(ctx, "ch1"))

	restartDone := make(chan error, 1)
	go func() { restartDone <- sup.Restart(ctx, "ch1") }()

	// Wait until the restart killed the old process and entered its delay,
	// then stop the channel.
	waitFor(t, 2*time.Second, func() bool {
		status, _ := st.status("ch1")
		return status == model.StatusRestarting && !sup.HasSlot("ch1")
	}, "restart should be in its delay window")

	require.NoError(t, sup.Stop(ctx, "ch1", false))
	require.NoError(t, <-restartDone)

	status, pid := st.status("ch1")
	assert.Equal(t, model.StatusStopped, status)
	assert.Nil(t, pid)
	assert.False(t, sup.HasSlot("ch1"))
	assert.Equal(t, int64(1), bld.builds.Load(), "the aborted restart must not spawn")
}

func TestRestartBudgetWindow(t *testing.T) {
	sup, _, _, _ := testSupervisor(t, "sleep 30", Options{
		RestartBudgetMax:    3,
		RestartBudgetWindow: time.Hour,
	})

	for i := 0; i < 3; i++ {
		assert.True(t, sup.allowRestart("ch1"), "attempt %d within budget", i+1)
	}
	assert.False(t, sup.allowRestart("ch1"), "attempt beyond the cap is suppressed")

	sup.resetBudget("ch1")
	assert.True(t, sup.allowRestart("ch1"), "reset reopens the budget")
}

func TestRestartBudgetRollingWindowExpires(t *testing.T) {
	sup, _, _, _ := testSupervisor(t, "sleep 30", Options{
		RestartBudgetMax:    1,
		RestartBudgetWindow: 50 * time.Millisecond,
	})

	assert.True(t, sup.allowRestart("ch1"))
	assert.False(t, sup.allowRestart("ch1"))

	time.Sleep(80 * time.Millisecond)
	assert.True(t, sup.allowRestart("ch1"), "an expired window grants a fresh budget")
}

func TestAutoRestartBudgetExhaustionSuppresses(t *testing.T) {
	sup, st, bld, _ := testSupervisor(t, "exit 1", Options{
		AutoRestartDelay:    10 * time.Millisecond,
		RestartDelay:        5 * time.Millisecond,
		RestartBudgetMax:    2,
		RestartBudgetWindow: time.Hour,
	})
	putChannel(st, "ch1", true)

	require.NoError(t, sup.Start(context.Background(), "ch1"))

	// The encoder crash-loops; after the budget (2 attempts) is consumed the
	// channel settles in ERROR with no further spawns.
	waitFor(t, 10*time.Second, func() bool {
		status, _ := st.status("ch1")
		return status == model.StatusError && sup.RestartAttempts("ch1") > sup.opts.RestartBudgetMax
	}, "budget exhaustion should settle the channel in ERROR")

	builds := bld.builds.Load()
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, builds, bld.builds.Load(), "no spawns after budget exhaustion")
	assert.Equal(t, int64(1+2), builds, "initial start plus budgeted attempts")
}

func TestHandleUnexpectedExit(t *testing.T) {
	sup, st, _, _ := testSupervisor(t, "sleep 30", Options{})
	putChannel(st, "ch1", false)
	pid := 1 << 30
	st.put(model.Channel{
		ID: "ch1", Name: "ch1", InputURL: "udp://in", Status: model.StatusRunning, PID: &pid,
		Outputs: []model.Output{{Kind: model.OutputUDP, Host: "h", Port: 1}},
	})

	require.NoError(t, sup.HandleUnexpectedExit(context.Background(), "ch1"))

	status, gotPid := st.status("ch1")
	assert.Equal(t, model.StatusError, status)
	assert.Nil(t, gotPid)
}

func TestDemoteStaleRestarts(t *testing.T) {
	sup, st, _, _ := testSupervisor(t, "sleep 30", Options{
		RestartingTimeout: 10 * time.Millisecond,
	})
	putChannel(st, "ch1", false)
	require.NoError(t, st.SetStatusPID(context.Background(), "ch1", model.StatusRestarting, nil))

	require.True(t, sup.beginRestarting("ch1"))
	time.Sleep(30 * time.Millisecond)

	sup.DemoteStaleRestarts(context.Background())

	status, _ := st.status("ch1")
	assert.Equal(t, model.StatusError, status)
	assert.False(t, sup.IsRestarting("ch1"))
}

func TestLifecycleEventsOnBus(t *testing.T) {
	sup, st, _, eb := testSupervisor(t, "sleep 30", Options{})
	putChannel(st, "ch1", false)
	sub := eb.Subscribe(16)
	defer sub.Close()
	ctx := context.Background()

	require.NoError(t, sup.Start(ctx, "ch1"))
	require.NoError(t, sup.Stop(ctx, "ch1", false))

	var kinds []bus.Kind
	timeout := time.After(2 * time.Second)
	for len(kinds) < 2 {
		select {
		case ev := <-sub.C():
			if ev.Kind == bus.KindChannelStarted || ev.Kind == bus.KindChannelStopped {
				kinds = append(kinds, ev.Kind)
			}
		case <-timeout:
			t.Fatalf("missing lifecycle events, got %v", kinds)
		}
	}
	assert.Equal(t, []bus.Kind{bus.KindChannelStarted, bus.KindChannelStopped}, kinds)
}

func TestStderrRoutedToLogEvents(t *testing.T) {
	sup, st, _, eb := testSupervisor(t, `echo "something failed" 1>&2; sleep 30`, Options{})
	putChannel(st, "ch1", false)
	sub := eb.Subscribe(16)
	defer sub.Close()

	require.NoError(t, sup.Start(context.Background(), "ch1"))

	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.C():
			if ev.Kind == bus.KindLogLine {
				assert.Equal(t, "error", ev.Level)
				assert.Equal(t, "something failed", ev.Message)
				return
			}
		case <-timeout:
			t.Fatal("stderr line did not reach the bus")
		}
	}
}

func TestShutdownTerminatesAll(t *testing.T) {
	sup, st, _, _ := testSupervisor(t, "sleep 30", Options{})
	putChannel(st, "a", false)
	putChannel(st, "b", false)
	ctx := context.Background()

	require.NoError(t, sup.Start(ctx, "a"))
	require.NoError(t, sup.Start(ctx, "b"))

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, sup.Shutdown(shutdownCtx))

	assert.False(t, sup.HasSlot("a"))
	assert.False(t, sup.HasSlot("b"))

	err := sup.Start(ctx, "a")
	assert.True(t, errors.Is(err, errors.Internal))
}
