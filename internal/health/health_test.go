package health

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamforge/supervisor/internal/domain/errors"
	"github.com/streamforge/supervisor/internal/domain/model"
)

type fakeStore struct {
	mu       sync.Mutex
	channels map[string]model.Channel
}

func newFakeStore() *fakeStore { return &fakeStore{channels: make(map[string]model.Channel)} }

func (f *fakeStore) put(ch model.Channel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[ch.ID] = ch
}

func (f *fakeStore) ListChannelsByStatus(_ context.Context, status model.Status) ([]model.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Channel
	for _, ch := range f.channels {
		if ch.Status == status {
			out = append(out, ch)
		}
	}
	return out, nil
}

func (f *fakeStore) GetChannel(_ context.Context, id string) (model.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[id]
	if !ok {
		return model.Channel{}, errors.New(errors.NotFound, "not found", nil)
	}
	return ch, nil
}

func (f *fakeStore) SetStatusPID(_ context.Context, id string, status model.Status, pid *int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := f.channels[id]
	ch.Status = status
	ch.PID = pid
	f.channels[id] = ch
	return nil
}

type fakeSup struct {
	mu         sync.Mutex
	restarting map[string]bool
	unexpected []string
	demotes    int
}

func newFakeSup() *fakeSup { return &fakeSup{restarting: make(map[string]bool)} }

func (f *fakeSup) HasSlot(string) bool { return false }

func (f *fakeSup) IsRestarting(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restarting[id]
}

func (f *fakeSup) HandleUnexpectedExit(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unexpected = append(f.unexpected, id)
	return nil
}

func (f *fakeSup) DemoteStaleRestarts(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.demotes++
}

type fakePids struct{ live map[int]bool }

func (f *fakePids) PidExists(pid int) bool { return f.live[pid] }

func TestReconcileDeadPidTriggersUnexpectedExit(t *testing.T) {
	st := newFakeStore()
	sup := newFakeSup()
	pid := 4242
	st.put(model.Channel{ID: "dead", Status: model.StatusRunning, PID: &pid})

	l := New(st, sup, &fakePids{live: map[int]bool{}}, 0)
	l.Reconcile(context.Background())

	assert.Equal(t, []string{"dead"}, sup.unexpected)
	assert.Equal(t, 1, sup.demotes)
}

func TestReconcileLivePidUntouched(t *testing.T) {
	st := newFakeStore()
	sup := newFakeSup()
	pid := 4242
	st.put(model.Channel{ID: "alive", Status: model.StatusRunning, PID: &pid})

	l := New(st, sup, &fakePids{live: map[int]bool{4242: true}}, 0)
	l.Reconcile(context.Background())

	assert.Empty(t, sup.unexpected)
	ch, err := st.GetChannel(context.Background(), "alive")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, ch.Status)
}

func TestReconcileCorrectsPidlessRunningToStopped(t *testing.T) {
	st := newFakeStore()
	sup := newFakeSup()
	st.put(model.Channel{ID: "pidless", Status: model.StatusRunning, PID: nil})

	l := New(st, sup, &fakePids{live: map[int]bool{}}, 0)
	l.Reconcile(context.Background())

	ch, err := st.GetChannel(context.Background(), "pidless")
	require.NoError(t, err)
	assert.Equal(t, model.StatusStopped, ch.Status)
	assert.Empty(t, sup.unexpected)
}

func TestReconcileSkipsRestartingChannels(t *testing.T) {
	st := newFakeStore()
	sup := newFakeSup()
	pid := 4242
	st.put(model.Channel{ID: "mid-restart", Status: model.StatusRunning, PID: &pid})
	sup.restarting["mid-restart"] = true

	l := New(st, sup, &fakePids{live: map[int]bool{}}, 0)
	l.Reconcile(context.Background())

	assert.Empty(t, sup.unexpected)
}

func TestReconcileRereadsBeforeActing(t *testing.T) {
	st := newFakeStore()
	sup := newFakeSup()
	pid := 4242
	st.put(model.Channel{ID: "ch", Status: model.StatusRunning, PID: &pid})

	// Simulate an operator stop racing the reconciliation: by the time the
	// loop re-reads, the channel is STOPPED and must be left alone.
	l := New(st, &rereadRace{fakeSup: sup, st: st}, &fakePids{live: map[int]bool{}}, 0)
	l.Reconcile(context.Background())

	assert.Empty(t, sup.unexpected)
}

// rereadRace flips the channel to STOPPED during the IsRestarting check,
// after the RUNNING list was taken but before the loop's re-read.
type rereadRace struct {
	*fakeSup
	st   *fakeStore
	once sync.Once
}

func (r *rereadRace) IsRestarting(id string) bool {
	r.once.Do(func() {
		_ = r.st.SetStatusPID(context.Background(), id, model.StatusStopped, nil)
	})
	return r.fakeSup.IsRestarting(id)
}
