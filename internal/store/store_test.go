package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamforge/supervisor/internal/domain/errors"
	"github.com/streamforge/supervisor/internal/domain/model"
)

func openTestStore(t *testing.T, maxLogs int) *Store {
	t.Helper()
	s, err := Open(Options{
		Path:                    filepath.Join(t.TempDir(), "supervisor.db"),
		MaxLogEntriesPerChannel: maxLogs,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testChannel(name string) model.Channel {
	return model.Channel{
		Name:        name,
		InputURL:    "https://ex/live.m3u8",
		AutoRestart: true,
		Params:      model.EncoderParams{VideoBitrate: "2000k"},
		Outputs:     []model.Output{{Kind: model.OutputUDP, Host: "10.0.0.1", Port: 5000}},
	}
}

func TestChannelCRUD(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()

	created, err := s.CreateChannel(ctx, testChannel("news"))
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, model.StatusStopped, created.Status)
	assert.Nil(t, created.PID)

	got, err := s.GetChannel(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "news", got.Name)
	assert.Equal(t, "2000k", got.Params.VideoBitrate)
	require.Len(t, got.Outputs, 1)
	assert.Equal(t, model.OutputUDP, got.Outputs[0].Kind)
	assert.Equal(t, 5000, got.Outputs[0].Port)

	got.Name = "news-hd"
	got.AutoRestart = false
	updated, err := s.UpdateChannel(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, "news-hd", updated.Name)
	assert.False(t, updated.AutoRestart)
	assert.True(t, updated.UpdatedAt.After(created.UpdatedAt) || updated.UpdatedAt.Equal(created.UpdatedAt))

	all, err := s.ListChannels(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.DeleteChannel(ctx, created.ID))
	_, err = s.GetChannel(ctx, created.ID)
	assert.True(t, errors.Is(err, errors.NotFound))
}

func TestCreateChannelValidation(t *testing.T) {
	s := openTestStore(t, 0)

	_, err := s.CreateChannel(context.Background(), model.Channel{Name: "no-input"})
	assert.True(t, errors.Is(err, errors.Validation))
}

func TestGetChannelNotFound(t *testing.T) {
	s := openTestStore(t, 0)

	_, err := s.GetChannel(context.Background(), "missing")
	assert.True(t, errors.Is(err, errors.NotFound))

	err = s.DeleteChannel(context.Background(), "missing")
	assert.True(t, errors.Is(err, errors.NotFound))
}

func TestSetStatusPIDPairing(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()

	ch, err := s.CreateChannel(ctx, testChannel("pairing"))
	require.NoError(t, err)

	pid := 4321
	require.NoError(t, s.SetStatusPID(ctx, ch.ID, model.StatusRunning, &pid))

	got, err := s.GetChannel(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, got.Status)
	require.NotNil(t, got.PID)
	assert.Equal(t, 4321, *got.PID)

	require.NoError(t, s.SetStatusPID(ctx, ch.ID, model.StatusStopped, nil))
	got, err = s.GetChannel(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusStopped, got.Status)
	assert.Nil(t, got.PID)
}

func TestListChannelsByStatus(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()

	a, err := s.CreateChannel(ctx, testChannel("a"))
	require.NoError(t, err)
	_, err = s.CreateChannel(ctx, testChannel("b"))
	require.NoError(t, err)

	pid := 99
	require.NoError(t, s.SetStatusPID(ctx, a.ID, model.StatusRunning, &pid))

	running, err := s.ListChannelsByStatus(ctx, model.StatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, a.ID, running[0].ID)
}

func TestLogRetentionPrunesOldest(t *testing.T) {
	s := openTestStore(t, 5)
	ctx := context.Background()

	ch, err := s.CreateChannel(ctx, testChannel("logs"))
	require.NoError(t, err)

	for i := 0; i < 12; i++ {
		require.NoError(t, s.InsertLog(ctx, ch.ID, "info", fmt.Sprintf("line %d", i)))
	}

	n, err := s.CountLogs(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	logs, err := s.GetLogs(ctx, ch.ID, "", 0, 0)
	require.NoError(t, err)
	require.Len(t, logs, 5)
	assert.Equal(t, "line 11", logs[0].Message) // newest first
	assert.Equal(t, "line 7", logs[4].Message)  // lines 0..6 pruned
}

func TestGetLogsFilterAndPagination(t *testing.T) {
	s := openTestStore(t, 100)
	ctx := context.Background()

	ch, err := s.CreateChannel(ctx, testChannel("filter"))
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		level := "info"
		if i%2 == 0 {
			level = "error"
		}
		require.NoError(t, s.InsertLog(ctx, ch.ID, level, fmt.Sprintf("msg %d", i)))
	}

	errs, err := s.GetLogs(ctx, ch.ID, "error", 0, 0)
	require.NoError(t, err)
	assert.Len(t, errs, 3)
	for _, l := range errs {
		assert.Equal(t, "error", l.Level)
	}

	page, err := s.GetLogs(ctx, ch.ID, "", 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "msg 3", page[0].Message)
	assert.Equal(t, "msg 2", page[1].Message)
}

func TestDeleteChannelCascadesLogs(t *testing.T) {
	s := openTestStore(t, 100)
	ctx := context.Background()

	ch, err := s.CreateChannel(ctx, testChannel("cascade"))
	require.NoError(t, err)
	require.NoError(t, s.InsertLog(ctx, ch.ID, "info", "hello"))
	require.NoError(t, s.DeleteChannel(ctx, ch.ID))

	n, err := s.CountLogs(ctx, ch.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeleteLogs(t *testing.T) {
	s := openTestStore(t, 100)
	ctx := context.Background()

	ch, err := s.CreateChannel(ctx, testChannel("wipe"))
	require.NoError(t, err)
	require.NoError(t, s.InsertLog(ctx, ch.ID, "info", "hello"))
	require.NoError(t, s.DeleteLogs(ctx, ch.ID))

	n, err := s.CountLogs(ctx, ch.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOptionSetRoundTripThroughStore(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()

	ch := testChannel("opts")
	ch.Params.InputOptions = model.OptionSet{Pairs: []model.OptionPair{{Key: "timeout", Value: "5000000"}}}
	created, err := s.CreateChannel(ctx, ch)
	require.NoError(t, err)

	got, err := s.GetChannel(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"-timeout", "5000000"}, got.Params.InputOptions.Flatten())
}
