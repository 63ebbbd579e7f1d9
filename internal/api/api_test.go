package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamforge/supervisor/internal/bus"
	"github.com/streamforge/supervisor/internal/capability"
	"github.com/streamforge/supervisor/internal/fanout"
	"github.com/streamforge/supervisor/internal/ffprobe"
	"github.com/streamforge/supervisor/internal/domain/model"
	"github.com/streamforge/supervisor/internal/osstats"
	"github.com/streamforge/supervisor/internal/parser"
	"github.com/streamforge/supervisor/internal/store"
	"github.com/streamforge/supervisor/internal/supervisor"
)

type sleepBuilder struct{}

func (sleepBuilder) Build(context.Context, model.Channel, model.Output) (string, []string, error) {
	return "/bin/sh", []string{"-c", "sleep 30"}, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	st, err := store.Open(store.Options{Path: filepath.Join(t.TempDir(), "api.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	eventBus := bus.New()
	t.Cleanup(eventBus.Close)

	sup := supervisor.New(st, sleepBuilder{}, parser.New(), eventBus, supervisor.Options{
		MediaRoot: t.TempDir(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})

	stats := osstats.New()
	fan := fanout.New(st, sup, stats, 50*time.Millisecond)
	t.Cleanup(fan.Close)

	srv := New(st, sup, fan, capability.New(capability.Options{}), ffprobe.New(""), stats)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var out bytes.Buffer
	_, _ = out.ReadFrom(resp.Body)
	return resp, out.Bytes()
}

func createChannel(t *testing.T, ts *httptest.Server) model.Channel {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/channels", model.Channel{
		Name:     "news",
		InputURL: "udp://239.0.0.1:1234",
		Outputs:  []model.Output{{Kind: model.OutputUDP, Host: "10.0.0.1", Port: 5000}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var ch model.Channel
	require.NoError(t, json.Unmarshal(body, &ch))
	return ch
}

func TestChannelCRUDOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	ch := createChannel(t, ts)
	assert.NotEmpty(t, ch.ID)
	assert.Equal(t, model.StatusStopped, ch.Status)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/channels/"+ch.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/channels", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var list []model.Channel
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list, 1)

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/channels/"+ch.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/channels/"+ch.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateChannelValidationError(t *testing.T) {
	ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/channels", model.Channel{Name: "no-input"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var e errorResponse
	require.NoError(t, json.Unmarshal(body, &e))
	assert.Equal(t, "VALIDATION", e.Kind)
}

func TestStartStopOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	ch := createChannel(t, ts)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/channels/"+ch.ID+"/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var started model.Channel
	require.NoError(t, json.Unmarshal(body, &started))
	assert.Equal(t, model.StatusRunning, started.Status)
	require.NotNil(t, started.PID)

	// E3: starting a running channel is a conflict and leaves the pid alone.
	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/channels/"+ch.ID+"/start", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	var e errorResponse
	require.NoError(t, json.Unmarshal(body, &e))
	assert.Equal(t, "CONFLICT", e.Kind)

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/channels/"+ch.ID+"/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status statusResponse
	require.NoError(t, json.Unmarshal(body, &status))
	assert.True(t, status.Live)
	assert.Equal(t, *started.PID, status.PID)

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/channels/"+ch.ID+"/stop?clean=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var stopped model.Channel
	require.NoError(t, json.Unmarshal(body, &stopped))
	assert.Equal(t, model.StatusStopped, stopped.Status)
	assert.Nil(t, stopped.PID)
}

func TestUpdateRunningChannelRestrictions(t *testing.T) {
	ts := newTestServer(t)
	ch := createChannel(t, ts)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/channels/"+ch.ID+"/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Critical edit while running: rejected.
	edited := ch
	edited.InputURL = "udp://239.0.0.2:1234"
	resp, body := doJSON(t, http.MethodPut, ts.URL+"/api/channels/"+ch.ID, edited)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, string(body))

	// Name and auto_restart edits stay allowed.
	renamed := ch
	renamed.Name = "news-hd"
	renamed.AutoRestart = true
	resp, body = doJSON(t, http.MethodPut, ts.URL+"/api/channels/"+ch.ID, renamed)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var updated model.Channel
	require.NoError(t, json.Unmarshal(body, &updated))
	assert.Equal(t, "news-hd", updated.Name)
	assert.True(t, updated.AutoRestart)
}

func TestLogsEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ch := createChannel(t, ts)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/channels/"+ch.ID+"/logs?limit=10", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, "[]", string(body))

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/channels/"+ch.ID+"/logs", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/channels/missing/logs", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ch := createChannel(t, ts)

	resp, body := doJSON(t, http.MethodGet, fmt.Sprintf("%s/api/channels/%s/stats", ts.URL, ch.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats statsResponse
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, ch.ID, stats.Channel)
	assert.Nil(t, stats.Process, "stopped channel has no process block")
}

func TestAnalyzeValidation(t *testing.T) {
	ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/analyze", analyzeRequest{InputURL: ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))
}
