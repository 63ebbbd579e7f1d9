package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/streamforge/supervisor/internal/domain/errors"
	"github.com/streamforge/supervisor/internal/domain/model"
	"github.com/streamforge/supervisor/internal/log"
	pnet "github.com/streamforge/supervisor/internal/platform/net"
)

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.store.ListChannels(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if channels == nil {
		channels = []model.Channel{}
	}
	writeJSON(w, http.StatusOK, channels)
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := s.store.GetChannel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var ch model.Channel
	if err := json.NewDecoder(r.Body).Decode(&ch); err != nil {
		s.writeError(w, errors.New(errors.Validation, "decoding channel body", err))
		return
	}
	created, err := s.store.CreateChannel(r.Context(), ch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// Input locators may carry credentials; scrub before the audit record.
	log.AuditInfo(r.Context(), "channel.created", "channel created", map[string]any{
		"channel_id": created.ID,
		"name":       created.Name,
		"input_url":  pnet.SanitizeURL(created.InputURL),
	})
	writeJSON(w, http.StatusCreated, created)
}

// handleUpdateChannel rejects edits of critical fields while the channel is
// RUNNING or RESTARTING; only name and auto_restart may change live.
func (s *Server) handleUpdateChannel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.store.GetChannel(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var incoming model.Channel
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		s.writeError(w, errors.New(errors.Validation, "decoding channel body", err))
		return
	}
	incoming.ID = id

	if existing.Status == model.StatusRunning || existing.Status == model.StatusRestarting {
		if criticalFieldsChanged(existing, incoming) {
			s.writeError(w, errors.New(errors.Conflict,
				"channel is running; only name and auto_restart may be edited", nil))
			return
		}
	}

	updated, err := s.store.UpdateChannel(r.Context(), incoming)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func criticalFieldsChanged(a, b model.Channel) bool {
	if a.InputURL != b.InputURL {
		return true
	}
	ap, _ := json.Marshal(a.Params)
	bp, _ := json.Marshal(b.Params)
	if !bytes.Equal(ap, bp) {
		return true
	}
	ao, _ := json.Marshal(a.Outputs)
	bo, _ := json.Marshal(b.Outputs)
	return !bytes.Equal(ao, bo)
}

// handleDeleteChannel implies stop.
func (s *Server) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.sup.Stop(r.Context(), id, true); err != nil && !errors.Is(err, errors.Conflict) {
		if errors.Is(err, errors.NotFound) {
			s.writeError(w, err)
			return
		}
		s.logger.Warn().Err(err).Str("channel_id", id).Msg("stopping channel before delete")
	}

	if err := s.store.DeleteChannel(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	log.AuditInfo(r.Context(), "channel.deleted", "channel deleted", map[string]any{
		"channel_id": id,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sup.Start(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	ch, err := s.store.GetChannel(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	clean := r.URL.Query().Get("clean") == "true"
	if err := s.sup.Stop(r.Context(), id, clean); err != nil {
		s.writeError(w, err)
		return
	}
	ch, err := s.store.GetChannel(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sup.Restart(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	ch, err := s.store.GetChannel(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

type statusResponse struct {
	Channel    model.Channel `json:"channel"`
	Live       bool          `json:"live"`
	Restarting bool          `json:"restarting"`
	PID        int           `json:"pid,omitempty"`
	StartedAt  string        `json:"started_at,omitempty"`
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ch, err := s.store.GetChannel(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := statusResponse{Channel: ch, Restarting: s.sup.IsRestarting(id)}
	if info, ok := s.sup.Slot(id); ok {
		resp.Live = true
		resp.PID = info.PID
		resp.StartedAt = info.StartedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetChannel(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}

	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	logs, err := s.store.GetLogs(r.Context(), id, q.Get("level"), limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if logs == nil {
		logs = []model.ChannelLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleDeleteLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetChannel(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.DeleteLogs(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type statsResponse struct {
	Channel  string                `json:"channel_id"`
	Process  *osstatsProcess       `json:"process,omitempty"`
	Pressure osstatsPressure       `json:"host_pressure"`
	Metrics  *model.MetricRecord   `json:"metrics,omitempty"`
}

// Local aliases keep the wire shape stable even if the osstats structs grow.
type osstatsProcess struct {
	PID            int     `json:"pid"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryPercent  float64 `json:"memory_percent"`
	Cmdline        string  `json:"cmdline"`
	RxBytes        uint64  `json:"rx_bytes"`
	TxBytes        uint64  `json:"tx_bytes"`
	Connections    int     `json:"connections"`
}

type osstatsPressure struct {
	CPUSomeAvg10    float64 `json:"cpu_some_avg10"`
	MemorySomeAvg10 float64 `json:"memory_some_avg10"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetChannel(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}

	resp := statsResponse{Channel: id}
	pressure := s.stats.HostPressure()
	resp.Pressure = osstatsPressure{CPUSomeAvg10: pressure.CPUSomeAvg10, MemorySomeAvg10: pressure.MemorySomeAvg10}

	if info, ok := s.sup.Slot(id); ok {
		pi := s.stats.Collect(r.Context(), info.PID)
		resp.Process = &osstatsProcess{
			PID:            pi.PID,
			ElapsedSeconds: pi.ElapsedSeconds,
			CPUPercent:     pi.CPUPercent,
			MemoryPercent:  pi.MemoryPercent,
			Cmdline:        pi.Cmdline,
			RxBytes:        pi.RxBytes,
			TxBytes:        pi.TxBytes,
			Connections:    pi.Connections,
		}
		resp.Metrics = info.Metrics
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("refresh") == "true" {
		s.probe.Invalidate()
	}
	caps, err := s.probe.Capabilities(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if caps == nil {
		caps = []model.HwCapability{}
	}
	writeJSON(w, http.StatusOK, caps)
}

type analyzeRequest struct {
	InputURL string `json:"input_url"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if !s.probeLimiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "analysis rate limit exceeded", Kind: string(errors.Conflict)})
		return
	}

	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.New(errors.Validation, "decoding analyze body", err))
		return
	}
	tracks, err := s.prober.AnalyzeAudioTracks(r.Context(), req.InputURL)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tracks == nil {
		tracks = []model.AudioTrack{}
	}
	writeJSON(w, http.StatusOK, tracks)
}
