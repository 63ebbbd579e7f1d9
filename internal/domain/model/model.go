// Package model defines the channel/output/metrics data model shared by the
// command builder, the process supervisor, and the relational store.
package model

import "time"

// Status is a channel's declared target/observed lifecycle state.
type Status string

const (
	StatusStopped    Status = "STOPPED"
	StatusRunning    Status = "RUNNING"
	StatusError      Status = "ERROR"
	StatusRestarting Status = "RESTARTING"
)

// OutputKind tags the variant held by an Output.
type OutputKind string

const (
	OutputUDP  OutputKind = "UDP"
	OutputHLS  OutputKind = "HLS"
	OutputDVB  OutputKind = "DVB"
	OutputFile OutputKind = "FILE"
)

// HWKind identifies a hardware acceleration family.
type HWKind string

const (
	HWNvenc        HWKind = "NVENC"
	HWQSV          HWKind = "QSV"
	HWVAAPI        HWKind = "VAAPI"
	HWVideoToolbox HWKind = "VIDEOTOOLBOX"
	HWAMF          HWKind = "AMF"
)

// MetricSource tags how a MetricRecord's bitrate field was derived.
type MetricSource string

const (
	MetricSourceParsed     MetricSource = "parsed"
	MetricSourceCalculated MetricSource = "calculated_from_network"
	MetricSourceConfigured MetricSource = "configured"
)

// EncoderParams is the recognized-options bag applied during command
// synthesis. Unknown keys passed through input/output maps are emitted
// verbatim; unknown top-level keys are not represented here at all: JSON
// decoding drops them, and no warning is logged for them.
type EncoderParams struct {
	FFlags string `json:"fflags,omitempty"`

	// InputOptions/OutputOptions accept a key->value mapping, a flat
	// argument sequence, or a whitespace-separated string (see OptionSet).
	// ExtraOptions remains for backward compatibility with channel records
	// written before input/output separation.
	InputOptions  OptionSet `json:"input_options,omitempty"`
	OutputOptions OptionSet `json:"output_options,omitempty"`
	ExtraOptions  OptionSet `json:"extra_options,omitempty"`

	VideoCodec string `json:"video_codec,omitempty"`
	AudioCodec string `json:"audio_codec,omitempty"`

	VideoBitrate string `json:"video_bitrate,omitempty"`
	AudioBitrate string `json:"audio_bitrate,omitempty"`
	Resolution   string `json:"resolution,omitempty"`
	Framerate    string `json:"framerate,omitempty"`

	VideoFilters string `json:"video_filters,omitempty"`
	AudioFilters string `json:"audio_filters,omitempty"`

	Preset       string `json:"preset,omitempty"`
	Tune         string `json:"tune,omitempty"`
	Profile      string `json:"profile,omitempty"`
	Level        string `json:"level,omitempty"`
	G            string `json:"g,omitempty"`
	KeyintMin    string `json:"keyint_min,omitempty"`
	SCThreshold  string `json:"sc_threshold,omitempty"`
	Vsync        string `json:"vsync,omitempty"`
	Async        string `json:"async,omitempty"`
	CRF          string `json:"crf,omitempty"`
	QP           string `json:"qp,omitempty"`
	Maxrate      string `json:"maxrate,omitempty"`
	Minrate      string `json:"minrate,omitempty"`
	Bufsize      string `json:"bufsize,omitempty"`

	GPUIndex         *int `json:"gpu_index,omitempty"`
	VideoStreamIndex *int `json:"video_stream_index,omitempty"`
	AudioStreamIndex *int `json:"audio_stream_index,omitempty"`

	HLSTime     string `json:"hls_time,omitempty"`
	HLSListSize string `json:"hls_list_size,omitempty"`
	HLSFlags    string `json:"hls_flags,omitempty"`

	DVBDevice     string `json:"dvb_device,omitempty"`
	DVBFrequency  string `json:"dvb_frequency,omitempty"`
	DVBModulation string `json:"dvb_modulation,omitempty"`

	Muxrate string `json:"muxrate,omitempty"`
}

// Output is a tagged union over the supported destination kinds. Only the
// fields relevant to Kind are populated; others are zero.
type Output struct {
	Kind OutputKind `json:"kind"`

	// UDP fields.
	Host            string `json:"host,omitempty"`
	Port            int    `json:"port,omitempty"`
	PktSize         int    `json:"pkt_size,omitempty"`
	BufferSize      int    `json:"buffer_size,omitempty"`
	HLSProgramIndex *int   `json:"hls_program_index,omitempty"`
	MapVideo        string `json:"map_video,omitempty"`
	MapAudio        string `json:"map_audio,omitempty"`
	Realtime        *bool  `json:"realtime,omitempty"`

	// HLS fields.
	Dir string `json:"dir,omitempty"`

	// DVB fields.
	DVBDevice string `json:"dvb_device,omitempty"`

	// FILE fields.
	Path string `json:"path,omitempty"`
}

// Channel is the declared, persistently configured stream job.
type Channel struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	InputURL    string        `json:"input_url"`
	Status      Status        `json:"status"`
	AutoRestart bool          `json:"auto_restart"`
	PID         *int          `json:"pid,omitempty"`
	Params      EncoderParams `json:"ffmpeg_params"`
	Outputs     []Output      `json:"outputs"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Validate enforces the minimal shape required before a start attempt:
// a non-empty name, input locator, and at least one output.
func (c *Channel) Validate() error {
	if c == nil {
		return errNilChannel
	}
	if c.Name == "" {
		return errEmptyName
	}
	if c.InputURL == "" {
		return errEmptyInput
	}
	if len(c.Outputs) == 0 {
		return errNoOutputs
	}
	return nil
}

// PrimaryOutput returns the output whose argv the supervisor spawns and
// tracks (currently always the first declared output).
func (c *Channel) PrimaryOutput() (Output, bool) {
	if len(c.Outputs) == 0 {
		return Output{}, false
	}
	return c.Outputs[0], true
}

// HwCapability records one probed hardware-accelerator candidate.
type HwCapability struct {
	Kind        HWKind   `json:"kind"`
	Index       int      `json:"index"`
	Name        string   `json:"name"`
	DevicePath  string   `json:"device_path,omitempty"`
	Codecs      []string `json:"codecs"`
	Available   bool     `json:"available"`
}

// MetricRecord is a parsed encoder snapshot, taken at CapturedAt.
type MetricRecord struct {
	Frame       int64        `json:"frame"`
	FPS         float64      `json:"fps"`
	Quality     float64      `json:"quality"`
	SizeBytes   int64        `json:"size_bytes"`
	TimeSeconds float64      `json:"time_seconds"`
	BitrateKbps float64      `json:"bitrate_kbps"`
	Speed       float64      `json:"speed"`
	VideoBytes  int64        `json:"video_bytes,omitempty"`
	AudioBytes  int64        `json:"audio_bytes,omitempty"`
	Source      MetricSource `json:"source"`
	CapturedAt  time.Time    `json:"captured_at"`
}

// ProcessSlot is the in-memory, never-persisted record of a running encoder.
type ProcessSlot struct {
	ChannelID string
	PID       int
	StartedAt time.Time
	Argv      []string
	Program   string
	Metrics   *MetricRecord
}

// ChannelLog is an append-only per-channel log record.
type ChannelLog struct {
	ID        int64     `json:"id"`
	ChannelID string    `json:"channel_id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// AudioTrack describes one audio stream returned by analyze_audio_tracks.
type AudioTrack struct {
	Index         int    `json:"index"`
	Codec         string `json:"codec"`
	ChannelLayout string `json:"channel_layout"`
	Language      string `json:"language,omitempty"`
	SampleRateHz  int    `json:"sample_rate_hz"`
}
