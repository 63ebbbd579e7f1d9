// Package ffprobe wraps the encoder's probe utility for input analysis.
// The supervisor's operator surface uses it for analyze_audio_tracks:
// enumerating the audio streams of an input URL with codec, channel
// layout, language, and sample rate per track.
package ffprobe

import (
	"context"
	"encoding/json"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/streamforge/supervisor/internal/domain/errors"
	"github.com/streamforge/supervisor/internal/domain/model"
	"github.com/streamforge/supervisor/internal/log"
	pnet "github.com/streamforge/supervisor/internal/platform/net"
)

const probeTimeout = 30 * time.Second

// Prober runs the probe binary.
type Prober struct {
	path string
}

// New constructs a Prober; an empty path defaults to "ffprobe".
func New(path string) *Prober {
	if path == "" {
		path = "ffprobe"
	}
	return &Prober{path: path}
}

type probeStream struct {
	Index         int    `json:"index"`
	CodecType     string `json:"codec_type"`
	CodecName     string `json:"codec_name"`
	ChannelLayout string `json:"channel_layout"`
	SampleRate    string `json:"sample_rate"`
	Tags          struct {
		Language string `json:"language"`
	} `json:"tags"`
}

type probeResult struct {
	Streams []probeStream `json:"streams"`
}

// AnalyzeAudioTracks probes inputURL and returns its audio stream
// descriptors. The probe is bounded by a 30 s timeout.
func (p *Prober) AnalyzeAudioTracks(ctx context.Context, inputURL string) ([]model.AudioTrack, error) {
	if inputURL == "" {
		return nil, errors.New(errors.Validation, "input_url must not be empty", nil)
	}
	// HTTP(S) inputs must be direct URLs: no embedded credentials, no
	// fragments. Other schemes (udp, file paths, devices) pass through.
	lower := strings.ToLower(inputURL)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		if _, ok := pnet.ParseDirectHTTPURL(inputURL); !ok {
			return nil, errors.New(errors.Validation, "input_url must be a direct http(s) URL without embedded credentials", nil)
		}
	}
	logger := log.WithComponent("ffprobe")
	logger.Debug().Str("input", pnet.SanitizeURL(inputURL)).Msg("probing input")

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.path,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		inputURL,
	)
	out, err := cmd.Output()
	if err != nil {
		return nil, errors.New(errors.Internal, "probing input failed", err)
	}

	tracks, err := ParseAudioTracks(out)
	if err != nil {
		return nil, errors.New(errors.Internal, "decoding probe output", err)
	}
	return tracks, nil
}

// ParseAudioTracks extracts the audio streams from raw probe JSON.
func ParseAudioTracks(data []byte) ([]model.AudioTrack, error) {
	var result probeResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	var tracks []model.AudioTrack
	for _, s := range result.Streams {
		if s.CodecType != "audio" {
			continue
		}
		rate, _ := strconv.Atoi(s.SampleRate)
		tracks = append(tracks, model.AudioTrack{
			Index:         s.Index,
			Codec:         s.CodecName,
			ChannelLayout: s.ChannelLayout,
			Language:      s.Tags.Language,
			SampleRateHz:  rate,
		})
	}
	return tracks, nil
}
