// Package command turns a channel's declared configuration into the
// encoder's argument vector. The encoder's argument grammar is positional:
// pre-input options, input specifier, stream maps, codec selections,
// encoder tuning, post-output options, output destination. The builder
// owns that ordering; callers only declare intent. Hardware codec
// substitution is delegated to the capability probe.
package command

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/streamforge/supervisor/internal/capability"
	"github.com/streamforge/supervisor/internal/domain/errors"
	"github.com/streamforge/supervisor/internal/domain/model"
	pnet "github.com/streamforge/supervisor/internal/platform/net"
)

// Options configures a Builder's process-wide defaults.
type Options struct {
	FFmpegPath           string
	HWAccelEnabled       bool
	HWAccelAuto          bool
	NVENCPresetOverride  string
	DefaultMuxrateBps    int64
}

// CodecResolver is the slice of the capability probe the builder
// consumes: hardware codec selection and VAAPI render-device resolution.
type CodecResolver interface {
	PreferredCodec(ctx context.Context, req capability.PreferredCodecRequest) (string, error)
	ResolveVAAPIDevice(gpuIndex int) (string, error)
}

// Builder is the pure (Channel, Output) -> argv function, parameterized by
// a capability probe for hardware codec selection.
type Builder struct {
	probe CodecResolver
	opts  Options
}

// New constructs a Builder.
func New(probe CodecResolver, opts Options) *Builder {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.DefaultMuxrateBps <= 0 {
		opts.DefaultMuxrateBps = 10_080_000
	}
	return &Builder{probe: probe, opts: opts}
}

// Build assembles the program path and argv for channel's declared output.
// It is a pure function except for the capability probe query (cached and
// side-effect free from the caller's perspective).
func (b *Builder) Build(ctx context.Context, channel model.Channel, output model.Output) (string, []string, error) {
	p := channel.Params

	var preInput []string
	var streamMaps []string
	var codecArgs []string
	var tuning []string
	var postOutput []string
	var inputSpec []string
	format := ""
	destination := ""

	fflags := p.FFlags
	if fflags == "" {
		fflags = "+genpts"
	}
	preInput = append(preInput, "-fflags", fflags)
	preInput = append(preInput, p.InputOptions.Flatten()...)

	// Resolve effective video codec via the capability probe, substituting
	// a hardware encoder when eligible.
	effectiveVideoCodec, hwKind, err := b.resolveVideoCodec(ctx, output.Kind, p)
	if err != nil {
		return "", nil, err
	}

	var hwEncoderArgs []string
	if hwKind != "" {
		hwPre, hwEnc, err := b.hwArgs(hwKind, p)
		if err != nil {
			return "", nil, err
		}
		preInput = append(preInput, hwPre...)
		hwEncoderArgs = hwEnc
		if hwKind == model.HWNvenc {
			// The NVENC-mapped preset was already emitted; suppress the
			// declared libx264-style preset so it cannot override it.
			p.Preset = ""
		}
	}

	switch output.Kind {
	case model.OutputUDP:
		if !shouldEmitRealtime(channel.InputURL, output) {
			// -re suppressed: live network source, already paced upstream.
		} else {
			preInput = append(preInput, "-re")
		}
		inputSpec = []string{"-i", channel.InputURL}
		streamMaps = buildStreamMaps(p, output)
		format = "mpegts"
		destination = udpDestination(output)

		muxrate := resolveMuxrate(p, b.opts.DefaultMuxrateBps)
		postOutput = append(postOutput,
			"-muxrate", strconv.FormatInt(muxrate, 10),
			"-pcr_period", "20",
			"-pat_period", "0.1",
			"-streamid", "0:0x100",
			"-streamid", "1:0x101",
			"-mpegts_flags", "resend_headers",
			"-flush_packets", "1",
			"-bufsize", "65536",
		)

	case model.OutputHLS:
		inputSpec = []string{"-i", channel.InputURL}
		streamMaps = buildStreamMaps(p, output)
		format = "hls"

		hlsTime := firstNonEmpty(p.HLSTime, "2")
		hlsListSize := firstNonEmpty(p.HLSListSize, "5")
		hlsFlags := firstNonEmpty(p.HLSFlags, "delete_segments")
		postOutput = append(postOutput,
			"-hls_time", hlsTime,
			"-hls_list_size", hlsListSize,
			"-hls_flags", hlsFlags,
		)
		destination = filepath.Join(output.Dir, "index.m3u8")

	case model.OutputDVB:
		device := firstNonEmpty(p.DVBDevice, output.DVBDevice)
		inputSpec = []string{"-f", "dvb", "-i", device}
		streamMaps = buildStreamMaps(p, output)
		format = "mpegts"
		if p.DVBFrequency != "" {
			postOutput = append(postOutput, "-frequency", p.DVBFrequency)
		}
		if p.DVBModulation != "" {
			postOutput = append(postOutput, "-modulation", p.DVBModulation)
		}
		// Unlike UDP, no -muxrate here: DVB multiplex hardware dictates
		// the rate, guessing one could break the mux.
		destination = firstNonEmpty(output.Path, device)

	case model.OutputFile:
		inputSpec = []string{"-i", channel.InputURL}
		streamMaps = buildStreamMaps(p, output)
		format = ""
		destination = output.Path

	default:
		return "", nil, errors.New(errors.Validation, fmt.Sprintf("unknown output kind %q", output.Kind), nil)
	}

	codecArgs = append(codecArgs, buildCodecArgs(p, effectiveVideoCodec, output.Kind)...)
	if len(hwEncoderArgs) > 0 {
		// Hardware encoder args go directly after "-c:v <hwcodec>".
		if len(codecArgs) >= 2 && codecArgs[0] == "-c:v" {
			codecArgs = append(codecArgs[:2:2], append(hwEncoderArgs, codecArgs[2:]...)...)
		} else {
			tuning = append(tuning, hwEncoderArgs...)
		}
	}
	tuning = append(tuning, buildTuningArgs(p)...)
	tuning = append(tuning, p.OutputOptions.Flatten()...)
	tuning = append(tuning, p.ExtraOptions.Flatten()...)

	argv := make([]string, 0, 32)
	argv = append(argv, preInput...)
	argv = append(argv, inputSpec...)
	argv = append(argv, streamMaps...)
	argv = append(argv, codecArgs...)
	argv = append(argv, tuning...)
	if format != "" {
		argv = append(argv, "-f", format)
	}
	argv = append(argv, postOutput...)
	argv = append(argv, destination)

	return b.opts.FFmpegPath, argv, nil
}

func shouldEmitRealtime(inputURL string, output model.Output) bool {
	if output.Realtime != nil && !*output.Realtime {
		return false
	}
	if pnet.IsLiveHLSOrHTTPSource(inputURL) {
		return false
	}
	return true
}

func buildStreamMaps(p model.EncoderParams, output model.Output) []string {
	if output.MapVideo != "" || output.MapAudio != "" {
		var out []string
		if output.MapVideo != "" {
			out = append(out, "-map", output.MapVideo)
		}
		if output.MapAudio != "" {
			out = append(out, "-map", output.MapAudio)
		}
		return out
	}
	if p.VideoStreamIndex != nil || p.AudioStreamIndex != nil {
		var out []string
		if p.VideoStreamIndex != nil {
			out = append(out, "-map", fmt.Sprintf("0:v:%d", *p.VideoStreamIndex))
		}
		if p.AudioStreamIndex != nil {
			out = append(out, "-map", fmt.Sprintf("0:a:%d", *p.AudioStreamIndex))
		}
		return out
	}
	if output.HLSProgramIndex != nil {
		idx := *output.HLSProgramIndex
		return []string{"-map", fmt.Sprintf("p:%d:v:0", idx), "-map", fmt.Sprintf("p:%d:a:0", idx)}
	}
	return []string{"-map", "0:v:0", "-map", "0:a:0"}
}

func buildCodecArgs(p model.EncoderParams, effectiveVideoCodec string, kind model.OutputKind) []string {
	videoCodec := effectiveVideoCodec
	audioCodec := p.AudioCodec

	switch kind {
	case model.OutputHLS:
		if videoCodec == "" {
			videoCodec = "libx264"
		}
		if audioCodec == "" {
			audioCodec = "aac"
		}
	default:
		if videoCodec == "" {
			videoCodec = "copy"
		}
		if audioCodec == "" {
			audioCodec = "copy"
		}
	}

	if videoCodec == "copy" && audioCodec == "copy" {
		return []string{"-c", "copy"}
	}
	return []string{"-c:v", videoCodec, "-c:a", audioCodec}
}

func buildTuningArgs(p model.EncoderParams) []string {
	var out []string
	add := func(flag, value string) {
		if value != "" {
			out = append(out, flag, value)
		}
	}
	add("-preset", p.Preset)
	add("-tune", p.Tune)
	add("-profile:v", p.Profile)
	add("-level", p.Level)
	add("-g", p.G)
	add("-keyint_min", p.KeyintMin)
	add("-sc_threshold", p.SCThreshold)
	add("-vsync", p.Vsync)
	add("-async", p.Async)
	add("-crf", p.CRF)
	add("-qp", p.QP)
	add("-maxrate", p.Maxrate)
	add("-minrate", p.Minrate)
	add("-bufsize", p.Bufsize)
	add("-b:v", p.VideoBitrate)
	add("-b:a", p.AudioBitrate)
	add("-s", p.Resolution)
	add("-r", p.Framerate)
	add("-vf", p.VideoFilters)
	add("-af", p.AudioFilters)
	return out
}

func udpDestination(output model.Output) string {
	host := output.Host
	// Operators paste full locators ("udp://239.0.0.1:1234") as often as
	// bare hosts; strip scheme and port down to the hostname.
	if strings.Contains(host, "://") {
		if h, _, err := pnet.NormalizeAuthority(host, "udp"); err == nil && h != "" {
			host = h
		}
	}
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}
	dest := fmt.Sprintf("udp://%s:%d", host, output.Port)
	var q []string
	if output.PktSize > 0 {
		q = append(q, fmt.Sprintf("pkt_size=%d", output.PktSize))
	}
	if output.BufferSize > 0 {
		q = append(q, fmt.Sprintf("buffer_size=%d", output.BufferSize))
	}
	if len(q) > 0 {
		dest += "?" + strings.Join(q, "&")
	}
	return dest
}

// resolveMuxrate computes the UDP output's -muxrate value: explicit
// override, or ceil((video_bps + 128_000) * 1.3) from a declared video
// bitrate, or the configured default (~10 Mbps).
func resolveMuxrate(p model.EncoderParams, defaultBps int64) int64 {
	if p.Muxrate != "" {
		if v, ok := parseBps(p.Muxrate); ok {
			return v
		}
	}
	if p.VideoBitrate != "" {
		if videoBps, ok := parseBps(p.VideoBitrate); ok {
			return int64(math.Ceil(float64(videoBps+128_000) * 1.3))
		}
	}
	return defaultBps
}

// parseBps parses a bitrate string like "2000k", "5M", "800000" into bits
// per second.
func parseBps(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	mult := int64(1)
	lower := strings.ToLower(s)
	switch {
	case strings.HasSuffix(lower, "k"):
		mult = 1_000
		s = s[:len(s)-1]
	case strings.HasSuffix(lower, "m"):
		mult = 1_000_000
		s = s[:len(s)-1]
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return int64(v * float64(mult)), true
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// resolveVideoCodec asks the probe for the effective video codec and, when it
// selected a hardware codec, returns which HWKind so the caller can emit
// kind-specific pre-input/encoder-tuning args.
func (b *Builder) resolveVideoCodec(ctx context.Context, kind model.OutputKind, p model.EncoderParams) (string, model.HWKind, error) {
	requested := p.VideoCodec
	if requested == "" && kind != model.OutputHLS {
		requested = "copy"
	}

	if b.probe == nil {
		return requested, "", nil
	}

	codec, err := b.probe.PreferredCodec(ctx, capability.PreferredCodecRequest{
		Requested:      requested,
		HWAccelEnabled: b.opts.HWAccelEnabled,
		AutoSubstitute: b.opts.HWAccelAuto,
	})
	if err != nil {
		return "", "", err
	}

	switch {
	case strings.HasSuffix(codec, "_nvenc"):
		return codec, model.HWNvenc, nil
	case strings.HasSuffix(codec, "_qsv"):
		return codec, model.HWQSV, nil
	case strings.HasSuffix(codec, "_vaapi"):
		return codec, model.HWVAAPI, nil
	case strings.HasSuffix(codec, "_videotoolbox"):
		return codec, model.HWVideoToolbox, nil
	case strings.HasSuffix(codec, "_amf"):
		return codec, model.HWAMF, nil
	default:
		return codec, "", nil
	}
}

// hwArgs returns the kind-specific pre-input hwaccel args (emitted before
// -i) and encoder-tuning args (emitted just after -c:v <hwcodec>) for the
// selected hardware kind. VAAPI resolution is fail-fast: an unreadable
// render device raises a RESOURCE error here, before any process spawns.
func (b *Builder) hwArgs(kind model.HWKind, p model.EncoderParams) ([]string, []string, error) {
	gpuIndex := 0
	if p.GPUIndex != nil {
		gpuIndex = *p.GPUIndex
	}

	switch kind {
	case model.HWNvenc:
		preset := capability.MapNVENCPreset(p.Preset, b.opts.NVENCPresetOverride)
		var enc []string
		if p.GPUIndex != nil {
			enc = append(enc, "-gpu", strconv.Itoa(gpuIndex))
		}
		enc = append(enc, "-preset", preset)
		return nil, enc, nil

	case model.HWVAAPI:
		if b.probe == nil {
			return nil, nil, errors.New(errors.Resource, "VAAPI selected but no capability probe configured", nil)
		}
		device, err := b.probe.ResolveVAAPIDevice(gpuIndex)
		if err != nil {
			return nil, nil, err
		}
		pre := []string{"-init_hw_device", fmt.Sprintf("vaapi=gpu:%s", device), "-filter_hw_device", "gpu"}
		return pre, nil, nil

	case model.HWQSV:
		pre := []string{"-init_hw_device", fmt.Sprintf("qsv=hw:/dev/dri/renderD%d", 128+gpuIndex)}
		return pre, nil, nil

	default:
		return nil, nil, nil
	}
}
