// Package capability enumerates available hardware encoders and render
// devices, memoised for a bounded TTL, and answers the "preferred codec
// for a request" and VAAPI device resolution queries the command builder
// depends on. Discovery is fail-closed: a candidate only counts as
// available once a minimal real encode against it succeeds, not merely
// because ffmpeg was compiled with support for it.
package capability

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/streamforge/supervisor/internal/domain/errors"
	"github.com/streamforge/supervisor/internal/domain/model"
	"github.com/streamforge/supervisor/internal/log"
)

// candidate describes one hardware encoder this probe knows how to look for.
type candidate struct {
	kind       model.HWKind
	encoder    string // ffmpeg -encoders name, e.g. "h264_nvenc"
	hevcEncoder string
	renderNode bool // VAAPI/QSV: backed by /dev/dri/renderDNNN
	vendorTool string // presence of this binary on PATH is evidence
}

var candidates = []candidate{
	{kind: model.HWNvenc, encoder: "h264_nvenc", hevcEncoder: "hevc_nvenc", vendorTool: "nvidia-smi"},
	{kind: model.HWQSV, encoder: "h264_qsv", hevcEncoder: "hevc_qsv", renderNode: true},
	{kind: model.HWVAAPI, encoder: "h264_vaapi", hevcEncoder: "hevc_vaapi", renderNode: true},
	{kind: model.HWVideoToolbox, encoder: "h264_videotoolbox", hevcEncoder: "hevc_videotoolbox"},
	{kind: model.HWAMF, encoder: "h264_amf", hevcEncoder: "hevc_amf"},
}

// selectionOrder is the fixed h.264 preference order; the same order
// applies to h.265 with the _hevc encoder name per candidate.
var selectionOrder = []model.HWKind{model.HWNvenc, model.HWQSV, model.HWVAAPI, model.HWVideoToolbox}

// nvencPresetTable maps libx264-style presets to NVENC's p1..p7 scale.
var nvencPresetTable = map[string]string{
	"ultrafast": "p1",
	"superfast": "p1",
	"veryfast":  "p2",
	"faster":    "p3",
	"fast":      "p4",
	"medium":    "p4",
	"slow":      "p5",
	"slower":    "p6",
	"veryslow":  "p7",
}

// Options configures a Probe.
type Options struct {
	FFmpegPath        string
	TTL               time.Duration
	RenderNodeGlob    string // defaults to /dev/dri/renderD*
	DefaultVAAPIDevice string
}

// Probe enumerates and caches hardware capabilities.
type Probe struct {
	opts Options

	mu        sync.RWMutex
	caps      []model.HwCapability
	probedAt  time.Time

	group singleflight.Group
}

// New constructs a Probe with the given options, applying defaults.
func New(opts Options) *Probe {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.TTL <= 0 {
		opts.TTL = 60 * time.Second
	}
	if opts.RenderNodeGlob == "" {
		opts.RenderNodeGlob = "/dev/dri/renderD*"
	}
	return &Probe{opts: opts}
}

// Capabilities returns the cached capability list, refreshing it if the TTL
// has elapsed. Concurrent refreshes collapse into one via singleflight.
func (p *Probe) Capabilities(ctx context.Context) ([]model.HwCapability, error) {
	p.mu.RLock()
	fresh := !p.probedAt.IsZero() && time.Since(p.probedAt) < p.opts.TTL
	cached := p.caps
	p.mu.RUnlock()
	if fresh {
		return cached, nil
	}

	v, err, _ := p.group.Do("probe", func() (any, error) {
		return p.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]model.HwCapability), nil
}

// Invalidate forces the next Capabilities call to re-probe.
func (p *Probe) Invalidate() {
	p.mu.Lock()
	p.probedAt = time.Time{}
	p.mu.Unlock()
}

func (p *Probe) refresh(ctx context.Context) ([]model.HwCapability, error) {
	logger := log.WithComponent("capability")

	encoderList := p.probeEncoderList(ctx)
	renderNodes := p.probeRenderNodes()

	var out []model.HwCapability
	for _, c := range candidates {
		present := strings.Contains(encoderList, c.encoder)
		if !present {
			continue
		}
		available := false
		devicePath := ""
		index := 0

		switch {
		case c.renderNode:
			if len(renderNodes) > 0 {
				devicePath = renderNodes[0]
				available = p.preflight(ctx, c.encoder, devicePath)
			}
		case c.vendorTool != "":
			if _, err := exec.LookPath(c.vendorTool); err == nil {
				available = p.preflight(ctx, c.encoder, "")
			}
		default:
			available = p.preflight(ctx, c.encoder, "")
		}

		codecs := []string{c.encoder}
		if strings.Contains(encoderList, c.hevcEncoder) {
			codecs = append(codecs, c.hevcEncoder)
		}

		out = append(out, model.HwCapability{
			Kind:       c.kind,
			Index:      index,
			Name:       c.encoder,
			DevicePath: devicePath,
			Codecs:     codecs,
			Available:  available,
		})

		logger.Debug().Str("kind", string(c.kind)).Bool("available", available).Str("device", devicePath).Msg("probed hardware candidate")
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })

	p.mu.Lock()
	p.caps = out
	p.probedAt = time.Now()
	p.mu.Unlock()

	return out, nil
}

func (p *Probe) probeEncoderList(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, p.opts.FFmpegPath, "-hide_banner", "-encoders")
	out, _ := cmd.Output()
	return string(out)
}

func (p *Probe) probeRenderNodes() []string {
	matches, _ := filepath.Glob(p.opts.RenderNodeGlob)
	var readable []string
	for _, m := range matches {
		if f, err := os.Open(m); err == nil {
			_ = f.Close()
			readable = append(readable, m)
		}
	}
	sort.Strings(readable)
	return readable
}

// preflight runs a minimal real encode against encoder to verify it
// actually works, not just that ffmpeg was compiled with support for it.
// Fail-closed: any error means unavailable.
func (p *Probe) preflight(ctx context.Context, encoder, devicePath string) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	args := []string{"-hide_banner", "-v", "error"}
	switch {
	case strings.Contains(encoder, "vaapi"):
		if devicePath == "" {
			return false
		}
		args = append(args, "-init_hw_device", fmt.Sprintf("vaapi=gpu:%s", devicePath), "-filter_hw_device", "gpu")
	case strings.Contains(encoder, "qsv"):
		if devicePath == "" {
			return false
		}
		args = append(args, "-init_hw_device", fmt.Sprintf("qsv=hw:%s", devicePath))
	}

	args = append(args, "-f", "lavfi", "-i", "color=black:s=64x64:d=0.1:r=1", "-frames:v", "1", "-an")
	if strings.Contains(encoder, "vaapi") {
		args = append(args, "-vf", "format=nv12,hwupload")
	}
	args = append(args, "-c:v", encoder, "-f", "null", "-")

	cmd := exec.CommandContext(ctx, p.opts.FFmpegPath, args...)
	return cmd.Run() == nil
}

// PreferredCodecRequest describes a codec-selection query.
type PreferredCodecRequest struct {
	Requested      string
	HWAccelEnabled bool
	AutoSubstitute bool // substitute even for copy/empty requests
}

// PreferredCodec returns the hardware-mapped codec name for req, or
// req.Requested unchanged if no substitution applies.
func (p *Probe) PreferredCodec(ctx context.Context, req PreferredCodecRequest) (string, error) {
	if !req.HWAccelEnabled {
		return req.Requested, nil
	}

	requested := strings.ToLower(strings.TrimSpace(req.Requested))
	isHEVC := requested == "hevc" || requested == "h265" || requested == "libx265"
	isH264 := requested == "" || requested == "h264" || requested == "libx264" || requested == "copy"

	if isAlreadyHardware(requested) {
		return req.Requested, nil
	}

	if requested == "copy" && !req.AutoSubstitute {
		return req.Requested, nil
	}
	if requested == "" && !req.AutoSubstitute {
		return req.Requested, nil
	}

	if !isH264 && !isHEVC {
		// Unrecognized codec name: no hardware mapping defined, pass through.
		return req.Requested, nil
	}

	caps, err := p.Capabilities(ctx)
	if err != nil {
		return "", err
	}
	byKind := make(map[model.HWKind]model.HwCapability, len(caps))
	for _, c := range caps {
		byKind[c.Kind] = c
	}

	for _, kind := range selectionOrder {
		c, ok := byKind[kind]
		if !ok || !c.Available {
			continue
		}
		if isHEVC {
			for _, codec := range c.Codecs {
				if strings.Contains(codec, "hevc") {
					return codec, nil
				}
			}
			continue
		}
		return c.Name, nil
	}

	return req.Requested, nil
}

func isAlreadyHardware(codec string) bool {
	for _, suffix := range []string{"_nvenc", "_qsv", "_vaapi", "_videotoolbox", "_amf"} {
		if strings.HasSuffix(codec, suffix) {
			return true
		}
	}
	return false
}

// ResolveVAAPIDevice resolves the render-node device path for a requested
// gpu_index: enumerated devices first, then the conventional
// /dev/dri/renderD{128+index} path, then a configured default. Readability
// is checked at each step; failure to find a readable device is a RESOURCE
// error, never a silent downgrade to software encoding.
func (p *Probe) ResolveVAAPIDevice(gpuIndex int) (string, error) {
	nodes := p.probeRenderNodes()
	if gpuIndex >= 0 && gpuIndex < len(nodes) {
		return nodes[gpuIndex], nil
	}

	conventional := fmt.Sprintf("/dev/dri/renderD%d", 128+gpuIndex)
	if f, err := os.Open(conventional); err == nil {
		_ = f.Close()
		return conventional, nil
	}

	if p.opts.DefaultVAAPIDevice != "" {
		if f, err := os.Open(p.opts.DefaultVAAPIDevice); err == nil {
			_ = f.Close()
			return p.opts.DefaultVAAPIDevice, nil
		}
	}

	return "", errors.New(errors.Resource, fmt.Sprintf(
		"no readable VAAPI render device for gpu_index=%d (tried enumerated devices and %s); expose the DRI device to the runtime sandbox",
		gpuIndex, conventional), nil)
}

// MapNVENCPreset remaps a libx264-style preset to NVENC's p1..p7 scale. An
// already-p1..p7 preset passes through; envOverride, when non-empty,
// supersedes both.
func MapNVENCPreset(preset, envOverride string) string {
	if envOverride != "" {
		return envOverride
	}
	if preset == "" {
		return "p4"
	}
	if len(preset) == 2 && preset[0] == 'p' && preset[1] >= '1' && preset[1] <= '7' {
		return preset
	}
	if mapped, ok := nvencPresetTable[preset]; ok {
		return mapped
	}
	return "p4"
}
