package capability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamforge/supervisor/internal/domain/errors"
	"github.com/streamforge/supervisor/internal/domain/model"
)

// seedCaps primes the probe cache so PreferredCodec never shells out.
func seedCaps(p *Probe, caps ...model.HwCapability) {
	p.mu.Lock()
	p.caps = caps
	p.probedAt = time.Now()
	p.mu.Unlock()
}

func nvencCap() model.HwCapability {
	return model.HwCapability{Kind: model.HWNvenc, Name: "h264_nvenc", Codecs: []string{"h264_nvenc", "hevc_nvenc"}, Available: true}
}

func vaapiCap() model.HwCapability {
	return model.HwCapability{Kind: model.HWVAAPI, Name: "h264_vaapi", DevicePath: "/dev/dri/renderD128", Codecs: []string{"h264_vaapi"}, Available: true}
}

func TestPreferredCodecSelectionOrder(t *testing.T) {
	p := New(Options{})
	seedCaps(p, vaapiCap(), nvencCap())

	codec, err := p.PreferredCodec(context.Background(), PreferredCodecRequest{
		Requested: "libx264", HWAccelEnabled: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "h264_nvenc", codec, "NVENC outranks VAAPI for h.264")
}

func TestPreferredCodecFallsToNextAvailable(t *testing.T) {
	p := New(Options{})
	unavailable := nvencCap()
	unavailable.Available = false
	seedCaps(p, unavailable, vaapiCap())

	codec, err := p.PreferredCodec(context.Background(), PreferredCodecRequest{
		Requested: "h264", HWAccelEnabled: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "h264_vaapi", codec)
}

func TestPreferredCodecHEVCVariant(t *testing.T) {
	p := New(Options{})
	seedCaps(p, nvencCap())

	codec, err := p.PreferredCodec(context.Background(), PreferredCodecRequest{
		Requested: "hevc", HWAccelEnabled: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "hevc_nvenc", codec)
}

func TestPreferredCodecDisabledHWAccel(t *testing.T) {
	p := New(Options{})
	seedCaps(p, nvencCap())

	codec, err := p.PreferredCodec(context.Background(), PreferredCodecRequest{
		Requested: "libx264", HWAccelEnabled: false,
	})
	require.NoError(t, err)
	assert.Equal(t, "libx264", codec)
}

func TestPreferredCodecCopyPassthroughWithoutAuto(t *testing.T) {
	p := New(Options{})
	seedCaps(p, nvencCap())

	for _, requested := range []string{"copy", ""} {
		codec, err := p.PreferredCodec(context.Background(), PreferredCodecRequest{
			Requested: requested, HWAccelEnabled: true, AutoSubstitute: false,
		})
		require.NoError(t, err)
		assert.Equal(t, requested, codec)
	}
}

func TestPreferredCodecAutoSubstitutesCopy(t *testing.T) {
	p := New(Options{})
	seedCaps(p, nvencCap())

	codec, err := p.PreferredCodec(context.Background(), PreferredCodecRequest{
		Requested: "copy", HWAccelEnabled: true, AutoSubstitute: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "h264_nvenc", codec)
}

func TestPreferredCodecAlreadyHardwarePassesThrough(t *testing.T) {
	p := New(Options{})
	seedCaps(p, nvencCap())

	for _, requested := range []string{"h264_qsv", "hevc_vaapi", "h264_videotoolbox", "h264_amf"} {
		codec, err := p.PreferredCodec(context.Background(), PreferredCodecRequest{
			Requested: requested, HWAccelEnabled: true,
		})
		require.NoError(t, err)
		assert.Equal(t, requested, codec)
	}
}

func TestPreferredCodecUnknownNamePassesThrough(t *testing.T) {
	p := New(Options{})
	seedCaps(p, nvencCap())

	codec, err := p.PreferredCodec(context.Background(), PreferredCodecRequest{
		Requested: "vp9", HWAccelEnabled: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "vp9", codec)
}

func TestPreferredCodecNoHardwareAvailable(t *testing.T) {
	p := New(Options{})
	seedCaps(p) // probed, nothing found

	codec, err := p.PreferredCodec(context.Background(), PreferredCodecRequest{
		Requested: "libx264", HWAccelEnabled: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "libx264", codec)
}

func TestResolveVAAPIDeviceFailFast(t *testing.T) {
	p := New(Options{RenderNodeGlob: "/nonexistent/renderD*"})

	_, err := p.ResolveVAAPIDevice(0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.Resource))
	assert.Contains(t, err.Error(), "expose the DRI device")
}

func TestMapNVENCPreset(t *testing.T) {
	tests := []struct {
		preset, override, want string
	}{
		{"ultrafast", "", "p1"},
		{"veryfast", "", "p2"},
		{"medium", "", "p4"},
		{"veryslow", "", "p7"},
		{"p3", "", "p3"},       // already mapped
		{"weird", "", "p4"},    // unknown falls back
		{"", "", "p4"},         // unset falls back
		{"veryslow", "p1", "p1"}, // env override wins
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MapNVENCPreset(tt.preset, tt.override),
			"MapNVENCPreset(%q, %q)", tt.preset, tt.override)
	}
}

func TestInvalidateForcesReprobe(t *testing.T) {
	p := New(Options{TTL: time.Hour})
	seedCaps(p, nvencCap())

	p.Invalidate()

	p.mu.RLock()
	stale := p.probedAt.IsZero()
	p.mu.RUnlock()
	assert.True(t, stale)
}
