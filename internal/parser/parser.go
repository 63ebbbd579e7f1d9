// Package parser implements the streaming metrics parser: it consumes
// the encoder's stderr as a potentially fragmented byte stream tagged by
// channel id, reassembles lines across fragment boundaries, and turns the
// encoder's progress lines into structured MetricRecords.
//
// Parsing is best-effort by contract: unparseable lines are ignored and a
// failure inside the parser must never propagate to the stderr-reader task
// that feeds it.
package parser

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/streamforge/supervisor/internal/domain/model"
	"github.com/streamforge/supervisor/internal/log"
	"github.com/streamforge/supervisor/internal/metrics"
)

var (
	frameRe   = regexp.MustCompile(`frame=\s*(\d+)`)
	fpsRe     = regexp.MustCompile(`fps=\s*([\d.]+)`)
	qualityRe = regexp.MustCompile(`q=\s*(-?[\d.]+)`)
	sizeRe    = regexp.MustCompile(`(?:L?size)=\s*([\d.]+)\s*(B|kB|MB|GB)`)
	timeRe    = regexp.MustCompile(`time=\s*(\d+):(\d+):(\d+)\.(\d+)`)
	bitrateRe = regexp.MustCompile(`bitrate=\s*([\d.]+)\s*((?:k|m)?(?:bits/s|bps))`)
	speedRe   = regexp.MustCompile(`speed=\s*([\d.]+)x`)
	videoRe   = regexp.MustCompile(`video:\s*([\d.]+)([km]?)B?`)
	audioRe   = regexp.MustCompile(`audio:\s*([\d.]+)([km]?)B?`)
)

// Parser reassembles fragmented stderr streams per channel and extracts
// MetricRecords from complete progress lines.
type Parser struct {
	mu       sync.Mutex
	residual map[string]string
}

// New constructs an empty Parser.
func New() *Parser {
	return &Parser{residual: make(map[string]string)}
}

// Feed consumes one stderr fragment for channelID and returns the records
// parsed from every line the fragment completed, oldest first. The trailing
// partial line (if any) is retained until the next fragment or Clear.
func (p *Parser) Feed(channelID string, data []byte) []model.MetricRecord {
	p.mu.Lock()
	buf := p.residual[channelID] + string(data)
	// Progress refreshes end in \r, not \n; both terminate a line here so
	// metrics advance while the encoder rewrites its status line.
	buf = strings.ReplaceAll(buf, "\r", "\n")
	lines := strings.Split(buf, "\n")
	p.residual[channelID] = lines[len(lines)-1]
	p.mu.Unlock()

	var out []model.MetricRecord
	for _, line := range lines[:len(lines)-1] {
		if rec, ok := p.parseLineSafe(line); ok {
			out = append(out, rec)
		}
	}
	return out
}

// Clear drops channelID's residual buffer. Called on channel teardown.
func (p *Parser) Clear(channelID string) {
	p.mu.Lock()
	delete(p.residual, channelID)
	p.mu.Unlock()
}

// parseLineSafe shields the reader task from any parse failure: a panic is
// swallowed after being recorded at debug level.
func (p *Parser) parseLineSafe(line string) (rec model.MetricRecord, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			metrics.MetricsParseErrorsTotal.Inc()
			logger := log.WithComponent("parser")
			logger.Debug().Interface("panic", r).Str("line", line).Msg("progress line parse failed")
			rec, ok = model.MetricRecord{}, false
		}
	}()
	return ParseLine(line)
}

// ParseLine extracts a MetricRecord from a single encoder progress line.
// Lines not containing "frame=" yield nothing. The encoder also emits
// carriage-return separated updates on one line; callers see those as part
// of the same line and the last match of each field wins via the trailing
// segment.
func ParseLine(line string) (model.MetricRecord, bool) {
	if !strings.Contains(line, "frame=") {
		return model.MetricRecord{}, false
	}
	// \r-refreshed progress lines: keep the newest segment.
	if i := strings.LastIndexByte(line, '\r'); i >= 0 && strings.Contains(line[i+1:], "frame=") {
		line = line[i+1:]
	}

	rec := model.MetricRecord{Source: model.MetricSourceParsed, CapturedAt: time.Now()}

	m := frameRe.FindStringSubmatch(line)
	if m == nil {
		return model.MetricRecord{}, false
	}
	rec.Frame, _ = strconv.ParseInt(m[1], 10, 64)

	if m := fpsRe.FindStringSubmatch(line); m != nil {
		rec.FPS, _ = strconv.ParseFloat(m[1], 64)
	}
	if m := qualityRe.FindStringSubmatch(line); m != nil {
		rec.Quality, _ = strconv.ParseFloat(m[1], 64)
	}
	if m := sizeRe.FindStringSubmatch(line); m != nil {
		v, _ := strconv.ParseFloat(m[1], 64)
		rec.SizeBytes = int64(v * float64(sizeUnit(m[2])))
	}
	if m := timeRe.FindStringSubmatch(line); m != nil {
		h, _ := strconv.ParseFloat(m[1], 64)
		mi, _ := strconv.ParseFloat(m[2], 64)
		s, _ := strconv.ParseFloat(m[3], 64)
		cs, _ := strconv.ParseFloat(m[4], 64)
		rec.TimeSeconds = h*3600 + mi*60 + s + cs/centiScale(len(m[4]))
	}
	if m := bitrateRe.FindStringSubmatch(line); m != nil {
		v, _ := strconv.ParseFloat(m[1], 64)
		rec.BitrateKbps = v * bitrateUnitKbps(m[2])
	}
	if m := speedRe.FindStringSubmatch(line); m != nil {
		rec.Speed, _ = strconv.ParseFloat(m[1], 64)
	}
	if m := videoRe.FindStringSubmatch(line); m != nil {
		rec.VideoBytes = streamBytes(m[1], m[2])
	}
	if m := audioRe.FindStringSubmatch(line); m != nil {
		rec.AudioBytes = streamBytes(m[1], m[2])
	}

	// The encoder omits bitrate for some muxers ("bitrate=N/A"); derive it
	// from accumulated size and elapsed time when both are known.
	if rec.BitrateKbps == 0 && rec.SizeBytes > 0 && rec.TimeSeconds > 0 {
		rec.BitrateKbps = float64(rec.SizeBytes) * 8 / (rec.TimeSeconds * 1000)
		rec.Source = model.MetricSourceCalculated
	}

	return rec, true
}

func sizeUnit(unit string) int64 {
	switch unit {
	case "kB":
		return 1024
	case "MB":
		return 1024 * 1024
	case "GB":
		return 1024 * 1024 * 1024
	default:
		return 1
	}
}

// centiScale maps the digit count of a fractional timecode field to its
// divisor: "05" is centiseconds, "050" milliseconds.
func centiScale(digits int) float64 {
	switch digits {
	case 1:
		return 10
	case 2:
		return 100
	case 3:
		return 1000
	default:
		return 1e6
	}
}

func bitrateUnitKbps(unit string) float64 {
	switch strings.ToLower(unit) {
	case "kbits/s", "kbps":
		return 1
	case "mbits/s", "mbps":
		return 1000
	default: // bits/s
		return 0.001
	}
}

func streamBytes(num, unit string) int64 {
	v, _ := strconv.ParseFloat(num, 64)
	switch unit {
	case "k":
		return int64(v * 1024)
	case "m":
		return int64(v * 1024 * 1024)
	default:
		return int64(v)
	}
}
