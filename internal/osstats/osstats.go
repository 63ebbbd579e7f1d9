// Package osstats produces OS-level process statistics complementary to the
// stderr metrics parser: per-pid CPU/memory/elapsed/cmdline via gopsutil,
// aggregated network counters from /proc/<pid>/net/dev, and an
// active-connection count from the system's socket-inspection tools.
//
// Every accessor degrades to zero values on failure; a channel whose
// encoder cannot be inspected still gets a well-formed (empty) stats block.
package osstats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/streamforge/supervisor/internal/log"
)

const toolTimeout = 3 * time.Second

// ProcessInfo is the per-pid stats block pushed to subscribers.
type ProcessInfo struct {
	PID            int     `json:"pid"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryPercent  float64 `json:"memory_percent"`
	Cmdline        string  `json:"cmdline"`
	RxBytes        uint64  `json:"rx_bytes"`
	TxBytes        uint64  `json:"tx_bytes"`
	Connections    int     `json:"connections"`
}

// HostPressure reports PSI resource-pressure averages where the kernel
// exposes them (Linux with CONFIG_PSI); zero elsewhere.
type HostPressure struct {
	CPUSomeAvg10    float64 `json:"cpu_some_avg10"`
	MemorySomeAvg10 float64 `json:"memory_some_avg10"`
}

// Collector gathers process and host statistics. ProcRoot is overridable
// for tests; it defaults to /proc.
type Collector struct {
	ProcRoot string
}

// New constructs a Collector against the live /proc.
func New() *Collector {
	return &Collector{ProcRoot: "/proc"}
}

// PidExists reports whether pid refers to a live OS process.
func (c *Collector) PidExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

// Collect gathers the full stats block for pid. Fields that cannot be read
// stay zero; Collect itself never fails.
func (c *Collector) Collect(ctx context.Context, pid int) ProcessInfo {
	info := ProcessInfo{PID: pid}
	if pid <= 0 {
		return info
	}

	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return info
	}

	if createMs, err := proc.CreateTimeWithContext(ctx); err == nil && createMs > 0 {
		info.ElapsedSeconds = time.Since(time.UnixMilli(createMs)).Seconds()
	}
	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		info.CPUPercent = cpu
	}
	if mem, err := proc.MemoryPercentWithContext(ctx); err == nil {
		info.MemoryPercent = float64(mem)
	}
	if cmdline, err := proc.CmdlineWithContext(ctx); err == nil {
		info.Cmdline = cmdline
	}

	info.RxBytes, info.TxBytes = c.netCounters(pid)
	info.Connections = c.connectionCount(ctx, pid)

	return info
}

// netCounters sums rx/tx bytes across all interfaces in /proc/<pid>/net/dev.
func (c *Collector) netCounters(pid int) (rx, tx uint64) {
	f, err := os.Open(filepath.Join(c.ProcRoot, strconv.Itoa(pid), "net", "dev"))
	if err != nil {
		return 0, 0
	}
	defer func() { _ = f.Close() }()
	return ParseNetDev(f)
}

// ParseNetDev parses the /proc/<pid>/net/dev table, summing receive and
// transmit byte counters across interfaces.
func ParseNetDev(r io.Reader) (rx, tx uint64) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue // header lines
		}
		fields := strings.Fields(line[idx+1:])
		if len(fields) < 9 {
			continue
		}
		if v, err := strconv.ParseUint(fields[0], 10, 64); err == nil {
			rx += v
		}
		if v, err := strconv.ParseUint(fields[8], 10, 64); err == nil {
			tx += v
		}
	}
	return rx, tx
}

// connectionCount counts pid's active sockets, preferring ss, then netstat,
// then falling back to enumerating /proc/<pid>/fd socket links.
func (c *Collector) connectionCount(ctx context.Context, pid int) int {
	if n, ok := c.countViaTool(ctx, pid, "ss", "-tunp"); ok {
		return n
	}
	if n, ok := c.countViaTool(ctx, pid, "netstat", "-tunp"); ok {
		return n
	}
	return c.countSocketFDs(pid)
}

func (c *Collector) countViaTool(ctx context.Context, pid int, tool string, args ...string) (int, bool) {
	if _, err := exec.LookPath(tool); err != nil {
		return 0, false
	}
	ctx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, tool, args...).Output()
	if err != nil {
		logger := log.WithComponent("osstats")
		logger.Debug().Err(err).Str("tool", tool).Msg("socket inspection tool failed")
		return 0, false
	}

	needle := fmt.Sprintf("pid=%d,", pid)
	altNeedle := fmt.Sprintf("%d/", pid) // netstat's PID/Program column
	count := 0
	for _, line := range strings.Split(string(out), "\n") {
		if strings.Contains(line, needle) || strings.Contains(line, altNeedle) {
			count++
		}
	}
	return count, true
}

func (c *Collector) countSocketFDs(pid int) int {
	dir := filepath.Join(c.ProcRoot, strconv.Itoa(pid), "fd")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	count := 0
	for _, e := range entries {
		target, err := os.Readlink(filepath.Join(dir, e.Name()))
		if err == nil && strings.HasPrefix(target, "socket:") {
			count++
		}
	}
	return count
}

// HostPressure reads PSI "some" avg10 values for cpu and memory. Missing
// files (non-Linux, old kernels) yield zeros.
func (c *Collector) HostPressure() HostPressure {
	return HostPressure{
		CPUSomeAvg10:    c.pressureAvg10("cpu"),
		MemorySomeAvg10: c.pressureAvg10("memory"),
	}
}

func (c *Collector) pressureAvg10(resource string) float64 {
	f, err := os.Open(filepath.Join(c.ProcRoot, "pressure", resource))
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()
	return ParsePressureAvg10(f)
}

// ParsePressureAvg10 extracts the "some" line's avg10 value from a PSI file.
func ParsePressureAvg10(r io.Reader) float64 {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "some") {
			continue
		}
		for _, field := range strings.Fields(line) {
			if strings.HasPrefix(field, "avg10=") {
				v, err := strconv.ParseFloat(strings.TrimPrefix(field, "avg10="), 64)
				if err != nil {
					return 0
				}
				return v
			}
		}
	}
	return 0
}
