package native

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// ErrMetricsUnsupported is returned on hosts without a metrics source.
var ErrMetricsUnsupported = errors.New("host metrics not supported on this platform")

// Reading is one raw metrics sample.
type Reading struct {
	CPUPercent    float64
	MemoryPercent float64
	DiskPercent   float64
}

// HealthScore weighs the three utilisation figures into a 0-100 score.
func (r Reading) HealthScore() int {
	load := 0.35*r.CPUPercent + 0.35*r.MemoryPercent + 0.30*r.DiskPercent
	return int(math.Round(math.Max(0, math.Min(100, 100-load))))
}

// Metrics samples the host. DiskPath is the filesystem whose usage is reported.
type Metrics struct {
	ProcDir  string
	DiskPath string
}

// NewMetrics creates a Metrics reading from /proc and the root filesystem.
func NewMetrics() *Metrics {
	return &Metrics{ProcDir: "/proc", DiskPath: "/"}
}

// Read takes one sample.
func (m *Metrics) Read(ctx context.Context) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}
	return m.read()
}

func parseLoadAvg(s string, cpus int) (float64, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty loadavg")
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("parse loadavg: %w", err)
	}
	if cpus < 1 {
		cpus = 1
	}
	return math.Min(100, load/float64(cpus)*100), nil
}

func parseMemInfo(r io.Reader) (float64, error) {
	values := map[string]float64{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		key, rest, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		v, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			continue
		}
		values[key] = v
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("read meminfo: %w", err)
	}

	total := values["MemTotal"]
	if total <= 0 {
		return 0, fmt.Errorf("meminfo has no MemTotal")
	}
	available, ok := values["MemAvailable"]
	if !ok {
		available = values["MemFree"] + values["Buffers"] + values["Cached"]
	}
	return math.Max(0, math.Min(100, (total-available)/total*100)), nil
}
