package gpu

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Monitor reads GPU memory through nvidia-smi. Readings are cached for a
// short interval so that polling acquirers do not fork a process on every
// attempt. Mem is called both under the controller lock (TryAcquire) and
// outside it (Stats), so the cache carries its own mutex.
type Monitor struct {
	gpuIndex int
	cacheTTL time.Duration
	query    func() (string, error)

	mu        sync.Mutex
	lastStats *MemStats
	lastRead  time.Time
}

// NewMonitor creates a monitor for the given GPU index.
func NewMonitor(gpuIndex int) *Monitor {
	m := &Monitor{
		gpuIndex: gpuIndex,
		cacheTTL: time.Second,
	}
	m.query = m.queryNvidiaSMI
	return m
}

// Mem returns current GPU memory in GiB. Safe for concurrent use as
// Options.Mem and from status handlers.
func (m *Monitor) Mem() (*MemStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastStats != nil && time.Since(m.lastRead) < m.cacheTTL {
		return m.lastStats, nil
	}

	out, err := m.query()
	if err != nil {
		return nil, err
	}
	stats, err := parseMemCSV(out)
	if err != nil {
		return nil, err
	}
	m.lastStats = stats
	m.lastRead = time.Now()
	return stats, nil
}

func (m *Monitor) queryNvidiaSMI() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=memory.used,memory.free,memory.total",
		"--format=csv,noheader,nounits",
		"-i", strconv.Itoa(m.gpuIndex))
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("nvidia-smi: %w", err)
	}
	return string(out), nil
}

// parseMemCSV parses one "used, free, total" line of MiB values.
func parseMemCSV(out string) (*MemStats, error) {
	line := strings.TrimSpace(out)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	fields := strings.Split(line, ",")
	if len(fields) != 3 {
		return nil, fmt.Errorf("unexpected nvidia-smi output: %q", line)
	}

	vals := make([]float64, 3)
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, fmt.Errorf("parse nvidia-smi field %q: %w", f, err)
		}
		vals[i] = v / 1024 // MiB to GiB
	}
	return &MemStats{AllocatedGiB: vals[0], FreeGiB: vals[1], TotalGiB: vals[2]}, nil
}
