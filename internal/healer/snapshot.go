package healer

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"
)

// HealthSnapshot captures coarse host health around a healing run.
type HealthSnapshot struct {
	Timestamp time.Time       `json:"timestamp"`
	Services  map[string]bool `json:"services"`
	// DiskUsage maps mount point to used percentage.
	DiskUsage map[string]int `json:"disk_usage"`
	LoadAvg1m float64        `json:"load_avg_1m"`
}

// AllServicesActive reports whether every captured service is active.
// An empty capture counts as healthy.
func (s *HealthSnapshot) AllServicesActive() bool {
	for _, active := range s.Services {
		if !active {
			return false
		}
	}
	return true
}

// snapshot captures service states, disk usage, and load average.
// Partial data is acceptable: a failed probe leaves its section empty
// rather than failing the healing run.
func (h *Healer) snapshot(ctx context.Context) *HealthSnapshot {
	snap := &HealthSnapshot{
		Timestamp: h.now().UTC(),
		Services:  make(map[string]bool, len(h.services)),
		DiskUsage: map[string]int{},
	}

	if h.dryRun {
		for _, svc := range h.services {
			snap.Services[svc] = true
		}
		snap.DiskUsage["/"] = 0
		return snap
	}

	for _, svc := range h.services {
		out := h.runner.Run(ctx, nil, "/usr/bin/systemctl", "is-active", svc)
		snap.Services[svc] = out.Stdout == "active"
	}

	if out := h.runner.Run(ctx, nil, "/usr/bin/df", "-P"); out.Err == nil {
		for _, line := range strings.Split(out.Stdout, "\n")[1:] {
			fields := strings.Fields(line)
			if len(fields) < 6 || !strings.HasPrefix(fields[0], "/") {
				continue
			}
			pct, err := strconv.Atoi(strings.TrimSuffix(fields[4], "%"))
			if err != nil {
				continue
			}
			snap.DiskUsage[fields[5]] = pct
		}
	}

	if data, err := os.ReadFile("/proc/loadavg"); err == nil {
		fields := strings.Fields(string(data))
		if len(fields) > 0 {
			snap.LoadAvg1m, _ = strconv.ParseFloat(fields[0], 64)
		}
	}

	return snap
}
