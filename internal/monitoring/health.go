// internal/monitoring/health.go
package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// HealthStatus is the health of one component or the whole system.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusUnknown   HealthStatus = "unknown"
)

// rank orders statuses by severity so the overall status is the worst
// of its parts.
func (s HealthStatus) rank() int {
	switch s {
	case HealthStatusHealthy:
		return 0
	case HealthStatusDegraded:
		return 1
	case HealthStatusUnknown:
		return 2
	case HealthStatusUnhealthy:
		return 3
	}
	return 2
}

// CheckResult is the outcome of one health check.
type CheckResult struct {
	Status   HealthStatus           `json:"status"`
	Message  string                 `json:"message,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// CheckFunc probes one component.
type CheckFunc func(ctx context.Context) CheckResult

// CheckEntry is one check's result in a report.
type CheckEntry struct {
	Status     HealthStatus           `json:"status"`
	Message    string                 `json:"message,omitempty"`
	DurationMs int64                  `json:"duration_ms"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Report is the aggregated health snapshot.
type Report struct {
	Status    HealthStatus          `json:"status"`
	Timestamp time.Time             `json:"timestamp"`
	Uptime    string                `json:"uptime"`
	Checks    map[string]CheckEntry `json:"checks"`
}

// HealthManager runs named health checks and aggregates their status.
type HealthManager struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	order   []string
	timeout time.Duration
	started time.Time
}

// NewHealthManager builds an empty manager. timeout bounds each check.
func NewHealthManager(timeout time.Duration) *HealthManager {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HealthManager{
		checks:  make(map[string]CheckFunc),
		timeout: timeout,
		started: time.Now(),
	}
}

// Register adds or replaces a named check.
func (h *HealthManager) Register(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.checks[name]; !exists {
		h.order = append(h.order, name)
		sort.Strings(h.order)
	}
	h.checks[name] = check
}

// Run executes every registered check and aggregates the report. A
// panicking check is reported unhealthy, never propagated.
func (h *HealthManager) Run(ctx context.Context) Report {
	h.mu.RLock()
	names := append([]string(nil), h.order...)
	checks := make(map[string]CheckFunc, len(h.checks))
	for name, fn := range h.checks {
		checks[name] = fn
	}
	h.mu.RUnlock()

	report := Report{
		Status:    HealthStatusHealthy,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Checks:    make(map[string]CheckEntry, len(names)),
	}

	for _, name := range names {
		started := time.Now()
		result := h.runOne(ctx, checks[name])
		entry := CheckEntry{
			Status:     result.Status,
			Message:    result.Message,
			DurationMs: time.Since(started).Milliseconds(),
			Metadata:   result.Metadata,
		}
		report.Checks[name] = entry
		if entry.Status.rank() > report.Status.rank() {
			report.Status = entry.Status
		}
	}
	return report
}

func (h *HealthManager) runOne(ctx context.Context, check CheckFunc) (result CheckResult) {
	defer func() {
		if r := recover(); r != nil {
			result = CheckResult{Status: HealthStatusUnhealthy, Message: fmt.Sprintf("check panicked: %v", r)}
		}
	}()
	checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	return check(checkCtx)
}

// Handler serves the aggregated report; 503 unless the system is
// healthy or degraded.
func (h *HealthManager) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := h.Run(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if report.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(report)
	}
}

// Pinger is anything with a context Ping, like the store or a Redis client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseCheck probes the SQL store.
func DatabaseCheck(p Pinger) CheckFunc {
	return pingCheck(p, "database reachable", "database ping failed")
}

// RedisCheck probes the Redis cache backend.
func RedisCheck(p Pinger) CheckFunc {
	return pingCheck(p, "redis reachable", "redis ping failed")
}

func pingCheck(p Pinger, okMsg, failMsg string) CheckFunc {
	return func(ctx context.Context) CheckResult {
		if err := p.Ping(ctx); err != nil {
			return CheckResult{Status: HealthStatusUnhealthy, Message: fmt.Sprintf("%s: %v", failMsg, err)}
		}
		return CheckResult{Status: HealthStatusHealthy, Message: okMsg}
	}
}

// SystemCheck reports CPU and memory pressure.
func SystemCheck() CheckFunc {
	return func(ctx context.Context) CheckResult {
		metadata := map[string]interface{}{
			"goroutines": runtime.NumGoroutine(),
		}
		status := HealthStatusHealthy

		if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
			metadata["memory_used_percent"] = vm.UsedPercent
			if vm.UsedPercent > 90 {
				status = HealthStatusDegraded
			}
		}
		if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
			metadata["cpu_percent"] = percents[0]
			if percents[0] > 95 {
				status = HealthStatusDegraded
			}
		}
		return CheckResult{Status: status, Metadata: metadata}
	}
}

// DiskCheck reports usage of the volume holding path. Degraded above
// 85%, unhealthy above 95%.
func DiskCheck(path string) CheckFunc {
	return func(ctx context.Context) CheckResult {
		usage, err := disk.UsageWithContext(ctx, path)
		if err != nil {
			return CheckResult{Status: HealthStatusUnknown, Message: fmt.Sprintf("disk usage for %s: %v", path, err)}
		}
		result := CheckResult{
			Status: HealthStatusHealthy,
			Metadata: map[string]interface{}{
				"path":         path,
				"used_percent": usage.UsedPercent,
				"free_bytes":   usage.Free,
			},
		}
		switch {
		case usage.UsedPercent > 95:
			result.Status = HealthStatusUnhealthy
		case usage.UsedPercent > 85:
			result.Status = HealthStatusDegraded
		}
		return result
	}
}
