// Package health classifies system health from resource registry and worker
// pool statistics and emits actionable recommendations.
package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/TheEntropyCollective/notemill/pkg/infrastructure/config"
	"github.com/TheEntropyCollective/notemill/pkg/infrastructure/logging"
	"github.com/TheEntropyCollective/notemill/pkg/resources"
	"github.com/TheEntropyCollective/notemill/pkg/workers"
)

// Status is the coarse health classification
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

// Trend describes the direction of memory consumption over the sample window
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendStable     Trend = "stable"
	TrendDecreasing Trend = "decreasing"
)

// Thresholds the resource tiers are derived from
const (
	criticalLeakCount     = 10
	warningLeakCount      = 5
	criticalCleanups      = 5
	countWarningRatio     = 0.8
	trendSignificance     = 0.1
	workerMemoryEstimate  = 10 * 1024 * 1024
	pendingMemoryEstimate = 1024 * 1024
	degradedErrorRate     = 0.1
	criticalErrorRate     = 0.5
	slowResponseTime      = 5 * time.Second
	highUtilization       = 0.9
)

// ResourceReport is the outcome of a resource health pass
type ResourceReport struct {
	Status Status          `json:"status"`
	Trend  Trend           `json:"memory_trend"`
	Stats  resources.Stats `json:"stats"`
}

// WorkerMetrics are the inputs the worker evaluation derives status from
type WorkerMetrics struct {
	ErrorRate            float64       `json:"error_rate"`
	AvgResponseTime      time.Duration `json:"avg_response_time"`
	Utilization          float64       `json:"utilization"`
	EstimatedMemoryBytes int64         `json:"estimated_memory_bytes"`
	PendingRequests      int           `json:"pending_requests"`
	PoolSize             int           `json:"pool_size"`
}

// Report is the outcome of a worker pool evaluation
type Report struct {
	Status          Status        `json:"status"`
	Recommendations []string      `json:"recommendations"`
	Metrics         WorkerMetrics `json:"metrics"`
}

// ResourceStatsSource supplies registry statistics
type ResourceStatsSource interface {
	Stats() resources.Stats
}

// WorkerStatsSource supplies pool statistics
type WorkerStatsSource interface {
	Stats() workers.Stats
}

// Monitor samples the other components and classifies overall health
type Monitor struct {
	mu            sync.Mutex
	registry      ResourceStatsSource
	pool          WorkerStatsSource
	memoryHistory []int64

	cfg         config.HealthConfig
	registryCfg config.RegistryConfig
	logger      *logging.Logger
}

// NewMonitor creates a health monitor over the given stat sources
func NewMonitor(registry ResourceStatsSource, pool WorkerStatsSource, cfg config.HealthConfig, registryCfg config.RegistryConfig, logger *logging.Logger) *Monitor {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &Monitor{
		registry:    registry,
		pool:        pool,
		cfg:         cfg,
		registryCfg: registryCfg,
		logger:      logger.WithComponent("health"),
	}
}

// ResourceStats samples the registry, folds the sample into the rolling
// memory window, and classifies resource health
func (m *Monitor) ResourceStats() ResourceReport {
	stats := m.registry.Stats()

	m.mu.Lock()
	window := m.cfg.SampleWindow
	if window <= 0 {
		window = 10
	}
	m.memoryHistory = append(m.memoryHistory, stats.TotalMemoryBytes)
	if len(m.memoryHistory) > window {
		m.memoryHistory = m.memoryHistory[len(m.memoryHistory)-window:]
	}
	trend := m.trendLocked(stats.TotalMemoryBytes)
	m.mu.Unlock()

	return ResourceReport{
		Status: m.classifyResources(stats),
		Trend:  trend,
		Stats:  stats,
	}
}

// trendLocked compares the window's endpoints against the current total;
// callers hold m.mu
func (m *Monitor) trendLocked(current int64) Trend {
	if len(m.memoryHistory) < 2 || current == 0 {
		return TrendStable
	}
	delta := m.memoryHistory[len(m.memoryHistory)-1] - m.memoryHistory[0]
	threshold := float64(current) * trendSignificance
	switch {
	case float64(delta) > threshold:
		return TrendIncreasing
	case float64(delta) < -threshold:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

func (m *Monitor) classifyResources(stats resources.Stats) Status {
	memoryMB := stats.TotalMemoryBytes / (1024 * 1024)

	if memoryMB > int64(m.registryCfg.MemoryCriticalMB) ||
		stats.PotentialLeaks > criticalLeakCount ||
		stats.ActiveCleanups > criticalCleanups {
		return StatusCritical
	}
	if memoryMB > int64(m.registryCfg.MemoryWarningMB) ||
		stats.PotentialLeaks > warningLeakCount ||
		(m.registryCfg.MaxResources > 0 &&
			float64(stats.TotalResources) > float64(m.registryCfg.MaxResources)*countWarningRatio) {
		return StatusWarning
	}
	return StatusHealthy
}

// Evaluate classifies worker pool health and produces recommendations
func (m *Monitor) Evaluate() Report {
	stats := m.pool.Stats()

	metrics := WorkerMetrics{
		ErrorRate:       stats.ErrorRate,
		AvgResponseTime: stats.AvgResponseTime,
		Utilization:     stats.Utilization,
		PendingRequests: stats.PendingRequests,
		PoolSize:        stats.PoolSize,
	}

	budget := int64(m.cfg.MemoryBudgetMB) * 1024 * 1024
	estimate := int64(stats.PoolSize)*workerMemoryEstimate +
		int64(stats.PendingRequests)*pendingMemoryEstimate
	if budget > 0 && estimate > budget {
		estimate = budget
	}
	metrics.EstimatedMemoryBytes = estimate

	report := Report{Metrics: metrics}

	overBudget := budget > 0 && estimate >= budget
	switch {
	case stats.ErrorRate > criticalErrorRate || overBudget:
		report.Status = StatusCritical
	case stats.ErrorRate > degradedErrorRate ||
		stats.Utilization > highUtilization ||
		stats.AvgResponseTime > slowResponseTime:
		report.Status = StatusDegraded
	default:
		report.Status = StatusHealthy
	}

	if stats.Utilization > highUtilization {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("increase worker pool size (current %d, utilization %.0f%%)",
				stats.PoolSize, stats.Utilization*100))
	}
	if stats.PendingRequests > stats.PoolSize*4 {
		report.Recommendations = append(report.Recommendations,
			"enable compression and batching to reduce request backlog")
	}
	if stats.ErrorRate > degradedErrorRate {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("investigate worker failures (error rate %.0f%%)", stats.ErrorRate*100))
	}
	if stats.AvgResponseTime > slowResponseTime {
		report.Recommendations = append(report.Recommendations,
			"reduce batch size or increase request timeout for slow parses")
	}
	if overBudget {
		report.Recommendations = append(report.Recommendations,
			"estimated memory footprint at budget; reduce pool size or pending backlog")
	}

	if report.Status != StatusHealthy {
		m.logger.Warn("worker pool health degraded", map[string]interface{}{
			"status":     string(report.Status),
			"error_rate": stats.ErrorRate,
			"pending":    stats.PendingRequests,
		})
	}
	return report
}
