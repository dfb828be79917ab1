package health

import (
	"testing"
	"time"

	"github.com/TheEntropyCollective/notemill/pkg/infrastructure/config"
	"github.com/TheEntropyCollective/notemill/pkg/infrastructure/logging"
	"github.com/TheEntropyCollective/notemill/pkg/resources"
	"github.com/TheEntropyCollective/notemill/pkg/workers"
)

type stubRegistry struct {
	stats resources.Stats
}

func (s *stubRegistry) Stats() resources.Stats { return s.stats }

type stubPool struct {
	stats workers.Stats
}

func (s *stubPool) Stats() workers.Stats { return s.stats }

func newTestMonitor(reg *stubRegistry, pool *stubPool) *Monitor {
	cfg := config.DefaultConfig()
	return NewMonitor(reg, pool, cfg.Health, cfg.Registry, logging.NewLogger(nil))
}

func TestClassifyResourceTiers(t *testing.T) {
	tests := []struct {
		name  string
		stats resources.Stats
		want  Status
	}{
		{"empty registry", resources.Stats{}, StatusHealthy},
		{"memory over critical", resources.Stats{TotalMemoryBytes: 101 * 1024 * 1024}, StatusCritical},
		{"too many leaks", resources.Stats{PotentialLeaks: 11}, StatusCritical},
		{"too many active cleanups", resources.Stats{ActiveCleanups: 6}, StatusCritical},
		{"memory over warning", resources.Stats{TotalMemoryBytes: 51 * 1024 * 1024}, StatusWarning},
		{"some leaks", resources.Stats{PotentialLeaks: 6}, StatusWarning},
		{"near capacity", resources.Stats{TotalResources: 801}, StatusWarning},
		{"modest load", resources.Stats{TotalResources: 100, TotalMemoryBytes: 1024}, StatusHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := &stubRegistry{stats: tt.stats}
			m := newTestMonitor(reg, &stubPool{})
			report := m.ResourceStats()
			if report.Status != tt.want {
				t.Errorf("Status = %s, want %s", report.Status, tt.want)
			}
		})
	}
}

func TestMemoryTrend(t *testing.T) {
	reg := &stubRegistry{}
	m := newTestMonitor(reg, &stubPool{})

	// Climbing samples: each more than 10% above the window start
	for _, mb := range []int64{10, 20, 40, 80} {
		reg.stats.TotalMemoryBytes = mb * 1024 * 1024
		report := m.ResourceStats()
		if mb == 80 && report.Trend != TrendIncreasing {
			t.Errorf("Trend = %s after climb, want %s", report.Trend, TrendIncreasing)
		}
	}

	// Falling back down
	for _, mb := range []int64{60, 40, 20, 10, 5, 4, 3, 2, 1, 1} {
		reg.stats.TotalMemoryBytes = mb * 1024 * 1024
		m.ResourceStats()
	}
	reg.stats.TotalMemoryBytes = 1 * 1024 * 1024
	if report := m.ResourceStats(); report.Trend != TrendDecreasing {
		t.Errorf("Trend = %s after decline, want %s", report.Trend, TrendDecreasing)
	}
}

func TestMemoryTrendStableWhenFlat(t *testing.T) {
	reg := &stubRegistry{}
	m := newTestMonitor(reg, &stubPool{})

	for i := 0; i < 5; i++ {
		reg.stats.TotalMemoryBytes = 50 * 1024 * 1024
		if report := m.ResourceStats(); i > 0 && report.Trend != TrendStable {
			t.Errorf("Trend = %s for flat samples, want %s", report.Trend, TrendStable)
		}
	}
}

func TestEvaluateWorkerTiers(t *testing.T) {
	tests := []struct {
		name  string
		stats workers.Stats
		want  Status
	}{
		{"idle pool", workers.Stats{PoolSize: 2}, StatusHealthy},
		{"critical error rate", workers.Stats{PoolSize: 2, ErrorRate: 0.6}, StatusCritical},
		{"degraded error rate", workers.Stats{PoolSize: 2, ErrorRate: 0.2}, StatusDegraded},
		{"saturated pool", workers.Stats{PoolSize: 2, Utilization: 0.95}, StatusDegraded},
		{"slow responses", workers.Stats{PoolSize: 2, AvgResponseTime: 6 * time.Second}, StatusDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMonitor(&stubRegistry{}, &stubPool{stats: tt.stats})
			report := m.Evaluate()
			if report.Status != tt.want {
				t.Errorf("Status = %s, want %s", report.Status, tt.want)
			}
		})
	}
}

func TestEvaluateRecommendations(t *testing.T) {
	m := newTestMonitor(&stubRegistry{}, &stubPool{stats: workers.Stats{
		PoolSize:        2,
		Utilization:     0.95,
		PendingRequests: 20,
		ErrorRate:       0.2,
		AvgResponseTime: 6 * time.Second,
	}})

	report := m.Evaluate()
	if len(report.Recommendations) < 4 {
		t.Errorf("Recommendations = %d, want at least 4: %v",
			len(report.Recommendations), report.Recommendations)
	}
}

func TestEvaluateMemoryEstimate(t *testing.T) {
	m := newTestMonitor(&stubRegistry{}, &stubPool{stats: workers.Stats{
		PoolSize:        2,
		PendingRequests: 3,
	}})

	report := m.Evaluate()
	want := int64(2)*10*1024*1024 + int64(3)*1024*1024
	if report.Metrics.EstimatedMemoryBytes != want {
		t.Errorf("EstimatedMemoryBytes = %d, want %d", report.Metrics.EstimatedMemoryBytes, want)
	}
}

func TestEvaluateMemoryEstimateCapped(t *testing.T) {
	m := newTestMonitor(&stubRegistry{}, &stubPool{stats: workers.Stats{
		PoolSize:        100,
		PendingRequests: 100,
	}})

	report := m.Evaluate()
	budget := int64(500) * 1024 * 1024
	if report.Metrics.EstimatedMemoryBytes > budget {
		t.Errorf("EstimatedMemoryBytes = %d, want capped at %d", report.Metrics.EstimatedMemoryBytes, budget)
	}
	if report.Status != StatusCritical {
		t.Errorf("Status at memory budget = %s, want %s", report.Status, StatusCritical)
	}
}
