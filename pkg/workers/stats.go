package workers

import "time"

// Stats is a point-in-time snapshot of pool and dispatcher state
type Stats struct {
	PoolSize          int           `json:"pool_size"`
	BusyWorkers       int           `json:"busy_workers"`
	PendingRequests   int           `json:"pending_requests"`
	TotalRequests     int64         `json:"total_requests"`
	CompletedRequests int64         `json:"completed_requests"`
	FailedRequests    int64         `json:"failed_requests"`
	Timeouts          int64         `json:"timeouts"`
	Crashes           int64         `json:"crashes"`
	AvgResponseTime   time.Duration `json:"avg_response_time"`
	ErrorRate         float64       `json:"error_rate"`
	Utilization       float64       `json:"utilization"`
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{
		PoolSize:          len(p.slots),
		PendingRequests:   len(p.pending),
		TotalRequests:     p.totalRequests,
		CompletedRequests: p.completedRequests,
		FailedRequests:    p.failedRequests,
		Timeouts:          p.timeouts,
		Crashes:           p.crashes,
	}
	for _, s := range p.slots {
		if s.busy {
			stats.BusyWorkers++
		}
	}
	if p.completedRequests > 0 {
		stats.AvgResponseTime = p.totalResponseTime / time.Duration(p.completedRequests)
	}
	if p.totalRequests > 0 {
		stats.ErrorRate = float64(p.failedRequests) / float64(p.totalRequests)
	}
	if len(p.slots) > 0 {
		stats.Utilization = float64(stats.BusyWorkers) / float64(len(p.slots))
	}
	return stats
}
