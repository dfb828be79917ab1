package cache

import (
	"time"
)

// Stats tracks cache performance counters. It is guarded by the cache's own
// mutex; methods here assume the caller already holds it.
type Stats struct {
	hits        int64
	misses      int64
	stores      int64
	removals    int64
	evictions   int64
	memoryUsage int64
	startTime   time.Time
}

// NewStats creates a zeroed counter set
func NewStats() *Stats {
	return &Stats{startTime: time.Now()}
}

func (s *Stats) recordHit()  { s.hits++ }
func (s *Stats) recordMiss() { s.misses++ }

func (s *Stats) recordStore(size int64) {
	s.stores++
	s.memoryUsage += size
}

func (s *Stats) recordRemoval(size int64, evicted bool) {
	s.removals++
	s.memoryUsage -= size
	if evicted {
		s.evictions++
	}
}

func (s *Stats) adjustMemory(delta int64) {
	s.memoryUsage += delta
}

func (s *Stats) memoryBytes() int64 {
	return s.memoryUsage
}

func (s *Stats) reset() {
	*s = Stats{startTime: time.Now()}
}

// ProjectStats is the per-project slice of a stats snapshot
type ProjectStats struct {
	Hits           int64     `json:"hits"`
	Misses         int64     `json:"misses"`
	AssociatedKeys int       `json:"associated_keys"`
	LastUpdatedAt  time.Time `json:"last_updated_at"`
}

// StatsSnapshot is a point-in-time copy of cache statistics
type StatsSnapshot struct {
	Hits          int64                   `json:"hits"`
	Misses        int64                   `json:"misses"`
	TotalRequests int64                   `json:"total_requests"`
	HitRate       float64                 `json:"hit_rate"`
	Stores        int64                   `json:"stores"`
	Removals      int64                   `json:"removals"`
	Evictions     int64                   `json:"evictions"`
	Entries       int                     `json:"entries"`
	Projects      int                     `json:"projects"`
	MemoryBytes   int64                   `json:"memory_bytes"`
	Uptime        time.Duration           `json:"uptime"`
	ProjectStats  map[string]ProjectStats `json:"project_stats,omitempty"`
}

func (s *Stats) snapshot() StatsSnapshot {
	total := s.hits + s.misses
	snapshot := StatsSnapshot{
		Hits:          s.hits,
		Misses:        s.misses,
		TotalRequests: total,
		Stores:        s.stores,
		Removals:      s.removals,
		Evictions:     s.evictions,
		MemoryBytes:   s.memoryUsage,
		Uptime:        time.Since(s.startTime),
	}
	if total > 0 {
		snapshot.HitRate = float64(s.hits) / float64(total)
	}
	return snapshot
}
