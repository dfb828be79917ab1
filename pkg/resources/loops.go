package resources

import (
	"time"
)

// autoCleanupLoop applies tiered pressure response on a fixed interval.
// Memory over the critical threshold drains low and medium priority
// resources plus anything stale for 30 minutes; over the warning threshold
// drains low priority plus anything stale for an hour; a registry near its
// configured maximum drains anything stale for two hours. Dead handles
// (IsActive false) are reclaimed on every tick regardless of tier.
func (r *Registry) autoCleanupLoop() {
	defer r.wg.Done()

	interval := r.cfg.AutoCleanupInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.runAutoCleanup()
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Registry) runAutoCleanup() {
	stats := r.Stats()
	memoryMB := stats.TotalMemoryBytes / (1024 * 1024)

	switch {
	case memoryMB > int64(r.cfg.MemoryCriticalMB):
		r.logger.Warn("memory over critical threshold, draining resources", map[string]interface{}{
			"memory_mb":   memoryMB,
			"critical_mb": r.cfg.MemoryCriticalMB,
		})
		r.CleanupByPriority(PriorityMedium)
		r.CleanupStale(staleCritical)

	case memoryMB > int64(r.cfg.MemoryWarningMB):
		r.logger.Info("memory over warning threshold, draining resources", map[string]interface{}{
			"memory_mb":  memoryMB,
			"warning_mb": r.cfg.MemoryWarningMB,
		})
		r.CleanupByPriority(PriorityLow)
		r.CleanupStale(staleWarning)

	case r.cfg.MaxResources > 0 &&
		float64(stats.TotalResources) >= float64(r.cfg.MaxResources)*countPressureRatio:
		r.CleanupStale(staleCrowded)
	}

	// Zombie handles are reclaimed on every tick
	dead := r.idsMatching(func(res *managedResource) bool {
		return !res.active()
	})
	if n := r.cleanupIDs(dead); n > 0 {
		r.logger.Debug("reclaimed inactive resources", map[string]interface{}{
			"count": n,
		})
	}
}

// leakDetectionLoop flags leak candidates on a fixed interval: resources that
// are inactive and untouched for five minutes, and kinds where most resources
// ever created are still registered.
func (r *Registry) leakDetectionLoop() {
	defer r.wg.Done()

	interval := r.cfg.LeakDetectionInterval()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.runLeakDetection()
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Registry) runLeakDetection() {
	cutoff := time.Now().Add(-leakInactiveAge)

	r.mu.Lock()
	var flagged []LifecycleEvent
	liveByKind := make(map[string]int64)
	for _, res := range r.resources {
		liveByKind[res.Kind]++
		if res.potentialLeak {
			continue
		}
		if !res.active() && res.LastAccessedAt.Before(cutoff) {
			res.potentialLeak = true
			r.logEventLocked(EventLeakFlagged, res.ID, res.Kind, "inactive and stale")
			flagged = append(flagged, r.eventLog[len(r.eventLog)-1])
		}
	}

	var systemic []string
	for kind, created := range r.createdByKind {
		if created < systemicLeakMinCreated {
			continue
		}
		if float64(liveByKind[kind])/float64(created) >= systemicLeakRatio {
			systemic = append(systemic, kind)
		}
	}
	r.mu.Unlock()

	for _, ev := range flagged {
		r.logger.Warn("potential resource leak", map[string]interface{}{
			"resource": ev.ResourceID,
			"kind":     ev.Kind,
		})
	}
	for _, kind := range systemic {
		r.logger.Warn("systemic leak suspected for resource kind", map[string]interface{}{
			"kind": kind,
		})
	}
}
