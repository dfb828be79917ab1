// Package resources tracks every managed resource the parsing engine creates
// (timers, worker handles, listeners, cache slabs) and reclaims them through
// ordered, grouped, and pressure-driven cleanup with leak detection.
package resources

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/TheEntropyCollective/notemill/pkg/infrastructure/config"
	"github.com/TheEntropyCollective/notemill/pkg/infrastructure/logging"
)

// ErrCleanupTimeout marks a cleanup that exceeded the configured bound. The
// resource stays registered so the failed release remains visible.
var ErrCleanupTimeout = errors.New("resource cleanup timed out")

const (
	// eventLogCapacity bounds the lifecycle event ring
	eventLogCapacity = 256

	// leakInactiveAge is how long an inactive, untouched resource may linger
	// before it is flagged as a potential leak
	leakInactiveAge = 5 * time.Minute

	// systemicLeakRatio flags a kind when this share of all resources ever
	// created of that kind is still registered
	systemicLeakRatio = 0.8

	// systemicLeakMinCreated avoids flagging kinds with too few samples
	systemicLeakMinCreated = 10

	// Staleness tiers applied by the auto-cleanup loop under memory pressure
	staleCritical = 30 * time.Minute
	staleWarning  = time.Hour
	staleCrowded  = 2 * time.Hour

	// countPressureRatio is the fill ratio at which the registry is
	// considered near its configured maximum
	countPressureRatio = 0.9
)

// Registry tracks managed resources and performs their cleanup
type Registry struct {
	mu             sync.Mutex
	resources      map[string]*managedResource
	groups         map[string]*resourceGroup
	activeCleanups map[string]bool
	createdByKind  map[string]int64

	failedCleanups    int64
	completedCleanups int64
	totalCleanupTime  time.Duration

	eventLog []LifecycleEvent

	cfg    config.RegistryConfig
	logger *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// NewRegistry creates a registry and starts its auto-cleanup and
// leak-detection loops. Close stops both deterministically.
func NewRegistry(cfg config.RegistryConfig, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.GetLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())

	r := &Registry{
		resources:      make(map[string]*managedResource),
		groups:         make(map[string]*resourceGroup),
		activeCleanups: make(map[string]bool),
		createdByKind:  make(map[string]int64),
		cfg:            cfg,
		logger:         logger.WithComponent("resources"),
		ctx:            ctx,
		cancel:         cancel,
	}

	r.wg.Add(2)
	go r.autoCleanupLoop()
	go r.leakDetectionLoop()

	return r
}

// Register adds a resource to the registry and returns its id
func (r *Registry) Register(desc Descriptor) (string, error) {
	if desc.ID == "" {
		return "", fmt.Errorf("resource descriptor missing id")
	}
	if desc.Kind == "" {
		return "", fmt.Errorf("resource %s missing kind", desc.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return "", fmt.Errorf("registry is closed")
	}
	if _, exists := r.resources[desc.ID]; exists {
		return "", fmt.Errorf("resource id already registered: %s", desc.ID)
	}

	now := time.Now()
	r.resources[desc.ID] = &managedResource{
		Descriptor:     desc,
		CreatedAt:      now,
		LastAccessedAt: now,
		AccessCount:    1,
	}
	r.createdByKind[desc.Kind]++
	r.logEventLocked(EventRegistered, desc.ID, desc.Kind, desc.Description)

	return desc.ID, nil
}

// RegisterDisposable registers a Disposable under the given descriptor,
// wiring its Cleanup and IsActive methods in
func (r *Registry) RegisterDisposable(desc Descriptor, d Disposable) (string, error) {
	desc.Cleanup = d.Cleanup
	desc.IsActive = d.IsActive
	return r.Register(desc)
}

// RegisterGroup registers a set of resources and a group record that cleans
// them together
func (r *Registry) RegisterGroup(groupID, name string, descs []Descriptor, opts GroupOptions) error {
	if groupID == "" {
		return fmt.Errorf("group id cannot be empty")
	}

	r.mu.Lock()
	if _, exists := r.groups[groupID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("group id already registered: %s", groupID)
	}
	r.mu.Unlock()

	members := make(map[string]bool, len(descs))
	for _, desc := range descs {
		if _, err := r.Register(desc); err != nil {
			return fmt.Errorf("group %s: %w", groupID, err)
		}
		members[desc.ID] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups[groupID] = &resourceGroup{
		ID:           groupID,
		Name:         name,
		MemberIDs:    members,
		CleanupOrder: opts.CleanupOrder,
		AutoCleanup:  opts.AutoCleanup,
		CreatedAt:    time.Now(),
	}
	r.logEventLocked(EventGroupCreated, groupID, "", name)
	return nil
}

// Touch records an access to a resource, refreshing its staleness clock
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if res, ok := r.resources[id]; ok {
		res.LastAccessedAt = time.Now()
		res.AccessCount++
	}
}

// Cleanup releases a single resource. It returns false when the resource is
// unknown, already being cleaned, blocked by a still-registered dependency,
// or when its cleanup function fails or times out (the resource is retained
// in the failure case).
func (r *Registry) Cleanup(id string) bool {
	r.mu.Lock()
	res, ok := r.resources[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if r.activeCleanups[id] {
		r.mu.Unlock()
		return false
	}
	// Cleanup is refused while any dependency is still registered. This is
	// the inverse of the usual dependents-first ordering and is kept as-is
	// pending product-owner clarification.
	for _, dep := range res.DependsOn {
		if _, present := r.resources[dep]; present {
			r.logEventLocked(EventCleanupBlocked, id, res.Kind, "blocked by dependency "+dep)
			r.mu.Unlock()
			r.logger.Warn("cleanup blocked by registered dependency", map[string]interface{}{
				"resource":   id,
				"dependency": dep,
			})
			return false
		}
	}
	r.activeCleanups[id] = true
	r.mu.Unlock()

	start := time.Now()
	err := r.runCleanup(res)
	duration := time.Since(start)

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.activeCleanups, id)

	if err != nil {
		res.potentialLeak = true
		r.failedCleanups++
		r.logEventLocked(EventCleanupFailed, id, res.Kind, err.Error())
		r.logger.Warn("resource cleanup failed", map[string]interface{}{
			"resource": id,
			"kind":     res.Kind,
			"error":    err.Error(),
			"duration": duration.String(),
		})
		return false
	}

	delete(r.resources, id)
	r.completedCleanups++
	r.totalCleanupTime += duration
	r.logEventLocked(EventCleaned, id, res.Kind, "")
	return true
}

// runCleanup races the resource's cleanup function against maxCleanupTime
func (r *Registry) runCleanup(res *managedResource) error {
	if res.Descriptor.Cleanup == nil {
		return nil
	}

	// Not derived from r.ctx: Close cancels that before the final drain,
	// and shutdown cleanups still get their full time bound.
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.MaxCleanupTime())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- res.Descriptor.Cleanup(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w after %s: %s", ErrCleanupTimeout, r.cfg.MaxCleanupTime(), res.ID)
	}
}

// CleanupGroup drains a group's members in ascending priority order. The
// group record is deleted only when every member cleaned successfully;
// members that already left the registry count as cleaned.
func (r *Registry) CleanupGroup(groupID string) bool {
	r.mu.Lock()
	group, ok := r.groups[groupID]
	if !ok {
		r.mu.Unlock()
		return false
	}

	type member struct {
		id       string
		priority Priority
	}
	members := make([]member, 0, len(group.MemberIDs))
	for id := range group.MemberIDs {
		if res, present := r.resources[id]; present {
			members = append(members, member{id: id, priority: res.Priority})
		}
	}
	r.mu.Unlock()

	sort.SliceStable(members, func(i, j int) bool {
		return members[i].priority < members[j].priority
	})

	allCleaned := true
	for _, m := range members {
		if !r.Cleanup(m.id) {
			// A member that vanished between snapshot and cleanup is fine
			r.mu.Lock()
			_, stillRegistered := r.resources[m.id]
			r.mu.Unlock()
			if stillRegistered {
				allCleaned = false
			}
		}
	}

	if allCleaned {
		r.mu.Lock()
		delete(r.groups, groupID)
		r.logEventLocked(EventGroupCleaned, groupID, "", group.Name)
		r.mu.Unlock()
	}
	return allCleaned
}

// CleanupByType cleans every resource of the given kind and returns how many
// were released
func (r *Registry) CleanupByType(kind string) int {
	ids := r.idsMatching(func(res *managedResource) bool {
		return res.Kind == kind
	})
	return r.cleanupIDs(ids)
}

// CleanupByPriority cleans every resource at or below the given priority
func (r *Registry) CleanupByPriority(maxPriority Priority) int {
	ids := r.idsMatching(func(res *managedResource) bool {
		return res.Priority <= maxPriority
	})
	return r.cleanupIDs(ids)
}

// CleanupStale cleans every resource untouched for longer than maxAge
func (r *Registry) CleanupStale(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	ids := r.idsMatching(func(res *managedResource) bool {
		return res.LastAccessedAt.Before(cutoff)
	})
	return r.cleanupIDs(ids)
}

// CleanupAll drains every group in ascending cleanup order, then all
// remaining ungrouped resources in ascending priority order. Individual
// failures are contained and reported through statistics.
func (r *Registry) CleanupAll() {
	r.mu.Lock()
	groupIDs := make([]string, 0, len(r.groups))
	for id := range r.groups {
		groupIDs = append(groupIDs, id)
	}
	sort.SliceStable(groupIDs, func(i, j int) bool {
		return r.groups[groupIDs[i]].CleanupOrder < r.groups[groupIDs[j]].CleanupOrder
	})
	r.mu.Unlock()

	for _, gid := range groupIDs {
		r.CleanupGroup(gid)
	}

	r.mu.Lock()
	type entry struct {
		id       string
		priority Priority
	}
	remaining := make([]entry, 0, len(r.resources))
	for id, res := range r.resources {
		remaining = append(remaining, entry{id: id, priority: res.Priority})
	}
	r.mu.Unlock()

	sort.SliceStable(remaining, func(i, j int) bool {
		return remaining[i].priority < remaining[j].priority
	})
	for _, e := range remaining {
		r.Cleanup(e.id)
	}
}

// idsMatching snapshots the ids of resources satisfying the predicate
func (r *Registry) idsMatching(match func(*managedResource) bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, res := range r.resources {
		if match(res) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *Registry) cleanupIDs(ids []string) int {
	count := 0
	for _, id := range ids {
		if r.Cleanup(id) {
			count++
		}
	}
	return count
}

// Stats returns a point-in-time snapshot of registry state
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Stats{
		TotalResources:    len(r.resources),
		CountByKind:       make(map[string]int),
		MemoryByKind:      make(map[string]int64),
		TotalGroups:       len(r.groups),
		ActiveCleanups:    len(r.activeCleanups),
		FailedCleanups:    r.failedCleanups,
		CompletedCleanups: r.completedCleanups,
		CreatedByKind:     make(map[string]int64),
	}
	for _, res := range r.resources {
		stats.CountByKind[res.Kind]++
		stats.MemoryByKind[res.Kind] += res.EstimatedBytes
		stats.TotalMemoryBytes += res.EstimatedBytes
		if res.potentialLeak {
			stats.PotentialLeaks++
		}
	}
	for kind, created := range r.createdByKind {
		stats.CreatedByKind[kind] = created
	}
	if r.completedCleanups > 0 {
		stats.AvgCleanupDuration = r.totalCleanupTime / time.Duration(r.completedCleanups)
	}
	return stats
}

// ListByType returns the visible state of every resource of the given kind
func (r *Registry) ListByType(kind string) []ResourceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	var infos []ResourceInfo
	for _, res := range r.resources {
		if res.Kind != kind {
			continue
		}
		infos = append(infos, ResourceInfo{
			ID:             res.ID,
			Kind:           res.Kind,
			Description:    res.Description,
			Priority:       res.Priority.String(),
			Tags:           res.Tags,
			DependsOn:      res.DependsOn,
			EstimatedBytes: res.EstimatedBytes,
			CreatedAt:      res.CreatedAt,
			LastAccessedAt: res.LastAccessedAt,
			AccessCount:    res.AccessCount,
			Active:         res.active(),
			PotentialLeak:  res.potentialLeak,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// EventLog returns a copy of the bounded lifecycle event log, oldest first
func (r *Registry) EventLog() []LifecycleEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	log := make([]LifecycleEvent, len(r.eventLog))
	copy(log, r.eventLog)
	return log
}

// logEventLocked appends to the event ring; callers hold r.mu
func (r *Registry) logEventLocked(action, resourceID, kind, detail string) {
	if len(r.eventLog) >= eventLogCapacity {
		r.eventLog = r.eventLog[1:]
	}
	r.eventLog = append(r.eventLog, LifecycleEvent{
		Timestamp:  time.Now(),
		Action:     action,
		ResourceID: resourceID,
		Kind:       kind,
		Detail:     detail,
	})
}

// Close stops the background loops and drains every remaining resource
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	r.CleanupAll()
}
