package resources

import (
	"context"
	"time"
)

// Priority orders resources for cleanup pressure decisions. Lower priorities
// are reclaimed first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// String returns the string representation of the priority
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Disposable is the minimal contract for anything the registry can reclaim.
// Cleanup must be idempotent; IsActive distinguishes a live handle from a
// zombie.
type Disposable interface {
	Cleanup(ctx context.Context) error
	IsActive() bool
}

// Descriptor is what callers hand the registry when registering a resource
type Descriptor struct {
	// ID must be globally unique across the registry
	ID string

	// Kind groups resources for typed cleanup and leak heuristics
	// (e.g. "timer", "worker", "listener", "cache_slab")
	Kind string

	// Description is a short human-readable label
	Description string

	// Cleanup releases the resource. It must be idempotent.
	Cleanup func(ctx context.Context) error

	// IsActive reports whether the underlying handle is still live.
	// A nil IsActive is treated as always active.
	IsActive func() bool

	// GetMetrics optionally exposes resource-specific metrics
	GetMetrics func() map[string]interface{}

	Priority       Priority
	Tags           []string
	DependsOn      []string
	EstimatedBytes int64
}

// managedResource is the registry's internal record for one tracked resource
type managedResource struct {
	Descriptor

	CreatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int64
	potentialLeak  bool
}

func (r *managedResource) active() bool {
	if r.IsActive == nil {
		return true
	}
	return r.IsActive()
}

// GroupOptions controls group-level cleanup behavior
type GroupOptions struct {
	// CleanupOrder orders groups during full drains; lower orders drain first
	CleanupOrder int

	// AutoCleanup opts the group into the pressure-driven auto-cleanup loop
	AutoCleanup bool
}

// resourceGroup tracks a named set of resources cleaned together
type resourceGroup struct {
	ID           string
	Name         string
	MemberIDs    map[string]bool
	CleanupOrder int
	AutoCleanup  bool
	CreatedAt    time.Time
}

// ResourceInfo is the externally visible view of a tracked resource
type ResourceInfo struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	Description    string    `json:"description"`
	Priority       string    `json:"priority"`
	Tags           []string  `json:"tags,omitempty"`
	DependsOn      []string  `json:"depends_on,omitempty"`
	EstimatedBytes int64     `json:"estimated_bytes"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	AccessCount    int64     `json:"access_count"`
	Active         bool      `json:"active"`
	PotentialLeak  bool      `json:"potential_leak"`
}

// Stats is a point-in-time snapshot of registry state
type Stats struct {
	TotalResources     int              `json:"total_resources"`
	CountByKind        map[string]int   `json:"count_by_kind"`
	MemoryByKind       map[string]int64 `json:"memory_by_kind"`
	TotalMemoryBytes   int64            `json:"total_memory_bytes"`
	TotalGroups        int              `json:"total_groups"`
	ActiveCleanups     int              `json:"active_cleanups"`
	PotentialLeaks     int              `json:"potential_leaks"`
	FailedCleanups     int64            `json:"failed_cleanups"`
	CompletedCleanups  int64            `json:"completed_cleanups"`
	AvgCleanupDuration time.Duration    `json:"avg_cleanup_duration"`
	CreatedByKind      map[string]int64 `json:"created_by_kind"`
}

// LifecycleEvent is one entry in the registry's bounded event log
type LifecycleEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	Action     string    `json:"action"`
	ResourceID string    `json:"resource_id,omitempty"`
	Kind       string    `json:"kind,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Lifecycle event actions recorded in the event log
const (
	EventRegistered     = "registered"
	EventCleaned        = "cleaned"
	EventCleanupFailed  = "cleanup_failed"
	EventCleanupBlocked = "cleanup_blocked"
	EventLeakFlagged    = "leak_flagged"
	EventGroupCreated   = "group_created"
	EventGroupCleaned   = "group_cleaned"
)
