// Package cache implements the project-aware TTL+LRU store for parse results.
// Entries are keyed by content fingerprint, optionally scoped to a project id,
// and a per-project index keeps bulk invalidation cheap.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/TheEntropyCollective/notemill/pkg/infrastructure/config"
	"github.com/TheEntropyCollective/notemill/pkg/infrastructure/logging"
	"github.com/TheEntropyCollective/notemill/pkg/parse"
)

// evictFraction is the share of remaining entries removed, oldest first,
// when the expired-entry pass alone does not bring the cache under budget
const evictFraction = 0.2

// bloomCapacity sizes the membership pre-filter; false positives only cost
// one map lookup, so the rate is tuned loose
const (
	bloomCapacity = 100000
	bloomFPRate   = 0.01
)

// Entry is one cached parse result. Entries are mutated only by the cache.
type Entry struct {
	Key            string
	Payload        interface{}
	CreatedAt      time.Time
	TTL            time.Duration
	ProjectID      string
	Kind           string
	AccessCount    int64
	LastAccessedAt time.Time
	SizeBytes      int64
}

// expired reports whether the entry is past its TTL at the given instant
func (e *Entry) expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.CreatedAt) > e.TTL
}

// projectEntry indexes a project's cache footprint so bulk invalidation
// never scans the whole cache
type projectEntry struct {
	ProjectID          string
	AssociatedFileKeys map[string]bool
	LastUpdatedAt      time.Time
	ConfigFingerprint  string
	HitCount           int64
	MissCount          int64
}

// SetOptions controls how an entry is stored
type SetOptions struct {
	TTL               time.Duration
	ProjectID         string
	Kind              string
	SizeBytes         int64
	ConfigFingerprint string
}

// ControlBroadcaster fans a control message out to every worker so
// worker-local cache mirrors stay coherent
type ControlBroadcaster interface {
	Broadcast(ctl parse.Control)
}

// Cache is the project-aware parse result store
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	projects map[string]*projectEntry
	seen     *bloom.BloomFilter
	stats    *Stats

	cfg         config.CacheConfig
	logger      *logging.Logger
	broadcaster ControlBroadcaster

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a cache and starts its maintenance loop. The broadcaster may be
// nil when no workers hold mirrors.
func New(cfg config.CacheConfig, logger *logging.Logger, broadcaster ControlBroadcaster) *Cache {
	if logger == nil {
		logger = logging.GetLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())

	c := &Cache{
		entries:     make(map[string]*Entry),
		projects:    make(map[string]*projectEntry),
		seen:        bloom.NewWithEstimates(bloomCapacity, bloomFPRate),
		stats:       NewStats(),
		cfg:         cfg,
		logger:      logger.WithComponent("cache"),
		broadcaster: broadcaster,
	}
	c.ctx = ctx
	c.cancel = cancel

	interval := time.Duration(cfg.MaintenanceSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	c.wg.Add(1)
	go c.maintenanceLoop(interval)

	return c
}

// compositeKey scopes a key to a project
func compositeKey(projectID, key string) string {
	return projectID + ":" + key
}

// Get looks up a key, trying the literal key first and then the
// project-scoped composite key. Expired entries are misses; they are left in
// place for the next maintenance sweep.
func (c *Cache) Get(key, projectID string) (interface{}, bool) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if (!ok || entry.expired(now)) && projectID != "" {
		// An expired unscoped entry must not shadow a live project-scoped one
		entry, ok = c.entries[compositeKey(projectID, key)]
	}

	if !ok || entry.expired(now) {
		c.stats.recordMiss()
		if projectID != "" {
			if proj, exists := c.projects[projectID]; exists {
				proj.MissCount++
			}
		}
		return nil, false
	}

	entry.AccessCount++
	entry.LastAccessedAt = now
	c.stats.recordHit()
	if entry.ProjectID != "" {
		if proj, exists := c.projects[entry.ProjectID]; exists {
			proj.HitCount++
		}
	}
	return entry.Payload, true
}

// MightContain consults the membership pre-filter. A false return is
// definitive; a true return still requires a Get.
func (c *Cache) MightContain(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen.TestString(key)
}

// Set stores a value. A project id scopes the entry under a composite key
// and records it in the project's footprint index.
func (c *Cache) Set(key string, value interface{}, opts SetOptions) {
	now := time.Now()
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL()
	}
	size := opts.SizeBytes
	if size <= 0 {
		size = estimateSize(value)
	}

	storeKey := key
	if opts.ProjectID != "" {
		storeKey = compositeKey(opts.ProjectID, key)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, exists := c.entries[storeKey]; exists {
		c.stats.adjustMemory(-prev.SizeBytes)
	}
	c.entries[storeKey] = &Entry{
		Key:            storeKey,
		Payload:        value,
		CreatedAt:      now,
		TTL:            ttl,
		ProjectID:      opts.ProjectID,
		Kind:           opts.Kind,
		AccessCount:    0,
		LastAccessedAt: now,
		SizeBytes:      size,
	}
	c.seen.AddString(storeKey)
	if storeKey != key {
		c.seen.AddString(key)
	}
	c.stats.recordStore(size)

	if opts.ProjectID != "" {
		proj, exists := c.projects[opts.ProjectID]
		if !exists {
			proj = &projectEntry{
				ProjectID:          opts.ProjectID,
				AssociatedFileKeys: make(map[string]bool),
			}
			c.projects[opts.ProjectID] = proj
		}
		proj.AssociatedFileKeys[storeKey] = true
		proj.LastUpdatedAt = now
		if opts.ConfigFingerprint != "" {
			proj.ConfigFingerprint = opts.ConfigFingerprint
		}
	}

	c.enforceBudgetLocked(now)
}

// enforceBudgetLocked evicts when the memory or entry-count budget is
// exceeded: expired entries first, then the oldest fifth by last access.
// Callers hold c.mu.
func (c *Cache) enforceBudgetLocked(now time.Time) {
	maxBytes := int64(c.cfg.MaxMemoryMB) * 1024 * 1024
	if !c.overBudgetLocked(maxBytes) {
		return
	}

	for key, entry := range c.entries {
		if entry.expired(now) {
			c.removeEntryLocked(key, entry, true)
		}
	}
	if !c.overBudgetLocked(maxBytes) {
		return
	}

	type aged struct {
		key      string
		lastUsed time.Time
	}
	remaining := make([]aged, 0, len(c.entries))
	for key, entry := range c.entries {
		remaining = append(remaining, aged{key: key, lastUsed: entry.LastAccessedAt})
	}
	sort.Slice(remaining, func(i, j int) bool {
		return remaining[i].lastUsed.Before(remaining[j].lastUsed)
	})

	victims := int(float64(len(remaining)) * evictFraction)
	if victims < 1 {
		victims = 1
	}
	for i := 0; i < victims && i < len(remaining); i++ {
		key := remaining[i].key
		c.removeEntryLocked(key, c.entries[key], true)
	}

	c.logger.Debug("cache eviction pass completed", map[string]interface{}{
		"evicted":   victims,
		"remaining": len(c.entries),
	})
}

func (c *Cache) overBudgetLocked(maxBytes int64) bool {
	return c.stats.memoryBytes() > maxBytes || len(c.entries) > c.cfg.MaxEntries
}

// removeEntryLocked deletes an entry and prunes the project index.
// Callers hold c.mu.
func (c *Cache) removeEntryLocked(key string, entry *Entry, evicted bool) {
	delete(c.entries, key)
	c.stats.recordRemoval(entry.SizeBytes, evicted)
	if entry.ProjectID != "" {
		if proj, exists := c.projects[entry.ProjectID]; exists {
			delete(proj.AssociatedFileKeys, key)
		}
	}
}

// InvalidateProject removes every entry in the project's footprint, drops the
// project index record, and tells workers to clear their mirrors
func (c *Cache) InvalidateProject(projectID string) int {
	c.mu.Lock()
	proj, ok := c.projects[projectID]
	removed := 0
	if ok {
		for key := range proj.AssociatedFileKeys {
			if entry, exists := c.entries[key]; exists {
				delete(c.entries, key)
				c.stats.recordRemoval(entry.SizeBytes, false)
				removed++
			}
		}
		delete(c.projects, projectID)
	}
	c.mu.Unlock()

	if c.broadcaster != nil {
		c.broadcaster.Broadcast(parse.Control{
			Type:      parse.MsgInvalidateProject,
			ProjectID: projectID,
		})
	}

	c.logger.Info("invalidated project cache", map[string]interface{}{
		"project": projectID,
		"removed": removed,
	})
	return removed
}

// Clear drops every entry and project record and tells workers to do the same
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*Entry)
	c.projects = make(map[string]*projectEntry)
	c.seen = bloom.NewWithEstimates(bloomCapacity, bloomFPRate)
	c.stats.reset()
	c.mu.Unlock()

	if c.broadcaster != nil {
		c.broadcaster.Broadcast(parse.Control{Type: parse.MsgClearCache})
	}
}

// Len returns the current entry count
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// maintenanceLoop periodically removes expired entries, drops project records
// untouched past the staleness bound, and prunes index keys whose entries
// were already evicted
func (c *Cache) maintenanceLoop(interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runMaintenance(time.Now())
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Cache) runMaintenance(now time.Time) {
	staleness := time.Duration(c.cfg.ProjectStalenessHours) * time.Hour

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.entries {
		if entry.expired(now) {
			c.removeEntryLocked(key, entry, true)
		}
	}

	for projectID, proj := range c.projects {
		if staleness > 0 && now.Sub(proj.LastUpdatedAt) > staleness {
			for key := range proj.AssociatedFileKeys {
				if entry, exists := c.entries[key]; exists {
					c.removeEntryLocked(key, entry, true)
				}
			}
			delete(c.projects, projectID)
			continue
		}
		for key := range proj.AssociatedFileKeys {
			if _, exists := c.entries[key]; !exists {
				delete(proj.AssociatedFileKeys, key)
			}
		}
		if len(proj.AssociatedFileKeys) == 0 {
			delete(c.projects, projectID)
		}
	}
}

// Stats returns a snapshot of cache statistics
func (c *Cache) Stats() StatsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot := c.stats.snapshot()
	snapshot.Entries = len(c.entries)
	snapshot.Projects = len(c.projects)
	snapshot.ProjectStats = make(map[string]ProjectStats, len(c.projects))
	for id, proj := range c.projects {
		snapshot.ProjectStats[id] = ProjectStats{
			Hits:           proj.HitCount,
			Misses:         proj.MissCount,
			AssociatedKeys: len(proj.AssociatedFileKeys),
			LastUpdatedAt:  proj.LastUpdatedAt,
		}
	}
	return snapshot
}

// Close stops the maintenance loop
func (c *Cache) Close() {
	c.cancel()
	c.wg.Wait()
}

// estimateSize guesses the in-memory footprint of common payload shapes
func estimateSize(value interface{}) int64 {
	switch v := value.(type) {
	case string:
		return int64(len(v))
	case []byte:
		return int64(len(v))
	case *parse.BatchResult:
		var size int64
		for _, tasks := range v.Tasks {
			size += int64(len(tasks)) * 256
		}
		size += int64(len(v.Projects)) * 512
		size += int64(len(v.EnhancedMetadata)) * 512
		if size == 0 {
			size = 128
		}
		return size
	default:
		return 512
	}
}
