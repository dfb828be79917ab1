package resources

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TheEntropyCollective/notemill/pkg/infrastructure/config"
	"github.com/TheEntropyCollective/notemill/pkg/infrastructure/logging"
)

func testRegistryConfig() config.RegistryConfig {
	cfg := config.DefaultConfig().Registry
	// Keep the background loops quiet during tests
	cfg.AutoCleanupSeconds = 3600
	cfg.LeakDetectionSeconds = 3600
	return cfg
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(testRegistryConfig(), logging.NewLogger(nil))
	t.Cleanup(r.Close)
	return r
}

func timerDescriptor(id string, cleaned *atomic.Int32) Descriptor {
	return Descriptor{
		ID:          id,
		Kind:        "timer",
		Description: "test timer",
		Cleanup: func(ctx context.Context) error {
			cleaned.Add(1)
			return nil
		},
		IsActive: func() bool { return true },
		Priority: PriorityLow,
	}
}

func TestRegisterAndStats(t *testing.T) {
	r := newTestRegistry(t)

	var cleaned atomic.Int32
	for i := 0; i < 5; i++ {
		if _, err := r.Register(timerDescriptor(fmt.Sprintf("timer-%d", i), &cleaned)); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}
	if _, err := r.Register(Descriptor{
		ID: "sub-1", Kind: "subscription", IsActive: func() bool { return true },
		EstimatedBytes: 4096,
	}); err != nil {
		t.Fatalf("Register() subscription error = %v", err)
	}

	stats := r.Stats()
	if stats.TotalResources != 6 {
		t.Errorf("TotalResources = %d, want 6", stats.TotalResources)
	}
	if stats.CountByKind["timer"] != 5 {
		t.Errorf("CountByKind[timer] = %d, want 5", stats.CountByKind["timer"])
	}
	if stats.MemoryByKind["subscription"] != 4096 {
		t.Errorf("MemoryByKind[subscription] = %d, want 4096", stats.MemoryByKind["subscription"])
	}
	if stats.CreatedByKind["timer"] != 5 {
		t.Errorf("CreatedByKind[timer] = %d, want 5", stats.CreatedByKind["timer"])
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := newTestRegistry(t)

	var cleaned atomic.Int32
	if _, err := r.Register(timerDescriptor("timer-1", &cleaned)); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := r.Register(timerDescriptor("timer-1", &cleaned)); err == nil {
		t.Error("duplicate Register() expected error, got nil")
	}
	if _, err := r.Register(Descriptor{Kind: "timer"}); err == nil {
		t.Error("Register() without id expected error, got nil")
	}
	if _, err := r.Register(Descriptor{ID: "x"}); err == nil {
		t.Error("Register() without kind expected error, got nil")
	}
}

func TestCleanupByTypeReleasesEverything(t *testing.T) {
	r := newTestRegistry(t)

	var cleaned atomic.Int32
	for i := 0; i < 5; i++ {
		r.Register(timerDescriptor(fmt.Sprintf("timer-%d", i), &cleaned))
	}

	if got := r.CleanupByType("timer"); got != 5 {
		t.Errorf("CleanupByType() = %d, want 5", got)
	}
	if got := cleaned.Load(); got != 5 {
		t.Errorf("cleanup functions ran %d times, want 5", got)
	}
	if stats := r.Stats(); stats.TotalResources != 0 {
		t.Errorf("TotalResources after cleanup = %d, want 0", stats.TotalResources)
	}
}

func TestCleanupFailureRetainsResource(t *testing.T) {
	r := newTestRegistry(t)

	r.Register(Descriptor{
		ID:   "bad",
		Kind: "listener",
		Cleanup: func(ctx context.Context) error {
			return fmt.Errorf("refusing to die")
		},
		IsActive: func() bool { return true },
	})

	if r.Cleanup("bad") {
		t.Error("Cleanup() of failing resource = true, want false")
	}

	stats := r.Stats()
	if stats.TotalResources != 1 {
		t.Errorf("failed resource was removed; TotalResources = %d, want 1", stats.TotalResources)
	}
	if stats.FailedCleanups != 1 {
		t.Errorf("FailedCleanups = %d, want 1", stats.FailedCleanups)
	}
	if stats.PotentialLeaks != 1 {
		t.Errorf("PotentialLeaks = %d, want 1", stats.PotentialLeaks)
	}
}

func TestCleanupTimeout(t *testing.T) {
	cfg := testRegistryConfig()
	cfg.MaxCleanupTimeSeconds = 1
	r := NewRegistry(cfg, logging.NewLogger(nil))
	defer r.Close()

	release := make(chan struct{})
	r.Register(Descriptor{
		ID:   "slow",
		Kind: "worker",
		Cleanup: func(ctx context.Context) error {
			<-release
			return nil
		},
		IsActive: func() bool { return true },
	})

	start := time.Now()
	ok := r.Cleanup("slow")
	close(release)

	if ok {
		t.Error("Cleanup() of hung resource = true, want false")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Cleanup() took %v, want bounded near 1s", elapsed)
	}
	if stats := r.Stats(); stats.TotalResources != 1 {
		t.Errorf("hung resource was removed; TotalResources = %d, want 1", stats.TotalResources)
	}
}

func TestCleanupSingleInFlight(t *testing.T) {
	r := newTestRegistry(t)

	started := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32

	r.Register(Descriptor{
		ID:   "guarded",
		Kind: "worker",
		Cleanup: func(ctx context.Context) error {
			runs.Add(1)
			close(started)
			<-release
			return nil
		},
		IsActive: func() bool { return true },
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.Cleanup("guarded")
	}()

	<-started
	// Second attempt while the first is in flight must be refused without
	// running the cleanup function again
	if r.Cleanup("guarded") {
		t.Error("concurrent Cleanup() = true, want false")
	}
	close(release)
	wg.Wait()

	if got := runs.Load(); got != 1 {
		t.Errorf("cleanup ran %d times, want 1", got)
	}
}

func TestCleanupBlockedByDependency(t *testing.T) {
	r := newTestRegistry(t)

	var cleaned atomic.Int32
	r.Register(timerDescriptor("base", &cleaned))
	r.Register(Descriptor{
		ID:        "dependent",
		Kind:      "listener",
		Cleanup:   func(ctx context.Context) error { cleaned.Add(1); return nil },
		IsActive:  func() bool { return true },
		DependsOn: []string{"base"},
	})

	if r.Cleanup("dependent") {
		t.Error("Cleanup() with registered dependency = true, want false")
	}
	if stats := r.Stats(); stats.TotalResources != 2 {
		t.Errorf("TotalResources = %d, want 2", stats.TotalResources)
	}

	// Once the dependency is gone the cleanup proceeds
	if !r.Cleanup("base") {
		t.Fatal("Cleanup(base) = false, want true")
	}
	if !r.Cleanup("dependent") {
		t.Error("Cleanup(dependent) after dependency removal = false, want true")
	}
}

func TestCleanupGroup(t *testing.T) {
	r := newTestRegistry(t)

	var order []string
	var mu sync.Mutex
	member := func(id string, priority Priority) Descriptor {
		return Descriptor{
			ID:   id,
			Kind: "observer",
			Cleanup: func(ctx context.Context) error {
				mu.Lock()
				order = append(order, id)
				mu.Unlock()
				return nil
			},
			IsActive: func() bool { return true },
			Priority: priority,
		}
	}

	err := r.RegisterGroup("watchers", "file watchers", []Descriptor{
		member("high", PriorityHigh),
		member("low", PriorityLow),
		member("medium", PriorityMedium),
	}, GroupOptions{})
	if err != nil {
		t.Fatalf("RegisterGroup() error = %v", err)
	}

	if !r.CleanupGroup("watchers") {
		t.Fatal("CleanupGroup() = false, want true")
	}

	want := []string{"low", "medium", "high"}
	for i, id := range want {
		if order[i] != id {
			t.Errorf("cleanup order[%d] = %s, want %s", i, order[i], id)
			break
		}
	}

	if stats := r.Stats(); stats.TotalGroups != 0 {
		t.Errorf("TotalGroups after full group cleanup = %d, want 0", stats.TotalGroups)
	}
}

func TestCleanupStale(t *testing.T) {
	r := newTestRegistry(t)

	var cleaned atomic.Int32
	r.Register(timerDescriptor("old", &cleaned))
	r.Register(timerDescriptor("fresh", &cleaned))

	// Age one resource artificially
	r.mu.Lock()
	r.resources["old"].LastAccessedAt = time.Now().Add(-2 * time.Hour)
	r.mu.Unlock()

	if got := r.CleanupStale(time.Hour); got != 1 {
		t.Errorf("CleanupStale() = %d, want 1", got)
	}
	if stats := r.Stats(); stats.TotalResources != 1 {
		t.Errorf("TotalResources = %d, want 1", stats.TotalResources)
	}
}

func TestTouchRefreshesStaleness(t *testing.T) {
	r := newTestRegistry(t)

	var cleaned atomic.Int32
	r.Register(timerDescriptor("touched", &cleaned))

	r.mu.Lock()
	r.resources["touched"].LastAccessedAt = time.Now().Add(-2 * time.Hour)
	r.mu.Unlock()

	r.Touch("touched")

	if got := r.CleanupStale(time.Hour); got != 0 {
		t.Errorf("CleanupStale() after Touch = %d, want 0", got)
	}
}

func TestEventLog(t *testing.T) {
	r := newTestRegistry(t)

	var cleaned atomic.Int32
	r.Register(timerDescriptor("logged", &cleaned))
	r.Cleanup("logged")

	log := r.EventLog()
	if len(log) < 2 {
		t.Fatalf("EventLog() = %d entries, want at least 2", len(log))
	}

	actions := make(map[string]bool)
	for _, ev := range log {
		actions[ev.Action] = true
	}
	if !actions[EventRegistered] || !actions[EventCleaned] {
		t.Errorf("EventLog() actions = %v, want registered and cleaned", actions)
	}
}

func TestCloseDrainsEverything(t *testing.T) {
	r := NewRegistry(testRegistryConfig(), logging.NewLogger(nil))

	var cleaned atomic.Int32
	r.Register(timerDescriptor("a", &cleaned))
	r.Register(timerDescriptor("b", &cleaned))

	r.Close()

	if got := cleaned.Load(); got != 2 {
		t.Errorf("Close() ran %d cleanups, want 2", got)
	}
	if _, err := r.Register(timerDescriptor("late", &cleaned)); err == nil {
		t.Error("Register() after Close expected error, got nil")
	}
}

func TestCloseCountsCleanupsCompleted(t *testing.T) {
	r := NewRegistry(testRegistryConfig(), logging.NewLogger(nil))

	var cleaned atomic.Int32
	if _, err := r.Register(timerDescriptor("fast", &cleaned)); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	r.Close()

	stats := r.Stats()
	if stats.FailedCleanups != 0 {
		t.Errorf("Close() FailedCleanups = %d, want 0", stats.FailedCleanups)
	}
	if stats.CompletedCleanups != 1 {
		t.Errorf("Close() CompletedCleanups = %d, want 1", stats.CompletedCleanups)
	}
	if stats.TotalResources != 0 {
		t.Errorf("Close() TotalResources = %d, want 0", stats.TotalResources)
	}
}

func TestCloseDrainsDependentPair(t *testing.T) {
	r := NewRegistry(testRegistryConfig(), logging.NewLogger(nil))

	var slabCleaned, poolCleaned atomic.Int32
	if _, err := r.Register(Descriptor{
		ID:          "slab",
		Kind:        "cache_slab",
		Description: "test slab",
		Cleanup: func(ctx context.Context) error {
			slabCleaned.Add(1)
			return nil
		},
		IsActive: func() bool { return true },
		Priority: PriorityHigh,
	}); err != nil {
		t.Fatalf("Register(slab) error = %v", err)
	}
	if _, err := r.Register(Descriptor{
		ID:          "pool",
		Kind:        "worker",
		Description: "test pool",
		Cleanup: func(ctx context.Context) error {
			poolCleaned.Add(1)
			return nil
		},
		IsActive:  func() bool { return true },
		Priority:  PriorityCritical,
		DependsOn: []string{"slab"},
	}); err != nil {
		t.Fatalf("Register(pool) error = %v", err)
	}

	r.Close()

	if slabCleaned.Load() != 1 || poolCleaned.Load() != 1 {
		t.Errorf("Close() cleanups = (slab %d, pool %d), want (1, 1)",
			slabCleaned.Load(), poolCleaned.Load())
	}
	if got := r.Stats().TotalResources; got != 0 {
		t.Errorf("Stats().TotalResources after Close = %d, want 0", got)
	}
}

func TestNewRegistryToleratesZeroIntervals(t *testing.T) {
	cfg := testRegistryConfig()
	cfg.AutoCleanupSeconds = 0
	cfg.LeakDetectionSeconds = 0

	r := NewRegistry(cfg, logging.NewLogger(nil))
	r.Close()
}
