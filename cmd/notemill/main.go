package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/TheEntropyCollective/notemill/pkg/engine"
	"github.com/TheEntropyCollective/notemill/pkg/infrastructure/config"
	"github.com/TheEntropyCollective/notemill/pkg/infrastructure/logging"
	"github.com/TheEntropyCollective/notemill/pkg/markdown"
	"github.com/TheEntropyCollective/notemill/pkg/optimizer"
	"github.com/TheEntropyCollective/notemill/pkg/parse"
)

func main() {
	var (
		configFile = flag.String("config", "", "Configuration file path")
		notesDir   = flag.String("dir", "", "Notes directory to parse")
		mode       = flag.String("mode", "unified", "Operation kind: tasks, projects, metadata, or unified")
		priority   = flag.String("priority", "normal", "Submission priority: low, normal, or high")
		useCache   = flag.Bool("cache", true, "Serve repeated operations from the parse cache")
		poolSize   = flag.Int("workers", 0, "Worker pool size (overrides config)")
		jsonOut    = flag.Bool("json", false, "Print the batch result as JSON")
		showHealth = flag.Bool("health", false, "Print health report after parsing")
		timeout    = flag.Duration("timeout", 2*time.Minute, "Overall deadline for the run")
	)

	flag.Parse()

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *poolSize != 0 {
		cfg.Workers.PoolSize = *poolSize
	}

	kind, err := parseKind(*mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	if *notesDir == "" {
		flag.Usage()
		os.Exit(1)
	}

	logger := logging.NewFromSettings(cfg.Logging.Level, cfg.Logging.Format)

	eng, err := engine.New(cfg, markdown.NewParser(), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start engine: %v\n", err)
		os.Exit(1)
	}
	defer eng.Close()

	ops, err := collectOperations(*notesDir, kind)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read notes: %v\n", err)
		os.Exit(1)
	}
	if len(ops) == 0 {
		fmt.Println("No markdown files found")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	start := time.Now()
	result, stats, err := run(ctx, eng, ops, parse.Priority(*priority), *useCache)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Parse run failed: %v\n", err)
		os.Exit(1)
	}

	if *jsonOut {
		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(out))
	} else {
		printSummary(result, time.Since(start))
	}
	printStats(eng, stats)

	if *showHealth {
		printHealth(eng)
	}
}

// loadConfig loads configuration from file or uses defaults
func loadConfig(configPath string) (*config.Config, error) {
	if configPath == "" {
		defaultPath, err := config.DefaultConfigPath()
		if err == nil {
			configPath = defaultPath
		}
	}
	return config.LoadConfig(configPath)
}

func parseKind(mode string) (parse.OperationKind, error) {
	switch mode {
	case "tasks":
		return parse.KindTasks, nil
	case "projects":
		return parse.KindProjects, nil
	case "metadata":
		return parse.KindMetadata, nil
	case "unified":
		return parse.KindUnified, nil
	}
	return "", fmt.Errorf("unknown mode %q (want tasks, projects, metadata, or unified)", mode)
}

// collectOperations walks the notes directory and builds one operation per
// markdown file. The project id is the file's parent directory name, matching
// the parser's directory detection.
func collectOperations(dir string, kind parse.OperationKind) ([]parse.Operation, error) {
	var ops []parse.Operation
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".md") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		ops = append(ops, parse.Operation{
			Kind:     kind,
			FilePath: path,
			Content:  string(content),
			FileMetadata: map[string]interface{}{
				"size":     info.Size(),
				"modified": info.ModTime().Format(time.RFC3339),
			},
			ProjectID: strings.ToLower(filepath.Base(filepath.Dir(path))),
		})
		return nil
	})
	return ops, err
}

func run(ctx context.Context, eng *engine.Engine, ops []parse.Operation, priority parse.Priority, useCache bool) (*parse.BatchResult, optimizer.Stats, error) {
	if useCache {
		result, stats, err := eng.ProcessWithCache(ctx, ops, priority)
		return result, stats, err
	}
	result, stats, err := eng.SubmitUnified(ctx, ops, priority)
	return result, stats, err
}

func printSummary(result *parse.BatchResult, elapsed time.Duration) {
	totalTasks := 0
	for _, tasks := range result.Tasks {
		totalTasks += len(tasks)
	}
	projects := make(map[string]struct{})
	for _, p := range result.Projects {
		if p != nil {
			projects[p.ID] = struct{}{}
		}
	}

	fmt.Printf("Parsed %d operations in %v\n", result.Metadata.TotalOperations, elapsed.Round(time.Millisecond))
	fmt.Printf("  Tasks:    %d across %d files\n", totalTasks, len(result.Tasks))
	fmt.Printf("  Projects: %d distinct\n", len(projects))
	fmt.Printf("  Metadata: %d files\n", len(result.EnhancedMetadata))
	if len(result.Errors) > 0 {
		fmt.Printf("  Errors:   %d\n", len(result.Errors))
		for _, e := range result.Errors {
			fmt.Printf("    %s: %s\n", e.FilePath, e.Message)
		}
	}
}

func printStats(eng *engine.Engine, stats optimizer.Stats) {
	workerStats := eng.WorkerStats()
	cacheStats := eng.CacheStats()

	fmt.Println("\n--- Notemill Stats ---")
	fmt.Printf("Batches: %d (%d ops deduplicated away, %d payloads compressed)\n",
		stats.BatchCount, stats.DeduplicationSavings, stats.CompressedPayloads)
	fmt.Printf("Workers: %d/%d busy, %d completed, %d failed, %.1f%% error rate\n",
		workerStats.BusyWorkers, workerStats.PoolSize,
		workerStats.CompletedRequests, workerStats.FailedRequests, workerStats.ErrorRate*100)
	fmt.Printf("Cache:   %.1f%% hit rate (%d hits, %d misses), %d entries, %d projects\n",
		cacheStats.HitRate*100, cacheStats.Hits, cacheStats.Misses,
		cacheStats.Entries, cacheStats.Projects)
}

func printHealth(eng *engine.Engine) {
	report := eng.EvaluateHealth()
	resourceReport := eng.ResourceHealth()

	fmt.Println("\n--- Health ---")
	fmt.Printf("Workers:   %s\n", report.Status)
	for _, rec := range report.Recommendations {
		fmt.Printf("  - %s\n", rec)
	}
	fmt.Printf("Resources: %s (%d tracked, memory trend %s)\n",
		resourceReport.Status, resourceReport.Stats.TotalResources, resourceReport.Trend)
}
