// Command zerostash-bench drives a synthetic ingest workload against a
// stash and reports throughput, optionally checking the result against a
// saved baseline to catch performance regressions. Only the ingest
// workload exists; -test-type labels the result and names its baseline
// file.
package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/SecurityWorks/zerostash/internal/backend/fsbackend"
	"github.com/SecurityWorks/zerostash/internal/config"
	"github.com/SecurityWorks/zerostash/internal/model"
	"github.com/SecurityWorks/zerostash/internal/stash"
)

// Result is one load test's measured outcome, also the shape persisted to
// and loaded from a baseline JSON file.
type Result struct {
	TestType        string  `json:"test_type"`
	Workers         int     `json:"workers"`
	ObjectSizeBytes int64   `json:"object_size_bytes"`
	Duration        string  `json:"duration"`
	FilesIngested   int64   `json:"files_ingested"`
	BytesIngested   int64   `json:"bytes_ingested"`
	ThroughputMBps  float64 `json:"throughput_mbps"`
	FilesPerSecond  float64 `json:"files_per_second"`
}

func main() {
	var (
		rootDir      = flag.String("root-dir", "", "Filesystem backend root directory (a temp dir is used if empty)")
		testType     = flag.String("test-type", "ingest", "Test type label for the result and baseline file (the ingest workload always runs)")
		duration     = flag.Duration("duration", 10*time.Second, "Test duration")
		workers      = flag.Int("workers", 4, "Number of concurrent ingest workers")
		objectSize   = flag.Int64("object-size", 4*1024*1024, "Synthetic object size in bytes (4MB default)")
		baselineDir  = flag.String("baseline-dir", "testdata/baselines", "Directory for baseline files")
		threshold    = flag.Float64("threshold", 10.0, "Regression threshold percentage")
		updateBase   = flag.Bool("update-baseline", false, "Update baseline files instead of checking regression")
		verbose      = flag.Bool("verbose", false, "Enable verbose logging")
	)
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	dir := *rootDir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "zerostash-bench-*")
		if err != nil {
			log.Fatalf("create temp dir: %v", err)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	result, err := runIngestLoad(logger, dir, *workers, *duration, *objectSize)
	if err != nil {
		log.Fatalf("load run failed: %v", err)
	}
	result.TestType = *testType

	fmt.Printf("Files ingested: %d\n", result.FilesIngested)
	fmt.Printf("Bytes ingested: %d\n", result.BytesIngested)
	fmt.Printf("Throughput: %.2f MB/s\n", result.ThroughputMBps)
	fmt.Printf("Files/sec: %.2f\n", result.FilesPerSecond)

	baselineFile := filepath.Join(*baselineDir, fmt.Sprintf("%s_load_test_baseline.json", *testType))
	if *updateBase {
		if err := saveBaseline(baselineFile, result); err != nil {
			log.Fatalf("update baseline: %v", err)
		}
		fmt.Println("Baseline updated")
		return
	}

	regression, err := analyzeRegression(result, baselineFile, *threshold)
	if err != nil {
		logger.WithError(err).Warn("no baseline comparison available")
		return
	}
	printRegression(regression)
	if regression.SignificantRegression {
		os.Exit(1)
	}
}

// runIngestLoad ingests synthetic fixed-size files across workers
// concurrently until duration elapses, committing once at the end, and
// reports aggregate throughput.
func runIngestLoad(logger *logrus.Logger, dir string, workers int, duration time.Duration, objectSize int64) (Result, error) {
	be, err := fsbackend.New(dir, nil)
	if err != nil {
		return Result{}, fmt.Errorf("open backend: %w", err)
	}

	masterKey := make([]byte, 32)
	if _, err := rand.Read(masterKey); err != nil {
		return Result{}, fmt.Errorf("generate master key: %w", err)
	}

	cfg := config.DefaultStashConfig()
	cfg.WriterSlots = workers

	s, err := stash.Open(context.Background(), be, masterKey, cfg, logger)
	if err != nil {
		return Result{}, fmt.Errorf("open stash: %w", err)
	}

	payload := make([]byte, objectSize)
	if _, err := rand.Read(payload); err != nil {
		return Result{}, fmt.Errorf("generate payload: %w", err)
	}

	var filesIngested int64
	var bytesIngested int64
	deadline := time.Now().Add(duration)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			i := 0
			for time.Now().Before(deadline) {
				path := fmt.Sprintf("worker-%d/file-%d.bin", w, i)
				i++
				_, err := s.IngestFile(context.Background(), path, bytes.NewReader(payload), model.Entry{})
				if err != nil {
					logger.WithError(err).WithField("path", path).Warn("ingest failed")
					continue
				}
				atomic.AddInt64(&filesIngested, 1)
				atomic.AddInt64(&bytesIngested, objectSize)
			}
		}()
	}
	wg.Wait()

	start := time.Now()
	if _, err := s.Commit(context.Background(), "zerostash-bench run"); err != nil {
		return Result{}, fmt.Errorf("commit: %w", err)
	}
	logger.WithField("commit_duration", time.Since(start)).Info("final commit complete")

	seconds := duration.Seconds()
	return Result{
		Workers:         workers,
		ObjectSizeBytes: objectSize,
		Duration:        duration.String(),
		FilesIngested:   filesIngested,
		BytesIngested:   bytesIngested,
		ThroughputMBps:  float64(bytesIngested) / (1024 * 1024) / seconds,
		FilesPerSecond:  float64(filesIngested) / seconds,
	}, nil
}

// RegressionResult compares a fresh Result against a saved baseline.
type RegressionResult struct {
	Baseline              Result
	Current               Result
	ThroughputDeltaPct    float64
	SignificantRegression bool
}

func saveBaseline(path string, r Result) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func analyzeRegression(current Result, baselineFile string, thresholdPct float64) (RegressionResult, error) {
	data, err := os.ReadFile(baselineFile)
	if err != nil {
		return RegressionResult{}, fmt.Errorf("read baseline %s: %w", baselineFile, err)
	}
	var baseline Result
	if err := json.Unmarshal(data, &baseline); err != nil {
		return RegressionResult{}, fmt.Errorf("parse baseline: %w", err)
	}

	var deltaPct float64
	if baseline.ThroughputMBps > 0 {
		deltaPct = (baseline.ThroughputMBps - current.ThroughputMBps) / baseline.ThroughputMBps * 100
	}

	return RegressionResult{
		Baseline:              baseline,
		Current:               current,
		ThroughputDeltaPct:    deltaPct,
		SignificantRegression: deltaPct > thresholdPct,
	}, nil
}

func printRegression(r RegressionResult) {
	fmt.Printf("Baseline throughput: %.2f MB/s\n", r.Baseline.ThroughputMBps)
	fmt.Printf("Current throughput:  %.2f MB/s\n", r.Current.ThroughputMBps)
	fmt.Printf("Delta: %.1f%%\n", r.ThroughputDeltaPct)
	if r.SignificantRegression {
		fmt.Println("Regression detected")
	} else {
		fmt.Println("No significant regression")
	}
}
