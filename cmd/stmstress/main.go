// Command stmstress drives a shared memory region with concurrent transfer,
// snapshot, and allocation-churn workloads, then verifies that the region
// still satisfies the conservation invariant the workloads maintain.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"sehlabs.com/stm/internal/stm"
)

func fatal(code int, m string) {
	fmt.Fprintln(os.Stderr, m)
	os.Exit(code)
}

func fatalf(code int, format string, a ...interface{}) {
	w := os.Stderr
	if _, err := fmt.Fprintf(w, format, a...); err == nil {
		fmt.Fprintln(w)
	}
	os.Exit(code)
}

var (
	configFile   string
	threads      int
	durationSecs int
	httpAddr     string
	logLevel     string
)

func init() {
	flag.StringVar(&configFile, "config", "",
		`TOML file describing the workload; flags override its values`)
	flag.IntVar(&threads, "threads", 0,
		`Number of concurrent transfer workers`)
	flag.IntVar(&durationSecs, "duration-secs", 0,
		`How long to run the workloads, in seconds`)
	flag.StringVar(&httpAddr, "http-address", "",
		`Address on which to serve /metrics and /statusz`)
	flag.StringVar(&logLevel, "log-level", "",
		`Log level: debug, info, warn, or error`)
}

func buildLogger(level string) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	conf := zap.NewProductionConfig()
	conf.Level = zap.NewAtomicLevelAt(parsed)
	return conf.Build()
}

func main() {
	flag.Parse()

	conf, err := LoadConfig(configFile)
	if err != nil {
		fatalf(1, "Failed to load configuration: %v", err)
	}
	if threads > 0 {
		conf.Threads = threads
	}
	if durationSecs > 0 {
		conf.DurationSecs = durationSecs
	}
	if httpAddr != "" {
		conf.HTTPAddr = httpAddr
	}
	if logLevel != "" {
		conf.LogLevel = logLevel
	}
	if err := conf.Validate(); err != nil {
		fatalf(2, "Invalid configuration: %v", err)
	}

	logger, err := buildLogger(conf.LogLevel)
	if err != nil {
		fatalf(2, "Failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := prometheus.NewRegistry()
	opts := []stm.RegionOption{
		stm.WithLogger(logger),
		stm.WithMetrics(registry),
	}
	if conf.MaxSegments > 0 {
		opts = append(opts, stm.WithMaxSegments(conf.MaxSegments))
	}
	region, err := stm.NewRegion(conf.RegionSize, conf.Alignment, opts...)
	if err != nil {
		fatalf(1, "Failed to create region: %v", err)
	}

	var serverWG sync.WaitGroup
	if conf.HTTPAddr != "" {
		serverWG.Add(1)
		go func() {
			defer serverWG.Done()
			if err := runHTTPServer(conf.HTTPAddr, makeHandler(region, registry), ctx.Done()); err != nil {
				logger.Error("HTTP server failed", zap.Error(err))
			}
		}()
	}

	logger.Info("starting workloads",
		zap.Int("threads", conf.Threads),
		zap.Int("readers", conf.Readers),
		zap.Int("churn_workers", conf.ChurnWorkers),
		zap.Int("duration_secs", conf.DurationSecs),
		zap.String("region_size", humanize.IBytes(uint64(conf.RegionSize))))

	runCtx, stopWorkers := context.WithTimeout(ctx, time.Duration(conf.DurationSecs)*time.Second)
	defer stopWorkers()

	var counters workloadCounters
	var wg sync.WaitGroup
	for i := 0; i < conf.Threads; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			runTransfers(runCtx, region, &counters, seed)
		}(int64(i + 1))
	}
	for i := 0; i < conf.Readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runSnapshots(runCtx, region, &counters)
		}()
	}
	for i := 0; i < conf.ChurnWorkers; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			runChurn(runCtx, region, &counters, conf.ChurnSize, seed)
		}(int64(1000 + i))
	}
	wg.Wait()

	sum, err := finalSum(region)
	if err != nil {
		fatalf(1, "Final snapshot failed: %v", err)
	}

	stats := region.Stats()
	fmt.Printf("commits:        %s\n", humanize.Comma(int64(counters.commits.Load())))
	fmt.Printf("conflicts:      %s\n", humanize.Comma(int64(counters.conflicts.Load())))
	fmt.Printf("snapshots:      %s\n", humanize.Comma(int64(counters.snapshots.Load())))
	fmt.Printf("churn cycles:   %s\n", humanize.Comma(int64(counters.churnCycles.Load())))
	fmt.Printf("alloc refused:  %s\n", humanize.Comma(int64(counters.allocRefused.Load())))
	fmt.Printf("commit clock:   %d\n", stats.CommitTime)
	fmt.Printf("live segments:  %d\n", stats.LiveSegments)

	cancel()
	serverWG.Wait()

	if err := region.Close(); err != nil {
		fatalf(1, "Failed to close region: %v", err)
	}

	if bad := counters.badSnapshots.Load(); bad != 0 {
		fatalf(1, "FAIL: %d snapshots violated conservation", bad)
	}
	if sum != 0 {
		fatalf(1, "FAIL: final sum is %d, want 0", sum)
	}
	fmt.Println("OK: conservation invariant held")
}
