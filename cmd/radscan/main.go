package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eargollo/radscan/internal/api"
	"github.com/eargollo/radscan/internal/archive"
	"github.com/eargollo/radscan/internal/cache"
	"github.com/eargollo/radscan/internal/config"
	"github.com/eargollo/radscan/internal/db"
	"github.com/eargollo/radscan/internal/logging"
	"github.com/eargollo/radscan/internal/memory"
	"github.com/eargollo/radscan/internal/report"
	"github.com/eargollo/radscan/internal/scan"
	"github.com/eargollo/radscan/internal/scheduler"
)

// Injected at build time via -ldflags; defaults to "dev".
var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	scanOnce := flag.Bool("scan", false, "run one scan in the foreground and exit")
	target := flag.String("target", "", "scan target: a group or collection name (default: everything)")
	refresh := flag.Bool("refresh", false, "bypass cached results, re-probe everything")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	logCloser := logging.Setup(cfg.Log)
	defer logCloser.Close()

	slog.Info("radscan starting",
		"version", version,
		"archive", cfg.Archive.BaseURL,
		"db_path", cfg.DBPath,
		"cache_dir", cfg.Cache.Dir)

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		slog.Error("open database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	if err := db.RunMigrations(database); err != nil {
		slog.Error("run migrations", "error", err)
		os.Exit(1)
	}

	// Mark any scans that were 'running' when the last process exited as failed.
	if err := scan.MarkStaleScansFailed(database); err != nil {
		slog.Warn("mark stale scans", "error", err)
	}

	store, err := cache.New(cfg.Cache.Dir, time.Duration(cfg.Cache.TTLHours)*time.Hour)
	if err != nil {
		slog.Error("open cache", "error", err)
		os.Exit(1)
	}

	client := archive.New(cfg.Archive.BaseURL, archive.Options{
		APIToken:     cfg.Archive.APIToken,
		RateLimitRPS: cfg.Archive.RateLimitRPS,
		Timeout:      time.Duration(cfg.Archive.RequestTimeout) * time.Second,
		MaxAttempts:  cfg.Archive.MaxAttempts,
	})

	gate := memory.NewGate(cfg.Scan.PatientConcurrency)
	monitor := memory.NewMonitor(gate,
		time.Duration(cfg.Memory.IntervalSeconds)*time.Second,
		uint64(cfg.Memory.HighWaterMB)<<20,
		uint64(cfg.Memory.LowWaterMB)<<20)

	opts := scan.Options{
		SampleSeriesLimit: cfg.Scan.SampleSeriesLimit,
		EarlyExitSample:   cfg.Scan.EarlyExitSample,
		MaxFailedFraction: cfg.Scan.MaxFailedFraction,
		DeepScan:          cfg.Scan.DeepScan,
	}
	mgr := scan.NewManager(database, client, store, gate, monitor, opts, cfg.Scan.CollectionConcurrency)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *scanOnce {
		os.Exit(runOnce(ctx, cfg, mgr, *target, *refresh))
	}

	sched := scheduler.New(mgr, store)
	sched.SetPaused(cfg.ScanPaused)
	if cfg.Schedule != "" {
		if err := sched.SetRescan(cfg.Schedule); err != nil {
			slog.Warn("invalid cron expression", "expr", cfg.Schedule, "error", err)
		}
	}
	sched.Start()
	defer sched.Stop()

	srv := api.New(cfg.HTTPAddr, database, cfg, mgr, store, sched, version)
	if err := srv.Run(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("radscan stopped")
}

// runOnce runs a single foreground scan, rendering progress to stdout, and
// returns the process exit code.
func runOnce(ctx context.Context, cfg *config.Config, mgr *scan.Manager, target string, refresh bool) int {
	active, err := mgr.Start(ctx, "cli", scan.StartRequest{
		Target:      target,
		Collections: cfg.Collections(target),
		Refresh:     refresh,
	})
	if err != nil {
		slog.Error("start scan", "error", err)
		return 1
	}

	renderCtx, stopRender := context.WithCancel(ctx)
	defer stopRender()
	go renderProgress(renderCtx, active.Reporter)

	if err := mgr.Wait(ctx); err != nil {
		// Interrupted: let the scan unwind so it can skip the cache writes
		// for collections it did not finish.
		slog.Info("interrupt received, cancelling scan")
		mgr.Cancel()
		mgr.Wait(context.Background())
	}
	stopRender()

	statuses := mgr.LastReport()
	return printSummary(statuses)
}

// renderProgress prints per-collection progress lines as events arrive.
func renderProgress(ctx context.Context, rep *scan.Reporter) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-rep.Events():
			fmt.Printf("\r%-32s %d/%d patients (%s)   ",
				ev.Collection, ev.PatientsChecked, ev.PatientsTotal,
				ev.Elapsed.Round(time.Second))
		}
	}
}

// printSummary writes the final per-collection report and returns 0 when
// every collection finished, 1 otherwise.
func printSummary(statuses []report.CollectionStatus) int {
	fmt.Println()
	if len(statuses) == 0 {
		fmt.Println("no collections scanned")
		return 1
	}

	var failed, reports int
	for _, st := range statuses {
		switch st.State {
		case report.StateDone:
			mark := "✓"
			note := ""
			if st.Cached {
				note = " (cached)"
			}
			if !st.Complete {
				note = " (incomplete)"
			}
			fmt.Printf("%s %-32s %d patients, %d with reports%s\n",
				mark, st.Collection, st.PatientCount, st.ReportsFound, note)
			reports += st.ReportsFound
		case report.StateFailed:
			failed++
			fmt.Printf("✗ %-32s %s\n", st.Collection, st.Reason)
		}
	}

	fmt.Printf("\n%d collections, %d failed, %d patients with reports\n",
		len(statuses), failed, reports)
	if failed > 0 {
		return 1
	}
	return 0
}
