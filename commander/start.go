package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/droverhq/drover/coordination"
	"github.com/droverhq/drover/observability"
	"github.com/droverhq/drover/pacing"
	"github.com/droverhq/drover/proxy"
	"github.com/droverhq/drover/queue"
	"github.com/droverhq/drover/session"
	"github.com/droverhq/drover/store"
)

const janitorInterval = 5 * time.Minute

var (
	startWorkers int
	startDriver  string
	startDryRun  bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a run: launch and supervise workers for the group",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart(cmd.Context())
	},
}

func init() {
	startCmd.Flags().IntVar(&startWorkers, "workers", 0, "max parallel workers (0 = all eligible profiles)")
	startCmd.Flags().StringVar(&startDriver, "driver", "", "driver override for workers")
	startCmd.Flags().BoolVar(&startDryRun, "dry-run", false, "run workers with the sim driver")
	rootCmd.AddCommand(startCmd)
}

func runStart(ctx context.Context) error {
	cfg := loadConfig()
	clock := pacing.RealClock{}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("drover: received shutdown signal")
		cancel()
	}()

	st, err := store.NewPostgresStore(ctx, cfg.Database.DSN, cfg.Database.MaxConns)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer st.Close()

	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
	}

	run := session.New(groupID, clock.Now())
	log.Printf("drover: starting run %s for group %s", run.ID, run.GroupID)

	lease, err := coordination.AcquireRunLease(ctx, rdb, run.GroupID, run.ID)
	if err != nil {
		if errors.Is(err, coordination.ErrLeaseHeld) {
			return fmt.Errorf("group %s already has an active run", run.GroupID)
		}
		return fmt.Errorf("acquire run lease: %w", err)
	}
	defer lease.Release(context.Background())
	leaseLost := lease.Keep(ctx)

	q := queue.New(st, cfg, clock)
	registry := proxy.NewRegistry(st, cfg.Proxy, clock)

	// Clean up after any previous run that died uncleanly.
	if n, err := q.ResetStale(ctx, run.GroupID, cfg.Supervisor.StaleTaskAge()); err != nil {
		return fmt.Errorf("reset stale tasks: %w", err)
	} else if n > 0 {
		log.Printf("drover: reset %d stale tasks", n)
	}
	if n, err := registry.ReviveStale(ctx); err != nil {
		return fmt.Errorf("revive proxies: %w", err)
	} else if n > 0 {
		log.Printf("drover: revived %d proxies", n)
	}
	if cfg.Proxy.PoolFile != "" {
		if n, err := registry.SyncFromFile(ctx, cfg.Proxy.PoolFile); err != nil {
			return fmt.Errorf("sync proxy pool: %w", err)
		} else if n > 0 {
			log.Printf("drover: added %d proxies from pool file", n)
		}
	}

	profiles, err := st.ListActiveProfiles(ctx, run.GroupID)
	if err != nil {
		return fmt.Errorf("list profiles: %w", err)
	}
	if len(profiles) == 0 {
		return fmt.Errorf("group %s has no active profiles", run.GroupID)
	}
	if startWorkers > 0 && len(profiles) > startWorkers {
		profiles = profiles[:startWorkers]
	}
	profileIDs := make([]string, len(profiles))
	for i, p := range profiles {
		profileIDs[i] = p.ID
	}

	driverName := startDriver
	if startDryRun {
		driverName = "sim"
	}
	sup := NewSupervisor(cfg.Supervisor, configPath, driverName, run.GroupID, run.ID)

	api := NewAPI(st, q, rdb, run, sup)
	go func() {
		if err := api.Serve(ctx, cfg.HTTP.Addr); err != nil {
			log.Printf("drover: api server: %v", err)
			cancel()
		}
	}()

	go runJanitor(ctx, q, registry, run.GroupID, cfg.Supervisor.StaleTaskAge())
	go func() {
		select {
		case <-leaseLost:
			log.Println("drover: run lease lost, stopping")
			cancel()
		case <-ctx.Done():
		}
	}()

	pidPath := writePidFile()
	defer os.Remove(pidPath)

	log.Printf("drover: supervising %d workers", len(profileIDs))
	if err := sup.Run(ctx, profileIDs); err != nil {
		return err
	}

	// Release anything a killed worker left claimed.
	cleanup, cleanupCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cleanupCancel()
	if n, err := q.ResetStale(cleanup, run.GroupID, 0); err != nil {
		log.Printf("drover: final stale reset: %v", err)
	} else if n > 0 {
		log.Printf("drover: released %d in-flight tasks on shutdown", n)
	}

	log.Printf("drover: run %s finished", run.ID)
	return nil
}

// runJanitor periodically reaps stale tasks, revives quarantined
// proxies and refreshes queue depth gauges.
func runJanitor(ctx context.Context, q *queue.Queue, registry *proxy.Registry, group string, staleAge time.Duration) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := q.ResetStale(ctx, group, staleAge); err != nil {
				log.Printf("janitor: reset stale: %v", err)
			} else if n > 0 {
				log.Printf("janitor: reset %d stale tasks", n)
			}
			if _, err := registry.ReviveStale(ctx); err != nil {
				log.Printf("janitor: revive proxies: %v", err)
			}
			if stats, err := q.Stats(ctx, group); err == nil {
				observability.QueueDepth.WithLabelValues("pending").Set(float64(stats.Pending))
				observability.QueueDepth.WithLabelValues("in_progress").Set(float64(stats.InProgress))
				observability.QueueDepth.WithLabelValues("completed").Set(float64(stats.Completed))
				observability.QueueDepth.WithLabelValues("blocked").Set(float64(stats.Blocked))
			}
		}
	}
}

func pidFilePath() string {
	return filepath.Join(os.TempDir(), "drover-"+groupID+".pid")
}

func writePidFile() string {
	path := pidFilePath()
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		log.Printf("drover: write pid file: %v", err)
	}
	return path
}
