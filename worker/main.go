// The drover-worker binary runs the send loop for a single browser
// profile. The commander launches one per profile and supervises it;
// the process communicates its fate through its exit code.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/droverhq/drover/config"
	"github.com/droverhq/drover/coordination"
	"github.com/droverhq/drover/driver"
	"github.com/droverhq/drover/pacing"
	"github.com/droverhq/drover/proxy"
	"github.com/droverhq/drover/queue"
	"github.com/droverhq/drover/store"
)

func main() {
	// Deferred cleanup runs before the process exits.
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "", "path to config file")
		profileID  = flag.String("profile-id", "", "browser profile to run")
		groupID    = flag.String("group-id", "", "task group to work")
		runID      = flag.String("run-id", "", "run session this worker belongs to")
		driverName = flag.String("driver", "", "driver override")
	)
	flag.Parse()

	if *profileID == "" || *groupID == "" || *runID == "" {
		log.Println("worker: --profile-id, --group-id and --run-id are required")
		return ExitEnvironment
	}
	log.SetPrefix("[" + *profileID + "] ")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("worker: %v", err)
		return ExitEnvironment
	}
	if *driverName != "" {
		cfg.Driver.Name = *driverName
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("worker: received shutdown signal")
		cancel()
	}()

	st, err := store.NewPostgresStore(ctx, cfg.Database.DSN, cfg.Database.MaxConns)
	if err != nil {
		log.Printf("worker: connect postgres: %v", err)
		return ExitRetryable
	}
	defer st.Close()

	drv, err := driver.New(cfg.Driver.Name)
	if err != nil {
		log.Printf("worker: %v", err)
		return ExitEnvironment
	}

	if cfg.Redis.Enabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		coordination.NewPresence(client, *runID, *profileID).Start(ctx)
	}

	clock := pacing.RealClock{}
	w := NewWorker(Options{
		ProfileID: *profileID,
		GroupID:   *groupID,
		RunID:     *runID,
		Store:     st,
		Queue:     queue.New(st, cfg, clock),
		Registry:  proxy.NewRegistry(st, cfg.Proxy, clock),
		Driver:    drv,
		Clock:     clock,
		Config:    cfg,
	})
	return w.Run(ctx)
}
