package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/droverhq/drover/coordination"
	"github.com/droverhq/drover/queue"
	"github.com/droverhq/drover/session"
	"github.com/droverhq/drover/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// API serves the commander's control surface: health, a status
// snapshot, Prometheus metrics and a status WebSocket feed.
type API struct {
	store      *store.PostgresStore
	queue      *queue.Queue
	redis      *redis.Client
	run        *session.Run
	supervisor *Supervisor
	hub        *StatusHub
}

func NewAPI(st *store.PostgresStore, q *queue.Queue, rdb *redis.Client, run *session.Run, sup *Supervisor) *API {
	api := &API{store: st, queue: q, redis: rdb, run: run, supervisor: sup}
	api.hub = NewStatusHub(api)
	return api
}

func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("GET /status", a.handleStatus)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws/status", a.handleWS)
	return mux
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.store.Pool().Ping(ctx); err != nil {
		http.Error(w, "database unreachable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// StatusSnapshot is the JSON shape served at /status and pushed on the
// status WebSocket.
type StatusSnapshot struct {
	RunID       string           `json:"run_id"`
	GroupID     string           `json:"group_id"`
	StartedAt   time.Time        `json:"started_at"`
	Tasks       *store.TaskStats `json:"tasks"`
	Workers     []WorkerStatus   `json:"workers"`
	LiveWorkers []string         `json:"live_workers,omitempty"`
	Proxies     ProxySummary     `json:"proxies"`
}

type ProxySummary struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Assigned  int `json:"assigned"`
	Unhealthy int `json:"unhealthy"`
}

func (a *API) statusSnapshot(ctx context.Context) (*StatusSnapshot, error) {
	stats, err := a.queue.Stats(ctx, a.run.GroupID)
	if err != nil {
		return nil, err
	}
	proxies, err := a.store.ListProxies(ctx)
	if err != nil {
		return nil, err
	}
	var summary ProxySummary
	for _, p := range proxies {
		summary.Total++
		if p.Healthy {
			summary.Healthy++
		} else {
			summary.Unhealthy++
		}
		if p.AssignedProfileID != "" {
			summary.Assigned++
		}
	}

	live, err := coordination.LiveWorkers(ctx, a.redis, a.run.ID)
	if err != nil {
		log.Printf("api: list live workers: %v", err)
	}

	return &StatusSnapshot{
		RunID:       a.run.ID,
		GroupID:     a.run.GroupID,
		StartedAt:   a.run.StartedAt,
		Tasks:       stats,
		Workers:     a.supervisor.Workers(),
		LiveWorkers: live,
		Proxies:     summary,
	}, nil
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	snapshot, err := a.statusSnapshot(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}

func (a *API) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("api: ws upgrade: %v", err)
		return
	}
	a.hub.Register(conn)

	// Read pump: we never expect client messages, but reading detects
	// disconnects.
	go func() {
		defer a.hub.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Serve runs the HTTP server until ctx is canceled.
func (a *API) Serve(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           a.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go a.hub.Run(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Printf("api: listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
