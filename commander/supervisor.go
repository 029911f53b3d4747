package main

import (
	"context"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/droverhq/drover/config"
	"github.com/droverhq/drover/observability"
	"github.com/droverhq/drover/pacing"
)

// Worker exit codes the supervisor reacts to. Kept in sync with the
// worker binary.
const (
	workerExitOK        = 0
	workerExitRetryable = 1
	workerExitFatal     = 2
	workerExitBanned    = 3
)

// Supervisor launches one worker process per profile and restarts
// crashed ones with exponential backoff. A worker that exits with the
// banned code is never restarted; a worker that stays up through the
// cooldown window earns a fresh restart budget.
type Supervisor struct {
	cfg        config.SupervisorConfig
	workerBin  string
	configPath string
	driverName string
	groupID    string
	runID      string

	mu       sync.Mutex
	children map[string]*childState
}

type childState struct {
	Restarts    int
	LastStart   time.Time
	LastExit    time.Time
	LastCode    int
	Running     bool
	Banned      bool
	GaveUp      bool
}

func NewSupervisor(cfg config.SupervisorConfig, configPath, driverName, groupID, runID string) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		workerBin:  resolveWorkerBinary(cfg.WorkerBinary),
		configPath: configPath,
		driverName: driverName,
		groupID:    groupID,
		runID:      runID,
		children:   map[string]*childState{},
	}
}

// resolveWorkerBinary defaults to drover-worker next to our own
// executable.
func resolveWorkerBinary(configured string) string {
	if configured != "" {
		return configured
	}
	exe, err := os.Executable()
	if err != nil {
		return "drover-worker"
	}
	return filepath.Join(filepath.Dir(exe), "drover-worker")
}

// Run supervises workers for all profiles until every worker is done
// or ctx is canceled.
func (s *Supervisor) Run(ctx context.Context, profileIDs []string) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, profileID := range profileIDs {
		g.Go(func() error {
			s.supervise(ctx, profileID)
			return nil
		})
	}
	return g.Wait()
}

func (s *Supervisor) supervise(ctx context.Context, profileID string) {
	st := s.state(profileID)
	for {
		if ctx.Err() != nil {
			return
		}

		now := time.Now()
		s.mu.Lock()
		st.LastStart = now
		st.Running = true
		s.mu.Unlock()
		observability.WorkersActive.Inc()

		code, err := s.runChild(ctx, profileID)
		observability.WorkersActive.Dec()
		s.mu.Lock()
		st.Running = false
		st.LastExit = time.Now()
		st.LastCode = code
		s.mu.Unlock()
		if err != nil {
			log.Printf("supervisor: worker %s: %v", profileID, err)
		}
		if ctx.Err() != nil {
			return
		}

		uptime := time.Since(now)
		restart, delay := s.nextRestart(profileID, code, uptime)
		if !restart {
			return
		}
		observability.WorkerRestartsTotal.WithLabelValues(profileID).Inc()

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// nextRestart applies the restart policy and advances the child's
// bookkeeping.
func (s *Supervisor) nextRestart(profileID string, code int, uptime time.Duration) (bool, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.children[profileID]

	switch code {
	case workerExitOK:
		log.Printf("supervisor: worker %s finished", profileID)
		return false, 0
	case workerExitFatal:
		// Missing proxy, messages or profile; a restart cannot fix it.
		log.Printf("supervisor: worker %s hit an environment problem, not restarting", profileID)
		st.GaveUp = true
		return false, 0
	case workerExitBanned:
		log.Printf("supervisor: worker %s reported a banned account, not restarting", profileID)
		st.Banned = true
		return false, 0
	}

	// A long healthy run resets the failure streak.
	if uptime >= s.cfg.RestartCooldown() {
		st.Restarts = 0
	}
	if st.Restarts >= s.cfg.MaxRestartAttempts {
		log.Printf("supervisor: worker %s exceeded %d restarts, giving up", profileID, s.cfg.MaxRestartAttempts)
		st.GaveUp = true
		return false, 0
	}
	delay := pacing.Backoff(st.Restarts, s.cfg.RestartBase(), s.cfg.RestartCap())
	st.Restarts++
	log.Printf("supervisor: restarting worker %s in %s (exit %d, attempt %d/%d)",
		profileID, delay, code, st.Restarts, s.cfg.MaxRestartAttempts)
	return true, delay
}

// runChild starts one worker process and waits for it. On ctx
// cancellation the child gets SIGTERM, then SIGKILL after the grace
// period.
func (s *Supervisor) runChild(ctx context.Context, profileID string) (int, error) {
	args := []string{
		"--profile-id", profileID,
		"--group-id", s.groupID,
		"--run-id", s.runID,
	}
	if s.configPath != "" {
		args = append(args, "--config", s.configPath)
	}
	if s.driverName != "" {
		args = append(args, "--driver", s.driverName)
	}

	cmd := exec.Command(s.workerBin, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		// A spawn failure goes through the retry budget like a crash so
		// supervision does not end looking like a clean drain.
		return workerExitRetryable, err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return exitCode(cmd, err), nil
	case <-ctx.Done():
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case err := <-done:
			return exitCode(cmd, err), nil
		case <-time.After(s.cfg.ShutdownGrace()):
			_ = cmd.Process.Kill()
			err := <-done
			return exitCode(cmd, err), nil
		}
	}
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return workerExitRetryable
	}
	return workerExitOK
}

func (s *Supervisor) state(profileID string) *childState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.children[profileID]
	if !ok {
		st = &childState{}
		s.children[profileID] = st
	}
	return st
}

// WorkerStatus is one worker's view in the status snapshot.
type WorkerStatus struct {
	ProfileID string `json:"profile_id"`
	Running   bool   `json:"running"`
	Restarts  int    `json:"restarts"`
	LastCode  int    `json:"last_exit_code"`
	Banned    bool   `json:"banned,omitempty"`
	GaveUp    bool   `json:"gave_up,omitempty"`
}

// Workers reports the current state of all supervised workers.
func (s *Supervisor) Workers() []WorkerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WorkerStatus, 0, len(s.children))
	for id, st := range s.children {
		out = append(out, WorkerStatus{
			ProfileID: id,
			Running:   st.Running,
			Restarts:  st.Restarts,
			LastCode:  st.LastCode,
			Banned:    st.Banned,
			GaveUp:    st.GaveUp,
		})
	}
	return out
}
