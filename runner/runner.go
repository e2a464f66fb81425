// Package runner is the external timer: it fires one tick per session
// interval and guarantees ticks for the same session never overlap.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"clawdbump/models"
	"clawdbump/rotation"
	"clawdbump/session"
)

// Runner schedules session ticks on a cron engine.
type Runner struct {
	cron      *cron.Cron
	scheduler *rotation.Scheduler
	sessions  *session.Manager
	log       *slog.Logger

	mu      sync.Mutex
	entries map[uuid.UUID]cron.EntryID
	locks   map[uuid.UUID]*sync.Mutex
}

// New constructs a runner.
func New(scheduler *rotation.Scheduler, sessions *session.Manager, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		cron:      cron.New(),
		scheduler: scheduler,
		sessions:  sessions,
		log:       log,
		entries:   make(map[uuid.UUID]cron.EntryID),
		locks:     make(map[uuid.UUID]*sync.Mutex),
	}
}

// Start resumes all running sessions and begins firing ticks.
func (r *Runner) Start(ctx context.Context) error {
	running, err := r.sessions.Running(ctx)
	if err != nil {
		return fmt.Errorf("resume sessions: %w", err)
	}
	for _, sess := range running {
		r.Register(sess)
	}
	r.cron.Start()
	r.log.Info("tick runner started", "sessions", len(running))
	return nil
}

// Stop halts the cron engine, waiting for in-flight ticks to finish.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
	r.log.Info("tick runner stopped")
}

// Register schedules ticks for the session at its configured interval.
// Re-registering replaces any previous schedule.
func (r *Runner) Register(sess models.BumpSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entryID, ok := r.entries[sess.ID]; ok {
		r.cron.Remove(entryID)
	}
	if _, ok := r.locks[sess.ID]; !ok {
		r.locks[sess.ID] = &sync.Mutex{}
	}
	sessionID := sess.ID
	spec := fmt.Sprintf("@every %ds", sess.IntervalSeconds)
	entryID, err := r.cron.AddFunc(spec, func() { r.fire(sessionID) })
	if err != nil {
		r.log.Error("register session schedule failed",
			"session", sessionID.String(), "spec", spec, "error", err.Error())
		return
	}
	r.entries[sessionID] = entryID
	r.log.Info("session schedule registered",
		"session", sessionID.String(), "interval_seconds", sess.IntervalSeconds)
}

// Deregister cancels the session's schedule.
func (r *Runner) Deregister(sessionID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entryID, ok := r.entries[sessionID]; ok {
		r.cron.Remove(entryID)
		delete(r.entries, sessionID)
	}
}

// fire runs one tick. A tick still in flight for the same session causes the
// new one to be dropped rather than queued: a delayed confirmation wait must
// not pile up double spends against the same rotation index.
func (r *Runner) fire(sessionID uuid.UUID) {
	r.mu.Lock()
	lock, ok := r.locks[sessionID]
	r.mu.Unlock()
	if !ok {
		return
	}
	if !lock.TryLock() {
		r.log.Warn("tick skipped, previous still running", "session", sessionID.String())
		return
	}
	defer lock.Unlock()

	ctx := context.Background()
	sess, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		r.log.Error("tick session lookup failed", "session", sessionID.String(), "error", err.Error())
		return
	}
	if sess.Status != models.SessionRunning {
		r.Deregister(sessionID)
		return
	}

	result, err := r.scheduler.Tick(ctx, sessionID, sess.WalletRotationIndex)
	if err != nil {
		r.log.Error("tick failed", "session", sessionID.String(), "error", err.Error())
		return
	}
	switch result.Outcome {
	case rotation.OutcomeAllDepleted, rotation.OutcomeStopped:
		r.Deregister(sessionID)
	}
	r.log.Info("tick complete", "session", sessionID.String(),
		"outcome", string(result.Outcome), "wallet_index", result.WalletIndex,
		"next_index", result.NextIndex)
}
