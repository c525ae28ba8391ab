// Package reconcile runs the periodic connector maintenance loop: reconnect
// stale sessions, pull buffered audio from connected ones, and optionally
// self-heal a long-open circuit breaker.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/meetpipe/meetpipe/pkg/config"
	"github.com/meetpipe/meetpipe/pkg/connector"
)

// Reconciler drives connector maintenance from a single goroutine so session
// transitions never race each other inside one process. Cross-process races
// are handled by the per-meeting operation lock.
type Reconciler struct {
	manager *connector.Manager
	store   connector.SessionStore
	cfg     *config.ConnectorConfig
	logger  *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a reconciler over the manager's session store.
func New(manager *connector.Manager, st connector.SessionStore, cfg *config.ConnectorConfig, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		manager: manager,
		store:   st,
		cfg:     cfg,
		logger:  logger.With("component", "reconciler", "provider", manager.Provider()),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the loop.
func (r *Reconciler) Start() {
	r.wg.Add(1)
	go r.run()
	r.logger.Info("Reconciler started", "interval", r.cfg.ReconcileInterval)
}

// Stop terminates the loop and waits for the current cycle to finish.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Reconciler) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ReconcileInterval)
			r.Cycle(ctx)
			cancel()
		}
	}
}

// Cycle runs one full maintenance pass. Exported so the admin API can
// trigger it on demand.
func (r *Reconciler) Cycle(ctx context.Context) {
	if n := r.ReconnectStale(ctx); n > 0 {
		r.logger.Info("Reconnected stale sessions", "count", n)
	}
	r.LivePullRound(ctx)
	r.selfHeal(ctx)
}

// ReconnectStale finds connected or disconnected sessions without a recent
// heartbeat and reconnects them, up to the per-cycle limit. Returns the
// number of successful reconnects.
func (r *Reconciler) ReconnectStale(ctx context.Context) int {
	cutoff := time.Now().Add(-r.cfg.ReconcileStale)
	sessions, err := r.store.ListStaleSessions(ctx, cutoff, r.cfg.ReconciliationLimit)
	if err != nil {
		r.logger.Error("Failed to list stale sessions", "error", err)
		return 0
	}

	reconnected := 0
	for i := range sessions {
		if ctx.Err() != nil {
			return reconnected
		}
		s := &sessions[i]
		if _, err := r.manager.Reconnect(ctx, s.MeetingID); err != nil {
			r.logger.Warn("Stale session reconnect failed",
				"meeting_id", s.MeetingID, "session_id", s.ID, "error", err)
			continue
		}
		reconnected++
	}
	return reconnected
}

// LivePullRound pulls buffered chunks for a bounded set of connected
// sessions. Sessions that crossed the consecutive failure threshold get a
// forced reconnect. Returns the total chunk count ingested.
func (r *Reconciler) LivePullRound(ctx context.Context) int {
	sessions, err := r.store.ListConnectedSessions(ctx, r.cfg.LivePullSessionsLimit)
	if err != nil {
		r.logger.Error("Failed to list connected sessions", "error", err)
		return 0
	}

	total := 0
	for i := range sessions {
		if ctx.Err() != nil {
			return total
		}
		s := &sessions[i]
		n, reconnect, err := r.manager.PullSession(ctx, s)
		if err != nil {
			r.logger.Warn("Live pull failed",
				"meeting_id", s.MeetingID, "session_id", s.ID, "error", err)
			if reconnect {
				if _, recErr := r.manager.Reconnect(ctx, s.MeetingID); recErr != nil {
					r.logger.Warn("Forced reconnect failed",
						"meeting_id", s.MeetingID, "error", recErr)
				} else {
					r.logger.Info("Forced reconnect after repeated pull failures",
						"meeting_id", s.MeetingID)
				}
			}
			continue
		}
		total += n
	}
	return total
}

// selfHeal auto-resets the breaker once it has been open long enough,
// letting a deployment recover without an operator when the feature is on.
func (r *Reconciler) selfHeal(ctx context.Context) {
	if !r.cfg.CBSelfHealEnabled {
		return
	}
	reset, err := r.manager.Breaker().AutoReset(ctx, r.cfg.CBAutoResetMinAge, "self_heal")
	if err != nil {
		r.logger.Error("Breaker self-heal failed", "error", err)
		return
	}
	if reset {
		r.logger.Info("Circuit breaker auto-reset")
	}
}
