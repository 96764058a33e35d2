// Package reaper enforces the idle lifecycle policy: active sessions with no
// recent activity are paused, and sessions idle long enough have their
// sandbox released entirely. It also prunes journal events past the
// configured retention window.
package reaper

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/config"
	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/session"
)

// sweepTimeout bounds one full pass over the session table.
const sweepTimeout = 30 * time.Second

// Sandboxes is the manager surface the reaper drives.
type Sandboxes interface {
	Pause(ctx context.Context, sessionID string) error
}

// Journal is the retention surface the reaper drives.
type Journal interface {
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Reaper periodically sweeps sessions against the idle thresholds. Defaults
// come from config; environments may override per template.
type Reaper struct {
	sessions  *session.Service
	sandboxes Sandboxes
	journal   Journal
	cfg       config.ReaperConfig
	logger    *logger.Logger

	// now is swapped in tests to move the clock.
	now func() time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a reaper. Call Start to begin sweeping.
func New(sessions *session.Service, sandboxes Sandboxes, j Journal, cfg config.ReaperConfig, log *logger.Logger) *Reaper {
	return &Reaper{
		sessions:  sessions,
		sandboxes: sandboxes,
		journal:   j,
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "reaper")),
		now:       func() time.Time { return time.Now().UTC() },
		done:      make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (r *Reaper) Start() {
	r.wg.Add(1)
	go r.loop()
	r.logger.Info("reaper started",
		zap.Duration("check_interval", r.cfg.CheckInterval()),
		zap.Duration("idle_after", r.cfg.IdleAfter()),
		zap.Duration("terminate_after", r.cfg.TerminateAfter()))
}

// Stop halts the loop. Any in-flight sweep finishes first.
func (r *Reaper) Stop() {
	close(r.done)
	r.wg.Wait()
}

func (r *Reaper) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.CheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
			r.sweep(ctx)
			cancel()
		}
	}
}

// sweep runs both transitions in one pass. Sessions that changed state since
// the listing are tolerated; every operation here is idempotent with respect
// to target state.
func (r *Reaper) sweep(ctx context.Context) {
	now := r.now()

	active, err := r.sessions.ListByStatus(ctx, session.StatusActive)
	if err != nil {
		r.logger.Error("failed to list active sessions", zap.Error(err))
		return
	}
	for _, sess := range active {
		threshold := r.idleAfter(ctx, sess)
		if now.Sub(r.lastActivity(sess)) < threshold {
			continue
		}
		r.pauseSession(ctx, sess)
	}

	idle, err := r.sessions.ListByStatus(ctx, session.StatusIdle)
	if err != nil {
		r.logger.Error("failed to list idle sessions", zap.Error(err))
		return
	}
	for _, sess := range idle {
		if sess.SandboxProviderID == "" {
			continue
		}
		threshold := r.terminateAfter(ctx, sess)
		if now.Sub(r.lastActivity(sess)) < threshold {
			continue
		}
		r.releaseSession(ctx, sess)
	}

	r.pruneJournal(ctx, now)
}

// pruneJournal enforces the retention window. No-op when retention is
// disabled.
func (r *Reaper) pruneJournal(ctx context.Context, now time.Time) {
	retention := r.cfg.JournalRetention()
	if retention <= 0 {
		return
	}
	if _, err := r.journal.PruneOlderThan(ctx, now.Add(-retention)); err != nil {
		r.logger.Error("journal prune failed", zap.Error(err))
	}
}

func (r *Reaper) pauseSession(ctx context.Context, sess *session.Session) {
	r.logger.Info("pausing idle session",
		zap.String("session_id", sess.ID),
		zap.Time("last_activity_at", r.lastActivity(sess)))

	if err := r.sandboxes.Pause(ctx, sess.ID); err != nil {
		r.logger.Warn("pause failed, will retry next sweep",
			zap.String("session_id", sess.ID),
			zap.Error(err))
		return
	}
	if err := r.sessions.MarkIdle(ctx, sess.ID); err != nil {
		r.logger.Warn("failed to mark session idle",
			zap.String("session_id", sess.ID),
			zap.Error(err))
	}
}

func (r *Reaper) releaseSession(ctx context.Context, sess *session.Session) {
	r.logger.Info("releasing long-idle sandbox",
		zap.String("session_id", sess.ID),
		zap.String("provider_id", sess.SandboxProviderID))

	if err := r.sessions.ReleaseSandbox(ctx, sess.ID); err != nil {
		r.logger.Warn("sandbox release failed, will retry next sweep",
			zap.String("session_id", sess.ID),
			zap.Error(err))
	}
}

// lastActivity treats a never-touched session as active since creation.
func (r *Reaper) lastActivity(sess *session.Session) time.Time {
	if sess.LastActivityAt.IsZero() {
		return sess.CreatedAt
	}
	return sess.LastActivityAt
}

func (r *Reaper) idleAfter(ctx context.Context, sess *session.Session) time.Duration {
	if env, err := r.sessions.Environment(ctx, sess); err == nil && env.IdleAfterSec > 0 {
		return time.Duration(env.IdleAfterSec) * time.Second
	}
	return r.cfg.IdleAfter()
}

func (r *Reaper) terminateAfter(ctx context.Context, sess *session.Session) time.Duration {
	if env, err := r.sessions.Environment(ctx, sess); err == nil && env.TerminateAfterSec > 0 {
		return time.Duration(env.TerminateAfterSec) * time.Second
	}
	return r.cfg.TerminateAfter()
}
