package broker

import (
	"context"
	"path"
	"time"

	"go.uber.org/zap"

	"sandbox-broker/internal/logging"
	"sandbox-broker/internal/metrics"
)

// RetentionSweeper periodically purges task directories older than
// the configured retention window on one compute instance. It is a
// daemon: it never blocks process exit, and Stop is safe to call
// multiple times.
type RetentionSweeper struct {
	env      *SandboxEnv
	interval time.Duration
	cancel   context.CancelFunc
	onSweep  func()
}

// NewRetentionSweeper builds a sweeper for env with the given tick
// interval (production default is one hour).
func NewRetentionSweeper(env *SandboxEnv, interval time.Duration) *RetentionSweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &RetentionSweeper{env: env, interval: interval}
}

// Start launches the sweeper's background goroutine. Safe to call
// once per sweeper; a second call is a no-op.
func (s *RetentionSweeper) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.sweep(runCtx)
			}
		}
	}()
}

// sweep purges stale task directories inside every session directory,
// then stale session directories themselves. The per-session pass is
// what actually removes an old task from a session that is still
// active -- a whole-base purge alone never descends that far, because
// each new task refreshes its session directory's mtime.
func (s *RetentionSweeper) sweep(ctx context.Context) {
	cfg := s.env.Config()
	failed := false

	sessions, err := s.env.listSessionDirs(ctx)
	if err != nil {
		failed = true
		logging.L().Warn("retention sweep could not enumerate sessions",
			zap.String("instance_id", cfg.InstanceID), zap.Error(err))
	}
	for _, sessionID := range sessions {
		if err := s.env.Purge(ctx, path.Join(cfg.BaseDir, sessionID), cfg.RetentionHours); err != nil {
			failed = true
			logging.L().Warn("retention sweep failed for session",
				zap.String("instance_id", cfg.InstanceID),
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	if err := s.env.Purge(ctx, cfg.BaseDir, cfg.RetentionHours); err != nil {
		failed = true
		logging.L().Warn("retention sweep failed", zap.String("instance_id", cfg.InstanceID), zap.Error(err))
	}

	metrics.ObserveRetentionSweep(failed)
	if s.onSweep != nil {
		s.onSweep()
	}
}

// Stop cancels the sweeper's background goroutine. Idempotent.
func (s *RetentionSweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}
