package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/repertoire/backend/internal/studies"
)

// UserLister enumerates users with a linked remote account.
type UserLister interface {
	ListUserIDs(ctx context.Context) ([]studies.UserID, error)
}

// Scheduler periodically reconciles every linked user.
type Scheduler struct {
	users    UserLister
	runner   *Runner
	interval time.Duration
	logger   *zap.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	started  bool
	done     chan struct{}
}

// NewScheduler creates a scheduler; Start must be called to begin ticking.
func NewScheduler(users UserLister, runner *Runner, interval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		users:    users,
		runner:   runner,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs one pass immediately and then one per interval until Stop or ctx ends.
// A non-positive interval runs the single pass only.
func (s *Scheduler) Start(ctx context.Context) {
	s.started = true
	s.RunOnce(ctx)
	if s.interval <= 0 {
		close(s.done)
		return
	}

	ticker := time.NewTicker(s.interval)
	go func() {
		defer close(s.done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.RunOnce(ctx)
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the ticking goroutine and waits for it.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.started {
		<-s.done
	}
}

// RunOnce syncs every linked user; failures are logged per user.
func (s *Scheduler) RunOnce(ctx context.Context) {
	userIDs, err := s.users.ListUserIDs(ctx)
	if err != nil {
		s.logger.Error("failed to list users for sync", zap.Error(err))
		return
	}
	synced := 0
	for _, userID := range userIDs {
		if ctx.Err() != nil {
			return
		}
		outcome, err := s.runner.SyncUser(ctx, userID, false)
		switch {
		case errors.Is(err, ErrSyncInProgress):
			s.logger.Debug("sync already running", zap.String(fieldUserID, userID.String()))
		case err != nil:
			s.logger.Error("scheduled sync failed", zap.String(fieldUserID, userID.String()), zap.Error(err))
		case !outcome.Skipped:
			synced++
		}
	}
	s.logger.Info("scheduled sync completed", zap.Int("users", len(userIDs)), zap.Int("synced", synced))
}
