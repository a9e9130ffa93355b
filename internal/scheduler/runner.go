// Package scheduler serializes and paces study reconciliation per user.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/repertoire/backend/internal/studies"
)

const (
	defaultLockTTL    = 5 * time.Minute
	lockKeyPrefix     = "reconcile:"
	releaseTimeout    = 5 * time.Second
	refreshTimeout    = 5 * time.Second
	fieldUserID       = "user_id"
	fieldMinInterval  = "min_interval"
	fieldChangedCount = "changed"
)

// ErrSyncInProgress indicates a reconciliation for the user is already running.
var ErrSyncInProgress = errors.New("scheduler: sync in progress")

// Reconciler is the part of studies.Service the runner drives.
type Reconciler interface {
	Reconcile(ctx context.Context, userID studies.UserID) (studies.ReconcileResult, error)
	LastChecked(ctx context.Context, userID studies.UserID) (time.Time, error)
}

// ChangeNotifier receives the studies touched by a pass.
type ChangeNotifier interface {
	NotifyStudiesChanged(userID studies.UserID, studyIDs []string)
}

// RunnerConfig bundles Runner collaborators. RefreshInterval defaults to a
// third of LockTTL.
type RunnerConfig struct {
	Reconciler      Reconciler
	Locker          Locker
	Notifier        ChangeNotifier
	MinInterval     time.Duration
	LockTTL         time.Duration
	RefreshInterval time.Duration
	Clock           func() time.Time
	Logger          *zap.Logger
}

// Runner guarantees at most one reconciliation per user at a time.
type Runner struct {
	reconciler      Reconciler
	locker          Locker
	notifier        ChangeNotifier
	minInterval     time.Duration
	lockTTL         time.Duration
	refreshInterval time.Duration
	clock           func() time.Time
	logger          *zap.Logger
}

// SyncOutcome reports whether a pass ran and what it changed.
type SyncOutcome struct {
	Skipped bool
	Result  studies.ReconcileResult
}

// NewRunner validates configuration and applies defaults.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Reconciler == nil {
		return nil, fmt.Errorf("scheduler: reconciler required")
	}
	locker := cfg.Locker
	if locker == nil {
		locker = NewLocalLocker()
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	refreshInterval := cfg.RefreshInterval
	if refreshInterval <= 0 || refreshInterval >= lockTTL {
		refreshInterval = lockTTL / 3
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		reconciler:      cfg.Reconciler,
		locker:          locker,
		notifier:        cfg.Notifier,
		minInterval:     cfg.MinInterval,
		lockTTL:         lockTTL,
		refreshInterval: refreshInterval,
		clock:           clock,
		logger:          logger,
	}, nil
}

// SyncUser reconciles the user's studies unless a pass ran within the minimum
// interval. force skips the interval check but never the lock. The lock is
// refreshed for as long as the pass runs; losing it cancels the pass.
func (r *Runner) SyncUser(ctx context.Context, userID studies.UserID, force bool) (SyncOutcome, error) {
	lease, err := r.locker.TryLock(ctx, lockKeyPrefix+userID.String(), r.lockTTL)
	if errors.Is(err, ErrLockHeld) {
		return SyncOutcome{}, fmt.Errorf("%w: user %s", ErrSyncInProgress, userID)
	}
	if err != nil {
		return SyncOutcome{}, fmt.Errorf("scheduler: acquire lock: %w", err)
	}
	passCtx, cancelPass := context.WithCancelCause(ctx)
	stopKeepalive := r.keepLease(passCtx, cancelPass, lease, userID)
	defer func() {
		stopKeepalive()
		cancelPass(nil)
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			r.logger.Warn("failed to release reconcile lock", zap.String(fieldUserID, userID.String()), zap.Error(err))
		}
	}()

	if !force && r.minInterval > 0 {
		lastChecked, err := r.reconciler.LastChecked(passCtx, userID)
		if err != nil {
			return SyncOutcome{}, err
		}
		if !lastChecked.IsZero() && r.clock().Sub(lastChecked) < r.minInterval {
			r.logger.Debug("reconcile skipped",
				zap.String(fieldUserID, userID.String()),
				zap.Duration(fieldMinInterval, r.minInterval))
			return SyncOutcome{Skipped: true}, nil
		}
	}

	result, err := r.reconciler.Reconcile(passCtx, userID)
	if err != nil {
		if cause := context.Cause(passCtx); errors.Is(cause, ErrLockLost) {
			return SyncOutcome{}, fmt.Errorf("scheduler: reconcile user %s: %w", userID, cause)
		}
		return SyncOutcome{}, err
	}
	if r.notifier != nil && len(result.ChangedStudyIDs) > 0 {
		r.notifier.NotifyStudiesChanged(userID, result.ChangedStudyIDs)
	}
	r.logger.Debug("reconcile finished",
		zap.String(fieldUserID, userID.String()),
		zap.Int(fieldChangedCount, len(result.ChangedStudyIDs)))
	return SyncOutcome{Result: result}, nil
}

// keepLease refreshes lease every refreshInterval until the returned stop func
// runs. A failed refresh cancels the pass with ErrLockLost.
func (r *Runner) keepLease(ctx context.Context, cancel context.CancelCauseFunc, lease Lease, userID studies.UserID) func() {
	done := make(chan struct{})
	var wait sync.WaitGroup
	wait.Add(1)
	go func() {
		defer wait.Done()
		ticker := time.NewTicker(r.refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			refreshCtx, cancelRefresh := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
			err := lease.Refresh(refreshCtx, r.lockTTL)
			cancelRefresh()
			if err == nil {
				continue
			}
			r.logger.Error("failed to refresh reconcile lock", zap.String(fieldUserID, userID.String()), zap.Error(err))
			cancel(fmt.Errorf("%w: %v", ErrLockLost, err))
			return
		}
	}()
	return func() {
		close(done)
		wait.Wait()
	}
}
