package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarcoPoloResearchLab/repertoire/backend/internal/studies"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// fakeReconciler counts passes. untilCanceled makes Reconcile run until its
// context ends.
type fakeReconciler struct {
	mu            sync.Mutex
	calls         map[studies.UserID]int
	lastChecked   time.Time
	result        studies.ReconcileResult
	err           error
	block         chan struct{}
	entered       chan struct{}
	untilCanceled bool
}

func newFakeReconciler() *fakeReconciler {
	return &fakeReconciler{calls: make(map[studies.UserID]int)}
}

func (f *fakeReconciler) Reconcile(ctx context.Context, userID studies.UserID) (studies.ReconcileResult, error) {
	f.mu.Lock()
	f.calls[userID]++
	block, entered, untilCanceled := f.block, f.entered, f.untilCanceled
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if untilCanceled {
		<-ctx.Done()
		return studies.ReconcileResult{}, ctx.Err()
	}
	if block != nil {
		<-block
	}
	return f.result, f.err
}

func (f *fakeReconciler) LastChecked(context.Context, studies.UserID) (time.Time, error) {
	return f.lastChecked, nil
}

func (f *fakeReconciler) callCount(userID studies.UserID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[userID]
}

type recordingNotifier struct {
	mu      sync.Mutex
	changes map[studies.UserID][]string
}

func (n *recordingNotifier) NotifyStudiesChanged(userID studies.UserID, studyIDs []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.changes == nil {
		n.changes = make(map[studies.UserID][]string)
	}
	n.changes[userID] = append(n.changes[userID], studyIDs...)
}

func newTestRunner(t *testing.T, reconciler Reconciler, notifier ChangeNotifier) *Runner {
	t.Helper()
	runner, err := NewRunner(RunnerConfig{
		Reconciler:  reconciler,
		Notifier:    notifier,
		MinInterval: 10 * time.Minute,
		Clock:       func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return runner
}

func TestSyncUserRunsAndNotifies(t *testing.T) {
	reconciler := newFakeReconciler()
	reconciler.result = studies.ReconcileResult{NumNew: 1, ChangedStudyIDs: []string{"study-a"}}
	notifier := &recordingNotifier{}
	runner := newTestRunner(t, reconciler, notifier)

	outcome, err := runner.SyncUser(context.Background(), "user-1", false)

	require.NoError(t, err)
	assert.False(t, outcome.Skipped)
	assert.Equal(t, 1, outcome.Result.NumNew)
	assert.Equal(t, []string{"study-a"}, notifier.changes["user-1"])
}

func TestSyncUserSkipsWithinMinInterval(t *testing.T) {
	reconciler := newFakeReconciler()
	reconciler.lastChecked = testNow.Add(-time.Minute)
	runner := newTestRunner(t, reconciler, nil)

	outcome, err := runner.SyncUser(context.Background(), "user-1", false)
	require.NoError(t, err)
	assert.True(t, outcome.Skipped)
	assert.Equal(t, 0, reconciler.callCount("user-1"))

	outcome, err = runner.SyncUser(context.Background(), "user-1", true)
	require.NoError(t, err)
	assert.False(t, outcome.Skipped)
	assert.Equal(t, 1, reconciler.callCount("user-1"))
}

func TestSyncUserRunsAfterMinInterval(t *testing.T) {
	reconciler := newFakeReconciler()
	reconciler.lastChecked = testNow.Add(-time.Hour)
	runner := newTestRunner(t, reconciler, nil)

	outcome, err := runner.SyncUser(context.Background(), "user-1", false)

	require.NoError(t, err)
	assert.False(t, outcome.Skipped)
	assert.Equal(t, 1, reconciler.callCount("user-1"))
}

func TestSyncUserRejectsConcurrentPassForSameUser(t *testing.T) {
	reconciler := newFakeReconciler()
	reconciler.block = make(chan struct{})
	reconciler.entered = make(chan struct{}, 1)
	runner := newTestRunner(t, reconciler, nil)

	done := make(chan error, 1)
	go func() {
		_, err := runner.SyncUser(context.Background(), "user-1", true)
		done <- err
	}()
	<-reconciler.entered

	_, err := runner.SyncUser(context.Background(), "user-1", true)
	require.ErrorIs(t, err, ErrSyncInProgress)

	close(reconciler.block)
	require.NoError(t, <-done)

	reconciler.mu.Lock()
	reconciler.block, reconciler.entered = nil, nil
	reconciler.mu.Unlock()
	_, err = runner.SyncUser(context.Background(), "user-1", true)
	require.NoError(t, err)
	assert.Equal(t, 2, reconciler.callCount("user-1"))
}

func TestSyncUserHoldsLockPastTTLWhileRunning(t *testing.T) {
	reconciler := newFakeReconciler()
	reconciler.block = make(chan struct{})
	reconciler.entered = make(chan struct{}, 1)
	var clockMu sync.Mutex
	now := testNow
	runner, err := NewRunner(RunnerConfig{
		Reconciler: reconciler,
		LockTTL:    time.Minute,
		Clock: func() time.Time {
			clockMu.Lock()
			defer clockMu.Unlock()
			return now
		},
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := runner.SyncUser(context.Background(), "user-1", true)
		done <- err
	}()
	<-reconciler.entered

	clockMu.Lock()
	now = now.Add(2 * time.Minute)
	clockMu.Unlock()
	_, err = runner.SyncUser(context.Background(), "user-1", true)
	require.ErrorIs(t, err, ErrSyncInProgress)
	assert.Equal(t, 1, reconciler.callCount("user-1"))

	close(reconciler.block)
	require.NoError(t, <-done)
}

func TestSyncUserRefreshesRedisLockDuringLongPass(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	reconciler := newFakeReconciler()
	reconciler.block = make(chan struct{})
	reconciler.entered = make(chan struct{}, 1)
	newRunner := func() *Runner {
		runner, err := NewRunner(RunnerConfig{
			Reconciler:      reconciler,
			Locker:          NewRedisLocker(client, "test:"),
			LockTTL:         time.Minute,
			RefreshInterval: 10 * time.Millisecond,
		})
		require.NoError(t, err)
		return runner
	}
	first, second := newRunner(), newRunner()
	lockKey := "test:" + lockKeyPrefix + "user-1"

	done := make(chan error, 1)
	go func() {
		_, err := first.SyncUser(context.Background(), "user-1", true)
		done <- err
	}()
	<-reconciler.entered

	for round := 0; round < 3; round++ {
		server.FastForward(50 * time.Second)
		require.Eventually(t, func() bool {
			return server.TTL(lockKey) > 30*time.Second
		}, time.Second, 5*time.Millisecond, "lock must be refreshed while the pass runs")
	}
	_, err := second.SyncUser(context.Background(), "user-1", true)
	require.ErrorIs(t, err, ErrSyncInProgress)
	assert.Equal(t, 1, reconciler.callCount("user-1"))

	close(reconciler.block)
	require.NoError(t, <-done)
	assert.False(t, server.Exists(lockKey))
}

type lostLease struct{}

func (lostLease) Refresh(context.Context, time.Duration) error { return ErrLockLost }
func (lostLease) Release(context.Context) error { return nil }

type lostLocker struct{}

func (lostLocker) TryLock(context.Context, string, time.Duration) (Lease, error) {
	return lostLease{}, nil
}

func TestSyncUserCancelsPassWhenLockIsLost(t *testing.T) {
	reconciler := newFakeReconciler()
	reconciler.untilCanceled = true
	notifier := &recordingNotifier{}
	runner, err := NewRunner(RunnerConfig{
		Reconciler:      reconciler,
		Locker:          lostLocker{},
		Notifier:        notifier,
		LockTTL:         time.Minute,
		RefreshInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = runner.SyncUser(context.Background(), "user-1", true)

	require.ErrorIs(t, err, ErrLockLost)
	assert.Empty(t, notifier.changes)
}

func TestSyncUserPropagatesReconcileError(t *testing.T) {
	reconciler := newFakeReconciler()
	reconciler.err = studies.ErrRemoteFetch
	notifier := &recordingNotifier{}
	runner := newTestRunner(t, reconciler, notifier)

	_, err := runner.SyncUser(context.Background(), "user-1", true)

	require.ErrorIs(t, err, studies.ErrRemoteFetch)
	assert.Empty(t, notifier.changes)
}

type staticUsers struct {
	userIDs []studies.UserID
	err     error
}

func (s staticUsers) ListUserIDs(context.Context) ([]studies.UserID, error) {
	return s.userIDs, s.err
}

func TestSchedulerRunOnceSyncsEveryUser(t *testing.T) {
	reconciler := newFakeReconciler()
	runner := newTestRunner(t, reconciler, nil)
	scheduler := NewScheduler(staticUsers{userIDs: []studies.UserID{"user-1", "user-2"}}, runner, time.Hour, nil)

	scheduler.RunOnce(context.Background())

	assert.Equal(t, 1, reconciler.callCount("user-1"))
	assert.Equal(t, 1, reconciler.callCount("user-2"))
}

func TestSchedulerStartRunsImmediatelyAndStops(t *testing.T) {
	reconciler := newFakeReconciler()
	runner := newTestRunner(t, reconciler, nil)
	scheduler := NewScheduler(staticUsers{userIDs: []studies.UserID{"user-1"}}, runner, time.Hour, nil)

	scheduler.Start(context.Background())
	scheduler.Stop()
	scheduler.Stop()

	assert.Equal(t, 1, reconciler.callCount("user-1"))
}

func TestSchedulerSurvivesListingFailure(t *testing.T) {
	reconciler := newFakeReconciler()
	runner := newTestRunner(t, reconciler, nil)
	scheduler := NewScheduler(staticUsers{err: errors.New("database closed")}, runner, time.Hour, nil)

	scheduler.RunOnce(context.Background())

	assert.Empty(t, reconciler.calls)
}
