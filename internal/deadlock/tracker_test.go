package deadlock

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/plansync/internal/model"
	"github.com/msageha/plansync/internal/queue"
	"github.com/msageha/plansync/internal/session"
)

type stubLocks struct {
	info *model.LockInfo
}

func (s *stubLocks) Info(sess session.Session) (*model.LockInfo, error) {
	return s.info, nil
}

func testSession(t *testing.T) session.Session {
	t.Helper()
	sess := session.New(filepath.Join(t.TempDir(), ".plansync"))
	require.NoError(t, os.MkdirAll(sess.QueueDir(), 0755))
	return sess
}

func TestObserveEmptyQueue(t *testing.T) {
	sess := testSession(t)
	tracker := NewTracker(queue.NewCoordinator(), &stubLocks{}, 3)

	record, err := tracker.Observe(sess)
	require.NoError(t, err)
	assert.Nil(t, record)

	_, err = os.Stat(sess.DeadlockPath())
	assert.True(t, os.IsNotExist(err), "no record file for an empty queue")
}

func TestObserveStallFiresSignalOnce(t *testing.T) {
	sess := testSession(t)
	q := queue.NewCoordinator()
	locks := &stubLocks{} // lock never held: the head is wedged
	tracker := NewTracker(q, locks, 3)

	head, err := q.Register(sess, "worker-a", "op", 600_000)
	require.NoError(t, err)

	// First observation starts the episode.
	record, err := tracker.Observe(sess)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, head.ID, record.HeadEntryID)
	assert.Equal(t, 1, record.StallCount)
	assert.Empty(t, record.SignalID, "below threshold")

	// Second observation: still below threshold.
	record, err = tracker.Observe(sess)
	require.NoError(t, err)
	assert.Equal(t, 2, record.StallCount)
	assert.Empty(t, record.SignalID)

	sig, err := tracker.ActiveSignal(sess)
	require.NoError(t, err)
	assert.Nil(t, sig, "no signal before the threshold")

	// Third observation crosses the threshold.
	record, err = tracker.Observe(sess)
	require.NoError(t, err)
	assert.Equal(t, 3, record.StallCount)
	require.NotEmpty(t, record.SignalID)
	assert.Equal(t, "queue_stall-"+head.ID[:8], record.SignalID)
	raisedAt := record.SignalRaisedAt
	require.NotEmpty(t, raisedAt)

	// Continued stalling keeps the same signal and raise time.
	record, err = tracker.Observe(sess)
	require.NoError(t, err)
	assert.Equal(t, 4, record.StallCount)
	assert.Equal(t, "queue_stall-"+head.ID[:8], record.SignalID)
	assert.Equal(t, raisedAt, record.SignalRaisedAt)

	sig, err = tracker.ActiveSignal(sess)
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, record.SignalID, sig.ID)
	assert.Equal(t, model.SignalTypeSystem, sig.Type)
	assert.True(t, sig.Blocking)
	assert.Equal(t, model.SignalOpen, sig.Status)
	assert.Equal(t, raisedAt, sig.OpenedAt)
}

func TestObserveResetsWhenHeadChanges(t *testing.T) {
	sess := testSession(t)
	q := queue.NewCoordinator()
	tracker := NewTracker(q, &stubLocks{}, 5)

	first, err := q.Register(sess, "worker-a", "op", 600_000)
	require.NoError(t, err)
	second, err := q.Register(sess, "worker-b", "op", 600_000)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := tracker.Observe(sess)
		require.NoError(t, err)
	}
	record, err := tracker.Record(sess)
	require.NoError(t, err)
	assert.Equal(t, 3, record.StallCount)

	// Head withdraws: the queue made progress, accounting restarts.
	require.NoError(t, q.Withdraw(sess, first.ID))
	record, err = tracker.Observe(sess)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, second.ID, record.HeadEntryID)
	assert.Equal(t, 1, record.StallCount)
	assert.Empty(t, record.SignalID)
}

func TestObserveClearsWhenHeadAcquires(t *testing.T) {
	sess := testSession(t)
	q := queue.NewCoordinator()
	locks := &stubLocks{}
	tracker := NewTracker(q, locks, 2)

	head, err := q.Register(sess, "worker-a", "op", 600_000)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := tracker.Observe(sess)
		require.NoError(t, err)
	}
	sig, err := tracker.ActiveSignal(sess)
	require.NoError(t, err)
	require.NotNil(t, sig, "stalled past threshold")

	// The head finally gets the lock.
	locks.info = &model.LockInfo{Holder: "worker-a", EntryID: head.ID}
	record, err := tracker.Observe(sess)
	require.NoError(t, err)
	assert.Nil(t, record)

	sig, err = tracker.ActiveSignal(sess)
	require.NoError(t, err)
	assert.Nil(t, sig, "signal episode ends with progress")
}

func TestObserveClearsWhenQueueDrains(t *testing.T) {
	sess := testSession(t)
	q := queue.NewCoordinator()
	tracker := NewTracker(q, &stubLocks{}, 2)

	entry, err := q.Register(sess, "worker-a", "op", 600_000)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := tracker.Observe(sess)
		require.NoError(t, err)
	}

	require.NoError(t, q.Withdraw(sess, entry.ID))
	record, err := tracker.Observe(sess)
	require.NoError(t, err)
	assert.Nil(t, record)

	_, err = os.Stat(sess.DeadlockPath())
	assert.True(t, os.IsNotExist(err))
}
