package coordinator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/plansync/internal/events"
	"github.com/msageha/plansync/internal/model"
	"github.com/msageha/plansync/internal/now"
	"github.com/msageha/plansync/internal/session"
	"github.com/msageha/plansync/internal/signal"
	"github.com/msageha/plansync/internal/store"
)

func testConfig() model.Config {
	cfg := model.DefaultConfig("coordtest")
	cfg.Lock.PollIntervalMs = 5
	cfg.Lock.DefaultTimeoutMs = 10_000
	cfg.Deadlock.StallThreshold = 2
	cfg.History.Keep = 5
	return cfg
}

func newTestCoordinator(t *testing.T, opts ...Option) (session.Session, *Coordinator) {
	t.Helper()
	sess, err := session.Init(filepath.Join(t.TempDir(), ".plansync"), "coordtest")
	require.NoError(t, err)
	return sess, New(testConfig(), opts...)
}

func TestMutateAddTask(t *testing.T) {
	sess, coord := newTestCoordinator(t)
	ctx := context.Background()

	saved, err := coord.Mutate(ctx, sess, "worker-a", AddTask{Title: "scaffold"}, AnyVersion)
	require.NoError(t, err)
	assert.Equal(t, 1, saved.Version)
	require.Len(t, saved.Tasks, 1)
	assert.Equal(t, 1, saved.Tasks[0].ID)
	assert.Equal(t, model.StatusTodo, saved.Tasks[0].Status)
	assert.Equal(t, 2, saved.NextTaskID)

	saved, err = coord.Mutate(ctx, sess, "worker-a", AddTask{Title: "implement", DependsOn: []int{1}}, AnyVersion)
	require.NoError(t, err)
	assert.Equal(t, 2, saved.Version)
	require.Len(t, saved.Tasks, 2)
	assert.Equal(t, 2, saved.Tasks[1].ID)

	// The transaction cleans up after itself.
	info, err := coord.Locks().Info(sess)
	require.NoError(t, err)
	assert.Nil(t, info, "lock must be released after Mutate")
	order, err := coord.Queue().Order(sess)
	require.NoError(t, err)
	assert.Empty(t, order, "queue entry must be withdrawn after Mutate")
}

func TestMutateUpdateTask(t *testing.T) {
	sess, coord := newTestCoordinator(t)
	ctx := context.Background()

	_, err := coord.Mutate(ctx, sess, "worker-a", AddTask{Title: "scaffold"}, AnyVersion)
	require.NoError(t, err)

	inProgress := model.StatusInProgress
	saved, err := coord.Mutate(ctx, sess, "worker-a", UpdateTask{ID: 1, Status: &inProgress}, AnyVersion)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, saved.Tasks[0].Status)

	done := model.StatusDone
	commit := "4f2a91c"
	saved, err = coord.Mutate(ctx, sess, "worker-a", UpdateTask{ID: 1, Status: &done, Commit: &commit}, AnyVersion)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDone, saved.Tasks[0].Status)
	require.NotNil(t, saved.Tasks[0].Commit)
	assert.Equal(t, "4f2a91c", *saved.Tasks[0].Commit)

	// done is terminal.
	todo := model.StatusTodo
	_, err = coord.Mutate(ctx, sess, "worker-a", UpdateTask{ID: 1, Status: &todo}, AnyVersion)
	var verrs *store.ValidationErrors
	require.ErrorAs(t, err, &verrs)
}

func TestMutateRejectsInvalidPayload(t *testing.T) {
	sess, coord := newTestCoordinator(t)
	ctx := context.Background()

	_, err := coord.Mutate(ctx, sess, "worker-a", AddTask{Title: "x", DependsOn: []int{99}}, AnyVersion)
	var verrs *store.ValidationErrors
	require.ErrorAs(t, err, &verrs)

	// Nothing was written.
	state, err := coord.Store().Load(sess)
	require.NoError(t, err)
	assert.Equal(t, 0, state.Version)
	assert.Empty(t, state.Tasks)
}

func TestMutateVersionConflict(t *testing.T) {
	sess, coord := newTestCoordinator(t)
	ctx := context.Background()

	_, err := coord.Mutate(ctx, sess, "worker-a", AddTask{Title: "a"}, AnyVersion)
	require.NoError(t, err)

	// worker-b read version 1, but worker-a moves the plan first.
	_, err = coord.Mutate(ctx, sess, "worker-a", AddTask{Title: "b"}, 1)
	require.NoError(t, err)

	_, err = coord.Mutate(ctx, sess, "worker-b", AddTask{Title: "c"}, 1)
	var conflict *store.VersionConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 2, conflict.Actual)
}

func TestMutateWritesHistory(t *testing.T) {
	sess, coord := newTestCoordinator(t)
	ctx := context.Background()

	_, err := coord.Mutate(ctx, sess, "worker-a", AddTask{Title: "a"}, AnyVersion)
	require.NoError(t, err)
	_, err = coord.Mutate(ctx, sess, "worker-a", AddTask{Title: "b"}, AnyVersion)
	require.NoError(t, err)

	entries, err := os.ReadDir(sess.HistoryDir())
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Contains(t, names, "v000001.yaml")
	assert.Contains(t, names, "v000002.yaml")
}

func TestAlertOpenClose(t *testing.T) {
	sess, coord := newTestCoordinator(t)
	ctx := context.Background()

	_, err := coord.Mutate(ctx, sess, "worker-a", AddTask{Title: "work"}, AnyVersion)
	require.NoError(t, err)

	_, err = coord.AlertOpen(ctx, sess, "worker-a", model.Signal{
		ID: "ci-main", Type: model.SignalTypeCI, Blocking: true, Message: "main is red",
	})
	require.NoError(t, err)

	// Open blocker suppresses task work for everyone.
	status, err := coord.Status(sess, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, now.KindBlocker, status.Now.Kind)
	assert.Equal(t, "ci-main", status.Now.SignalID)
	assert.Equal(t, "ci_blocker", status.Now.Reason())

	// Duplicate open is rejected.
	_, err = coord.AlertOpen(ctx, sess, "worker-b", model.Signal{ID: "ci-main", Type: model.SignalTypeCI})
	require.ErrorIs(t, err, signal.ErrDuplicateSignal)

	_, err = coord.AlertClose(ctx, sess, "worker-a", "ci-main")
	require.NoError(t, err)

	status, err = coord.Status(sess, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, now.KindTask, status.Now.Kind)
	assert.Equal(t, 1, status.Now.TaskID)

	// Closing again is a no-op success.
	_, err = coord.AlertClose(ctx, sess, "worker-a", "ci-main")
	require.NoError(t, err)

	_, err = coord.AlertClose(ctx, sess, "worker-a", "ghost")
	require.ErrorIs(t, err, signal.ErrSignalNotFound)
}

func TestStatusFreshSession(t *testing.T) {
	sess, coord := newTestCoordinator(t)

	status, err := coord.Status(sess, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, now.KindCompleted, status.Now.Kind)
	assert.Equal(t, 0, status.Version)
	assert.Empty(t, status.LockQueue)
	assert.Nil(t, status.Lock)
	assert.False(t, status.StaleLock)
}

func TestStatusReportsQueueStanding(t *testing.T) {
	sess, coord := newTestCoordinator(t)

	// Two foreign entries ahead of the caller's own.
	_, err := coord.Queue().Register(sess, "worker-x", "op", 600_000)
	require.NoError(t, err)
	_, err = coord.Queue().Register(sess, "worker-y", "op", 600_000)
	require.NoError(t, err)
	_, err = coord.Queue().Register(sess, "worker-a", "op", 600_000)
	require.NoError(t, err)

	status, err := coord.Status(sess, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, now.KindWaitingOnLock, status.Now.Kind)
	assert.Equal(t, 3, status.Now.Position)
	require.Len(t, status.LockQueue, 3)
	assert.Equal(t, "worker-x", status.LockQueue[0].Requester)
	assert.Equal(t, 1, status.LockQueue[0].Position)
}

func TestStatusRaisesStallSignal(t *testing.T) {
	sess, coord := newTestCoordinator(t) // stall threshold 2

	bus := events.NewBus(10)
	defer bus.Close()
	stalls := make(chan events.Event, 10)
	bus.Subscribe(events.EventQueueStall, func(e events.Event) { stalls <- e })
	coord.bus = bus

	// A foreign entry wedges the queue head: its owner never acquires.
	head, err := coord.Queue().Register(sess, "worker-wedged", "op", 600_000)
	require.NoError(t, err)

	// Observations 1 and 2: counting up, then the threshold fires.
	_, err = coord.Status(sess, "observer")
	require.NoError(t, err)
	_, err = coord.Status(sess, "observer")
	require.NoError(t, err)

	status, err := coord.Status(sess, "observer")
	require.NoError(t, err)

	var synthetic *model.Signal
	for i := range status.Signals {
		if status.Signals[i].Type == model.SignalTypeSystem {
			synthetic = &status.Signals[i]
		}
	}
	require.NotNil(t, synthetic, "stall signal must appear in the status view")
	assert.True(t, synthetic.Blocking)
	assert.Equal(t, "queue_stall-"+head.ID[:8], synthetic.ID)
	assert.Equal(t, now.KindBlocker, status.Now.Kind)

	select {
	case e := <-stalls:
		assert.Equal(t, synthetic.ID, e.Data["signal_id"])
	case <-time.After(time.Second):
		t.Fatal("queue_stall event not published")
	}

	// The synthetic signal is never persisted into the plan.
	state, err := coord.Store().Load(sess)
	require.NoError(t, err)
	assert.Empty(t, state.Signals)

	// The wedged requester itself sees the deadlock outcome.
	status, err = coord.Status(sess, "worker-wedged")
	require.NoError(t, err)
	assert.Equal(t, now.KindDeadlocked, status.Now.Kind)
	assert.Equal(t, synthetic.ID, status.Now.SignalID)
}

func TestForceClearLockNeedsConfirmation(t *testing.T) {
	sess, coord := newTestCoordinator(t)
	err := coord.ForceClearLock(sess, false)
	assert.Error(t, err)
}

func TestMutateConcurrentWorkers(t *testing.T) {
	sess, coord := newTestCoordinator(t)
	ctx := context.Background()

	const workers = 6
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func(id int) {
			_, err := coord.Mutate(ctx, sess, "worker", AddTask{Title: "task"}, AnyVersion)
			errs <- err
		}(i)
	}
	for i := 0; i < workers; i++ {
		require.NoError(t, <-errs)
	}

	state, err := coord.Store().Load(sess)
	require.NoError(t, err)
	assert.Equal(t, workers, state.Version)
	assert.Len(t, state.Tasks, workers)

	seen := map[int]bool{}
	for _, task := range state.Tasks {
		assert.False(t, seen[task.ID], "task id %d assigned twice", task.ID)
		seen[task.ID] = true
	}
}

func TestRestoreSnapshot(t *testing.T) {
	sess, coord := newTestCoordinator(t)
	ctx := context.Background()

	_, err := coord.Mutate(ctx, sess, "worker-a", AddTask{Title: "scaffold"}, AnyVersion)
	require.NoError(t, err)
	_, err = coord.Mutate(ctx, sess, "worker-a", AddTask{Title: "implement"}, AnyVersion)
	require.NoError(t, err)

	handles, err := coord.SnapshotHandles(sess)
	require.NoError(t, err)
	assert.Equal(t, []string{"v000001", "v000002"}, handles)

	restored, err := coord.RestoreSnapshot(ctx, sess, "worker-a", "v000001")
	require.NoError(t, err)
	assert.Equal(t, 3, restored.Version, "rollback commits as a new version")
	require.Len(t, restored.Tasks, 1)
	assert.Equal(t, "scaffold", restored.Tasks[0].Title)

	// The rolled-back plan is what subsequent loads see.
	state, err := coord.Store().Load(sess)
	require.NoError(t, err)
	assert.Equal(t, 3, state.Version)
	assert.Len(t, state.Tasks, 1)
}

func TestRestoreSnapshotUnknownHandle(t *testing.T) {
	sess, coord := newTestCoordinator(t)

	_, err := coord.RestoreSnapshot(context.Background(), sess, "worker-a", "v000099")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "v000099")
}

// lockTamperMutation swaps the lock file for a non-empty directory while
// the lock is held, so the release after the save cannot remove it.
type lockTamperMutation struct {
	lockPath string
}

func (lockTamperMutation) Kind() string { return "add_task" }

func (lockTamperMutation) Validate(*model.SessionState) *store.ValidationErrors { return nil }

func (m lockTamperMutation) Apply(state *model.SessionState, _ time.Time) error {
	if err := os.Remove(m.lockPath); err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(m.lockPath, "wedge"), 0755)
}

func TestMutateSurfacesReleaseFailure(t *testing.T) {
	sess, coord := newTestCoordinator(t)

	saved, err := coord.Mutate(context.Background(), sess, "worker-a",
		lockTamperMutation{lockPath: sess.LockPath()}, AnyVersion)

	var relErr *ReleaseError
	require.ErrorAs(t, err, &relErr, "a failed release must not report success")
	require.NotNil(t, saved, "the save itself committed before the release failed")
	assert.Equal(t, 1, saved.Version)

	// The committed plan is on disk and the lock is still wedged.
	state, err := coord.Store().Load(sess)
	require.NoError(t, err)
	assert.Equal(t, 1, state.Version)
	_, err = os.Stat(sess.LockPath())
	require.NoError(t, err, "the lock stays on disk when release fails")
}

func TestStallEventPublishedOnce(t *testing.T) {
	sess, coord := newTestCoordinator(t) // stall threshold 2

	bus := events.NewBus(10)
	defer bus.Close()
	stalls := make(chan events.Event, 10)
	bus.Subscribe(events.EventQueueStall, func(e events.Event) { stalls <- e })
	coord.bus = bus

	_, err := coord.Queue().Register(sess, "worker-wedged", "op", 600_000)
	require.NoError(t, err)

	// Well past the threshold: the signal stays in every view, the bus
	// event fires only on the crossing observation.
	for i := 0; i < 5; i++ {
		_, err := coord.Status(sess, "observer")
		require.NoError(t, err)
	}

	select {
	case <-stalls:
	case <-time.After(time.Second):
		t.Fatal("queue_stall event not published")
	}
	select {
	case e := <-stalls:
		t.Fatalf("queue_stall published more than once: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}
