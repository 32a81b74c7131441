package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/msageha/plansync/internal/events"
	"github.com/msageha/plansync/internal/model"
	"github.com/msageha/plansync/internal/session"
	"github.com/msageha/plansync/internal/signal"
	"github.com/msageha/plansync/internal/store"
)

// AnyVersion disables the expected-version precondition for Mutate.
const AnyVersion = -1

// ReleaseError reports a mutation that committed but whose lock release
// failed afterward. The returned state is the saved plan; the caller must
// not retry the mutation. The lock stays on disk until the stale ceiling
// elapses or an operator force-clears it.
type ReleaseError struct {
	Err error
}

func (e *ReleaseError) Error() string {
	return fmt.Sprintf("mutation committed but lock release failed: %v", e.Err)
}

func (e *ReleaseError) Unwrap() error { return e.Err }

// Mutation is one validated change to the plan. Validate runs against the
// freshly loaded state both before acquisition (fail fast) and after (the
// state may have changed in the interim); Apply mutates in place.
type Mutation interface {
	Kind() string
	Validate(state *model.SessionState) *store.ValidationErrors
	Apply(state *model.SessionState, now time.Time) error
}

// AddTask appends a new task; the id is assigned from the plan's counter
// and never reused.
type AddTask struct {
	Title     string
	Type      string
	DependsOn []int
}

func (m AddTask) Kind() string { return "add_task" }

func (m AddTask) Validate(state *model.SessionState) *store.ValidationErrors {
	errs := &store.ValidationErrors{}
	if m.Title == "" {
		errs.Add("task.title", "required field is missing")
	}
	seen := make(map[int]bool, len(m.DependsOn))
	for i, dep := range m.DependsOn {
		path := fmt.Sprintf("task.depends_on[%d]", i)
		if state.TaskByID(dep) == nil {
			errs.Add(path, fmt.Sprintf("references unknown task id %d", dep))
		}
		if seen[dep] {
			errs.Add(path, fmt.Sprintf("duplicate dependency %d", dep))
		}
		seen[dep] = true
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

func (m AddTask) Apply(state *model.SessionState, now time.Time) error {
	ts := now.UTC().Format(time.RFC3339)
	task := model.Task{
		ID:        state.NextTaskID,
		Title:     m.Title,
		Type:      m.Type,
		Status:    model.StatusTodo,
		DependsOn: m.DependsOn,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	state.NextTaskID++
	state.Tasks = append(state.Tasks, task)
	return nil
}

// UpdateTask changes fields of an existing task. Nil fields are left
// untouched; status changes go through the transition matrix.
type UpdateTask struct {
	ID        int
	Status    *model.TaskStatus
	Title     *string
	Type      *string
	Commit    *string
	DependsOn *[]int
}

func (m UpdateTask) Kind() string { return "update_task" }

func (m UpdateTask) Validate(state *model.SessionState) *store.ValidationErrors {
	errs := &store.ValidationErrors{}
	task := state.TaskByID(m.ID)
	if task == nil {
		errs.Add("task.id", fmt.Sprintf("unknown task id %d", m.ID))
		return errs
	}

	if m.Status != nil {
		if !model.IsValidTaskStatus(*m.Status) {
			errs.Add("task.status", fmt.Sprintf("invalid status %q", *m.Status))
		} else if err := model.ValidateTaskTransition(task.Status, *m.Status); err != nil {
			errs.Add("task.status", err.Error())
		}
	}
	if m.Title != nil && *m.Title == "" {
		errs.Add("task.title", "must not be empty")
	}
	if m.DependsOn != nil {
		for i, dep := range *m.DependsOn {
			path := fmt.Sprintf("task.depends_on[%d]", i)
			if dep == m.ID {
				errs.Add(path, "self-reference is not allowed")
			} else if state.TaskByID(dep) == nil {
				errs.Add(path, fmt.Sprintf("references unknown task id %d", dep))
			}
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func (m UpdateTask) Apply(state *model.SessionState, now time.Time) error {
	task := state.TaskByID(m.ID)
	if task == nil {
		return fmt.Errorf("unknown task id %d", m.ID)
	}
	if m.Status != nil {
		task.Status = *m.Status
	}
	if m.Title != nil {
		task.Title = *m.Title
	}
	if m.Type != nil {
		task.Type = *m.Type
	}
	if m.Commit != nil {
		task.Commit = m.Commit
	}
	if m.DependsOn != nil {
		task.DependsOn = *m.DependsOn
	}
	task.UpdatedAt = now.UTC().Format(time.RFC3339)
	return nil
}

// Mutate performs the full transaction: validate early, acquire the lock,
// reload and re-validate (the plan may have moved), apply, save atomically,
// release. expectedVersion guards against lost updates; pass AnyVersion to
// accept whatever version holds the lock finds.
func (c *Coordinator) Mutate(ctx context.Context, sess session.Session, requester string, m Mutation, expectedVersion int) (*model.SessionState, error) {
	// Fail fast on payloads that can never apply, before queueing.
	if state, err := c.store.Load(sess); err == nil {
		if errs := m.Validate(state); errs != nil {
			return nil, errs
		}
		if expectedVersion != AnyVersion && state.Version != expectedVersion {
			return nil, &store.VersionConflictError{Expected: expectedVersion, Actual: state.Version}
		}
	}

	return c.withLock(ctx, sess, requester, m.Kind(), func(state *model.SessionState, appliedAt time.Time) error {
		if expectedVersion != AnyVersion && state.Version != expectedVersion {
			return &store.VersionConflictError{Expected: expectedVersion, Actual: state.Version}
		}
		if errs := m.Validate(state); errs != nil {
			return errs
		}
		if err := m.Apply(state, appliedAt); err != nil {
			return err
		}
		c.logAudit("mutation_applied", map[string]interface{}{
			"requester": requester,
			"kind":      m.Kind(),
		})
		return nil
	})
}

// AlertOpen opens a signal on the plan. Fails with signal.ErrDuplicateSignal
// when the id is already open; reopening a closed id is allowed.
func (c *Coordinator) AlertOpen(ctx context.Context, sess session.Session, requester string, sig model.Signal) (*model.SessionState, error) {
	return c.withLock(ctx, sess, requester, "alert_open", func(state *model.SessionState, appliedAt time.Time) error {
		if err := signal.Open(state, sig, appliedAt); err != nil {
			return err
		}
		c.logAudit("signal_opened", map[string]interface{}{
			"requester": requester,
			"signal_id": sig.ID,
		})
		return nil
	})
}

// AlertClose closes a signal. Closing an already-closed signal is a no-op
// success; an unknown id fails with signal.ErrSignalNotFound.
func (c *Coordinator) AlertClose(ctx context.Context, sess session.Session, requester, id string) (*model.SessionState, error) {
	return c.withLock(ctx, sess, requester, "alert_close", func(state *model.SessionState, appliedAt time.Time) error {
		if err := signal.Close(state, id, appliedAt); err != nil {
			return err
		}
		c.logAudit("signal_closed", map[string]interface{}{
			"requester": requester,
			"signal_id": id,
		})
		return nil
	})
}

// withLock runs apply inside the acquire → load → save → release boundary.
// Any error from apply aborts with zero partial effect on the plan file. A
// release failure after a committed save surfaces as *ReleaseError so the
// caller knows the session is wedged; it never hides behind a success.
func (c *Coordinator) withLock(ctx context.Context, sess session.Session, requester, operation string, apply func(*model.SessionState, time.Time) error) (saved *model.SessionState, err error) {
	handle, err := c.locks.Acquire(ctx, sess, requester, operation, c.cfg.Lock.DefaultTimeoutMs)
	if err != nil {
		return nil, err
	}
	c.publish(events.EventLockAcquired, map[string]interface{}{"requester": requester, "operation": operation})

	defer func() {
		relErr := c.locks.Release(handle)
		if relErr == nil {
			c.publish(events.EventLockReleased, map[string]interface{}{"requester": requester})
			return
		}
		c.logAudit("lock_release_failed", map[string]interface{}{
			"requester": requester,
			"error":     relErr.Error(),
		})
		if err == nil {
			err = &ReleaseError{Err: relErr}
		}
	}()

	state, err := c.store.Load(sess)
	if err != nil {
		return nil, err
	}

	if err := apply(state, c.nowFn()); err != nil {
		return nil, err
	}

	saved, err = c.store.Save(sess, state, requester)
	if err != nil {
		return nil, err
	}
	c.publish(events.EventMutationApplied, map[string]interface{}{
		"requester": requester,
		"version":   saved.Version,
	})
	return saved, nil
}
