// Package now derives the single recommended next action from persisted
// plan state, open signals, and the caller's lock-queue standing.
//
// Compute is a pure function: no side effects, no I/O, and identical inputs
// always produce identical results, so any process may evaluate it
// arbitrarily often without holding anything.
package now

import (
	"fmt"

	"github.com/msageha/plansync/internal/model"
	"github.com/msageha/plansync/internal/signal"
)

type Kind string

const (
	KindDeadlocked    Kind = "deadlocked"
	KindBlocker       Kind = "blocker"
	KindWaitingOnLock Kind = "waiting_on_lock"
	KindTask          Kind = "task"
	KindCompleted     Kind = "completed"
)

// Now is a closed sum over the five outcomes. Only the fields belonging to
// Kind are populated.
type Now struct {
	Kind Kind `yaml:"kind" json:"kind"`

	// blocker / deadlocked
	SignalID   string           `yaml:"signal_id,omitempty" json:"signal_id,omitempty"`
	SignalType model.SignalType `yaml:"signal_type,omitempty" json:"signal_type,omitempty"`

	// waiting_on_lock
	Position int `yaml:"position,omitempty" json:"position,omitempty"`

	// task
	TaskID int `yaml:"task_id,omitempty" json:"task_id,omitempty"`
}

// Reason renders the outcome the way operators read it, e.g. "ci_blocker"
// or "task(3)".
func (n Now) Reason() string {
	switch n.Kind {
	case KindBlocker:
		return fmt.Sprintf("%s_blocker", n.SignalType)
	case KindTask:
		return fmt.Sprintf("task(%d)", n.TaskID)
	case KindWaitingOnLock:
		return fmt.Sprintf("waiting_on_lock(position %d)", n.Position)
	default:
		return string(n.Kind)
	}
}

// Inputs gathers everything Compute may consider. Signals must already
// include any synthetic deadlock signal the tracker raised; Entry and
// Position describe the calling requester's own queue standing (nil / 0
// when it has none).
type Inputs struct {
	Tasks    []model.Task
	Signals  []model.Signal
	Stall    *model.DeadlockRecord
	Entry    *model.QueueEntry
	Position int
}

// Compute evaluates the strict priority chain; first match wins.
func Compute(in Inputs) Now {
	// 1. The caller's own entry is the stalled queue head.
	if in.Stall != nil && in.Stall.SignalID != "" && in.Entry != nil && in.Stall.HeadEntryID == in.Entry.ID {
		return Now{
			Kind:       KindDeadlocked,
			SignalID:   in.Stall.SignalID,
			SignalType: model.SignalTypeSystem,
		}
	}

	// 2. Oldest open blocking signal suppresses all task work.
	if blockers := signal.ActiveBlocking(in.Signals); len(blockers) > 0 {
		return Now{
			Kind:       KindBlocker,
			SignalID:   blockers[0].ID,
			SignalType: blockers[0].Type,
		}
	}

	// 3. The caller is queued behind someone else.
	if in.Entry != nil && in.Position > 1 {
		return Now{Kind: KindWaitingOnLock, Position: in.Position}
	}

	// 4. First eligible task in declared order.
	if task := firstEligible(in.Tasks); task != nil {
		return Now{Kind: KindTask, TaskID: task.ID}
	}

	// 5. Eligible to acquire but nothing recommended yet: still waiting,
	// not completed.
	if in.Entry != nil {
		return Now{Kind: KindWaitingOnLock, Position: in.Position}
	}

	return Now{Kind: KindCompleted}
}

// firstEligible returns the first task in declared order whose status is
// todo or in_progress and whose dependencies are all done.
func firstEligible(tasks []model.Task) *model.Task {
	done := make(map[int]bool, len(tasks))
	for _, t := range tasks {
		if t.Status == model.StatusDone {
			done[t.ID] = true
		}
	}

	for i := range tasks {
		t := &tasks[i]
		if t.Status != model.StatusTodo && t.Status != model.StatusInProgress {
			continue
		}
		eligible := true
		for _, dep := range t.DependsOn {
			if !done[dep] {
				eligible = false
				break
			}
		}
		if eligible {
			return t
		}
	}
	return nil
}
