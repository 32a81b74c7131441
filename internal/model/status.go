package model

import "fmt"

type TaskStatus string

const (
	StatusTodo       TaskStatus = "todo"
	StatusInProgress TaskStatus = "in_progress"
	StatusDone       TaskStatus = "done"
	StatusBlocked    TaskStatus = "blocked"
	StatusCancelled  TaskStatus = "cancelled"
	StatusSkipped    TaskStatus = "skipped"
	StatusOutOfScope TaskStatus = "out_of_scope"
	StatusWaiting    TaskStatus = "waiting"
	StatusFailed     TaskStatus = "failed"
)

var validTaskStatuses = map[TaskStatus]bool{
	StatusTodo:       true,
	StatusInProgress: true,
	StatusDone:       true,
	StatusBlocked:    true,
	StatusCancelled:  true,
	StatusSkipped:    true,
	StatusOutOfScope: true,
	StatusWaiting:    true,
	StatusFailed:     true,
}

// Terminal statuses end a task's lifecycle. failed is deliberately not
// terminal: a failed task may be reset to todo and retried.
var terminalTaskStatuses = map[TaskStatus]bool{
	StatusDone:       true,
	StatusCancelled:  true,
	StatusSkipped:    true,
	StatusOutOfScope: true,
}

var validTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	StatusTodo: {
		StatusInProgress: true,
		StatusDone:       true,
		StatusBlocked:    true,
		StatusWaiting:    true,
		StatusCancelled:  true,
		StatusSkipped:    true,
		StatusOutOfScope: true,
	},
	StatusInProgress: {
		StatusTodo:       true,
		StatusDone:       true,
		StatusBlocked:    true,
		StatusWaiting:    true,
		StatusFailed:     true,
		StatusCancelled:  true,
		StatusOutOfScope: true,
	},
	StatusBlocked: {
		StatusTodo:       true,
		StatusInProgress: true,
		StatusCancelled:  true,
		StatusOutOfScope: true,
	},
	StatusWaiting: {
		StatusTodo:       true,
		StatusInProgress: true,
		StatusCancelled:  true,
	},
	StatusFailed: {
		StatusTodo:       true,
		StatusInProgress: true,
		StatusCancelled:  true,
		StatusOutOfScope: true,
	},
}

func IsValidTaskStatus(s TaskStatus) bool {
	return validTaskStatuses[s]
}

func IsTerminal(s TaskStatus) bool {
	return terminalTaskStatuses[s]
}

func ValidateTaskTransition(from, to TaskStatus) error {
	if from == to {
		return nil
	}
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}

type SignalStatus string

const (
	SignalOpen   SignalStatus = "open"
	SignalClosed SignalStatus = "closed"
)

func IsValidSignalStatus(s SignalStatus) bool {
	return s == SignalOpen || s == SignalClosed
}

type SignalType string

const (
	SignalTypeCI         SignalType = "ci"
	SignalTypeLint       SignalType = "lint"
	SignalTypeBench      SignalType = "bench"
	SignalTypeDependency SignalType = "dependency"
	SignalTypeSystem     SignalType = "system"
	SignalTypeOther      SignalType = "other"
)

var validSignalTypes = map[SignalType]bool{
	SignalTypeCI:         true,
	SignalTypeLint:       true,
	SignalTypeBench:      true,
	SignalTypeDependency: true,
	SignalTypeSystem:     true,
	SignalTypeOther:      true,
}

func IsValidSignalType(t SignalType) bool {
	return validSignalTypes[t]
}
