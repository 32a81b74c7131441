package store

import (
	"fmt"

	"github.com/msageha/plansync/internal/model"
)

// ValidateState checks every plan invariant and returns all violations
// found. A nil return means the state is well-formed.
func ValidateState(state *model.SessionState) *ValidationErrors {
	errs := &ValidationErrors{}

	if state.SchemaVersion != 1 {
		errs.Add("schema_version", fmt.Sprintf("unsupported schema_version %d (expected 1)", state.SchemaVersion))
	}
	if state.FileType != model.SessionStateFileType {
		errs.Add("file_type", fmt.Sprintf("unexpected file_type %q (expected %s)", state.FileType, model.SessionStateFileType))
	}
	if state.Version < 0 {
		errs.Add("version", fmt.Sprintf("must be >= 0, got %d", state.Version))
	}

	validateTasks(state, errs)
	validateSignals(state, errs)

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateTasks(state *model.SessionState, errs *ValidationErrors) {
	taskIDs := make([]int, 0, len(state.Tasks))
	seen := make(map[int]bool, len(state.Tasks))
	dependsOn := make(map[int][]int)
	maxID := 0

	for i, task := range state.Tasks {
		prefix := fmt.Sprintf("tasks[%d]", i)

		if task.ID <= 0 {
			errs.Add(prefix+".id", fmt.Sprintf("must be a positive integer, got %d", task.ID))
		} else {
			if seen[task.ID] {
				errs.Add(prefix+".id", fmt.Sprintf("duplicate task id %d", task.ID))
			}
			seen[task.ID] = true
			taskIDs = append(taskIDs, task.ID)
			if task.ID > maxID {
				maxID = task.ID
			}
		}

		if task.Title == "" {
			errs.Add(prefix+".title", "required field is missing")
		}
		if !model.IsValidTaskStatus(task.Status) {
			errs.Add(prefix+".status", fmt.Sprintf("invalid status %q", task.Status))
		}

		for j, dep := range task.DependsOn {
			if dep == task.ID {
				errs.Add(fmt.Sprintf("%s.depends_on[%d]", prefix, j), "self-reference is not allowed")
			}
		}
		if len(task.DependsOn) > 0 && task.ID > 0 {
			dependsOn[task.ID] = task.DependsOn
		}
	}

	// Dangling references
	for i, task := range state.Tasks {
		for j, dep := range task.DependsOn {
			if dep != task.ID && !seen[dep] {
				errs.Add(fmt.Sprintf("tasks[%d].depends_on[%d]", i, j),
					fmt.Sprintf("references unknown task id %d", dep))
			}
		}
	}

	if state.NextTaskID <= maxID {
		errs.Add("next_task_id", fmt.Sprintf("must exceed highest assigned task id %d, got %d", maxID, state.NextTaskID))
	}

	// DAG validation only once the id space itself is sound
	if !errs.HasErrors() && len(dependsOn) > 0 {
		if _, err := ValidateTaskDAG(taskIDs, dependsOn); err != nil {
			errs.Add("tasks", err.Error())
		}
	}
}

func validateSignals(state *model.SessionState, errs *ValidationErrors) {
	seen := make(map[string]bool, len(state.Signals))
	for i, sig := range state.Signals {
		prefix := fmt.Sprintf("signals[%d]", i)

		if sig.ID == "" {
			errs.Add(prefix+".id", "required field is missing")
		} else if seen[sig.ID] {
			errs.Add(prefix+".id", fmt.Sprintf("duplicate signal id %q", sig.ID))
		}
		seen[sig.ID] = true

		if !model.IsValidSignalType(sig.Type) {
			errs.Add(prefix+".type", fmt.Sprintf("invalid type %q", sig.Type))
		}
		if !model.IsValidSignalStatus(sig.Status) {
			errs.Add(prefix+".status", fmt.Sprintf("invalid status %q", sig.Status))
		}
		if sig.Status == model.SignalClosed && sig.ClosedAt == nil {
			errs.Add(prefix+".closed_at", "closed signal must carry closed_at")
		}
	}
}
