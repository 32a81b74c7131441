// Package model defines the data structures for plansync's plan state,
// queue entries, lock metadata, and configuration.
package model

// SessionState is the canonical plan for one session. It is owned by the
// store and mutated only while the session lock is held.
type SessionState struct {
	SchemaVersion int      `yaml:"schema_version"`
	FileType      string   `yaml:"file_type"`
	Version       int      `yaml:"version"`
	NextTaskID    int      `yaml:"next_task_id"`
	Tasks         []Task   `yaml:"tasks"`
	Signals       []Signal `yaml:"signals"`
	CreatedAt     string   `yaml:"created_at"`
	UpdatedAt     string   `yaml:"updated_at"`
}

const SessionStateFileType = "session_plan"

// NewSessionState returns an empty plan at version 0 with task id
// assignment starting at 1.
func NewSessionState(now string) *SessionState {
	return &SessionState{
		SchemaVersion: 1,
		FileType:      SessionStateFileType,
		Version:       0,
		NextTaskID:    1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// TaskByID returns a pointer into Tasks, or nil if the id is unknown.
func (s *SessionState) TaskByID(id int) *Task {
	for i := range s.Tasks {
		if s.Tasks[i].ID == id {
			return &s.Tasks[i]
		}
	}
	return nil
}

// SignalByID returns a pointer into Signals, or nil if the id is unknown.
func (s *SessionState) SignalByID(id string) *Signal {
	for i := range s.Signals {
		if s.Signals[i].ID == id {
			return &s.Signals[i]
		}
	}
	return nil
}

// Task is one unit of plan work. Tasks are never physically deleted;
// abandoned work is represented by a terminal status so audit history
// survives.
type Task struct {
	ID        int        `yaml:"id"`
	Title     string     `yaml:"title"`
	Type      string     `yaml:"type,omitempty"`
	Status    TaskStatus `yaml:"status"`
	DependsOn []int      `yaml:"depends_on,omitempty"`
	Commit    *string    `yaml:"commit,omitempty"`
	CreatedAt string     `yaml:"created_at"`
	UpdatedAt string     `yaml:"updated_at"`
}

// Signal is a named condition that can block task work.
type Signal struct {
	ID       string       `yaml:"id"`
	Type     SignalType   `yaml:"type"`
	Blocking bool         `yaml:"blocking"`
	Status   SignalStatus `yaml:"status"`
	Message  string       `yaml:"message,omitempty"`
	OpenedAt string       `yaml:"opened_at"`
	ClosedAt *string      `yaml:"closed_at"`
}

// QueueEntry is one pending lock request. One file per live entry lives in
// the session's queue directory; the entry is removed on release, withdrawal,
// or TTL expiry.
type QueueEntry struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
	ID            string `yaml:"id"`
	Requester     string `yaml:"requester"`
	Operation     string `yaml:"operation"`
	RequestedAt   string `yaml:"requested_at"`
	TimeoutMs     int64  `yaml:"timeout_ms"`
}

const QueueEntryFileType = "queue_entry"

// LockInfo describes the current lock holder. It exists only while the lock
// is held. EntryID correlates the holder with its queue entry so observers
// can tell a stalled head from one that acquired.
type LockInfo struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
	Holder        string `yaml:"holder"`
	Operation     string `yaml:"operation"`
	EntryID       string `yaml:"entry_id"`
	AcquiredAt    string `yaml:"acquired_at"`
	PID           int    `yaml:"pid"`
}

const LockInfoFileType = "lock_info"

// DeadlockRecord tracks queue-head progress across status polls. It is
// derived state: removing the file only resets stall accounting.
type DeadlockRecord struct {
	SchemaVersion  int    `yaml:"schema_version"`
	FileType       string `yaml:"file_type"`
	HeadEntryID    string `yaml:"head_entry_id"`
	StallCount     int    `yaml:"stall_count"`
	SignalID       string `yaml:"signal_id,omitempty"`
	SignalRaisedAt string `yaml:"signal_raised_at,omitempty"`
	UpdatedAt      string `yaml:"updated_at"`
}

const DeadlockRecordFileType = "deadlock_record"
