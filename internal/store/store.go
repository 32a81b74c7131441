// Package store loads, validates, and atomically persists the canonical
// session plan.
package store

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/msageha/plansync/internal/model"
	"github.com/msageha/plansync/internal/session"
	yamlutil "github.com/msageha/plansync/internal/yaml"
)

// ErrLockNotHeld is returned by Save when the caller does not hold the
// session lock. Saving without the lock would break the single-writer
// invariant.
var ErrLockNotHeld = errors.New("session lock not held")

// Snapshotter receives a copy of each successfully saved state. Snapshot
// failures are logged and never roll back the committed save.
type Snapshotter interface {
	Snapshot(sess session.Session, state *model.SessionState) (string, error)
}

type Store struct {
	snapshotter Snapshotter
	logger      *log.Logger
	nowFn       func() time.Time
}

type Option func(*Store)

// WithSnapshotter enables the best-effort history collaborator.
func WithSnapshotter(s Snapshotter) Option {
	return func(st *Store) { st.snapshotter = s }
}

// WithLogger directs snapshot-failure warnings somewhere visible.
func WithLogger(l *log.Logger) Option {
	return func(st *Store) { st.logger = l }
}

func withClock(now func() time.Time) Option {
	return func(st *Store) { st.nowFn = now }
}

func New(opts ...Option) *Store {
	st := &Store{
		logger: log.Default(),
		nowFn:  time.Now,
	}
	for _, opt := range opts {
		opt(st)
	}
	return st
}

// Load reads and validates the plan. It never requires the lock: any number
// of processes may load concurrently, and the atomic write path guarantees
// they see a fully-old or fully-new file. On invariant violations the
// returned error is a *ValidationErrors listing every problem found.
func (st *Store) Load(sess session.Session) (*model.SessionState, error) {
	var state model.SessionState
	if err := yamlutil.ReadInto(sess.PlanPath(), &state); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session not initialized at %s", sess.Dir)
		}
		// Corrupt plan: quarantine it and try the .bak left by the last
		// atomic write. The original error wins if recovery fails too.
		if recovered, rerr := st.recoverPlan(sess); rerr == nil {
			return recovered, nil
		}
		return nil, fmt.Errorf("read plan: %w", err)
	}

	if errs := ValidateState(&state); errs != nil {
		return nil, errs
	}
	return &state, nil
}

// recoverPlan quarantines an unreadable plan file, restores the previous
// version from its backup, and re-reads it. The restored state still goes
// through full validation.
func (st *Store) recoverPlan(sess session.Session) (*model.SessionState, error) {
	planPath := sess.PlanPath()
	if err := yamlutil.Quarantine(sess.Dir, planPath); err != nil {
		return nil, err
	}
	if err := yamlutil.RestoreFromBackup(planPath); err != nil {
		return nil, err
	}
	var state model.SessionState
	if err := yamlutil.ReadInto(planPath, &state); err != nil {
		return nil, err
	}
	if errs := ValidateState(&state); errs != nil {
		return nil, errs
	}
	st.logger.Printf("WARN plan at %s was corrupt, restored version %d from backup", planPath, state.Version)
	return &state, nil
}

// Save persists state atomically. The caller must hold the session lock as
// holder; the base version carried in state must still match the on-disk
// version or the write is rejected with *VersionConflictError. On success
// the persisted version is state's base version + 1.
func (st *Store) Save(sess session.Session, state *model.SessionState, holder string) (*model.SessionState, error) {
	info, err := readLockInfo(sess)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, fmt.Errorf("%w: no lock for session %s", ErrLockNotHeld, sess.Dir)
	}
	if info.Holder != holder {
		return nil, fmt.Errorf("%w: lock held by %q, not %q", ErrLockNotHeld, info.Holder, holder)
	}

	diskVersion, err := st.diskVersion(sess)
	if err != nil {
		return nil, err
	}
	if diskVersion != state.Version {
		return nil, &VersionConflictError{Expected: state.Version, Actual: diskVersion}
	}

	if errs := ValidateState(state); errs != nil {
		return nil, errs
	}

	saved := *state
	saved.Version = state.Version + 1
	saved.UpdatedAt = st.nowFn().UTC().Format(time.RFC3339)

	if err := yamlutil.AtomicWrite(sess.PlanPath(), &saved); err != nil {
		return nil, fmt.Errorf("persist plan: %w", err)
	}

	// History is best-effort: the local write is already committed.
	if st.snapshotter != nil {
		if _, err := st.snapshotter.Snapshot(sess, &saved); err != nil {
			st.logger.Printf("WARN snapshot for version %d failed: %v", saved.Version, err)
		}
	}

	return &saved, nil
}

// diskVersion reads only the version header of the on-disk plan. A missing
// plan file reads as version 0 so the first save of a fresh session works.
func (st *Store) diskVersion(sess session.Session) (int, error) {
	var header struct {
		Version int `yaml:"version"`
	}
	if err := yamlutil.ReadInto(sess.PlanPath(), &header); err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read plan version: %w", err)
	}
	return header.Version, nil
}

func readLockInfo(sess session.Session) (*model.LockInfo, error) {
	var info model.LockInfo
	if err := yamlutil.ReadInto(sess.LockInfoPath(), &info); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read lock info: %w", err)
	}
	return &info, nil
}
