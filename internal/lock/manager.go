package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/msageha/plansync/internal/model"
	"github.com/msageha/plansync/internal/queue"
	"github.com/msageha/plansync/internal/session"
)

// Handle proves a successful acquisition and carries what Release needs.
type Handle struct {
	Sess       session.Session
	Holder     string
	Operation  string
	EntryID    string
	AcquiredAt time.Time

	backend Backend
}

// Manager acquires and releases the exclusive mutation right, built on top
// of the queue coordinator. Acquire is the only blocking operation in the
// system and it blocks via bounded sleep-and-recheck, never indefinitely.
type Manager struct {
	q          *queue.Coordinator
	cfg        model.LockConfig
	nowFn      func() time.Time
	newBackend func(session.Session) Backend
}

func NewManager(q *queue.Coordinator, cfg model.LockConfig) *Manager {
	return &Manager{
		q:          q,
		cfg:        cfg,
		nowFn:      time.Now,
		newBackend: NewFSBackend,
	}
}

// Acquire registers a queue entry and polls until the entry is at position 1
// and the lock is free, then claims both atomically. If the wait exceeds
// timeoutMs (or ctx is cancelled) the entry is withdrawn and ErrLockTimeout
// (or the ctx error) is returned.
func (m *Manager) Acquire(ctx context.Context, sess session.Session, requester, operation string, timeoutMs int64) (*Handle, error) {
	if timeoutMs <= 0 {
		timeoutMs = m.cfg.DefaultTimeoutMs
	}

	entry, err := m.q.Register(sess, requester, operation, timeoutMs)
	if err != nil {
		return nil, fmt.Errorf("register queue entry: %w", err)
	}

	backend := m.newBackend(sess)
	deadline := m.nowFn().Add(time.Duration(timeoutMs) * time.Millisecond)
	pollInterval := time.Duration(m.cfg.PollIntervalMs) * time.Millisecond
	if pollInterval <= 0 {
		pollInterval = 50 * time.Millisecond
	}

	for {
		if err := ctx.Err(); err != nil {
			_ = m.q.Withdraw(sess, entry.ID)
			return nil, err
		}
		if !m.nowFn().Before(deadline) {
			_ = m.q.Withdraw(sess, entry.ID)
			return nil, fmt.Errorf("%w: requester %s waited %dms", ErrLockTimeout, requester, timeoutMs)
		}

		if _, err := m.q.PruneStale(sess); err != nil {
			_ = m.q.Withdraw(sess, entry.ID)
			return nil, fmt.Errorf("prune queue: %w", err)
		}

		pos, err := m.q.Position(sess, entry.ID)
		if err != nil {
			_ = m.q.Withdraw(sess, entry.ID)
			return nil, fmt.Errorf("queue position: %w", err)
		}
		if pos == 0 {
			// Own entry expired or was removed: it must never be granted.
			return nil, fmt.Errorf("%w: queue entry %s expired", ErrLockTimeout, entry.ID)
		}

		if pos == 1 {
			acquiredAt := m.nowFn().UTC()
			info := model.LockInfo{
				SchemaVersion: 1,
				FileType:      model.LockInfoFileType,
				Holder:        requester,
				Operation:     operation,
				EntryID:       entry.ID,
				AcquiredAt:    acquiredAt.Format(time.RFC3339),
				PID:           os.Getpid(),
			}
			err := backend.TryAcquire(info)
			if err == nil {
				return &Handle{
					Sess:       sess,
					Holder:     requester,
					Operation:  operation,
					EntryID:    entry.ID,
					AcquiredAt: acquiredAt,
					backend:    backend,
				}, nil
			}
			if !errors.Is(err, ErrLockHeld) {
				_ = m.q.Withdraw(sess, entry.ID)
				return nil, fmt.Errorf("acquire lock: %w", err)
			}
			if m.cfg.AutoClearStale {
				if cleared, clearErr := m.clearIfStale(backend); clearErr == nil && cleared {
					continue // retry immediately against the freed lock
				}
			}
		}

		if err := sleepCtx(ctx, pollInterval); err != nil {
			_ = m.q.Withdraw(sess, entry.ID)
			return nil, err
		}
	}
}

// Release removes the lock, its info, and the holder's queue entry together,
// as close to atomically as the filesystem allows. This is the only path
// that removes a held lock under normal operation.
func (m *Manager) Release(handle *Handle) error {
	if handle == nil {
		return nil
	}
	if err := handle.backend.Release(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if err := m.q.Withdraw(handle.Sess, handle.EntryID); err != nil {
		return fmt.Errorf("remove holder entry: %w", err)
	}
	return nil
}

// Info returns the current holder's LockInfo, or nil when unheld. Read-only
// and safe for any process.
func (m *Manager) Info(sess session.Session) (*model.LockInfo, error) {
	return m.newBackend(sess).Read()
}

// IsStale reports whether the holder recorded in info has exceeded the
// configured hard ceiling and is presumed crashed.
func (m *Manager) IsStale(info *model.LockInfo) bool {
	if info == nil {
		return false
	}
	acquired, err := time.Parse(time.RFC3339, info.AcquiredAt)
	if err != nil {
		// Unreadable metadata counts as stale: there is no way to prove
		// the holder is alive.
		return true
	}
	ceiling := time.Duration(m.cfg.StaleCeilingMin) * time.Minute
	return m.nowFn().UTC().Sub(acquired) > ceiling
}

// ForceClear removes a presumed-dead holder's lock. It is a recoverable
// operator action, never automatic unless lock.auto_clear_stale is set:
// confirm must be true, and the holder must actually be past the stale
// ceiling.
func (m *Manager) ForceClear(sess session.Session, confirm bool) error {
	if !confirm {
		return ErrConfirmRequired
	}
	backend := m.newBackend(sess)
	info, err := backend.Read()
	if err != nil {
		return err
	}
	if info == nil {
		return nil // already free
	}
	if !m.IsStale(info) {
		return fmt.Errorf("%w: held by %s since %s", ErrNotStale, info.Holder, info.AcquiredAt)
	}
	if err := backend.Release(); err != nil {
		return err
	}
	if info.EntryID != "" {
		return m.q.Withdraw(sess, info.EntryID)
	}
	return nil
}

func (m *Manager) clearIfStale(backend Backend) (bool, error) {
	info, err := backend.Read()
	if err != nil {
		return false, err
	}
	if info == nil || !m.IsStale(info) {
		return false, nil
	}
	if err := backend.Release(); err != nil {
		return false, err
	}
	return true, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
