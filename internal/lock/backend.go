// Package lock provides the exclusive cross-process mutation right for a
// session.
//
// Correctness rests entirely on filesystem atomicity primitives: the lock
// itself is an O_CREATE|O_EXCL file (atomic create-if-absent), and holder
// metadata is written with the same temp-and-rename path as every other
// persisted file. No in-process synchronization is assumed, so any number
// of independent OS processes can contend safely.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/msageha/plansync/internal/model"
	"github.com/msageha/plansync/internal/session"
	yamlutil "github.com/msageha/plansync/internal/yaml"
)

// Sentinel errors returned by lock operations.
var (
	// ErrLockHeld is returned when the lock file already exists.
	ErrLockHeld = errors.New("session lock already held")

	// ErrLockTimeout is returned when acquisition exceeded the caller's
	// bound. The caller should re-check status later, not spin.
	ErrLockTimeout = errors.New("timed out waiting for session lock")

	// ErrNotStale is returned by ForceClear when the holder has not
	// exceeded the stale ceiling.
	ErrNotStale = errors.New("lock holder is not stale")

	// ErrConfirmRequired is returned by ForceClear without confirmation.
	ErrConfirmRequired = errors.New("force-clearing a held lock requires explicit confirmation")
)

// Backend isolates the locking mechanism from the fairness logic. The
// default backend is the local filesystem; a networked lock service could
// implement the same contract.
type Backend interface {
	// TryAcquire atomically claims the lock and records info. Returns
	// ErrLockHeld (possibly wrapped) if another holder exists.
	TryAcquire(info model.LockInfo) error

	// Read returns the current holder's info, or nil when unheld.
	Read() (*model.LockInfo, error)

	// Release removes the lock and its info together.
	Release() error
}

type fsBackend struct {
	sess session.Session
}

// NewFSBackend returns the filesystem-backed lock for a session.
func NewFSBackend(sess session.Session) Backend {
	return &fsBackend{sess: sess}
}

func (b *fsBackend) TryAcquire(info model.LockInfo) error {
	if err := os.MkdirAll(b.sess.Dir, 0755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(b.sess.LockPath()), 0755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}

	// O_EXCL makes creation the atomic claim: exactly one contender wins.
	f, err := os.OpenFile(b.sess.LockPath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s", ErrLockHeld, b.sess.LockPath())
		}
		return fmt.Errorf("create lock file: %w", err)
	}

	if _, err := fmt.Fprintf(f, "%d\n", info.PID); err != nil {
		f.Close()
		_ = os.Remove(b.sess.LockPath())
		return fmt.Errorf("write pid to lock file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(b.sess.LockPath())
		return fmt.Errorf("sync lock file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(b.sess.LockPath())
		return fmt.Errorf("close lock file: %w", err)
	}

	if err := yamlutil.AtomicWrite(b.sess.LockInfoPath(), &info); err != nil {
		_ = os.Remove(b.sess.LockPath())
		return fmt.Errorf("write lock info: %w", err)
	}
	return nil
}

func (b *fsBackend) Read() (*model.LockInfo, error) {
	if _, err := os.Stat(b.sess.LockPath()); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat lock file: %w", err)
	}

	var info model.LockInfo
	if err := yamlutil.ReadInto(b.sess.LockInfoPath(), &info); err != nil {
		if os.IsNotExist(err) {
			// Lock file without info: the holder crashed between the
			// claim and the metadata write. Surface it as held with
			// unknown holder so stale handling can reap it.
			return &model.LockInfo{
				SchemaVersion: 1,
				FileType:      model.LockInfoFileType,
				Holder:        "unknown",
			}, nil
		}
		return nil, fmt.Errorf("read lock info: %w", err)
	}
	return &info, nil
}

func (b *fsBackend) Release() error {
	if err := os.Remove(b.sess.LockInfoPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock info: %w", err)
	}
	if err := os.Remove(b.sess.LockPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}
