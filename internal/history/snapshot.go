// Package history is the optional snapshot/restore collaborator for saved
// plan versions. Snapshots are best-effort: a failure here never rolls back
// a committed save.
package history

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/msageha/plansync/internal/model"
	"github.com/msageha/plansync/internal/session"
	yamlutil "github.com/msageha/plansync/internal/yaml"
)

// DirSnapshotter keeps one versioned plan file per save under the session's
// history directory, pruning the oldest beyond Keep.
type DirSnapshotter struct {
	Keep int
}

func NewDirSnapshotter(keep int) *DirSnapshotter {
	if keep <= 0 {
		keep = 50
	}
	return &DirSnapshotter{Keep: keep}
}

// Snapshot writes state as a versioned history file and returns its handle.
func (d *DirSnapshotter) Snapshot(sess session.Session, state *model.SessionState) (string, error) {
	if err := os.MkdirAll(sess.HistoryDir(), 0755); err != nil {
		return "", fmt.Errorf("create history dir: %w", err)
	}

	handle := fmt.Sprintf("v%06d", state.Version)
	path := filepath.Join(sess.HistoryDir(), handle+".yaml")
	if err := yamlutil.AtomicWrite(path, state); err != nil {
		return "", fmt.Errorf("write snapshot %s: %w", handle, err)
	}

	if err := d.prune(sess); err != nil {
		return handle, fmt.Errorf("prune history: %w", err)
	}
	return handle, nil
}

// Restore loads the snapshot named by handle.
func (d *DirSnapshotter) Restore(sess session.Session, handle string) (*model.SessionState, error) {
	path := filepath.Join(sess.HistoryDir(), handle+".yaml")
	var state model.SessionState
	if err := yamlutil.ReadInto(path, &state); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("snapshot %s not found", handle)
		}
		return nil, fmt.Errorf("read snapshot %s: %w", handle, err)
	}
	return &state, nil
}

// Handles lists available snapshot handles, oldest first.
func (d *DirSnapshotter) Handles(sess session.Session) ([]string, error) {
	dirEntries, err := os.ReadDir(sess.HistoryDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read history dir: %w", err)
	}

	var handles []string
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasPrefix(name, "v") || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		handles = append(handles, strings.TrimSuffix(name, ".yaml"))
	}
	sort.Strings(handles)
	return handles, nil
}

func (d *DirSnapshotter) prune(sess session.Session) error {
	handles, err := d.Handles(sess)
	if err != nil {
		return err
	}
	for len(handles) > d.Keep {
		oldest := handles[0]
		handles = handles[1:]
		path := filepath.Join(sess.HistoryDir(), oldest+".yaml")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
