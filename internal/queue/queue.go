// Package queue maintains the ordered set of pending lock requests for a
// session.
//
// Each live request is one YAML file in the session's queue directory.
// Fairness is the ordering contract: entries sort by (requested_at, id)
// ascending, so the earliest requester is always first and a later entry can
// never overtake an earlier live one. Stale entries are pruned by TTL so a
// crashed requester cannot occupy a queue slot forever.
package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/msageha/plansync/internal/model"
	"github.com/msageha/plansync/internal/session"
	yamlutil "github.com/msageha/plansync/internal/yaml"
)

type Coordinator struct {
	nowFn func() time.Time
}

func NewCoordinator() *Coordinator {
	return &Coordinator{nowFn: time.Now}
}

// newCoordinatorAt pins the clock for tests.
func newCoordinatorAt(now func() time.Time) *Coordinator {
	return &Coordinator{nowFn: now}
}

// Register writes a new queue entry with requested_at = now. Timestamps are
// recorded at nanosecond precision; the unique entry id breaks exact ties
// deterministically.
func (c *Coordinator) Register(sess session.Session, requester, operation string, timeoutMs int64) (*model.QueueEntry, error) {
	if requester == "" {
		return nil, fmt.Errorf("requester must not be empty")
	}
	if timeoutMs <= 0 {
		return nil, fmt.Errorf("timeout_ms must be positive, got %d", timeoutMs)
	}
	if err := os.MkdirAll(sess.QueueDir(), 0755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}

	entry := &model.QueueEntry{
		SchemaVersion: 1,
		FileType:      model.QueueEntryFileType,
		ID:            model.NewEntryID(),
		Requester:     requester,
		Operation:     operation,
		RequestedAt:   c.nowFn().UTC().Format(time.RFC3339Nano),
		TimeoutMs:     timeoutMs,
	}
	if err := yamlutil.AtomicWrite(sess.EntryPath(entry.ID), entry); err != nil {
		return nil, fmt.Errorf("write queue entry: %w", err)
	}
	return entry, nil
}

// Order returns all live entries sorted by (requested_at, id) ascending.
// Entries whose TTL has elapsed are not live and never appear, even if
// PruneStale has not removed their files yet. Unreadable entry files are
// quarantined and skipped.
func (c *Coordinator) Order(sess session.Session) ([]model.QueueEntry, error) {
	entries, err := c.readAll(sess)
	if err != nil {
		return nil, err
	}

	now := c.nowFn().UTC()
	live := entries[:0]
	for _, e := range entries {
		if !expired(e, now) {
			live = append(live, e)
		}
	}

	sort.Slice(live, func(i, j int) bool {
		ti, ei := parseRequestedAt(live[i])
		tj, ej := parseRequestedAt(live[j])
		if ei == nil && ej == nil && !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return live[i].ID < live[j].ID
	})
	return live, nil
}

// PruneStale removes every entry whose requested_at + timeout_ms is in the
// past. Callers must prune before trusting Order for acquisition decisions.
func (c *Coordinator) PruneStale(sess session.Session) (int, error) {
	entries, err := c.readAll(sess)
	if err != nil {
		return 0, err
	}

	now := c.nowFn().UTC()
	removed := 0
	for _, e := range entries {
		if expired(e, now) {
			if err := c.Withdraw(sess, e.ID); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// Position returns the 1-based index of entryID within Order, or 0 if the
// entry is not live. Position 1 means eligible to acquire now.
func (c *Coordinator) Position(sess session.Session, entryID string) (int, error) {
	order, err := c.Order(sess)
	if err != nil {
		return 0, err
	}
	for i, e := range order {
		if e.ID == entryID {
			return i + 1, nil
		}
	}
	return 0, nil
}

// Withdraw removes an entry before acquisition. Removing an entry that is
// already gone is a no-op, not an error.
func (c *Coordinator) Withdraw(sess session.Session, entryID string) error {
	if err := os.Remove(sess.EntryPath(entryID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("withdraw entry %s: %w", entryID, err)
	}
	return nil
}

// Head returns the first live entry, or nil when the queue is empty.
func (c *Coordinator) Head(sess session.Session) (*model.QueueEntry, error) {
	order, err := c.Order(sess)
	if err != nil {
		return nil, err
	}
	if len(order) == 0 {
		return nil, nil
	}
	head := order[0]
	return &head, nil
}

func (c *Coordinator) readAll(sess session.Session) ([]model.QueueEntry, error) {
	dirEntries, err := os.ReadDir(sess.QueueDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read queue dir: %w", err)
	}

	var entries []model.QueueEntry
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".yaml") || strings.HasPrefix(name, ".") {
			continue
		}
		path := filepath.Join(sess.QueueDir(), name)

		var entry model.QueueEntry
		if err := yamlutil.ReadInto(path, &entry); err != nil {
			if os.IsNotExist(err) {
				continue // raced with a concurrent withdraw
			}
			_ = yamlutil.Quarantine(sess.Dir, path)
			continue
		}
		if entry.FileType != model.QueueEntryFileType || entry.ID == "" {
			_ = yamlutil.Quarantine(sess.Dir, path)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func expired(e model.QueueEntry, now time.Time) bool {
	requested, err := parseRequestedAt(e)
	if err != nil {
		return true
	}
	return requested.Add(time.Duration(e.TimeoutMs) * time.Millisecond).Before(now)
}

func parseRequestedAt(e model.QueueEntry) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, e.RequestedAt)
}
