// Package deadlock watches the lock queue head across status polls and
// raises a synthetic blocking signal when it stops making progress.
//
// The stall record lives in its own atomically written file rather than in
// the plan: writing the plan requires the very lock whose queue is wedged.
package deadlock

import (
	"fmt"
	"os"
	"time"

	"github.com/msageha/plansync/internal/model"
	"github.com/msageha/plansync/internal/queue"
	"github.com/msageha/plansync/internal/session"
	yamlutil "github.com/msageha/plansync/internal/yaml"
)

// LockReader reports the current lock holder. Satisfied by *lock.Manager.
type LockReader interface {
	Info(sess session.Session) (*model.LockInfo, error)
}

type Tracker struct {
	q         *queue.Coordinator
	locks     LockReader
	threshold int
	nowFn     func() time.Time
}

func NewTracker(q *queue.Coordinator, locks LockReader, threshold int) *Tracker {
	if threshold <= 0 {
		threshold = 10
	}
	return &Tracker{
		q:         q,
		locks:     locks,
		threshold: threshold,
		nowFn:     time.Now,
	}
}

// Observe is called on every status poll. It is read-only with respect to
// the plan; the only side effect is the stall record file. Returns the
// record after this observation, nil when there is no stall to track.
func (t *Tracker) Observe(sess session.Session) (*model.DeadlockRecord, error) {
	if _, err := t.q.PruneStale(sess); err != nil {
		return nil, fmt.Errorf("prune queue: %w", err)
	}
	head, err := t.q.Head(sess)
	if err != nil {
		return nil, fmt.Errorf("queue head: %w", err)
	}

	// No head: nothing can stall. Pruning or withdrawal cleared it.
	if head == nil {
		return nil, t.clear(sess)
	}

	info, err := t.locks.Info(sess)
	if err != nil {
		return nil, err
	}
	// The head acquired the lock: progress. Reset stall accounting.
	if info != nil && info.EntryID == head.ID {
		return nil, t.clear(sess)
	}

	record, err := t.Record(sess)
	if err != nil {
		return nil, err
	}

	now := t.nowFn().UTC().Format(time.RFC3339)
	if record == nil || record.HeadEntryID != head.ID {
		record = &model.DeadlockRecord{
			SchemaVersion: 1,
			FileType:      model.DeadlockRecordFileType,
			HeadEntryID:   head.ID,
			StallCount:    1,
			UpdatedAt:     now,
		}
	} else {
		record.StallCount++
		record.UpdatedAt = now
		// The signal fires exactly once per stall episode; later
		// observations while still stalled keep the same signal id.
		if record.StallCount >= t.threshold && record.SignalID == "" {
			record.SignalID = syntheticSignalID(head.ID)
			record.SignalRaisedAt = now
		}
	}

	if err := yamlutil.AtomicWrite(sess.DeadlockPath(), record); err != nil {
		return nil, fmt.Errorf("write deadlock record: %w", err)
	}
	return record, nil
}

// Record reads the current stall record, nil when absent.
func (t *Tracker) Record(sess session.Session) (*model.DeadlockRecord, error) {
	var record model.DeadlockRecord
	if err := yamlutil.ReadInto(sess.DeadlockPath(), &record); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read deadlock record: %w", err)
	}
	return &record, nil
}

// ActiveSignal materializes the synthetic blocking signal once the stall
// threshold has been crossed, nil otherwise. It is derived from the record,
// never persisted into the plan.
func (t *Tracker) ActiveSignal(sess session.Session) (*model.Signal, error) {
	record, err := t.Record(sess)
	if err != nil {
		return nil, err
	}
	if record == nil || record.SignalID == "" {
		return nil, nil
	}
	return &model.Signal{
		ID:       record.SignalID,
		Type:     model.SignalTypeSystem,
		Blocking: true,
		Status:   model.SignalOpen,
		Message: fmt.Sprintf("queue head %s stalled for %d consecutive observations",
			record.HeadEntryID, record.StallCount),
		OpenedAt: record.SignalRaisedAt,
	}, nil
}

func (t *Tracker) clear(sess session.Session) error {
	if err := os.Remove(sess.DeadlockPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear deadlock record: %w", err)
	}
	return nil
}

func syntheticSignalID(entryID string) string {
	prefix := entryID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return "queue_stall-" + prefix
}
