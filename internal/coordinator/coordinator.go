// Package coordinator exposes the operations agents call: status, mutate,
// and alert open/close. It composes the store, queue, lock manager, and
// deadlock tracker into the transaction boundary
// acquire → load → validate+apply → save → release.
package coordinator

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/msageha/plansync/internal/deadlock"
	"github.com/msageha/plansync/internal/events"
	"github.com/msageha/plansync/internal/history"
	"github.com/msageha/plansync/internal/lock"
	"github.com/msageha/plansync/internal/model"
	"github.com/msageha/plansync/internal/now"
	"github.com/msageha/plansync/internal/queue"
	"github.com/msageha/plansync/internal/session"
	"github.com/msageha/plansync/internal/store"
)

type Coordinator struct {
	cfg     model.Config
	store   *store.Store
	q       *queue.Coordinator
	locks   *lock.Manager
	tracker *deadlock.Tracker

	audit *events.AuditLogger
	bus   *events.Bus

	group singleflight.Group
	nowFn func() time.Time
}

type Option func(*Coordinator)

// WithAuditLogger records every coordination action to the audit log.
func WithAuditLogger(a *events.AuditLogger) Option {
	return func(c *Coordinator) { c.audit = a }
}

// WithBus publishes coordination events to in-process subscribers.
func WithBus(b *events.Bus) Option {
	return func(c *Coordinator) { c.bus = b }
}

func New(cfg model.Config, opts ...Option) *Coordinator {
	q := queue.NewCoordinator()
	locks := lock.NewManager(q, cfg.Lock)

	var storeOpts []store.Option
	if cfg.History.Enabled {
		storeOpts = append(storeOpts, store.WithSnapshotter(history.NewDirSnapshotter(cfg.History.Keep)))
	}

	c := &Coordinator{
		cfg:     cfg,
		store:   store.New(storeOpts...),
		q:       q,
		locks:   locks,
		tracker: deadlock.NewTracker(q, locks, cfg.Deadlock.StallThreshold),
		nowFn:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// QueuePosition is one requester's standing in the lock queue.
type QueuePosition struct {
	Requester string `yaml:"requester" json:"requester"`
	EntryID   string `yaml:"entry_id" json:"entry_id"`
	Position  int    `yaml:"position" json:"position"`
}

// Status is the full read-only view of a session for one requester.
type Status struct {
	Now       now.Now         `yaml:"now" json:"now"`
	Version   int             `yaml:"version" json:"version"`
	Tasks     []model.Task    `yaml:"tasks" json:"tasks"`
	Signals   []model.Signal  `yaml:"signals" json:"signals"`
	LockQueue []QueuePosition `yaml:"lock_queue" json:"lock_queue"`
	Lock      *model.LockInfo `yaml:"lock,omitempty" json:"lock,omitempty"`
	StaleLock bool            `yaml:"stale_lock,omitempty" json:"stale_lock,omitempty"`
}

// Status computes the session view without acquiring anything: it loads the
// plan, runs a deadlock observation, and derives "now" for the requester.
// Concurrent in-process calls for the same requester are deduplicated.
func (c *Coordinator) Status(sess session.Session, requester string) (*Status, error) {
	key := sess.Dir + "\x00" + requester
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		return c.statusUncached(sess, requester)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Status), nil
}

func (c *Coordinator) statusUncached(sess session.Session, requester string) (*Status, error) {
	state, err := c.store.Load(sess)
	if err != nil {
		return nil, err
	}

	prev, err := c.tracker.Record(sess)
	if err != nil {
		return nil, err
	}
	record, err := c.tracker.Observe(sess)
	if err != nil {
		return nil, err
	}

	order, err := c.q.Order(sess)
	if err != nil {
		return nil, err
	}

	lockInfo, err := c.locks.Info(sess)
	if err != nil {
		return nil, err
	}

	var entry *model.QueueEntry
	position := 0
	lockQueue := make([]QueuePosition, 0, len(order))
	for i := range order {
		e := order[i]
		lockQueue = append(lockQueue, QueuePosition{
			Requester: e.Requester,
			EntryID:   e.ID,
			Position:  i + 1,
		})
		if e.Requester == requester && entry == nil {
			entry = &order[i]
			position = i + 1
		}
	}

	// Merge the synthetic stall signal into the view; it is derived state
	// and never persisted into the plan.
	signals := state.Signals
	if synthetic, err := c.tracker.ActiveSignal(sess); err != nil {
		return nil, err
	} else if synthetic != nil {
		signals = append(append([]model.Signal{}, signals...), *synthetic)
		// The bus event fires once per stall episode, on the observation
		// that crossed the threshold; the signal itself stays in every
		// view while the stall lasts.
		if prev == nil || prev.SignalID == "" {
			c.publish(events.EventQueueStall, map[string]interface{}{
				"signal_id": synthetic.ID,
			})
		}
	}

	return &Status{
		Now: now.Compute(now.Inputs{
			Tasks:    state.Tasks,
			Signals:  signals,
			Stall:    record,
			Entry:    entry,
			Position: position,
		}),
		Version:   state.Version,
		Tasks:     state.Tasks,
		Signals:   signals,
		LockQueue: lockQueue,
		Lock:      lockInfo,
		StaleLock: c.locks.IsStale(lockInfo),
	}, nil
}

// SnapshotHandles lists the versioned plan snapshots kept for the session,
// oldest first.
func (c *Coordinator) SnapshotHandles(sess session.Session) ([]string, error) {
	return history.NewDirSnapshotter(c.cfg.History.Keep).Handles(sess)
}

// RestoreSnapshot replaces the plan contents with the snapshot named by
// handle. The restore commits as a regular versioned save, so the rolled-back
// state itself becomes a new version and a new snapshot.
func (c *Coordinator) RestoreSnapshot(ctx context.Context, sess session.Session, requester, handle string) (*model.SessionState, error) {
	restored, err := history.NewDirSnapshotter(c.cfg.History.Keep).Restore(sess, handle)
	if err != nil {
		return nil, err
	}
	return c.withLock(ctx, sess, requester, "restore_snapshot", func(state *model.SessionState, _ time.Time) error {
		version := state.Version
		*state = *restored
		state.Version = version
		c.logAudit("snapshot_restored", map[string]interface{}{
			"requester": requester,
			"handle":    handle,
		})
		return nil
	})
}

// ForceClearLock removes a presumed-dead holder's lock. Requires explicit
// confirmation unless auto-clear is configured; see lock.Manager.ForceClear.
func (c *Coordinator) ForceClearLock(sess session.Session, confirm bool) error {
	if err := c.locks.ForceClear(sess, confirm); err != nil {
		return err
	}
	c.logAudit("lock_force_cleared", map[string]interface{}{})
	return nil
}

func (c *Coordinator) logAudit(eventType string, details map[string]interface{}) {
	if c.audit == nil {
		return
	}
	if err := c.audit.Log(eventType, details); err != nil {
		// The audit trail is best-effort; a full disk must not block
		// coordination.
		_ = err
	}
}

func (c *Coordinator) publish(eventType events.EventType, data map[string]interface{}) {
	if c.bus != nil {
		c.bus.Publish(eventType, data)
	}
}

// Queue returns the queue coordinator for callers that manage entries
// directly (withdraw on operator abort).
func (c *Coordinator) Queue() *queue.Coordinator { return c.q }

// Locks returns the lock manager.
func (c *Coordinator) Locks() *lock.Manager { return c.locks }

// Store returns the state store for read-only loads.
func (c *Coordinator) Store() *store.Store { return c.store }

// Tracker returns the deadlock tracker.
func (c *Coordinator) Tracker() *deadlock.Tracker { return c.tracker }
