// Package watch runs a read-only observer loop over a session: filesystem
// events plus a ticker fallback drive deadlock observations and status
// recomputation. It is an in-process convenience on top of the poll-based
// coordination model, never a participant in it.
package watch

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/plansync/internal/coordinator"
	"github.com/msageha/plansync/internal/events"
	"github.com/msageha/plansync/internal/session"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

type Watcher struct {
	sess      session.Session
	coord     *coordinator.Coordinator
	requester string
	bus       *events.Bus

	logger   *log.Logger
	logLevel LogLevel

	pollInterval time.Duration
	debounce     time.Duration

	lastReason string
}

type Option func(*Watcher)

// WithBus publishes plan/queue change events to in-process subscribers.
func WithBus(b *events.Bus) Option {
	return func(w *Watcher) { w.bus = b }
}

// WithPollInterval replaces the ticker fallback interval.
func WithPollInterval(d time.Duration) Option {
	return func(w *Watcher) { w.pollInterval = d }
}

// WithDebounce replaces the event coalescing window.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

func New(sess session.Session, coord *coordinator.Coordinator, requester string, logWriter io.Writer, level LogLevel, opts ...Option) *Watcher {
	w := &Watcher{
		sess:         sess,
		coord:        coord,
		requester:    requester,
		logger:       log.New(logWriter, "", 0),
		logLevel:     level,
		pollInterval: 5 * time.Second,
		debounce:     200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run blocks until ctx is done, re-observing the session on filesystem
// changes with a ticker fallback for missed events.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.sess.Dir); err != nil {
		return fmt.Errorf("watch session dir: %w", err)
	}
	if err := fsw.Add(w.sess.QueueDir()); err != nil {
		return fmt.Errorf("watch queue dir: %w", err)
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	var pending *time.Timer
	var pendingC <-chan time.Time

	w.observe("startup")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) {
				continue
			}
			if strings.Contains(event.Name, ".plansync-tmp-") {
				continue // our own temp files
			}
			w.log(LogLevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
			w.publishChange(event.Name)
			// Coalesce bursts of events into one observation.
			if pending == nil {
				pending = time.NewTimer(w.debounce)
				pendingC = pending.C
			} else {
				if !pending.Stop() {
					select {
					case <-pending.C:
					default:
					}
				}
				pending.Reset(w.debounce)
			}

		case <-pendingC:
			pending = nil
			pendingC = nil
			w.observe("fsnotify")

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log(LogLevelWarn, "fsnotify error: %v", err)

		case <-ticker.C:
			w.observe("ticker")
		}
	}
}

func (w *Watcher) observe(trigger string) {
	status, err := w.coord.Status(w.sess, w.requester)
	if err != nil {
		w.log(LogLevelError, "status failed (trigger=%s): %v", trigger, err)
		return
	}

	reason := status.Now.Reason()
	if reason != w.lastReason {
		w.log(LogLevelInfo, "now=%s version=%d queue_len=%d trigger=%s",
			reason, status.Version, len(status.LockQueue), trigger)
		w.lastReason = reason
	} else {
		w.log(LogLevelDebug, "now=%s (unchanged) trigger=%s", reason, trigger)
	}

	if status.StaleLock && status.Lock != nil {
		w.log(LogLevelWarn, "lock holder %s presumed dead (held since %s)",
			status.Lock.Holder, status.Lock.AcquiredAt)
	}
}

func (w *Watcher) publishChange(path string) {
	if w.bus == nil {
		return
	}
	if strings.HasPrefix(path, w.sess.QueueDir()) {
		w.bus.Publish(events.EventQueueChanged, map[string]interface{}{"path": path})
		return
	}
	if path == w.sess.PlanPath() {
		w.bus.Publish(events.EventPlanChanged, map[string]interface{}{"path": path})
	}
}

func (w *Watcher) log(level LogLevel, format string, args ...any) {
	if level < w.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	w.logger.Printf("%s %s watch: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
