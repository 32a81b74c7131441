package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/msageha/plansync/internal/model"
	"github.com/msageha/plansync/internal/queue"
	"github.com/msageha/plansync/internal/session"
)

func testSession(t *testing.T) session.Session {
	t.Helper()
	sess := session.New(filepath.Join(t.TempDir(), ".plansync"))
	if err := os.MkdirAll(sess.QueueDir(), 0755); err != nil {
		t.Fatal(err)
	}
	return sess
}

func testManager() *Manager {
	return NewManager(queue.NewCoordinator(), model.LockConfig{
		PollIntervalMs:   5,
		DefaultTimeoutMs: 10000,
		StaleCeilingMin:  15,
	})
}

func TestAcquireRelease(t *testing.T) {
	sess := testSession(t)
	m := testManager()

	handle, err := m.Acquire(context.Background(), sess, "worker-a", "task_add", 5000)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if handle.Holder != "worker-a" || handle.EntryID == "" {
		t.Errorf("handle = %+v", handle)
	}

	info, err := m.Info(sess)
	if err != nil {
		t.Fatal(err)
	}
	if info == nil || info.Holder != "worker-a" || info.Operation != "task_add" {
		t.Errorf("lock info = %+v", info)
	}
	if info.EntryID != handle.EntryID {
		t.Errorf("lock info entry %s does not match handle entry %s", info.EntryID, handle.EntryID)
	}

	if err := m.Release(handle); err != nil {
		t.Fatalf("Release: %v", err)
	}
	info, err = m.Info(sess)
	if err != nil {
		t.Fatal(err)
	}
	if info != nil {
		t.Errorf("lock still held after release: %+v", info)
	}
	// Holder's queue entry goes with the lock.
	if _, err := os.Stat(sess.EntryPath(handle.EntryID)); !os.IsNotExist(err) {
		t.Error("queue entry should be removed on release")
	}
}

func TestMutualExclusion(t *testing.T) {
	sess := testSession(t)
	counterPath := filepath.Join(sess.Dir, "counter.txt")
	if err := os.WriteFile(counterPath, []byte("0"), 0644); err != nil {
		t.Fatal(err)
	}

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			m := testManager()
			handle, err := m.Acquire(context.Background(), sess, fmt.Sprintf("worker-%d", id), "increment", 30000)
			if err != nil {
				errs <- err
				return
			}
			defer func() { errs <- m.Release(handle) }()

			// Unprotected read-modify-write: only the lock keeps it safe.
			raw, err := os.ReadFile(counterPath)
			if err != nil {
				errs <- err
				return
			}
			n, err := strconv.Atoi(strings.TrimSpace(string(raw)))
			if err != nil {
				errs <- err
				return
			}
			time.Sleep(time.Millisecond)
			if err := os.WriteFile(counterPath, []byte(strconv.Itoa(n+1)), 0644); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("worker error: %v", err)
		}
	}

	raw, err := os.ReadFile(counterPath)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(string(raw)); got != strconv.Itoa(workers) {
		t.Errorf("counter = %s, want %d (lost update)", got, workers)
	}
}

func TestAcquireTimeout(t *testing.T) {
	sess := testSession(t)
	m := testManager()

	handle, err := m.Acquire(context.Background(), sess, "worker-a", "op", 5000)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Release(handle)

	start := time.Now()
	_, err = m.Acquire(context.Background(), sess, "worker-b", "op", 100)
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("timed out after %v, before the requested bound", elapsed)
	}

	// Loser's queue entry must not linger.
	order, err := queue.NewCoordinator().Order(sess)
	if err != nil {
		t.Fatal(err)
	}
	if len(order) != 1 || order[0].Requester != "worker-a" {
		t.Errorf("queue after timeout = %v, want only the holder's entry", order)
	}
}

func TestAcquireContextCancelled(t *testing.T) {
	sess := testSession(t)
	m := testManager()

	handle, err := m.Acquire(context.Background(), sess, "worker-a", "op", 5000)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Release(handle)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if _, err := m.Acquire(ctx, sess, "worker-b", "op", 30000); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestBackendExclusive(t *testing.T) {
	sess := testSession(t)
	b := NewFSBackend(sess)

	info := model.LockInfo{
		SchemaVersion: 1,
		FileType:      model.LockInfoFileType,
		Holder:        "worker-a",
		AcquiredAt:    time.Now().UTC().Format(time.RFC3339),
		PID:           os.Getpid(),
	}
	if err := b.TryAcquire(info); err != nil {
		t.Fatalf("first TryAcquire: %v", err)
	}

	second := info
	second.Holder = "worker-b"
	if err := NewFSBackend(sess).TryAcquire(second); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("second TryAcquire should fail with ErrLockHeld, got %v", err)
	}

	got, err := b.Read()
	if err != nil {
		t.Fatal(err)
	}
	if got.Holder != "worker-a" {
		t.Errorf("holder = %s, the loser must not overwrite metadata", got.Holder)
	}
}

func TestBackendReadLockWithoutInfo(t *testing.T) {
	sess := testSession(t)
	if err := os.MkdirAll(filepath.Dir(sess.LockPath()), 0755); err != nil {
		t.Fatal(err)
	}
	// Holder crashed between claiming the lock file and writing metadata.
	if err := os.WriteFile(sess.LockPath(), []byte("1234\n"), 0600); err != nil {
		t.Fatal(err)
	}

	info, err := NewFSBackend(sess).Read()
	if err != nil {
		t.Fatal(err)
	}
	if info == nil || info.Holder != "unknown" {
		t.Errorf("info = %+v, want held-by-unknown", info)
	}
}

func TestIsStale(t *testing.T) {
	m := testManager()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m.nowFn = func() time.Time { return now }

	tests := []struct {
		name string
		info *model.LockInfo
		want bool
	}{
		{"nil info", nil, false},
		{"fresh", &model.LockInfo{AcquiredAt: now.Add(-time.Minute).Format(time.RFC3339)}, false},
		{"at ceiling", &model.LockInfo{AcquiredAt: now.Add(-15 * time.Minute).Format(time.RFC3339)}, false},
		{"past ceiling", &model.LockInfo{AcquiredAt: now.Add(-16 * time.Minute).Format(time.RFC3339)}, true},
		{"unparseable acquired_at", &model.LockInfo{AcquiredAt: "yesterday"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.IsStale(tt.info); got != tt.want {
				t.Errorf("IsStale = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestForceClear(t *testing.T) {
	sess := testSession(t)
	m := testManager()

	// Unheld lock: nothing to do.
	if err := m.ForceClear(sess, true); err != nil {
		t.Fatalf("ForceClear on free lock: %v", err)
	}

	handle, err := m.Acquire(context.Background(), sess, "worker-a", "op", 5000)
	if err != nil {
		t.Fatal(err)
	}

	if err := m.ForceClear(sess, false); !errors.Is(err, ErrConfirmRequired) {
		t.Errorf("expected ErrConfirmRequired, got %v", err)
	}
	if err := m.ForceClear(sess, true); !errors.Is(err, ErrNotStale) {
		t.Errorf("expected ErrNotStale for live holder, got %v", err)
	}

	// Jump past the stale ceiling and clear for real.
	m.nowFn = func() time.Time { return time.Now().Add(16 * time.Minute) }
	if err := m.ForceClear(sess, true); err != nil {
		t.Fatalf("ForceClear of stale holder: %v", err)
	}
	info, err := m.Info(sess)
	if err != nil {
		t.Fatal(err)
	}
	if info != nil {
		t.Errorf("lock survived force-clear: %+v", info)
	}
	if _, err := os.Stat(sess.EntryPath(handle.EntryID)); !os.IsNotExist(err) {
		t.Error("stale holder's queue entry should be withdrawn")
	}
}

func TestAutoClearStale(t *testing.T) {
	sess := testSession(t)
	stale := NewFSBackend(sess)
	err := stale.TryAcquire(model.LockInfo{
		SchemaVersion: 1,
		FileType:      model.LockInfoFileType,
		Holder:        "crashed-worker",
		AcquiredAt:    time.Now().UTC().Add(-time.Hour).Format(time.RFC3339),
	})
	if err != nil {
		t.Fatal(err)
	}

	m := NewManager(queue.NewCoordinator(), model.LockConfig{
		PollIntervalMs:   5,
		DefaultTimeoutMs: 10000,
		StaleCeilingMin:  15,
		AutoClearStale:   true,
	})
	handle, err := m.Acquire(context.Background(), sess, "worker-b", "op", 2000)
	if err != nil {
		t.Fatalf("Acquire should reap the stale holder: %v", err)
	}
	defer m.Release(handle)
	if handle.Holder != "worker-b" {
		t.Errorf("holder = %s", handle.Holder)
	}
}

func waitForQueueLen(t *testing.T, sess session.Session, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		entries, err := os.ReadDir(sess.QueueDir())
		if err == nil && len(entries) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("queue never reached %d entries", n)
}

func TestAcquireGrantsInRequestOrder(t *testing.T) {
	sess := testSession(t)
	m := testManager()

	// Hold the lock so every contender has to queue behind it.
	holder, err := m.Acquire(context.Background(), sess, "holder", "setup", 5000)
	if err != nil {
		t.Fatalf("Acquire holder: %v", err)
	}

	workers := []string{"worker-a", "worker-b", "worker-c", "worker-d"}
	var (
		mu     sync.Mutex
		grants []string
		wg     sync.WaitGroup
	)
	for i, name := range workers {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			h, err := m.Acquire(context.Background(), sess, name, "op", 30000)
			if err != nil {
				t.Errorf("Acquire %s: %v", name, err)
				return
			}
			mu.Lock()
			grants = append(grants, name)
			mu.Unlock()
			if err := m.Release(h); err != nil {
				t.Errorf("Release %s: %v", name, err)
			}
		}(name)
		// Each contender's entry must be on file before the next starts,
		// so registration order is deterministic. The holder's own entry
		// is still in the queue while it holds the lock.
		waitForQueueLen(t, sess, i+2)
	}

	if err := m.Release(holder); err != nil {
		t.Fatalf("Release holder: %v", err)
	}
	wg.Wait()

	if len(grants) != len(workers) {
		t.Fatalf("granted %d of %d contenders", len(grants), len(workers))
	}
	for i, name := range workers {
		if grants[i] != name {
			t.Fatalf("grant order %v does not match request order %v", grants, workers)
		}
	}
}
