// Package signal tracks open and closed blocking conditions on a plan.
//
// The registry operates on in-memory state; persistence happens through the
// store under the session lock, so every function here is a pure transform
// plus an error contract.
package signal

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/msageha/plansync/internal/model"
)

var (
	// ErrDuplicateSignal is returned when opening an id that is already open.
	ErrDuplicateSignal = errors.New("signal already open")

	// ErrSignalNotFound is returned when closing an unknown id.
	ErrSignalNotFound = errors.New("signal not found")
)

// Open adds a signal or reopens a previously closed one with the same id.
// Opening an id that is currently open fails with ErrDuplicateSignal.
func Open(state *model.SessionState, sig model.Signal, now time.Time) error {
	if sig.ID == "" {
		return fmt.Errorf("signal id must not be empty")
	}
	if sig.Type == "" {
		sig.Type = model.SignalTypeOther
	}
	if !model.IsValidSignalType(sig.Type) {
		return fmt.Errorf("invalid signal type %q", sig.Type)
	}

	if existing := state.SignalByID(sig.ID); existing != nil {
		if existing.Status == model.SignalOpen {
			return fmt.Errorf("%w: %s", ErrDuplicateSignal, sig.ID)
		}
		// Reopen: keep the original entry, reset closure.
		existing.Type = sig.Type
		existing.Blocking = sig.Blocking
		existing.Message = sig.Message
		existing.Status = model.SignalOpen
		existing.OpenedAt = now.UTC().Format(time.RFC3339)
		existing.ClosedAt = nil
		return nil
	}

	sig.Status = model.SignalOpen
	sig.OpenedAt = now.UTC().Format(time.RFC3339)
	sig.ClosedAt = nil
	state.Signals = append(state.Signals, sig)
	return nil
}

// Close transitions a signal to closed. Closing an already-closed signal is
// an idempotent no-op; closing an unknown id fails with ErrSignalNotFound.
func Close(state *model.SessionState, id string, now time.Time) error {
	existing := state.SignalByID(id)
	if existing == nil {
		return fmt.Errorf("%w: %s", ErrSignalNotFound, id)
	}
	if existing.Status == model.SignalClosed {
		return nil
	}
	existing.Status = model.SignalClosed
	closedAt := now.UTC().Format(time.RFC3339)
	existing.ClosedAt = &closedAt
	return nil
}

// ActiveBlocking returns all open blocking signals ordered by opened_at
// ascending, ties broken by id, so the oldest blocker surfaces first.
func ActiveBlocking(signals []model.Signal) []model.Signal {
	var out []model.Signal
	for _, sig := range signals {
		if sig.Blocking && sig.Status == model.SignalOpen {
			out = append(out, sig)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt != out[j].OpenedAt {
			return out[i].OpenedAt < out[j].OpenedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}
