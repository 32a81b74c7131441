package model

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// NewEntryID returns a globally unique queue entry id. Entry ids are the
// deterministic tie-breaker for requests with identical timestamps, so they
// must be unique across all processes, not merely within one.
func NewEntryID() string {
	return uuid.NewString()
}

// DefaultRequester derives a requester identity for the calling process.
// Callers that manage multiple logical agents per process should pass their
// own identities instead.
func DefaultRequester() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
