package data

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a new lexicographically sortable identifier. IDs sort by
// creation time, which keeps FIFO-within-priority ordering cheap.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), entropy).String()
}

// NewSessionID returns a new session identifier. Sessions are ephemeral and
// only need uniqueness, not ordering.
func NewSessionID() string {
	return uuid.NewString()
}
