package ids

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

// NewToken returns a time-sortable ULID used as a single-use correlation key.
func NewToken() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewClientID returns a random identifier used to namespace the queues of one
// service instance in a shared store.
func NewClientID() string {
	return uuid.NewString()
}
