// Package idgen generates identifiers for commands and history entries.
package idgen

import (
	"crypto/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Generator produces unique string identifiers.
type Generator func() string

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// MustGenerateSortableID returns a ULID ordered by creation time.
func MustGenerateSortableID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		panic(err)
	}
	return id.String()
}

// NewCommandID returns a random UUID used to correlate a speaker request
// with its response.
func NewCommandID() string {
	return uuid.NewString()
}

// Sequence returns a Generator yielding prefix-1, prefix-2, ... for tests
// that need predictable command ids.
func Sequence(prefix string) Generator {
	var (
		mu sync.Mutex
		n  int
	)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return prefix + "-" + strconv.Itoa(n)
	}
}
