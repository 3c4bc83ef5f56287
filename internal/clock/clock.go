// Package clock provides the time and identity utilities the engine depends
// on. Both are injected so tests can pin timestamps and ids.
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Clock supplies wall-clock time. Conflict decisions compare timestamps from
// different machines, so everything that stamps a document goes through one
// of these instead of calling time.Now directly.
type Clock interface {
	Now() time.Time
}

// System is the real wall clock.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

// Fixed is a test clock frozen at T; Advance moves it forward.
type Fixed struct {
	T time.Time
}

func (f *Fixed) Now() time.Time { return f.T }

func (f *Fixed) Advance(d time.Duration) { f.T = f.T.Add(d) }

// NewID returns a fresh document/node identifier.
func NewID() string {
	return uuid.NewString()
}
