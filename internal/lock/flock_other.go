//go:build !unix

package lock

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Flock degrades to in-process locking on platforms without flock(2).
type Flock struct {
	fallback *Process
}

func NewFlock(path string, log zerolog.Logger) *Flock {
	return &Flock{fallback: NewProcess(log)}
}

func (f *Flock) Acquire(ctx context.Context, timeout time.Duration, task func() error) error {
	return f.fallback.Acquire(ctx, timeout, task)
}
