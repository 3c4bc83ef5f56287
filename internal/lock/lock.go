// Package lock provides the cross-process exclusive lock that serializes
// readwrite transactions across every open instance sharing one data
// directory.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/peerkeep/peerkeep/pkg/model"
)

// Lock grants exclusive ownership of one named lock for the duration of task.
// If ownership cannot be obtained within timeout, the task never runs and
// model.ErrLockTimeout is returned. Errors from task pass through unchanged.
type Lock interface {
	Acquire(ctx context.Context, timeout time.Duration, task func() error) error
}

// Process is an in-process fallback lock. It is correct for goroutines inside
// one process only; it cannot exclude a second process on the same data
// directory. Used by tests and as the degraded mode when the host file lock
// is unavailable.
type Process struct {
	mu     sync.Mutex
	warned sync.Once
	log    zerolog.Logger
}

func NewProcess(log zerolog.Logger) *Process {
	return &Process{log: log.With().Str("component", "lock").Logger()}
}

func (p *Process) Acquire(ctx context.Context, timeout time.Duration, task func() error) error {
	p.warned.Do(func() {
		p.log.Warn().Msg("file lock unavailable, falling back to in-process lock; concurrent instances are not protected")
	})

	acquired := make(chan struct{})
	go func() {
		p.mu.Lock()
		close(acquired)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-acquired:
		defer p.mu.Unlock()
		return task()
	case <-timer.C:
		go func() { <-acquired; p.mu.Unlock() }()
		return model.ErrLockTimeout
	case <-ctx.Done():
		go func() { <-acquired; p.mu.Unlock() }()
		return ctx.Err()
	}
}
