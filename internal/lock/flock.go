//go:build unix

package lock

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/peerkeep/peerkeep/pkg/model"
)

// pollInterval bounds how stale a release can go unnoticed while waiting.
const pollInterval = 25 * time.Millisecond

// Flock implements Lock with flock(2) on a well-known file inside the data
// directory. Each Acquire opens its own descriptor, so goroutines within one
// process contend through the kernel exactly like separate processes do.
// Queueing fairness is whatever the kernel provides.
type Flock struct {
	path     string
	fallback *Process
	log      zerolog.Logger
}

// NewFlock returns a lock backed by the file at path. If the file cannot be
// opened at acquire time the lock degrades to in-process locking with a
// logged warning.
func NewFlock(path string, log zerolog.Logger) *Flock {
	return &Flock{
		path:     path,
		fallback: NewProcess(log),
		log:      log.With().Str("component", "lock").Str("path", path).Logger(),
	}
}

func (f *Flock) Acquire(ctx context.Context, timeout time.Duration, task func() error) error {
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		f.log.Warn().Err(err).Msg("cannot open lock file")
		return f.fallback.Acquire(ctx, timeout, task)
	}
	defer file.Close()

	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if err != unix.EWOULDBLOCK {
			f.log.Warn().Err(err).Msg("flock unsupported on this filesystem")
			return f.fallback.Acquire(ctx, timeout, task)
		}
		if time.Now().After(deadline) {
			return model.ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	defer unix.Flock(int(file.Fd()), unix.LOCK_UN)

	return task()
}
