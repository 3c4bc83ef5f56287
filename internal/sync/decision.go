package sync

import (
	"time"

	"github.com/peerkeep/peerkeep/internal/storage"
)

// DefaultSkew is the window within which two timestamps from different
// machines are treated as the same moment. Client clocks are not
// synchronized, so inside this band the order of two writes is unknowable
// and a human decides instead of last-write-wins.
const DefaultSkew = 100 * time.Millisecond

// Decision is the outcome of comparing a local and a remote version of the
// same document.
type Decision string

const (
	ApplyRemote Decision = "apply-remote"
	KeepLocal   Decision = "keep-local"
	Conflict    Decision = "conflict"
	Ignore      Decision = "ignore"
)

// Compare decides which version of a document survives.
//
//  1. No local version: the remote one is new, apply it.
//  2. Structurally identical payloads (timestamps excluded): nothing to do.
//  3. Otherwise the timestamps decide, except within the skew band, where
//     differing content is a Conflict. Equal-to-the-millisecond timestamps
//     with differing content are deliberately a Conflict too, never a
//     silent ignore.
func Compare(local, remote *storage.Document, skew time.Duration) Decision {
	if skew <= 0 {
		skew = DefaultSkew
	}
	if local == nil {
		return ApplyRemote
	}
	if local.Deleted == remote.Deleted && local.Fingerprint() == remote.Fingerprint() {
		return Ignore
	}
	delta := remote.UpdatedAt.Sub(local.UpdatedAt)
	switch {
	case delta > skew:
		return ApplyRemote
	case delta < -skew:
		return KeepLocal
	default:
		return Conflict
	}
}
