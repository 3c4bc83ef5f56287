package storage

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/zeebo/blake3"
)

// SchemaVersion is the current document shape version. Documents written by
// older releases are upgraded on read by the migrate package.
const SchemaVersion = int64(3)

// Document is the atomic unit of storage: a metadata envelope around a
// free-form payload.
type Document struct {
	// Id is the stable identifier, caller- or engine-assigned
	Id string `json:"id"`

	// Collection is the owning collection name
	Collection string `json:"collection"`

	// CreatedAt is set on first put and preserved afterwards
	CreatedAt time.Time `json:"createdAt"`

	// UpdatedAt is refreshed on every put; conflict decisions compare it
	UpdatedAt time.Time `json:"updatedAt"`

	// SchemaVersion is the shape version the payload was written under
	SchemaVersion int64 `json:"_schemaVersion"`

	// Deleted is the soft-delete tombstone flag
	Deleted bool `json:"_deleted,omitempty"`

	// Data is the collection-specific payload
	Data map[string]any `json:"data"`
}

// Clone returns a deep copy; Data is copied recursively so mutations on the
// clone never leak into cached or quarantined originals.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	c.Data = cloneMap(d.Data)
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Fingerprint hashes the payload in canonical form (keys sorted, envelope and
// timestamps excluded). Two documents with equal fingerprints are treated as
// structurally identical by the decision engine.
func (d *Document) Fingerprint() string {
	h := blake3.New()
	writeCanonical(h, d.Data)
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

func writeCanonical(h *blake3.Hasher, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		h.Write([]byte{'{'})
		for _, k := range keys {
			h.Write([]byte(k))
			h.Write([]byte{':'})
			writeCanonical(h, t[k])
			h.Write([]byte{','})
		}
		h.Write([]byte{'}'})
	case []any:
		h.Write([]byte{'['})
		for _, e := range t {
			writeCanonical(h, e)
			h.Write([]byte{','})
		}
		h.Write([]byte{']'})
	default:
		b, _ := json.Marshal(t)
		h.Write(b)
	}
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// Mode selects transaction isolation: readonly transactions interleave
// freely, readwrite transactions are serialized by the cross-process lock.
type Mode string

const (
	ReadOnly  Mode = "readonly"
	ReadWrite Mode = "readwrite"
)

// Backend is the storage primitive the Store drives. Implementations must
// make Commit atomic across every collection the transaction touched.
// Backends store and return documents verbatim, tombstones included;
// soft-delete filtering and envelope stamping live in the Store.
type Backend interface {
	// Begin opens a transaction scoped to the named collections.
	Begin(ctx context.Context, collections []string, mode Mode) (Tx, error)

	// SizeBytes reports the on-disk footprint for quota accounting.
	// Backends without a durable footprint return 0.
	SizeBytes(ctx context.Context) (int64, error)

	// Close releases the backend.
	Close(ctx context.Context) error
}

// Tx is a backend transaction. All reads observe writes made earlier in the
// same transaction.
type Tx interface {
	Get(ctx context.Context, collection, id string) (*Document, error)
	GetAll(ctx context.Context, collection string) ([]*Document, error)
	Put(ctx context.Context, doc *Document) error
	HardDelete(ctx context.Context, collection, id string) error
	QueryByIndex(ctx context.Context, collection, field string, value any) ([]*Document, error)

	Commit() error
	Rollback() error
}

// Source tags an event with where the mutation originated, so listeners can
// suppress feedback loops when applying remote data.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// EventType enumerates consumer-facing notifications.
type EventType string

const (
	EventCreated      EventType = "document-created"
	EventUpdated      EventType = "document-updated"
	EventDeleted      EventType = "document-deleted"
	EventArchived     EventType = "document-archived"
	EventQuotaWarning EventType = "storage-quota-warning"
)

// Event is a storage change notification.
type Event struct {
	Type       EventType `json:"type"`
	Collection string    `json:"collection,omitempty"`
	Id         string    `json:"id,omitempty"`
	Document   *Document `json:"document,omitempty"`
	Source     Source    `json:"source"`
	Timestamp  time.Time `json:"timestamp"`
}
