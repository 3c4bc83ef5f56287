package sync

import (
	"sort"
	"sync"

	"github.com/peerkeep/peerkeep/internal/clock"
	"github.com/peerkeep/peerkeep/internal/storage"
	"github.com/peerkeep/peerkeep/pkg/model"
)

// QuarantineEntry holds one conflicting remote document awaiting a human
// decision. Entries live in memory only and never survive a restart.
type QuarantineEntry struct {
	ID         string
	Collection string
	Remote     *storage.Document
	PeerID     string
	Strategy   string
}

// Quarantine is the in-memory inbox of undecided remote documents.
type Quarantine struct {
	mu      sync.Mutex
	entries map[string]*QuarantineEntry
}

func NewQuarantine() *Quarantine {
	return &Quarantine{entries: make(map[string]*QuarantineEntry)}
}

// Add stores the conflicting remote document and returns the entry id.
func (q *Quarantine) Add(collection string, remote *storage.Document, peerId string) *QuarantineEntry {
	entry := &QuarantineEntry{
		ID:         clock.NewID(),
		Collection: collection,
		Remote:     remote.Clone(),
		PeerID:     peerId,
	}
	q.mu.Lock()
	q.entries[entry.ID] = entry
	q.mu.Unlock()
	return entry
}

// Take removes and returns the entry, or ErrNotFound.
func (q *Quarantine) Take(id string) (*QuarantineEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.entries[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	delete(q.entries, id)
	return entry, nil
}

// SetStrategy records the chosen resolution strategy on a pending entry.
func (q *Quarantine) SetStrategy(id, strategy string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.entries[id]
	if !ok {
		return model.ErrNotFound
	}
	entry.Strategy = strategy
	return nil
}

// List returns the pending entries, ordered by id for stable display.
func (q *Quarantine) List() []*QuarantineEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*QuarantineEntry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len reports how many conflicts await a decision.
func (q *Quarantine) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
