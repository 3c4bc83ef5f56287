// Package memory provides an in-memory storage.Backend with transaction
// semantics matching the durable backend: writes stage in a per-transaction
// overlay and become visible only on Commit. Used by tests and as the
// fallback store when no data directory is available.
package memory

import (
	"context"
	"reflect"
	"sort"
	"sync"

	"github.com/peerkeep/peerkeep/internal/storage"
	"github.com/peerkeep/peerkeep/pkg/model"
)

type Backend struct {
	mu   sync.RWMutex
	data map[string]map[string]*storage.Document
}

func New() *Backend {
	data := make(map[string]map[string]*storage.Document)
	for _, spec := range model.Collections() {
		data[spec.Name] = make(map[string]*storage.Document)
	}
	return &Backend{data: data}
}

func (b *Backend) Begin(ctx context.Context, collections []string, mode storage.Mode) (storage.Tx, error) {
	for _, c := range collections {
		if _, ok := b.data[c]; !ok {
			return nil, model.ErrUnknownCollection
		}
	}
	return &tx{
		backend: b,
		scope:   toSet(collections),
		mode:    mode,
		staged:  make(map[string]map[string]*storage.Document),
		removed: make(map[string]map[string]bool),
	}, nil
}

func (b *Backend) SizeBytes(ctx context.Context) (int64, error) { return 0, nil }

func (b *Backend) Close(ctx context.Context) error { return nil }

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// tx stages writes in an overlay; reads merge the overlay over committed
// state so a transaction observes its own writes.
type tx struct {
	backend *Backend
	scope   map[string]bool
	mode    storage.Mode
	staged  map[string]map[string]*storage.Document
	removed map[string]map[string]bool
	done    bool
}

func (t *tx) check(collection string, write bool) error {
	if t.done {
		return model.ErrTransactionAborted
	}
	if !t.scope[collection] {
		return model.ErrUnknownCollection
	}
	if write && t.mode != storage.ReadWrite {
		return model.ErrTransactionAborted
	}
	return nil
}

func (t *tx) Get(ctx context.Context, collection, id string) (*storage.Document, error) {
	if err := t.check(collection, false); err != nil {
		return nil, err
	}
	if t.removed[collection][id] {
		return nil, model.ErrNotFound
	}
	if doc, ok := t.staged[collection][id]; ok {
		return doc.Clone(), nil
	}
	t.backend.mu.RLock()
	defer t.backend.mu.RUnlock()
	doc, ok := t.backend.data[collection][id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return doc.Clone(), nil
}

func (t *tx) GetAll(ctx context.Context, collection string) ([]*storage.Document, error) {
	if err := t.check(collection, false); err != nil {
		return nil, err
	}
	merged := make(map[string]*storage.Document)
	t.backend.mu.RLock()
	for id, doc := range t.backend.data[collection] {
		merged[id] = doc
	}
	t.backend.mu.RUnlock()
	for id := range t.removed[collection] {
		delete(merged, id)
	}
	for id, doc := range t.staged[collection] {
		merged[id] = doc
	}

	ids := make([]string, 0, len(merged))
	for id := range merged {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*storage.Document, 0, len(ids))
	for _, id := range ids {
		out = append(out, merged[id].Clone())
	}
	return out, nil
}

func (t *tx) Put(ctx context.Context, doc *storage.Document) error {
	if err := t.check(doc.Collection, true); err != nil {
		return err
	}
	if t.staged[doc.Collection] == nil {
		t.staged[doc.Collection] = make(map[string]*storage.Document)
	}
	t.staged[doc.Collection][doc.Id] = doc.Clone()
	delete(t.removed[doc.Collection], doc.Id)
	return nil
}

func (t *tx) HardDelete(ctx context.Context, collection, id string) error {
	if err := t.check(collection, true); err != nil {
		return err
	}
	delete(t.staged[collection], id)
	if t.removed[collection] == nil {
		t.removed[collection] = make(map[string]bool)
	}
	t.removed[collection][id] = true
	return nil
}

func (t *tx) QueryByIndex(ctx context.Context, collection, field string, value any) ([]*storage.Document, error) {
	all, err := t.GetAll(ctx, collection)
	if err != nil {
		return nil, err
	}
	out := make([]*storage.Document, 0)
	for _, doc := range all {
		if reflect.DeepEqual(doc.Data[field], value) {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (t *tx) Commit() error {
	if t.done {
		return model.ErrTransactionAborted
	}
	t.done = true
	if t.mode != storage.ReadWrite {
		return nil
	}
	t.backend.mu.Lock()
	defer t.backend.mu.Unlock()
	for collection, ids := range t.removed {
		for id := range ids {
			delete(t.backend.data[collection], id)
		}
	}
	for collection, docs := range t.staged {
		for id, doc := range docs {
			t.backend.data[collection][id] = doc
		}
	}
	return nil
}

func (t *tx) Rollback() error {
	t.done = true
	return nil
}
