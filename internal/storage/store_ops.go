package storage

import (
	"context"
	"errors"

	"github.com/peerkeep/peerkeep/internal/clock"
	"github.com/peerkeep/peerkeep/pkg/model"
)

// Single-operation convenience wrappers. Each opens a one-shot transaction
// and publishes a change notification tagged with source, so consumers can
// tell local edits from applied remote data.

// Put upserts doc into collection and returns the stored form.
func (s *Store) Put(ctx context.Context, collection string, doc *Document, source Source) (*Document, error) {
	doc = doc.Clone()
	doc.Collection = collection
	var stored *Document
	err := s.RunTransaction(ctx, []string{collection}, ReadWrite, func(txn *Txn) error {
		existed := false
		if doc.Id != "" {
			if prev, err := txn.tx.Get(ctx, collection, doc.Id); err == nil && !prev.Deleted {
				existed = true
			}
		}
		var err error
		if source == SourceRemote {
			stored, err = txn.PutKeepTimestamps(ctx, doc)
		} else {
			stored, err = txn.Put(ctx, doc)
		}
		if err != nil {
			return err
		}
		evtType := EventCreated
		if existed {
			evtType = EventUpdated
		}
		txn.emit(Event{
			Type: evtType, Collection: collection, Id: stored.Id,
			Document: stored, Source: source, Timestamp: s.clock.Now(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// Get returns the live document with the given id.
func (s *Store) Get(ctx context.Context, collection, id string) (*Document, error) {
	var doc *Document
	err := s.RunTransaction(ctx, []string{collection}, ReadOnly, func(txn *Txn) error {
		var err error
		doc, err = txn.Get(ctx, collection, id)
		return err
	})
	return doc, err
}

// GetAll returns every live document in collection.
func (s *Store) GetAll(ctx context.Context, collection string) ([]*Document, error) {
	var docs []*Document
	err := s.RunTransaction(ctx, []string{collection}, ReadOnly, func(txn *Txn) error {
		var err error
		docs, err = txn.GetAll(ctx, collection)
		return err
	})
	return docs, err
}

// QueryByIndex returns live documents whose indexed field equals value.
func (s *Store) QueryByIndex(ctx context.Context, collection, field string, value any) ([]*Document, error) {
	var docs []*Document
	err := s.RunTransaction(ctx, []string{collection}, ReadOnly, func(txn *Txn) error {
		var err error
		docs, err = txn.QueryByIndex(ctx, collection, field, value)
		return err
	})
	return docs, err
}

// Delete soft-deletes the document. The emitted event carries the tombstoned
// document so the push loop can replicate the deletion to a connected peer.
func (s *Store) Delete(ctx context.Context, collection, id string, source Source) error {
	return s.RunTransaction(ctx, []string{collection}, ReadWrite, func(txn *Txn) error {
		tomb, err := txn.Delete(ctx, collection, id)
		if err != nil {
			return err
		}
		txn.emit(Event{
			Type: EventDeleted, Collection: collection, Id: id,
			Document: tomb, Source: source, Timestamp: s.clock.Now(),
		})
		return nil
	})
}

// ClearAll wipes every collection inside one transaction. Used for full
// reset and the pre-mirror wipe.
func (s *Store) ClearAll(ctx context.Context, opts ...TxOption) error {
	names := collectionNames()
	return s.RunTransaction(ctx, names, ReadWrite, func(txn *Txn) error {
		return txn.ClearAll(ctx)
	}, opts...)
}

// ClearAll removes every row, tombstones included, from every collection in
// the transaction scope.
func (t *Txn) ClearAll(ctx context.Context) error {
	for _, name := range collectionNames() {
		docs, err := t.tx.GetAll(ctx, name)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			if err := t.tx.HardDelete(ctx, name, doc.Id); err != nil {
				return err
			}
		}
	}
	return nil
}

func collectionNames() []string {
	specs := model.Collections()
	names := make([]string, len(specs))
	for i, spec := range specs {
		names[i] = spec.Name
	}
	return names
}

// Archive snapshots the live document into the archived collection (the
// recycle bin) and tombstones the original. The archive entry records the
// source collection so Restore knows where to put it back.
func (s *Store) Archive(ctx context.Context, collection, id string, source Source) (*Document, error) {
	var entry *Document
	err := s.RunTransaction(ctx, []string{collection, model.Archived}, ReadWrite, func(txn *Txn) error {
		doc, err := txn.Get(ctx, collection, id)
		if err != nil {
			return err
		}
		entry, err = txn.Snapshot(ctx, doc)
		if err != nil {
			return err
		}
		tomb, err := txn.Delete(ctx, collection, id)
		if err != nil {
			return err
		}
		// The event carries the tombstoned original, not the archive entry:
		// the archive entry is local recycle-bin state, while the tombstone
		// is what a peer needs to mirror the removal.
		txn.emit(Event{
			Type: EventArchived, Collection: collection, Id: id,
			Document: tomb, Source: source, Timestamp: s.clock.Now(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Snapshot copies doc into the archived collection under a fresh id.
func (t *Txn) Snapshot(ctx context.Context, doc *Document) (*Document, error) {
	entry := &Document{
		Id:         clock.NewID(),
		Collection: model.Archived,
		Data: map[string]any{
			"sourceCollection": doc.Collection,
			"sourceId":         doc.Id,
			"document":         doc.Clone(),
		},
	}
	return t.Put(ctx, entry)
}

// Restore re-puts an archived snapshot into its source collection and
// hard-deletes the archive entry.
func (s *Store) Restore(ctx context.Context, archiveId string) (*Document, error) {
	var restored *Document
	err := s.RunTransaction(ctx, collectionNames(), ReadWrite, func(txn *Txn) error {
		entry, err := txn.Get(ctx, model.Archived, archiveId)
		if err != nil {
			return err
		}
		snapshot, ok := entry.Data["document"].(*Document)
		if !ok {
			snapshot, ok = decodeSnapshot(entry.Data["document"])
			if !ok {
				return model.ErrInvalidPayload
			}
		}
		snapshot = snapshot.Clone()
		snapshot.Deleted = false
		restored, err = txn.Put(ctx, snapshot)
		if err != nil {
			return err
		}
		if err := txn.HardDelete(ctx, model.Archived, archiveId); err != nil {
			return err
		}
		txn.emit(Event{
			Type: EventUpdated, Collection: restored.Collection, Id: restored.Id,
			Document: restored, Source: SourceLocal, Timestamp: s.clock.Now(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return restored, nil
}

// Purge hard-deletes an archive entry; the snapshot is gone for good.
func (s *Store) Purge(ctx context.Context, archiveId string) error {
	return s.RunTransaction(ctx, []string{model.Archived}, ReadWrite, func(txn *Txn) error {
		if _, err := txn.GetAny(ctx, model.Archived, archiveId); err != nil {
			return err
		}
		return txn.HardDelete(ctx, model.Archived, archiveId)
	})
}

// decodeSnapshot rebuilds a Document from the generic map shape it takes
// after a round trip through the backend's JSON payload column.
func decodeSnapshot(v any) (*Document, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	doc := &Document{}
	doc.Id, _ = m["id"].(string)
	doc.Collection, _ = m["collection"].(string)
	if data, ok := m["data"].(map[string]any); ok {
		doc.Data = data
	}
	if ver, ok := m["_schemaVersion"].(float64); ok {
		doc.SchemaVersion = int64(ver)
	}
	if ts, ok := m["createdAt"].(string); ok {
		doc.CreatedAt, _ = parseTime(ts)
	}
	if ts, ok := m["updatedAt"].(string); ok {
		doc.UpdatedAt, _ = parseTime(ts)
	}
	if doc.Id == "" || doc.Collection == "" {
		return nil, false
	}
	return doc, true
}

// IsNotFound reports whether err is the store's missing-document condition.
func IsNotFound(err error) bool {
	return errors.Is(err, model.ErrNotFound)
}
