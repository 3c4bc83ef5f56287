package storage

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/peerkeep/peerkeep/internal/clock"
	"github.com/peerkeep/peerkeep/internal/lock"
	"github.com/peerkeep/peerkeep/pkg/model"
)

// DefaultLockTimeout bounds ordinary readwrite transactions; bulk operations
// pass a longer timeout explicitly.
const DefaultLockTimeout = 5 * time.Second

// UpgradeFunc upgrades a document's shape to the current schema version.
// It returns the document to hand to the caller and whether it changed.
// Injected by the wiring layer (see the migrate package) so the store stays
// free of per-collection shape knowledge.
type UpgradeFunc func(doc *Document) (*Document, bool)

// Options tunes a Store.
type Options struct {
	// LockTimeout overrides DefaultLockTimeout when > 0.
	LockTimeout time.Duration

	// QuotaSoftLimit emits a storage-quota-warning event when the backend
	// footprint exceeds it. 0 disables the check.
	QuotaSoftLimit int64

	// Upgrade is applied to every document on its way out of the store.
	Upgrade UpgradeFunc
}

// Store is the transactional document store. All persistence in the engine
// goes through it: it serializes readwrite transactions through the
// cross-process lock, stamps the document envelope, enforces soft-delete
// visibility and the ephemeral gate, and publishes change events.
type Store struct {
	backend Backend
	lock    lock.Lock
	clock   clock.Clock
	hub     *Hub
	log     zerolog.Logger

	lockTimeout time.Duration
	quotaLimit  int64
	upgrade     UpgradeFunc

	ephemeral   atomic.Bool
	quotaWarned atomic.Bool
}

func New(backend Backend, lk lock.Lock, clk clock.Clock, log zerolog.Logger, opts Options) *Store {
	timeout := opts.LockTimeout
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &Store{
		backend:     backend,
		lock:        lk,
		clock:       clk,
		hub:         NewHub(),
		log:         log.With().Str("component", "storage").Logger(),
		lockTimeout: timeout,
		quotaLimit:  opts.QuotaSoftLimit,
		upgrade:     opts.Upgrade,
	}
}

// Events exposes the change notification hub.
func (s *Store) Events() *Hub { return s.hub }

// SetEphemeral flips the read-only gate. While set, every readwrite
// transaction fails fast with ErrEphemeralRestriction before the lock is
// even requested.
func (s *Store) SetEphemeral(on bool) { s.ephemeral.Store(on) }

func (s *Store) Ephemeral() bool { return s.ephemeral.Load() }

// TxOption adjusts a single RunTransaction call.
type TxOption func(*txSettings)

type txSettings struct {
	lockTimeout time.Duration
}

// WithLockTimeout extends the lock wait for bulk operations.
func WithLockTimeout(d time.Duration) TxOption {
	return func(ts *txSettings) { ts.lockTimeout = d }
}

// RunTransaction opens a backend transaction across the named collections
// and invokes work with a transaction-scoped view. The transaction commits
// iff work returns nil; any error aborts it wholesale and is returned to the
// caller. ReadWrite transactions are serialized through the cross-process
// lock first and fail with ErrLockTimeout when it cannot be acquired in time.
func (s *Store) RunTransaction(ctx context.Context, collections []string, mode Mode, work func(*Txn) error, opts ...TxOption) error {
	settings := txSettings{lockTimeout: s.lockTimeout}
	for _, o := range opts {
		o(&settings)
	}

	if mode != ReadWrite {
		return s.runTx(ctx, collections, mode, work)
	}
	if s.ephemeral.Load() {
		return model.ErrEphemeralRestriction
	}
	err := s.lock.Acquire(ctx, settings.lockTimeout, func() error {
		return s.runTx(ctx, collections, mode, work)
	})
	if err == nil {
		s.checkQuota(ctx)
	}
	return err
}

func (s *Store) runTx(ctx context.Context, collections []string, mode Mode, work func(*Txn) error) error {
	btx, err := s.backend.Begin(ctx, collections, mode)
	if err != nil {
		return err
	}
	txn := &Txn{store: s, tx: btx, mode: mode}
	if err := work(txn); err != nil {
		if rbErr := btx.Rollback(); rbErr != nil {
			s.log.Warn().Err(rbErr).Msg("rollback failed")
		}
		return err
	}
	if err := btx.Commit(); err != nil {
		return err
	}
	for _, evt := range txn.events {
		s.hub.Publish(evt)
	}
	return nil
}

// Txn is the transaction-scoped view handed to RunTransaction work funcs.
// Reads filter soft-deleted documents unless the recovery variants are used;
// writes stamp the envelope.
type Txn struct {
	store  *Store
	tx     Tx
	mode   Mode
	events []Event
}

// Get returns the live document or ErrNotFound if absent or tombstoned.
func (t *Txn) Get(ctx context.Context, collection, id string) (*Document, error) {
	doc, err := t.tx.Get(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	if doc.Deleted {
		return nil, model.ErrNotFound
	}
	return t.store.upgraded(doc), nil
}

// GetAny is the recovery path: it returns the document even when tombstoned.
func (t *Txn) GetAny(ctx context.Context, collection, id string) (*Document, error) {
	doc, err := t.tx.Get(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	return t.store.upgraded(doc), nil
}

// GetAll returns every live document in the collection.
func (t *Txn) GetAll(ctx context.Context, collection string) ([]*Document, error) {
	docs, err := t.tx.GetAll(ctx, collection)
	if err != nil {
		return nil, err
	}
	return t.store.filterLive(docs), nil
}

// QueryByIndex returns live documents whose indexed field equals value.
func (t *Txn) QueryByIndex(ctx context.Context, collection, field string, value any) ([]*Document, error) {
	docs, err := t.tx.QueryByIndex(ctx, collection, field, value)
	if err != nil {
		return nil, err
	}
	return t.store.filterLive(docs), nil
}

// Put writes doc wholesale. An absent id is assigned, createdAt is preserved
// when already set, updatedAt is refreshed, and the schema version is
// stamped unless the collection is exempt. A caller-supplied stale version
// tag is rejected with ErrSchemaVersionMismatch so old shapes route through
// migration instead of silently downgrading stored data.
func (t *Txn) Put(ctx context.Context, doc *Document) (*Document, error) {
	spec, ok := model.Spec(doc.Collection)
	if !ok {
		return nil, model.ErrUnknownCollection
	}
	out := doc.Clone()
	if out.Id == "" {
		out.Id = clock.NewID()
	}
	now := t.store.clock.Now()
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	out.UpdatedAt = now
	if !spec.VersionExempt {
		if out.SchemaVersion != 0 && out.SchemaVersion != SchemaVersion {
			return nil, model.ErrSchemaVersionMismatch
		}
		out.SchemaVersion = SchemaVersion
	}
	if err := t.tx.Put(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// PutKeepTimestamps writes doc without refreshing updatedAt. Used when
// applying remote documents, whose timestamps are authoritative for conflict
// decisions.
func (t *Txn) PutKeepTimestamps(ctx context.Context, doc *Document) (*Document, error) {
	spec, ok := model.Spec(doc.Collection)
	if !ok {
		return nil, model.ErrUnknownCollection
	}
	out := doc.Clone()
	if out.Id == "" {
		out.Id = clock.NewID()
	}
	now := t.store.clock.Now()
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	if out.UpdatedAt.IsZero() {
		out.UpdatedAt = now
	}
	if !spec.VersionExempt {
		if out.SchemaVersion != 0 && out.SchemaVersion != SchemaVersion {
			return nil, model.ErrSchemaVersionMismatch
		}
		out.SchemaVersion = SchemaVersion
	}
	if err := t.tx.Put(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete tombstones the document and returns the tombstoned form, so callers
// can propagate it to a peer. Deleting an already-tombstoned document is a
// no-op; a missing document is ErrNotFound.
func (t *Txn) Delete(ctx context.Context, collection, id string) (*Document, error) {
	doc, err := t.tx.Get(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	if doc.Deleted {
		return doc, nil
	}
	doc.Deleted = true
	doc.UpdatedAt = t.store.clock.Now()
	if err := t.tx.Put(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// HardDelete physically removes the row. Reserved for the recycle-bin
// restore/purge paths.
func (t *Txn) HardDelete(ctx context.Context, collection, id string) error {
	return t.tx.HardDelete(ctx, collection, id)
}

func (t *Txn) emit(evt Event) {
	t.events = append(t.events, evt)
}

func (s *Store) filterLive(docs []*Document) []*Document {
	out := make([]*Document, 0, len(docs))
	for _, doc := range docs {
		if doc.Deleted {
			continue
		}
		out = append(out, s.upgraded(doc))
	}
	return out
}

// upgraded applies the schema migration hook and, when the shape changed,
// schedules a detached write-back. The caller gets the upgraded value
// immediately regardless of the write-back's fate.
func (s *Store) upgraded(doc *Document) *Document {
	if s.upgrade == nil {
		return doc
	}
	out, changed := s.upgrade(doc)
	if changed {
		s.scheduleWriteBack(out.Clone())
	}
	return out
}

func (s *Store) scheduleWriteBack(doc *Document) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.lockTimeout+time.Second)
		defer cancel()
		err := s.RunTransaction(ctx, []string{doc.Collection}, ReadWrite, func(txn *Txn) error {
			current, err := txn.tx.Get(ctx, doc.Collection, doc.Id)
			if err != nil {
				return err
			}
			// A newer write may have landed since the read that
			// triggered the upgrade; never clobber it.
			if current.UpdatedAt.After(doc.UpdatedAt) || current.SchemaVersion == SchemaVersion {
				return nil
			}
			return txn.tx.Put(ctx, doc)
		})
		if err != nil {
			s.log.Warn().Err(err).Str("collection", doc.Collection).Str("id", doc.Id).
				Msg("migration write-back failed")
		}
	}()
}

func (s *Store) checkQuota(ctx context.Context) {
	if s.quotaLimit <= 0 {
		return
	}
	size, err := s.backend.SizeBytes(ctx)
	if err != nil {
		return
	}
	if size > s.quotaLimit {
		if s.quotaWarned.CompareAndSwap(false, true) {
			s.log.Warn().Int64("size_bytes", size).Int64("limit_bytes", s.quotaLimit).
				Msg("storage footprint above soft quota")
			s.hub.Publish(Event{Type: EventQuotaWarning, Source: SourceLocal, Timestamp: s.clock.Now()})
		}
	} else {
		s.quotaWarned.Store(false)
	}
}
