package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/peerkeep/peerkeep/internal/clock"
	"github.com/peerkeep/peerkeep/internal/storage"
	"github.com/peerkeep/peerkeep/pkg/model"
)

// BulkLockTimeout bounds the cross-process lock wait for bulk imports.
const BulkLockTimeout = 15 * time.Second

// Payload is the import/export file form: collection name to documents.
type Payload map[string][]*storage.Document

// Bucket classifies one imported document against the local store.
type Bucket string

const (
	BucketNew         Bucket = "new"
	BucketRemoteNewer Bucket = "newer-remote"
	BucketConflict    Bucket = "older-remote/conflict"
	BucketIdentical   Bucket = "identical"
)

// Classified pairs an imported document with its bucket and the local
// version it was compared against (nil for BucketNew).
type Classified struct {
	Bucket   Bucket
	Document *storage.Document
	Local    *storage.Document

	// reKeyed marks keep-both clones and their re-keyed dependents. They
	// were asked for explicitly, so ExecuteImport writes them no matter
	// which buckets are selected.
	reKeyed bool
}

// Analysis is the transient result of the pre-import classification pass.
// Nothing has been written when it is produced.
type Analysis struct {
	Items []Classified
}

// Count returns how many documents fell into bucket.
func (a *Analysis) Count(bucket Bucket) int {
	n := 0
	for _, item := range a.Items {
		if item.Bucket == bucket {
			n++
		}
	}
	return n
}

// ParsePayload decodes an import file. The current shape is an object keyed
// by collection name; the legacy shape, a flat array of customer documents,
// is normalized to it. Every document is sanitized on the way in.
func ParsePayload(data []byte) (Payload, error) {
	var keyed map[string]json.RawMessage
	if err := json.Unmarshal(data, &keyed); err == nil {
		payload := make(Payload, len(keyed))
		for collection, rawDocs := range keyed {
			var raws []json.RawMessage
			if err := json.Unmarshal(rawDocs, &raws); err != nil {
				return nil, fmt.Errorf("%w: collection %q is not an array", model.ErrInvalidPayload, collection)
			}
			docs := make([]*storage.Document, 0, len(raws))
			for _, raw := range raws {
				doc, err := DecodeRemoteDocument(collection, raw)
				if err != nil {
					return nil, err
				}
				docs = append(docs, doc)
			}
			payload[collection] = docs
		}
		return payload, nil
	}

	// legacy shape: a bare array of customer documents
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("%w: neither keyed object nor legacy array", model.ErrInvalidPayload)
	}
	docs := make([]*storage.Document, 0, len(raws))
	for _, raw := range raws {
		doc, err := DecodeRemoteDocument(model.Customers, raw)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return Payload{model.Customers: docs}, nil
}

// AnalyzeImport classifies every document of the payload against the local
// store without writing anything. The payload is first checked for
// referential integrity; a payload whose dependent documents point at
// entities that exist neither in the payload nor locally is refused
// wholesale.
func (g *Gateway) AnalyzeImport(ctx context.Context, payload Payload) (*Analysis, error) {
	if err := g.checkIntegrity(ctx, payload); err != nil {
		return nil, err
	}

	analysis := &Analysis{}
	for collection, docs := range payload {
		for _, doc := range docs {
			local, err := g.loadAny(ctx, collection, doc.Id)
			if err != nil && !storage.IsNotFound(err) {
				return nil, err
			}
			analysis.Items = append(analysis.Items, Classified{
				Bucket:   classify(local, doc, g.skew),
				Document: doc,
				Local:    local,
			})
		}
	}
	return analysis, nil
}

func classify(local, remote *storage.Document, skew time.Duration) Bucket {
	switch Compare(local, remote, skew) {
	case ApplyRemote:
		if local == nil {
			return BucketNew
		}
		return BucketRemoteNewer
	case Ignore:
		return BucketIdentical
	default:
		// older remote and same-moment-different-content both need a
		// human to pick a side
		return BucketConflict
	}
}

// checkIntegrity verifies that every dependent document in the payload
// resolves its foreign key against the payload or the local store, and that
// an index entry (a customer id referenced anywhere) has a matching detail
// document. Violations refuse the whole import; there is no partial import.
func (g *Gateway) checkIntegrity(ctx context.Context, payload Payload) error {
	known := make(map[string]bool)
	for _, doc := range payload[model.Customers] {
		known[doc.Id] = true
	}

	for _, collection := range []string{model.Records, model.Drafts} {
		fk := model.ForeignKey(model.Customers, collection)
		for _, doc := range payload[collection] {
			ref, _ := doc.Data[fk].(string)
			if ref == "" {
				return fmt.Errorf("%w: %s %s lacks %s", model.ErrInvalidPayload, collection, doc.Id, fk)
			}
			if known[ref] {
				continue
			}
			_, err := g.loadAny(ctx, model.Customers, ref)
			if storage.IsNotFound(err) {
				return fmt.Errorf("%w: %s %s references missing customer %s",
					model.ErrInvalidPayload, collection, doc.Id, ref)
			}
			if err != nil {
				return err
			}
			known[ref] = true
		}
	}
	return nil
}

// ImportOptions selects what ExecuteImport writes.
type ImportOptions struct {
	// Buckets holds the human-selected buckets to apply.
	Buckets map[Bucket]bool

	// Snapshot archives each about-to-be-overwritten local document first,
	// so an accidental overwrite is recoverable from the recycle bin.
	Snapshot bool

	// KeepBoth lists customer ids from the conflict bucket to import under
	// a fresh identity instead of overwriting; the payload's dependent
	// documents are re-keyed to follow the clone. Listed documents are
	// written even when Buckets selects nothing.
	KeepBoth []string
}

// ExecuteImport writes the selected buckets inside one transaction across
// all collections. Either every selected document lands or none does.
func (g *Gateway) ExecuteImport(ctx context.Context, analysis *Analysis, opts ImportOptions) error {
	items := analysis.Items
	if len(opts.KeepBoth) > 0 {
		items = reKey(items, opts.KeepBoth)
	}

	return g.store.RunTransaction(ctx, allCollections(), storage.ReadWrite, func(txn *storage.Txn) error {
		for _, item := range items {
			if !opts.Buckets[item.Bucket] && !item.reKeyed {
				continue
			}
			if opts.Snapshot && item.Local != nil && item.Bucket != BucketIdentical {
				if _, err := txn.Snapshot(ctx, item.Local); err != nil {
					return err
				}
			}
			if _, err := txn.PutKeepTimestamps(ctx, item.Document); err != nil {
				return err
			}
		}
		return nil
	}, storage.WithLockTimeout(BulkLockTimeout))
}

// reKey applies the keep-both resolution: each listed customer is cloned
// under a fresh id and moved to the new bucket, and every dependent document
// in the import set is re-keyed to point at the clone. The local original
// keeps its id and its local dependents.
func reKey(items []Classified, keepBoth []string) []Classified {
	mapping := make(map[string]string, len(keepBoth))
	for _, id := range keepBoth {
		mapping[id] = clock.NewID()
	}

	out := make([]Classified, 0, len(items))
	for _, item := range items {
		doc := item.Document.Clone()
		switch doc.Collection {
		case model.Customers:
			if newId, ok := mapping[doc.Id]; ok {
				doc.Id = newId
				out = append(out, Classified{Bucket: BucketNew, Document: doc, reKeyed: true})
				continue
			}
		case model.Records, model.Drafts:
			fk := model.ForeignKey(model.Customers, doc.Collection)
			if ref, _ := doc.Data[fk].(string); ref != "" {
				if newId, ok := mapping[ref]; ok {
					doc.Data[fk] = newId
					doc.Id = clock.NewID()
					out = append(out, Classified{Bucket: BucketNew, Document: doc, reKeyed: true})
					continue
				}
			}
		}
		item.Document = doc
		out = append(out, item)
	}
	return out
}

// Export serializes every live document into the import file format.
func (g *Gateway) Export(ctx context.Context) (Payload, error) {
	payload := make(Payload)
	err := g.store.RunTransaction(ctx, allCollections(), storage.ReadOnly, func(txn *storage.Txn) error {
		for _, collection := range allCollections() {
			docs, err := txn.GetAll(ctx, collection)
			if err != nil {
				return err
			}
			if len(docs) > 0 {
				payload[collection] = docs
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func allCollections() []string {
	specs := model.Collections()
	names := make([]string, len(specs))
	for i, spec := range specs {
		names[i] = spec.Name
	}
	return names
}
