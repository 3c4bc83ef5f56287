// Package migrate upgrades stored documents to the current schema version.
// Upgrade is a pure transform invoked by the store on every read; the store
// writes the upgraded shape back in the background, so a document is fixed
// up at most once per process lifetime.
package migrate

import (
	"github.com/peerkeep/peerkeep/internal/storage"
	"github.com/peerkeep/peerkeep/pkg/model"
)

// step upgrades a payload written under schema version From to From+1.
type step struct {
	From  int64
	Apply func(data map[string]any)
}

// Shape fixups per collection, ordered by source version. A collection
// without an entry only gets its version tag bumped.
var steps = map[string][]step{
	model.Customers: {
		{From: 1, Apply: func(data map[string]any) {
			ensureList(data, "tagIds")
		}},
		{From: 2, Apply: func(data map[string]any) {
			// contact details moved under a single map
			if _, ok := data["contact"]; !ok {
				contact := map[string]any{}
				for _, field := range []string{"phone", "email"} {
					if v, ok := data[field]; ok {
						contact[field] = v
						delete(data, field)
					}
				}
				data["contact"] = contact
			}
		}},
	},
	model.Records: {
		{From: 1, Apply: func(data map[string]any) {
			ensureList(data, "attachments")
		}},
		{From: 2, Apply: func(data map[string]any) {
			ensureList(data, "tagIds")
		}},
	},
	model.Templates: {
		{From: 2, Apply: func(data map[string]any) {
			ensureList(data, "fields")
		}},
	},
}

func ensureList(data map[string]any, field string) {
	if _, ok := data[field]; !ok {
		data[field] = []any{}
	}
}

// Upgrade brings doc to the current schema version. Documents already
// current, and documents of version-exempt collections, pass through
// unchanged. The input is never mutated.
func Upgrade(doc *storage.Document) (*storage.Document, bool) {
	spec, ok := model.Spec(doc.Collection)
	if !ok || spec.VersionExempt {
		return doc, false
	}
	if doc.SchemaVersion >= storage.SchemaVersion {
		return doc, false
	}

	out := doc.Clone()
	if out.Data == nil {
		out.Data = map[string]any{}
	}
	from := out.SchemaVersion
	if from == 0 {
		from = 1
	}
	for _, s := range steps[doc.Collection] {
		if s.From >= from {
			s.Apply(out.Data)
		}
	}
	out.SchemaVersion = storage.SchemaVersion
	return out, true
}
