package sync

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/peerkeep/peerkeep/internal/storage"
	"github.com/peerkeep/peerkeep/internal/storage/migrate"
	"github.com/peerkeep/peerkeep/pkg/model"
)

// maxSanitizeDepth caps recursion into nested remote structures.
const maxSanitizeDepth = 32

// Keys that rebuild object internals when a payload is later fed to a
// JavaScript consumer. Dropped outright to block prototype pollution.
var forbiddenKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

var markupPolicy = bluemonday.StrictPolicy()

// SanitizeValue deep-cleans an untrusted value: forbidden keys are dropped,
// strings are stripped of markup, and structures nested beyond the depth
// cap are discarded.
func SanitizeValue(v any) any {
	return sanitize(v, 0)
}

func sanitize(v any, depth int) any {
	if depth > maxSanitizeDepth {
		return nil
	}
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if forbiddenKeys[strings.ToLower(k)] {
				continue
			}
			out[markupPolicy.Sanitize(k)] = sanitize(val, depth+1)
		}
		return out
	case []any:
		out := make([]any, 0, len(t))
		for _, e := range t {
			out = append(out, sanitize(e, depth+1))
		}
		return out
	case string:
		return markupPolicy.Sanitize(t)
	default:
		return v
	}
}

// DecodeRemoteDocument parses a raw peer document, sanitizes its payload,
// validates the envelope, and lifts documents written by an older peer to
// the current schema version. Remote documents without an id are refused.
func DecodeRemoteDocument(collection string, raw json.RawMessage) (*storage.Document, error) {
	doc, err := decodeDocument(collection, raw)
	if err != nil {
		return nil, err
	}
	if doc.Id == "" {
		return nil, fmt.Errorf("%w: document lacks an id", model.ErrInvalidPayload)
	}
	doc, _ = migrate.Upgrade(doc)
	return doc, nil
}

func decodeDocument(collection string, raw json.RawMessage) (*storage.Document, error) {
	if _, ok := model.Spec(collection); !ok {
		return nil, fmt.Errorf("%w: collection %q", model.ErrUnknownCollection, collection)
	}
	var doc storage.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidPayload, err)
	}
	doc.Collection = collection
	doc.Data, _ = sanitize(doc.Data, 0).(map[string]any)
	return &doc, nil
}
