package sync_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerkeep/peerkeep/internal/storage"
	syncengine "github.com/peerkeep/peerkeep/internal/sync"
	"github.com/peerkeep/peerkeep/pkg/model"
)

func TestSanitizeValue_DropsPollutionKeys(t *testing.T) {
	in := map[string]any{
		"name":        "ok",
		"__proto__":   map[string]any{"polluted": true},
		"constructor": "bad",
		"nested": map[string]any{
			"prototype": "bad",
			"keep":      "yes",
		},
	}
	out := syncengine.SanitizeValue(in).(map[string]any)
	assert.NotContains(t, out, "__proto__")
	assert.NotContains(t, out, "constructor")
	nested := out["nested"].(map[string]any)
	assert.NotContains(t, nested, "prototype")
	assert.Equal(t, "yes", nested["keep"])
}

func TestSanitizeValue_StripsMarkup(t *testing.T) {
	in := map[string]any{
		"note":  `hello <script>alert("x")</script>world`,
		"title": `<b onclick="evil()">bold</b>`,
		"list":  []any{`<img src=x onerror=evil()>plain`},
	}
	out := syncengine.SanitizeValue(in).(map[string]any)
	assert.Equal(t, "helloworld", out["note"])
	assert.Equal(t, "bold", out["title"])
	assert.Equal(t, "plain", out["list"].([]any)[0])
}

func TestSanitizeValue_NonStringScalarsUntouched(t *testing.T) {
	in := map[string]any{"n": 42.0, "b": true, "nil": nil}
	out := syncengine.SanitizeValue(in).(map[string]any)
	assert.Equal(t, 42.0, out["n"])
	assert.Equal(t, true, out["b"])
	assert.Nil(t, out["nil"])
}

func TestDecodeRemoteDocument(t *testing.T) {
	raw := json.RawMessage(`{"id":"c1","updatedAt":"2026-08-01T12:00:00Z","data":{"name":"<i>Ada</i>"}}`)
	doc, err := syncengine.DecodeRemoteDocument(model.Customers, raw)
	require.NoError(t, err)
	assert.Equal(t, "c1", doc.Id)
	assert.Equal(t, model.Customers, doc.Collection)
	assert.Equal(t, "Ada", doc.Data["name"])
}

func TestDecodeRemoteDocument_UpgradesOlderShapes(t *testing.T) {
	raw := json.RawMessage(`{"id":"c1","_schemaVersion":1,"updatedAt":"2026-08-01T12:00:00Z","data":{"name":"Ada","phone":"555"}}`)
	doc, err := syncengine.DecodeRemoteDocument(model.Customers, raw)
	require.NoError(t, err)
	assert.Equal(t, storage.SchemaVersion, doc.SchemaVersion)
	assert.Contains(t, doc.Data, "tagIds")
	contact := doc.Data["contact"].(map[string]any)
	assert.Equal(t, "555", contact["phone"])

	// a version-less document gets the full fixup chain too
	doc, err = syncengine.DecodeRemoteDocument(model.Customers, json.RawMessage(`{"id":"c2","data":{}}`))
	require.NoError(t, err)
	assert.Equal(t, storage.SchemaVersion, doc.SchemaVersion)
	assert.Contains(t, doc.Data, "tagIds")
}

func TestDecodeRemoteDocument_RequiresId(t *testing.T) {
	_, err := syncengine.DecodeRemoteDocument(model.Customers, json.RawMessage(`{"data":{"name":"x"}}`))
	assert.ErrorIs(t, err, model.ErrInvalidPayload)
}

func TestDecodeRemoteDocument_UnknownCollection(t *testing.T) {
	_, err := syncengine.DecodeRemoteDocument("secrets", json.RawMessage(`{"id":"x"}`))
	assert.ErrorIs(t, err, model.ErrUnknownCollection)
}
