package sync_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerkeep/peerkeep/internal/storage"
	syncengine "github.com/peerkeep/peerkeep/internal/sync"
	"github.com/peerkeep/peerkeep/pkg/model"
)

func TestMirror_ReplacesEntireDataset(t *testing.T) {
	gateway, store, clk := newTestEngine(t, syncengine.Options{})
	ctx := context.Background()

	_, err := store.Put(ctx, model.Customers, &storage.Document{Id: "c-old", Data: map[string]any{"name": "gone after mirror"}}, storage.SourceLocal)
	require.NoError(t, err)
	_, err = store.Put(ctx, model.Tags, &storage.Document{Id: "t-old", Data: map[string]any{"label": "old"}}, storage.SourceLocal)
	require.NoError(t, err)

	remoteAt := clk.T.Add(-2 * time.Hour)
	payload := syncengine.Payload{
		model.Customers: []*storage.Document{
			{Id: "c-remote", Collection: model.Customers, CreatedAt: remoteAt, UpdatedAt: remoteAt, Data: map[string]any{"name": "theirs"}},
		},
	}
	require.NoError(t, gateway.Mirror(ctx, payload))

	customers, err := store.GetAll(ctx, model.Customers)
	require.NoError(t, err)
	require.Len(t, customers, 1)
	assert.Equal(t, "c-remote", customers[0].Id)
	assert.True(t, customers[0].UpdatedAt.Equal(remoteAt), "mirror keeps remote timestamps")

	tags, err := store.GetAll(ctx, model.Tags)
	require.NoError(t, err)
	assert.Empty(t, tags, "collections absent from the payload are wiped too")
}

func TestMirror_RefusedWhileDraftExists(t *testing.T) {
	gateway, store, _ := newTestEngine(t, syncengine.Options{})
	ctx := context.Background()

	_, err := store.Put(ctx, model.Customers, &storage.Document{Id: "cust", Data: map[string]any{"name": "owner"}}, storage.SourceLocal)
	require.NoError(t, err)
	_, err = store.Put(ctx, model.Drafts, &storage.Document{Id: "d1", Data: map[string]any{"customerId": "cust", "body": "unsaved"}}, storage.SourceLocal)
	require.NoError(t, err)

	err = gateway.Mirror(ctx, syncengine.Payload{model.Customers: nil})
	assert.ErrorIs(t, err, model.ErrUnsavedDraft)

	// nothing was wiped
	got, err := store.Get(ctx, model.Customers, "cust")
	require.NoError(t, err)
	assert.Equal(t, "owner", got.Data["name"])
}

func TestMirror_UnknownCollectionRefused(t *testing.T) {
	gateway, store, _ := newTestEngine(t, syncengine.Options{})
	ctx := context.Background()

	_, err := store.Put(ctx, model.Customers, &storage.Document{Id: "c1", Data: map[string]any{"name": "safe"}}, storage.SourceLocal)
	require.NoError(t, err)

	err = gateway.Mirror(ctx, syncengine.Payload{"definitely-not-a-collection": nil})
	assert.ErrorIs(t, err, model.ErrUnknownCollection)

	_, err = store.Get(ctx, model.Customers, "c1")
	assert.NoError(t, err)
}

func TestMirror_FailureRollsBack(t *testing.T) {
	gateway, store, clk := newTestEngine(t, syncengine.Options{})
	ctx := context.Background()

	_, err := store.Put(ctx, model.Customers, &storage.Document{Id: "c-old", Data: map[string]any{"name": "survivor"}}, storage.SourceLocal)
	require.NoError(t, err)

	// the collection map passes pre-flight, but a stale schema version on a
	// document aborts mid-write
	payload := syncengine.Payload{model.Customers: []*storage.Document{
		{Id: "c-ok", Collection: model.Customers, UpdatedAt: clk.T, Data: map[string]any{"name": "fine"}},
		{Id: "c-bad", Collection: model.Customers, UpdatedAt: clk.T, SchemaVersion: 99, Data: map[string]any{"name": "bad"}},
	}}
	err = gateway.Mirror(ctx, payload)
	require.ErrorIs(t, err, model.ErrSchemaVersionMismatch)

	got, err := store.Get(ctx, model.Customers, "c-old")
	require.NoError(t, err)
	assert.Equal(t, "survivor", got.Data["name"])
	assert.False(t, gateway.Busy())
}
