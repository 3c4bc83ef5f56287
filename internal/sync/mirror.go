package sync

import (
	"context"
	"time"

	"github.com/peerkeep/peerkeep/internal/storage"
	"github.com/peerkeep/peerkeep/pkg/model"
)

// MirrorLockTimeout bounds the lock wait for the full-replace write, which
// blocks every other instance for the duration.
const MirrorLockTimeout = 30 * time.Second

// Mirror destructively replaces the entire local dataset with payload in one
// transaction. The pre-flight check refuses while any unsaved draft exists,
// since a wipe would destroy it; Busy reports true for the duration so the
// UI can show a blocking state.
func (g *Gateway) Mirror(ctx context.Context, payload Payload) error {
	for collection := range payload {
		if _, ok := model.Spec(collection); !ok {
			return model.ErrUnknownCollection
		}
	}

	g.busy.Store(true)
	defer g.busy.Store(false)

	g.log.Info().Int("collections", len(payload)).Msg("mirror sync started")
	err := g.store.RunTransaction(ctx, allCollections(), storage.ReadWrite, func(txn *storage.Txn) error {
		drafts, err := txn.GetAll(ctx, model.Drafts)
		if err != nil {
			return err
		}
		if len(drafts) > 0 {
			return model.ErrUnsavedDraft
		}
		if err := txn.ClearAll(ctx); err != nil {
			return err
		}
		for _, docs := range payload {
			for _, doc := range docs {
				if _, err := txn.PutKeepTimestamps(ctx, doc); err != nil {
					return err
				}
			}
		}
		return nil
	}, storage.WithLockTimeout(MirrorLockTimeout))
	if err != nil {
		g.log.Error().Err(err).Msg("mirror sync failed")
		return err
	}
	g.log.Info().Msg("mirror sync complete")
	return nil
}
