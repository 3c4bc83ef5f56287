package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/peerkeep/peerkeep/internal/clock"
	"github.com/peerkeep/peerkeep/internal/storage"
	"github.com/peerkeep/peerkeep/pkg/model"
)

// Pusher is the outbound half of a peer session, as the gateway sees it.
type Pusher interface {
	Push(ctx context.Context, collection string, document json.RawMessage) error
	PeerID() string
}

// Options configures a Gateway.
type Options struct {
	// Skew is the conflict window handed to the decision engine.
	Skew time.Duration

	// OnConflict is invoked when a remote document lands in quarantine.
	OnConflict func(*QuarantineEntry)
}

// Gateway routes everything that crosses the trust boundary between this
// instance and a peer: inbound pushes through sanitizer, decision engine,
// and quarantine; bulk import/export; mirror sync. It owns quarantine and
// session-adjacent state but never mutates a document directly; all
// persistence goes through the store's transaction API.
type Gateway struct {
	store      *storage.Store
	inbox      *Quarantine
	clock      clock.Clock
	log        zerolog.Logger
	skew       time.Duration
	onConflict func(*QuarantineEntry)

	busy atomic.Bool
}

func NewGateway(store *storage.Store, clk clock.Clock, log zerolog.Logger, opts Options) *Gateway {
	skew := opts.Skew
	if skew <= 0 {
		skew = DefaultSkew
	}
	onConflict := opts.OnConflict
	if onConflict == nil {
		onConflict = func(*QuarantineEntry) {}
	}
	return &Gateway{
		store:      store,
		inbox:      NewQuarantine(),
		clock:      clk,
		log:        log.With().Str("component", "sync").Logger(),
		skew:       skew,
		onConflict: onConflict,
	}
}

// Quarantine exposes the conflict inbox for display.
func (g *Gateway) Quarantine() *Quarantine { return g.inbox }

// Busy reports whether a mirror sync is in flight.
func (g *Gateway) Busy() bool { return g.busy.Load() }

// HandleDataPush processes one inbound document from the connected peer.
func (g *Gateway) HandleDataPush(ctx context.Context, collection string, raw json.RawMessage, peerId string) error {
	remote, err := DecodeRemoteDocument(collection, raw)
	if err != nil {
		return err
	}

	local, err := g.loadAny(ctx, collection, remote.Id)
	if err != nil && !storage.IsNotFound(err) {
		return err
	}

	// Local tag definitions are authoritative: a taxonomy the user sees in
	// the UI never changes under a remote push.
	if collection == model.Tags && local != nil {
		g.log.Debug().Str("id", remote.Id).Msg("tag guard kept local definition")
		return nil
	}

	switch decision := Compare(local, remote, g.skew); decision {
	case ApplyRemote:
		_, err := g.store.Put(ctx, collection, remote, storage.SourceRemote)
		return err
	case Conflict:
		entry := g.inbox.Add(collection, remote, peerId)
		g.log.Info().Str("collection", collection).Str("id", remote.Id).Str("peer", peerId).
			Msg("conflicting remote document quarantined")
		g.onConflict(entry)
		return nil
	case KeepLocal, Ignore:
		return nil
	default:
		return fmt.Errorf("unhandled decision %q", decision)
	}
}

// HandleUpdate applies a remote single-key meta update. The message's key is
// the document identity; any id inside the payload is ignored. Protected keys
// are refused.
func (g *Gateway) HandleUpdate(ctx context.Context, key string, raw json.RawMessage, peerId string) error {
	if model.ProtectedMetaKeys[key] {
		return fmt.Errorf("%w: protected key %q", model.ErrInvalidPayload, key)
	}
	doc, err := decodeDocument(model.Meta, raw)
	if err != nil {
		return err
	}
	doc.Id = key
	_, err = g.store.Put(ctx, model.Meta, doc, storage.SourceRemote)
	return err
}

// HandleFullSync parses a complete remote dataset and mirrors it locally.
func (g *Gateway) HandleFullSync(ctx context.Context, rawPayload map[string][]json.RawMessage, peerId string) error {
	payload := make(Payload, len(rawPayload))
	for collection, raws := range rawPayload {
		docs := make([]*storage.Document, 0, len(raws))
		for _, raw := range raws {
			doc, err := DecodeRemoteDocument(collection, raw)
			if err != nil {
				return err
			}
			docs = append(docs, doc)
		}
		payload[collection] = docs
	}
	return g.Mirror(ctx, payload)
}

// Approve applies a quarantined remote document and destroys the entry. With
// the keep-both strategy the remote version is imported under a fresh id and
// the local version stays untouched.
func (g *Gateway) Approve(ctx context.Context, entryId string) error {
	entry, err := g.inbox.Take(entryId)
	if err != nil {
		return err
	}
	doc := entry.Remote.Clone()
	if entry.Strategy == StrategyKeepBoth {
		doc.Id = clock.NewID()
	}
	_, err = g.store.Put(ctx, entry.Collection, doc, storage.SourceRemote)
	return err
}

// Reject destroys a quarantine entry; the local document stands.
func (g *Gateway) Reject(entryId string) error {
	_, err := g.inbox.Take(entryId)
	return err
}

// SetStrategy records the chosen resolution strategy on a pending entry.
func (g *Gateway) SetStrategy(entryId, strategy string) error {
	return g.inbox.SetStrategy(entryId, strategy)
}

// StrategyKeepBoth imports the remote version under a new identity instead
// of overwriting the local one.
const StrategyKeepBoth = "keep-both"

// RunPushLoop forwards local changes to the connected peer until ctx ends.
// A single failed push is logged and dropped; retrying is the caller's
// policy, not the engine's.
func (g *Gateway) RunPushLoop(ctx context.Context, pusher Pusher) {
	events, cancel := g.store.Events().Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if evt.Source != storage.SourceLocal || evt.Document == nil {
				continue
			}
			if pusher.PeerID() == "" {
				continue
			}
			raw, err := json.Marshal(evt.Document)
			if err != nil {
				g.log.Warn().Err(err).Msg("marshal outbound document")
				continue
			}
			if err := pusher.Push(ctx, evt.Collection, raw); err != nil {
				g.log.Warn().Err(err).Str("collection", evt.Collection).Str("id", evt.Id).
					Msg("push to peer failed")
			}
		}
	}
}

func (g *Gateway) loadAny(ctx context.Context, collection, id string) (*storage.Document, error) {
	var doc *storage.Document
	err := g.store.RunTransaction(ctx, []string{collection}, storage.ReadOnly, func(txn *storage.Txn) error {
		var err error
		doc, err = txn.GetAny(ctx, collection, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}
