package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/peerkeep/peerkeep/internal/clock"
	"github.com/peerkeep/peerkeep/pkg/model"
)

// DefaultDriftBound is the maximum tolerated difference between a peer's
// declared clock and ours. Conflict decisions compare wall-clock timestamps
// from both sides, so a badly skewed peer is refused outright instead of
// silently corrupting them.
const DefaultDriftBound = 60 * time.Second

// State is the per-session lifecycle position.
type State string

const (
	StateIdle         State = "idle"
	StateAnnounced    State = "announced"
	StateHandshaking  State = "handshaking"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// Dispatcher receives the data-bearing messages of an established session.
// Implemented by the sync gateway.
type Dispatcher interface {
	HandleDataPush(ctx context.Context, collection string, document json.RawMessage, peerId string) error
	HandleFullSync(ctx context.Context, payload map[string][]json.RawMessage, peerId string) error
	HandleUpdate(ctx context.Context, key string, document json.RawMessage, peerId string) error
}

// NotificationKind tags session notifications for the UI layer.
type NotificationKind string

const (
	NotifyConnected    NotificationKind = "sync-connected"
	NotifyDisconnected NotificationKind = "sync-disconnected"
	NotifyRejected     NotificationKind = "sync-rejected"
)

// Notification is surfaced to the consumer on session transitions.
type Notification struct {
	Kind        NotificationKind
	PeerID      string
	DisplayName string
	Reason      string
}

// Options configures a Session.
type Options struct {
	NodeID      string
	DisplayName string
	DriftBound  time.Duration

	// Ephemeral reports the store's ephemeral gate; while it returns true
	// the session neither announces nor accepts handshakes.
	Ephemeral func() bool

	// Notify, when set, receives session transitions.
	Notify func(Notification)
}

// Session manages discovery, handshake, and message dispatch with at most
// one connected peer at a time. Session state is process-local and never
// persisted.
type Session struct {
	transport  Transport
	dispatcher Dispatcher
	clock      clock.Clock
	log        zerolog.Logger

	nodeId      string
	displayName string
	driftBound  time.Duration
	ephemeral   func() bool
	notify      func(Notification)

	mu     sync.Mutex
	state  State
	peerId string
}

func NewSession(transport Transport, dispatcher Dispatcher, clk clock.Clock, log zerolog.Logger, opts Options) *Session {
	nodeId := opts.NodeID
	if nodeId == "" {
		nodeId = clock.NewID()
	}
	drift := opts.DriftBound
	if drift <= 0 {
		drift = DefaultDriftBound
	}
	ephemeral := opts.Ephemeral
	if ephemeral == nil {
		ephemeral = func() bool { return false }
	}
	notify := opts.Notify
	if notify == nil {
		notify = func(Notification) {}
	}
	return &Session{
		transport:   transport,
		dispatcher:  dispatcher,
		clock:       clk,
		log:         log.With().Str("component", "peer").Str("node", nodeId).Logger(),
		nodeId:      nodeId,
		displayName: opts.DisplayName,
		driftBound:  drift,
		ephemeral:   ephemeral,
		notify:      notify,
		state:       StateIdle,
	}
}

// NodeID returns the session's self-chosen identifier.
func (s *Session) NodeID() string { return s.nodeId }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PeerID returns the connected peer's identifier, or "" when not connected.
func (s *Session) PeerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return ""
	}
	return s.peerId
}

// Announce broadcasts a discovery HELLO to every reachable peer. It is a
// no-op while the ephemeral gate is set.
func (s *Session) Announce(ctx context.Context) error {
	if s.ephemeral() {
		s.log.Debug().Msg("announce suppressed in ephemeral context")
		return nil
	}
	data, err := Encode(TypeHello, s.nodeId, HelloPayload{
		Timestamp:   s.clock.Now(),
		DisplayName: s.displayName,
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.state == StateIdle || s.state == StateDisconnected {
		s.state = StateAnnounced
	}
	s.mu.Unlock()
	return s.transport.Broadcast(ctx, data)
}

// Run consumes inbound frames until the transport closes or ctx is
// cancelled. Malformed frames are logged and dropped.
func (s *Session) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-s.transport.Receive():
			if !ok {
				return
			}
			if err := s.HandleInbound(ctx, data); err != nil {
				s.log.Warn().Err(err).Msg("inbound message rejected")
			}
		}
	}
}

// HandleInbound decodes and dispatches one wire frame.
func (s *Session) HandleInbound(ctx context.Context, data []byte) error {
	env, err := Decode(data)
	if err != nil {
		return err
	}
	if env.SenderId == s.nodeId {
		return nil // our own broadcast echoed back
	}

	switch env.Type {
	case TypeHello:
		return s.onHello(ctx, env)
	case TypeHelloAck:
		return s.onHelloAck(ctx, env)
	case TypeReject:
		return s.onReject(env)
	case TypeDataPush:
		return s.onDataPush(ctx, env)
	case TypeFullSync:
		return s.onFullSync(ctx, env)
	case TypeUpdate:
		return s.onUpdate(ctx, env)
	default:
		return fmt.Errorf("unknown message type %q from %s", env.Type, env.SenderId)
	}
}

func (s *Session) onHello(ctx context.Context, env *Envelope) error {
	var hello HelloPayload
	if err := json.Unmarshal(env.Payload, &hello); err != nil {
		return fmt.Errorf("decode HELLO: %w", err)
	}

	if s.ephemeral() {
		return s.reject(ctx, env.SenderId, "peer is in an ephemeral context")
	}
	s.mu.Lock()
	busy := s.state == StateConnected && s.peerId != env.SenderId
	s.mu.Unlock()
	if busy {
		return s.reject(ctx, env.SenderId, model.ErrSessionBusy.Error())
	}
	if drift := s.drift(hello.Timestamp); drift > s.driftBound {
		return s.reject(ctx, env.SenderId, fmt.Sprintf("clock drift %s exceeds %s", drift, s.driftBound))
	}

	// The HELLO passed validation; the session is mid-handshake until the
	// ACK is on the wire. A failed send leaves it here so the peer's next
	// HELLO can retry.
	s.mu.Lock()
	s.state = StateHandshaking
	s.mu.Unlock()

	ack, err := Encode(TypeHelloAck, s.nodeId, HelloPayload{
		Timestamp:   s.clock.Now(),
		DisplayName: s.displayName,
	})
	if err != nil {
		return err
	}
	if err := s.transport.Send(ctx, env.SenderId, ack); err != nil {
		return err
	}
	s.connect(env.SenderId, hello.DisplayName)
	return nil
}

func (s *Session) onHelloAck(ctx context.Context, env *Envelope) error {
	var hello HelloPayload
	if err := json.Unmarshal(env.Payload, &hello); err != nil {
		return fmt.Errorf("decode HELLO_ACK: %w", err)
	}

	s.mu.Lock()
	awaiting := s.state == StateAnnounced || s.state == StateHandshaking
	s.mu.Unlock()
	if !awaiting {
		s.log.Debug().Str("peer", env.SenderId).Msg("ignoring HELLO_ACK outside handshake")
		return nil
	}
	if drift := s.drift(hello.Timestamp); drift > s.driftBound {
		return s.reject(ctx, env.SenderId, fmt.Sprintf("clock drift %s exceeds %s", drift, s.driftBound))
	}
	s.connect(env.SenderId, hello.DisplayName)
	return nil
}

func (s *Session) onReject(env *Envelope) error {
	var rej RejectPayload
	if err := json.Unmarshal(env.Payload, &rej); err != nil {
		return fmt.Errorf("decode REJECT: %w", err)
	}
	s.mu.Lock()
	s.state = StateDisconnected
	s.peerId = ""
	s.mu.Unlock()
	s.log.Info().Str("peer", env.SenderId).Str("reason", rej.Reason).Msg("handshake rejected by peer")
	s.notify(Notification{Kind: NotifyRejected, PeerID: env.SenderId, Reason: rej.Reason})
	return &model.HandshakeRejectedError{PeerID: env.SenderId, Reason: rej.Reason}
}

func (s *Session) onDataPush(ctx context.Context, env *Envelope) error {
	if err := s.requireConnectedPeer(env.SenderId); err != nil {
		return err
	}
	var push DataPushPayload
	if err := json.Unmarshal(env.Payload, &push); err != nil {
		return fmt.Errorf("decode DATA_PUSH: %w", err)
	}
	return s.dispatcher.HandleDataPush(ctx, push.Collection, push.Document, env.SenderId)
}

func (s *Session) onFullSync(ctx context.Context, env *Envelope) error {
	if err := s.requireConnectedPeer(env.SenderId); err != nil {
		return err
	}
	var full FullSyncPayload
	if err := json.Unmarshal(env.Payload, &full); err != nil {
		return fmt.Errorf("decode FULL_SYNC: %w", err)
	}
	return s.dispatcher.HandleFullSync(ctx, full.Payload, env.SenderId)
}

func (s *Session) onUpdate(ctx context.Context, env *Envelope) error {
	if err := s.requireConnectedPeer(env.SenderId); err != nil {
		return err
	}
	var upd UpdatePayload
	if err := json.Unmarshal(env.Payload, &upd); err != nil {
		return fmt.Errorf("decode UPDATE: %w", err)
	}
	return s.dispatcher.HandleUpdate(ctx, upd.Key, upd.Document, env.SenderId)
}

// requireConnectedPeer drops data-bearing messages from anyone but the
// currently connected peer, so a stale or impersonating sender cannot inject
// documents.
func (s *Session) requireConnectedPeer(senderId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected || s.peerId != senderId {
		return fmt.Errorf("data message from %s outside connected session", senderId)
	}
	return nil
}

// Push sends one document to the connected peer.
func (s *Session) Push(ctx context.Context, collection string, document json.RawMessage) error {
	s.mu.Lock()
	peerId := s.peerId
	connected := s.state == StateConnected
	s.mu.Unlock()
	if !connected {
		return fmt.Errorf("no connected peer")
	}
	data, err := Encode(TypeDataPush, s.nodeId, DataPushPayload{Collection: collection, Document: document})
	if err != nil {
		return err
	}
	return s.transport.Send(ctx, peerId, data)
}

// SendFullSync sends the complete dataset to the connected peer for a mirror.
func (s *Session) SendFullSync(ctx context.Context, payload map[string][]json.RawMessage) error {
	s.mu.Lock()
	peerId := s.peerId
	connected := s.state == StateConnected
	s.mu.Unlock()
	if !connected {
		return fmt.Errorf("no connected peer")
	}
	data, err := Encode(TypeFullSync, s.nodeId, FullSyncPayload{Payload: payload})
	if err != nil {
		return err
	}
	return s.transport.Send(ctx, peerId, data)
}

// Disconnect tears down the transport channel and clears session state.
func (s *Session) Disconnect() {
	s.mu.Lock()
	peerId := s.peerId
	wasConnected := s.state == StateConnected
	s.state = StateDisconnected
	s.peerId = ""
	s.mu.Unlock()
	if err := s.transport.Close(); err != nil {
		s.log.Warn().Err(err).Msg("transport close failed")
	}
	if wasConnected {
		s.notify(Notification{Kind: NotifyDisconnected, PeerID: peerId})
	}
}

func (s *Session) connect(peerId, displayName string) {
	s.mu.Lock()
	s.state = StateConnected
	s.peerId = peerId
	s.mu.Unlock()
	s.log.Info().Str("peer", peerId).Str("display_name", displayName).Msg("peer connected")
	s.notify(Notification{Kind: NotifyConnected, PeerID: peerId, DisplayName: displayName})
}

func (s *Session) reject(ctx context.Context, peerId, reason string) error {
	s.log.Info().Str("peer", peerId).Str("reason", reason).Msg("rejecting handshake")
	data, err := Encode(TypeReject, s.nodeId, RejectPayload{Reason: reason})
	if err != nil {
		return err
	}
	return s.transport.Send(ctx, peerId, data)
}

func (s *Session) drift(remote time.Time) time.Duration {
	d := s.clock.Now().Sub(remote)
	if d < 0 {
		d = -d
	}
	return d
}
