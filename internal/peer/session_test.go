package peer_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerkeep/peerkeep/internal/clock"
	"github.com/peerkeep/peerkeep/internal/peer"
	"github.com/peerkeep/peerkeep/pkg/model"
)

type pushCall struct {
	collection string
	peerId     string
	document   json.RawMessage
}

type recordingDispatcher struct {
	pushes    []pushCall
	updates   []string
	fullSyncs int
}

func (d *recordingDispatcher) HandleDataPush(_ context.Context, collection string, document json.RawMessage, peerId string) error {
	d.pushes = append(d.pushes, pushCall{collection: collection, peerId: peerId, document: document})
	return nil
}

func (d *recordingDispatcher) HandleFullSync(_ context.Context, _ map[string][]json.RawMessage, _ string) error {
	d.fullSyncs++
	return nil
}

func (d *recordingDispatcher) HandleUpdate(_ context.Context, key string, _ json.RawMessage, _ string) error {
	d.updates = append(d.updates, key)
	return nil
}

type node struct {
	session       *peer.Session
	transport     peer.Transport
	dispatcher    *recordingDispatcher
	clock         *clock.Fixed
	notifications []peer.Notification
}

func newNode(net *peer.MemNetwork, id string, opts peer.Options) *node {
	n := &node{
		dispatcher: &recordingDispatcher{},
		clock:      &clock.Fixed{T: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)},
	}
	n.transport = net.Join(id)
	opts.NodeID = id
	opts.Notify = func(note peer.Notification) { n.notifications = append(n.notifications, note) }
	n.session = peer.NewSession(n.transport, n.dispatcher, n.clock, zerolog.Nop(), opts)
	return n
}

// drain synchronously processes everything currently queued on the node's
// inbox, so handshakes can be stepped through deterministically.
func (n *node) drain(ctx context.Context) {
	for {
		select {
		case data := <-n.transport.Receive():
			_ = n.session.HandleInbound(ctx, data)
		default:
			return
		}
	}
}

func TestHandshake_Connects(t *testing.T) {
	ctx := context.Background()
	net := peer.NewMemNetwork()
	a := newNode(net, "node-a", peer.Options{DisplayName: "Alice"})
	b := newNode(net, "node-b", peer.Options{DisplayName: "Bob"})

	require.NoError(t, a.session.Announce(ctx))
	assert.Equal(t, peer.StateAnnounced, a.session.State())

	b.drain(ctx) // HELLO in, HELLO_ACK out
	a.drain(ctx)

	assert.Equal(t, peer.StateConnected, a.session.State())
	assert.Equal(t, peer.StateConnected, b.session.State())
	assert.Equal(t, "node-b", a.session.PeerID())
	assert.Equal(t, "node-a", b.session.PeerID())

	require.Len(t, a.notifications, 1)
	assert.Equal(t, peer.NotifyConnected, a.notifications[0].Kind)
	assert.Equal(t, "Bob", a.notifications[0].DisplayName)
}

// failingSendTransport simulates a peer link that drops outbound frames.
type failingSendTransport struct {
	peer.Transport
	fail bool
}

func (f *failingSendTransport) Send(ctx context.Context, peerId string, data []byte) error {
	if f.fail {
		return errors.New("link down")
	}
	return f.Transport.Send(ctx, peerId, data)
}

func TestHandshake_MidHandshakeUntilAckDelivered(t *testing.T) {
	ctx := context.Background()
	net := peer.NewMemNetwork()
	a := newNode(net, "node-a", peer.Options{})
	b := newNode(net, "node-b", peer.Options{})
	flaky := &failingSendTransport{Transport: b.transport, fail: true}
	b.session = peer.NewSession(flaky, b.dispatcher, b.clock, zerolog.Nop(), peer.Options{NodeID: "node-b"})

	require.NoError(t, a.session.Announce(ctx))
	frame := <-b.transport.Receive()
	require.Error(t, b.session.HandleInbound(ctx, frame))
	assert.Equal(t, peer.StateHandshaking, b.session.State(), "a validated HELLO leaves the session mid-handshake until the ACK is delivered")

	// the link recovers; the next HELLO completes the handshake
	flaky.fail = false
	require.NoError(t, a.session.Announce(ctx))
	b.drain(ctx)
	a.drain(ctx)
	assert.Equal(t, peer.StateConnected, b.session.State())
	assert.Equal(t, peer.StateConnected, a.session.State())
}

func TestHandshake_RejectedOnClockDrift(t *testing.T) {
	ctx := context.Background()
	net := peer.NewMemNetwork()
	a := newNode(net, "node-a", peer.Options{})
	b := newNode(net, "node-b", peer.Options{})
	b.clock.Advance(2 * time.Minute)

	require.NoError(t, a.session.Announce(ctx))
	b.drain(ctx)

	// the REJECT surfaces as a typed error carrying the peer's reason
	frame := <-a.transport.Receive()
	err := a.session.HandleInbound(ctx, frame)
	var rejected *model.HandshakeRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "node-b", rejected.PeerID)
	assert.Contains(t, rejected.Reason, "drift")

	assert.Equal(t, peer.StateDisconnected, a.session.State())
	assert.NotEqual(t, peer.StateConnected, b.session.State())
	require.Len(t, a.notifications, 1)
	assert.Equal(t, peer.NotifyRejected, a.notifications[0].Kind)
}

func TestHandshake_BusyRejectsThirdPeer(t *testing.T) {
	ctx := context.Background()
	net := peer.NewMemNetwork()
	a := newNode(net, "node-a", peer.Options{})
	b := newNode(net, "node-b", peer.Options{})

	require.NoError(t, a.session.Announce(ctx))
	b.drain(ctx)
	a.drain(ctx)
	require.Equal(t, peer.StateConnected, a.session.State())

	c := newNode(net, "node-c", peer.Options{})
	require.NoError(t, c.session.Announce(ctx))
	a.drain(ctx)
	b.drain(ctx)
	c.drain(ctx)

	assert.NotEqual(t, peer.StateConnected, c.session.State())
	require.NotEmpty(t, c.notifications)
	assert.Equal(t, peer.NotifyRejected, c.notifications[0].Kind)

	// the original pairing survives the interloper
	assert.Equal(t, "node-b", a.session.PeerID())
	assert.Equal(t, "node-a", b.session.PeerID())
}

func TestAnnounce_SuppressedWhileEphemeral(t *testing.T) {
	ctx := context.Background()
	net := peer.NewMemNetwork()
	a := newNode(net, "node-a", peer.Options{Ephemeral: func() bool { return true }})
	b := newNode(net, "node-b", peer.Options{})

	require.NoError(t, a.session.Announce(ctx))
	assert.Equal(t, peer.StateIdle, a.session.State())
	b.drain(ctx)
	assert.Equal(t, peer.StateIdle, b.session.State(), "nothing was broadcast")
}

func TestHello_RejectedWhileEphemeral(t *testing.T) {
	ctx := context.Background()
	net := peer.NewMemNetwork()
	a := newNode(net, "node-a", peer.Options{})
	b := newNode(net, "node-b", peer.Options{Ephemeral: func() bool { return true }})

	require.NoError(t, a.session.Announce(ctx))
	b.drain(ctx)
	a.drain(ctx)

	assert.Equal(t, peer.StateDisconnected, a.session.State())
	require.Len(t, a.notifications, 1)
	assert.Equal(t, peer.NotifyRejected, a.notifications[0].Kind)
	assert.Contains(t, a.notifications[0].Reason, "ephemeral")
}

func TestDataPush_DispatchedWhenConnected(t *testing.T) {
	ctx := context.Background()
	net := peer.NewMemNetwork()
	a := newNode(net, "node-a", peer.Options{})
	b := newNode(net, "node-b", peer.Options{})

	require.NoError(t, a.session.Announce(ctx))
	b.drain(ctx)
	a.drain(ctx)

	doc := json.RawMessage(`{"id":"c1","data":{"name":"Ada"}}`)
	require.NoError(t, a.session.Push(ctx, "customers", doc))
	b.drain(ctx)

	require.Len(t, b.dispatcher.pushes, 1)
	assert.Equal(t, "customers", b.dispatcher.pushes[0].collection)
	assert.Equal(t, "node-a", b.dispatcher.pushes[0].peerId)
	assert.JSONEq(t, string(doc), string(b.dispatcher.pushes[0].document))
}

func TestDataPush_DroppedFromStranger(t *testing.T) {
	ctx := context.Background()
	net := peer.NewMemNetwork()
	a := newNode(net, "node-a", peer.Options{})
	b := newNode(net, "node-b", peer.Options{})

	require.NoError(t, a.session.Announce(ctx))
	b.drain(ctx)
	a.drain(ctx)

	frame, err := peer.Encode(peer.TypeDataPush, "node-x", peer.DataPushPayload{
		Collection: "customers",
		Document:   json.RawMessage(`{"id":"evil"}`),
	})
	require.NoError(t, err)
	assert.Error(t, b.session.HandleInbound(ctx, frame))
	assert.Empty(t, b.dispatcher.pushes)
}

func TestPush_FailsWithoutConnection(t *testing.T) {
	net := peer.NewMemNetwork()
	a := newNode(net, "node-a", peer.Options{})

	err := a.session.Push(context.Background(), "customers", json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestOwnEchoIgnored(t *testing.T) {
	ctx := context.Background()
	net := peer.NewMemNetwork()
	a := newNode(net, "node-a", peer.Options{})

	frame, err := peer.Encode(peer.TypeHello, "node-a", peer.HelloPayload{Timestamp: a.clock.Now()})
	require.NoError(t, err)
	require.NoError(t, a.session.HandleInbound(ctx, frame))
	assert.Equal(t, peer.StateIdle, a.session.State())
}

func TestDisconnect_NotifiesAndClearsPeer(t *testing.T) {
	ctx := context.Background()
	net := peer.NewMemNetwork()
	a := newNode(net, "node-a", peer.Options{})
	b := newNode(net, "node-b", peer.Options{})

	require.NoError(t, a.session.Announce(ctx))
	b.drain(ctx)
	a.drain(ctx)
	require.Equal(t, peer.StateConnected, a.session.State())

	a.session.Disconnect()
	assert.Equal(t, peer.StateDisconnected, a.session.State())
	assert.Empty(t, a.session.PeerID())
	last := a.notifications[len(a.notifications)-1]
	assert.Equal(t, peer.NotifyDisconnected, last.Kind)
	assert.Equal(t, "node-b", last.PeerID)
}

func TestFullSync_DispatchedWhenConnected(t *testing.T) {
	ctx := context.Background()
	net := peer.NewMemNetwork()
	a := newNode(net, "node-a", peer.Options{})
	b := newNode(net, "node-b", peer.Options{})

	require.NoError(t, a.session.Announce(ctx))
	b.drain(ctx)
	a.drain(ctx)

	payload := map[string][]json.RawMessage{
		"customers": {json.RawMessage(`{"id":"c1","data":{}}`)},
	}
	require.NoError(t, a.session.SendFullSync(ctx, payload))
	b.drain(ctx)
	assert.Equal(t, 1, b.dispatcher.fullSyncs)
}
