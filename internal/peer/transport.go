package peer

import "context"

// Transport is the abstract point-to-point link under a peer session.
// Broadcast reaches every listening peer (discovery); Send targets one.
// Sender identity rides inside the message envelope, not the transport.
type Transport interface {
	Broadcast(ctx context.Context, data []byte) error
	Send(ctx context.Context, peerId string, data []byte) error

	// Receive yields inbound frames until Close. The channel is closed on
	// teardown.
	Receive() <-chan []byte

	Close() error
}
