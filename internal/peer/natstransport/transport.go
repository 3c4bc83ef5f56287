// Package natstransport implements the peer transport over NATS core
// subjects: one shared discovery subject for HELLO broadcasts and one inbox
// subject per node for everything else. NATS is only the carrier; session
// identity and trust live in the peer package.
package natstransport

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/peerkeep/peerkeep/internal/peer"
)

const (
	discoverySubject = "peerkeep.discovery"
	inboxPrefix      = "peerkeep.node."
)

type Transport struct {
	nc     *nats.Conn
	nodeId string
	inbox  chan []byte
	subs   []*nats.Subscription
	closed sync.Once
}

// New connects the node to the bus and subscribes its inbox and the
// discovery subject.
func New(nc *nats.Conn, nodeId string) (*Transport, error) {
	t := &Transport{
		nc:     nc,
		nodeId: nodeId,
		inbox:  make(chan []byte, 256),
	}
	for _, subject := range []string{discoverySubject, inboxPrefix + nodeId} {
		sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
			select {
			case t.inbox <- msg.Data:
			default:
				// drop rather than block the NATS callback
			}
		})
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		t.subs = append(t.subs, sub)
	}
	return t, nil
}

var _ peer.Transport = (*Transport)(nil)

func (t *Transport) Broadcast(ctx context.Context, data []byte) error {
	return t.nc.Publish(discoverySubject, data)
}

func (t *Transport) Send(ctx context.Context, peerId string, data []byte) error {
	return t.nc.Publish(inboxPrefix+peerId, data)
}

func (t *Transport) Receive() <-chan []byte { return t.inbox }

func (t *Transport) Close() error {
	var err error
	t.closed.Do(func() {
		for _, sub := range t.subs {
			if uerr := sub.Unsubscribe(); uerr != nil && err == nil {
				err = uerr
			}
		}
		close(t.inbox)
	})
	return err
}
