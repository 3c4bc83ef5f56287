package peer

import (
	"context"
	"fmt"
	"sync"
)

// MemNetwork connects in-process transports by node id. It backs the unit
// tests and loopback wiring; the durable implementation lives in
// natstransport.
type MemNetwork struct {
	mu    sync.Mutex
	nodes map[string]*memTransport
}

func NewMemNetwork() *MemNetwork {
	return &MemNetwork{nodes: make(map[string]*memTransport)}
}

// Join registers a node and returns its transport.
func (n *MemNetwork) Join(nodeId string) Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	t := &memTransport{net: n, id: nodeId, inbox: make(chan []byte, 64)}
	n.nodes[nodeId] = t
	return t
}

func (n *MemNetwork) deliver(from, to string, data []byte) error {
	n.mu.Lock()
	target, ok := n.nodes[to]
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("no such peer: %s", to)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case target.inbox <- buf:
		return nil
	default:
		return fmt.Errorf("peer %s inbox full", to)
	}
}

type memTransport struct {
	net    *MemNetwork
	id     string
	inbox  chan []byte
	closed sync.Once
}

func (t *memTransport) Broadcast(ctx context.Context, data []byte) error {
	t.net.mu.Lock()
	ids := make([]string, 0, len(t.net.nodes))
	for id := range t.net.nodes {
		if id != t.id {
			ids = append(ids, id)
		}
	}
	t.net.mu.Unlock()
	for _, id := range ids {
		if err := t.net.deliver(t.id, id, data); err != nil {
			return err
		}
	}
	return nil
}

func (t *memTransport) Send(ctx context.Context, peerId string, data []byte) error {
	return t.net.deliver(t.id, peerId, data)
}

func (t *memTransport) Receive() <-chan []byte { return t.inbox }

func (t *memTransport) Close() error {
	t.closed.Do(func() {
		t.net.mu.Lock()
		delete(t.net.nodes, t.id)
		t.net.mu.Unlock()
		close(t.inbox)
	})
	return nil
}
