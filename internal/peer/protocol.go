package peer

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType enumerates the wire messages two peers exchange. Dispatch is
// an exhaustive switch over this type; adding a message means the compiler
// points at every switch to extend.
type MessageType string

const (
	TypeHello    MessageType = "HELLO"
	TypeHelloAck MessageType = "HELLO_ACK"
	TypeReject   MessageType = "REJECT"
	TypeDataPush MessageType = "DATA_PUSH"
	TypeFullSync MessageType = "FULL_SYNC"
	TypeUpdate   MessageType = "UPDATE"
)

// Envelope wraps every message with its type and the sender's self-chosen
// opaque identifier.
type Envelope struct {
	Type     MessageType     `json:"type"`
	SenderId string          `json:"senderId"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// HelloPayload is broadcast during discovery and echoed in HELLO_ACK. The
// declared timestamp lets the receiver bound clock drift before trusting
// timestamp-based conflict decisions.
type HelloPayload struct {
	Timestamp   time.Time `json:"timestamp"`
	DisplayName string    `json:"displayName"`
}

// RejectPayload carries the human-readable refusal reason.
type RejectPayload struct {
	Reason string `json:"reason"`
}

// DataPushPayload carries one document for a named collection. The document
// stays raw until the sanitizer has cleaned it.
type DataPushPayload struct {
	Collection string          `json:"collection"`
	Document   json.RawMessage `json:"document"`
}

// FullSyncPayload carries a complete dataset for mirror sync, keyed by
// collection name.
type FullSyncPayload struct {
	Payload map[string][]json.RawMessage `json:"payload"`
}

// UpdatePayload targets a single meta key.
type UpdatePayload struct {
	Key      string          `json:"key"`
	Document json.RawMessage `json:"document"`
}

// Encode marshals a message into its wire form.
func Encode(msgType MessageType, senderId string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		raw = b
	}
	return json.Marshal(Envelope{Type: msgType, SenderId: senderId, Payload: raw})
}

// Decode parses a wire message envelope.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" || env.SenderId == "" {
		return nil, fmt.Errorf("envelope missing type or sender")
	}
	return &env, nil
}
