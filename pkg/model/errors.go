package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a document does not exist (or is soft-deleted).
	ErrNotFound = errors.New("document not found")
	// ErrStorageConnection is returned when the storage backend cannot be opened
	ErrStorageConnection = errors.New("storage connection failed")
	// ErrTransactionAborted is returned when a transaction work function failed and was rolled back
	ErrTransactionAborted = errors.New("transaction aborted")
	// ErrQuotaExceeded is returned when the storage backend is out of space
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	// ErrSchemaVersionMismatch is returned when a caller supplies a stale schema version tag
	ErrSchemaVersionMismatch = errors.New("schema version mismatch")
	// ErrEphemeralRestriction is returned when a write is attempted while the
	// ephemeral (private/incognito) gate is set
	ErrEphemeralRestriction = errors.New("writes disabled in ephemeral context")
	// ErrLockTimeout is returned when the cross-process lock could not be acquired in time
	ErrLockTimeout = errors.New("lock acquisition timed out")
	// ErrInvalidPayload is returned when an inbound sync payload fails validation
	ErrInvalidPayload = errors.New("invalid sync payload")
	// ErrSessionBusy is returned when a handshake arrives while another peer is connected
	ErrSessionBusy = errors.New("another peer session is active")
	// ErrUnsavedDraft blocks mirror sync while a draft would be destroyed
	ErrUnsavedDraft = errors.New("unsaved draft present")
	// ErrUnknownCollection is returned for a collection name outside the fixed set
	ErrUnknownCollection = errors.New("unknown collection")
)

// HandshakeRejectedError is returned when a peer refuses or aborts a
// handshake. Reason is human-readable and surfaced to the UI layer.
type HandshakeRejectedError struct {
	PeerID string
	Reason string
}

func (e *HandshakeRejectedError) Error() string {
	return fmt.Sprintf("handshake with %s rejected: %s", e.PeerID, e.Reason)
}
