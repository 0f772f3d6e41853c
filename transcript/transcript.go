// Package transcript persists the local copy of a session's conversation.
// The runtime consumes it through the Store interface: fetch the tail for
// replay reconciliation, and append with caller-chosen local ids so that
// repeated imports are idempotent.
package transcript

import (
	"context"
	"time"
)

// TextItem is one role-attributed message used for replay fingerprinting.
type TextItem struct {
	Role string
	Text string
}

// Watermark records the last successfully imported replay position.
type Watermark struct {
	Fingerprint string
	UpdatedAt   time.Time
}

// Store is the persistence boundary the runtime depends on.
//
// Append operations take a localID chosen by the caller; appending the same
// (sessionID, localID) twice is a no-op, which is what makes reconciliation
// imports safe to retry.
type Store interface {
	// FetchTail returns up to n of the most recent message items for the
	// session, oldest first.
	FetchTail(ctx context.Context, sessionID string, n int) ([]TextItem, error)

	// AppendMessage appends a message item. Duplicate localIDs are ignored.
	AppendMessage(ctx context.Context, sessionID, localID, role, text string) error

	// AppendEvent appends a non-message item (tool_call, tool_result).
	// Duplicate localIDs are ignored.
	AppendEvent(ctx context.Context, sessionID, localID, kind string, payload []byte) error

	// SaveWatermark records the reconciliation watermark for the session.
	SaveWatermark(ctx context.Context, sessionID string, wm Watermark) error

	// Close releases the underlying resources.
	Close() error
}
