package models

import (
	"encoding/json"
	"time"
)

// SessionEventType enumerates the live event kinds published to session
// observers.
type SessionEventType string

const (
	// EventTokenChunk carries a fragment of streamed assistant text.
	EventTokenChunk SessionEventType = "token_chunk"

	// EventToolProgress carries incremental tool output (e.g. stdout from a
	// running program).
	EventToolProgress SessionEventType = "tool_progress"

	// EventJobCompleted signals that a background job finished successfully.
	EventJobCompleted SessionEventType = "job_completed"

	// EventJobFailed signals that a background job exhausted its retries.
	EventJobFailed SessionEventType = "job_failed"

	// EventError carries a turn-level error surfaced to observers.
	EventError SessionEventType = "error"
)

// SessionEvent is the envelope delivered to session observers. Delivery is
// best-effort: events published with no observer attached are dropped.
type SessionEvent struct {
	Type      SessionEventType `json:"type"`
	SessionID string           `json:"session_id"`
	JobID     string           `json:"job_id,omitempty"`
	Text      string           `json:"text,omitempty"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
	Timestamp time.Time        `json:"ts"`
}
