package acpbridge

import "github.com/everydev1618/acpbridge/acp"

// EventType names the frames emitted on a run's event channel. The
// same vocabulary is used verbatim on the SSE surface.
type EventType string

const (
	EventUpdate    EventType = "update"
	EventCompleted EventType = "completed"
	EventCancelled EventType = "cancelled"
	EventFailed    EventType = "failed"
)

// Event is one frame on a run's event channel: zero or more update
// frames followed by exactly one terminal frame, after which the
// channel closes.
type Event struct {
	Type EventType `json:"type"`

	// Update is set on update frames.
	Update *acp.Update `json:"update,omitempty"`

	// Run is the run snapshot, set on terminal frames.
	Run *Run `json:"run,omitempty"`

	// Message is the persisted agent reply, set on completed frames.
	Message *Message `json:"message,omitempty"`

	// Error is set on failed frames.
	Error *Error `json:"error,omitempty"`
}
