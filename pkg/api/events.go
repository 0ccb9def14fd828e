package api

import "encoding/json"

// EventType identifies the type of an execution event. Runtime events use
// whatever type the agent runtime emitted; the types below are produced by
// the orchestrator itself.
type EventType string

const (
	// EventCompleted is the terminal event of a successful execution.
	EventCompleted EventType = "completed"

	// EventError is the terminal event of a failed execution.
	EventError EventType = "error"
)

// GenericErrorMessage is the only failure text ever shown to callers.
const GenericErrorMessage = "something went wrong"

// Event is a single event of an execution, in emission order.
type Event struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ErrorData is the payload of an EventError event.
type ErrorData struct {
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// Reserved reports whether t may only be produced by the orchestrator.
// Runtimes cannot emit events of these types.
func (t EventType) Reserved() bool {
	return t == EventCompleted || t == EventError
}

// IsTerminal reports whether the event ends an execution stream.
func (e Event) IsTerminal() bool {
	return e.Type.Reserved()
}

// NewErrorEvent builds the generic terminal error event.
func NewErrorEvent(retryable bool) Event {
	data, _ := json.Marshal(ErrorData{Message: GenericErrorMessage, Retryable: retryable})
	return Event{Type: EventError, Data: data}
}

// NewCompletedEvent builds the terminal success event carrying the
// runtime's result payload.
func NewCompletedEvent(result json.RawMessage) Event {
	return Event{Type: EventCompleted, Data: result}
}
