package ipc

import (
	"encoding/json"
	"fmt"

	"github.com/rhuss/kapsel/pkg/api"
)

// ProtocolVersion is announced by workers in their ready notification.
const ProtocolVersion = 1

// Methods.
const (
	MethodExecute  = "execute"
	MethodCancel   = "cancel"
	MethodShutdown = "shutdown"
	MethodEvent    = "event"
	MethodReady    = "ready"
)

// Error codes carried in Response errors.
const (
	CodeRuntimeError   = "runtime_error"
	CodeCancelled      = "cancelled"
	CodeInvalidParams  = "invalid_params"
	CodeMethodNotFound = "method_not_found"
	CodeBusy           = "busy"
	CodeInternal       = "internal_error"
)

// Kind classifies a frame by its envelope shape.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindResponse
	KindEvent
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindEvent:
		return "event"
	case KindNotification:
		return "notification"
	default:
		return "invalid"
	}
}

// Message is the single envelope type for all frames.
type Message struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is the error member of a Response.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Kind reports what kind of frame m is.
func (m Message) Kind() Kind {
	switch {
	case m.Method == MethodEvent && m.ID == "":
		return KindEvent
	case m.Method != "" && m.ID != "":
		return KindRequest
	case m.Method != "":
		return KindNotification
	case m.ID != "" && (m.Result != nil || m.Error != nil):
		return KindResponse
	default:
		return KindInvalid
	}
}

// DecodeParams unmarshals the params member into v.
func (m Message) DecodeParams(v any) error {
	if len(m.Params) == 0 {
		return fmt.Errorf("%s: missing params", m.Method)
	}
	if err := json.Unmarshal(m.Params, v); err != nil {
		return fmt.Errorf("%s: decode params: %w", m.Method, err)
	}
	return nil
}

// ExecuteParams are the params of an execute request.
type ExecuteParams struct {
	UserID      string           `json:"user_id"`
	SessionID   string           `json:"session_id,omitempty"`
	Message     string           `json:"message"`
	Attachments []api.Attachment `json:"attachments,omitempty"`
}

// EventParams are the params of an event frame.
type EventParams struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ReadyParams are the params of the ready notification.
type ReadyParams struct {
	PID      int    `json:"pid"`
	Runtime  string `json:"runtime"`
	Protocol int    `json:"protocol"`
}

// NewRequest builds a request frame. params may be nil.
func NewRequest(id, method string, params any) (Message, error) {
	msg := Message{ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return Message{}, fmt.Errorf("%s: encode params: %w", method, err)
		}
		msg.Params = raw
	}
	return msg, nil
}

// NewEvent builds an event frame.
func NewEvent(eventType string, data any) (Message, error) {
	p := EventParams{Type: eventType}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Message{}, fmt.Errorf("event %s: encode data: %w", eventType, err)
		}
		p.Data = raw
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return Message{}, err
	}
	return Message{Method: MethodEvent, Params: raw}, nil
}

// NewResult builds a successful response frame.
func NewResult(id string, result any) (Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Message{}, fmt.Errorf("encode result: %w", err)
	}
	return Message{ID: id, Result: raw}, nil
}

// NewErrorResponse builds a failed response frame.
func NewErrorResponse(id, code, message string) Message {
	return Message{ID: id, Error: &Error{Code: code, Message: message}}
}

// NewReady builds the ready notification.
func NewReady(p ReadyParams) (Message, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return Message{}, err
	}
	return Message{Method: MethodReady, Params: raw}, nil
}
