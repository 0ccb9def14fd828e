package api

// ExecuteRequest is one agent turn delegated to a user's sandbox.
type ExecuteRequest struct {
	// ID is the correlation id of the execution. It is generated when
	// empty; callers set it when they need to refer to the execution
	// before it finishes, for example to cancel it.
	ID string `json:"-"`

	// UserID selects the sandbox. It is set by the caller from an
	// authenticated identity, never from the request body.
	UserID string `json:"-"`

	// SessionID groups turns of one conversation.
	SessionID string `json:"session_id,omitempty"`

	// Message is the user's input for this turn.
	Message string `json:"message"`

	// Attachments reference files already placed in the user's sandbox.
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is a file reference. Path is relative to the sandbox root.
type Attachment struct {
	Name      string `json:"name,omitempty"`
	Path      string `json:"path"`
	MediaType string `json:"media_type,omitempty"`
}
