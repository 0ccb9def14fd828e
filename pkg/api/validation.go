package api

import (
	"fmt"
	"path"
	"strings"
)

// ValidationConfig holds configurable limits for request validation.
type ValidationConfig struct {
	MaxMessageSize int
	MaxAttachments int
}

// DefaultValidationConfig returns a ValidationConfig with sensible defaults.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		MaxMessageSize: 1024 * 1024, // 1MB
		MaxAttachments: 32,
	}
}

// ValidateExecuteRequest checks an ExecuteRequest for validity. It returns
// an *APIError describing the first validation failure, or nil if the
// request is valid. The user id format is checked separately by the
// sandbox package, which owns the mapping from user id to directory.
func ValidateExecuteRequest(req *ExecuteRequest, cfg ValidationConfig) *APIError {
	if req.UserID == "" {
		return NewUnauthenticatedError("user identity is required")
	}

	if req.Message == "" {
		return NewInvalidRequestError("message", "message is required")
	}

	if cfg.MaxMessageSize > 0 && len(req.Message) > cfg.MaxMessageSize {
		return NewInvalidRequestError("message",
			fmt.Sprintf("message exceeds maximum of %d bytes", cfg.MaxMessageSize))
	}

	if cfg.MaxAttachments > 0 && len(req.Attachments) > cfg.MaxAttachments {
		return NewInvalidRequestError("attachments",
			fmt.Sprintf("attachments exceeds maximum of %d", cfg.MaxAttachments))
	}

	for i, att := range req.Attachments {
		if apiErr := validateAttachmentPath(att.Path); apiErr != nil {
			apiErr.Param = fmt.Sprintf("attachments[%d].path", i)
			return apiErr
		}
	}

	return nil
}

// validateAttachmentPath rejects paths that could leave the sandbox root
// lexically. Symlinks are checked again inside the worker, where the
// files actually live.
func validateAttachmentPath(p string) *APIError {
	if p == "" {
		return NewInvalidRequestError("", "attachment path is required")
	}
	if strings.ContainsRune(p, 0) {
		return NewInvalidRequestError("", "attachment path contains a NUL byte")
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, `\`) {
		return NewInvalidRequestError("", "attachment path must be relative")
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return NewInvalidRequestError("", "attachment path escapes the sandbox")
	}
	return nil
}
