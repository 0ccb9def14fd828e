// Package api defines the protocol types shared by the kapsel gateway side:
// execution requests, the events streamed back to callers, structured
// errors, and identifier generation.
//
// The package has no external dependencies and performs no I/O. Other
// packages build on it: pkg/sandbox produces [Event] values, and
// pkg/transport serializes them to clients.
//
// Core types:
//   - [ExecuteRequest]: one agent turn for a user and session
//   - [Attachment]: a file reference relative to the user's sandbox root
//   - [Event]: an incremental or terminal event of an execution
//   - [APIError]: structured error with type, code, param, and message
package api
