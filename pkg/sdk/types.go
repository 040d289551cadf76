// Package sdk holds the value types shared between the dispatcher, the
// transports and embedding applications: tool and resource definitions,
// invocation results, notifications and the wire envelope.
package sdk

import (
	"context"
	"errors"
	"time"
)

// ToolHandler executes a tool invocation. The returned payload becomes
// ToolResult.Data on success; a returned error becomes a structured
// failure, it is never propagated past the dispatcher.
type ToolHandler func(ctx context.Context, params map[string]any) (any, error)

// Tool is a named, remotely invocable action. Handler may be nil for
// catalog-only registrations; invoking such a tool yields a structured
// "no handler" failure.
type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	InputSchema *Schema     `json:"inputSchema,omitempty"`
	Handler     ToolHandler `json:"-"`
}

// Validate reports whether the definition is usable. Called by the
// dispatcher at registration time.
func (t Tool) Validate() error {
	if t.Name == "" {
		return errors.New("tool: name is required")
	}
	return nil
}

// ToolResult is the outcome of a single invocation. Constructed fresh per
// call and never mutated after return.
type ToolResult struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Ok wraps a payload in a successful result.
func Ok(data any) *ToolResult { return &ToolResult{Success: true, Data: data} }

// Fail wraps a message in a failed result.
func Fail(msg string) *ToolResult { return &ToolResult{Success: false, Error: msg} }

// ResourceHandler reads a resource. It receives the full requested URI,
// not a stripped prefix, even when matched through a wildcard.
type ResourceHandler func(ctx context.Context, uri string) (any, error)

// Resource is a named, remotely readable endpoint. A URI ending in "*"
// matches any suffix by prefix.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

// Validate reports whether the definition is usable.
func (r Resource) Validate() error {
	if r.URI == "" {
		return errors.New("resource: uri is required")
	}
	return nil
}

// Notification is a one-way, unacknowledged message from the dispatcher
// to any connected caller. The dispatcher stamps Timestamp if zero.
type Notification struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// Envelope frame types on the duplex channel and the push stream.
const (
	FrameNotification = "notification"
	FrameToolCall     = "tool_call"
	FrameResourceRead = "resource_read"
	FrameResponse     = "response"
)

// Envelope is a single frame on the multiplexed duplex channel. ID
// correlates a tool_call or resource_read with its eventual response.
type Envelope struct {
	Type   string         `json:"type"`
	ID     string         `json:"id,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
	Result any            `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}
