// Package transport provides the pluggable channel bindings that carry
// tool calls, resource reads and notifications between the dispatcher
// and external controllers. Three bindings exist: the push-channel
// (SSE inbound, discrete HTTP requests outbound), the multiplexed
// duplex websocket, and the in-process hookup used for embedding and
// tests. The dispatcher only sees the Transport interface; new bindings
// never require dispatcher changes.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/ShellPilot/shellpilot-gateway/pkg/sdk"
)

var (
	// ErrNotConnected is returned by send operations on a transport
	// whose channel is down.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrNoHandler is returned when an inbound call arrives before the
	// dispatcher wired its callbacks.
	ErrNoHandler = errors.New("transport: no inbound handler registered")

	// ErrTimeout rejects a duplex call whose response never arrived
	// within the configured window.
	ErrTimeout = errors.New("transport: request timed out")

	// ErrReconnecting rejects a Connect issued while the automatic
	// reconnect sequence is still running; the sequence either restores
	// the channel on its own or ends in StatusGaveUp, after which
	// Connect works again.
	ErrReconnecting = errors.New("transport: reconnect in progress")
)

// CallHandler is the dispatcher's inbound tool-call entrypoint. It
// never returns a Go error; failures come back inside the result.
type CallHandler func(ctx context.Context, name string, params map[string]any) *sdk.ToolResult

// ReadHandler is the dispatcher's inbound resource-read entrypoint.
type ReadHandler func(ctx context.Context, uri string) (any, error)

// Status is a coarse connection state reported to the status callback.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusReconnecting Status = "reconnecting"

	// StatusGaveUp means the bounded reconnect budget is exhausted; no
	// further attempt happens until Connect is called again.
	StatusGaveUp Status = "reconnect_exhausted"
)

// StatusFunc observes connection state transitions.
type StatusFunc func(Status)

// Transport is the capability set every binding implements.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Connected() bool

	// SendNotification delivers a one-way message to the remote side.
	SendNotification(n sdk.Notification) error

	// HandleToolCalls and HandleResourceReads install the inbound
	// entrypoints. The dispatcher calls these when attached.
	HandleToolCalls(CallHandler)
	HandleResourceReads(ReadHandler)

	// OnStatus installs the state-transition observer.
	OnStatus(StatusFunc)
}

// Caller is implemented by the network bindings, which can also invoke
// tools and read resources on the remote side.
type Caller interface {
	CallTool(ctx context.Context, name string, params map[string]any) (*sdk.ToolResult, error)
	ReadResource(ctx context.Context, uri string) (any, error)
}

// RetryPolicy bounds automatic reconnection after a previously open
// channel drops. Once MaxAttempts consecutive attempts fail the
// transport stops for good until Connect is called again.
type RetryPolicy struct {
	Interval    time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy mirrors the documented defaults: fixed 2s interval,
// 10 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Interval: 2 * time.Second, MaxAttempts: 10}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Interval <= 0 {
		p.Interval = 2 * time.Second
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 10
	}
	return p
}
