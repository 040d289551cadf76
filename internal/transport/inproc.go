package transport

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ShellPilot/shellpilot-gateway/pkg/sdk"
)

// InProc wires the dispatcher directly into the host process: no
// serialization, no network, no retry machinery. Used when the
// presentation layer embeds the gateway, and by tests that need
// deterministic delivery.
type InProc struct {
	log *zap.Logger

	mu        sync.Mutex
	connected bool
	call      CallHandler
	read      ReadHandler
	status    StatusFunc
	listeners []inprocListener
}

type inprocListener struct {
	id string
	fn func(sdk.Notification)
}

// NewInProc returns a disconnected in-process transport.
func NewInProc(log *zap.Logger) *InProc {
	if log == nil {
		log = zap.NewNop()
	}
	return &InProc{log: log}
}

func (t *InProc) Connect(ctx context.Context) error {
	t.mu.Lock()
	t.connected = true
	status := t.status
	t.mu.Unlock()
	if status != nil {
		status(StatusConnected)
	}
	return nil
}

func (t *InProc) Disconnect() error {
	t.mu.Lock()
	t.connected = false
	status := t.status
	t.mu.Unlock()
	if status != nil {
		status(StatusDisconnected)
	}
	return nil
}

func (t *InProc) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// SendNotification fans out synchronously to every registered listener.
func (t *InProc) SendNotification(n sdk.Notification) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return ErrNotConnected
	}
	listeners := make([]inprocListener, len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.Unlock()

	for _, l := range listeners {
		l.fn(n)
	}
	return nil
}

// OnNotification registers a listener for outbound notifications. The
// returned func removes it; removal is idempotent.
func (t *InProc) OnNotification(fn func(sdk.Notification)) (remove func()) {
	id := uuid.NewString()
	t.mu.Lock()
	t.listeners = append(t.listeners, inprocListener{id: id, fn: fn})
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, l := range t.listeners {
			if l.id == id {
				t.listeners = append(t.listeners[:i:i], t.listeners[i+1:]...)
				return
			}
		}
	}
}

func (t *InProc) HandleToolCalls(h CallHandler) {
	t.mu.Lock()
	t.call = h
	t.mu.Unlock()
}

func (t *InProc) HandleResourceReads(h ReadHandler) {
	t.mu.Lock()
	t.read = h
	t.mu.Unlock()
}

func (t *InProc) OnStatus(fn StatusFunc) {
	t.mu.Lock()
	t.status = fn
	t.mu.Unlock()
}

// SimulateToolCall drives the inbound call path directly. Fails
// immediately if no handler is wired; there is no queueing.
func (t *InProc) SimulateToolCall(ctx context.Context, name string, params map[string]any) (*sdk.ToolResult, error) {
	t.mu.Lock()
	call := t.call
	t.mu.Unlock()
	if call == nil {
		return nil, ErrNoHandler
	}
	return call(ctx, name, params), nil
}

// SimulateResourceRead drives the inbound read path directly.
func (t *InProc) SimulateResourceRead(ctx context.Context, uri string) (any, error) {
	t.mu.Lock()
	read := t.read
	t.mu.Unlock()
	if read == nil {
		return nil, ErrNoHandler
	}
	return read(ctx, uri)
}
