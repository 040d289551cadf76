// Package dispatch implements the protocol server at the heart of the
// gateway: the authoritative registries of callable tools and readable
// resources, invocation with total failure containment, and
// notification fan-out through whichever transport is attached.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ShellPilot/shellpilot-gateway/internal/events"
	"github.com/ShellPilot/shellpilot-gateway/internal/transport"
	"github.com/ShellPilot/shellpilot-gateway/pkg/sdk"
)

// Bus event names published by the dispatcher.
const (
	EventToolRegistered  = "tool.registered"
	EventToolCall        = "tool.call"
	EventToolResult      = "tool.result"
	EventResourceRead    = "resource.read"
	EventNotification    = "notification"
	EventConnected       = "server.connected"
	EventDisconnected    = "server.disconnected"
	EventTransportStatus = "transport.status"
)

// ErrNotFound marks a resource read against an unknown URI. Tool
// lookups never yield it; an unknown tool comes back as a structured
// failed result instead.
var ErrNotFound = errors.New("dispatch: not found")

// ErrNoTransport is returned by Start when nothing is attached.
var ErrNoTransport = errors.New("dispatch: no transport attached")

type resourceEntry struct {
	def     sdk.Resource
	handler sdk.ResourceHandler
}

// Dispatcher owns the tool and resource registries and mediates every
// remote invocation. Registries preserve insertion order: wildcard
// resource matching picks the first registered match, so order is part
// of the contract.
type Dispatcher struct {
	log *zap.Logger
	bus *events.Bus

	mu            sync.RWMutex
	tools         map[string]sdk.Tool
	toolOrder     []string
	resources     map[string]resourceEntry
	resourceOrder []string
	trans         transport.Transport
}

// New builds a dispatcher. A nil bus gets the process-wide default; a
// nil logger a no-op.
func New(log *zap.Logger, bus *events.Bus) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if bus == nil {
		bus = events.Default()
	}
	return &Dispatcher{
		log:       log,
		bus:       bus,
		tools:     make(map[string]sdk.Tool),
		resources: make(map[string]resourceEntry),
	}
}

// Bus exposes the dispatcher's event bus, so embedders can observe
// lifecycle events without holding a separate reference.
func (d *Dispatcher) Bus() *events.Bus { return d.bus }

// RegisterTool stores the definition under its name. Registering a
// name twice replaces the earlier definition in place; that is legal
// but warning-worthy.
func (d *Dispatcher) RegisterTool(t sdk.Tool) error {
	if err := t.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	if _, exists := d.tools[t.Name]; exists {
		d.log.Warn("tool replaced", zap.String("tool", t.Name))
	} else {
		d.toolOrder = append(d.toolOrder, t.Name)
	}
	d.tools[t.Name] = t
	d.mu.Unlock()

	d.bus.Emit(EventToolRegistered, t.Name)
	return nil
}

// UnregisterTool removes the named tool; unknown names are a no-op.
func (d *Dispatcher) UnregisterTool(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.tools[name]; !exists {
		return
	}
	delete(d.tools, name)
	for i, n := range d.toolOrder {
		if n == name {
			d.toolOrder = append(d.toolOrder[:i:i], d.toolOrder[i+1:]...)
			break
		}
	}
}

// ListTools returns the catalog in registration order.
func (d *Dispatcher) ListTools() []sdk.Tool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]sdk.Tool, 0, len(d.toolOrder))
	for _, name := range d.toolOrder {
		out = append(out, d.tools[name])
	}
	return out
}

// Invoke runs the named tool. It never returns a Go error and never
// panics outward: unknown names, missing handlers, schema violations,
// handler errors and handler panics all come back as structured failed
// results. One broken tool must never take down the transport loop or
// a sibling invocation.
func (d *Dispatcher) Invoke(ctx context.Context, name string, params map[string]any) *sdk.ToolResult {
	d.mu.RLock()
	tool, ok := d.tools[name]
	d.mu.RUnlock()

	if !ok {
		return sdk.Fail("Tool not found: " + name)
	}
	if tool.Handler == nil {
		return sdk.Fail("Tool has no handler: " + name)
	}
	if err := tool.InputSchema.Validate(anyParams(params)); err != nil {
		return sdk.Fail(err.Error())
	}

	d.bus.Emit(EventToolCall, map[string]any{"tool": name, "params": params})
	result := d.run(ctx, tool, params)
	d.bus.Emit(EventToolResult, map[string]any{"tool": name, "result": result})
	return result
}

func (d *Dispatcher) run(ctx context.Context, tool sdk.Tool, params map[string]any) (result *sdk.ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("tool handler panicked", zap.String("tool", tool.Name), zap.Any("panic", r))
			result = sdk.Fail(fmt.Sprintf("tool %s panicked: %v", tool.Name, r))
		}
	}()
	data, err := tool.Handler(ctx, params)
	if err != nil {
		return sdk.Fail(err.Error())
	}
	return sdk.Ok(data)
}

// anyParams widens nil maps so schema validation sees an object.
func anyParams(params map[string]any) any {
	if params == nil {
		return map[string]any{}
	}
	return params
}

// RegisterResource stores the definition and its handler under the
// URI. Same replace semantics as tools.
func (d *Dispatcher) RegisterResource(r sdk.Resource, h sdk.ResourceHandler) error {
	if err := r.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	if _, exists := d.resources[r.URI]; exists {
		d.log.Warn("resource replaced", zap.String("uri", r.URI))
	} else {
		d.resourceOrder = append(d.resourceOrder, r.URI)
	}
	d.resources[r.URI] = resourceEntry{def: r, handler: h}
	d.mu.Unlock()
	return nil
}

// UnregisterResource removes the resource at uri; unknown URIs are a
// no-op.
func (d *Dispatcher) UnregisterResource(uri string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.resources[uri]; !exists {
		return
	}
	delete(d.resources, uri)
	for i, u := range d.resourceOrder {
		if u == uri {
			d.resourceOrder = append(d.resourceOrder[:i:i], d.resourceOrder[i+1:]...)
			break
		}
	}
}

// ListResources returns the catalog in registration order.
func (d *Dispatcher) ListResources() []sdk.Resource {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]sdk.Resource, 0, len(d.resourceOrder))
	for _, uri := range d.resourceOrder {
		out = append(out, d.resources[uri].def)
	}
	return out
}

// ReadResource resolves uri exact-match first, then scans registered
// URIs in registration order for a wildcard-prefix match ("mem://*"
// matches "mem://recent"; the handler receives the full URI). A total
// miss is a real error so callers can tell absence from an empty
// payload.
func (d *Dispatcher) ReadResource(ctx context.Context, uri string) (any, error) {
	entry, ok := d.lookupResource(uri)
	if !ok {
		return nil, fmt.Errorf("%w: resource %s", ErrNotFound, uri)
	}

	d.bus.Emit(EventResourceRead, uri)
	return entry.handler(ctx, uri)
}

func (d *Dispatcher) lookupResource(uri string) (resourceEntry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if entry, ok := d.resources[uri]; ok {
		return entry, true
	}
	for _, registered := range d.resourceOrder {
		if n := len(registered); n > 0 && registered[n-1] == '*' {
			if len(uri) >= n-1 && uri[:n-1] == registered[:n-1] {
				return d.resources[registered], true
			}
		}
	}
	return resourceEntry{}, false
}

// Notify stamps a missing timestamp, publishes on the bus, then
// forwards outbound if a transport is attached. Internal publication
// comes first: in-process subscribers observe a notification no later
// than any external caller.
func (d *Dispatcher) Notify(n sdk.Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	d.bus.Emit(EventNotification, n)

	d.mu.RLock()
	trans := d.trans
	d.mu.RUnlock()
	if trans == nil {
		return
	}
	if err := trans.SendNotification(n); err != nil {
		d.log.Warn("outbound notification failed", zap.String("type", n.Type), zap.Error(err))
	}
}

// AttachTransport installs Invoke and ReadResource as the transport's
// inbound entrypoints and republishes its status transitions as bus
// lifecycle events. One transport at a time; attaching another replaces
// the wiring but does not disconnect the old transport; that is the
// caller's job.
func (d *Dispatcher) AttachTransport(t transport.Transport) {
	t.HandleToolCalls(func(ctx context.Context, name string, params map[string]any) *sdk.ToolResult {
		return d.Invoke(ctx, name, params)
	})
	t.HandleResourceReads(func(ctx context.Context, uri string) (any, error) {
		return d.ReadResource(ctx, uri)
	})
	t.OnStatus(func(s transport.Status) {
		d.bus.Emit(EventTransportStatus, string(s))
	})

	d.mu.Lock()
	d.trans = t
	d.mu.Unlock()
}

// Start connects the attached transport and publishes the connected
// lifecycle event. Fails if nothing is attached.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.RLock()
	trans := d.trans
	d.mu.RUnlock()
	if trans == nil {
		return ErrNoTransport
	}
	if err := trans.Connect(ctx); err != nil {
		return err
	}
	d.bus.Emit(EventConnected, nil)
	return nil
}

// Stop disconnects the transport, if any, and publishes the
// disconnected lifecycle event regardless.
func (d *Dispatcher) Stop() error {
	d.mu.RLock()
	trans := d.trans
	d.mu.RUnlock()

	var err error
	if trans != nil {
		err = trans.Disconnect()
	}
	d.bus.Emit(EventDisconnected, nil)
	return err
}
