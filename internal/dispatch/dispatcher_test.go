package dispatch

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ShellPilot/shellpilot-gateway/internal/events"
	"github.com/ShellPilot/shellpilot-gateway/internal/transport"
	"github.com/ShellPilot/shellpilot-gateway/pkg/sdk"
)

func newDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	return New(nil, events.NewBus(nil))
}

func TestInvokeEchoesParams(t *testing.T) {
	d := newDispatcher(t)
	err := d.RegisterTool(sdk.Tool{
		Name: "echo",
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			return params, nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	result := d.Invoke(context.Background(), "echo", map[string]any{"x": float64(1)})

	if !result.Success {
		t.Fatalf("expected success, got error %q", result.Error)
	}
	data, ok := result.Data.(map[string]any)
	if !ok || data["x"] != float64(1) {
		t.Fatalf("expected params echoed back, got %v", result.Data)
	}
}

func TestInvokeUnknownToolIsStructuredFailure(t *testing.T) {
	d := newDispatcher(t)

	result := d.Invoke(context.Background(), "missing", nil)

	if result.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(result.Error, "missing") {
		t.Fatalf("expected tool name in error, got %q", result.Error)
	}
}

func TestInvokeToolWithoutHandler(t *testing.T) {
	d := newDispatcher(t)
	if err := d.RegisterTool(sdk.Tool{Name: "catalog-only"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	result := d.Invoke(context.Background(), "catalog-only", nil)

	if result.Success {
		t.Fatal("expected failure for handler-less tool")
	}
}

func TestInvokeContainsHandlerErrorAndPanic(t *testing.T) {
	d := newDispatcher(t)
	d.RegisterTool(sdk.Tool{
		Name: "fails",
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			return nil, errors.New("disk on fire")
		},
	})
	d.RegisterTool(sdk.Tool{
		Name: "panics",
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			panic("unreachable branch reached")
		},
	})

	if r := d.Invoke(context.Background(), "fails", nil); r.Success || r.Error != "disk on fire" {
		t.Fatalf("expected handler error surfaced, got %+v", r)
	}
	if r := d.Invoke(context.Background(), "panics", nil); r.Success || !strings.Contains(r.Error, "panicked") {
		t.Fatalf("expected panic converted to failure, got %+v", r)
	}
}

func TestRegisterReplacesInPlace(t *testing.T) {
	d := newDispatcher(t)
	d.RegisterTool(sdk.Tool{Name: "dup", Description: "old"})
	d.RegisterTool(sdk.Tool{Name: "dup", Description: "new"})

	tools := d.ListTools()
	count := 0
	for _, tool := range tools {
		if tool.Name == "dup" {
			count++
			if tool.Description != "new" {
				t.Fatalf("expected replacement to win, got %q", tool.Description)
			}
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one entry for dup, got %d", count)
	}
}

func TestRegisterToolRequiresName(t *testing.T) {
	d := newDispatcher(t)
	if err := d.RegisterTool(sdk.Tool{}); err == nil {
		t.Fatal("expected error for empty name")
	}
}

func TestSchemaRejectionBeforeHandler(t *testing.T) {
	d := newDispatcher(t)
	ran := false
	d.RegisterTool(sdk.Tool{
		Name: "strict",
		InputSchema: &sdk.Schema{
			Type:       "object",
			Properties: map[string]*sdk.Schema{"n": {Type: "integer"}},
			Required:   []string{"n"},
		},
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			ran = true
			return nil, nil
		},
	})

	result := d.Invoke(context.Background(), "strict", map[string]any{"n": "not a number"})

	if result.Success {
		t.Fatal("expected validation failure")
	}
	if ran {
		t.Fatal("handler must not run on invalid params")
	}
}

func TestUnregisterTool(t *testing.T) {
	d := newDispatcher(t)
	d.RegisterTool(sdk.Tool{Name: "gone"})
	d.UnregisterTool("gone")
	d.UnregisterTool("never-there")

	if len(d.ListTools()) != 0 {
		t.Fatalf("expected empty catalog, got %d", len(d.ListTools()))
	}
}

func TestReadResourceExactThenWildcardOrder(t *testing.T) {
	d := newDispatcher(t)
	record := func(tag string) sdk.ResourceHandler {
		return func(ctx context.Context, uri string) (any, error) {
			return map[string]any{"via": tag, "uri": uri}, nil
		}
	}
	d.RegisterResource(sdk.Resource{URI: "memory://*"}, record("wild-first"))
	d.RegisterResource(sdk.Resource{URI: "memory://recent"}, record("exact"))
	d.RegisterResource(sdk.Resource{URI: "memory://rec*"}, record("wild-second"))

	got, err := d.ReadResource(context.Background(), "memory://recent")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.(map[string]any)["via"] != "exact" {
		t.Fatalf("expected exact match to win, got %v", got)
	}

	got, err = d.ReadResource(context.Background(), "memory://older")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	payload := got.(map[string]any)
	if payload["via"] != "wild-first" {
		t.Fatalf("expected first registered wildcard, got %v", payload)
	}
	if payload["uri"] != "memory://older" {
		t.Fatalf("handler must receive the full uri, got %v", payload["uri"])
	}
}

func TestReadResourceNotFound(t *testing.T) {
	d := newDispatcher(t)

	_, err := d.ReadResource(context.Background(), "nowhere://x")

	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNotifyStampsTimestampAndPublishesBeforeSend(t *testing.T) {
	bus := events.NewBus(nil)
	d := New(nil, bus)

	var order []string
	bus.Subscribe(EventNotification, func(data any) error {
		n := data.(sdk.Notification)
		if n.Timestamp.IsZero() {
			t.Error("expected timestamp stamped before publication")
		}
		order = append(order, "bus")
		return nil
	})

	trans := transport.NewInProc(nil)
	trans.OnNotification(func(n sdk.Notification) {
		order = append(order, "wire")
	})
	d.AttachTransport(trans)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	d.Notify(sdk.Notification{Type: "ping"})

	if len(order) != 2 || order[0] != "bus" || order[1] != "wire" {
		t.Fatalf("expected internal publication before outbound send, got %v", order)
	}
}

func TestNotifyKeepsExplicitTimestamp(t *testing.T) {
	bus := events.NewBus(nil)
	d := New(nil, bus)
	want := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	var got time.Time
	bus.Subscribe(EventNotification, func(data any) error {
		got = data.(sdk.Notification).Timestamp
		return nil
	})

	d.Notify(sdk.Notification{Type: "ping", Timestamp: want})

	if !got.Equal(want) {
		t.Fatalf("expected explicit timestamp kept, got %v", got)
	}
}

func TestStartWithoutTransport(t *testing.T) {
	d := newDispatcher(t)
	if err := d.Start(context.Background()); !errors.Is(err, ErrNoTransport) {
		t.Fatalf("expected ErrNoTransport, got %v", err)
	}
}

func TestLifecycleEvents(t *testing.T) {
	bus := events.NewBus(nil)
	d := New(nil, bus)

	var got []string
	bus.Subscribe(EventConnected, func(data any) error {
		got = append(got, "connected")
		return nil
	})
	bus.Subscribe(EventDisconnected, func(data any) error {
		got = append(got, "disconnected")
		return nil
	})

	d.AttachTransport(transport.NewInProc(nil))
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := d.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if len(got) != 2 || got[0] != "connected" || got[1] != "disconnected" {
		t.Fatalf("expected connected then disconnected, got %v", got)
	}
}

func TestInboundCallRoutesThroughInvoke(t *testing.T) {
	d := newDispatcher(t)
	d.RegisterTool(sdk.Tool{
		Name: "echo",
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			return params, nil
		},
	})
	trans := transport.NewInProc(nil)
	d.AttachTransport(trans)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	result, err := trans.SimulateToolCall(context.Background(), "echo", map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %q", result.Error)
	}
}
