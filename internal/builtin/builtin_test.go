package builtin

import (
	"context"
	"strings"
	"testing"

	"github.com/ShellPilot/shellpilot-gateway/internal/dispatch"
	"github.com/ShellPilot/shellpilot-gateway/internal/events"
	"github.com/ShellPilot/shellpilot-gateway/internal/uistate"
)

func setup(t *testing.T) (*dispatch.Dispatcher, *uistate.Store) {
	t.Helper()
	bus := events.NewBus(nil)
	store := uistate.NewStore(bus)
	d := dispatch.New(nil, bus)
	if err := Register(d, store); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	return d, store
}

func TestSetThemeUnknownIDIsStructuredFailure(t *testing.T) {
	d, _ := setup(t)

	result := d.Invoke(context.Background(), "ui.set_theme", map[string]any{"theme": "nope"})

	if result.Success {
		t.Fatal("expected failure for unknown theme")
	}
	if !strings.Contains(result.Error, "nope") {
		t.Fatalf("expected theme id in error, got %q", result.Error)
	}
}

func TestSetThemeMissingParamRejectedBySchema(t *testing.T) {
	d, store := setup(t)

	result := d.Invoke(context.Background(), "ui.set_theme", map[string]any{})

	if result.Success {
		t.Fatal("expected schema rejection")
	}
	if store.ActiveTheme().ID != "light" {
		t.Fatal("state must be untouched on rejection")
	}
}

func TestRegisterThenSetTheme(t *testing.T) {
	d, store := setup(t)

	r := d.Invoke(context.Background(), "ui.register_theme", map[string]any{
		"id":     "solarized",
		"name":   "Solarized",
		"colors": map[string]any{"bg": "#002b36"},
	})
	if !r.Success {
		t.Fatalf("register_theme: %q", r.Error)
	}
	r = d.Invoke(context.Background(), "ui.set_theme", map[string]any{"theme": "solarized"})
	if !r.Success {
		t.Fatalf("set_theme: %q", r.Error)
	}
	if store.ActiveTheme().Colors["bg"] != "#002b36" {
		t.Fatalf("expected registered colors applied, got %+v", store.ActiveTheme())
	}
}

func TestListThemesTool(t *testing.T) {
	d, _ := setup(t)

	r := d.Invoke(context.Background(), "ui.list_themes", nil)

	if !r.Success {
		t.Fatalf("list_themes: %q", r.Error)
	}
	themes, ok := r.Data.([]uistate.Theme)
	if !ok || len(themes) != 2 {
		t.Fatalf("expected stock themes, got %v", r.Data)
	}
}

func TestChatMessageInjection(t *testing.T) {
	d, store := setup(t)

	r := d.Invoke(context.Background(), "chat.add_message", map[string]any{
		"role":    "assistant",
		"content": "ready",
	})
	if !r.Success {
		t.Fatalf("add_message: %q", r.Error)
	}
	msgs := store.Messages()
	if len(msgs) != 1 || msgs[0].Content != "ready" {
		t.Fatalf("expected message in transcript, got %v", msgs)
	}

	r = d.Invoke(context.Background(), "chat.add_message", map[string]any{
		"role":    "narrator",
		"content": "x",
	})
	if r.Success {
		t.Fatal("expected enum rejection for unknown role")
	}
}

func TestTabToolsRejectUnknownIDs(t *testing.T) {
	d, _ := setup(t)

	if r := d.Invoke(context.Background(), "tabs.close", map[string]any{"id": "ghost"}); r.Success {
		t.Fatal("expected failure closing unknown tab")
	}
	if r := d.Invoke(context.Background(), "tabs.activate", map[string]any{"id": "ghost"}); r.Success {
		t.Fatal("expected failure activating unknown tab")
	}

	if r := d.Invoke(context.Background(), "tabs.open", map[string]any{"id": "term", "title": "Terminal"}); !r.Success {
		t.Fatalf("open: %q", r.Error)
	}
	if r := d.Invoke(context.Background(), "tabs.activate", map[string]any{"id": "term"}); !r.Success {
		t.Fatalf("activate: %q", r.Error)
	}
}

func TestNotifyAndLayoutAndSidebar(t *testing.T) {
	d, store := setup(t)

	if r := d.Invoke(context.Background(), "ui.notify", map[string]any{"title": "hi", "timeout_ms": float64(2500)}); !r.Success {
		t.Fatalf("notify: %q", r.Error)
	}
	if got := store.Notifications(); len(got) != 1 || got[0].TimeoutMS != 2500 {
		t.Fatalf("expected recorded toast, got %v", got)
	}

	if r := d.Invoke(context.Background(), "ui.set_layout", map[string]any{"mode": "zen"}); !r.Success {
		t.Fatalf("set_layout: %q", r.Error)
	}
	if store.Layout() != "zen" {
		t.Fatalf("expected zen layout, got %s", store.Layout())
	}

	r := d.Invoke(context.Background(), "shell.toggle_sidebar", nil)
	if !r.Success || r.Data.(map[string]any)["collapsed"] != true {
		t.Fatalf("unexpected toggle result: %+v", r)
	}
}

func TestStateResources(t *testing.T) {
	d, store := setup(t)
	store.AddMessage(uistate.Message{Role: "user", Content: "hello"})

	payload, err := d.ReadResource(context.Background(), "ui://theme")
	if err != nil {
		t.Fatalf("read theme: %v", err)
	}
	if payload.(uistate.Theme).ID != "light" {
		t.Fatalf("expected light theme, got %v", payload)
	}

	payload, err = d.ReadResource(context.Background(), "chat://transcript")
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if msgs := payload.([]uistate.Message); len(msgs) != 1 {
		t.Fatalf("expected one message, got %v", msgs)
	}
}
