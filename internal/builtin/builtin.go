// Package builtin registers the stock tool catalog: thin adapters
// between the dispatcher and the UI state sink. None of these contain
// real logic; they exist so a controller can drive the shell without
// the embedder writing any tools of its own.
package builtin

import (
	"context"
	"fmt"

	"github.com/ShellPilot/shellpilot-gateway/internal/dispatch"
	"github.com/ShellPilot/shellpilot-gateway/internal/uistate"
	"github.com/ShellPilot/shellpilot-gateway/pkg/sdk"
)

// Register installs the built-in tools and state resources on the
// dispatcher.
func Register(d *dispatch.Dispatcher, sink uistate.Sink) error {
	tools := []sdk.Tool{
		{
			Name:        "ui.set_theme",
			Description: "Activate a registered theme by id",
			InputSchema: &sdk.Schema{
				Type:       "object",
				Properties: map[string]*sdk.Schema{"theme": {Type: "string"}},
				Required:   []string{"theme"},
			},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				id, _ := params["theme"].(string)
				if err := sink.SetTheme(id); err != nil {
					return nil, err
				}
				return map[string]any{"theme": id}, nil
			},
		},
		{
			Name:        "ui.register_theme",
			Description: "Register a theme definition",
			InputSchema: &sdk.Schema{
				Type: "object",
				Properties: map[string]*sdk.Schema{
					"id":     {Type: "string"},
					"name":   {Type: "string"},
					"colors": {Type: "object"},
				},
				Required: []string{"id"},
			},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				t := uistate.Theme{ID: stringArg(params, "id"), Name: stringArg(params, "name")}
				if colors, ok := params["colors"].(map[string]any); ok {
					t.Colors = make(map[string]string, len(colors))
					for k, v := range colors {
						t.Colors[k] = fmt.Sprint(v)
					}
				}
				if err := sink.RegisterTheme(t); err != nil {
					return nil, err
				}
				return map[string]any{"id": t.ID}, nil
			},
		},
		{
			Name:        "ui.list_themes",
			Description: "List registered themes",
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				return sink.ListThemes(), nil
			},
		},
		{
			Name:        "ui.notify",
			Description: "Show a timed or persistent notification",
			InputSchema: &sdk.Schema{
				Type: "object",
				Properties: map[string]*sdk.Schema{
					"title":      {Type: "string"},
					"body":       {Type: "string"},
					"timeout_ms": {Type: "integer"},
					"persistent": {Type: "boolean"},
				},
				Required: []string{"title"},
			},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				item := sink.ShowNotification(uistate.NotificationItem{
					Title:      stringArg(params, "title"),
					Body:       stringArg(params, "body"),
					TimeoutMS:  intArg(params, "timeout_ms"),
					Persistent: boolArg(params, "persistent"),
				})
				return item, nil
			},
		},
		{
			Name:        "ui.set_layout",
			Description: "Switch the shell layout mode",
			InputSchema: &sdk.Schema{
				Type:       "object",
				Properties: map[string]*sdk.Schema{"mode": {Type: "string"}},
				Required:   []string{"mode"},
			},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				mode := stringArg(params, "mode")
				if err := sink.SetLayout(mode); err != nil {
					return nil, err
				}
				return map[string]any{"mode": mode}, nil
			},
		},
		{
			Name:        "chat.add_message",
			Description: "Inject a message into the chat transcript",
			InputSchema: &sdk.Schema{
				Type: "object",
				Properties: map[string]*sdk.Schema{
					"role":    {Type: "string", Enum: []any{"user", "assistant", "system"}},
					"content": {Type: "string"},
				},
				Required: []string{"role", "content"},
			},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				m := sink.AddMessage(uistate.Message{
					Role:    stringArg(params, "role"),
					Content: stringArg(params, "content"),
				})
				return m, nil
			},
		},
		{
			Name:        "shell.configure",
			Description: "Merge partial shell chrome settings",
			InputSchema: &sdk.Schema{Type: "object"},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				sink.ConfigureShell(params)
				return map[string]any{"applied": len(params)}, nil
			},
		},
		{
			Name:        "shell.toggle_sidebar",
			Description: "Flip the sidebar collapse state",
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				return map[string]any{"collapsed": sink.ToggleSidebar()}, nil
			},
		},
		{
			Name:        "tabs.open",
			Description: "Open a tab and make it active",
			InputSchema: &sdk.Schema{
				Type: "object",
				Properties: map[string]*sdk.Schema{
					"id":    {Type: "string"},
					"title": {Type: "string"},
				},
				Required: []string{"id"},
			},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				t := uistate.Tab{ID: stringArg(params, "id"), Title: stringArg(params, "title")}
				if err := sink.OpenTab(t); err != nil {
					return nil, err
				}
				return t, nil
			},
		},
		{
			Name:        "tabs.close",
			Description: "Close an open tab by id",
			InputSchema: &sdk.Schema{
				Type:       "object",
				Properties: map[string]*sdk.Schema{"id": {Type: "string"}},
				Required:   []string{"id"},
			},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				id := stringArg(params, "id")
				if err := sink.CloseTab(id); err != nil {
					return nil, err
				}
				return map[string]any{"id": id}, nil
			},
		},
		{
			Name:        "tabs.activate",
			Description: "Focus an open tab by id",
			InputSchema: &sdk.Schema{
				Type:       "object",
				Properties: map[string]*sdk.Schema{"id": {Type: "string"}},
				Required:   []string{"id"},
			},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				id := stringArg(params, "id")
				if err := sink.ActivateTab(id); err != nil {
					return nil, err
				}
				return map[string]any{"id": id}, nil
			},
		},
	}

	for _, t := range tools {
		if err := d.RegisterTool(t); err != nil {
			return err
		}
	}
	return registerResources(d, sink)
}

// registerResources exposes read-only views of the sink. Only stores
// implement the getters; other sinks just skip this.
func registerResources(d *dispatch.Dispatcher, sink uistate.Sink) error {
	store, ok := sink.(*uistate.Store)
	if !ok {
		return nil
	}

	type entry struct {
		def     sdk.Resource
		handler sdk.ResourceHandler
	}
	resources := []entry{
		{
			def: sdk.Resource{URI: "ui://theme", Name: "Active theme", MIMEType: "application/json"},
			handler: func(ctx context.Context, uri string) (any, error) {
				return store.ActiveTheme(), nil
			},
		},
		{
			def: sdk.Resource{URI: "ui://themes", Name: "Theme catalog", MIMEType: "application/json"},
			handler: func(ctx context.Context, uri string) (any, error) {
				return store.ListThemes(), nil
			},
		},
		{
			def: sdk.Resource{URI: "ui://tabs", Name: "Open tabs", MIMEType: "application/json"},
			handler: func(ctx context.Context, uri string) (any, error) {
				tabs, active := store.Tabs()
				return map[string]any{"tabs": tabs, "active": active}, nil
			},
		},
		{
			def: sdk.Resource{URI: "ui://shell", Name: "Shell chrome settings", MIMEType: "application/json"},
			handler: func(ctx context.Context, uri string) (any, error) {
				return store.Shell(), nil
			},
		},
		{
			def: sdk.Resource{URI: "chat://transcript", Name: "Chat transcript", MIMEType: "application/json"},
			handler: func(ctx context.Context, uri string) (any, error) {
				return store.Messages(), nil
			},
		},
	}
	for _, r := range resources {
		if err := d.RegisterResource(r.def, r.handler); err != nil {
			return err
		}
	}
	return nil
}

func stringArg(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

func intArg(params map[string]any, key string) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func boolArg(params map[string]any, key string) bool {
	b, _ := params[key].(bool)
	return b
}
