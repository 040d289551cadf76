// Package uistate is the state sink the built-in tool set writes into.
// The gateway core treats the sink as an external collaborator behind
// the Sink interface; Store is the reference in-memory implementation,
// publishing a change event for every mutation so a presentation layer
// can react without polling.
package uistate

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShellPilot/shellpilot-gateway/internal/events"
)

// Theme is a registered color scheme, addressed by id.
type Theme struct {
	ID     string            `json:"id"`
	Name   string            `json:"name,omitempty"`
	Colors map[string]string `json:"colors,omitempty"`
}

// Tab is one pane in the shell's tab strip.
type Tab struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// Message is one entry in the chat transcript.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NotificationItem is a toast shown by the shell. TimeoutMS zero with
// Persistent false leaves the display duration to the presentation
// layer.
type NotificationItem struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Body       string `json:"body,omitempty"`
	TimeoutMS  int    `json:"timeoutMs,omitempty"`
	Persistent bool   `json:"persistent,omitempty"`
}

// Sink is the surface the built-in tools mutate. The dispatcher calls
// it; it does not define its storage.
type Sink interface {
	SetTheme(id string) error
	Theme(id string) (Theme, bool)
	ListThemes() []Theme
	RegisterTheme(t Theme) error

	ShowNotification(item NotificationItem) NotificationItem
	SetLayout(mode string) error
	AddMessage(m Message) Message
	ConfigureShell(partial map[string]any)
	ToggleSidebar() bool

	OpenTab(t Tab) error
	CloseTab(id string) error
	ActivateTab(id string) error
}

// Change events published by the store.
const (
	EventThemeChanged     = "ui.theme.changed"
	EventThemeRegistered  = "ui.theme.registered"
	EventNotificationShow = "ui.notification"
	EventLayoutChanged    = "ui.layout.changed"
	EventMessageAdded     = "chat.message"
	EventShellConfigured  = "ui.shell.configured"
	EventSidebarToggled   = "ui.sidebar.toggled"
	EventTabOpened        = "ui.tab.opened"
	EventTabClosed        = "ui.tab.closed"
	EventTabActivated     = "ui.tab.activated"
)

// Store is the in-memory Sink. Safe for concurrent use.
type Store struct {
	bus *events.Bus

	mu               sync.Mutex
	themes           map[string]Theme
	themeOrder       []string
	activeTheme      string
	layout           string
	shell            map[string]any
	sidebarCollapsed bool
	tabs             []Tab
	activeTab        string
	messages         []Message
	notifications    []NotificationItem
}

// NewStore builds a store pre-seeded with the stock light and dark
// themes. A nil bus gets the process-wide default.
func NewStore(bus *events.Bus) *Store {
	if bus == nil {
		bus = events.Default()
	}
	s := &Store{
		bus:    bus,
		themes: make(map[string]Theme),
		layout: "chat",
		shell:  make(map[string]any),
	}
	s.seed(Theme{ID: "light", Name: "Light"})
	s.seed(Theme{ID: "dark", Name: "Dark"})
	s.activeTheme = "light"
	return s
}

func (s *Store) seed(t Theme) {
	s.themes[t.ID] = t
	s.themeOrder = append(s.themeOrder, t.ID)
}

// SetTheme activates a registered theme; unknown ids are an error.
func (s *Store) SetTheme(id string) error {
	s.mu.Lock()
	if _, ok := s.themes[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("theme not registered: %s", id)
	}
	s.activeTheme = id
	s.mu.Unlock()
	s.bus.Emit(EventThemeChanged, id)
	return nil
}

// Theme returns the theme registered under id.
func (s *Store) Theme(id string) (Theme, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.themes[id]
	return t, ok
}

// ActiveTheme returns the currently applied theme.
func (s *Store) ActiveTheme() Theme {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.themes[s.activeTheme]
}

// ListThemes returns every registered theme in registration order.
func (s *Store) ListThemes() []Theme {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Theme, 0, len(s.themeOrder))
	for _, id := range s.themeOrder {
		out = append(out, s.themes[id])
	}
	return out
}

// RegisterTheme adds or replaces a theme definition.
func (s *Store) RegisterTheme(t Theme) error {
	if t.ID == "" {
		return fmt.Errorf("theme: id is required")
	}
	s.mu.Lock()
	if _, exists := s.themes[t.ID]; !exists {
		s.themeOrder = append(s.themeOrder, t.ID)
	}
	s.themes[t.ID] = t
	s.mu.Unlock()
	s.bus.Emit(EventThemeRegistered, t)
	return nil
}

// ShowNotification records a toast, assigning an id if absent.
func (s *Store) ShowNotification(item NotificationItem) NotificationItem {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	s.mu.Lock()
	s.notifications = append(s.notifications, item)
	s.mu.Unlock()
	s.bus.Emit(EventNotificationShow, item)
	return item
}

// Notifications returns the recorded toasts, oldest first.
func (s *Store) Notifications() []NotificationItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]NotificationItem, len(s.notifications))
	copy(out, s.notifications)
	return out
}

// SetLayout switches the shell layout mode.
func (s *Store) SetLayout(mode string) error {
	if mode == "" {
		return fmt.Errorf("layout: mode is required")
	}
	s.mu.Lock()
	s.layout = mode
	s.mu.Unlock()
	s.bus.Emit(EventLayoutChanged, mode)
	return nil
}

// Layout returns the current layout mode.
func (s *Store) Layout() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.layout
}

// AddMessage appends to the chat transcript, stamping id and timestamp
// if absent.
func (s *Store) AddMessage(m Message) Message {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	s.messages = append(s.messages, m)
	s.mu.Unlock()
	s.bus.Emit(EventMessageAdded, m)
	return m
}

// Messages returns the transcript, oldest first.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// ConfigureShell merges the partial config into the shell chrome
// settings; keys not present in partial are untouched.
func (s *Store) ConfigureShell(partial map[string]any) {
	s.mu.Lock()
	for k, v := range partial {
		s.shell[k] = v
	}
	s.mu.Unlock()
	s.bus.Emit(EventShellConfigured, partial)
}

// Shell returns a copy of the shell chrome settings.
func (s *Store) Shell() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.shell))
	for k, v := range s.shell {
		out[k] = v
	}
	return out
}

// ToggleSidebar flips the collapse state and returns the new value.
func (s *Store) ToggleSidebar() bool {
	s.mu.Lock()
	s.sidebarCollapsed = !s.sidebarCollapsed
	collapsed := s.sidebarCollapsed
	s.mu.Unlock()
	s.bus.Emit(EventSidebarToggled, collapsed)
	return collapsed
}

// OpenTab adds a tab and makes it active. Reopening an existing id
// just activates it.
func (s *Store) OpenTab(t Tab) error {
	if t.ID == "" {
		return fmt.Errorf("tab: id is required")
	}
	s.mu.Lock()
	found := false
	for _, existing := range s.tabs {
		if existing.ID == t.ID {
			found = true
			break
		}
	}
	if !found {
		s.tabs = append(s.tabs, t)
	}
	s.activeTab = t.ID
	s.mu.Unlock()
	s.bus.Emit(EventTabOpened, t)
	return nil
}

// CloseTab removes a tab; unknown ids are an error.
func (s *Store) CloseTab(id string) error {
	s.mu.Lock()
	idx := -1
	for i, t := range s.tabs {
		if t.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("tab not found: %s", id)
	}
	s.tabs = append(s.tabs[:idx:idx], s.tabs[idx+1:]...)
	if s.activeTab == id {
		s.activeTab = ""
		if len(s.tabs) > 0 {
			s.activeTab = s.tabs[len(s.tabs)-1].ID
		}
	}
	s.mu.Unlock()
	s.bus.Emit(EventTabClosed, id)
	return nil
}

// ActivateTab focuses an open tab; unknown ids are an error.
func (s *Store) ActivateTab(id string) error {
	s.mu.Lock()
	found := false
	for _, t := range s.tabs {
		if t.ID == id {
			found = true
			break
		}
	}
	if !found {
		s.mu.Unlock()
		return fmt.Errorf("tab not found: %s", id)
	}
	s.activeTab = id
	s.mu.Unlock()
	s.bus.Emit(EventTabActivated, id)
	return nil
}

// Tabs returns the open tabs in order plus the active tab id.
func (s *Store) Tabs() ([]Tab, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Tab, len(s.tabs))
	copy(out, s.tabs)
	return out, s.activeTab
}
