package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ShellPilot/shellpilot-gateway/pkg/sdk"
)

// PushConfig configures the push-channel binding: a long-lived
// server-sent event stream for inbound traffic, discrete HTTP requests
// for everything outbound.
type PushConfig struct {
	// BaseURL of the controller, e.g. "http://controller:9090/control".
	// The stream lives at <base>/events, tools at <base>/tools,
	// resources at <base>/resources, notifications at
	// <base>/notifications.
	BaseURL string

	Retry RetryPolicy

	// Client is the HTTP client for all requests. Zero value gets a
	// client with a 10s timeout for the discrete requests; the stream
	// request runs without a deadline.
	Client *http.Client
}

// PushChannel is the request/response-over-push binding.
type PushChannel struct {
	cfg    PushConfig
	log    *zap.Logger
	client *http.Client
	stream *http.Client

	mu        sync.Mutex
	connected bool
	closing   bool
	cancel    context.CancelFunc

	call   CallHandler
	read   ReadHandler
	status StatusFunc
}

// NewPushChannel returns a disconnected push-channel transport.
func NewPushChannel(cfg PushConfig, log *zap.Logger) *PushChannel {
	if log == nil {
		log = zap.NewNop()
	}
	cfg.Retry = cfg.Retry.withDefaults()
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &PushChannel{
		cfg:    cfg,
		log:    log,
		client: client,
		stream: &http.Client{}, // no timeout: the event stream never ends
	}
}

func (t *PushChannel) eventsURL() string        { return t.cfg.BaseURL + "/events" }
func (t *PushChannel) toolsURL() string         { return t.cfg.BaseURL + "/tools" }
func (t *PushChannel) resourcesURL() string     { return t.cfg.BaseURL + "/resources" }
func (t *PushChannel) notificationsURL() string { return t.cfg.BaseURL + "/notifications" }

// Connect opens the event stream. A failure before the stream ever
// opens is returned to the caller; automatic reconnection only covers
// streams that drop after having been open.
func (t *PushChannel) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.closing = false
	t.mu.Unlock()

	streamCtx, cancel := context.WithCancel(context.Background())
	body, err := t.openStream(streamCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("push connect: %w", err)
	}

	t.mu.Lock()
	t.connected = true
	t.cancel = cancel
	status := t.status
	t.mu.Unlock()

	t.log.Info("event stream open", zap.String("url", t.eventsURL()))
	if status != nil {
		status(StatusConnected)
	}
	go t.readStream(streamCtx, body)
	return nil
}

func (t *PushChannel) openStream(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.eventsURL(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := t.stream.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("event stream: unexpected status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// readStream parses server-sent events off the wire until the stream
// dies, then runs the bounded reconnect sequence.
func (t *PushChannel) readStream(ctx context.Context, body io.ReadCloser) {
	for {
		t.scanEvents(body)
		body.Close()

		t.mu.Lock()
		t.connected = false
		closing := t.closing
		t.mu.Unlock()

		t.notifyStatus(StatusDisconnected)
		if closing {
			return
		}

		next, ok := t.reconnect(ctx)
		if !ok {
			return
		}
		body = next
	}
}

// scanEvents reads one stream until EOF or error, dispatching each
// complete event. SSE framing: "event:" and "data:" field lines, a
// blank line terminates the event, ":" lines are comments.
func (t *PushChannel) scanEvents(body io.Reader) {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	eventType := ""
	var data bytes.Buffer
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if data.Len() > 0 || eventType != "" {
				t.handleEvent(eventType, data.String())
			}
			eventType = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := sc.Err(); err != nil {
		t.log.Warn("event stream read", zap.Error(err))
	}
}

func (t *PushChannel) reconnect(ctx context.Context) (io.ReadCloser, bool) {
	for attempt := 1; attempt <= t.cfg.Retry.MaxAttempts; attempt++ {
		t.notifyStatus(StatusReconnecting)
		time.Sleep(t.cfg.Retry.Interval)

		t.mu.Lock()
		closing := t.closing
		t.mu.Unlock()
		if closing {
			return nil, false
		}

		body, err := t.openStream(ctx)
		if err != nil {
			t.log.Warn("event stream reconnect failed",
				zap.Int("attempt", attempt),
				zap.Int("max", t.cfg.Retry.MaxAttempts),
				zap.Error(err))
			continue
		}
		t.mu.Lock()
		t.connected = true
		t.mu.Unlock()
		t.log.Info("event stream reopened", zap.Int("attempt", attempt))
		t.notifyStatus(StatusConnected)
		return body, true
	}
	t.log.Error("event stream reconnect budget exhausted", zap.Int("attempts", t.cfg.Retry.MaxAttempts))
	t.notifyStatus(StatusGaveUp)
	return nil, false
}

func (t *PushChannel) notifyStatus(s Status) {
	t.mu.Lock()
	status := t.status
	t.mu.Unlock()
	if status != nil {
		status(s)
	}
}

// handleEvent routes one inbound stream event. tool_call and
// resource_read are answered over the result side-channel; anything
// else is an inbound notification.
func (t *PushChannel) handleEvent(eventType, data string) {
	switch eventType {
	case sdk.FrameToolCall:
		var ev struct {
			ID     string         `json:"id"`
			Tool   string         `json:"tool"`
			Params map[string]any `json:"params"`
		}
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			t.log.Warn("malformed tool_call event dropped", zap.Error(err))
			return
		}
		go t.serveToolCall(ev.ID, ev.Tool, ev.Params)
	case sdk.FrameResourceRead:
		var ev struct {
			ID  string `json:"id"`
			URI string `json:"uri"`
		}
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			t.log.Warn("malformed resource_read event dropped", zap.Error(err))
			return
		}
		go t.serveResourceRead(ev.ID, ev.URI)
	default:
		t.log.Info("inbound notification", zap.String("event", eventType), zap.String("data", data))
	}
}

func (t *PushChannel) serveToolCall(id, name string, params map[string]any) {
	t.mu.Lock()
	call := t.call
	t.mu.Unlock()

	var result *sdk.ToolResult
	if call == nil {
		result = sdk.Fail("no inbound tool handler")
	} else {
		result = call(context.Background(), name, params)
	}
	t.postResult(t.toolsURL()+"/result", map[string]any{"id": id, "result": result})
}

func (t *PushChannel) serveResourceRead(id, uri string) {
	t.mu.Lock()
	read := t.read
	t.mu.Unlock()

	body := map[string]any{"id": id}
	if read == nil {
		body["error"] = "no inbound resource handler"
	} else if payload, err := read(context.Background(), uri); err != nil {
		body["error"] = err.Error()
	} else {
		body["result"] = payload
	}
	t.postResult(t.resourcesURL()+"/result", body)
}

func (t *PushChannel) postResult(endpoint string, body map[string]any) {
	if err := t.postJSON(endpoint, body, nil); err != nil {
		t.log.Warn("result delivery failed", zap.String("endpoint", endpoint), zap.Error(err))
	}
}

// Disconnect tears the stream down and suppresses reconnection.
func (t *PushChannel) Disconnect() error {
	t.mu.Lock()
	t.closing = true
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (t *PushChannel) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *PushChannel) HandleToolCalls(h CallHandler) {
	t.mu.Lock()
	t.call = h
	t.mu.Unlock()
}

func (t *PushChannel) HandleResourceReads(h ReadHandler) {
	t.mu.Lock()
	t.read = h
	t.mu.Unlock()
}

func (t *PushChannel) OnStatus(fn StatusFunc) {
	t.mu.Lock()
	t.status = fn
	t.mu.Unlock()
}

// SendNotification posts the envelope fire-and-forget: a failure is
// logged, never retried, never surfaced.
func (t *PushChannel) SendNotification(n sdk.Notification) error {
	if err := t.postJSON(t.notificationsURL(), n, nil); err != nil {
		t.log.Warn("notification delivery failed", zap.Error(err))
	}
	return nil
}

// CallTool invokes a tool on the controller via a discrete request. A
// non-2xx status is a hard failure for this call only.
func (t *PushChannel) CallTool(ctx context.Context, name string, params map[string]any) (*sdk.ToolResult, error) {
	var result sdk.ToolResult
	if err := t.postJSONCtx(ctx, t.toolsURL()+"/"+name, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ReadResource reads a resource on the controller via a discrete
// request.
func (t *PushChannel) ReadResource(ctx context.Context, uri string) (any, error) {
	endpoint := t.resourcesURL() + "?uri=" + url.QueryEscape(uri)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("resource read %s: unexpected status %d", uri, resp.StatusCode)
	}
	var payload any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (t *PushChannel) postJSON(endpoint string, body, out any) error {
	return t.postJSONCtx(context.Background(), endpoint, body, out)
}

func (t *PushChannel) postJSONCtx(ctx context.Context, endpoint string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post %s: unexpected status %d", endpoint, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
