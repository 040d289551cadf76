package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ShellPilot/shellpilot-gateway/pkg/sdk"
)

// DuplexConfig configures the multiplexed websocket binding.
type DuplexConfig struct {
	// URL of the controller's websocket endpoint (ws:// or wss://).
	URL string

	// Insecure skips TLS certificate verification.
	Insecure bool

	// RequestTimeout bounds every outbound call. Zero means 30s.
	RequestTimeout time.Duration

	Retry RetryPolicy
}

// Duplex carries correlated request/response envelopes plus
// fire-and-forget notifications over a single websocket. Any number of
// outbound calls may be in flight at once; each gets its own
// correlation id and settles independently.
type Duplex struct {
	cfg DuplexConfig
	log *zap.Logger

	mu           sync.Mutex
	wmu          sync.Mutex // gorilla allows one concurrent writer
	conn         *websocket.Conn
	connected    bool
	closing      bool
	reconnecting bool
	pending      map[string]chan sdk.Envelope

	nextID atomic.Uint64

	call   CallHandler
	read   ReadHandler
	status StatusFunc
}

// NewDuplex returns a disconnected duplex transport.
func NewDuplex(cfg DuplexConfig, log *zap.Logger) *Duplex {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	cfg.Retry = cfg.Retry.withDefaults()
	return &Duplex{cfg: cfg, log: log, pending: make(map[string]chan sdk.Envelope)}
}

// Connect dials the channel. A dial failure here is returned to the
// caller; automatic reconnection only kicks in once a previously open
// channel drops. While the reconnect sequence is running Connect is
// rejected with ErrReconnecting so two read loops never race over the
// same channel.
func (t *Duplex) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	if t.reconnecting {
		t.mu.Unlock()
		return ErrReconnecting
	}
	t.closing = false
	t.mu.Unlock()

	conn, err := t.dial(ctx)
	if err != nil {
		return fmt.Errorf("duplex connect: %w", err)
	}
	t.adopt(conn)
	go t.readLoop(conn)
	return nil
}

func (t *Duplex) dial(ctx context.Context) (*websocket.Conn, error) {
	d := websocket.Dialer{TLSClientConfig: &tls.Config{InsecureSkipVerify: t.cfg.Insecure}}
	conn, _, err := d.DialContext(ctx, t.cfg.URL, http.Header{"User-Agent": {"shellpilot-gw"}})
	return conn, err
}

func (t *Duplex) adopt(conn *websocket.Conn) {
	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.reconnecting = false
	status := t.status
	t.mu.Unlock()
	t.log.Info("duplex connected", zap.String("url", t.cfg.URL))
	if status != nil {
		status(StatusConnected)
	}
}

// readLoop drains envelopes until the channel dies, then runs the
// bounded reconnect sequence unless the drop was an explicit
// Disconnect.
func (t *Duplex) readLoop(conn *websocket.Conn) {
	for {
		for {
			var env sdk.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				t.log.Warn("duplex read", zap.Error(err))
				break
			}
			t.dispatch(env)
		}
		_ = conn.Close()

		closing := t.dropConnection()
		if closing {
			t.notifyStatus(StatusDisconnected)
			return
		}
		t.notifyStatus(StatusDisconnected)

		next, ok := t.reconnect()
		if !ok {
			return
		}
		conn = next
	}
}

// dropConnection clears connection state and abandons outstanding
// pending requests without resolving them; each caller's own timeout
// fires instead. Unless the drop was caller-initiated it also marks
// the reconnect sequence active, which blocks concurrent Connect
// calls. Returns whether the drop was caller-initiated.
func (t *Duplex) dropConnection() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn = nil
	t.connected = false
	t.pending = make(map[string]chan sdk.Envelope)
	if !t.closing {
		t.reconnecting = true
	}
	return t.closing
}

func (t *Duplex) reconnect() (*websocket.Conn, bool) {
	for attempt := 1; attempt <= t.cfg.Retry.MaxAttempts; attempt++ {
		t.notifyStatus(StatusReconnecting)
		time.Sleep(t.cfg.Retry.Interval)

		if t.isClosing() {
			t.setReconnecting(false)
			return nil, false
		}
		conn, err := t.dial(context.Background())
		if err != nil {
			t.log.Warn("duplex reconnect failed",
				zap.Int("attempt", attempt),
				zap.Int("max", t.cfg.Retry.MaxAttempts),
				zap.Error(err))
			continue
		}
		t.adopt(conn)
		return conn, true
	}
	t.log.Error("duplex reconnect budget exhausted", zap.Int("attempts", t.cfg.Retry.MaxAttempts))
	t.setReconnecting(false)
	t.notifyStatus(StatusGaveUp)
	return nil, false
}

func (t *Duplex) setReconnecting(v bool) {
	t.mu.Lock()
	t.reconnecting = v
	t.mu.Unlock()
}

func (t *Duplex) isClosing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closing
}

func (t *Duplex) notifyStatus(s Status) {
	t.mu.Lock()
	status := t.status
	t.mu.Unlock()
	if status != nil {
		status(s)
	}
}

// Disconnect closes the channel and suppresses reconnection.
func (t *Duplex) Disconnect() error {
	t.mu.Lock()
	t.closing = true
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (t *Duplex) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Duplex) HandleToolCalls(h CallHandler) {
	t.mu.Lock()
	t.call = h
	t.mu.Unlock()
}

func (t *Duplex) HandleResourceReads(h ReadHandler) {
	t.mu.Lock()
	t.read = h
	t.mu.Unlock()
}

func (t *Duplex) OnStatus(fn StatusFunc) {
	t.mu.Lock()
	t.status = fn
	t.mu.Unlock()
}

// dispatch is the closed four-way envelope switch. Unrecognized types
// are logged and dropped; they never kill the channel.
func (t *Duplex) dispatch(env sdk.Envelope) {
	switch env.Type {
	case sdk.FrameResponse:
		t.settle(env)
	case sdk.FrameToolCall:
		go t.serveToolCall(env)
	case sdk.FrameResourceRead:
		go t.serveResourceRead(env)
	case sdk.FrameNotification:
		t.log.Info("inbound notification", zap.Any("data", env.Data))
	default:
		t.log.Warn("unrecognized envelope type dropped", zap.String("type", env.Type))
	}
}

// settle resolves the pending request matching the response id. A
// response with no match (already timed out, or cleared by a drop) is
// silently ignored.
func (t *Duplex) settle(env sdk.Envelope) {
	t.mu.Lock()
	ch, ok := t.pending[env.ID]
	delete(t.pending, env.ID)
	t.mu.Unlock()
	if !ok {
		t.log.Debug("response without pending request", zap.String("id", env.ID))
		return
	}
	ch <- env
}

func (t *Duplex) serveToolCall(env sdk.Envelope) {
	t.mu.Lock()
	call := t.call
	t.mu.Unlock()
	if call == nil {
		t.respond(sdk.Envelope{Type: sdk.FrameResponse, ID: env.ID, Error: "no inbound tool handler"})
		return
	}
	name, _ := env.Data["tool"].(string)
	params, _ := env.Data["params"].(map[string]any)
	result := call(context.Background(), name, params)
	t.respond(sdk.Envelope{Type: sdk.FrameResponse, ID: env.ID, Result: result})
}

func (t *Duplex) serveResourceRead(env sdk.Envelope) {
	t.mu.Lock()
	read := t.read
	t.mu.Unlock()
	if read == nil {
		t.respond(sdk.Envelope{Type: sdk.FrameResponse, ID: env.ID, Error: "no inbound resource handler"})
		return
	}
	uri, _ := env.Data["uri"].(string)
	payload, err := read(context.Background(), uri)
	if err != nil {
		t.respond(sdk.Envelope{Type: sdk.FrameResponse, ID: env.ID, Error: err.Error()})
		return
	}
	t.respond(sdk.Envelope{Type: sdk.FrameResponse, ID: env.ID, Result: payload})
}

func (t *Duplex) respond(env sdk.Envelope) {
	if err := t.writeEnvelope(env); err != nil {
		t.log.Warn("duplex response send failed", zap.String("id", env.ID), zap.Error(err))
	}
}

func (t *Duplex) writeEnvelope(env sdk.Envelope) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	return conn.WriteJSON(env)
}

// SendNotification is fire-and-forget: no correlation id, no reply.
func (t *Duplex) SendNotification(n sdk.Notification) error {
	return t.writeEnvelope(sdk.Envelope{
		Type: sdk.FrameNotification,
		Data: map[string]any{"type": n.Type, "data": n.Data, "timestamp": n.Timestamp},
	})
}

// CallTool invokes a tool on the remote side and waits for the
// correlated response, bounded by the configured request timeout.
func (t *Duplex) CallTool(ctx context.Context, name string, params map[string]any) (*sdk.ToolResult, error) {
	env, err := t.roundTrip(ctx, sdk.Envelope{
		Type: sdk.FrameToolCall,
		Data: map[string]any{"tool": name, "params": params},
	})
	if err != nil {
		return nil, err
	}
	if env.Error != "" {
		return sdk.Fail(env.Error), nil
	}
	return decodeToolResult(env.Result)
}

// ReadResource reads a resource on the remote side.
func (t *Duplex) ReadResource(ctx context.Context, uri string) (any, error) {
	env, err := t.roundTrip(ctx, sdk.Envelope{
		Type: sdk.FrameResourceRead,
		Data: map[string]any{"uri": uri},
	})
	if err != nil {
		return nil, err
	}
	if env.Error != "" {
		return nil, fmt.Errorf("resource read: %s", env.Error)
	}
	return env.Result, nil
}

// roundTrip registers a pending request, sends the envelope and waits
// for the matching response. On timeout or cancellation the pending
// entry is removed; the guarantee is that no entry outlives its call.
func (t *Duplex) roundTrip(ctx context.Context, env sdk.Envelope) (sdk.Envelope, error) {
	env.ID = fmt.Sprintf("%d", t.nextID.Add(1))
	ch := make(chan sdk.Envelope, 1)

	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return sdk.Envelope{}, ErrNotConnected
	}
	t.pending[env.ID] = ch
	t.mu.Unlock()

	if err := t.writeEnvelope(env); err != nil {
		t.forget(env.ID)
		return sdk.Envelope{}, err
	}

	timer := time.NewTimer(t.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		t.forget(env.ID)
		return sdk.Envelope{}, fmt.Errorf("%w: id=%s after %s", ErrTimeout, env.ID, t.cfg.RequestTimeout)
	case <-ctx.Done():
		t.forget(env.ID)
		return sdk.Envelope{}, ctx.Err()
	}
}

func (t *Duplex) forget(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// PendingCount reports outstanding correlations. Used by tests to
// verify nothing leaks.
func (t *Duplex) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func decodeToolResult(v any) (*sdk.ToolResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("decode tool result: %w", err)
	}
	var res sdk.ToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode tool result: %w", err)
	}
	return &res, nil
}
