// Package controlhost is the server-side counterpart of the gateway's
// network bindings: the endpoints a controller runs so connected
// gateways can reach it, and the push machinery for driving tool calls
// at those gateways. It serves both wire shapes, the SSE/request
// push-channel and the multiplexed websocket, behind one chi router.
package controlhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ShellPilot/shellpilot-gateway/pkg/sdk"
)

// ErrNoGateway is returned when a push is attempted with no gateway
// connected on either binding.
var ErrNoGateway = errors.New("controlhost: no gateway connected")

// Options wires the controller's own surfaces: what it exposes when a
// gateway calls back into it, and where gateway notifications go. All
// fields optional.
type Options struct {
	// ToolHandler serves POST /tools/{name} and inbound tool_call
	// frames on /ws.
	ToolHandler func(ctx context.Context, name string, params map[string]any) *sdk.ToolResult

	// ResourceHandler serves GET /resources and inbound resource_read
	// frames on /ws.
	ResourceHandler func(ctx context.Context, uri string) (any, error)

	// NotificationHandler receives every notification a gateway sends.
	NotificationHandler func(n sdk.Notification)

	// CallTimeout bounds CallTool / ReadResource when the caller's
	// context has no deadline. Zero means 30s.
	CallTimeout time.Duration
}

// gatewayConn is one connected gateway, on either binding. push
// delivers a frame of the given kind; body carries id plus
// kind-specific fields.
type gatewayConn struct {
	id   string
	push func(kind string, body map[string]any) error
}

// Host is the controller-side endpoint set.
type Host struct {
	opts Options
	log  *zap.Logger
	r    *chi.Mux

	mu      sync.Mutex
	conns   []*gatewayConn
	pending map[string]chan resultFrame
}

type resultFrame struct {
	Result any
	Err    string
}

// New builds a host. A nil logger gets a no-op.
func New(opts Options, log *zap.Logger) *Host {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	h := &Host{
		opts:    opts,
		log:     log,
		r:       chi.NewRouter(),
		pending: make(map[string]chan resultFrame),
	}
	h.routes()
	return h
}

// Router returns the handler to mount; typically at the config's
// control base path.
func (h *Host) Router() http.Handler { return h.r }

func (h *Host) routes() {
	h.r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
	}))

	h.r.Get("/events", h.serveEvents)
	h.r.Get("/ws", h.serveWS)

	h.r.Post("/tools/result", h.acceptResult)
	h.r.Post("/resources/result", h.acceptResult)
	h.r.Post("/tools/{name}", h.serveToolCall)
	h.r.Get("/resources", h.serveResourceRead)
	h.r.Post("/notifications", h.acceptNotification)

	h.r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

// serveEvents is the push-channel stream: one SSE connection per
// gateway, held open until the gateway goes away.
func (h *Host) serveEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var wmu sync.Mutex
	conn := &gatewayConn{
		id: uuid.NewString(),
		push: func(kind string, body map[string]any) error {
			raw, err := json.Marshal(body)
			if err != nil {
				return err
			}
			wmu.Lock()
			defer wmu.Unlock()
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", kind, raw); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		},
	}
	h.addConn(conn)
	defer h.removeConn(conn.id)
	h.log.Info("gateway stream open", zap.String("conn", conn.id))

	<-r.Context().Done()
	h.log.Info("gateway stream closed", zap.String("conn", conn.id))
}

// serveWS is the duplex binding: correlated envelopes both ways on a
// single websocket.
func (h *Host) serveWS(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ws, err := up.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	var wmu sync.Mutex
	writeEnvelope := func(env sdk.Envelope) error {
		wmu.Lock()
		defer wmu.Unlock()
		return ws.WriteJSON(env)
	}
	conn := &gatewayConn{
		id: uuid.NewString(),
		push: func(kind string, body map[string]any) error {
			id, _ := body["id"].(string)
			data := make(map[string]any, len(body))
			for k, v := range body {
				if k != "id" {
					data[k] = v
				}
			}
			return writeEnvelope(sdk.Envelope{Type: kind, ID: id, Data: data})
		},
	}
	h.addConn(conn)
	defer h.removeConn(conn.id)
	h.log.Info("gateway ws open", zap.String("conn", conn.id))

	for {
		var env sdk.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			h.log.Debug("ws read", zap.Error(err))
			return
		}
		switch env.Type {
		case sdk.FrameResponse:
			h.settle(env.ID, resultFrame{Result: env.Result, Err: env.Error})
		case sdk.FrameToolCall:
			go h.serveWSToolCall(env, writeEnvelope)
		case sdk.FrameResourceRead:
			go h.serveWSResourceRead(env, writeEnvelope)
		case sdk.FrameNotification:
			h.dispatchNotification(env.Data)
		default:
			h.log.Warn("unrecognized envelope type dropped", zap.String("type", env.Type))
		}
	}
}

func (h *Host) serveWSToolCall(env sdk.Envelope, write func(sdk.Envelope) error) {
	if h.opts.ToolHandler == nil {
		_ = write(sdk.Envelope{Type: sdk.FrameResponse, ID: env.ID, Error: "no tool handler"})
		return
	}
	name, _ := env.Data["tool"].(string)
	params, _ := env.Data["params"].(map[string]any)
	result := h.opts.ToolHandler(context.Background(), name, params)
	_ = write(sdk.Envelope{Type: sdk.FrameResponse, ID: env.ID, Result: result})
}

func (h *Host) serveWSResourceRead(env sdk.Envelope, write func(sdk.Envelope) error) {
	if h.opts.ResourceHandler == nil {
		_ = write(sdk.Envelope{Type: sdk.FrameResponse, ID: env.ID, Error: "no resource handler"})
		return
	}
	uri, _ := env.Data["uri"].(string)
	payload, err := h.opts.ResourceHandler(context.Background(), uri)
	if err != nil {
		_ = write(sdk.Envelope{Type: sdk.FrameResponse, ID: env.ID, Error: err.Error()})
		return
	}
	_ = write(sdk.Envelope{Type: sdk.FrameResponse, ID: env.ID, Result: payload})
}

// acceptResult is the push-channel side-channel: gateways post
// {id, result} / {id, error} here to answer a pushed call.
func (h *Host) acceptResult(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID     string `json:"id"`
		Result any    `json:"result"`
		Error  string `json:"error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	h.settle(body.ID, resultFrame{Result: body.Result, Err: body.Error})
	w.WriteHeader(http.StatusAccepted)
}

func (h *Host) serveToolCall(w http.ResponseWriter, r *http.Request) {
	if h.opts.ToolHandler == nil {
		http.Error(w, "no tool handler", http.StatusNotImplemented)
		return
	}
	var params map[string]any
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		http.Error(w, "malformed params", http.StatusBadRequest)
		return
	}
	result := h.opts.ToolHandler(r.Context(), chi.URLParam(r, "name"), params)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

func (h *Host) serveResourceRead(w http.ResponseWriter, r *http.Request) {
	if h.opts.ResourceHandler == nil {
		http.Error(w, "no resource handler", http.StatusNotImplemented)
		return
	}
	uri := r.URL.Query().Get("uri")
	if uri == "" {
		http.Error(w, "missing uri", http.StatusBadRequest)
		return
	}
	payload, err := h.opts.ResourceHandler(r.Context(), uri)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Host) acceptNotification(w http.ResponseWriter, r *http.Request) {
	var n sdk.Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		http.Error(w, "malformed notification", http.StatusBadRequest)
		return
	}
	if h.opts.NotificationHandler != nil {
		h.opts.NotificationHandler(n)
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Host) dispatchNotification(data map[string]any) {
	if h.opts.NotificationHandler == nil {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	var n sdk.Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		h.log.Warn("malformed notification frame dropped", zap.Error(err))
		return
	}
	h.opts.NotificationHandler(n)
}

func (h *Host) addConn(c *gatewayConn) {
	h.mu.Lock()
	h.conns = append(h.conns, c)
	h.mu.Unlock()
}

func (h *Host) removeConn(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, c := range h.conns {
		if c.id == id {
			h.conns = append(h.conns[:i:i], h.conns[i+1:]...)
			return
		}
	}
}

// GatewayCount reports the connected gateways across both bindings.
func (h *Host) GatewayCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *Host) settle(id string, frame resultFrame) {
	h.mu.Lock()
	ch, ok := h.pending[id]
	delete(h.pending, id)
	h.mu.Unlock()
	if !ok {
		h.log.Debug("result without pending call", zap.String("id", id))
		return
	}
	ch <- frame
}

// push sends a frame to the most recently connected gateway.
func (h *Host) push(kind string, body map[string]any) error {
	h.mu.Lock()
	if len(h.conns) == 0 {
		h.mu.Unlock()
		return ErrNoGateway
	}
	conn := h.conns[len(h.conns)-1]
	h.mu.Unlock()
	return conn.push(kind, body)
}

// CallTool pushes a tool call at the connected gateway and waits for
// the correlated result.
func (h *Host) CallTool(ctx context.Context, name string, params map[string]any) (*sdk.ToolResult, error) {
	frame, err := h.roundTrip(ctx, sdk.FrameToolCall, map[string]any{"tool": name, "params": params})
	if err != nil {
		return nil, err
	}
	if frame.Err != "" {
		return sdk.Fail(frame.Err), nil
	}
	raw, err := json.Marshal(frame.Result)
	if err != nil {
		return nil, err
	}
	var result sdk.ToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tool result: %w", err)
	}
	return &result, nil
}

// ReadResource pushes a resource read at the connected gateway.
func (h *Host) ReadResource(ctx context.Context, uri string) (any, error) {
	frame, err := h.roundTrip(ctx, sdk.FrameResourceRead, map[string]any{"uri": uri})
	if err != nil {
		return nil, err
	}
	if frame.Err != "" {
		return nil, errors.New(frame.Err)
	}
	return frame.Result, nil
}

func (h *Host) roundTrip(ctx context.Context, kind string, body map[string]any) (resultFrame, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opts.CallTimeout)
		defer cancel()
	}

	id := uuid.NewString()
	body["id"] = id
	ch := make(chan resultFrame, 1)
	h.mu.Lock()
	h.pending[id] = ch
	h.mu.Unlock()

	if err := h.push(kind, body); err != nil {
		h.forget(id)
		return resultFrame{}, err
	}
	select {
	case frame := <-ch:
		return frame, nil
	case <-ctx.Done():
		h.forget(id)
		return resultFrame{}, ctx.Err()
	}
}

func (h *Host) forget(id string) {
	h.mu.Lock()
	delete(h.pending, id)
	h.mu.Unlock()
}

// Broadcast sends a notification to every connected gateway: a default
// message event on SSE streams, a notification envelope on websockets.
func (h *Host) Broadcast(n sdk.Notification) {
	h.mu.Lock()
	conns := make([]*gatewayConn, len(h.conns))
	copy(conns, h.conns)
	h.mu.Unlock()

	body := map[string]any{"type": n.Type, "data": n.Data, "timestamp": n.Timestamp}
	for _, c := range conns {
		if err := c.push(sdk.FrameNotification, body); err != nil {
			h.log.Warn("broadcast failed", zap.String("conn", c.id), zap.Error(err))
		}
	}
}
