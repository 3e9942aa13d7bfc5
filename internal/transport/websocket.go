package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/courierim/courier/internal/wire"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultPingInterval     = 25 * time.Second
	maxReconnectBackoff     = 30 * time.Second
)

// WSOptions tunes the websocket transport.
type WSOptions struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
}

func (o *WSOptions) fill() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
}

type pendingRequest struct {
	id string
	fn ResponseFunc
}

// WSTransport is a Transport over a single websocket connection carrying JSON
// frames. Responses are matched to requests by envelope id; a dropped
// connection fails every pending request with ErrConnectionLost and the
// transport reconnects with capped backoff.
type WSTransport struct {
	url    string
	opts   WSOptions
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[Handle]*pendingRequest
	byID    map[string]Handle
	closed  bool

	next   atomic.Uint64
	done   chan struct{}
	cancel context.CancelFunc
}

// NewWSTransport creates a websocket transport for the given URL. Start must
// be called before Send.
func NewWSTransport(log *slog.Logger, url string, opts WSOptions) *WSTransport {
	if log == nil {
		log = slog.Default()
	}
	opts.fill()
	return &WSTransport{
		url:     url,
		opts:    opts,
		logger:  log.With(slog.String("service", "transport")),
		pending: make(map[Handle]*pendingRequest),
		byID:    make(map[string]Handle),
		done:    make(chan struct{}),
	}
}

// Start connects and launches the read loop. It keeps reconnecting until the
// context is cancelled or Close is called.
func (t *WSTransport) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	go t.run(ctx)
}

func (t *WSTransport) run(ctx context.Context) {
	defer close(t.done)
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		dialer := websocket.Dialer{HandshakeTimeout: t.opts.HandshakeTimeout}
		conn, _, err := dialer.DialContext(ctx, t.url, nil)
		if err != nil {
			t.logger.Warn("dial failed", slog.Any("error", err), slog.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > maxReconnectBackoff {
				backoff = maxReconnectBackoff
			}
			continue
		}
		backoff = time.Second
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			_ = conn.Close()
			return
		}
		t.conn = conn
		t.mu.Unlock()
		t.logger.Info("connected", slog.String("url", t.url))

		stopPing := t.startPing(ctx, conn)
		t.readLoop(conn)
		stopPing()

		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()
		t.failPending(ErrConnectionLost)
	}
}

func (t *WSTransport) startPing(ctx context.Context, conn *websocket.Conn) func() {
	ticker := time.NewTicker(t.opts.PingInterval)
	stopped := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				deadline := time.Now().Add(t.opts.WriteTimeout)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			case <-stopped:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { close(stopped) }
}

func (t *WSTransport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return
		}
		var resp wire.Response
		if err := json.Unmarshal(data, &resp); err != nil {
			t.logger.Warn("bad frame", slog.Any("error", err))
			continue
		}
		t.dispatch(resp)
	}
}

func (t *WSTransport) dispatch(resp wire.Response) {
	t.mu.Lock()
	handle, ok := t.byID[resp.ID]
	var fn ResponseFunc
	if ok {
		fn = t.pending[handle].fn
		delete(t.pending, handle)
		delete(t.byID, resp.ID)
	}
	t.mu.Unlock()
	if fn != nil {
		fn(resp, nil)
	}
}

func (t *WSTransport) failPending(err error) {
	t.mu.Lock()
	stale := t.pending
	t.pending = make(map[Handle]*pendingRequest)
	t.byID = make(map[string]Handle)
	t.mu.Unlock()
	for _, p := range stale {
		p.fn(wire.Response{ID: p.id}, err)
	}
}

// Send implements Transport.
func (t *WSTransport) Send(ctx context.Context, req wire.Request, fn ResponseFunc) Handle {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	handle := Handle(t.next.Add(1))

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		fn(wire.Response{ID: req.ID}, ErrClosed)
		return 0
	}
	conn := t.conn
	t.pending[handle] = &pendingRequest{id: req.ID, fn: fn}
	t.byID[req.ID] = handle
	t.mu.Unlock()

	if conn == nil {
		t.remove(handle)
		fn(wire.Response{ID: req.ID}, ErrConnectionLost)
		return 0
	}
	if err := t.write(conn, req); err != nil {
		t.remove(handle)
		fn(wire.Response{ID: req.ID}, err)
		return 0
	}
	return handle
}

func (t *WSTransport) write(conn *websocket.Conn, req wire.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (t *WSTransport) remove(handle Handle) *pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[handle]
	if !ok {
		return nil
	}
	delete(t.pending, handle)
	delete(t.byID, p.id)
	return p
}

// Cancel implements Transport. The peer is told best-effort so it can stop
// working on the request; locally the callback is guaranteed never to fire.
func (t *WSTransport) Cancel(handle Handle) {
	p := t.remove(handle)
	if p == nil {
		return
	}
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return
	}
	body, _ := json.Marshal(map[string]string{"id": p.id})
	req := wire.Request{ID: uuid.NewString(), Method: wire.MethodCancel, Body: body}
	if err := t.write(conn, req); err != nil {
		t.logger.Debug("cancel notify failed", slog.Any("error", err))
	}
}

// Close shuts the transport down and fails all pending requests.
func (t *WSTransport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if t.cancel != nil {
		<-t.done
	}
	t.failPending(ErrClosed)
}
