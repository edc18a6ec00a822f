package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	errs "github.com/bci-mcp/backend/internal/errors"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	toolQueueSize  = 16
)

type toolCall struct {
	req    *Request
	method *Method
	params json.RawMessage
}

// Conn is one client connection. The read pump answers meta and resource
// requests inline and hands tools to a single worker, so a client's tools
// run in the order it sent them. Everything written to the socket goes
// through the bounded send queue drained by the write pump.
type Conn struct {
	ID     string
	Remote string

	server  *Server
	ws      *websocket.Conn
	send    chan []byte
	tools   chan toolCall
	limiter *rate.Limiter
	logger  *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	subs        map[string]context.CancelFunc
	initialized bool
	clientInfo  map[string]any
}

func newConn(s *Server, ws *websocket.Conn, remote string) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	queue := s.cfg.Protocol.SendQueue
	if queue <= 0 {
		queue = 64
	}
	limit := rate.Inf
	if s.cfg.Protocol.RateLimit > 0 {
		limit = rate.Limit(s.cfg.Protocol.RateLimit)
	}
	burst := s.cfg.Protocol.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return &Conn{
		ID:      id,
		Remote:  remote,
		server:  s,
		ws:      ws,
		send:    make(chan []byte, queue),
		tools:   make(chan toolCall, toolQueueSize),
		limiter: rate.NewLimiter(limit, burst),
		logger:  s.logger.With("client", id, "remote", remote),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		subs:    make(map[string]context.CancelFunc),
	}
}

// serve runs the connection until the peer goes away or the server closes
// it. It blocks in the read pump.
func (c *Conn) serve() {
	go c.writePump()
	go c.toolWorker()
	c.readPump()
	c.close()
}

// close cancels in-flight tools and subscriptions and stops the write
// pump. Safe to call from any goroutine, more than once.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.done)
		c.server.hub.remove(c)
	})
}

// Done is closed once the connection is shutting down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// enqueue queues data for the write pump. A client that cannot keep up is
// disconnected rather than allowed to stall its producers.
func (c *Conn) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn("client too slow, disconnecting", "queued", len(c.send))
		c.server.metrics.SlowClientDropped()
		c.close()
		return false
	}
}

func (c *Conn) notify(method string, params any) bool {
	data, err := json.Marshal(Notification{JSONRPC: jsonrpcVersion, Method: method, Params: params})
	if err != nil {
		c.logger.Error("notification marshal failed", "method", method, "error", err)
		return false
	}
	if !c.enqueue(data) {
		return false
	}
	c.server.metrics.NotificationSent(method)
	return true
}

func (c *Conn) reply(resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("response marshal failed", "error", err)
		data, _ = json.Marshal(newError(resp.ID, errs.Wrap(err, errs.KindInternal, "protocol.reply", "encode result")))
	}
	c.enqueue(data)
}

func (c *Conn) readPump() {
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}
		c.handle(data)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (c *Conn) toolWorker() {
	for {
		select {
		case <-c.done:
			return
		case call := <-c.tools:
			c.respond(call.req, call.method, call.params)
		}
	}
}

// handle decodes one frame and dispatches it.
func (c *Conn) handle(data []byte) {
	req, err := decodeRequest(data)
	if err != nil {
		var id json.RawMessage
		if req != nil {
			id = req.ID
		}
		c.server.metrics.RequestHandled("invalid", errs.KindOf(err).String())
		c.reply(newError(id, err))
		return
	}

	if !c.limiter.Allow() {
		err := errs.WithCode(&errs.Error{Kind: errs.KindProtocol, Op: "protocol.dispatch", Err: errs.ErrRateLimited},
			errs.CodeRateLimited)
		c.server.metrics.RequestHandled(req.Method, "rate_limited")
		if !req.IsNotification() {
			c.reply(newError(req.ID, err))
		}
		return
	}

	m, ok := c.server.methods.Lookup(req.Method)
	if !ok {
		c.server.metrics.RequestHandled("unknown", errs.KindProtocol.String())
		if !req.IsNotification() {
			c.reply(newError(req.ID, unknownMethod(req.Method)))
		}
		return
	}

	params, err := m.bind(req.Params)
	if err != nil {
		c.server.metrics.RequestHandled(m.Name, errs.KindOf(err).String())
		if !req.IsNotification() {
			c.reply(newError(req.ID, err))
		}
		return
	}

	if m.Family == FamilyTool {
		select {
		case c.tools <- toolCall{req: req, method: m, params: params}:
		default:
			err := &errs.Error{Kind: errs.KindConcurrency, Op: m.Name, Message: "too many pending tool calls", Err: errs.ErrQueueFull}
			c.server.metrics.RequestHandled(m.Name, errs.KindOf(err).String())
			if !req.IsNotification() {
				c.reply(newError(req.ID, err))
			}
		}
		return
	}
	c.respond(req, m, params)
}

// respond runs the handler and replies. Handler panics become internal
// errors for this request only.
func (c *Conn) respond(req *Request, m *Method, params json.RawMessage) {
	start := time.Now()
	result, err := c.invoke(m, params)

	status := "ok"
	if err != nil {
		status = errs.KindOf(err).String()
	}
	c.server.metrics.RequestHandled(m.Name, status)
	if m.Family == FamilyTool {
		c.server.metrics.ToolInvoked(m.Short(), status)
		c.logger.Info("tool invoked", "tool", m.Short(), "status", status, "duration", time.Since(start))
	}
	if err != nil {
		c.logger.Debug("request failed", "method", m.Name, "error", err)
	}

	if req.IsNotification() {
		return
	}
	if err != nil {
		c.reply(newError(req.ID, err))
		return
	}
	c.reply(newResult(req.ID, result))
}

func (c *Conn) invoke(m *Method, params json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panic", "method", m.Name, "panic", r)
			err = errs.Newf(errs.KindInternal, m.Name, "panic: %v", r)
		}
	}()
	return m.Handle(c.ctx, c, params)
}

// subscribe starts a push goroutine for topic. Subscribing twice is a
// no-op.
func (c *Conn) subscribe(topic string) bool {
	run, ok := c.server.topics[topic]
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, active := c.subs[topic]; active {
		return true
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.subs[topic] = cancel
	go run(ctx, c)
	return true
}

func (c *Conn) unsubscribe(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cancel, ok := c.subs[topic]
	if ok {
		cancel()
		delete(c.subs, topic)
	}
	return ok
}

// Subscriptions lists the active topics.
func (c *Conn) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for t := range c.subs {
		out = append(out, t)
	}
	return out
}

func (c *Conn) String() string {
	return fmt.Sprintf("client %s (%s)", c.ID, c.Remote)
}
