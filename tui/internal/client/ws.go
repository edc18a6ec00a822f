package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	writeTimeout       = 10 * time.Second
	pongTimeout        = 60 * time.Second
	pingInterval       = 30 * time.Second
)

// WSClient speaks JSON-RPC to the BCI server over one WebSocket.
type WSClient struct {
	url   string
	token string

	mu      sync.Mutex
	writeMu sync.Mutex // serialises all conn writes (ping, calls)
	conn    *websocket.Conn
	nextID  int64
	pending map[int64]pendingCall
	pingCtx context.CancelFunc
}

type pendingCall struct {
	method string
	sent   time.Time
}

// NewWSClient creates a client that connects to the given WebSocket URL.
func NewWSClient(url, token string) *WSClient {
	return &WSClient{url: url, token: token, pending: make(map[int64]pendingCall)}
}

// --- Bubble Tea messages ---

// WSConnectedMsg is sent when the WebSocket connects.
type WSConnectedMsg struct{}

// WSDisconnectedMsg is sent when the connection drops.
type WSDisconnectedMsg struct{ Err error }

// ResultMsg carries the response to a call. Elapsed is the round trip,
// zero when the request is unknown (e.g. a parse error with a null id).
type ResultMsg struct {
	ID      int64
	Method  string
	Result  json.RawMessage
	Err     *RPCError
	Elapsed time.Duration
}

// SentMsg reports a request written to the socket.
type SentMsg struct {
	ID     int64
	Method string
}

// SessionChangeMsg is a lifecycle broadcast.
type SessionChangeMsg struct{ Payload SessionChange }

// SessionMsg is a session topic push.
type SessionMsg struct{ Payload SessionInfo }

// EventsMsg is an events topic push.
type EventsMsg struct{ Payload EventsPush }

// SignalsMsg is a signals topic push.
type SignalsMsg struct{ Payload SignalsPush }

// CallFailedMsg reports a request that could not be written.
type CallFailedMsg struct {
	Method string
	Err    error
}

// Listen returns a Bubble Tea command that connects, retrying with
// backoff until it succeeds or ctx is done.
func (c *WSClient) Listen(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		delay := reconnectBaseDelay
		for {
			select {
			case <-ctx.Done():
				return nil
			default:
			}

			header := http.Header{}
			if c.token != "" {
				header.Set("Authorization", "Bearer "+c.token)
			}
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
			if err != nil {
				log.Printf("ws dial error: %v (retry in %v)", err, delay)
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return nil
				}
				delay = min(delay*2, reconnectMaxDelay)
				continue
			}

			c.mu.Lock()
			if c.pingCtx != nil {
				c.pingCtx()
			}
			pingCtx, pingCancel := context.WithCancel(ctx)
			c.conn = conn
			c.pending = make(map[int64]pendingCall)
			c.pingCtx = pingCancel
			c.mu.Unlock()

			go c.pingLoop(pingCtx, conn)
			return WSConnectedMsg{}
		}
	}
}

// ReadLoop returns a command that reads until the next message the UI
// cares about. It should be re-issued after every message it returns.
func (c *WSClient) ReadLoop(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return WSDisconnectedMsg{Err: fmt.Errorf("no connection")}
		}

		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongTimeout))
			return nil
		})
		conn.SetReadDeadline(time.Now().Add(pongTimeout))

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				c.mu.Lock()
				if c.conn == conn {
					c.conn = nil
				}
				c.mu.Unlock()
				conn.Close()
				return WSDisconnectedMsg{Err: err}
			}
			conn.SetReadDeadline(time.Now().Add(pongTimeout))

			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			if msg := c.dispatch(env); msg != nil {
				return msg
			}
		}
	}
}

func (c *WSClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			cc := c.conn
			c.mu.Unlock()
			if cc != conn {
				return
			}
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Send writes a request and returns its ID. The response arrives through
// ReadLoop as a ResultMsg.
func (c *WSClient) Send(method string, params any) (int64, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return 0, fmt.Errorf("not connected")
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = pendingCall{method: method, sent: time.Now()}
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(Request{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return 0, err
	}
	return id, nil
}

// Call returns a command that sends a request and reports it with a
// SentMsg. The result comes back through ReadLoop.
func (c *WSClient) Call(method string, params any) tea.Cmd {
	return func() tea.Msg {
		id, err := c.Send(method, params)
		if err != nil {
			return CallFailedMsg{Method: method, Err: err}
		}
		return SentMsg{ID: id, Method: method}
	}
}

// Close drops the connection.
func (c *WSClient) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	if c.pingCtx != nil {
		c.pingCtx()
	}
	c.mu.Unlock()
	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	}
}

func (c *WSClient) dispatch(env Envelope) tea.Msg {
	if len(env.ID) > 0 && string(env.ID) != "null" {
		var id int64
		if err := json.Unmarshal(env.ID, &id); err != nil {
			return nil
		}
		c.mu.Lock()
		call, ok := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		msg := ResultMsg{ID: id, Method: call.method, Result: env.Result, Err: env.Error}
		if ok {
			msg.Elapsed = time.Since(call.sent)
		}
		return msg
	}
	if env.Error != nil {
		// error without an id: the request could not be parsed
		return ResultMsg{Err: env.Error}
	}
	return decodeNotification(env.Method, env.Params)
}

func decodeNotification(method string, params json.RawMessage) tea.Msg {
	switch method {
	case NoteSessionInfo:
		var p SessionChange
		if json.Unmarshal(params, &p) == nil {
			return SessionChangeMsg{Payload: p}
		}
	case NoteSession:
		var p SessionInfo
		if json.Unmarshal(params, &p) == nil {
			return SessionMsg{Payload: p}
		}
	case NoteEvents:
		var p EventsPush
		if json.Unmarshal(params, &p) == nil {
			return EventsMsg{Payload: p}
		}
	case NoteSignals:
		var p SignalsPush
		if json.Unmarshal(params, &p) == nil {
			return SignalsMsg{Payload: p}
		}
	}
	return nil
}
