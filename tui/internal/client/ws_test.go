package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// echoServer answers every request with its method name and pushes one
// events notification first.
func echoServer(t *testing.T, gotAuth chan<- string) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gotAuth != nil {
			gotAuth <- r.Header.Get("Authorization")
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var req Request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			conn.WriteJSON(map[string]any{
				"jsonrpc": "2.0",
				"method":  NoteEvents,
				"params":  EventsPush{Count: 1, Events: []Event{{ID: 1, Kind: "zscore_spike"}}},
			})
			conn.WriteJSON(map[string]any{
				"jsonrpc": "2.0",
				"id":      req.ID,
				"result":  map[string]string{"echo": req.Method},
			})
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCallRoundTrip(t *testing.T) {
	auth := make(chan string, 1)
	srv := echoServer(t, auth)
	c := NewWSClient("ws"+strings.TrimPrefix(srv.URL, "http"), "secret")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, ok := c.Listen(ctx)().(WSConnectedMsg); !ok {
		t.Fatal("Listen did not connect")
	}
	if got := <-auth; got != "Bearer secret" {
		t.Errorf("Authorization = %q", got)
	}

	id, err := c.Send("ping", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	read := c.ReadLoop(ctx)
	ev, ok := read().(EventsMsg)
	if !ok || ev.Payload.Count != 1 || ev.Payload.Events[0].Kind != "zscore_spike" {
		t.Fatalf("first message = %#v", ev)
	}
	res, ok := read().(ResultMsg)
	if !ok {
		t.Fatal("second message is not a result")
	}
	if res.ID != id || res.Method != "ping" || res.Err != nil {
		t.Errorf("result = %+v", res)
	}
	var body map[string]string
	json.Unmarshal(res.Result, &body)
	if body["echo"] != "ping" {
		t.Errorf("result body = %v", body)
	}

	sent, ok := c.Call("initialize", nil)().(SentMsg)
	if !ok || sent.ID != id+1 || sent.Method != "initialize" {
		t.Errorf("Call = %#v", sent)
	}

	c.Close()
	if _, err := c.Send("ping", nil); err == nil {
		t.Error("Send after Close should fail")
	}
}

func TestDispatchError(t *testing.T) {
	c := NewWSClient("ws://unused", "")
	c.pending[4] = pendingCall{method: "invoke_tool_start_stream", sent: time.Now().Add(-time.Second)}

	msg := c.dispatch(Envelope{
		ID:    json.RawMessage("4"),
		Error: &RPCError{Code: -32002, Message: "no device"},
	})
	res, ok := msg.(ResultMsg)
	if !ok || res.Method != "invoke_tool_start_stream" || res.Err == nil {
		t.Fatalf("dispatch = %#v", msg)
	}
	if res.Elapsed < time.Second {
		t.Errorf("Elapsed = %v, want at least the time since sending", res.Elapsed)
	}
	if _, still := c.pending[4]; still {
		t.Error("pending entry not cleared")
	}

	// parse errors come back with a null id
	msg = c.dispatch(Envelope{ID: json.RawMessage("null"), Error: &RPCError{Code: -32700, Message: "parse error"}})
	if res, ok := msg.(ResultMsg); !ok || res.Err.Code != -32700 || res.Elapsed != 0 {
		t.Errorf("null-id error = %#v", msg)
	}
}

func TestDecodeNotification(t *testing.T) {
	params, _ := json.Marshal(SessionChange{Change: "disconnected", Info: SessionInfo{Phase: PhaseDisconnected, Error: "device lost"}})
	msg, ok := decodeNotification(NoteSessionInfo, params).(SessionChangeMsg)
	if !ok || msg.Payload.Change != "disconnected" || msg.Payload.Info.Error != "device lost" {
		t.Errorf("session change = %#v", msg)
	}
	if decodeNotification("notifications/unknown", params) != nil {
		t.Error("unknown notifications should be ignored")
	}
}

func TestRPCErrorString(t *testing.T) {
	e := &RPCError{Code: -32002, Message: "no device"}
	if e.Error() != "no device" {
		t.Errorf("Error() = %q", e.Error())
	}
	e.Data = &struct {
		Kind string `json:"kind"`
		Op   string `json:"op,omitempty"`
	}{Kind: "ConnectionError"}
	if e.Error() != "ConnectionError: no device" {
		t.Errorf("Error() = %q", e.Error())
	}
}
