package protocol

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bci-mcp/backend/internal/config"
	"github.com/bci-mcp/backend/internal/device"
	errs "github.com/bci-mcp/backend/internal/errors"
	"github.com/bci-mcp/backend/internal/session"
)

type testEnv struct {
	srv      *Server
	mgr      *session.Manager
	http     *httptest.Server
	adapters chan *device.Simulated
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Storage.Dir = t.TempDir()
	cfg.Protocol.PushInterval = 10 * time.Millisecond
	cfg.Protocol.RateLimit = 0
	cfg.Protocol.ToolTimeout = 5 * time.Second
	return cfg
}

// newTestEnv starts a manager and server. Connected devices are simulated
// adapters built by opts.
func newTestEnv(t *testing.T, cfg *config.Config, opts device.SimulatedOptions) *testEnv {
	t.Helper()
	env := &testEnv{adapters: make(chan *device.Simulated, 8)}

	env.mgr = session.NewManager(session.Options{
		Config: cfg,
		Factory: func(kind, port string) (device.Adapter, error) {
			o := opts
			o.SampleRate = cfg.Device.SampleRate
			o.Channels = cfg.Device.Channels
			o.Seed = 1
			sim := device.NewSimulated(o)
			env.adapters <- sim
			return sim, nil
		},
	})
	env.srv = NewServer(Options{Config: cfg, Manager: env.mgr, Version: "test"})
	env.mgr.SetNotifier(env.srv.Hub())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		env.mgr.Run(ctx)
		close(done)
	}()

	env.http = httptest.NewServer(env.srv.Handler())
	t.Cleanup(func() {
		env.srv.Close()
		env.http.Close()
		cancel()
		<-done
	})
	return env
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
}

type testClient struct {
	t    *testing.T
	ws   *websocket.Conn
	next int64
	// notifications seen while waiting for responses
	notes []Notification
}

type rawResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Result  json.RawMessage `json:"result"`
	Params  json.RawMessage `json:"params"`
	Error   *RPCError       `json:"error"`
}

// dial connects and waits until the hub has registered the client, so
// broadcasts issued afterwards reach it.
func (e *testEnv) dial(t *testing.T) *testClient {
	t.Helper()
	before := e.srv.Hub().Count()
	ws, _, err := websocket.DefaultDialer.Dial(e.wsURL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	require.Eventually(t, func() bool { return e.srv.Hub().Count() > before }, 5*time.Second, 5*time.Millisecond)
	return &testClient{t: t, ws: ws}
}

func (c *testClient) send(v any) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteJSON(v))
}

func (c *testClient) read(timeout time.Duration) rawResponse {
	c.t.Helper()
	c.ws.SetReadDeadline(time.Now().Add(timeout))
	var r rawResponse
	_, data, err := c.ws.ReadMessage()
	require.NoError(c.t, err)
	require.NoError(c.t, json.Unmarshal(data, &r))
	return r
}

// waitID reads until the response with id arrives, keeping notifications.
func (c *testClient) waitID(id string, timeout time.Duration) rawResponse {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		r := c.read(time.Until(deadline))
		if r.Method != "" && len(r.ID) == 0 {
			c.notes = append(c.notes, Notification{Method: r.Method, Params: r.Params})
			continue
		}
		if string(r.ID) == id {
			return r
		}
	}
	c.t.Fatalf("no response with id %s", id)
	return rawResponse{}
}

func (c *testClient) call(method string, params any) rawResponse {
	c.t.Helper()
	id := atomic.AddInt64(&c.next, 1)
	req := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		req["params"] = params
	}
	c.send(req)
	b, _ := json.Marshal(id)
	return c.waitID(string(b), 10*time.Second)
}

func (c *testClient) mustCall(method string, params any, out any) {
	c.t.Helper()
	r := c.call(method, params)
	require.Nil(c.t, r.Error, "%s: %+v", method, r.Error)
	if out != nil {
		require.NoError(c.t, json.Unmarshal(r.Result, out))
	}
}

// waitNote reads until a notification with method arrives.
func (c *testClient) waitNote(method string, timeout time.Duration) json.RawMessage {
	c.t.Helper()
	for i, n := range c.notes {
		if n.Method == method {
			c.notes = append(c.notes[:i], c.notes[i+1:]...)
			return n.Params.(json.RawMessage)
		}
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		r := c.read(time.Until(deadline))
		if r.Method == method {
			return r.Params
		}
	}
	c.t.Fatalf("no %s notification", method)
	return nil
}

func TestCapabilities(t *testing.T) {
	env := newTestEnv(t, testConfig(t), device.SimulatedOptions{Speed: 20})
	c := env.dial(t)

	var caps Capabilities
	c.mustCall("get_capabilities", nil, &caps)

	assert.Equal(t, serverName, caps.Name)
	for _, r := range []string{"brain_signals", "session_info", "device_info", "features", "events"} {
		assert.Contains(t, caps.Resources, r)
	}
	for _, tool := range []string{"connect_device", "disconnect_device", "list_available_devices",
		"start_stream", "stop_stream", "calibrate_device", "save_data", "configure_detector", "reset_session"} {
		assert.Contains(t, caps.Tools, tool)
	}
	assert.Equal(t, []string{TopicEvents, TopicSession, TopicSignals}, caps.Topics)
	assert.Equal(t, "object", caps.Tools["calibrate_device"].Params["type"])

	resp, err := http.Get(env.http.URL + "/api/capabilities")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestInitialize(t *testing.T) {
	env := newTestEnv(t, testConfig(t), device.SimulatedOptions{Speed: 20})
	c := env.dial(t)

	var res struct {
		ServerInfo ServerInfo `json:"server_info"`
	}
	c.mustCall("initialize", map[string]any{"client_capabilities": map[string]any{"name": "test"}}, &res)
	assert.Equal(t, "ready", res.ServerInfo.Status)
	assert.NotEmpty(t, res.ServerInfo.ClientID)
}

func TestProtocolErrors(t *testing.T) {
	env := newTestEnv(t, testConfig(t), device.SimulatedOptions{Speed: 20})
	c := env.dial(t)

	tests := []struct {
		name  string
		frame string
		code  int
		id    string
	}{
		{"parse error", `{"jsonrpc":"2.0",`, errs.CodeParseError, "null"},
		{"batch", `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`, errs.CodeInvalidRequest, "null"},
		{"missing version", `{"id":7,"method":"ping"}`, errs.CodeInvalidRequest, "7"},
		{"unknown method", `{"jsonrpc":"2.0","id":8,"method":"get_resource_nope"}`, errs.CodeMethodNotFound, "8"},
		{"schema mismatch", `{"jsonrpc":"2.0","id":9,"method":"get_resource_brain_signals","params":{"window":"x"}}`, errs.CodeInvalidParams, "9"},
		{"unknown param", `{"jsonrpc":"2.0","id":10,"method":"invoke_tool_start_stream","params":{"fast":true}}`, errs.CodeInvalidParams, "10"},
		{"bad topic", `{"jsonrpc":"2.0","id":11,"method":"subscribe","params":{"topic":"weather"}}`, errs.CodeInvalidParams, "11"},
		{"string id", `{"jsonrpc":"2.0","id":"abc","method":"get_resource_nope"}`, errs.CodeMethodNotFound, `"abc"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, []byte(tt.frame)))
			r := c.read(5 * time.Second)
			require.NotNil(t, r.Error)
			assert.Equal(t, tt.code, r.Error.Code)
			assert.Equal(t, tt.id, string(r.ID))
			assert.Equal(t, "ProtocolError", r.Error.Data.Kind)
		})
	}
}

func TestNotificationGetsNoResponse(t *testing.T) {
	env := newTestEnv(t, testConfig(t), device.SimulatedOptions{Speed: 20})
	c := env.dial(t)

	c.send(map[string]any{"jsonrpc": "2.0", "method": "ping"})
	c.send(map[string]any{"jsonrpc": "2.0", "id": 42, "method": "ping"})

	r := c.read(5 * time.Second)
	assert.Equal(t, "42", string(r.ID))
}

func TestPositionalParams(t *testing.T) {
	env := newTestEnv(t, testConfig(t), device.SimulatedOptions{Speed: 20})
	c := env.dial(t)

	var res map[string]any
	c.mustCall("subscribe", []any{"session"}, &res)
	assert.Equal(t, "session", res["subscribed"])

	r := c.call("subscribe", []any{"session", "extra"})
	require.NotNil(t, r.Error)
	assert.Equal(t, errs.CodeInvalidParams, r.Error.Code)
}

func TestToolsNeedDevice(t *testing.T) {
	env := newTestEnv(t, testConfig(t), device.SimulatedOptions{Speed: 20})
	c := env.dial(t)

	r := c.call("invoke_tool_start_stream", nil)
	require.NotNil(t, r.Error)
	assert.Equal(t, errs.CodeNotConnected, r.Error.Code)
	assert.Equal(t, "StreamError", r.Error.Data.Kind)

	var sig session.Signals
	c.mustCall("get_resource_brain_signals", nil, &sig)
	assert.Equal(t, session.StatusNotStreaming, sig.Status)

	var info session.Info
	c.mustCall("get_resource_session_info", nil, &info)
	assert.False(t, info.DeviceConnected)
	assert.Equal(t, session.CalibrationIdle, info.CalibrationStatus)
}

func TestStreamLifecycle(t *testing.T) {
	env := newTestEnv(t, testConfig(t), device.SimulatedOptions{Speed: 20})
	c := env.dial(t)

	var conn session.ConnectResult
	c.mustCall("invoke_tool_connect_device", map[string]any{"port": "sim://eeg"}, &conn)
	assert.Equal(t, "connected", conn.Status)

	var st session.StreamResult
	c.mustCall("invoke_tool_start_stream", nil, &st)
	assert.Equal(t, "streaming", st.Status)
	c.mustCall("invoke_tool_start_stream", nil, &st)
	assert.Equal(t, "already_streaming", st.Status)

	require.Eventually(t, func() bool {
		var sig session.Signals
		c.mustCall("get_resource_brain_signals", map[string]any{"window": 0.5}, &sig)
		return sig.Status == session.StatusStreaming && len(sig.Data.Timestamps) > 0
	}, 5*time.Second, 20*time.Millisecond)

	var dev session.DeviceInfo
	c.mustCall("get_resource_device_info", nil, &dev)
	assert.True(t, dev.Connected)
	assert.Equal(t, "sim://eeg", dev.Port)
	assert.Equal(t, 250.0, dev.SampleRate)

	c.mustCall("invoke_tool_stop_stream", nil, &st)
	assert.Equal(t, "stopped", st.Status)
	require.NotNil(t, st.SessionSummary)
	assert.Greater(t, st.SessionSummary.Duration, 0.0)

	var saved session.SaveResult
	c.mustCall("invoke_tool_save_data", map[string]any{"format": "csv"}, &saved)
	assert.Equal(t, "saved", saved.Status)
	assert.FileExists(t, saved.Path)

	r := c.call("invoke_tool_save_data", map[string]any{"format": "parquet"})
	require.NotNil(t, r.Error)
	assert.Equal(t, "PersistenceError", r.Error.Data.Kind)

	var disc session.StatusResult
	c.mustCall("invoke_tool_disconnect_device", nil, &disc)
	assert.Equal(t, "disconnected", disc.Status)
}

func TestSnapshotConsistencyAcrossClients(t *testing.T) {
	cfg := testConfig(t)
	cfg.Device.ChunkSize = 10
	env := newTestEnv(t, cfg, device.SimulatedOptions{Speed: 50, ChunkSize: 10, Limit: 100})
	a, b := env.dial(t), env.dial(t)

	a.mustCall("invoke_tool_connect_device", nil, nil)
	a.mustCall("invoke_tool_start_stream", nil, nil)

	// ten batches, then the adapter goes quiet with the stream open
	require.Eventually(t, func() bool {
		st := env.mgr.Store()
		return st != nil && st.Cursor() == 100
	}, 5*time.Second, 10*time.Millisecond)

	var sa, sb session.Signals
	a.mustCall("get_resource_brain_signals", nil, &sa)
	b.mustCall("get_resource_brain_signals", nil, &sb)

	require.Equal(t, session.StatusStreaming, sa.Status)
	require.Equal(t, session.StatusStreaming, sb.Status)
	assert.Equal(t, sa.Events.Count, sb.Events.Count)
	ta, tb := sa.Data.Timestamps, sb.Data.Timestamps
	require.NotEmpty(t, ta)
	assert.Equal(t, ta[len(ta)-1], tb[len(tb)-1])
	assert.Equal(t, sa.Data.Cursor, sb.Data.Cursor)
}

func TestDisconnectBroadcastsSessionInfo(t *testing.T) {
	env := newTestEnv(t, testConfig(t), device.SimulatedOptions{Speed: 20})
	a, b := env.dial(t), env.dial(t)

	a.mustCall("invoke_tool_connect_device", nil, nil)
	b.waitNote(methodSessionInfo, 5*time.Second)

	a.mustCall("invoke_tool_disconnect_device", nil, nil)
	var change SessionChange
	require.NoError(t, json.Unmarshal(b.waitNote(methodSessionInfo, 5*time.Second), &change))
	assert.Equal(t, "disconnected", change.Change)
	assert.False(t, change.Info.DeviceConnected)
}

func TestDeviceFaultBroadcast(t *testing.T) {
	env := newTestEnv(t, testConfig(t), device.SimulatedOptions{Speed: 20})
	a, b := env.dial(t), env.dial(t)

	a.mustCall("invoke_tool_connect_device", nil, nil)
	a.mustCall("invoke_tool_start_stream", nil, nil)
	sim := <-env.adapters
	b.waitNote(methodSessionInfo, 5*time.Second)

	sim.Fail(errs.ErrDeviceLost)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var change SessionChange
		require.NoError(t, json.Unmarshal(b.waitNote(methodSessionInfo, time.Until(deadline)), &change))
		if change.Change == "disconnected" {
			assert.False(t, change.Info.DeviceConnected)
			assert.NotEmpty(t, change.Info.Error)
			return
		}
	}
	t.Fatal("no disconnect broadcast after device fault")
}

func TestSignalsSubscription(t *testing.T) {
	env := newTestEnv(t, testConfig(t), device.SimulatedOptions{Speed: 20})
	c := env.dial(t)

	c.mustCall("invoke_tool_connect_device", nil, nil)
	c.mustCall("subscribe", map[string]any{"topic": "signals"}, nil)
	c.mustCall("invoke_tool_start_stream", nil, nil)

	var last uint64
	for i := 0; i < 3; i++ {
		var push SignalsPush
		require.NoError(t, json.Unmarshal(c.waitNote("notifications/signals", 5*time.Second), &push))
		require.Len(t, push.Raw, 1)
		assert.Len(t, push.Raw[0], len(push.Timestamps))
		assert.Greater(t, push.Cursor, last)
		last = push.Cursor
	}

	var res map[string]any
	c.mustCall("unsubscribe", map[string]any{"topic": "signals"}, &res)
	assert.Equal(t, true, res["unsubscribed"])
}

func TestEventsSubscription(t *testing.T) {
	cfg := testConfig(t)
	cfg.Artifact.Policy = "flag"
	env := newTestEnv(t, cfg, device.SimulatedOptions{
		Speed: 20,
		// 300 µV pulse, 5 samples wide, every half second
		Signal: func(i, _ int) float64 {
			if i%125 >= 60 && i%125 < 65 {
				return 300
			}
			return 0
		},
	})
	c := env.dial(t)

	c.mustCall("invoke_tool_connect_device", nil, nil)
	c.mustCall("invoke_tool_configure_detector", map[string]any{"mode": "amplitude", "threshold": 50, "cooldown": 0.1}, nil)
	c.mustCall("subscribe", map[string]any{"topic": "events"}, nil)
	c.mustCall("subscribe", map[string]any{"topic": "session"}, nil)
	c.mustCall("invoke_tool_start_stream", nil, nil)

	var push EventsPush
	require.NoError(t, json.Unmarshal(c.waitNote("notifications/events", 10*time.Second), &push))
	require.NotEmpty(t, push.Events)
	assert.Equal(t, uint64(1), push.Events[0].ID)
	assert.GreaterOrEqual(t, push.Count, len(push.Events))

	var info map[string]any
	require.NoError(t, json.Unmarshal(c.waitNote("notifications/session", 5*time.Second), &info))
	assert.Equal(t, true, info["device_connected"])
}

func TestToolsRunInSubmissionOrder(t *testing.T) {
	env := newTestEnv(t, testConfig(t), device.SimulatedOptions{Speed: 20})
	c := env.dial(t)

	for i, m := range []string{"invoke_tool_connect_device", "invoke_tool_start_stream", "invoke_tool_stop_stream"} {
		c.send(map[string]any{"jsonrpc": "2.0", "id": i + 1, "method": m})
	}
	for i, status := range []string{"connected", "streaming", "stopped"} {
		b, _ := json.Marshal(i + 1)
		r := c.waitID(string(b), 10*time.Second)
		require.Nil(t, r.Error, "%+v", r.Error)
		var res struct {
			Status string `json:"status"`
		}
		require.NoError(t, json.Unmarshal(r.Result, &res))
		assert.Equal(t, status, res.Status)
	}
}

func TestCalibrateTwiceConcurrently(t *testing.T) {
	env := newTestEnv(t, testConfig(t), device.SimulatedOptions{Speed: 20})
	a, b := env.dial(t), env.dial(t)

	a.mustCall("invoke_tool_connect_device", nil, nil)
	a.mustCall("invoke_tool_start_stream", nil, nil)
	a.send(map[string]any{"jsonrpc": "2.0", "id": 100, "method": "invoke_tool_calibrate_device", "params": map[string]any{"duration": 1}})

	require.Eventually(t, func() bool {
		return env.mgr.Calibration().Status.Active()
	}, 5*time.Second, 10*time.Millisecond)

	r := b.call("invoke_tool_calibrate_device", map[string]any{"duration": 1})
	require.NotNil(t, r.Error)
	assert.Equal(t, "ConcurrencyError", r.Error.Data.Kind)

	first := a.waitID("100", 10*time.Second)
	require.Nil(t, first.Error, "%+v", first.Error)
	var out session.CalibrationOutcome
	require.NoError(t, json.Unmarshal(first.Result, &out))
	assert.Equal(t, "calibrated", out.Status)
	assert.Equal(t, "continued", out.StreamingState)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.Protocol.RateLimit = 0.001
	cfg.Protocol.RateBurst = 1
	env := newTestEnv(t, cfg, device.SimulatedOptions{Speed: 20})
	c := env.dial(t)

	c.mustCall("ping", nil, nil)
	r := c.call("ping", nil)
	require.NotNil(t, r.Error)
	assert.Equal(t, errs.CodeRateLimited, r.Error.Code)
}

func TestAuthToken(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.AuthToken = "secret"
	env := newTestEnv(t, cfg, device.SimulatedOptions{Speed: 20})

	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	ws, _, err := websocket.DefaultDialer.Dial(env.wsURL()+"?token=secret", nil)
	require.NoError(t, err)
	ws.Close()

	h := http.Header{}
	h.Set("Authorization", "Bearer secret")
	ws, _, err = websocket.DefaultDialer.Dial(env.wsURL(), h)
	require.NoError(t, err)
	ws.Close()
}

func TestCheckOrigin(t *testing.T) {
	cfg := testConfig(t)
	s := NewServer(Options{Config: cfg})

	req := func(origin string) *http.Request {
		r := httptest.NewRequest("GET", "http://server:8765/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}
	assert.True(t, s.checkOrigin(req("")))
	assert.True(t, s.checkOrigin(req("http://localhost:3000")))
	assert.True(t, s.checkOrigin(req("http://server:8765")))
	assert.False(t, s.checkOrigin(req("http://evil.example")))

	cfg.Server.AllowedOrigins = []string{"https://app.example"}
	s = NewServer(Options{Config: cfg})
	assert.True(t, s.checkOrigin(req("https://app.example")))
	assert.False(t, s.checkOrigin(req("http://localhost:3000")))
}

func TestMaxConnections(t *testing.T) {
	cfg := testConfig(t)
	cfg.Protocol.MaxConnections = 1
	env := newTestEnv(t, cfg, device.SimulatedOptions{Speed: 20})

	first := env.dial(t)
	first.mustCall("ping", nil, nil)

	second, _, err := websocket.DefaultDialer.Dial(env.wsURL(), nil)
	require.NoError(t, err)
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = second.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "err = %v", err)
	assert.Equal(t, 1, env.srv.Hub().Count())
}

func TestSlowClientDisconnected(t *testing.T) {
	cfg := testConfig(t)
	cfg.Protocol.SendQueue = 1
	s := NewServer(Options{Config: cfg})
	c := newConn(s, nil, "test")
	require.NoError(t, s.hub.add(c))

	assert.True(t, c.enqueue([]byte("one")))
	assert.False(t, c.enqueue([]byte("two")))

	select {
	case <-c.Done():
	default:
		t.Fatal("slow client not closed")
	}
	assert.Equal(t, 0, s.hub.Count())
	assert.Error(t, c.ctx.Err())
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, testConfig(t), device.SimulatedOptions{Speed: 20})
	env.dial(t).mustCall("ping", nil, nil)

	resp, err := http.Get(env.http.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var report struct {
		Status  string       `json:"status"`
		Clients int          `json:"clients"`
		Session session.Info `json:"session"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, "ok", report.Status)
	assert.Equal(t, 1, report.Clients)
	assert.False(t, report.Session.DeviceConnected)
}
