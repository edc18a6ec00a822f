package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bci-mcp/tui/internal/client"
	"github.com/bci-mcp/tui/internal/theme"
	"github.com/bci-mcp/tui/internal/views/debug"
	"github.com/bci-mcp/tui/internal/views/detail"
	"github.com/bci-mcp/tui/internal/views/events"
	"github.com/bci-mcp/tui/internal/views/status"
	"github.com/bci-mcp/tui/internal/views/trace"
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	healthInterval = 5 * time.Second
	toolPrefix     = "invoke_tool_"
)

// Overlay identifies which modal is active.
type Overlay int

const (
	OverlayNone Overlay = iota
	OverlayDetail
	OverlayDebug
	OverlayHelp
)

// Options tunes the tool calls the monitor issues.
type Options struct {
	CalibrationSeconds float64
	SaveFormat         string
}

type frameMsg struct{}

type healthTickMsg struct{}

// Model is the root Bubble Tea model.
type Model struct {
	ws     *client.WSClient
	http   *client.HTTPClient
	ctx    context.Context
	cancel context.CancelFunc
	opts   Options

	keys   KeyMap
	help   help.Model
	width  int
	height int

	// Server state.
	info     client.SessionInfo
	device   *client.DeviceInfo
	health   *client.Health
	caps     *client.Capabilities
	clientID string
	lastErr  string

	overlay Overlay

	// Sub-views.
	statusBar status.Model
	trace     trace.Model
	events    events.Model
	debugLog  debug.Model

	connected bool
}

// New creates the root model.
func New(ws *client.WSClient, http *client.HTTPClient, opts Options) Model {
	ctx, cancel := context.WithCancel(context.Background())
	return Model{
		ws:        ws,
		http:      http,
		ctx:       ctx,
		cancel:    cancel,
		opts:      opts,
		keys:      DefaultKeyMap(),
		help:      help.New(),
		info:      client.SessionInfo{Phase: client.PhaseDisconnected},
		statusBar: status.New(),
		trace:     trace.New(),
		events:    events.New(),
		debugLog:  debug.New(),
	}
}

// Init starts the WebSocket connection, the health poll and the
// animation clock.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{frameTick()}
	if m.ws != nil {
		cmds = append(cmds, m.ws.Listen(m.ctx))
	}
	if m.http != nil {
		cmds = append(cmds, m.http.PollHealth())
	}
	return tea.Batch(cmds...)
}

func frameTick() tea.Cmd {
	return tea.Tick(time.Second/trace.FPS, func(time.Time) tea.Msg { return frameMsg{} })
}

// readNext keeps the read loop going after each delivered message.
func (m Model) readNext() tea.Cmd {
	if m.ws == nil {
		return nil
	}
	return m.ws.ReadLoop(m.ctx)
}

func (m *Model) call(method string, params any) tea.Cmd {
	if m.ws == nil {
		return nil
	}
	return m.ws.Call(method, params)
}

func (m *Model) invoke(tool string, params any) tea.Cmd {
	if !m.connected {
		m.statusBar.SetFlash("not connected to server", true)
		return nil
	}
	m.statusBar.SetFlash(tool+"...", false)
	return m.call(toolPrefix+tool, params)
}

// handshake initializes the session and subscribes to every topic.
func (m *Model) handshake() tea.Cmd {
	return tea.Sequence(
		m.call("initialize", map[string]any{
			"protocol_version":    "1.0",
			"client_capabilities": map[string]any{"name": "bci-monitor"},
		}),
		m.call("subscribe", map[string]string{"topic": client.TopicSession}),
		m.call("subscribe", map[string]string{"topic": client.TopicEvents}),
		m.call("subscribe", map[string]string{"topic": client.TopicSignals}),
		m.call("get_resource_session_info", nil),
		m.call("get_resource_device_info", nil),
	)
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layout()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case frameMsg:
		m.trace.Tick()
		return m, frameTick()

	case healthTickMsg:
		if m.http == nil {
			return m, nil
		}
		return m, m.http.PollHealth()

	case client.HealthMsg:
		if msg.Err != nil {
			m.debugLog.Local("health", "%v", msg.Err)
		} else {
			m.health = msg.Health
		}
		return m, tea.Tick(healthInterval, func(time.Time) tea.Msg { return healthTickMsg{} })

	case client.WSConnectedMsg:
		m.connected = true
		m.statusBar.Connected = true
		m.debugLog.Local("ws", "connected")
		return m, tea.Batch(m.readNext(), m.handshake())

	case client.WSDisconnectedMsg:
		m.connected = false
		m.statusBar.Connected = false
		m.debugLog.Local("ws", "disconnected: %v", msg.Err)
		if m.ws == nil {
			return m, nil
		}
		return m, m.ws.Listen(m.ctx)

	case client.SentMsg:
		m.debugLog.Request(msg.ID, msg.Method)
		return m, nil

	case client.CallFailedMsg:
		m.setError(fmt.Sprintf("%s: %v", msg.Method, msg.Err))
		m.debugLog.Local("error", "%s: %v", msg.Method, msg.Err)
		return m, nil

	case client.ResultMsg:
		cmd := m.handleResult(msg)
		return m, tea.Batch(cmd, m.readNext())

	case client.SessionChangeMsg:
		m.setInfo(msg.Payload.Info)
		m.debugLog.Notification(client.TopicSession, "%s, phase %s", msg.Payload.Change, msg.Payload.Info.Phase)
		var cmd tea.Cmd
		switch msg.Payload.Change {
		case "connected":
			m.trace.Reset()
			m.events.Reset()
			cmd = m.call("get_resource_device_info", nil)
		case "disconnected":
			if m.device != nil {
				m.device.Connected = false
			}
		}
		return m, tea.Batch(cmd, m.readNext())

	case client.SessionMsg:
		m.setInfo(msg.Payload)
		return m, m.readNext()

	case client.EventsMsg:
		for _, e := range m.events.Add(msg.Payload) {
			m.trace.MarkEvent(e.SampleTime)
			m.debugLog.Notification(client.TopicEvents, "#%d %s ch%d %.2f", e.ID, e.Kind, e.Channel, e.Value)
		}
		return m, m.readNext()

	case client.SignalsMsg:
		m.trace.Push(msg.Payload)
		return m, m.readNext()
	}

	return m, nil
}

func (m *Model) setInfo(info client.SessionInfo) {
	m.info = info
	m.statusBar.Info = info
}

func (m *Model) setError(msg string) {
	m.lastErr = msg
	m.statusBar.SetFlash(msg, true)
}

// handleResult applies a response. Tool results are summarized in the
// status bar; tools that change the device trigger a device_info refresh.
func (m *Model) handleResult(msg client.ResultMsg) tea.Cmd {
	if msg.Err != nil {
		m.debugLog.Response(msg.ID, msg.Method, msg.Err.Code, msg.Elapsed, msg.Err.Message)
		method := msg.Method
		if method == "" {
			method = "request"
		}
		m.setError(fmt.Sprintf("%s: %s", strings.TrimPrefix(method, toolPrefix), msg.Err.Error()))
		return nil
	}
	m.debugLog.Response(msg.ID, msg.Method, 0, msg.Elapsed, "")

	switch msg.Method {
	case "initialize":
		var r client.InitializeResult
		if json.Unmarshal(msg.Result, &r) == nil {
			m.caps = &r.Capabilities
			m.clientID = r.ServerInfo.ClientID
		}
		return nil
	case "get_resource_session_info":
		var info client.SessionInfo
		if json.Unmarshal(msg.Result, &info) == nil {
			m.setInfo(info)
		}
		return nil
	case "get_resource_device_info":
		var d client.DeviceInfo
		if json.Unmarshal(msg.Result, &d) == nil {
			m.device = &d
			m.statusBar.Device = &d
		}
		return nil
	}

	if !strings.HasPrefix(msg.Method, toolPrefix) {
		return nil
	}
	tool := strings.TrimPrefix(msg.Method, toolPrefix)
	var r struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	json.Unmarshal(msg.Result, &r)
	flash := r.Message
	if flash == "" {
		flash = tool + ": " + r.Status
	}
	m.statusBar.SetFlash(flash, false)

	switch tool {
	case "connect_device", "disconnect_device", "calibrate_device", "configure_detector", "reset_session":
		return m.call("get_resource_device_info", nil)
	}
	return nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.overlay != OverlayNone {
		switch {
		case key.Matches(msg, m.keys.Escape), key.Matches(msg, m.keys.Help) && m.overlay == OverlayHelp:
			m.overlay = OverlayNone
		case key.Matches(msg, m.keys.Quit):
			m.cancel()
			return m, tea.Quit
		case m.overlay == OverlayDebug && key.Matches(msg, m.keys.Up):
			m.debugLog.ScrollUp(1)
		case m.overlay == OverlayDebug && key.Matches(msg, m.keys.Down):
			m.debugLog.ScrollDown(1)
		case m.overlay == OverlayDebug && key.Matches(msg, m.keys.Notes):
			m.debugLog.ToggleNotes()
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		m.cancel()
		if m.ws != nil {
			m.ws.Close()
		}
		return m, tea.Quit

	case key.Matches(msg, m.keys.Connect):
		return m, m.invoke("connect_device", map[string]any{})
	case key.Matches(msg, m.keys.Disconnect):
		return m, m.invoke("disconnect_device", nil)
	case key.Matches(msg, m.keys.Start):
		return m, m.invoke("start_stream", nil)
	case key.Matches(msg, m.keys.Stop):
		return m, m.invoke("stop_stream", nil)
	case key.Matches(msg, m.keys.Calibrate):
		params := map[string]any{}
		if m.opts.CalibrationSeconds > 0 {
			params["duration"] = m.opts.CalibrationSeconds
		}
		return m, m.invoke("calibrate_device", params)
	case key.Matches(msg, m.keys.Save):
		params := map[string]any{}
		if m.opts.SaveFormat != "" {
			params["format"] = m.opts.SaveFormat
		}
		return m, m.invoke("save_data", params)
	case key.Matches(msg, m.keys.Reset):
		m.trace.Reset()
		return m, m.invoke("reset_session", nil)

	case key.Matches(msg, m.keys.NextChan):
		m.trace.SelectChannel(1)
		return m, nil
	case key.Matches(msg, m.keys.PrevChan):
		m.trace.SelectChannel(-1)
		return m, nil
	case key.Matches(msg, m.keys.ToggleRaw):
		m.trace.ShowRaw = !m.trace.ShowRaw
		m.trace.Reset()
		return m, nil

	case key.Matches(msg, m.keys.Detail):
		m.overlay = OverlayDetail
		return m, nil
	case key.Matches(msg, m.keys.Debug):
		m.overlay = OverlayDebug
		return m, nil
	case key.Matches(msg, m.keys.Help):
		m.overlay = OverlayHelp
		return m, nil
	}

	return m, nil
}

// layout splits the screen between the trace and the event table.
func (m *Model) layout() {
	m.statusBar.Width = m.width
	m.help.Width = m.width
	body := m.height - 4 // status bar (3) + help line
	if body < 8 {
		body = 8
	}
	traceH := body * 3 / 5
	m.trace.Width = m.width
	m.trace.Height = traceH
	m.events.Width = m.width
	m.events.Height = body - traceH
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}
	if !m.connected {
		return m.renderDisconnected()
	}

	switch m.overlay {
	case OverlayDetail:
		d := detail.Model{Device: m.device, Session: m.info, Health: m.health, Caps: m.caps, Err: m.lastErr}
		return m.place(d.View())
	case OverlayDebug:
		return m.place(m.debugLog.View(m.width-4, m.height-2))
	case OverlayHelp:
		h := m.help
		h.ShowAll = true
		panel := theme.StyleBorder.Padding(1, 2).Render(
			lipgloss.JoinVertical(lipgloss.Left, theme.StyleHeader.Render("KEYS"), "", h.View(m.keys)))
		return m.place(panel)
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.statusBar.View(),
		m.trace.View(),
		m.events.View(),
		m.help.View(m.keys),
	)
}

func (m Model) place(panel string) string {
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, panel)
}

func (m Model) renderDisconnected() string {
	box := theme.StyleBorder.
		BorderForeground(theme.ColorDanger).
		Padding(1, 4).
		Render(lipgloss.JoinVertical(lipgloss.Center,
			lipgloss.NewStyle().Bold(true).Foreground(theme.ColorDanger).Render("DISCONNECTED"),
			"",
			theme.StyleDimmed.Render("Reconnecting to the BCI server..."),
		))
	return m.place(box)
}
