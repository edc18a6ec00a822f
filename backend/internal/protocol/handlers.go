package protocol

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/bci-mcp/backend/internal/session"
)

const (
	serverName        = "BCI-MCP Server"
	serverDescription = "Brain-Computer Interface server implementing the Model Context Protocol"
)

// Capability describes one resource or tool.
type Capability struct {
	Description string         `json:"description"`
	Method      string         `json:"method"`
	Params      map[string]any `json:"params"`
}

// MethodInfo is one row of the method listing.
type MethodInfo struct {
	Name        string         `json:"name"`
	Family      string         `json:"family"`
	Description string         `json:"description"`
	Params      map[string]any `json:"params"`
}

// Capabilities is the introspection document returned by get_capabilities.
type Capabilities struct {
	Name        string                `json:"name"`
	Version     string                `json:"version"`
	Description string                `json:"description"`
	Resources   map[string]Capability `json:"resources"`
	Tools       map[string]Capability `json:"tools"`
	Methods     []MethodInfo          `json:"methods"`
	Topics      []string              `json:"topics"`
}

// Capabilities builds the introspection document from the method table.
func (s *Server) Capabilities() Capabilities {
	caps := Capabilities{
		Name:        serverName,
		Version:     s.version,
		Description: serverDescription,
		Resources:   make(map[string]Capability),
		Tools:       make(map[string]Capability),
	}
	for _, m := range s.methods.Methods() {
		c := Capability{Description: m.Description, Method: m.Name, Params: m.Schema}
		switch m.Family {
		case FamilyResource:
			caps.Resources[m.Short()] = c
		case FamilyTool:
			caps.Tools[m.Short()] = c
		}
		caps.Methods = append(caps.Methods, MethodInfo{
			Name:        m.Name,
			Family:      m.Family.String(),
			Description: m.Description,
			Params:      m.Schema,
		})
	}
	for t := range s.topics {
		caps.Topics = append(caps.Topics, t)
	}
	sort.Strings(caps.Topics)
	return caps
}

var (
	topicSchema = map[string]any{"type": "string", "enum": []string{TopicEvents, TopicSignals, TopicSession}}
	emptyParams = objectSchema(nil)
)

func (s *Server) registerMethods() {
	s.methods.MustRegister(
		&Method{
			Name:        "get_capabilities",
			Family:      FamilyMeta,
			Description: "List resources, tools, subscription topics and their parameter schemas",
			Schema:      emptyParams,
			Handle: func(context.Context, *Conn, json.RawMessage) (any, error) {
				return s.Capabilities(), nil
			},
		},
		&Method{
			Name:        "initialize",
			Family:      FamilyMeta,
			Description: "Exchange capabilities with the server",
			Params:      []string{"client_capabilities"},
			Schema: objectSchema(map[string]any{
				"client_capabilities": map[string]any{"type": "object"},
				"protocol_version":    map[string]any{"type": "string"},
			}),
			Handle: s.initialize,
		},
		&Method{
			Name:        "ping",
			Family:      FamilyMeta,
			Description: "Liveness check",
			Schema:      emptyParams,
			Handle: func(context.Context, *Conn, json.RawMessage) (any, error) {
				return map[string]any{"status": "ok", "time": time.Now().UTC()}, nil
			},
		},
		&Method{
			Name:        "subscribe",
			Family:      FamilyMeta,
			Description: "Receive push notifications for a topic: events, signals or session",
			Params:      []string{"topic"},
			Schema:      objectSchema(map[string]any{"topic": topicSchema}, "topic"),
			Handle:      s.subscribe,
		},
		&Method{
			Name:        "unsubscribe",
			Family:      FamilyMeta,
			Description: "Stop push notifications for a topic",
			Params:      []string{"topic"},
			Schema:      objectSchema(map[string]any{"topic": topicSchema}, "topic"),
			Handle:      s.unsubscribe,
		},

		&Method{
			Name:        resourcePrefix + "brain_signals",
			Family:      FamilyResource,
			Description: "Access to real-time brain signal data and detected events",
			Params:      []string{"window"},
			Schema: objectSchema(map[string]any{
				"window": map[string]any{"type": "number", "minimum": 0, "description": "seconds of history, default 1"},
			}),
			Handle: s.brainSignals,
		},
		&Method{
			Name:        resourcePrefix + "session_info",
			Family:      FamilyResource,
			Description: "Information about the current BCI session",
			Schema:      emptyParams,
			Handle: func(context.Context, *Conn, json.RawMessage) (any, error) {
				return s.mgr.SessionInfo(), nil
			},
		},
		&Method{
			Name:        resourcePrefix + "device_info",
			Family:      FamilyResource,
			Description: "Information about the connected BCI device",
			Schema:      emptyParams,
			Handle: func(context.Context, *Conn, json.RawMessage) (any, error) {
				return s.mgr.DeviceInfo(), nil
			},
		},
		&Method{
			Name:        resourcePrefix + "features",
			Family:      FamilyResource,
			Description: "Recent band power feature frames",
			Schema:      emptyParams,
			Handle: func(context.Context, *Conn, json.RawMessage) (any, error) {
				return s.mgr.Features(), nil
			},
		},
		&Method{
			Name:        resourcePrefix + "events",
			Family:      FamilyResource,
			Description: "Detected events, optionally starting at an event id",
			Params:      []string{"from_id"},
			Schema: objectSchema(map[string]any{
				"from_id": map[string]any{"type": "integer", "minimum": 0},
			}),
			Handle: s.events,
		},

		&Method{
			Name:        toolPrefix + "connect_device",
			Family:      FamilyTool,
			Description: "Connect to a BCI device",
			Params:      []string{"port", "device_type"},
			Schema: objectSchema(map[string]any{
				"port":        map[string]any{"type": "string"},
				"device_type": map[string]any{"type": "string", "enum": []string{"simulated", "serial", "mqtt"}},
			}),
			Handle: s.connectDevice,
		},
		&Method{
			Name:        toolPrefix + "disconnect_device",
			Family:      FamilyTool,
			Description: "Disconnect from the BCI device",
			Schema:      emptyParams,
			Handle: func(ctx context.Context, _ *Conn, _ json.RawMessage) (any, error) {
				return s.mgr.DisconnectDevice(ctx)
			},
		},
		&Method{
			Name:        toolPrefix + "list_available_devices",
			Family:      FamilyTool,
			Description: "List available BCI devices",
			Schema:      emptyParams,
			Handle: func(ctx context.Context, _ *Conn, _ json.RawMessage) (any, error) {
				return s.mgr.ListDevices(ctx)
			},
		},
		&Method{
			Name:        toolPrefix + "start_stream",
			Family:      FamilyTool,
			Description: "Start streaming data from the connected device",
			Schema:      emptyParams,
			Handle: func(ctx context.Context, _ *Conn, _ json.RawMessage) (any, error) {
				return s.mgr.StartStream(ctx)
			},
		},
		&Method{
			Name:        toolPrefix + "stop_stream",
			Family:      FamilyTool,
			Description: "Stop streaming data from the connected device",
			Schema:      emptyParams,
			Handle: func(ctx context.Context, _ *Conn, _ json.RawMessage) (any, error) {
				return s.mgr.StopStream(ctx)
			},
		},
		&Method{
			Name:        toolPrefix + "calibrate_device",
			Family:      FamilyTool,
			Description: "Calibrate the BCI device for optimal performance",
			Params:      []string{"duration"},
			Schema: objectSchema(map[string]any{
				"duration": map[string]any{"type": "number", "minimum": 0, "maximum": 600, "description": "seconds"},
			}),
			Handle: s.calibrate,
		},
		&Method{
			Name:        toolPrefix + "save_data",
			Family:      FamilyTool,
			Description: "Save the current session data",
			Params:      []string{"format"},
			Schema: objectSchema(map[string]any{
				"format": map[string]any{"type": "string"},
			}),
			Handle: s.saveData,
		},
		&Method{
			Name:        toolPrefix + "configure_detector",
			Family:      FamilyTool,
			Description: "Change the event detector threshold, cooldown, mode or window",
			Params:      []string{"threshold", "cooldown", "mode", "window"},
			Schema: objectSchema(map[string]any{
				"threshold": map[string]any{"type": "number"},
				"cooldown":  map[string]any{"type": "number", "minimum": 0},
				"mode":      map[string]any{"type": "string", "enum": []string{"amplitude", "zscore"}},
				"window":    map[string]any{"type": "integer", "minimum": 2},
			}),
			Handle: s.configureDetector,
		},
		&Method{
			Name:        toolPrefix + "reset_session",
			Family:      FamilyTool,
			Description: "Discard buffered samples, events, filter state and calibration; the device stays connected",
			Schema:      emptyParams,
			Handle: func(ctx context.Context, _ *Conn, _ json.RawMessage) (any, error) {
				return s.mgr.ResetSession(ctx)
			},
		},
	)
}

type initializeParams struct {
	ClientCapabilities map[string]any `json:"client_capabilities"`
	ProtocolVersion    string         `json:"protocol_version"`
}

// ServerInfo is the initialize result.
type ServerInfo struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Status   string `json:"status"`
	ClientID string `json:"client_id"`
}

func (s *Server) initialize(_ context.Context, c *Conn, raw json.RawMessage) (any, error) {
	var p initializeParams
	if err := decodeParams("initialize", raw, &p); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.initialized = true
	c.clientInfo = p.ClientCapabilities
	c.mu.Unlock()
	c.logger.Info("client initialized", "capabilities", p.ClientCapabilities, "protocol_version", p.ProtocolVersion)
	return map[string]any{
		"server_info": ServerInfo{
			Name:     serverName,
			Version:  s.version,
			Status:   "ready",
			ClientID: c.ID,
		},
		"capabilities": s.Capabilities(),
	}, nil
}

type topicParams struct {
	Topic string `json:"topic"`
}

func (s *Server) subscribe(_ context.Context, c *Conn, raw json.RawMessage) (any, error) {
	var p topicParams
	if err := decodeParams("subscribe", raw, &p); err != nil {
		return nil, err
	}
	if !c.subscribe(p.Topic) {
		return nil, invalidParams("subscribe", "unknown topic "+p.Topic)
	}
	topics := c.Subscriptions()
	sort.Strings(topics)
	return map[string]any{"subscribed": p.Topic, "topics": topics}, nil
}

func (s *Server) unsubscribe(_ context.Context, c *Conn, raw json.RawMessage) (any, error) {
	var p topicParams
	if err := decodeParams("unsubscribe", raw, &p); err != nil {
		return nil, err
	}
	return map[string]any{"unsubscribed": c.unsubscribe(p.Topic), "topic": p.Topic}, nil
}

func (s *Server) brainSignals(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		Window float64 `json:"window"`
	}
	if err := decodeParams("get_resource_brain_signals", raw, &p); err != nil {
		return nil, err
	}
	return s.mgr.BrainSignals(p.Window), nil
}

func (s *Server) events(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		FromID uint64 `json:"from_id"`
	}
	if err := decodeParams("get_resource_events", raw, &p); err != nil {
		return nil, err
	}
	return s.mgr.Events(p.FromID), nil
}

func (s *Server) connectDevice(ctx context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		Port       string `json:"port"`
		DeviceType string `json:"device_type"`
	}
	if err := decodeParams("invoke_tool_connect_device", raw, &p); err != nil {
		return nil, err
	}
	return s.mgr.ConnectDevice(ctx, p.Port, p.DeviceType)
}

func (s *Server) calibrate(ctx context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		Duration float64 `json:"duration"`
	}
	if err := decodeParams("invoke_tool_calibrate_device", raw, &p); err != nil {
		return nil, err
	}
	return s.mgr.Calibrate(ctx, time.Duration(p.Duration*float64(time.Second)))
}

func (s *Server) saveData(ctx context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		Format string `json:"format"`
	}
	if err := decodeParams("invoke_tool_save_data", raw, &p); err != nil {
		return nil, err
	}
	return s.mgr.SaveData(ctx, p.Format)
}

func (s *Server) configureDetector(ctx context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		Threshold *float64 `json:"threshold"`
		Cooldown  *float64 `json:"cooldown"`
		Mode      *string  `json:"mode"`
		Window    *int     `json:"window"`
	}
	if err := decodeParams("invoke_tool_configure_detector", raw, &p); err != nil {
		return nil, err
	}
	return s.mgr.ConfigureDetector(ctx, session.DetectorUpdate{
		Threshold: p.Threshold,
		Cooldown:  p.Cooldown,
		Mode:      p.Mode,
		Window:    p.Window,
	})
}
