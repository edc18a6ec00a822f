package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	errs "github.com/bci-mcp/backend/internal/errors"
)

// Family groups methods by how they are dispatched.
type Family int

const (
	// FamilyMeta methods answer inline: capabilities, handshake, subscriptions.
	FamilyMeta Family = iota
	// FamilyResource methods are non-mutating snapshot reads, answered inline.
	FamilyResource
	// FamilyTool methods mutate device or session state. They run on the
	// connection's tool worker, one at a time, in submission order.
	FamilyTool
)

const (
	resourcePrefix = "get_resource_"
	toolPrefix     = "invoke_tool_"
)

func (f Family) String() string {
	switch f {
	case FamilyResource:
		return "resource"
	case FamilyTool:
		return "tool"
	default:
		return "meta"
	}
}

// Handler runs one method. params has been normalized to a JSON object and
// validated against the method schema.
type Handler func(ctx context.Context, c *Conn, params json.RawMessage) (any, error)

// Method is one entry of the dispatch table.
type Method struct {
	Name        string
	Family      Family
	Description string
	// Params lists parameter names in positional order, so that array
	// params can be mapped onto the object schema.
	Params []string
	Schema map[string]any
	Handle Handler

	validator *gojsonschema.Schema
}

// Short is the name without its family prefix: "brain_signals" for
// get_resource_brain_signals.
func (m *Method) Short() string {
	return strings.TrimPrefix(strings.TrimPrefix(m.Name, resourcePrefix), toolPrefix)
}

// Table maps method names to handlers.
type Table struct {
	methods map[string]*Method
	order   []string
}

func NewTable() *Table {
	return &Table{methods: make(map[string]*Method)}
}

// Register compiles the method schema and adds it to the table. An empty
// schema accepts only an empty object.
func (t *Table) Register(m *Method) error {
	if _, dup := t.methods[m.Name]; dup {
		return fmt.Errorf("method %s registered twice", m.Name)
	}
	if m.Schema == nil {
		m.Schema = objectSchema(nil)
	}
	v, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(m.Schema))
	if err != nil {
		return fmt.Errorf("method %s: compile schema: %w", m.Name, err)
	}
	m.validator = v
	t.methods[m.Name] = m
	t.order = append(t.order, m.Name)
	return nil
}

// MustRegister is Register for static tables.
func (t *Table) MustRegister(ms ...*Method) {
	for _, m := range ms {
		if err := t.Register(m); err != nil {
			panic(err)
		}
	}
}

func (t *Table) Lookup(name string) (*Method, bool) {
	m, ok := t.methods[name]
	return m, ok
}

// Methods returns the registered methods in registration order.
func (t *Table) Methods() []*Method {
	out := make([]*Method, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, t.methods[name])
	}
	return out
}

func unknownMethod(name string) error {
	return errs.WithCode(&errs.Error{
		Kind:    errs.KindProtocol,
		Op:      "protocol.dispatch",
		Message: name,
		Err:     errs.ErrUnknownMethod,
	}, errs.CodeMethodNotFound)
}

func invalidParams(method, msg string) error {
	return errs.WithCode(errs.New(errs.KindProtocol, method, "invalid params: "+msg), errs.CodeInvalidParams)
}

// bind normalizes raw params to an object and validates it.
func (m *Method) bind(raw json.RawMessage) (json.RawMessage, error) {
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	switch {
	case len(raw) == 0 || string(raw) == "null":
		raw = json.RawMessage("{}")
	case raw[0] == '[':
		var args []json.RawMessage
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, invalidParams(m.Name, err.Error())
		}
		if len(args) > len(m.Params) {
			return nil, invalidParams(m.Name, fmt.Sprintf("takes at most %d positional params", len(m.Params)))
		}
		obj := make(map[string]json.RawMessage, len(args))
		for i, a := range args {
			obj[m.Params[i]] = a
		}
		b, err := json.Marshal(obj)
		if err != nil {
			return nil, invalidParams(m.Name, err.Error())
		}
		raw = b
	case raw[0] != '{':
		return nil, invalidParams(m.Name, "params must be an object or an array")
	}

	res, err := m.validator.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, invalidParams(m.Name, err.Error())
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, invalidParams(m.Name, strings.Join(msgs, "; "))
	}
	return raw, nil
}

// objectSchema builds a closed object schema from property schemas.
func objectSchema(props map[string]any, required ...string) map[string]any {
	if props == nil {
		props = map[string]any{}
	}
	s := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func decodeParams(method string, raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return invalidParams(method, err.Error())
	}
	return nil
}
