package protocol

import (
	"bytes"
	"encoding/json"

	errs "github.com/bci-mcp/backend/internal/errors"
)

const jsonrpcVersion = "2.0"

// Request is an incoming JSON-RPC 2.0 request. A request without an id is
// a notification and gets no response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the caller omitted the id.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0
}

// Response echoes the request id with either a result or an error.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error member of a response.
type RPCError struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

// ErrorData names the error kind so clients can branch without parsing
// messages.
type ErrorData struct {
	Kind string `json:"kind"`
	Op   string `json:"op,omitempty"`
}

// Notification is a server-initiated message with no id.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

func newResult(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: jsonrpcVersion, ID: id, Result: result}
}

func newError(id json.RawMessage, err error) *Response {
	return &Response{JSONRPC: jsonrpcVersion, ID: id, Error: toRPCError(err)}
}

func toRPCError(err error) *RPCError {
	rpc := &RPCError{
		Code:    errs.Code(err),
		Message: err.Error(),
		Data:    &ErrorData{Kind: errs.KindOf(err).String()},
	}
	var e *errs.Error
	if errs.As(err, &e) {
		rpc.Data.Op = e.Op
	}
	return rpc
}

// decodeRequest parses one frame. Errors are ready to send back with a
// null id.
func decodeRequest(data []byte) (*Request, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		return nil, errs.WithCode(errs.New(errs.KindProtocol, "protocol.decode",
			"batch requests are not supported"), errs.CodeInvalidRequest)
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, errs.WithCode(errs.New(errs.KindProtocol, "protocol.decode",
			"parse error: "+err.Error()), errs.CodeParseError)
	}
	if req.JSONRPC != jsonrpcVersion || req.Method == "" {
		return &req, errs.WithCode(errs.New(errs.KindProtocol, "protocol.decode",
			`invalid request: need "jsonrpc": "2.0" and a method`), errs.CodeInvalidRequest)
	}
	return &req, nil
}
