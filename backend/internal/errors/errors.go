// Package errors defines the error taxonomy shared by the device, pipeline,
// session and protocol layers. Every error that reaches a client carries a
// Kind, which maps to a JSON-RPC error code.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for reporting to clients.
type Kind int

const (
	// KindInternal is an unexpected failure inside the server.
	KindInternal Kind = iota
	// KindConnection means the adapter cannot reach the hardware.
	KindConnection
	// KindStream means start/stop was requested in an invalid state.
	KindStream
	// KindConfiguration means invalid filter, detector or server parameters.
	KindConfiguration
	// KindCalibration means a calibration run could not produce a result.
	KindCalibration
	// KindProtocol covers malformed requests, unknown methods and schema mismatches.
	KindProtocol
	// KindConcurrency means a conflicting tool invocation was rejected.
	KindConcurrency
	// KindTimeout means a tool invocation exceeded its deadline.
	KindTimeout
	// KindPersistence means the persistence writer failed.
	KindPersistence
)

var kindNames = map[Kind]string{
	KindInternal:      "InternalError",
	KindConnection:    "ConnectionError",
	KindStream:        "StreamError",
	KindConfiguration: "ConfigurationError",
	KindCalibration:   "CalibrationError",
	KindProtocol:      "ProtocolError",
	KindConcurrency:   "ConcurrencyError",
	KindTimeout:       "TimeoutError",
	KindPersistence:   "PersistenceError",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "UnknownError"
}

// JSON-RPC error codes. The -327xx/-326xx range is reserved by JSON-RPC 2.0;
// the -320xx range is server defined.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603

	CodeConnection    = -32000
	CodeNotConnected  = -32002
	CodeStream        = -32003
	CodeNoData        = -32004
	CodePersistence   = -32005
	CodeConfiguration = -32010
	CodeCalibration   = -32020
	CodeConcurrency   = -32030
	CodeTimeout       = -32040
	CodeRateLimited   = -32050
)

var defaultCodes = map[Kind]int{
	KindInternal:      CodeInternal,
	KindConnection:    CodeConnection,
	KindStream:        CodeStream,
	KindConfiguration: CodeConfiguration,
	KindCalibration:   CodeCalibration,
	KindProtocol:      CodeInvalidRequest,
	KindConcurrency:   CodeConcurrency,
	KindTimeout:       CodeTimeout,
	KindPersistence:   CodePersistence,
}

// Standard error variables for common conditions.
var (
	ErrNotConnected       = errors.New("no device is currently connected")
	ErrAlreadyConnected   = errors.New("device already connected")
	ErrAlreadyStreaming   = errors.New("device is already streaming")
	ErrNotStreaming       = errors.New("device is not streaming")
	ErrDeviceLost         = errors.New("device connection lost")
	ErrCalibrationActive  = errors.New("calibration already in progress")
	ErrInsufficientData   = errors.New("not enough samples collected")
	ErrNoData             = errors.New("no data to save")
	ErrUnknownMethod      = errors.New("method not found")
	ErrUnsupportedFormat  = errors.New("unsupported format")
	ErrUnknownDeviceType  = errors.New("unknown device type")
	ErrSessionClosed      = errors.New("session closed")
	ErrRateLimited        = errors.New("rate limited")
	ErrQueueFull          = errors.New("command queue full")
	ErrInvalidParameter   = errors.New("invalid parameter")
	ErrInvalidCutoff      = errors.New("invalid filter cutoff")
	ErrDeviceDisconnected = errors.New("device disconnected during operation")
)

// Error is a classified error. Op names the failing operation in
// "component.method" form.
type Error struct {
	Kind    Kind
	Op      string
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// RPCCode returns the JSON-RPC code for this error.
func (e *Error) RPCCode() int {
	if e.Code != 0 {
		return e.Code
	}
	if c, ok := defaultCodes[e.Kind]; ok {
		return c
	}
	return CodeInternal
}

// New creates a classified error without a cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Message: msg}
}

// Newf is New with a format string.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. It returns nil when err is nil. An err that is
// already classified keeps its kind unless it is KindInternal.
func Wrap(err error, kind Kind, op, msg string) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) && ce.Kind != KindInternal {
		kind = ce.Kind
	}
	return &Error{Kind: kind, Op: op, Message: msg, Err: err}
}

// WithCode overrides the JSON-RPC code of a classified error.
func WithCode(err *Error, code int) *Error {
	err.Code = code
	return err
}

// KindOf returns the Kind of err. Context deadline errors are reported as
// KindTimeout; anything unclassified is KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Code returns the JSON-RPC code for err.
func Code(err error) int {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.RPCCode()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return CodeInternal
}

// Is and As are re-exported so callers need a single errors import.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }
