package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mcpguard/mcphack/internal/jsonrpc"
)

// ErrAlreadyInitialized is returned by a second Initialize call.
var ErrAlreadyInitialized = errors.New("mcp: session already initialized")

var (
	errClosedByClient = errors.New("closed by client")
	errWriteStalled   = errors.New("server stopped reading requests")
)

// NotReadyError is returned for calls issued before the handshake completed.
type NotReadyError struct {
	Method string
	State  State
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("mcp: cannot call %q: session is %s, handshake not complete", e.Method, e.State)
}

// SessionClosedError is returned for calls on, or waiting in, a closed
// session. Cause is what closed it.
type SessionClosedError struct {
	Method string
	Cause  error
}

func (e *SessionClosedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("mcp: session closed during %q: %v", e.Method, e.Cause)
	}
	return fmt.Sprintf("mcp: session closed during %q", e.Method)
}

func (e *SessionClosedError) Unwrap() error { return e.Cause }

// ProtocolVersionError is returned when the server answers initialize with a
// revision this client does not speak.
type ProtocolVersionError struct {
	Requested string
	Got       string
}

func (e *ProtocolVersionError) Error() string {
	return fmt.Sprintf("mcp: server negotiated unsupported protocol version %q (requested %q, supported: %s)",
		e.Got, e.Requested, strings.Join(SupportedProtocolVersions, ", "))
}

// RemoteError is a JSON-RPC error object returned by the server.
type RemoteError struct {
	Method  string
	Code    jsonrpc.ErrorCode
	Message string
	Data    json.RawMessage
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("mcp: %s failed: remote error %d: %s", e.Method, e.Code, e.Message)
}

// TimeoutError is returned when no response arrived in time. The request may
// still be running on the server.
type TimeoutError struct {
	Method string
	ID     int64
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("mcp: %s (id %d) timed out after %s", e.Method, e.ID, e.After)
}

func (e *TimeoutError) Timeout() bool { return true }
