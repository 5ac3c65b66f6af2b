package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Version is the only JSON-RPC version spoken on the wire.
const Version = "2.0"

// Kind classifies a decoded message.
type Kind int

const (
	KindRequest Kind = iota
	KindNotification
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Message is the union of every JSON-RPC 2.0 message shape. The id is kept
// raw so that string ids sent by a peer can be echoed back untouched.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Decode parses a single frame and classifies it.
func Decode(frame []byte) (*Message, Kind, error) {
	var m Message
	if err := json.Unmarshal(frame, &m); err != nil {
		return nil, 0, fmt.Errorf("invalid JSON: %w", err)
	}
	if m.JSONRPC != Version {
		return nil, 0, fmt.Errorf("invalid JSON-RPC version: expected %q, got %q", Version, m.JSONRPC)
	}

	hasID := len(m.ID) > 0 && !bytes.Equal(m.ID, []byte("null"))
	if m.Method != "" {
		if len(m.Result) > 0 || m.Error != nil {
			return nil, 0, errors.New("request message cannot have result or error fields")
		}
		if hasID {
			return &m, KindRequest, nil
		}
		return &m, KindNotification, nil
	}

	if m.Error == nil && len(m.Result) == 0 {
		return nil, 0, errors.New("response message must have either result or error field")
	}
	if m.Error != nil && len(m.Result) > 0 && !bytes.Equal(m.Result, []byte("null")) {
		return nil, 0, errors.New("response message cannot have both result and error fields")
	}
	return &m, KindResponse, nil
}

// IntID extracts a numeric id. Numeric strings are accepted because some
// servers stringify the ids they echo.
func IntID(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

// NewRequest encodes a request with a numeric id.
func NewRequest(id int64, method string, params any) ([]byte, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{
		JSONRPC: Version,
		ID:      json.RawMessage(strconv.FormatInt(id, 10)),
		Method:  method,
		Params:  raw,
	})
}

// NewNotification encodes a notification.
func NewNotification(method string, params any) ([]byte, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{JSONRPC: Version, Method: method, Params: raw})
}

// NewResult encodes a successful response to a peer request.
func NewResult(id json.RawMessage, result any) ([]byte, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return json.Marshal(Message{JSONRPC: Version, ID: id, Result: b})
}

// NewError encodes an error response to a peer request.
func NewError(id json.RawMessage, code ErrorCode, message string) ([]byte, error) {
	return json.Marshal(Message{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	})
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return b, nil
}
