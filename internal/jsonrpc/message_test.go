package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		kind    Kind
		wantErr string
	}{
		{name: "request", frame: `{"jsonrpc":"2.0","id":1,"method":"ping"}`, kind: KindRequest},
		{name: "string id request", frame: `{"jsonrpc":"2.0","id":"a","method":"ping"}`, kind: KindRequest},
		{name: "notification", frame: `{"jsonrpc":"2.0","method":"notifications/initialized"}`, kind: KindNotification},
		{name: "null id is a notification", frame: `{"jsonrpc":"2.0","id":null,"method":"x"}`, kind: KindNotification},
		{name: "result", frame: `{"jsonrpc":"2.0","id":3,"result":{}}`, kind: KindResponse},
		{name: "error", frame: `{"jsonrpc":"2.0","id":3,"error":{"code":-32601,"message":"Method not found"}}`, kind: KindResponse},
		{name: "error with null result", frame: `{"jsonrpc":"2.0","id":3,"result":null,"error":{"code":-1,"message":"x"}}`, kind: KindResponse},
		{name: "not json", frame: `hello`, wantErr: "invalid JSON"},
		{name: "wrong version", frame: `{"jsonrpc":"1.0","id":1,"result":{}}`, wantErr: "invalid JSON-RPC version"},
		{name: "missing version", frame: `{"id":1,"result":{}}`, wantErr: "invalid JSON-RPC version"},
		{name: "empty response", frame: `{"jsonrpc":"2.0","id":1}`, wantErr: "either result or error"},
		{name: "both", frame: `{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":1,"message":"x"}}`, wantErr: "both result and error"},
		{name: "request with result", frame: `{"jsonrpc":"2.0","id":1,"method":"m","result":{}}`, wantErr: "cannot have result"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, kind, err := Decode([]byte(tt.frame))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, msg)
			assert.Equal(t, tt.kind, kind)
		})
	}
}

func TestIntID(t *testing.T) {
	tests := []struct {
		raw  string
		want int64
		ok   bool
	}{
		{raw: `42`, want: 42, ok: true},
		{raw: `"17"`, want: 17, ok: true},
		{raw: `"abc"`},
		{raw: `null`},
		{raw: ``},
		{raw: `1.5`},
	}
	for _, tt := range tests {
		got, ok := IntID(json.RawMessage(tt.raw))
		assert.Equal(t, tt.ok, ok, "raw %q", tt.raw)
		assert.Equal(t, tt.want, got, "raw %q", tt.raw)
	}
}

func TestBuilders(t *testing.T) {
	req, err := NewRequest(7, "tools/list", map[string]string{"cursor": "c1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":7,"method":"tools/list","params":{"cursor":"c1"}}`, string(req))

	bare, err := NewRequest(8, "ping", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":8,"method":"ping"}`, string(bare))

	note, err := NewNotification("notifications/initialized", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`, string(note))

	raw, err := NewNotification("x", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"x","params":{"a":1}}`, string(raw))

	res, err := NewResult(json.RawMessage(`"srv-1"`), struct{}{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"srv-1","result":{}}`, string(res))

	eresp, err := NewError(json.RawMessage(`5`), CodeMethodNotFound, "Method not found")
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":5,"error":{"code":-32601,"message":"Method not found"}}`, string(eresp))
}

func TestBuildersRejectUnencodableParams(t *testing.T) {
	_, err := NewRequest(1, "x", map[string]any{"ch": make(chan int)})
	assert.Error(t, err)
}
