package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRequest_WireShape(t *testing.T) {
	msg, err := NewRequest(7, "ping", map[string]any{"x": 1})
	require.NoError(t, err)

	data, err := msg.Encode()
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	require.Equal(t, "2.0", wire["jsonrpc"])
	require.Equal(t, float64(7), wire["id"])
	require.Equal(t, "ping", wire["method"])
	require.Equal(t, map[string]any{"x": float64(1)}, wire["params"])
}

func TestNewRequest_NilParamsOmitted(t *testing.T) {
	msg, err := NewRequest(1, "ping", nil)
	require.NoError(t, err)

	data, err := msg.Encode()
	require.NoError(t, err)
	require.NotContains(t, string(data), "params")
}

// TestNewNotification_OmitsIDKey verifies the id key is absent entirely, not
// serialized as null.
func TestNewNotification_OmitsIDKey(t *testing.T) {
	msg, err := NewNotification("progress", map[string]any{"pct": 50})
	require.NoError(t, err)
	require.True(t, msg.IsNotification())

	data, err := msg.Encode()
	require.NoError(t, err)
	require.NotContains(t, string(data), `"id"`)
}

func TestDecode_SuccessResponse(t *testing.T) {
	msg, err := Decode([]byte(`{"jsonrpc":"2.0","id":1,"result":{"x":1}}`))
	require.NoError(t, err)
	require.False(t, msg.IsNotification())
	require.True(t, msg.IsResponse())
	require.EqualValues(t, 1, *msg.ID)
	require.JSONEq(t, `{"x":1}`, string(msg.Result))
	require.Nil(t, msg.Error)
}

func TestDecode_ErrorResponse(t *testing.T) {
	msg, err := Decode([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"Method not found"}}`))
	require.NoError(t, err)
	require.NotNil(t, msg.Error)
	require.Equal(t, CodeMethodNotFound, msg.Error.Code)
	require.Contains(t, msg.Error.Error(), "Method not found")
	require.Contains(t, msg.Error.Error(), "-32601")
}

func TestDecode_Notification(t *testing.T) {
	msg, err := Decode([]byte(`{"jsonrpc":"2.0","method":"log","params":{"line":"hi"}}`))
	require.NoError(t, err)
	require.True(t, msg.IsNotification())
	require.Equal(t, "log", msg.Method)
}

// TestDecode_NullID verifies an explicit null id is treated as absent, so
// the message dispatches as a notification.
func TestDecode_NullID(t *testing.T) {
	msg, err := Decode([]byte(`{"jsonrpc":"2.0","id":null,"method":"log"}`))
	require.NoError(t, err)
	require.True(t, msg.IsNotification())
}

func TestDecode_RejectsWrongVersion(t *testing.T) {
	_, err := Decode([]byte(`{"jsonrpc":"1.0","id":1,"method":"ping"}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "version")
}

func TestDecode_RejectsMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{"jsonrpc":"2.0","id":`))
	require.Error(t, err)
}
