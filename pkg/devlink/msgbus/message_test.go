package msgbus

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"not json", `{"version":2`, ErrMalformedJSON},
		{"not an object", `[1,2,3]`, ErrMalformedJSON},
		{"missing version", `{"method":"reload"}`, ErrVersionMismatch},
		{"old version", `{"version":1,"method":"reload"}`, ErrVersionMismatch},
		{"string version", `{"version":"2","method":"reload"}`, ErrVersionMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Parse([]byte(tt.input))
			assert.Nil(t, msg)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestParseMissingVersionIsReported(t *testing.T) {
	_, err := Parse([]byte(`{"method":"reload"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undefined")
}

func TestParseBroadcast(t *testing.T) {
	msg, err := Parse([]byte(`{"version":2,"method":"reload","params":{"a":1}}`))
	require.NoError(t, err)

	b, ok := msg.(*Broadcast)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, "reload", b.Method)
	assert.JSONEq(t, `{"a":1}`, string(b.Params))
	assert.Nil(t, b.CorrelationID())
}

func TestParseRequest(t *testing.T) {
	msg, err := Parse([]byte(`{"version":2,"id":"r1","method":"getid","target":"server"}`))
	require.NoError(t, err)

	r, ok := msg.(*Request)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, "getid", r.Method)
	assert.Equal(t, ServerTarget, r.Target)
	assert.Equal(t, json.RawMessage(`"r1"`), r.CorrelationID())
	assert.Nil(t, r.Params)
}

func TestParseRequestWithoutID(t *testing.T) {
	msg, err := Parse([]byte(`{"version":2,"method":"ping","target":"client#3"}`))
	require.NoError(t, err)

	r, ok := msg.(*Request)
	require.True(t, ok, "got %T", msg)
	assert.Nil(t, r.ID)
}

func TestParseExplicitNullIDIsPresent(t *testing.T) {
	msg, err := Parse([]byte(`{"version":2,"id":null,"method":"reload"}`))
	require.NoError(t, err)

	inv, ok := msg.(*Invalid)
	require.True(t, ok, "a method with an id but no target is not a broadcast, got %T", msg)
	assert.Equal(t, json.RawMessage(`null`), inv.CorrelationID())
}

func TestParseResponse(t *testing.T) {
	msg, err := Parse([]byte(`{"version":2,"result":"pong","id":{"requestId":7,"clientId":"client#0"}}`))
	require.NoError(t, err)

	r, ok := msg.(*Response)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, "client#0", r.ClientID)
	assert.Equal(t, json.RawMessage(`7`), r.RequestID)
	assert.Equal(t, json.RawMessage(`"pong"`), r.Result)
	assert.Nil(t, r.Error)
}

func TestParseErrorResponse(t *testing.T) {
	msg, err := Parse([]byte(`{"version":2,"error":{"message":"nope"},"id":{"requestId":"x","clientId":"client#1"}}`))
	require.NoError(t, err)

	r, ok := msg.(*Response)
	require.True(t, ok, "got %T", msg)
	assert.JSONEq(t, `{"message":"nope"}`, string(r.Error))
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		wantID json.RawMessage
	}{
		{"empty envelope", `{"version":2}`, nil},
		{"numeric method", `{"version":2,"method":5}`, nil},
		{"non-string target", `{"version":2,"id":1,"method":"ping","target":4}`, json.RawMessage(`1`)},
		{"response without result or error", `{"version":2,"id":{"requestId":1,"clientId":"client#0"}}`, json.RawMessage(`{"requestId":1,"clientId":"client#0"}`)},
		{"response without request id", `{"version":2,"result":1,"id":{"clientId":"client#0"}}`, json.RawMessage(`{"clientId":"client#0"}`)},
		{"response with numeric client id", `{"version":2,"result":1,"id":{"requestId":1,"clientId":0}}`, json.RawMessage(`{"requestId":1,"clientId":0}`)},
		{"result with scalar id", `{"version":2,"result":1,"id":"abc"}`, json.RawMessage(`"abc"`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Parse([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, KindInvalid, msg.Kind())
			assert.Equal(t, tt.wantID, msg.CorrelationID())
		})
	}
}

func TestEnvelopeOmitsAbsentFields(t *testing.T) {
	data, err := json.Marshal(Envelope{Version: ProtocolVersion, Method: MethodName("reload")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":2,"method":"reload"}`, string(data))

	data, err = json.Marshal(Envelope{Version: ProtocolVersion, Result: json.RawMessage(`null`), ID: json.RawMessage(`"r1"`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":2,"result":null,"id":"r1"}`, string(data))

	data, err = json.Marshal(Envelope{Version: ProtocolVersion, Method: MethodName("")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":2,"method":""}`, string(data))
}
