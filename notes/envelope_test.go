package notes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	type setStatus struct {
		Type string `json:"type"`
		Data struct {
			Status string `json:"status"`
		} `json:"data"`
	}

	in := setStatus{Type: "setStatus"}
	in.Data.Status = "closed"

	data, err := Encode("peer1", in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"peer_id":"peer1","event":{"type":"setStatus","data":{"status":"closed"}}}`, string(data))

	env, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "peer1", env.PeerID.String())

	var out setStatus
	require.NoError(t, env.Into(&out))
	assert.Equal(t, in, out)
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "not json", input: "hello"},
		{name: "empty", input: ""},
		{name: "array", input: `[1, 2]`},
		{name: "missing peer", input: `{"event": 1}`},
		{name: "empty peer", input: `{"peer_id": "", "event": 1}`},
		{name: "missing event", input: `{"peer_id": "abc"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.input))
			assert.ErrorIs(t, err, ErrMalformedEnvelope)
		})
	}
}

func TestDecodeNullEvent(t *testing.T) {
	env, err := Decode([]byte(`{"peer_id": "abc", "event": null}`))
	require.NoError(t, err)
	assert.Equal(t, "null", string(env.Event))
}

func TestIntoSchemaMismatch(t *testing.T) {
	env, err := Decode([]byte(`{"peer_id": "abc", "event": "not a number"}`))
	require.NoError(t, err)

	var n int
	err = env.Into(&n)
	assert.ErrorIs(t, err, ErrEventSchema)
	assert.NotErrorIs(t, err, ErrMalformedEnvelope)
}
