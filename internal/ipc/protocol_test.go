package ipc

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austinkregel/codemd/internal/apperr"
	"github.com/austinkregel/codemd/internal/events"
)

func TestDecodeRequest(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"command":"set_volume","args":{"volume":50}}`))
	require.NoError(t, err)
	assert.Equal(t, "set_volume", req.Command)
	assert.Equal(t, 50.0, req.Args["volume"])

	req, err = DecodeRequest([]byte(`{"command":"load_playlist","params":{"files":["a.mp3"]}}`))
	require.NoError(t, err)
	assert.Equal(t, []any{"a.mp3"}, req.Args["files"])

	req, err = DecodeRequest([]byte(`{"command":" play "}`))
	require.NoError(t, err)
	assert.Equal(t, "play", req.Command)
	assert.NotNil(t, req.Args)
}

func TestDecodeRequestErrors(t *testing.T) {
	cases := []string{
		`not json`,
		`{"command":""}`,
		`{"args":{}}`,
		`{"command":"play","args":"nope"}`,
		`[1,2,3]`,
	}
	for _, c := range cases {
		_, err := DecodeRequest([]byte(c))
		assert.True(t, apperr.Is(err, apperr.CodeProtocol), c)
	}
}

func TestResponses(t *testing.T) {
	ok, err := NewSuccessResponse(nil)
	require.NoError(t, err)
	data, err := EncodeResponse(ok)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok","data":{}}`, string(data))

	bad := NewErrorResponse(apperr.Validation("volume", "must be a number"))
	data, err = EncodeResponse(bad)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"status":"error",
		"data":{"field":"volume"},
		"error_message":"volume: must be a number",
		"error_code":"ValidationError"
	}`, string(data))

	decoded, err := DecodeResponse(data)
	require.NoError(t, err)
	assert.False(t, decoded.OK())
	assert.True(t, apperr.Is(decoded.Err(), apperr.CodeValidation))
}

func TestDecodeFrame(t *testing.T) {
	push, err := NewPushMessage(events.Event{
		Kind:    events.JobProgress,
		Key:     "j1",
		At:      time.Unix(0, 0).UTC(),
		Payload: map[string]any{"progress_percent": 40},
	})
	require.NoError(t, err)

	f, err := DecodeFrame(push)
	require.NoError(t, err)
	require.NotNil(t, f.Push)
	assert.Nil(t, f.Response)
	var ev map[string]any
	require.NoError(t, json.Unmarshal(f.Push.Event, &ev))
	assert.Equal(t, "JOB_PROGRESS", ev["kind"])
	assert.Equal(t, "j1", ev["key"])

	f, err = DecodeFrame([]byte(`{"status":"ok","data":{"x":1}}`))
	require.NoError(t, err)
	require.NotNil(t, f.Response)
	assert.True(t, f.Response.OK())

	_, err = DecodeFrame([]byte(`{`))
	assert.Error(t, err)
}
