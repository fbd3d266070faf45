// Package ipc handles communication between the daemon and control clients.
// Messages are JSON objects, one per line.
package ipc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/austinkregel/codemd/internal/apperr"
	"github.com/austinkregel/codemd/internal/events"
)

// MaxFrameSize is the largest accepted message, excluding the newline
const MaxFrameSize = 1 << 20

// Response statuses
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// PushType marks a server-initiated event frame
const PushType = "event"

// Request represents a client request
type Request struct {
	Command string         `json:"command"`
	Args    map[string]any `json:"args,omitempty"`
}

// UnmarshalJSON accepts "params" in place of "args", as sent by older clients
func (r *Request) UnmarshalJSON(data []byte) error {
	var raw struct {
		Command *string        `json:"command"`
		Args    map[string]any `json:"args"`
		Params  map[string]any `json:"params"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Command != nil {
		r.Command = *raw.Command
	}
	r.Args = raw.Args
	if r.Args == nil {
		r.Args = raw.Params
	}
	return nil
}

// Response represents a server response
type Response struct {
	Status       string          `json:"status"`
	Data         json.RawMessage `json:"data"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ErrorCode    apperr.Code     `json:"error_code,omitempty"`
}

// OK reports whether the response carries a result
func (r *Response) OK() bool {
	return r.Status == StatusOK
}

// Err rebuilds the error carried by an error response
func (r *Response) Err() error {
	if r.OK() {
		return nil
	}
	code := r.ErrorCode
	if code == "" {
		code = apperr.CodeInternal
	}
	err := apperr.New(code, r.ErrorMessage)
	var details map[string]any
	if json.Unmarshal(r.Data, &details) == nil {
		for k, v := range details {
			err.WithDetail(k, v)
		}
	}
	return err
}

// PushMessage is an event delivered to a subscribed connection
type PushMessage struct {
	Type  string          `json:"type"`
	Event json.RawMessage `json:"event"`
}

// EncodeRequest encodes a request to JSON
func EncodeRequest(req *Request) ([]byte, error) {
	return json.Marshal(req)
}

// DecodeRequest decodes a request frame. Malformed frames yield a
// ProtocolError.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, apperr.Protocol(fmt.Sprintf("malformed request: %v", err))
	}
	req.Command = strings.TrimSpace(req.Command)
	if req.Command == "" {
		return nil, apperr.Protocol("request has no command")
	}
	if req.Args == nil {
		req.Args = map[string]any{}
	}
	return &req, nil
}

// EncodeResponse encodes a response to JSON
func EncodeResponse(resp *Response) ([]byte, error) {
	return json.Marshal(resp)
}

// DecodeResponse decodes a response from JSON
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &resp, nil
}

// NewSuccessResponse creates a successful response. A nil data encodes as
// an empty object.
func NewSuccessResponse(data any) (*Response, error) {
	rawData := json.RawMessage(`{}`)
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, err
		}
	}
	return &Response{
		Status: StatusOK,
		Data:   rawData,
	}, nil
}

// NewErrorResponse creates an error response from err, keeping its code
func NewErrorResponse(err error) *Response {
	resp := &Response{
		Status:       StatusError,
		Data:         json.RawMessage(`{}`),
		ErrorMessage: apperr.MessageOf(err),
		ErrorCode:    apperr.CodeOf(err),
	}
	if e, ok := apperr.As(err); ok && len(e.Details) > 0 {
		if raw, mErr := json.Marshal(e.Details); mErr == nil {
			resp.Data = raw
		}
	}
	return resp
}

// NewPushMessage encodes an event frame
func NewPushMessage(e events.Event) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(PushMessage{Type: PushType, Event: raw})
}

// Frame is either a response or a pushed event, as read by a client
type Frame struct {
	Response *Response
	Push     *PushMessage
}

// DecodeFrame classifies a line read from the server
func DecodeFrame(data []byte) (Frame, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Frame{}, fmt.Errorf("failed to decode frame: %w", err)
	}
	if head.Type == PushType {
		var msg PushMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return Frame{}, fmt.Errorf("failed to decode push message: %w", err)
		}
		return Frame{Push: &msg}, nil
	}
	resp, err := DecodeResponse(bytes.TrimSpace(data))
	if err != nil {
		return Frame{}, err
	}
	return Frame{Response: resp}, nil
}
