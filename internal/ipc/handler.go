package ipc

import (
	"context"
	"fmt"
)

// Handler executes one request. Implementations must always return a
// response; errors are reported inside it.
type Handler interface {
	Handle(ctx context.Context, req *Request) *Response
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, req *Request) *Response

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, req *Request) *Response {
	return f(ctx, req)
}

// pollingCommands are issued on a timer by UIs and logged at debug level
var pollingCommands = map[string]bool{
	"get_status": true,
	"job_status": true,
	"list_jobs":  true,
}

// IsPolling reports whether a command is a high-frequency status poll
func IsPolling(command string) bool {
	return pollingCommands[command]
}

func truncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return fmt.Sprintf("%s...(%d bytes)", s[:maxLen], len(s))
}
