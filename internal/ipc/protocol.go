// Package ipc is the local control channel between the CLI and a
// running daemon: one JSON request and one JSON response per
// connection over a unix socket.
package ipc

import (
	"encoding/json"
	"fmt"
	"path/filepath"
)

// Request is a command sent from the CLI to the daemon.
type Request struct {
	Command string            `json:"command"`
	Args    map[string]string `json:"args,omitempty"`
}

// Response is the daemon's reply.
type Response struct {
	Status  string          `json:"status"` // "ok" or "error"
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Ok wraps data in a success response.
func Ok(data any) *Response {
	if data == nil {
		return &Response{Status: "ok"}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Errorf("encode response: %v", err)
	}
	return &Response{Status: "ok", Data: raw}
}

// Errorf builds an error response.
func Errorf(format string, args ...any) *Response {
	return &Response{Status: "error", Message: fmt.Sprintf(format, args...)}
}

// SocketPath places the control socket inside the daemon's base
// directory so concurrent daemons with separate data dirs do not clash.
func SocketPath(baseDir string) string {
	return filepath.Join(baseDir, "lanlinkd.sock")
}
