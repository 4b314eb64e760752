package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
)

// SendRequest connects to the daemon socket, sends one request and
// returns the response.
func SendRequest(socketPath string, req *Request) (*Response, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

// Serve accepts control connections until ctx is canceled. Each
// connection carries exactly one request.
func Serve(ctx context.Context, socketPath string, handler func(*Request) *Response) error {
	// Remove any stale socket from a previous run.
	os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on control socket: %w", err)
	}
	defer os.Remove(socketPath)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go handleConn(conn, handler)
	}
}

func handleConn(conn net.Conn, handler func(*Request) *Response) {
	defer conn.Close()
	enc := json.NewEncoder(conn)

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		enc.Encode(Errorf("invalid request: %v", err))
		return
	}
	enc.Encode(handler(&req))
}
