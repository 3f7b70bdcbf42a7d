package interfaces

import (
	"context"
)

// FrameType websocket frame type
type FrameType int

const (
	FrameText FrameType = iota + 1
	FrameBinary
	FrameOther
)

// SocketConn is an open progress socket, owned by a single monitor
type SocketConn interface {
	// ReadMessage blocks until the next frame arrives or the connection fails
	ReadMessage() (FrameType, []byte, error)

	// Close tears the connection down, safe to call more than once
	Close() error
}

// SocketDialer opens progress sockets
type SocketDialer interface {
	Dial(ctx context.Context, url string) (SocketConn, error)
}

// ExecutionReport what the monitor observed for one prompt
type ExecutionReport struct {
	// Errors lists execution errors reported by the server for the prompt
	Errors []string
}

// ProgressMonitor watches one prompt until the server reports it finished
type ProgressMonitor interface {
	Watch(ctx context.Context, clientID, promptID string) (*ExecutionReport, error)
}
