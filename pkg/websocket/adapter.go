package websocket

import (
	"context"
	"strconv"
)

// Conn is a minimal interface for a WebSocket connection.
// Implementations must allow one concurrent reader alongside concurrent writers.
type Conn interface {
	Read(ctx context.Context) (MessageType, []byte, error)
	Write(ctx context.Context, msgType MessageType, payload []byte) error
	Close(code CloseCode, reason string) error
}

// DialRequest describes a single connection attempt.
type DialRequest struct {
	// Endpoint is the ws:// or wss:// URL to connect to.
	Endpoint string
	// Token is the bearer credential presented during the handshake.
	Token string
	// OnPong runs on the reader goroutine whenever a pong control frame arrives. Optional.
	OnPong func()
}

// Dialer creates new connections.
type Dialer interface {
	Dial(ctx context.Context, req DialRequest) (Conn, error)
}

// CloseError reports how a connection ended. Conn.Read returns it once the connection is gone.
type CloseError struct {
	Code   CloseCode
	Reason string
	// Clean is true when a close frame was exchanged with the peer.
	Clean bool
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return "websocket: closed with code " + strconv.Itoa(int(e.Code))
	}
	return "websocket: closed with code " + strconv.Itoa(int(e.Code)) + ": " + e.Reason
}

// CloseErrorOf converts a read error into a CloseError.
// Errors that carry no close frame are reported as CloseAbnormal.
func CloseErrorOf(err error) *CloseError {
	if err == nil {
		return nil
	}
	if ce, ok := err.(*CloseError); ok {
		return ce
	}
	return &CloseError{Code: CloseAbnormal, Reason: err.Error()}
}
