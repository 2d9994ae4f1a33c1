package exception

import "github.com/yanun0323/errors"

// WS errors
var (
	ErrWebSocketHandshake       = errors.New("websocket: handshake rejected")
	ErrWebSocketUnsupportedType = errors.New("websocket: unsupported message type")
)
