package websocket

import "strconv"

// MessageType represents a WebSocket message type.
// Values match RFC 6455 opcodes where applicable.
type MessageType uint8

const (
	// MessageText is a text data frame.
	MessageText MessageType = 1
	// MessageBinary is a binary data frame.
	MessageBinary MessageType = 2
	// MessageClose is a close control frame.
	MessageClose MessageType = 8
	// MessagePing is a ping control frame.
	MessagePing MessageType = 9
	// MessagePong is a pong control frame.
	MessagePong MessageType = 10
)

func (t MessageType) control() bool {
	return t == MessageClose || t == MessagePing || t == MessagePong
}

// CloseCode is a WebSocket close code.
type CloseCode uint16

const (
	// CloseNormal indicates a normal closure.
	CloseNormal CloseCode = 1000
	// CloseGoingAway indicates the peer is going away (server restart, page unload).
	CloseGoingAway CloseCode = 1001
	// CloseNoStatus is reported when a close frame carried no code.
	CloseNoStatus CloseCode = 1005
	// CloseAbnormal is reported when the transport dropped without a close frame.
	CloseAbnormal CloseCode = 1006

	// CloseConnectFailed is synthesized locally when a dial fails before the connection opened.
	CloseConnectFailed CloseCode = 4000
	// CloseLivenessTimeout is synthesized locally when a heartbeat went unacknowledged.
	CloseLivenessTimeout CloseCode = 4001
)

// Clean reports whether the code marks an intentional shutdown that must not be retried.
func (c CloseCode) Clean() bool {
	return c == CloseNormal || c == CloseGoingAway
}

func (c CloseCode) String() string {
	switch c {
	case CloseNormal:
		return "normal"
	case CloseGoingAway:
		return "going_away"
	case CloseNoStatus:
		return "no_status"
	case CloseAbnormal:
		return "abnormal"
	case CloseConnectFailed:
		return "connect_failed"
	case CloseLivenessTimeout:
		return "liveness_timeout"
	default:
		return strconv.Itoa(int(c))
	}
}
