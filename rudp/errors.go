package rudp

import "github.com/pkg/errors"

// Sentinel errors returned by Conn and Listener methods. Callers compare
// against these with errors.Is even when the error returned was wrapped for
// logging (see ErrorKind and the internal-disconnect path in conn.go).
var (
	ErrClosed             = errors.New("rudp: connection closed")
	ErrNotConnected       = errors.New("rudp: not connected")
	ErrAlreadyConnected   = errors.New("rudp: already connected")
	ErrInvalidSendOption  = errors.New("rudp: invalid send option for this call")
	ErrHandshakeTimeout   = errors.New("rudp: handshake timed out")
	ErrRemoteDisconnected = errors.New("rudp: remote disconnected during handshake")
	ErrPlayerRejected     = errors.New("rudp: connection rejected by admission gate")
)

// ErrorKind enumerates the internal-disconnect taxonomy surfaced through
// OnInternalDisconnect.
type ErrorKind int

const (
	ErrSocketSendFailure ErrorKind = iota
	ErrSocketReceiveFailure
	ErrZeroBytesReceived
	ErrPingsWithoutResponse
	ErrReliablePacketWithoutResponse
	ErrConnectionDisconnected
)

func (k ErrorKind) String() string {
	switch k {
	case ErrSocketSendFailure:
		return "socket_send_failure"
	case ErrSocketReceiveFailure:
		return "socket_receive_failure"
	case ErrZeroBytesReceived:
		return "zero_bytes_received"
	case ErrPingsWithoutResponse:
		return "pings_without_response"
	case ErrReliablePacketWithoutResponse:
		return "reliable_packet_without_response"
	case ErrConnectionDisconnected:
		return "connection_disconnected"
	default:
		return "unknown_error_kind"
	}
}

// DisconnectReason is carried by OnDisconnected.
type DisconnectReason struct {
	Graceful bool
	Kind     ErrorKind // only meaningful when !Graceful
	Err      error
}
