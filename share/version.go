package wsgshare

import "time"

// ProtocolVersion is the Sec-WebSocket-Protocol token exchanged during
// the control-channel upgrade. Client and server must agree exactly.
const ProtocolVersion = "wsgate-v1"

// BuildVersion is replaced at link time for release builds
var BuildVersion = "0.0.0-src"

const (
	// MaxEarlyBufferSize is the most data that may be queued on an
	// unconfirmed link before the link is forcibly closed
	MaxEarlyBufferSize = 1 << 20

	// PingInterval is how often the server pings each control channel
	PingInterval = 5 * time.Second

	// HeartbeatDeadline is the longest silence tolerated on a control
	// channel before it is considered dead, on either side
	HeartbeatDeadline = 30 * time.Second
)

// CloseCodeRejected is the websocket close code used when admission
// fails (certificate missing or not whitelisted)
const CloseCodeRejected = 1001
