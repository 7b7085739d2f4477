package wsgshare

import "errors"

// Sentinel errors used for policy decisions. Everything else is built
// with Logger.Errorf so the failing component is identifiable.
var (
	// ErrBufferOverflow indicates an unconfirmed link exceeded
	// MaxEarlyBufferSize and was closed
	ErrBufferOverflow = errors.New("early-data buffer overflow")

	// ErrLinkUnknown indicates a frame referenced a link id with no
	// registry entry
	ErrLinkUnknown = errors.New("unknown link id")

	// ErrAlreadyReady indicates a second OPEN arrived for a link that
	// was already confirmed; a protocol error that closes the link
	ErrAlreadyReady = errors.New("duplicate OPEN for ready link")

	// ErrHeartbeatExpired indicates the peer went silent past
	// HeartbeatDeadline, or missed a ping round
	ErrHeartbeatExpired = errors.New("heartbeat expired")

	// ErrChannelLost indicates the control channel closed or failed;
	// all links on it are torn down
	ErrChannelLost = errors.New("control channel lost")
)
