package wsgshare

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// controlWriteTimeout bounds how long a control-frame write (ping,
// pong, close) may block on a saturated transport
const controlWriteTimeout = 10 * time.Second

// ControlChannel is the single authenticated, message-framed duplex
// link between one client and the server. It wraps a websocket
// connection, serializes sends from multiple producers, and surfaces
// whole frames in order. It does not interpret frames beyond dropping
// malformed and unrecognized ones.
type ControlChannel struct {
	ShutdownHelper
	wsConn    *websocket.Conn
	writeLock sync.Mutex
}

// NewControlChannel wraps an established websocket connection. The
// ControlChannel becomes the owner of the connection and closes it on
// shutdown.
func NewControlChannel(logger Logger, wsConn *websocket.Conn) *ControlChannel {
	cc := &ControlChannel{
		wsConn: wsConn,
	}
	cc.InitShutdownHelper(logger.Fork("channel(%s)", wsConn.RemoteAddr()), cc)
	return cc
}

func (cc *ControlChannel) String() string {
	return cc.Prefix()
}

// RemoteAddr returns the peer's network address
func (cc *ControlChannel) RemoteAddr() string {
	return cc.wsConn.RemoteAddr().String()
}

// SendFrame encodes and sends one frame. Safe for concurrent use; the
// frame is delivered whole and in send order relative to other
// SendFrame calls.
func (cc *ControlChannel) SendFrame(t FrameType, linkID uint32, payload []byte) error {
	if cc.IsStartedShutdown() {
		return ErrChannelLost
	}
	cc.writeLock.Lock()
	err := cc.wsConn.WriteMessage(websocket.BinaryMessage, EncodeFrame(t, linkID, payload))
	cc.writeLock.Unlock()
	if err != nil {
		cc.StartShutdown(err)
		return err
	}
	cc.TLogf("sent %s(link=%d, %d bytes)", t, linkID, len(payload))
	return nil
}

// ReadFrame blocks until the next well-formed, recognized frame
// arrives. Malformed frames and unknown frame types are logged and
// dropped without disturbing the channel. Returns an error only when
// the transport fails or closes.
func (cc *ControlChannel) ReadFrame() (*Frame, error) {
	for {
		mt, data, err := cc.wsConn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt != websocket.BinaryMessage {
			cc.WLogf("Dropping non-binary message (type %d)", mt)
			continue
		}
		f, err := DecodeFrame(data)
		if err != nil {
			cc.WLogf("Dropping malformed frame (%d bytes): %s", len(data), err)
			continue
		}
		if !f.Type.Known() {
			cc.WLogf("Dropping frame with unrecognized type %d (link=%d)", uint32(f.Type), f.LinkID)
			continue
		}
		return f, nil
	}
}

// Ping sends a websocket ping control frame
func (cc *ControlChannel) Ping() error {
	return cc.wsConn.WriteControl(websocket.PingMessage,
		nil, time.Now().Add(controlWriteTimeout))
}

// NotifyPong registers fn to be called whenever a pong control frame is
// received. Pongs are surfaced during ReadFrame.
func (cc *ControlChannel) NotifyPong(fn func()) {
	cc.wsConn.SetPongHandler(func(string) error {
		fn()
		return nil
	})
}

// AutoPong registers fn to be called whenever a ping control frame is
// received; each ping is also answered with a pong. Pings are surfaced
// during ReadFrame.
func (cc *ControlChannel) AutoPong(fn func()) {
	cc.wsConn.SetPingHandler(func(appData string) error {
		err := cc.wsConn.WriteControl(websocket.PongMessage,
			[]byte(appData), time.Now().Add(controlWriteTimeout))
		fn()
		return err
	})
}

// CloseWith sends a websocket close frame with the given code and
// reason, then shuts the channel down. Used by admission to reject a
// peer before any frame is exchanged.
func (cc *ControlChannel) CloseWith(code int, reason string, completionErr error) error {
	err := cc.wsConn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(controlWriteTimeout))
	if err != nil {
		cc.DLogf("Failed to send close frame, ignoring: %s", err)
	}
	return cc.Shutdown(completionErr)
}

// HandleOnceShutdown closes the underlying websocket connection,
// unblocking any reader.
func (cc *ControlChannel) HandleOnceShutdown(completionErr error) error {
	err := cc.wsConn.Close()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}
