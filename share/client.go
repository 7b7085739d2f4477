package wsgshare

import (
	"context"
	"crypto/tls"
	"net"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

const (
	handshakeTimeout = 45 * time.Second
	localDialTimeout = 10 * time.Second
	bindAckTimeout   = 30 * time.Second
)

// ClientConfig represents a client configuration
type ClientConfig struct {
	// Host and Port locate the server's control endpoint
	Host string
	Port string

	// CertPath and KeyPath locate the client's TLS certificate and key,
	// whose public-key hash must be on the server's allow-list
	CertPath string
	KeyPath  string

	// Rule is the single forwarding rule to establish
	Rule *ProxyRule

	Debug bool

	// Logger, if non-nil, overrides the default stderr logger
	Logger Logger
}

// Client is the private-network side of the gateway: it establishes the
// control channel, binds the public endpoint, and originates local TCP
// dials for each OPEN the server sends.
//
// The client is intentionally crash-only: it does not reconnect. On
// channel loss, bind refusal, or heartbeat starvation it tears down all
// local sockets and Run returns a non-nil error; an external supervisor
// is expected to restart the process.
type Client struct {
	ShutdownHelper
	config     *ClientConfig
	channel    *ControlChannel
	links      *LinkRegistry
	watchdog   *time.Timer
	bindLinkID uint32
	bindAcks   chan *BindAck
}

// NewClient creates a new client instance
func NewClient(config *ClientConfig) (*Client, error) {
	logger := config.Logger
	if logger == nil {
		logLevel := LogLevelInfo
		if config.Debug {
			logLevel = LogLevelDebug
		}
		logger = NewLogger("client", logLevel)
	}
	if config.Rule == nil {
		return nil, logger.Errorf("A proxy rule is required")
	}
	c := &Client{
		config:   config,
		bindAcks: make(chan *BindAck, 1),
	}
	c.InitShutdownHelper(logger, c)
	return c, nil
}

// Run connects, binds, and serves until the channel is torn down. It
// never returns nil: every exit path is a fatal condition for a
// crash-only client.
func (c *Client) Run(ctx context.Context) error {
	err := c.DoOnceActivate(
		func() error {
			c.ShutdownOnContext(ctx)
			if err := c.connect(); err != nil {
				return err
			}
			go c.readLoop()
			return c.bind()
		},
		true,
	)
	if err != nil {
		return err
	}
	err = c.WaitShutdown()
	if err == nil {
		err = ErrChannelLost
	}
	return err
}

// connect dials the server's control endpoint and performs the
// websocket handshake with the client certificate attached
func (c *Client) connect() error {
	cert, err := tls.LoadX509KeyPair(c.config.CertPath, c.config.KeyPath)
	if err != nil {
		return c.Errorf("Failed to load client certificate: %s", err)
	}
	dialer := websocket.Dialer{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: handshakeTimeout,
		Subprotocols:     []string{ProtocolVersion},
		TLSClientConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			// The operator provisions both ends; the allow-list is the
			// trust root, so the server chain is not validated
			InsecureSkipVerify: true,
		},
	}
	u := url.URL{Scheme: "wss", Host: net.JoinHostPort(c.config.Host, c.config.Port)}
	c.ILogf("Connecting to %s", u.String())
	wsConn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return c.Errorf("Connect to %s failed: %s", u.String(), err)
	}
	c.channel = NewControlChannel(c.Logger, wsConn)
	c.AddShutdownChild(c.channel)
	c.links = NewLinkRegistry(c.Logger, c.channel, GlobalLinkIDs)
	c.channel.AutoPong(c.onPing)
	c.watchdog = time.AfterFunc(HeartbeatDeadline, func() {
		c.ELogf("No ping from server for %s", HeartbeatDeadline)
		c.StartShutdown(ErrHeartbeatExpired)
	})
	// drawn before the read loop starts so the ack match is race-free
	c.bindLinkID = GlobalLinkIDs.Alloc()
	return nil
}

// onPing runs for each inbound ping (already answered with a pong): the
// server is alive
func (c *Client) onPing() {
	c.watchdog.Reset(HeartbeatDeadline)
}

// bind issues the BIND request and waits for the matching ack
func (c *Client) bind() error {
	rule := c.config.Rule
	payload := EncodeBindPayload(rule.BindHost, rule.BindPort)
	if err := c.channel.SendFrame(FrameBind, c.bindLinkID, payload); err != nil {
		return err
	}
	select {
	case ack := <-c.bindAcks:
		if !ack.Success {
			return c.Errorf("Bind %s:%d refused: %s", rule.BindHost, rule.BindPort, ack.Error)
		}
		c.ILogf("Bound %s", rule)
		return nil
	case <-time.After(bindAckTimeout):
		return c.Errorf("Timed out waiting for BIND_ACK")
	case <-c.ShutdownStartedChan():
		return ErrChannelLost
	}
}

func (c *Client) readLoop() {
	for {
		f, err := c.channel.ReadFrame()
		if err != nil {
			if !c.IsStartedShutdown() {
				c.ILogf("Disconnected: %s", err)
			}
			c.StartShutdown(ErrChannelLost)
			return
		}
		c.handleFrame(f)
	}
}

// handleFrame dispatches one inbound frame. OPEN from the server means
// a new external connection is waiting for a local dial.
func (c *Client) handleFrame(f *Frame) {
	switch f.Type {
	case FrameOpen:
		c.handleOpen(f.LinkID)
	case FrameClose:
		c.links.HandleClose(f.LinkID)
	case FrameData:
		c.links.HandleData(f.LinkID, f.Payload)
	case FrameBindAck:
		if f.LinkID != c.bindLinkID {
			c.WLogf("BIND_ACK with unexpected link id %d, dropping", f.LinkID)
			return
		}
		ack, err := UnmarshalBindAck(f.Payload)
		if err != nil {
			c.WLogf("Dropping BIND_ACK with bad payload: %s", err)
			return
		}
		select {
		case c.bindAcks <- ack:
		default:
		}
	case FrameBind:
		c.WLogf("Unexpected BIND from server (link=%d), dropping", f.LinkID)
	}
}

// handleOpen dials the configured local destination. On success the
// link is registered ready and the OPEN ack sent; on dial failure the
// link is refused with CLOSE and the channel survives. The dial runs in
// its own goroutine so a slow destination never stalls frame dispatch
// for sibling links on the channel.
func (c *Client) handleOpen(id uint32) {
	if l := c.links.Get(id); l != nil {
		c.WLogf("Duplicate OPEN for link %d, closing it", id)
		l.StartShutdown(ErrAlreadyReady)
		return
	}
	go func() {
		addr := c.config.Rule.LocalAddr()
		conn, err := net.DialTimeout("tcp", addr, localDialTimeout)
		if err != nil {
			c.WLogf("Local dial %s for link %d failed: %s", addr, id, err)
			c.channel.SendFrame(FrameClose, id, nil)
			return
		}
		if c.IsStartedShutdown() {
			conn.Close()
			return
		}
		if _, err := c.links.AddReady(id, conn); err != nil {
			c.WLogf("Failed to register link %d: %s", id, err)
		}
	}()
}

// HandleOnceShutdown tears down every local socket and the channel
func (c *Client) HandleOnceShutdown(completionErr error) error {
	if c.watchdog != nil {
		c.watchdog.Stop()
	}
	if c.links != nil {
		c.links.CloseAll(completionErr)
	}
	GlobalLinkIDs.Release(c.bindLinkID)
	c.ILogf("Client shut down (%v)", completionErr)
	return completionErr
}
