package wsgshare

import (
	"context"
	"net"
	"sync/atomic"
	"time"
)

// ServerSession is the server-side record for one admitted control
// channel: its link registry, its bind participations, and the
// heartbeat that decides whether the peer is still alive.
type ServerSession struct {
	ShutdownHelper
	server  *Server
	channel *ControlChannel
	links   *LinkRegistry
	keyHash string

	// guarded by ShutdownHelper.Lock
	bindKeys map[string]struct{}

	pongSeen int32
	silence  *time.Timer
}

// NewServerSession creates the session record for an admitted channel.
// keyHash is the client's whitelisted public-key hash, for logging.
func NewServerSession(server *Server, channel *ControlChannel, keyHash string) *ServerSession {
	n := server.sessionStats.New()
	s := &ServerSession{
		server:   server,
		channel:  channel,
		keyHash:  keyHash,
		bindKeys: make(map[string]struct{}),
	}
	s.InitShutdownHelper(server.Fork("session %d(%s)", n, channel.RemoteAddr()), s)
	s.links = NewLinkRegistry(s.Logger, channel, GlobalLinkIDs)
	return s
}

func (s *ServerSession) String() string {
	return s.Prefix()
}

// Run services the channel until it is torn down: heartbeat on a timer,
// frames dispatched in arrival order. Blocks until shutdown completes.
func (s *ServerSession) Run(ctx context.Context) error {
	err := s.DoOnceActivate(
		func() error {
			s.ShutdownOnContext(ctx)
			s.server.sessionStats.Open()
			s.ILogf("Channel admitted (key hash %s)", s.keyHash)
			s.channel.NotifyPong(s.onPong)
			s.silence = time.AfterFunc(HeartbeatDeadline, func() {
				s.DLogf("No ping/pong for %s", HeartbeatDeadline)
				s.StartShutdown(ErrHeartbeatExpired)
			})
			go s.pingLoop()
			go s.readLoop()
			return nil
		},
		true,
	)
	if err != nil {
		return err
	}
	return s.WaitShutdown()
}

// onPong runs for each inbound pong: the peer is alive
func (s *ServerSession) onPong() {
	atomic.StoreInt32(&s.pongSeen, 1)
	s.silence.Reset(HeartbeatDeadline)
}

// pingLoop pings the peer every PingInterval. A ping that is still
// unanswered at the next tick terminates the channel.
func (s *ServerSession) pingLoop() {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	awaiting := false
	for {
		select {
		case <-s.ShutdownStartedChan():
			return
		case <-ticker.C:
			if awaiting && atomic.LoadInt32(&s.pongSeen) == 0 {
				s.DLogf("Ping unanswered after %s", PingInterval)
				s.StartShutdown(ErrHeartbeatExpired)
				return
			}
			atomic.StoreInt32(&s.pongSeen, 0)
			awaiting = true
			if err := s.channel.Ping(); err != nil {
				s.StartShutdown(err)
				return
			}
		}
	}
}

func (s *ServerSession) readLoop() {
	for {
		f, err := s.channel.ReadFrame()
		if err != nil {
			if !s.IsStartedShutdown() {
				s.DLogf("Channel read ended: %s", err)
			}
			s.StartShutdown(ErrChannelLost)
			return
		}
		s.handleFrame(f)
	}
}

// handleFrame dispatches one inbound frame. OPEN from the client is the
// readiness ack for a link this side originated.
func (s *ServerSession) handleFrame(f *Frame) {
	switch f.Type {
	case FrameOpen:
		s.links.HandleOpenAck(f.LinkID)
	case FrameClose:
		s.links.HandleClose(f.LinkID)
	case FrameData:
		s.links.HandleData(f.LinkID, f.Payload)
	case FrameBind:
		s.handleBind(f)
	case FrameBindAck:
		s.WLogf("Unexpected BIND_ACK from client (link=%d), dropping", f.LinkID)
	}
}

// handleBind services a BIND request: join or create the bind entry,
// then ack with the request's link id so the client can match it. A
// refused bind leaves the channel up. Opening the listener can block
// (DNS, contended port), so the work runs off the read-loop goroutine
// and never stalls frame dispatch for links already open.
func (s *ServerSession) handleBind(f *Frame) {
	host, port, err := DecodeBindPayload(f.Payload)
	if err != nil {
		s.WLogf("Dropping BIND with malformed payload (%d bytes)", len(f.Payload))
		return
	}
	linkID := f.LinkID
	go func() {
		ack := &BindAck{Success: true}
		key, err := s.server.binds.Bind(host, port, s)
		if err != nil {
			ack.Success = false
			ack.Error = err.Error()
		} else {
			s.Lock.Lock()
			s.bindKeys[key] = struct{}{}
			s.Lock.Unlock()
			if s.IsStartedShutdown() {
				// teardown may have raced past the bindKeys swap
				s.server.binds.Release(key, s)
				return
			}
		}
		payload, err := ack.Marshal()
		if err != nil {
			s.Panicf("Failed to marshal BIND_ACK: %s", err)
		}
		s.channel.SendFrame(FrameBindAck, linkID, payload)
	}()
}

// HandleAccept implements BindOwner: an external connection accepted on
// one of this session's bind entries becomes a new link
func (s *ServerSession) HandleAccept(conn net.Conn) {
	if s.IsStartedShutdown() {
		conn.Close()
		return
	}
	s.links.OpenIncoming(conn)
}

// HandleOnceShutdown releases bind participation (stopping new
// accepts), closes the channel itself, then closes every link
func (s *ServerSession) HandleOnceShutdown(completionErr error) error {
	s.server.sessionStats.Close()
	if s.silence != nil {
		s.silence.Stop()
	}
	s.Lock.Lock()
	bindKeys := s.bindKeys
	s.bindKeys = make(map[string]struct{})
	s.Lock.Unlock()
	for key := range bindKeys {
		s.server.binds.Release(key, s)
	}
	// the channel goes first so link teardown never stalls on a dead
	// transport; the peer learns of the links' demise from the close
	s.channel.Shutdown(completionErr)
	s.links.CloseAll(completionErr)
	s.ILogf("Channel closed (%v)", completionErr)
	return completionErr
}
