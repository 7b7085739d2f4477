package wsgshare

import (
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/jpillora/sizestr"
)

// byteQueue is an unbounded FIFO of payload chunks feeding a link's
// local socket writer. It decouples frame dispatch from socket writes
// so that a slow destination for one link cannot stall frame delivery
// to other links on the same channel.
type byteQueue struct {
	lock   sync.Mutex
	cond   *sync.Cond
	chunks [][]byte
	closed bool
}

func newByteQueue() *byteQueue {
	q := &byteQueue{}
	q.cond = sync.NewCond(&q.lock)
	return q
}

// push appends a chunk. Returns false if the queue has been closed.
func (q *byteQueue) push(b []byte) bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.closed {
		return false
	}
	q.chunks = append(q.chunks, b)
	q.cond.Signal()
	return true
}

// pop blocks until a chunk is available or the queue is closed
func (q *byteQueue) pop() ([]byte, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()
	for len(q.chunks) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.chunks) == 0 {
		return nil, false
	}
	b := q.chunks[0]
	q.chunks = q.chunks[1:]
	return b, true
}

func (q *byteQueue) close() {
	q.lock.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.lock.Unlock()
}

// Link is one multiplexed TCP flow, identified by a 32-bit id scoped to
// its control channel. The side that creates the Link owns the local
// socket: the server owns the external accepted socket, the client owns
// the socket dialed to the internal destination.
//
// Server-side links begin unconfirmed: bytes read from the external
// socket (and, per the shared buffer, any premature peer DATA) are
// queued until the peer's OPEN ack arrives, subject to
// MaxEarlyBufferSize. Client-side links are created confirmed, because
// the client only registers a link after its local dial succeeds.
type Link struct {
	ShutdownHelper
	registry *LinkRegistry
	id       uint32
	conn     net.Conn
	outq     *byteQueue

	// guarded by ShutdownHelper.Lock
	confirmed  bool
	early      [][]byte
	earlySize  int
	peerClosed bool

	nIn  int64 // bytes local socket -> channel
	nOut int64 // bytes channel -> local socket
}

func newLink(registry *LinkRegistry, id uint32, conn net.Conn, confirmed bool) *Link {
	l := &Link{
		registry:  registry,
		id:        id,
		conn:      conn,
		outq:      newByteQueue(),
		confirmed: confirmed,
	}
	l.InitShutdownHelper(registry.Fork("link %d", id), l)
	return l
}

// ID returns the link's wire id
func (l *Link) ID() uint32 {
	return l.id
}

// IsConfirmed returns true once the OPEN round-trip has completed
func (l *Link) IsConfirmed() bool {
	l.Lock.Lock()
	defer l.Lock.Unlock()
	return l.confirmed
}

// EarlySize returns the number of early-data bytes currently queued
func (l *Link) EarlySize() int {
	l.Lock.Lock()
	defer l.Lock.Unlock()
	return l.earlySize
}

// start launches the two pump goroutines
func (l *Link) start() {
	go l.readPump()
	go l.writePump()
}

// readPump moves bytes from the owned socket toward the channel,
// buffering while unconfirmed
func (l *Link) readPump() {
	buf := make([]byte, 32*1024)
	for {
		n, err := l.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if qerr := l.queueLocal(chunk); qerr != nil {
				l.StartShutdown(qerr)
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				err = nil
			}
			l.StartShutdown(err)
			return
		}
	}
}

// queueLocal handles one chunk read from the owned socket: buffered
// while unconfirmed (bounded), forwarded as DATA once confirmed
func (l *Link) queueLocal(chunk []byte) error {
	l.Lock.Lock()
	if !l.confirmed {
		err := l.bufferEarlyLocked(chunk)
		l.Lock.Unlock()
		return err
	}
	l.Lock.Unlock()
	atomic.AddInt64(&l.nIn, int64(len(chunk)))
	return l.registry.channel.SendFrame(FrameData, l.id, chunk)
}

// bufferEarlyLocked appends to the early buffer, enforcing the cap.
// Caller holds l.Lock.
func (l *Link) bufferEarlyLocked(chunk []byte) error {
	if l.earlySize+len(chunk) > MaxEarlyBufferSize {
		return ErrBufferOverflow
	}
	l.early = append(l.early, chunk)
	l.earlySize += len(chunk)
	return nil
}

// Confirm completes the OPEN round-trip: the queued early chunks are
// forwarded as one DATA frame each, in arrival order, before any
// subsequently-read byte may be sent. Returns ErrAlreadyReady if the
// link was already confirmed.
func (l *Link) Confirm() error {
	l.Lock.Lock()
	defer l.Lock.Unlock()
	if l.confirmed {
		return ErrAlreadyReady
	}
	l.confirmed = true
	chunks := l.early
	l.early = nil
	for _, chunk := range chunks {
		atomic.AddInt64(&l.nIn, int64(len(chunk)))
		if err := l.registry.channel.SendFrame(FrameData, l.id, chunk); err != nil {
			return err
		}
	}
	if len(chunks) > 0 {
		l.DLogf("Drained %s of early data", sizestr.ToString(int64(l.earlySize)))
	}
	l.earlySize = 0
	return nil
}

// Deliver handles a DATA frame from the peer. Once confirmed, the chunk
// is queued for the owned socket; before that it lands in the same
// bounded early buffer (unreachable with a conforming peer, which only
// sends DATA after the ack).
func (l *Link) Deliver(chunk []byte) {
	l.Lock.Lock()
	if !l.confirmed {
		err := l.bufferEarlyLocked(chunk)
		l.Lock.Unlock()
		if err != nil {
			l.StartShutdown(err)
		}
		return
	}
	l.Lock.Unlock()
	l.outq.push(chunk)
}

// writePump moves delivered chunks onto the owned socket
func (l *Link) writePump() {
	for {
		chunk, ok := l.outq.pop()
		if !ok {
			return
		}
		if _, err := l.conn.Write(chunk); err != nil {
			l.StartShutdown(err)
			return
		}
		atomic.AddInt64(&l.nOut, int64(len(chunk)))
	}
}

// PeerClosed tears the link down in response to a CLOSE frame,
// suppressing the CLOSE echo (the peer has already dropped the id)
func (l *Link) PeerClosed() {
	l.Lock.Lock()
	l.peerClosed = true
	l.Lock.Unlock()
	l.StartShutdown(nil)
}

// HandleOnceShutdown closes the owned socket, removes the registry
// entry, releases the id, and emits exactly one CLOSE frame for a
// locally-initiated teardown
func (l *Link) HandleOnceShutdown(completionErr error) error {
	l.conn.Close()
	l.outq.close()
	l.registry.remove(l)
	l.Lock.Lock()
	peerClosed := l.peerClosed
	l.Lock.Unlock()
	if !peerClosed {
		l.registry.channel.SendFrame(FrameClose, l.id, nil)
	}
	l.DLogf("Closed after %s in, %s out (%v)",
		sizestr.ToString(atomic.LoadInt64(&l.nIn)),
		sizestr.ToString(atomic.LoadInt64(&l.nOut)), completionErr)
	return completionErr
}

// FrameSender is the slice of the control channel that links need:
// serialized, in-order frame sends. Satisfied by ControlChannel.
type FrameSender interface {
	SendFrame(t FrameType, linkID uint32, payload []byte) error
}

// LinkRegistry is the per-control-channel map of active links. All
// frame-level operations for links on one channel go through it.
type LinkRegistry struct {
	Logger
	lock    sync.Mutex
	channel FrameSender
	ids     *LinkIDSet
	links   map[uint32]*Link
	stats   ConnStats
}

// NewLinkRegistry creates a LinkRegistry bound to one control channel.
// ids is normally GlobalLinkIDs.
func NewLinkRegistry(logger Logger, channel FrameSender, ids *LinkIDSet) *LinkRegistry {
	return &LinkRegistry{
		Logger:  logger.Fork("links"),
		channel: channel,
		ids:     ids,
		links:   make(map[uint32]*Link),
	}
}

// Len returns the number of currently live links
func (r *LinkRegistry) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.links)
}

// Get returns the link with the given id, or nil
func (r *LinkRegistry) Get(id uint32) *Link {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.links[id]
}

func (r *LinkRegistry) remove(l *Link) {
	r.lock.Lock()
	if r.links[l.id] == l {
		delete(r.links, l.id)
		r.stats.Close()
	}
	r.lock.Unlock()
	r.ids.Release(l.id)
}

// OpenIncoming registers a fresh unconfirmed link for an accepted
// external socket and emits OPEN to the peer. Server side.
func (r *LinkRegistry) OpenIncoming(conn net.Conn) *Link {
	id := r.ids.Alloc()
	l := newLink(r, id, conn, false)
	r.lock.Lock()
	r.links[id] = l
	r.stats.Open()
	n := r.stats.New()
	r.lock.Unlock()
	r.DLogf("%v Incoming connection %d from %s as link %d", &r.stats, n, conn.RemoteAddr(), id)
	if err := r.channel.SendFrame(FrameOpen, id, nil); err != nil {
		l.StartShutdown(err)
		return l
	}
	l.start()
	return l
}

// AddReady registers a confirmed link for a successfully-dialed local
// socket under the peer-chosen id and emits the OPEN ack. Client side.
func (r *LinkRegistry) AddReady(id uint32, conn net.Conn) (*Link, error) {
	r.ids.Claim(id)
	l := newLink(r, id, conn, true)
	r.lock.Lock()
	if _, exists := r.links[id]; exists {
		r.lock.Unlock()
		r.ids.Release(id)
		conn.Close()
		return nil, ErrAlreadyReady
	}
	r.links[id] = l
	r.stats.Open()
	r.stats.New()
	r.lock.Unlock()
	if err := r.channel.SendFrame(FrameOpen, id, nil); err != nil {
		l.StartShutdown(err)
		return nil, err
	}
	l.start()
	return l, nil
}

// HandleOpenAck processes the peer's OPEN ack for a server-side link. A
// second ack for an already-ready link is a protocol error that closes
// the link.
func (r *LinkRegistry) HandleOpenAck(id uint32) {
	l := r.Get(id)
	if l == nil {
		r.WLogf("OPEN ack for unknown link %d, dropping", id)
		return
	}
	if err := l.Confirm(); err == ErrAlreadyReady {
		r.WLogf("Duplicate OPEN for ready link %d, closing it", id)
		l.StartShutdown(ErrAlreadyReady)
	}
}

// HandleData processes a DATA frame. Frames for unknown links are
// logged and dropped without emitting CLOSE.
func (r *LinkRegistry) HandleData(id uint32, payload []byte) {
	l := r.Get(id)
	if l == nil {
		r.WLogf("DATA for unknown link %d (%d bytes), dropping", id, len(payload))
		return
	}
	l.Deliver(payload)
}

// HandleClose processes a CLOSE frame. CLOSE is idempotent: a second
// CLOSE for the same id is a no-op.
func (r *LinkRegistry) HandleClose(id uint32) {
	l := r.Get(id)
	if l == nil {
		return
	}
	l.PeerClosed()
}

// CloseAll tears down every live link on the channel. No link outlives
// its owning control channel.
func (r *LinkRegistry) CloseAll(completionErr error) {
	r.lock.Lock()
	links := make([]*Link, 0, len(r.links))
	for _, l := range r.links {
		links = append(links, l)
	}
	r.lock.Unlock()
	for _, l := range links {
		l.StartShutdown(completionErr)
	}
	for _, l := range links {
		l.WaitShutdown()
	}
}
