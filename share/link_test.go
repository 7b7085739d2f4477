package wsgshare

import (
	"bytes"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prep/socketpair"
)

// recordingSender stands in for the control channel in link tests
type recordingSender struct {
	lock   sync.Mutex
	frames []*Frame
}

func (s *recordingSender) SendFrame(t FrameType, linkID uint32, payload []byte) error {
	s.lock.Lock()
	s.frames = append(s.frames, &Frame{Type: t, LinkID: linkID, Payload: payload})
	s.lock.Unlock()
	return nil
}

func (s *recordingSender) snapshot() []*Frame {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]*Frame(nil), s.frames...)
}

func (s *recordingSender) count(t FrameType) int {
	n := 0
	for _, f := range s.snapshot() {
		if f.Type == t {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestRegistry(t *testing.T) (*LinkRegistry, *recordingSender) {
	t.Helper()
	sender := &recordingSender{}
	return NewLinkRegistry(testLogger(), sender, NewLinkIDSet()), sender
}

// linkPair opens an unconfirmed incoming link over a socket pair and
// returns the link plus the "external" end of the socket
func linkPair(t *testing.T, reg *LinkRegistry) (*Link, net.Conn) {
	t.Helper()
	owned, external, err := socketpair.New("unix")
	if err != nil {
		t.Fatal(err)
	}
	l := reg.OpenIncoming(owned)
	return l, external
}

func TestLinkEarlyBufferDrainOrder(t *testing.T) {
	reg, sender := newTestRegistry(t)
	l, external := linkPair(t, reg)
	defer external.Close()

	frames := sender.snapshot()
	if len(frames) != 1 || frames[0].Type != FrameOpen || frames[0].LinkID != l.ID() {
		t.Fatalf("expected a single OPEN for link %d, got %v", l.ID(), frames)
	}

	// bytes arriving before the ack are buffered, not forwarded
	// wait for the first chunk to be read so the stream socket cannot
	// coalesce the two writes into one chunk
	external.Write([]byte("abc"))
	waitFor(t, "first early chunk", func() bool { return l.EarlySize() == 3 })
	external.Write([]byte("def"))
	waitFor(t, "early buffer", func() bool { return l.EarlySize() == 6 })
	if sender.count(FrameData) != 0 {
		t.Fatal("DATA must not be emitted before the OPEN ack")
	}

	// the ack drains the buffer in arrival order, one frame per chunk
	reg.HandleOpenAck(l.ID())
	waitFor(t, "drain", func() bool { return sender.count(FrameData) == 2 })
	var drained []byte
	for _, f := range sender.snapshot() {
		if f.Type == FrameData {
			drained = append(drained, f.Payload...)
		}
	}
	if !bytes.Equal(drained, []byte("abcdef")) {
		t.Fatalf("drained %q, want %q", drained, "abcdef")
	}
	if !l.IsConfirmed() || l.EarlySize() != 0 {
		t.Fatal("link should be confirmed with an empty buffer")
	}

	// subsequent bytes flow straight through
	external.Write([]byte("ghi"))
	waitFor(t, "direct DATA", func() bool { return sender.count(FrameData) == 3 })

	// peer DATA lands on the owned socket
	reg.HandleData(l.ID(), []byte("xyz"))
	reply := make([]byte, 3)
	external.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(external, reply); err != nil {
		t.Fatal(err)
	}
	if string(reply) != "xyz" {
		t.Fatalf("got %q", reply)
	}
}

func TestLinkPeerCloseIsIdempotent(t *testing.T) {
	reg, sender := newTestRegistry(t)
	l, external := linkPair(t, reg)
	defer external.Close()
	reg.HandleOpenAck(l.ID())

	reg.HandleClose(l.ID())
	waitFor(t, "teardown", func() bool { return reg.Len() == 0 })
	// a CLOSE from the peer is not echoed back
	if n := sender.count(FrameClose); n != 0 {
		t.Fatalf("%d CLOSE frames emitted for a peer-initiated close", n)
	}
	// a second CLOSE for the same id is harmless
	reg.HandleClose(l.ID())
	if reg.ids.Len() != 0 {
		t.Fatalf("%d link ids still live", reg.ids.Len())
	}
}

func TestLinkLocalCloseEmitsOneClose(t *testing.T) {
	reg, sender := newTestRegistry(t)
	l, external := linkPair(t, reg)
	reg.HandleOpenAck(l.ID())

	// external socket closing ends the link and emits exactly one CLOSE
	external.Close()
	waitFor(t, "teardown", func() bool { return reg.Len() == 0 })
	l.WaitShutdown()
	if n := sender.count(FrameClose); n != 1 {
		t.Fatalf("%d CLOSE frames emitted, want 1", n)
	}
}

func TestLinkEarlyBufferOverflow(t *testing.T) {
	reg, sender := newTestRegistry(t)
	l, external := linkPair(t, reg)
	defer external.Close()

	// push past the cap without ever acking
	chunk := make([]byte, 64*1024)
	go func() {
		for i := 0; i < (MaxEarlyBufferSize/len(chunk))+2; i++ {
			if _, err := external.Write(chunk); err != nil {
				return
			}
		}
	}()
	if err := l.WaitShutdown(); err != ErrBufferOverflow {
		t.Fatalf("completion = %v, want ErrBufferOverflow", err)
	}
	waitFor(t, "teardown", func() bool { return reg.Len() == 0 })
	if n := sender.count(FrameClose); n != 1 {
		t.Fatalf("%d CLOSE frames emitted, want 1", n)
	}
	// no DATA may follow the overflow close
	if sender.count(FrameData) != 0 {
		t.Fatal("DATA emitted for an overflowed link")
	}
}

func TestLinkDuplicateAckClosesLink(t *testing.T) {
	reg, sender := newTestRegistry(t)
	l, external := linkPair(t, reg)
	defer external.Close()

	reg.HandleOpenAck(l.ID())
	reg.HandleOpenAck(l.ID())
	waitFor(t, "teardown", func() bool { return reg.Len() == 0 })
	if err := l.WaitShutdown(); err != ErrAlreadyReady {
		t.Fatalf("completion = %v, want ErrAlreadyReady", err)
	}
	if n := sender.count(FrameClose); n != 1 {
		t.Fatalf("%d CLOSE frames emitted, want 1", n)
	}
}

func TestRegistryUnknownLink(t *testing.T) {
	reg, sender := newTestRegistry(t)
	// frames for absent links are dropped without emitting CLOSE
	reg.HandleData(12345, []byte("x"))
	reg.HandleClose(12345)
	reg.HandleOpenAck(12345)
	if len(sender.snapshot()) != 0 {
		t.Fatalf("frames emitted for unknown link: %v", sender.snapshot())
	}
}

func TestRegistryCloseAll(t *testing.T) {
	reg, _ := newTestRegistry(t)
	var externals []net.Conn
	for i := 0; i < 4; i++ {
		_, external := linkPair(t, reg)
		externals = append(externals, external)
	}
	if reg.Len() != 4 {
		t.Fatalf("Len = %d", reg.Len())
	}
	reg.CloseAll(ErrChannelLost)
	if reg.Len() != 0 || reg.ids.Len() != 0 {
		t.Fatalf("links remain after CloseAll: %d links, %d ids", reg.Len(), reg.ids.Len())
	}
	for _, c := range externals {
		c.Close()
	}
}

func TestByteQueue(t *testing.T) {
	q := newByteQueue()
	q.push([]byte("a"))
	q.push([]byte("b"))
	if b, ok := q.pop(); !ok || string(b) != "a" {
		t.Fatalf("pop = %q, %v", b, ok)
	}
	if b, ok := q.pop(); !ok || string(b) != "b" {
		t.Fatalf("pop = %q, %v", b, ok)
	}
	done := make(chan struct{})
	go func() {
		// pop blocks until close, then reports closed
		if _, ok := q.pop(); ok {
			t.Error("pop on closed queue reported ok")
		}
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	q.close()
	<-done
	if q.push([]byte("c")) {
		t.Fatal("push after close should be refused")
	}
}

func TestLinkIDSet(t *testing.T) {
	s := NewLinkIDSet()
	seen := make(map[uint32]struct{})
	for i := 0; i < 1000; i++ {
		id := s.Alloc()
		if _, dup := seen[id]; dup {
			t.Fatalf("id %d allocated twice while live", id)
		}
		seen[id] = struct{}{}
	}
	if s.Len() != 1000 {
		t.Fatalf("Len = %d", s.Len())
	}
	for id := range seen {
		s.Release(id)
	}
	if s.Len() != 0 {
		t.Fatalf("Len = %d after release", s.Len())
	}
	if !s.Claim(7) {
		t.Fatal("claim of free id failed")
	}
	if s.Claim(7) {
		t.Fatal("claim of live id succeeded")
	}
	s.Release(7)
}
