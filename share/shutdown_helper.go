package wsgshare

import (
	"context"
	"sync"
)

// OnceShutdownHandler must be implemented by the object managed by a
// ShutdownHelper. HandleOnceShutdown will be called exactly once, in its
// own goroutine. It should take completionErr as an advisory completion
// value, actually release the object's resources, then return the real
// completion value.
type OnceShutdownHandler interface {
	HandleOnceShutdown(completionErr error) error
}

// AsyncShutdowner is implemented by objects that provide asynchronous
// shutdown capability.
type AsyncShutdowner interface {
	// StartShutdown schedules asynchronous shutdown of the object. If
	// shutdown has already been scheduled, it has no effect.
	StartShutdown(completionErr error)

	// ShutdownDoneChan returns a chan that is closed after shutdown is
	// complete.
	ShutdownDoneChan() <-chan struct{}

	// WaitShutdown blocks until the object is completely shut down, and
	// returns the final completion status
	WaitShutdown() error
}

// ShutdownHelper is a base that manages clean asynchronous shutdown for
// an object that implements OnceShutdownHandler. The zero value is not
// usable; InitShutdownHelper must be called first.
type ShutdownHelper struct {
	// Logger is the Logger used for log output from this helper; it is
	// embedded so that the managed object can log through it directly
	Logger

	// Lock is a general-purpose fine-grained mutex for this helper; it
	// may be used by the managed object as well
	Lock sync.Mutex

	handler      OnceShutdownHandler
	startedChan  chan struct{}
	doneChan     chan struct{}
	startedOnce  sync.Once
	advisoryErr  error
	finalErr     error
	children     []AsyncShutdowner
	childChans   []<-chan struct{}
	isActivated  bool
	activateOnce sync.Once
}

// InitShutdownHelper initializes a ShutdownHelper in place
func (h *ShutdownHelper) InitShutdownHelper(logger Logger, handler OnceShutdownHandler) {
	h.Logger = logger
	h.handler = handler
	h.startedChan = make(chan struct{})
	h.doneChan = make(chan struct{})
}

// DoOnceActivate invokes onceActivateHandler if and only if shutdown has
// not yet started and activation has not already happened. If the
// handler fails, shutdown is started with its error; if waitOnFail is
// true, the call then also waits for shutdown to complete.
func (h *ShutdownHelper) DoOnceActivate(onceActivateHandler func() error, waitOnFail bool) error {
	var err error
	activated := false
	h.activateOnce.Do(func() {
		if h.IsStartedShutdown() {
			err = h.Errorf("Already shut down; cannot activate")
			return
		}
		activated = true
		if onceActivateHandler != nil {
			err = onceActivateHandler()
		}
		if err == nil {
			h.isActivated = true
		}
	})
	if err != nil && activated {
		h.StartShutdown(err)
		if waitOnFail {
			h.WaitShutdown()
		}
	}
	return err
}

// ShutdownOnContext begins background monitoring of a context, and
// starts shutdown of this object when the context is done
func (h *ShutdownHelper) ShutdownOnContext(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			h.StartShutdown(ctx.Err())
		case <-h.startedChan:
		}
	}()
}

// IsStartedShutdown returns true if shutdown of this object has begun
// (or completed)
func (h *ShutdownHelper) IsStartedShutdown() bool {
	select {
	case <-h.startedChan:
		return true
	default:
		return false
	}
}

// ShutdownStartedChan returns a chan that is closed when shutdown starts
func (h *ShutdownHelper) ShutdownStartedChan() <-chan struct{} {
	return h.startedChan
}

// ShutdownDoneChan returns a chan that is closed when shutdown completes
func (h *ShutdownHelper) ShutdownDoneChan() <-chan struct{} {
	return h.doneChan
}

// WaitShutdown blocks until the object is completely shut down, and
// returns the final completion status
func (h *ShutdownHelper) WaitShutdown() error {
	<-h.doneChan
	return h.finalErr
}

// StartShutdown schedules asynchronous shutdown of the object. The
// first call wins; subsequent calls have no effect.
func (h *ShutdownHelper) StartShutdown(completionErr error) {
	h.startedOnce.Do(func() {
		h.advisoryErr = completionErr
		close(h.startedChan)
		go func() {
			h.Lock.Lock()
			children := h.children
			childChans := h.childChans
			h.Lock.Unlock()
			for _, child := range children {
				child.StartShutdown(h.advisoryErr)
			}
			h.finalErr = h.handler.HandleOnceShutdown(h.advisoryErr)
			for _, child := range children {
				child.WaitShutdown()
			}
			for _, cc := range childChans {
				<-cc
			}
			close(h.doneChan)
		}()
	})
}

// Shutdown performs a synchronous shutdown: it starts shutdown with the
// given advisory completion status, waits for it to complete, then
// returns the final status
func (h *ShutdownHelper) Shutdown(completionErr error) error {
	h.StartShutdown(completionErr)
	return h.WaitShutdown()
}

// Close is a convenience method that is equivalent to Shutdown(nil).
// It may be called any number of times.
func (h *ShutdownHelper) Close() error {
	return h.Shutdown(nil)
}

// AddShutdownChild registers a child object whose shutdown will be
// started and awaited as part of this object's shutdown. Children added
// after shutdown has started are shut down immediately.
func (h *ShutdownHelper) AddShutdownChild(child AsyncShutdowner) {
	h.Lock.Lock()
	started := h.IsStartedShutdown()
	if !started {
		h.children = append(h.children, child)
	}
	h.Lock.Unlock()
	if started {
		child.StartShutdown(nil)
	}
}

// AddShutdownChildChan registers a chan that must be closed before this
// object's shutdown is considered complete. Useful for waiting on plain
// goroutines that do not implement AsyncShutdowner. The chan must be
// registered before shutdown starts; later registrations are ignored.
func (h *ShutdownHelper) AddShutdownChildChan(childDoneChan <-chan struct{}) {
	h.Lock.Lock()
	if !h.IsStartedShutdown() {
		h.childChans = append(h.childChans, childDoneChan)
	}
	h.Lock.Unlock()
}
