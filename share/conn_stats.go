package wsgshare

import (
	"fmt"
	"sync/atomic"
)

// ConnStats keeps track of both currently-open and cumulative
// connection counts for an entity
type ConnStats struct {
	total int32
	open  int32
}

// New adds one to the cumulative count and returns it
func (c *ConnStats) New() int32 {
	return atomic.AddInt32(&c.total, 1)
}

// Open adds one to the currently-open count
func (c *ConnStats) Open() {
	atomic.AddInt32(&c.open, 1)
}

// Close subtracts one from the currently-open count
func (c *ConnStats) Close() {
	atomic.AddInt32(&c.open, -1)
}

func (c *ConnStats) String() string {
	return fmt.Sprintf("[%d/%d]", atomic.LoadInt32(&c.open), atomic.LoadInt32(&c.total))
}
