package httptransport

import (
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"
)

// collector assembles the contributions a single collective call
// receives, keyed by sender rank. Handler goroutines for distinct
// senders write into it concurrently; the caller blocks on done until
// every expected sender has contributed.
type collector struct {
	received *skipmap.OrderedMap[int, []byte]
	want     int32
	got      atomic.Int32
	done     chan struct{}

	badMu sync.Mutex
	bad   bool
}

func newCollector(want int) *collector {
	return &collector{
		received: skipmap.New[int, []byte](),
		want:     int32(want),
		done:     make(chan struct{}),
	}
}

func (c *collector) put(rank int, localBad bool, payload []byte) {
	if _, loaded := c.received.LoadOrStore(rank, payload); loaded {
		return
	}
	c.badMu.Lock()
	c.bad = c.bad || localBad
	c.badMu.Unlock()

	if c.got.Add(1) == c.want {
		close(c.done)
	}
}

func (c *collector) anyBad() bool {
	c.badMu.Lock()
	defer c.badMu.Unlock()
	return c.bad
}
