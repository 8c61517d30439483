package conversation

import "sync"

// channelLocks hands out one mutex per channel. Entries are reference counted and
// removed when the last holder or waiter releases them.
type channelLocks struct {
	mu    sync.Mutex
	locks map[int64]*channelLock
}

type channelLock struct {
	mu   sync.Mutex
	refs int
}

func newChannelLocks() *channelLocks {
	return &channelLocks{locks: make(map[int64]*channelLock)}
}

// lock blocks until the channel is free and returns the matching unlock func
func (c *channelLocks) lock(channelID int64) func() {
	c.mu.Lock()
	l, ok := c.locks[channelID]
	if !ok {
		l = &channelLock{}
		c.locks[channelID] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, channelID)
		}
		c.mu.Unlock()
	}
}

func (c *channelLocks) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks)
}
