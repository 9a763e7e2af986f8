package wlock

import "sync"

// broadcaster is an edge-triggered, many-waiter wakeup: wait() returns a
// channel that closes the next time notify() is called. Unlike a queue, only
// "latest" matters, which is exactly the weight_updated/delay_updated
// semantics of spec §9 ("never a queue").
type broadcaster struct {
	mu sync.Mutex
	ch chan struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{ch: make(chan struct{})}
}

func (b *broadcaster) wait() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch
}

func (b *broadcaster) notify() {
	b.mu.Lock()
	defer b.mu.Unlock()
	close(b.ch)
	b.ch = make(chan struct{})
}
