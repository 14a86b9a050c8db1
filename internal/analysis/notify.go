package analysis

import "sync"

// broadcaster wakes everyone waiting on an application when its session
// changes. Each subscription is a channel closed at the next publish.
type broadcaster struct {
	mu      sync.Mutex
	waiters map[string]chan struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{waiters: make(map[string]chan struct{})}
}

func (b *broadcaster) subscribe(applicationID string) <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.waiters[applicationID]
	if !ok {
		ch = make(chan struct{})
		b.waiters[applicationID] = ch
	}
	return ch
}

func (b *broadcaster) publish(applicationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.waiters[applicationID]; ok {
		close(ch)
		delete(b.waiters, applicationID)
	}
}
