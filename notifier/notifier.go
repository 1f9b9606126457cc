package notifier

import (
	"sync"
)

// Notifier fans out change signals to subscribers. A subscriber either
// listens to every change or to the changes of a single key (a run id).
// Signals are coalesced: a subscriber that has not drained its channel
// misses nothing but receives one wakeup for several changes.
type Notifier struct {
	subscribers map[chan struct{}]string
	mu          sync.Mutex
}

const allKeys = ""

func New() *Notifier {
	return &Notifier{
		subscribers: make(map[chan struct{}]string),
	}
}

// Subscribe returns a channel signalled on every change.
func (n *Notifier) Subscribe() chan struct{} {
	return n.SubscribeTo(allKeys)
}

// SubscribeTo returns a channel signalled when key changes.
func (n *Notifier) SubscribeTo(key string) chan struct{} {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	n.subscribers[ch] = key
	n.mu.Unlock()
	return ch
}

func (n *Notifier) Unsubscribe(ch chan struct{}) {
	n.mu.Lock()
	if _, ok := n.subscribers[ch]; ok {
		delete(n.subscribers, ch)
		close(ch)
	}
	n.mu.Unlock()
}

// Notify signals subscribers of key and every catch-all subscriber.
func (n *Notifier) Notify(key string) {
	n.mu.Lock()
	for ch, k := range n.subscribers {
		if k != allKeys && k != key {
			continue
		}
		select {
		case ch <- struct{}{}:
		default:
			// avoid blocking if channel is full
		}
	}
	n.mu.Unlock()
}

func (n *Notifier) NotifyAll() {
	n.mu.Lock()
	for ch := range n.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	n.mu.Unlock()
}

func (n *Notifier) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subscribers)
}
