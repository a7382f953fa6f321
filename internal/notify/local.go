// Package notify wakes idle workers when a job is enqueued so they do not
// wait for the next poll tick. Notifications are hints: a lost one only
// delays pickup until the poll interval.
package notify

import (
	"context"
	"sync"
)

// Local fans notifications out to subscribers inside one process.
type Local struct {
	mu     sync.Mutex
	subs   map[string]map[chan struct{}]struct{}
	closed bool
}

func NewLocal() *Local {
	return &Local{subs: make(map[string]map[chan struct{}]struct{})}
}

func (l *Local) Notify(_ context.Context, topic string) error {
	l.signal(topic)
	return nil
}

// signal never blocks. Each subscriber channel holds one pending wakeup.
func (l *Local) signal(topic string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for ch := range l.subs[topic] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe returns a channel that receives a value after each notification
// for topic, and a function that releases the subscription.
func (l *Local) Subscribe(topic string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		close(ch)
		return ch, func() {}
	}
	if l.subs[topic] == nil {
		l.subs[topic] = make(map[chan struct{}]struct{})
	}
	l.subs[topic][ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if _, ok := l.subs[topic][ch]; ok {
				delete(l.subs[topic], ch)
				close(ch)
			}
		})
	}
}

// Close closes every subscriber channel.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	for topic, chans := range l.subs {
		for ch := range chans {
			close(ch)
		}
		delete(l.subs, topic)
	}
	return nil
}
