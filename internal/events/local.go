package events

import (
	"context"
	"sync"
)

// LocalBus fans events out to in-process subscribers. Slow subscribers drop
// events rather than block publishers.
type LocalBus struct {
	mu     sync.Mutex
	subs   map[string]map[*localSub]struct{}
	closed bool
}

type localSub struct {
	ch   chan Event
	once sync.Once
}

func (s *localSub) close() { s.once.Do(func() { close(s.ch) }) }

// NewLocalBus returns an empty bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string]map[*localSub]struct{})}
}

func (b *LocalBus) Publish(_ context.Context, e Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs[e.TaskID] {
		select {
		case s.ch <- e:
		default:
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, taskID string) (<-chan Event, func(), error) {
	s := &localSub{ch: make(chan Event, subscriberBuffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.close()
		return s.ch, func() {}, nil
	}
	if b.subs[taskID] == nil {
		b.subs[taskID] = make(map[*localSub]struct{})
	}
	b.subs[taskID][s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[taskID], s)
			if len(b.subs[taskID]) == 0 {
				delete(b.subs, taskID)
			}
			b.mu.Unlock()
			s.close()
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return s.ch, cancel, nil
}

// Close ends every subscription.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, subs := range b.subs {
		for s := range subs {
			s.close()
		}
		delete(b.subs, id)
	}
	return nil
}

var _ Bus = (*LocalBus)(nil)
