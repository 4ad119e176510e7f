package bus

import (
	"context"
	"sync"
)

// DefaultBuffer is the per-subscriber queue length of the in-process bus.
const DefaultBuffer = 256

// Memory fans messages out to subscribers in the same process. A subscriber
// whose queue is full is dropped rather than blocking the publisher.
type Memory struct {
	mu     sync.RWMutex
	topics map[string]map[*memorySub]struct{}
	buffer int
	closed bool
}

// NewMemory creates an in-process bus with the given per-subscriber buffer.
func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Memory{
		topics: make(map[string]map[*memorySub]struct{}),
		buffer: buffer,
	}
}

func (b *Memory) Publish(ctx context.Context, topic string, msg Message) error {
	var slow []*memorySub

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	for sub := range b.topics[topic] {
		select {
		case sub.ch <- msg:
		default:
			slow = append(slow, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range slow {
		b.remove(sub, ErrSlowConsumer)
	}
	return nil
}

func (b *Memory) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	sub := &memorySub{bus: b, topic: topic, ch: make(chan Message, b.buffer)}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*memorySub]struct{})
	}
	b.topics[topic][sub] = struct{}{}
	return sub, nil
}

// Subscribers returns the number of live subscriptions on topic.
func (b *Memory) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

func (b *Memory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.topics {
		for sub := range subs {
			sub.err = ErrClosed
			close(sub.ch)
		}
	}
	b.topics = nil
	return nil
}

// remove detaches sub and closes its channel. Channels are only closed
// under the write lock, so no publisher can be sending concurrently.
func (b *Memory) remove(sub *memorySub, reason error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.topics[sub.topic]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.topics, sub.topic)
	}
	sub.err = reason
	close(sub.ch)
}

type memorySub struct {
	bus   *Memory
	topic string
	ch    chan Message
	err   error // guarded by bus.mu
}

func (s *memorySub) Messages() <-chan Message { return s.ch }

func (s *memorySub) Err() error {
	s.bus.mu.RLock()
	defer s.bus.mu.RUnlock()
	return s.err
}

func (s *memorySub) Close() error {
	s.bus.remove(s, nil)
	return nil
}
