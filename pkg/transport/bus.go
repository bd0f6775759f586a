package transport

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// busQueueSize bounds the per-subscription backlog.
const busQueueSize = 1024

// Bus is an in-process Transport. Each subscription owns a delivery
// goroutine, so a handler that publishes never re-enters the publisher.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[string][]*busSub
	closed bool

	// Stats
	published atomic.Int64
	delivered atomic.Int64
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger,
		subs:   make(map[string][]*busSub),
	}
}

type busSub struct {
	bus     *Bus
	topic   string
	handler Handler
	queue   chan []byte
	done    chan struct{}
	once    sync.Once
}

// Publish implements Publisher. The payload is copied per subscriber.
// Publish blocks while a subscriber's backlog is full rather than drop.
func (b *Bus) Publish(topic string, data []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	subs := append([]*busSub(nil), b.subs[topic]...)
	b.mu.RUnlock()

	b.published.Add(1)
	for _, s := range subs {
		payload := append([]byte(nil), data...)
		select {
		case s.queue <- payload:
		case <-s.done:
		}
	}
	return nil
}

// Subscribe implements Subscriber.
func (b *Bus) Subscribe(topic string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	s := &busSub{
		bus:     b,
		topic:   topic,
		handler: handler,
		queue:   make(chan []byte, busQueueSize),
		done:    make(chan struct{}),
	}
	b.subs[topic] = append(b.subs[topic], s)
	go s.run()

	b.logger.Debug("subscribed to topic", "topic", topic)
	return s, nil
}

func (s *busSub) run() {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.queue:
			s.handler(data)
			s.bus.delivered.Add(1)
		}
	}
}

// Close implements Subscription.
func (s *busSub) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.bus.remove(s)
	})
	return nil
}

func (b *Bus) remove(s *busSub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[s.topic]
	for i, other := range list {
		if other == s {
			b.subs[s.topic] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[s.topic]) == 0 {
		delete(b.subs, s.topic)
	}
}

// Close stops every subscription and rejects further publishes.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*busSub
	for _, list := range b.subs {
		all = append(all, list...)
	}
	b.mu.Unlock()

	for _, s := range all {
		s.once.Do(func() { close(s.done) })
	}
	return nil
}

// Stats returns bus statistics.
func (b *Bus) Stats() BusStats {
	return BusStats{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}

// BusStats contains bus statistics.
type BusStats struct {
	Published int64 `json:"published"`
	Delivered int64 `json:"delivered"`
}

var _ Transport = (*Bus)(nil)
