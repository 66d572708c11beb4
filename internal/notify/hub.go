// Package notify fans committed change notifications out to observers of a pot.
package notify

import (
	"context"
	"sync"
	"time"
)

const (
	defaultBufferSize      = 16
	defaultDeliveryTimeout = 5 * time.Second
)

// Hub delivers events to the subscribers of a pot. Unlike a lossy broadcaster,
// Publish waits for every current subscriber, so each observer sees each event
// exactly once and in publication order. A subscriber that does not accept an
// event within the delivery timeout is evicted and its stream closed; it must
// resubscribe and resync.
type Hub[T any] struct {
	mu              sync.RWMutex
	publishMu       sync.Mutex
	subscribers     map[string]map[int64]*subscriber[T]
	nextID          int64
	bufferSize      int
	deliveryTimeout time.Duration
}

type subscriber[T any] struct {
	id       int64
	stream   chan T
	done     chan struct{}
	doneOnce sync.Once
}

func (s *subscriber[T]) stop() {
	s.doneOnce.Do(func() {
		close(s.done)
	})
}

// NewHub constructs an empty hub with the default delivery timeout.
func NewHub[T any]() *Hub[T] {
	return newHubWithTimeout[T](defaultDeliveryTimeout)
}

// newHubWithTimeout constructs an empty hub that evicts subscribers which leave
// an event undelivered for longer than deliveryTimeout.
func newHubWithTimeout[T any](deliveryTimeout time.Duration) *Hub[T] {
	if deliveryTimeout <= 0 {
		deliveryTimeout = defaultDeliveryTimeout
	}
	return &Hub[T]{
		subscribers:     make(map[string]map[int64]*subscriber[T]),
		bufferSize:      defaultBufferSize,
		deliveryTimeout: deliveryTimeout,
	}
}

// Subscribe registers an observer of potID until ctx ends or cancel is called.
// The stream is closed only when the hub evicts the observer for falling
// behind; callers select on ctx alongside it.
func (h *Hub[T]) Subscribe(ctx context.Context, potID string) (<-chan T, func()) {
	if potID == "" {
		ch := make(chan T)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber[T]{
		id:     h.nextSequence(),
		stream: make(chan T, h.bufferSize),
		done:   make(chan struct{}),
	}
	h.register(potID, sub)
	cleanup := func() {
		h.unregister(potID, sub)
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-sub.done:
		}
	}()
	return sub.stream, cleanup
}

// Publish delivers event to every subscriber of potID. A subscriber that stays
// full for the delivery timeout is evicted so one stalled observer cannot hold
// up the publisher. Publish returns early only when ctx ends.
func (h *Hub[T]) Publish(ctx context.Context, potID string, event T) error {
	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	h.mu.RLock()
	current := h.subscribers[potID]
	copies := make([]*subscriber[T], 0, len(current))
	for _, sub := range current {
		copies = append(copies, sub)
	}
	h.mu.RUnlock()

	for _, sub := range copies {
		select {
		case sub.stream <- event:
			continue
		case <-sub.done:
			continue
		default:
		}
		timer := time.NewTimer(h.deliveryTimeout)
		select {
		case sub.stream <- event:
		case <-sub.done:
		case <-timer.C:
			h.evict(potID, sub)
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		timer.Stop()
	}
	return nil
}

// evict drops a subscriber that fell behind. Only Publish sends on streams and
// it holds publishMu here, so closing the stream cannot race a send.
func (h *Hub[T]) evict(potID string, sub *subscriber[T]) {
	h.unregister(potID, sub)
	close(sub.stream)
}

// Subscribers reports how many observers potID currently has.
func (h *Hub[T]) Subscribers(potID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[potID])
}

func (h *Hub[T]) nextSequence() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	return h.nextID
}

func (h *Hub[T]) register(potID string, sub *subscriber[T]) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[potID]; !ok {
		h.subscribers[potID] = make(map[int64]*subscriber[T])
	}
	h.subscribers[potID][sub.id] = sub
}

func (h *Hub[T]) unregister(potID string, sub *subscriber[T]) {
	h.mu.Lock()
	subscribers := h.subscribers[potID]
	if subscribers != nil {
		delete(subscribers, sub.id)
		if len(subscribers) == 0 {
			delete(h.subscribers, potID)
		}
	}
	h.mu.Unlock()
	sub.stop()
}
