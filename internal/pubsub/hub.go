// Package pubsub implements the observer contract shared by all engine
// components: register a callback, get back an unsubscribe handle.
//
// Callbacks run synchronously inside the engine's dispatch step, so they
// must be fast and must not call back into the publishing component.
package pubsub

// Hub fans one value out to every registered subscriber.
type Hub[T any] struct {
	next int
	subs map[int]func(T)
}

// NewHub creates an empty hub.
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[int]func(T))}
}

// Subscribe registers fn and returns its unsubscribe handle. After the
// handle is called fn receives no further values; other subscribers are
// unaffected.
func (h *Hub[T]) Subscribe(fn func(T)) func() {
	id := h.next
	h.next++
	h.subs[id] = fn

	return func() {
		delete(h.subs, id)
	}
}

// Publish delivers v to every current subscriber.
func (h *Hub[T]) Publish(v T) {
	for _, fn := range h.subs {
		fn(v)
	}
}

// Len returns the number of active subscribers.
func (h *Hub[T]) Len() int {
	return len(h.subs)
}
