// Package event provides an ordered, asynchronous publish/subscribe bus.
//
// Events are delivered by a single dispatcher goroutine in the order they
// were published. Publishing never blocks on subscribers, so a publisher may
// enqueue while holding its own locks; handlers always run outside them.
package event

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/pathtiles/server/internal/logging"
)

var (
	// ErrBusClosed is returned when publishing to a closed bus.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrNilHandler is returned when a nil handler is provided.
	ErrNilHandler = errors.New("handler cannot be nil")
)

// Handler receives events.
type Handler[E any] func(E)

// PanicHandler is called when a handler panics.
type PanicHandler[E any] func(event E, subscriber string, recovered any)

// Stats is a snapshot of bus counters.
type Stats struct {
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	Panics      uint64 `json:"panics"`
	Pending     int    `json:"pending"`
	Subscribers int    `json:"subscribers"`
}

type envelope[E any] struct {
	seq   uint64
	event E
}

type subscriber[E any] struct {
	id      uint64
	name    string
	handler Handler[E]
	filter  func(E) bool
	active  atomic.Bool
}

// Bus is an ordered event bus for events of type E.
type Bus[E any] struct {
	mu       sync.Mutex
	queue    []envelope[E]
	subs     map[uint64]*subscriber[E]
	nextID   uint64
	seq      uint64
	closed   bool
	progress chan struct{}

	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}

	processed atomic.Uint64
	delivered atomic.Uint64
	panics    atomic.Uint64

	onPanic PanicHandler[E]
}

// BusOption configures a Bus.
type BusOption[E any] func(*Bus[E])

// WithPanicHandler sets the function called when a handler panics.
func WithPanicHandler[E any](h PanicHandler[E]) BusOption[E] {
	return func(b *Bus[E]) { b.onPanic = h }
}

// NewBus creates a bus and starts its dispatcher.
func NewBus[E any](opts ...BusOption[E]) *Bus[E] {
	b := &Bus[E]{
		subs:     make(map[uint64]*subscriber[E]),
		progress: make(chan struct{}),
		notify:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.onPanic == nil {
		b.onPanic = func(_ E, name string, recovered any) {
			logging.Logger().Error("event handler panicked", "subscriber", name, "panic", recovered)
		}
	}
	go b.run()
	return b
}

// SubscribeOption configures a subscription.
type SubscribeOption[E any] func(*subscriber[E])

// WithFilter delivers only events for which f returns true.
func WithFilter[E any](f func(E) bool) SubscribeOption[E] {
	return func(s *subscriber[E]) { s.filter = f }
}

// WithName labels the subscriber in logs and panic reports.
func WithName[E any](name string) SubscribeOption[E] {
	return func(s *subscriber[E]) { s.name = name }
}

// Subscription is a handle returned by Subscribe.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Cancel stops delivery to the subscriber. Events already being delivered
// may still arrive. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// Subscribe registers a handler for events published from now on.
func (b *Bus[E]) Subscribe(h Handler[E], opts ...SubscribeOption[E]) (*Subscription, error) {
	if h == nil {
		return nil, ErrNilHandler
	}
	sub := &subscriber[E]{handler: h}
	for _, opt := range opts {
		opt(sub)
	}
	sub.active.Store(true)

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()

	return &Subscription{cancel: func() {
		sub.active.Store(false)
		b.mu.Lock()
		delete(b.subs, sub.id)
		b.mu.Unlock()
	}}, nil
}

// Publish enqueues an event. It never blocks on subscribers.
func (b *Bus[E]) Publish(e E) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	b.seq++
	b.queue = append(b.queue, envelope[E]{seq: b.seq, event: e})
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

// Flush waits until every event published before the call was delivered.
func (b *Bus[E]) Flush(ctx context.Context) error {
	b.mu.Lock()
	target := b.seq
	b.mu.Unlock()
	for {
		b.mu.Lock()
		if b.processed.Load() >= target {
			b.mu.Unlock()
			return nil
		}
		ch := b.progress
		b.mu.Unlock()

		select {
		case <-ch:
		case <-b.done:
			if b.processed.Load() >= target {
				return nil
			}
			return ErrBusClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops accepting events, delivers what is queued and stops the
// dispatcher.
func (b *Bus[E]) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	close(b.stop)

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the bus counters.
func (b *Bus[E]) Stats() Stats {
	b.mu.Lock()
	pending, subs, published := len(b.queue), len(b.subs), b.seq
	b.mu.Unlock()
	return Stats{
		Published:   published,
		Delivered:   b.delivered.Load(),
		Panics:      b.panics.Load(),
		Pending:     pending,
		Subscribers: subs,
	}
}

func (b *Bus[E]) run() {
	defer close(b.done)
	for {
		select {
		case <-b.notify:
			b.drain()
		case <-b.stop:
			b.drain()
			return
		}
	}
}

func (b *Bus[E]) drain() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		batch := b.queue
		b.queue = nil
		subs := make([]*subscriber[E], 0, len(b.subs))
		for _, s := range b.subs {
			subs = append(subs, s)
		}
		b.mu.Unlock()

		sortSubscribers(subs)
		for _, env := range batch {
			for _, s := range subs {
				if s.active.Load() {
					b.deliver(s, env.event)
				}
			}
			b.processed.Store(env.seq)
		}

		b.mu.Lock()
		close(b.progress)
		b.progress = make(chan struct{})
		b.mu.Unlock()
	}
}

func (b *Bus[E]) deliver(s *subscriber[E], e E) {
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			b.onPanic(e, s.name, r)
		}
	}()
	if s.filter != nil && !s.filter(e) {
		return
	}
	s.handler(e)
	b.delivered.Add(1)
}

// subscribers are served in registration order
func sortSubscribers[E any](subs []*subscriber[E]) {
	slices.SortFunc(subs, func(a, b *subscriber[E]) int { return cmp.Compare(a.id, b.id) })
}
