// Package events is an in-process bus announcing changes to persisted
// entities, so caches can be invalidated next to the write that made them
// stale.
package events

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/chirpline/newsfeed/logger"
)

// Kind names the entity that changed.
type Kind string

const (
	KindUser    Kind = "user"
	KindProfile Kind = "profile"
	KindPost    Kind = "post"
	KindComment Kind = "comment"
	// KindFollow events carry the follower id, whose followings changed.
	KindFollow Kind = "follow"
)

type Op string

const (
	OpCreated Op = "created"
	OpUpdated Op = "updated"
	OpDeleted Op = "deleted"
)

// EntityChanged is published after a write has been committed.
type EntityChanged struct {
	Kind Kind
	ID   int64
	Op   Op
}

func (e EntityChanged) String() string {
	return fmt.Sprintf("%s:%d %s", e.Kind, e.ID, e.Op)
}

// Handler receives an event. Handlers run synchronously on the publishing
// goroutine and must not block.
type Handler func(ctx context.Context, ev EntityChanged)

// Publisher is what writers depend on.
type Publisher interface {
	Publish(ctx context.Context, ev EntityChanged)
}

// Subscriber stops a subscription.
type Subscriber interface {
	Close() error
}

type subscription struct {
	id      uint64
	handler Handler
}

// Bus fans events out to the handlers subscribed to their kind.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Kind][]subscription
	nextID uint64
	logger logger.Logger
}

var _ Publisher = (*Bus)(nil)

func NewBus(log logger.Logger) *Bus {
	return &Bus{
		subs:   make(map[Kind][]subscription),
		logger: log.With(map[string]interface{}{"component": "events"}),
	}
}

type busSubscriber struct {
	bus  *Bus
	kind Kind
	id   uint64
	once sync.Once
}

func (s *busSubscriber) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		subs := s.bus.subs[s.kind]
		for i, sub := range subs {
			if sub.id == s.id {
				s.bus.subs[s.kind] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	})
	return nil
}

// Subscribe registers h for events of kind.
func (b *Bus) Subscribe(kind Kind, h Handler) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[kind] = append(b.subs[kind], subscription{id: b.nextID, handler: h})
	return &busSubscriber{bus: b, kind: kind, id: b.nextID}
}

// Publish delivers ev to every handler of its kind in subscription order.
// A panicking handler is logged and does not stop the others.
func (b *Bus) Publish(ctx context.Context, ev EntityChanged) {
	b.mu.RLock()
	subs := b.subs[ev.Kind]
	b.mu.RUnlock()
	for _, sub := range subs {
		b.dispatch(ctx, sub.handler, ev)
	}
}

func (b *Bus) dispatch(ctx context.Context, h Handler, ev EntityChanged) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler for %s panicked: %v\n%s", ev, r, debug.Stack())
		}
	}()
	h(ctx, ev)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, EntityChanged) {}
