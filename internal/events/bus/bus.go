// Package bus provides the in-process event bus used to fan bridge events out
// to observers (the webhook debug stream, tests) without coupling publishers
// to subscribers.
package bus

import (
	"context"
	"strings"
	"sync"

	"github.com/codexbridge/codexbridge/internal/events"
	"github.com/codexbridge/codexbridge/internal/common/logger"
	"go.uber.org/zap"
)

// EventHandler processes a delivered event
type EventHandler func(event *events.Event)

// Subscription is a handle that can cancel delivery
type Subscription interface {
	Unsubscribe()
}

// EventBus publishes events to matching subscribers. Subjects are dot-separated;
// a subscription subject ending in ".>" matches any deeper subject.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *events.Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
}

type subscriber struct {
	id      int
	subject string
	handler EventHandler
}

// InProcessBus is a single-process EventBus. Handlers run on the publisher's
// goroutine; they must not block.
type InProcessBus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool
	logger *logger.Logger
}

// NewInProcessBus creates an in-process event bus
func NewInProcessBus(log *logger.Logger) *InProcessBus {
	return &InProcessBus{
		subs:   make(map[int]*subscriber),
		logger: log.WithFields(zap.String("component", "event-bus")),
	}
}

// Publish delivers the event to every subscriber whose subject matches
func (b *InProcessBus) Publish(ctx context.Context, subject string, event *events.Event) error {
	b.mu.RLock()
	var matched []*subscriber
	for _, s := range b.subs {
		if subjectMatches(s.subject, subject) {
			matched = append(matched, s)
		}
	}
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return nil
	}

	event.Subject = subject
	for _, s := range matched {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panicked",
						zap.String("subject", subject),
						zap.Any("panic", r))
				}
			}()
			s.handler(event)
		}()
	}
	return nil
}

// Subscribe registers a handler for a subject pattern
func (b *InProcessBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &subscriber{id: b.nextID, subject: subject, handler: handler}
	b.subs[s.id] = s
	return &inProcessSubscription{bus: b, id: s.id}, nil
}

// Close drops all subscribers
func (b *InProcessBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[int]*subscriber)
}

type inProcessSubscription struct {
	bus *InProcessBus
	id  int
}

func (s *inProcessSubscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs, s.id)
}

// subjectMatches reports whether a subscription pattern matches a concrete
// subject. "a.b.>" matches "a.b.c" and "a.b.c.d"; otherwise exact match.
func subjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	if strings.HasSuffix(pattern, ".>") {
		return strings.HasPrefix(subject, strings.TrimSuffix(pattern, ">"))
	}
	if pattern == ">" {
		return true
	}
	return false
}
