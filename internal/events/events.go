// Package events carries execution lifecycle notifications from the
// supervisor to any number of subscribers: the websocket hub, the log and
// optionally a Kafka topic.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/runwarden/runwarden/internal/model"
)

type Kind string

const (
	KindStart    Kind = "start"
	KindProgress Kind = "progress"
	KindComplete Kind = "complete"
	KindError    Kind = "error"
)

// Event is a snapshot of an execution at a status transition. For progress
// events Line holds the output line that triggered it.
type Event struct {
	Kind      Kind                  `json:"kind"`
	Result    model.ExecutionResult `json:"result"`
	Line      string                `json:"line,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

// Terminal reports whether e is the last event of an execution.
func (e Event) Terminal() bool {
	return e.Kind == KindComplete || e.Kind == KindError
}

type Subscriber interface {
	HandleEvent(ctx context.Context, e Event)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, e Event)

func (f SubscriberFunc) HandleEvent(ctx context.Context, e Event) { f(ctx, e) }

type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Bus delivers every published event to all subscribers, synchronously and
// in subscription order.
type Bus struct {
	mx     sync.RWMutex
	nextID int
	subs   []subscription
}

type subscription struct {
	id  int
	sub Subscriber
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers s and returns a function removing it again.
func (b *Bus) Subscribe(s Subscriber) (unsubscribe func()) {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, sub: s})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mx.Lock()
			defer b.mx.Unlock()
			for i, x := range b.subs {
				if x.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (b *Bus) Publish(ctx context.Context, e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mx.RLock()
	subs := append([]subscription(nil), b.subs...)
	b.mx.RUnlock()

	for _, s := range subs {
		deliver(ctx, s.sub, e)
	}
}

func deliver(ctx context.Context, s Subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "event subscriber panicked", "kind", e.Kind, "executionId", e.Result.ExecutionID, "panic", r)
		}
	}()
	s.HandleEvent(ctx, e)
}

// LogSubscriber logs status transitions. Progress lines go to debug.
type LogSubscriber struct {
	Logger *slog.Logger
}

func (l LogSubscriber) HandleEvent(ctx context.Context, e Event) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		"kind", e.Kind,
		"executionId", e.Result.ExecutionID,
		"scriptId", e.Result.ScriptID,
		"status", e.Result.Status,
	}
	switch e.Kind {
	case KindProgress:
		logger.DebugContext(ctx, "execution progress", append(attrs, "line", e.Line)...)
	case KindError:
		logger.WarnContext(ctx, "execution finished", append(attrs, "error", e.Result.Error)...)
	default:
		logger.InfoContext(ctx, "execution "+string(e.Kind), attrs...)
	}
}
