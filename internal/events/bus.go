// Package events is the in-process publish/subscribe bus that decouples
// the dispatcher from whatever presentation layer is listening. Handlers
// run in registration order; a failing handler never stops its siblings.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler receives the payload published with the event. A returned
// error (or a panic) is reported and isolated; it does not abort the
// remaining handlers.
type Handler func(data any) error

type subscription struct {
	id      string
	handler Handler
	once    bool
	fired   bool
}

// Bus fans events out to ordered subscriber lists, one list per event
// name. Safe for concurrent use.
type Bus struct {
	mu   sync.Mutex
	subs map[string][]*subscription
	log  *zap.Logger
}

// NewBus returns an empty bus. A nil logger is replaced with a no-op.
func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{subs: make(map[string][]*subscription), log: log}
}

// Subscribe registers handler for every future emission of name, in
// registration order. The returned unsubscribe func is idempotent.
func (b *Bus) Subscribe(name string, h Handler) (unsubscribe func()) {
	return b.add(name, h, false)
}

// SubscribeOnce registers handler for the next emission of name only.
// The handler is removed after it fires, even if it fails.
func (b *Bus) SubscribeOnce(name string, h Handler) (unsubscribe func()) {
	return b.add(name, h, true)
}

func (b *Bus) add(name string, h Handler, once bool) func() {
	sub := &subscription{id: uuid.NewString(), handler: h, once: once}
	b.mu.Lock()
	b.subs[name] = append(b.subs[name], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.remove(name, sub.id)
	}
}

// remove deletes the subscription with the given id. Caller holds b.mu.
func (b *Bus) remove(name, id string) {
	list := b.subs[name]
	for i, s := range list {
		if s.id == id {
			b.subs[name] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// snapshot returns the handlers to run for one emission pass, marking
// once-handlers as fired so re-entrant emits cannot run them twice.
func (b *Bus) snapshot(name string) []*subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[name]
	out := make([]*subscription, 0, len(list))
	for _, s := range list {
		if s.once && s.fired {
			continue
		}
		if s.once {
			s.fired = true
		}
		out = append(out, s)
	}
	return out
}

// prune drops fired once-handlers after an emission pass completes.
func (b *Bus) prune(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[name]
	kept := make([]*subscription, 0, len(list))
	for _, s := range list {
		if !(s.once && s.fired) {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(b.subs, name)
	} else {
		b.subs[name] = kept
	}
}

// Emit invokes every currently registered handler for name
// synchronously, in registration order. Handler errors and panics are
// logged and do not stop the pass. Once-handlers are pruned only after
// the whole pass completes.
func (b *Bus) Emit(name string, data any) {
	for _, s := range b.snapshot(name) {
		if err := b.invoke(s, data); err != nil {
			b.log.Warn("event handler failed", zap.String("event", name), zap.Error(err))
		}
	}
	b.prune(name)
}

// EmitAndWait runs the same ordered fan-out as Emit but lets handlers
// block; it returns once every handler has settled, with their failures
// joined. No handler's failure aborts another. Cancellation is honored
// between handlers; a handler already running is not interrupted.
func (b *Bus) EmitAndWait(ctx context.Context, name string, data any) error {
	subs := b.snapshot(name)
	defer b.prune(name)

	var errs []error
	for _, s := range subs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := b.invoke(s, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Bus) invoke(s *subscription, data any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler(data)
}

// UnsubscribeAll drops every handler registered for name.
func (b *Bus) UnsubscribeAll(name string) {
	b.mu.Lock()
	delete(b.subs, name)
	b.mu.Unlock()
}

// Reset drops every handler on the bus.
func (b *Bus) Reset() {
	b.mu.Lock()
	b.subs = make(map[string][]*subscription)
	b.mu.Unlock()
}

// SubscriberCount reports the live subscriptions for name.
func (b *Bus) SubscriberCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[name])
}

var (
	defaultMu  sync.Mutex
	defaultBus *Bus
)

// Default returns the process-wide bus, constructing it on first use.
// Components that can take an explicit bus should; Default exists for
// embedders that want zero wiring.
func Default() *Bus {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultBus == nil {
		defaultBus = NewBus(nil)
	}
	return defaultBus
}

// ResetDefault discards the process-wide bus so the next Default call
// builds a fresh one. Test isolation hook.
func ResetDefault() {
	defaultMu.Lock()
	defaultBus = nil
	defaultMu.Unlock()
}
