package events

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Emitter is a synchronous in-process event source. Emit invokes every
// callback registered for the type, in registration order, before
// returning.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[Type][]Callback
	closed   bool
	log      *zap.Logger
}

// NewEmitter creates an Emitter with no subscribers.
func NewEmitter(log *zap.Logger) *Emitter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Emitter{
		handlers: make(map[Type][]Callback),
		log:      log.With(zap.String("component", "emitter")),
	}
}

// On registers cb for t.
func (e *Emitter) On(t Type, cb Callback) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return fmt.Errorf("events: emitter closed")
	}
	e.handlers[t] = append(e.handlers[t], cb)
	return nil
}

// Emit delivers one event. A panicking callback is logged and does not stop
// delivery to the others.
func (e *Emitter) Emit(ctx context.Context, t Type, p Payload) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return
	}
	handlers := append([]Callback(nil), e.handlers[t]...)
	e.mu.RUnlock()

	for _, cb := range handlers {
		e.invoke(ctx, cb, t, p)
	}
}

func (e *Emitter) invoke(ctx context.Context, cb Callback, t Type, p Payload) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("event callback panicked",
				zap.String("event_type", string(t)), zap.Any("panic", r))
		}
	}()
	cb(ctx, t, p)
}

// HandlerCount returns the number of registered callbacks.
func (e *Emitter) HandlerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	n := 0
	for _, hs := range e.handlers {
		n += len(hs)
	}
	return n
}

// Close stops delivery. Later Emit calls are dropped.
func (e *Emitter) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

var _ Source = (*Emitter)(nil)
