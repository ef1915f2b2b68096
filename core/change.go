// Package core provides the fundamental building blocks of the tally ORM core.
// This file defines the change-notification mechanism: every committed
// instance-level save or delete produces exactly one ChangeEvent, delivered
// synchronously to the handlers subscribed to that schema.
package core

import (
	"context"
	"sync"
)

// ChangeEvent carries the before/after state of a single save or delete
// operation on a record.
//
// Doc is the record's state after the operation. Old is the state before the
// operation, and is nil exactly when WasPersisted is false. The two booleans
// describe the record's persistence status around the operation:
//
//	fresh insert: WasPersisted=false, IsPersisted=true
//	update:       WasPersisted=true,  IsPersisted=true
//	delete:       WasPersisted=true,  IsPersisted=false
//
// A ChangeEvent is ephemeral: it is consumed by the subscribed handlers
// during the triggering operation and never stored.
type ChangeEvent struct {
	Schema       *SchemaCore
	Doc          any
	Old          any
	WasPersisted bool
	IsPersisted  bool
}

// ChangeHandler is the callback signature for change subscribers.
//
// Handlers run synchronously in the goroutine that performed the persistence
// operation; a returned error aborts delivery and propagates to the caller of
// the triggering save/delete.
type ChangeHandler func(ctx context.Context, event *ChangeEvent) error

// ChangeBus routes change events to handlers subscribed per schema.
//
// The bus is an explicit value owned by the application's startup routine;
// there is no package-level bus. Subscription is permanent: the bus offers no
// unsubscribe path.
type ChangeBus struct {
	mutex       sync.RWMutex
	handlerList map[string][]ChangeHandler // keyed by schema collection
}

// NewChangeBus creates an empty ChangeBus.
func NewChangeBus() *ChangeBus {
	return &ChangeBus{handlerList: make(map[string][]ChangeHandler)}
}

// Subscribe registers a handler for change events on the given schema.
//
// Subscribing the same handler twice yields two deliveries per event; the bus
// does not deduplicate.
func (b *ChangeBus) Subscribe(schema *SchemaCore, handler ChangeHandler) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.handlerList[schema.Collection] = append(b.handlerList[schema.Collection], handler)
}

// Publish delivers the event to every handler subscribed to its schema, in
// registration order, in the calling goroutine.
//
// The first handler error stops delivery and is returned; later handlers are
// not invoked.
func (b *ChangeBus) Publish(ctx context.Context, event *ChangeEvent) error {
	b.mutex.RLock()
	handlers := b.handlerList[event.Schema.Collection]
	b.mutex.RUnlock()

	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			return err
		}
	}
	return nil
}
