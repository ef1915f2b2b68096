// Package counter maintains denormalized counter columns on parent records.
//
// A Binding keeps one counter column on a parent schema equal, at quiescence,
// to the number of qualifying child records referencing that parent. Instead
// of computing COUNT(*) on demand, the binding reacts to the child schema's
// change events and applies signed relative adjustments to the parent row.
package counter

import (
	"context"
	"errors"
	"fmt"

	"github.com/leandroluk/tally/core"
)

// Configuration errors, raised at binding construction and never at runtime
// thereafter.
var (
	// ErrNotReference is returned when the named reference does not resolve to
	// a direct or polymorphic foreign reference on the child schema.
	ErrNotReference = errors.New("counter: not a direct or polymorphic foreign reference")
	// ErrParentRequired is returned when a polymorphic reference is bound
	// without an explicit parent schema. The parent of a polymorphic reference
	// is only known at runtime, so it cannot be inferred at binding time.
	ErrParentRequired = errors.New("counter: polymorphic reference requires an explicit parent schema")
	// ErrNotCounterField is returned when the named column is absent from the
	// parent schema or is not declared with the Counter field option.
	ErrNotCounterField = errors.New("counter: column is not a declared counter field on the parent schema")
)

// Def declares a binding between a counter column on a parent schema and a
// reference on a child schema C.
//
// Counter names the counter column on the parent; the parent must declare it
// with core.Counter(). Reference names a reference registered on the child
// schema via core.AddReference. Qualify optionally restricts which child
// instances are counted; a nil Qualify counts every persisted child. It must
// be a pure function of the child's state and should not concern itself with
// whether the child is deleted. Parent supplies the parent schema explicitly
// and is required exactly when the reference is polymorphic.
type Def[C any] struct {
	Counter   string
	Child     *core.SchemaMeta[C]
	Reference string
	Qualify   func(*C) bool
	Parent    *core.SchemaCore
}

// Binding associates one counter column on a parent schema with one reference
// on a child schema, plus a qualification predicate.
//
// A Binding is created once at application startup and never mutated after
// construction. It owns its subscription to the child schema's change events;
// it does not own parent or child record instances.
type Binding struct {
	driver        core.Driver
	counterColumn string
	referenceName string
	parentSchema  *core.SchemaCore
	childSchema   *core.SchemaCore
	foreignField  *core.Field    // field on the child holding the parent id
	parentKey     string         // column on the parent the foreign key matches
	qualifies     func(any) bool // nil means every instance qualifies
}

// New validates def and constructs a Binding.
//
// Construction is pure: the binding is not subscribed to any change bus until
// Attach is called, so bindings can be built and inspected in tests without
// live subscriptions.
//
// For a direct reference the parent schema is inferred from the reference
// declaration (an explicit Parent overrides it). For a polymorphic reference
// the caller must supply Parent, and the concrete foreign-key field is
// resolved by name on the child schema. New confirms that the counter column
// is declared as a counter field on the parent, catching misconfiguration at
// startup rather than at first counter update.
func New[C any](driver core.Driver, def Def[C]) (*Binding, error) {
	ref := def.Child.FindReference(def.Reference)
	if ref == nil {
		return nil, fmt.Errorf("%w: %q on schema %q", ErrNotReference, def.Reference, def.Child.Collection)
	}

	binding := &Binding{
		driver:        driver,
		counterColumn: def.Counter,
		referenceName: def.Reference,
		childSchema:   &def.Child.SchemaCore,
	}

	switch ref.Kind {
	case core.DirectReference:
		binding.parentSchema = ref.RefSchema
		if def.Parent != nil {
			binding.parentSchema = def.Parent
		}
		binding.parentKey = ref.RefKeyColumn
	case core.PolymorphicReference:
		if def.Parent == nil {
			return nil, fmt.Errorf("%w: reference %q on schema %q", ErrParentRequired, def.Reference, def.Child.Collection)
		}
		binding.parentSchema = def.Parent
	default:
		return nil, fmt.Errorf("%w: reference %q on schema %q has kind %d", ErrNotReference, def.Reference, def.Child.Collection, ref.Kind)
	}

	binding.foreignField = def.Child.FieldByName(ref.FieldName)
	if binding.foreignField == nil {
		return nil, fmt.Errorf("%w: reference %q names undeclared field %q on schema %q",
			ErrNotReference, def.Reference, ref.FieldName, def.Child.Collection)
	}

	if binding.parentKey == "" {
		pk := binding.parentSchema.PrimaryKey()
		if pk == nil {
			return nil, fmt.Errorf("counter: parent schema %q declares no primary key", binding.parentSchema.Collection)
		}
		binding.parentKey = pk.DatabaseColumnName
	}

	counterField := binding.parentSchema.FieldByColumn(def.Counter)
	if counterField == nil || !counterField.IsCounter {
		return nil, fmt.Errorf("%w: %q on schema %q", ErrNotCounterField, def.Counter, binding.parentSchema.Collection)
	}

	if def.Qualify != nil {
		qualify := def.Qualify
		binding.qualifies = func(instance any) bool {
			child, ok := instance.(*C)
			if !ok {
				return false
			}
			return qualify(child)
		}
	}

	return binding, nil
}

// Attach subscribes the binding to the child schema's change events on the
// given bus. Registration is permanent for the binding's lifetime; there is
// no unsubscribe path.
func (b *Binding) Attach(bus *core.ChangeBus) {
	bus.Subscribe(b.childSchema, b.ReceiveChange)
}

// Key returns the composite coordinates identifying this binding.
func (b *Binding) Key() Key {
	return Key{
		Parent:    b.parentSchema.Collection,
		Child:     b.childSchema.Collection,
		Reference: b.referenceName,
		Counter:   b.counterColumn,
	}
}

// ReceiveChange reacts to one child save/delete event, adjusting the
// underlying counter based on whether the child was/is in the counter.
//
// Let wasInCounter be "the child was persisted before the operation and its
// prior state qualified", isInCounter the same for the state after the
// operation, and parentChanged whether the resolved parent id differs between
// the two states (false when there is no prior state). Then:
//
//   - isInCounter && (parentChanged || !wasInCounter): +1 to the parent of the
//     new state;
//   - wasInCounter && parentChanged: -1 to the parent of the old state;
//   - wasInCounter && !parentChanged && !isInCounter: -1 to the parent.
//
// A reparent of a qualifying child therefore fires two independent
// adjustments against two different parents; in every other case at most one
// branch fires. Any storage error propagates unchanged to the caller of the
// triggering save/delete.
func (b *Binding) ReceiveChange(ctx context.Context, event *core.ChangeEvent) error {
	old := event.Old

	parentChanged := event.WasPersisted && b.parentID(old) != b.parentID(event.Doc)
	wasInCounter := event.WasPersisted && b.qualified(old)
	isInCounter := event.IsPersisted && b.qualified(event.Doc)

	if isInCounter && (parentChanged || !wasInCounter) {
		if err := b.adjust(ctx, event.Doc, 1); err != nil {
			return err
		}
	}

	if wasInCounter {
		if parentChanged {
			return b.adjust(ctx, old, -1)
		}
		if !isInCounter {
			return b.adjust(ctx, event.Doc, -1)
		}
	}
	return nil
}

// qualified reports whether the given child instance should be counted.
// Absence of a predicate means every instance qualifies.
func (b *Binding) qualified(instance any) bool {
	if b.qualifies == nil {
		return true
	}
	return b.qualifies(instance)
}

// parentID returns the id of the parent that includes the given child
// instance in its counter, read from the child's foreign-key field.
func (b *Binding) parentID(child any) any {
	if child == nil {
		return nil
	}
	return core.FieldValue(child, b.foreignField.StructFieldName)
}

// adjust applies a relative adjustment to the counter on the parent row
// referenced by child. Pass a negative delta to decrement.
//
// The adjustment is a single conditional update targeting the parent row by
// key, expressed as counter = counter + delta; the storage engine performs
// the read-modify-write, so concurrent adjustments against the same parent
// do not lose updates. Matching zero rows (the parent is already gone) is
// not an error. A child without a parent id adjusts nothing.
func (b *Binding) adjust(ctx context.Context, child any, delta int64) error {
	parentID := b.parentID(child)
	if parentID == nil {
		return nil
	}
	condition := (&core.Condition{FieldName: b.parentKey}).Eq(parentID)
	_, err := b.driver.Update(ctx, b.parentSchema, condition, core.Changes{
		b.counterColumn: core.Delta(delta),
	})
	return err
}
