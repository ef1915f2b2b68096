// Package core provides the fundamental building blocks of the tally ORM core.
// This file defines the Model[T], which represents the entry point for working
// with a specific schema (entity). A Model handles persistence, queries,
// hooks, soft-deletes, and change notification.
package core

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// Model represents a repository-like abstraction for a schema T.
//
// It wraps a SchemaMeta[T], a Driver, and an optional ChangeBus, exposing
// high-level operations such as Create, Save, Remove, FindOne, FindMany, and
// Count. The instance-level write operations (Create, Save, Remove) each
// publish exactly one ChangeEvent carrying the record's before/after state,
// synchronously, after the storage call succeeds.
type Model[T any] struct {
	schema *SchemaMeta[T]
	driver Driver
	bus    *ChangeBus
}

// NewModel creates a new Model instance bound to a schema and driver.
//
// The bus may be nil, in which case write operations publish no change
// events.
//
// Example:
//
//	commentModel := core.NewModel(commentSchema, postgresDriver, bus)
func NewModel[T any](schema *SchemaMeta[T], driver Driver, bus *ChangeBus) *Model[T] {
	return &Model[T]{schema: schema, driver: driver, bus: bus}
}

// notify publishes a change event on the model's bus, if any.
func (m *Model[T]) notify(ctx context.Context, event *ChangeEvent) error {
	if m.bus == nil {
		return nil
	}
	return m.bus.Publish(ctx, event)
}

// withSoftDelete applies soft-delete filtering rules to a query.
// It automatically excludes deleted records unless WithDeleted or OnlyDeleted
// flags are set in the query options.
func (m *Model[T]) withSoftDelete(where *Where) *Where {
	if where == nil || m.schema.deletedAtField == nil {
		return where
	}
	eff := *where // shallow copy
	col := m.schema.deletedAtField.DatabaseColumnName

	if where.OnlyDeleted {
		eff.Condition = foldConditionsAnd(
			where.Condition,
			(&Condition{FieldName: col}).Nil().Not(),
		)
		return &eff
	}
	if !where.WithDeleted {
		eff.Condition = foldConditionsAnd(
			where.Condition,
			(&Condition{FieldName: col}).Nil(),
		)
	}
	return &eff
}

// runPre executes all registered PreHooks for the given operation.
func (m *Model[T]) runPre(hook PreHook, doc *T) error {
	if fnList, ok := m.schema.PreHookList[hook]; ok {
		for _, fn := range fnList {
			if err := fn(doc); err != nil {
				return err
			}
		}
	}
	return nil
}

// runPost executes all registered PostHooks for the given operation.
func (m *Model[T]) runPost(hook PostHook, doc *T) error {
	if fnList, ok := m.schema.PostHookList[hook]; ok {
		for _, fn := range fnList {
			if err := fn(doc); err != nil {
				return err
			}
		}
	}
	return nil
}

// pkCondition builds the primary-key equality condition for a value.
func (m *Model[T]) pkCondition(pkValue any) *Condition {
	return (&Condition{FieldName: m.schema.primaryKey.DatabaseColumnName}).Eq(pkValue)
}

// findRow loads the stored row for a primary key value, or nil when no row
// matches. When withDeleted is true, soft-deleted rows are included.
func (m *Model[T]) findRow(ctx context.Context, pkValue any, withDeleted bool) (map[string]any, error) {
	where := m.withSoftDelete(&Where{
		Condition:   m.pkCondition(pkValue),
		WithDeleted: withDeleted,
	})
	raw, err := m.driver.FindOne(ctx, &m.schema.SchemaCore, where)
	if err != nil || raw == nil {
		return nil, err
	}
	row, ok := raw.(map[string]any)
	if !ok {
		return nil, nil
	}
	return row, nil
}

// changesFor builds the Changes map for persisting doc's current state.
//
// Primary key and createdAt columns are never rewritten. deletedAt is managed
// by Remove/restore, and counter columns are owned by the counter layer, so
// both are skipped as well.
func (m *Model[T]) changesFor(doc *T) Changes {
	value := reflect.ValueOf(doc).Elem()
	changes := Changes{}
	for _, field := range m.schema.Fields {
		if field.IsPrimaryKey || field.IsCreatedAt || field.IsDeletedAt || field.IsCounter {
			continue
		}
		fv := value.FieldByName(field.StructFieldName)
		if !fv.IsValid() {
			continue
		}
		var v any
		if fv.Kind() == reflect.Pointer {
			if fv.IsNil() {
				v = nil
			} else {
				v = fv.Elem().Interface()
			}
		} else {
			v = fv.Interface()
		}
		changes[field.DatabaseColumnName] = v
	}
	return changes
}

// Create inserts a new entity into the database.
//
// It automatically sets createdAt and updatedAt fields (if defined in the
// schema), fills empty GeneratedID fields with a fresh UUIDv7, executes
// PreInsert hooks, performs the insert via the driver,
// executes PostInsert hooks, and publishes a ChangeEvent with
// WasPersisted=false and IsPersisted=true.
func (m *Model[T]) Create(ctx context.Context, doc *T) error {
	return dispatchOperation(ctx, OperationInsert, doc, func() error {
		now := time.Now()
		val := reflect.ValueOf(doc).Elem()

		if m.schema.createdAtField != nil {
			f := val.FieldByName(m.schema.createdAtField.StructFieldName)
			setTimeField(f, now)
		}
		if m.schema.updatedAtField != nil {
			f := val.FieldByName(m.schema.updatedAtField.StructFieldName)
			setTimeField(f, now)
		}
		for _, idField := range m.schema.generatedIDFields {
			f := val.FieldByName(idField.StructFieldName)
			if f.IsValid() && f.CanSet() && f.Kind() == reflect.String && f.String() == "" {
				f.SetString(uuid.Must(uuid.NewV7()).String())
			}
		}

		if err := m.runPre(PreInsert, doc); err != nil {
			return err
		}
		if err := m.driver.Insert(ctx, &m.schema.SchemaCore, doc); err != nil {
			return err
		}
		if err := m.runPost(PostInsert, doc); err != nil {
			return err
		}
		return m.notify(ctx, &ChangeEvent{
			Schema:       &m.schema.SchemaCore,
			Doc:          doc,
			WasPersisted: false,
			IsPersisted:  true,
		})
	})
}

// Save persists doc, inserting or updating depending on its stored state.
//
// When the primary key is zero or no row exists for it, Save behaves like
// Create. When a live row exists, Save loads it as the before-state, writes
// the new state, and publishes a ChangeEvent with WasPersisted=true,
// IsPersisted=true and Old populated from storage. When only a soft-deleted
// row exists, Save restores it (clearing deletedAt) and reports the change as
// a fresh insert, since the record had already left the persisted set.
func (m *Model[T]) Save(ctx context.Context, doc *T) error {
	pk := m.schema.primaryKey
	if pk == nil {
		return fmt.Errorf("core: schema %q has no primary key", m.schema.Collection)
	}
	pkValue := FieldValue(doc, pk.StructFieldName)
	if isZeroValue(pkValue) {
		return m.Create(ctx, doc)
	}

	row, err := m.findRow(ctx, pkValue, true)
	if err != nil {
		return err
	}
	if row == nil {
		return m.Create(ctx, doc)
	}

	old := new(T)
	if err := structFromRow(&m.schema.SchemaCore, row, old); err != nil {
		return err
	}

	restored := false
	if m.schema.deletedAtField != nil {
		if v := row[m.schema.deletedAtField.DatabaseColumnName]; v != nil {
			restored = true
		}
	}

	return dispatchOperation(ctx, OperationUpdate, doc, func() error {
		if m.schema.updatedAtField != nil {
			f := reflect.ValueOf(doc).Elem().FieldByName(m.schema.updatedAtField.StructFieldName)
			setTimeField(f, time.Now())
		}

		if err := m.runPre(PreUpdate, doc); err != nil {
			return err
		}

		changes := m.changesFor(doc)
		if restored {
			changes[m.schema.deletedAtField.DatabaseColumnName] = nil
		}
		if _, err := m.driver.Update(ctx, &m.schema.SchemaCore, m.pkCondition(pkValue), changes); err != nil {
			return err
		}

		if err := m.runPost(PostUpdate, doc); err != nil {
			return err
		}

		event := &ChangeEvent{
			Schema:       &m.schema.SchemaCore,
			Doc:          doc,
			Old:          old,
			WasPersisted: true,
			IsPersisted:  true,
		}
		if restored {
			event.Old = nil
			event.WasPersisted = false
		}
		return m.notify(ctx, event)
	})
}

// Remove deletes doc from the database.
//
// If soft-delete is enabled (deletedAt field exists), it sets the deletedAt
// timestamp instead of physically removing the record. Either way the record
// leaves the persisted set, so the published ChangeEvent carries
// WasPersisted=true and IsPersisted=false, with Old loaded from storage.
// Removing a record that has no live row is a no-op.
func (m *Model[T]) Remove(ctx context.Context, doc *T) error {
	pk := m.schema.primaryKey
	if pk == nil {
		return fmt.Errorf("core: schema %q has no primary key", m.schema.Collection)
	}
	pkValue := FieldValue(doc, pk.StructFieldName)
	if isZeroValue(pkValue) {
		return nil
	}

	row, err := m.findRow(ctx, pkValue, false)
	if err != nil {
		return err
	}
	if row == nil {
		return nil
	}

	old := new(T)
	if err := structFromRow(&m.schema.SchemaCore, row, old); err != nil {
		return err
	}

	return dispatchOperation(ctx, OperationDelete, doc, func() error {
		if err := m.runPre(PreDelete, doc); err != nil {
			return err
		}

		condition := m.pkCondition(pkValue)
		if m.schema.deletedAtField != nil {
			changes := Changes{m.schema.deletedAtField.DatabaseColumnName: time.Now()}
			if _, err := m.driver.Update(ctx, &m.schema.SchemaCore, condition, changes); err != nil {
				return err
			}
		} else {
			if err := m.driver.Delete(ctx, &m.schema.SchemaCore, condition); err != nil {
				return err
			}
		}

		if err := m.runPost(PostDelete, doc); err != nil {
			return err
		}

		return m.notify(ctx, &ChangeEvent{
			Schema:       &m.schema.SchemaCore,
			Doc:          doc,
			Old:          old,
			WasPersisted: true,
			IsPersisted:  false,
		})
	})
}

// Update applies changes to all entities matching a condition, returning the
// number of affected rows.
//
// It automatically updates the updatedAt field (if defined in the schema).
// Bulk updates operate on the storage directly and bypass change
// notification; per-record reactions only fire for instance-level writes.
func (m *Model[T]) Update(ctx context.Context, condition *Condition, changes Changes) (int64, error) {
	var affected int64
	err := dispatchOperation(ctx, OperationUpdate, changes, func() error {
		if m.schema.updatedAtField != nil {
			changes[m.schema.updatedAtField.DatabaseColumnName] = time.Now()
		}
		var err error
		affected, err = m.driver.Update(ctx, &m.schema.SchemaCore, condition, changes)
		return err
	})
	return affected, err
}

// Delete removes all entities matching a condition.
//
// If soft-delete is enabled (deletedAt field exists), it sets the deletedAt
// timestamp instead of physically removing the records. Like Update, bulk
// deletion bypasses change notification.
func (m *Model[T]) Delete(ctx context.Context, condition *Condition) error {
	return dispatchOperation(ctx, OperationDelete, condition, func() error {
		if m.schema.deletedAtField != nil {
			changes := Changes{m.schema.deletedAtField.DatabaseColumnName: time.Now()}
			_, err := m.driver.Update(ctx, &m.schema.SchemaCore, condition, changes)
			return err
		}
		return m.driver.Delete(ctx, &m.schema.SchemaCore, condition)
	})
}

// FindOne retrieves a single entity matching the query.
//
// It executes PreFind hooks, applies soft-delete rules, executes the driver
// query, maps the result to the struct, and executes PostFind hooks. Returns
// nil when no row matches.
func (m *Model[T]) FindOne(ctx context.Context, qb *Query[T]) (*T, error) {
	var zero T
	_ = m.runPre(PreFind, &zero)

	where := m.withSoftDelete(qb.where)

	var result *T
	err := dispatchOperation(ctx, OperationFind, qb, func() error {
		raw, err := m.driver.FindOne(ctx, &m.schema.SchemaCore, where)
		if err != nil || raw == nil {
			return err
		}
		row, ok := raw.(map[string]any)
		if !ok {
			return nil
		}
		value := new(T)
		if err := structFromRow(&m.schema.SchemaCore, row, value); err != nil {
			return err
		}
		_ = m.runPost(PostFind, value)
		result = value
		return nil
	})
	return result, err
}

// FindMany retrieves all entities matching the query.
//
// It executes PreFind hooks, applies soft-delete rules, executes the driver
// query, maps the results to structs, and executes PostFind hooks per row.
func (m *Model[T]) FindMany(ctx context.Context, qb *Query[T]) ([]T, error) {
	var zero T
	_ = m.runPre(PreFind, &zero)

	where := m.withSoftDelete(qb.where)

	var results []T
	err := dispatchOperation(ctx, OperationFind, qb, func() error {
		raw, err := m.driver.FindMany(ctx, &m.schema.SchemaCore, where)
		if err != nil || raw == nil {
			return err
		}
		rows, ok := raw.([]map[string]any)
		if !ok {
			return nil
		}
		for _, row := range rows {
			value := new(T)
			if err := structFromRow(&m.schema.SchemaCore, row, value); err != nil {
				return err
			}
			_ = m.runPost(PostFind, value)
			results = append(results, *value)
		}
		return nil
	})
	return results, err
}

// Count returns the number of entities matching the query.
//
// It applies soft-delete rules automatically and delegates counting to the driver.
func (m *Model[T]) Count(ctx context.Context, qb *Query[T]) (int64, error) {
	where := m.withSoftDelete(qb.where)
	var count int64
	err := dispatchOperation(ctx, OperationFind, qb, func() error {
		var err error
		count, err = m.driver.Count(ctx, &m.schema.SchemaCore, where.Condition)
		return err
	})
	return count, err
}
