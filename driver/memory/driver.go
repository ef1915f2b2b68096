// Package memory provides an in-memory implementation of core.Driver.
//
// It keeps rows as map snapshots per collection, guarded by a mutex. It is
// intended for tests and local development, not for production storage:
// transactions are accepted but not isolated, and LIKE matching supports
// only the % wildcard.
package memory

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/leandroluk/tally/core"
)

// MemoryDriver implements core.Driver over in-process maps.
type MemoryDriver struct {
	mutex       sync.RWMutex
	collections map[string][]map[string]any
}

var _ core.Driver = (*MemoryDriver)(nil)

// NewMemoryDriver creates an empty in-memory driver.
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{collections: map[string][]map[string]any{}}
}

// Connect is a no-op.
func (driver *MemoryDriver) Connect(ctx context.Context) error { return nil }

// Ping is a no-op.
func (driver *MemoryDriver) Ping(ctx context.Context) error { return nil }

// Close discards all stored rows.
func (driver *MemoryDriver) Close(ctx context.Context) error {
	driver.mutex.Lock()
	defer driver.mutex.Unlock()
	driver.collections = map[string][]map[string]any{}
	return nil
}

// Transaction returns a no-op transaction. Writes are applied immediately.
func (driver *MemoryDriver) Transaction(ctx context.Context) (core.Transaction, error) {
	return memoryTransaction{}, nil
}

type memoryTransaction struct{}

func (memoryTransaction) Commit(ctx context.Context) error   { return nil }
func (memoryTransaction) Rollback(ctx context.Context) error { return nil }

// Insert stores one row per document. Struct documents are flattened into a
// column map using the schema's field definitions.
func (driver *MemoryDriver) Insert(ctx context.Context, schema *core.SchemaCore, documents ...any) error {
	driver.mutex.Lock()
	defer driver.mutex.Unlock()

	for _, doc := range documents {
		row, err := rowFromDocument(schema, doc)
		if err != nil {
			return err
		}
		driver.collections[schema.Collection] = append(driver.collections[schema.Collection], row)
	}
	return nil
}

// FindOne retrieves the first matching row, or nil.
func (driver *MemoryDriver) FindOne(ctx context.Context, schema *core.SchemaCore, query *core.Where) (any, error) {
	rowList, err := driver.find(schema, query, true)
	if err != nil {
		return nil, err
	}
	if len(rowList) == 0 {
		return nil, nil
	}
	return rowList[0], nil
}

// FindMany retrieves all matching rows.
func (driver *MemoryDriver) FindMany(ctx context.Context, schema *core.SchemaCore, query *core.Where) (any, error) {
	return driver.find(schema, query, false)
}

func (driver *MemoryDriver) find(schema *core.SchemaCore, query *core.Where, single bool) ([]map[string]any, error) {
	driver.mutex.RLock()
	defer driver.mutex.RUnlock()

	var condition *core.Condition
	if query != nil {
		condition = query.Condition
	}

	var matchList []map[string]any
	for _, row := range driver.collections[schema.Collection] {
		ok, err := matchCondition(row, condition)
		if err != nil {
			return nil, err
		}
		if ok {
			matchList = append(matchList, copyRow(row))
		}
	}

	if query != nil && len(query.Sort) > 0 {
		sortRows(matchList, query.Sort)
	}

	if single {
		if len(matchList) > 1 {
			matchList = matchList[:1]
		}
		return matchList, nil
	}
	if query != nil {
		if query.Offset > 0 {
			if query.Offset >= len(matchList) {
				return nil, nil
			}
			matchList = matchList[query.Offset:]
		}
		if query.Limit > 0 && query.Limit < len(matchList) {
			matchList = matchList[:query.Limit]
		}
	}
	return matchList, nil
}

// Update modifies matching rows in place and returns the number of rows
// touched. Delta values adjust the current numeric value of the column;
// matching zero rows is not an error.
func (driver *MemoryDriver) Update(ctx context.Context, schema *core.SchemaCore, condition *core.Condition, changes core.Changes) (int64, error) {
	driver.mutex.Lock()
	defer driver.mutex.Unlock()

	var affected int64
	for _, row := range driver.collections[schema.Collection] {
		ok, err := matchCondition(row, condition)
		if err != nil {
			return affected, err
		}
		if !ok {
			continue
		}
		for column, value := range changes {
			if delta, isDelta := value.(core.Delta); isDelta {
				current, err := asInt64(row[column])
				if err != nil {
					return affected, fmt.Errorf("memory driver: column %q: %w", column, err)
				}
				row[column] = current + int64(delta)
				continue
			}
			row[column] = value
		}
		affected++
	}
	return affected, nil
}

// Delete removes matching rows.
func (driver *MemoryDriver) Delete(ctx context.Context, schema *core.SchemaCore, condition *core.Condition) error {
	driver.mutex.Lock()
	defer driver.mutex.Unlock()

	kept := driver.collections[schema.Collection][:0]
	for _, row := range driver.collections[schema.Collection] {
		ok, err := matchCondition(row, condition)
		if err != nil {
			return err
		}
		if !ok {
			kept = append(kept, row)
		}
	}
	driver.collections[schema.Collection] = kept
	return nil
}

// Count returns the number of matching rows.
func (driver *MemoryDriver) Count(ctx context.Context, schema *core.SchemaCore, condition *core.Condition) (int64, error) {
	driver.mutex.RLock()
	defer driver.mutex.RUnlock()

	var count int64
	for _, row := range driver.collections[schema.Collection] {
		ok, err := matchCondition(row, condition)
		if err != nil {
			return 0, err
		}
		if ok {
			count++
		}
	}
	return count, nil
}

// --- row helpers ---

func rowFromDocument(schema *core.SchemaCore, doc any) (map[string]any, error) {
	if asMap, ok := doc.(map[string]any); ok {
		return copyRow(asMap), nil
	}
	value := reflect.ValueOf(doc)
	for value.Kind() == reflect.Pointer {
		if value.IsNil() {
			return nil, fmt.Errorf("memory driver: nil document")
		}
		value = value.Elem()
	}
	if value.Kind() != reflect.Struct {
		return nil, fmt.Errorf("memory driver: unsupported document type %T", doc)
	}

	row := map[string]any{}
	for _, field := range schema.Fields {
		fieldValue := value.FieldByName(field.StructFieldName)
		if !fieldValue.IsValid() {
			continue
		}
		if fieldValue.Kind() == reflect.Pointer {
			if fieldValue.IsNil() {
				row[field.DatabaseColumnName] = nil
				continue
			}
			fieldValue = fieldValue.Elem()
		}
		row[field.DatabaseColumnName] = fieldValue.Interface()
	}
	return row, nil
}

func copyRow(row map[string]any) map[string]any {
	clone := make(map[string]any, len(row))
	for key, value := range row {
		clone[key] = value
	}
	return clone
}

func sortRows(rowList []map[string]any, sortList []core.Sort) {
	sort.SliceStable(rowList, func(i, j int) bool {
		for _, sortItem := range sortList {
			cmp := compareValues(rowList[i][sortItem.FieldName], rowList[j][sortItem.FieldName])
			if cmp == 0 {
				continue
			}
			if sortItem.Order < 0 {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

// --- condition evaluation ---

func matchCondition(row map[string]any, condition *core.Condition) (bool, error) {
	if condition == nil {
		return true, nil
	}
	if condition.Operator == nil {
		return false, fmt.Errorf("memory driver: condition without operator")
	}

	if len(condition.Children) > 0 {
		switch *condition.Operator {
		case core.OpAnd:
			for _, child := range condition.Children {
				ok, err := matchCondition(row, child)
				if err != nil || !ok {
					return false, err
				}
			}
			return true, nil
		case core.OpOr:
			for _, child := range condition.Children {
				ok, err := matchCondition(row, child)
				if err != nil {
					return false, err
				}
				if ok {
					return true, nil
				}
			}
			return false, nil
		case core.OpNot:
			for _, child := range condition.Children {
				ok, err := matchCondition(row, child)
				if err != nil {
					return false, err
				}
				if ok {
					return false, nil
				}
			}
			return true, nil
		default:
			return false, fmt.Errorf("memory driver: unsupported logical operator %q", *condition.Operator)
		}
	}

	current := row[condition.FieldName]
	switch *condition.Operator {
	case core.OpNil:
		return isNilValue(current), nil
	case core.OpEq:
		return compareValues(current, condition.Value) == 0 && !isNilValue(current) || (isNilValue(current) && isNilValue(condition.Value)), nil
	case core.OpGt:
		return !isNilValue(current) && compareValues(current, condition.Value) > 0, nil
	case core.OpGte:
		return !isNilValue(current) && compareValues(current, condition.Value) >= 0, nil
	case core.OpLt:
		return !isNilValue(current) && compareValues(current, condition.Value) < 0, nil
	case core.OpLte:
		return !isNilValue(current) && compareValues(current, condition.Value) <= 0, nil
	case core.OpLike:
		return matchLike(fmt.Sprintf("%v", current), fmt.Sprintf("%v", condition.Value)), nil
	case core.OpIn:
		valueList, ok := condition.Value.([]any)
		if !ok {
			valueList = []any{condition.Value}
		}
		for _, candidate := range valueList {
			if compareValues(current, candidate) == 0 {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("memory driver: unsupported operator %q", *condition.Operator)
	}
}

func isNilValue(value any) bool {
	if value == nil {
		return true
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		return rv.IsNil()
	}
	return false
}

// compareValues orders two scalar values. Numerics are coerced to float64,
// everything else falls back to string comparison.
func compareValues(a, b any) int {
	if isNilValue(a) && isNilValue(b) {
		return 0
	}
	if isNilValue(a) {
		return -1
	}
	if isNilValue(b) {
		return 1
	}

	aNum, aOk := asFloat64(a)
	bNum, bOk := asFloat64(b)
	if aOk && bOk {
		switch {
		case aNum < bNum:
			return -1
		case aNum > bNum:
			return 1
		default:
			return 0
		}
	}

	aStr := fmt.Sprintf("%v", deref(a))
	bStr := fmt.Sprintf("%v", deref(b))
	return strings.Compare(aStr, bStr)
}

func deref(value any) any {
	rv := reflect.ValueOf(value)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	return rv.Interface()
}

func asFloat64(value any) (float64, bool) {
	rv := reflect.ValueOf(deref(value))
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

func asInt64(value any) (int64, error) {
	if isNilValue(value) {
		return 0, nil
	}
	rv := reflect.ValueOf(deref(value))
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return int64(rv.Float()), nil
	}
	return 0, fmt.Errorf("value %v (%T) is not numeric", value, value)
}

// matchLike implements a minimal SQL LIKE with % wildcards only.
func matchLike(input, pattern string) bool {
	partList := strings.Split(strings.ToLower(pattern), "%")
	haystack := strings.ToLower(input)

	if len(partList) == 1 {
		return haystack == partList[0]
	}
	if partList[0] != "" && !strings.HasPrefix(haystack, partList[0]) {
		return false
	}
	if last := partList[len(partList)-1]; last != "" && !strings.HasSuffix(haystack, last) {
		return false
	}
	position := 0
	for _, part := range partList {
		if part == "" {
			continue
		}
		index := strings.Index(haystack[position:], part)
		if index < 0 {
			return false
		}
		position += index + len(part)
	}
	return true
}
