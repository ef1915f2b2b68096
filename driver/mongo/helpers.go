// Package mongo provides the MongoDB driver for the tally ORM core.
// This file contains helper functions for query and update translation.
package mongo

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/leandroluk/tally/core"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// buildFilter translates a core.Condition tree into a bson filter document.
func buildFilter(condition *core.Condition) bson.M {
	if condition == nil {
		return bson.M{}
	}
	if len(condition.Children) > 0 {
		childFilterList := make([]bson.M, 0, len(condition.Children))
		for _, child := range condition.Children {
			childFilterList = append(childFilterList, buildFilter(child))
		}
		switch *condition.Operator {
		case core.OpAnd:
			return bson.M{"$and": childFilterList}
		case core.OpOr:
			return bson.M{"$or": childFilterList}
		case core.OpNot:
			return bson.M{"$nor": childFilterList}
		default:
			return bson.M{}
		}
	}

	fieldName := condition.FieldName
	switch *condition.Operator {
	case core.OpNil:
		return bson.M{fieldName: bson.M{"$eq": nil}}
	case core.OpEq:
		return bson.M{fieldName: condition.Value}
	case core.OpGt:
		return bson.M{fieldName: bson.M{"$gt": condition.Value}}
	case core.OpGte:
		return bson.M{fieldName: bson.M{"$gte": condition.Value}}
	case core.OpLt:
		return bson.M{fieldName: bson.M{"$lt": condition.Value}}
	case core.OpLte:
		return bson.M{fieldName: bson.M{"$lte": condition.Value}}
	case core.OpLike:
		pattern := toMongoLikePattern(fmt.Sprintf("%v", condition.Value))
		return bson.M{fieldName: primitive.Regex{Pattern: pattern, Options: "i"}}
	case core.OpIn:
		var array []any
		switch v := condition.Value.(type) {
		case []any:
			array = v
		default:
			array = []any{condition.Value}
		}
		return bson.M{fieldName: bson.M{"$in": array}}
	default:
		return bson.M{}
	}
}

// buildUpdate translates a core.Changes map into an update document,
// splitting core.Delta values into a $inc document so the server applies
// relative adjustments atomically.
func buildUpdate(changes core.Changes) bson.M {
	set := bson.M{}
	inc := bson.M{}
	for column, value := range changes {
		if delta, ok := value.(core.Delta); ok {
			inc[column] = int64(delta)
			continue
		}
		set[column] = value
	}

	update := bson.M{}
	if len(set) > 0 {
		update["$set"] = set
	}
	if len(inc) > 0 {
		update["$inc"] = inc
	}
	return update
}

// documentFromStruct maps a record instance into a bson document keyed by the
// schema's column names.
//
// The bson codec is not used for key naming: schemas carry db tags, not bson
// tags, and codec-named keys would never match the keys filters and updates
// are built from (DatabaseColumnName). Nil pointer fields are stored as
// explicit nulls so OpNil matches.
func documentFromStruct(schema *core.SchemaCore, doc any) (bson.M, error) {
	if asMap, ok := doc.(map[string]any); ok {
		return bson.M(asMap), nil
	}
	value := reflect.ValueOf(doc)
	for value.Kind() == reflect.Pointer {
		if value.IsNil() {
			return nil, fmt.Errorf("mongo driver: nil document")
		}
		value = value.Elem()
	}
	if value.Kind() != reflect.Struct {
		return nil, fmt.Errorf("mongo driver: unsupported document type %T", doc)
	}

	document := bson.M{}
	for _, field := range schema.Fields {
		fieldValue := value.FieldByName(field.StructFieldName)
		if !fieldValue.IsValid() {
			continue
		}
		if fieldValue.Kind() == reflect.Pointer {
			if fieldValue.IsNil() {
				document[field.DatabaseColumnName] = nil
				continue
			}
			fieldValue = fieldValue.Elem()
		}
		document[field.DatabaseColumnName] = fieldValue.Interface()
	}
	return document, nil
}

// toMongoLikePattern converts a SQL-like pattern into a MongoDB regex pattern.
//
// It replaces % with .* (wildcard for multiple characters) and
// _ with . (wildcard for a single character).
//
// Example:
//
//	input := "%admin_"
//	regex := toMongoLikePattern(input)
//	// regex == ".*admin."
func toMongoLikePattern(input string) string {
	var pattern strings.Builder
	for _, r := range input {
		switch r {
		case '%':
			pattern.WriteString(".*")
		case '_':
			pattern.WriteString(".")
		default:
			pattern.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	return pattern.String()
}

// safeCondition ensures that a Where clause always has a valid root condition.
//
// If the query or its Condition is nil, it returns an empty AND condition.
// This prevents the driver from having to handle nil pointers explicitly.
func safeCondition(query *core.Where) *core.Condition {
	if query == nil || query.Condition == nil {
		return &core.Condition{Operator: &core.OpAnd, Children: []*core.Condition{}}
	}
	return query.Condition
}
