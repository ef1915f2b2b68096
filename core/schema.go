// Package core provides the fundamental building blocks of the tally ORM core.
// This file defines the schema system, which maps Go structs to database
// collections/tables, describes fields and references, and supports schema building.
package core

import "reflect"

// Field represents a struct field mapped to a database column.
//
// It contains metadata such as the Go field name, database column name,
// type information, constraints (primary key, unique, required), default value,
// and special markers for timestamp and counter fields.
type Field struct {
	StructFieldName    string       // Name of the field in the Go struct
	DatabaseColumnName string       // Name of the column in the database
	Type               reflect.Type // Go type of the field
	IsPrimaryKey       bool         // Whether this field is a primary key
	IsUnique           bool         // Whether this field is unique
	IsRequired         bool         // Whether this field is required
	DefaultValue       string       // Default value (if any)
	MemoryOffset       uintptr      // Memory offset within the struct

	// Special markers
	IsCreatedAt   bool
	IsUpdatedAt   bool
	IsDeletedAt   bool
	IsCounter     bool
	IsGeneratedID bool
}

// FieldOption is a function used to configure a Field.
type FieldOption func(*Field)

// PrimaryKey marks the field as a primary key.
func PrimaryKey() FieldOption {
	return func(f *Field) { f.IsPrimaryKey = true }
}

// Unique marks the field as unique.
func Unique() FieldOption {
	return func(f *Field) { f.IsUnique = true }
}

// Required marks the field as required (non-nullable).
func Required() FieldOption {
	return func(f *Field) { f.IsRequired = true }
}

// Default sets a default value for the field.
func Default(value string) FieldOption {
	return func(f *Field) { f.DefaultValue = value }
}

// CreatedAt marks the field as the createdAt timestamp.
func CreatedAt() FieldOption {
	return func(f *Field) { f.IsCreatedAt = true }
}

// UpdatedAt marks the field as the updatedAt timestamp.
func UpdatedAt() FieldOption {
	return func(f *Field) { f.IsUpdatedAt = true }
}

// DeletedAt marks the field as the deletedAt timestamp (for soft deletes).
func DeletedAt() FieldOption {
	return func(f *Field) { f.IsDeletedAt = true }
}

// Counter marks the field as a maintained counter column.
//
// A counter field is a plain persisted integer whose value is adjusted by the
// counter package in reaction to child change events, never written directly
// by application code. The column default is 0 unless overridden.
func Counter() FieldOption {
	return func(f *Field) {
		f.IsCounter = true
		if f.DefaultValue == "" {
			f.DefaultValue = "0"
		}
	}
}

// GeneratedID marks a string field whose value is filled with a new UUIDv7
// on insert when left empty.
func GeneratedID() FieldOption {
	return func(f *Field) { f.IsGeneratedID = true }
}

// ReferenceKind defines how a child schema locates its parent.
type ReferenceKind int

const (
	// DirectReference is a typed foreign key: the parent schema is known at
	// declaration time and can be inferred from the reference itself.
	DirectReference ReferenceKind = 1
	// PolymorphicReference stores the parent id alongside a type tag; the
	// concrete parent schema is only known to whoever consumes the reference.
	PolymorphicReference ReferenceKind = 2
)

// Reference describes, in declaration form, how a child entity C points at a
// parent entity P.
//
// For a DirectReference, RefSchema identifies the parent and RefKey selects
// the parent column the foreign key matches (defaults to the parent's primary
// key). For a PolymorphicReference, Field selects the column holding the
// parent id and TypeField the column holding the parent type tag; RefSchema
// is left nil.
type Reference[C any, P any] struct {
	Kind      ReferenceKind
	Field     any            // func(*C) *F, the fk column on the child
	TypeField any            // func(*C) *F, the type tag column (polymorphic only)
	RefSchema *SchemaMeta[P] // schema of the referenced parent (direct only)
	RefKey    any            // func(*P) *K, referenced parent column (direct only)
}

// ReferenceInternal is the normalized runtime representation of a reference.
//
// Unlike Reference, it stores resolved field names instead of selector
// functions, so consumers can resolve columns through the schema lookup
// tables without runtime introspection.
type ReferenceInternal struct {
	Kind          ReferenceKind
	Name          string
	FieldName     string // Go struct field on the child holding the parent id
	TypeFieldName string // Go struct field holding the parent type tag (polymorphic)
	RefSchema     *SchemaCore
	RefKeyColumn  string // database column on the parent the fk matches
}

// SchemaCore contains the minimal schema information required at runtime.
//
// It includes the database name, collection/table name, fields, declared
// references, and lookup tables populated once at schema-registration time.
type SchemaCore struct {
	Database      string
	Collection    string
	Fields        []*Field
	ReferenceList []ReferenceInternal

	fieldsByOffset map[uintptr]*Field
	fieldsByColumn map[string]*Field
	fieldsByName   map[string]*Field
	primaryKey     *Field
}

// FieldByColumn returns the declared field for a database column name,
// or nil if the schema declares no such column.
func (s *SchemaCore) FieldByColumn(column string) *Field {
	return s.fieldsByColumn[column]
}

// FieldByName returns the declared field for a Go struct field name,
// or nil if the schema declares no such field.
func (s *SchemaCore) FieldByName(name string) *Field {
	return s.fieldsByName[name]
}

// PrimaryKey returns the primary key field of the schema, or nil if none
// was declared.
func (s *SchemaCore) PrimaryKey() *Field {
	return s.primaryKey
}

// FindReference returns the reference registered under the given name,
// or nil if the schema declares no such reference.
func (s *SchemaCore) FindReference(name string) *ReferenceInternal {
	for i := range s.ReferenceList {
		if s.ReferenceList[i].Name == name {
			return &s.ReferenceList[i]
		}
	}
	return nil
}

// AddReference resolves selectors into field names and registers the
// reference on the child schema under the given name.
//
// Example:
//
//	core.AddReference(commentSchema, "Article", core.Reference[Comment, Article]{
//	    Kind:      core.DirectReference,
//	    Field:     func(c *Comment) *int64 { return &c.ArticleID },
//	    RefSchema: articleSchema,
//	})
func AddReference[C any, P any](schema *SchemaMeta[C], name string, r Reference[C, P]) {
	internal := ReferenceInternal{
		Kind:          r.Kind,
		Name:          name,
		FieldName:     fieldNameFromSelectorFor[C](r.Field),
		TypeFieldName: fieldNameFromSelectorFor[C](r.TypeField),
	}
	if r.RefSchema != nil {
		internal.RefSchema = &r.RefSchema.SchemaCore
		internal.RefKeyColumn = refKeyColumn(&r.RefSchema.SchemaCore, fieldNameFromSelectorFor[P](r.RefKey))
	}
	schema.ReferenceList = append(schema.ReferenceList, internal)
}

// refKeyColumn maps a parent struct field name to its database column,
// falling back to the parent's primary key when no selector was given.
func refKeyColumn(parent *SchemaCore, fieldName string) string {
	if fieldName != "" {
		if f := parent.FieldByName(fieldName); f != nil {
			return f.DatabaseColumnName
		}
	}
	if pk := parent.PrimaryKey(); pk != nil {
		return pk.DatabaseColumnName
	}
	return ""
}

// SchemaMeta extends SchemaCore with runtime metadata.
//
// It contains registered hooks and cached references to special
// fields (createdAt, updatedAt, deletedAt).
type SchemaMeta[T any] struct {
	SchemaCore
	PreHookList  map[PreHook][]func(*T) error
	PostHookList map[PostHook][]func(*T) error

	createdAtField    *Field
	updatedAtField    *Field
	deletedAtField    *Field
	generatedIDFields []*Field
}

// RegisterPreHook registers a pre-operation hook for the schema.
func (s *SchemaMeta[T]) RegisterPreHook(hook PreHook, fn func(*T) error) {
	s.PreHookList[hook] = append(s.PreHookList[hook], fn)
}

// RegisterPostHook registers a post-operation hook for the schema.
func (s *SchemaMeta[T]) RegisterPostHook(hook PostHook, fn func(*T) error) {
	s.PostHookList[hook] = append(s.PostHookList[hook], fn)
}

// SchemaBuilder is used to construct a schema definition from a Go struct.
//
// It collects field metadata using reflection and applies customization
// through SchemaOptions.
type SchemaBuilder[T any] struct {
	database       string
	collection     string
	tagKey         string
	structType     reflect.Type
	fields         []*Field
	fieldsByOffset map[uintptr]*Field
}

// SchemaOption represents a function that customizes the schema builder.
type SchemaOption[T any] func(*SchemaBuilder[T])

// TagKey sets the struct tag key to use for database column mapping.
func TagKey[T any](key string) SchemaOption[T] {
	return func(schemaBuilder *SchemaBuilder[T]) { schemaBuilder.tagKey = key }
}

// Table sets the database collection/table name for the schema.
func Table[T any](name string) SchemaOption[T] {
	return func(schemaBuilder *SchemaBuilder[T]) { schemaBuilder.collection = name }
}

// Database sets the database name for the schema.
func Database[T any](name string) SchemaOption[T] {
	return func(schemaBuilder *SchemaBuilder[T]) { schemaBuilder.database = name }
}

// OverrideField allows modifying the metadata of a specific field
// (e.g., making it required, unique, primary key, a counter, etc.).
func OverrideField[T any, F any](selector func(*T) *F, opts ...FieldOption) SchemaOption[T] {
	return func(schemaBuilder *SchemaBuilder[T]) {
		if len(schemaBuilder.fields) == 0 {
			// first option pass runs before fields are reflected
			return
		}
		offset := offsetOf(selector)
		if field, ok := schemaBuilder.fieldsByOffset[offset]; ok {
			for _, opt := range opts {
				opt(field)
			}
		} else {
			panic("core: OverrideField, field not found by selector")
		}
	}
}

// Schema builds a SchemaMeta[T] by reflecting on struct fields
// and applying the given SchemaOptions.
//
// Besides field metadata it populates the by-column and by-name lookup
// tables and detects the special fields (primary key, createdAt, updatedAt,
// deletedAt) once, so later attribute resolution is a map lookup instead of
// repeated introspection.
func Schema[T any](options ...SchemaOption[T]) *SchemaMeta[T] {
	var zero T
	structType := reflect.TypeOf(zero)
	if structType.Kind() == reflect.Pointer {
		structType = structType.Elem()
	}

	builder := &SchemaBuilder[T]{
		structType:     structType,
		fieldsByOffset: make(map[uintptr]*Field),
	}

	// Apply options before building fields (Table/Database/TagKey/etc.)
	for _, option := range options {
		option(builder)
	}

	// Reflect fields from struct type
	for _, sf := range reflect.VisibleFields(structType) {
		dbName := ""
		if builder.tagKey != "" {
			dbName = sf.Tag.Get(builder.tagKey)
		} else {
			dbName = sf.Tag.Get("db")
		}
		if dbName == "" {
			dbName = sf.Name
		}

		field := &Field{
			StructFieldName:    sf.Name,
			DatabaseColumnName: dbName,
			Type:               sf.Type,
			MemoryOffset:       sf.Offset,
		}
		builder.fields = append(builder.fields, field)
		builder.fieldsByOffset[sf.Offset] = field
	}

	// Re-apply options so that OverrideField can work after fields exist
	for _, option := range options {
		option(builder)
	}

	meta := &SchemaMeta[T]{
		SchemaCore: SchemaCore{
			Database:       builder.database,
			Collection:     builder.collection,
			Fields:         builder.fields,
			fieldsByOffset: builder.fieldsByOffset,
			fieldsByColumn: make(map[string]*Field, len(builder.fields)),
			fieldsByName:   make(map[string]*Field, len(builder.fields)),
		},
		PreHookList:  make(map[PreHook][]func(*T) error),
		PostHookList: make(map[PostHook][]func(*T) error),
	}

	// Populate lookup tables and detect special fields once
	for _, f := range builder.fields {
		meta.fieldsByColumn[f.DatabaseColumnName] = f
		meta.fieldsByName[f.StructFieldName] = f
		if f.IsPrimaryKey && meta.primaryKey == nil {
			meta.primaryKey = f
		}
		if f.IsCreatedAt {
			meta.createdAtField = f
		}
		if f.IsUpdatedAt {
			meta.updatedAtField = f
		}
		if f.IsDeletedAt {
			meta.deletedAtField = f
		}
		if f.IsGeneratedID {
			meta.generatedIDFields = append(meta.generatedIDFields, f)
		}
	}

	return meta
}
