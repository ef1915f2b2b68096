package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leandroluk/tally/core"
)

func TestFormatTable(t *testing.T) {
	driver := &PostgresDriver{}

	assert.Equal(t, `"articles"`, driver.formatTable(&core.SchemaCore{Collection: "articles"}))
	assert.Equal(t, `"blog"."articles"`, driver.formatTable(&core.SchemaCore{
		Database:   "blog",
		Collection: "articles",
	}))
}

func TestBuildCondition_Comparisons(t *testing.T) {
	driver := &PostgresDriver{}

	argList := []any{}
	clause := driver.buildCondition((&core.Condition{FieldName: "id"}).Eq(int64(7)), &argList)
	assert.Equal(t, `"id" = $1`, clause)
	assert.Equal(t, []any{int64(7)}, argList)

	argList = []any{}
	clause = driver.buildCondition((&core.Condition{FieldName: "score"}).Gte(10), &argList)
	assert.Equal(t, `"score" >= $1`, clause)

	argList = []any{}
	clause = driver.buildCondition((&core.Condition{FieldName: "deleted_at"}).Nil(), &argList)
	assert.Equal(t, `"deleted_at" IS NULL`, clause)
	assert.Empty(t, argList)
}

func TestBuildCondition_Logical(t *testing.T) {
	driver := &PostgresDriver{}

	argList := []any{}
	condition := (&core.Condition{FieldName: "published"}).Eq(true).
		And((&core.Condition{FieldName: "article_id"}).Eq(int64(5)))
	clause := driver.buildCondition(condition, &argList)
	assert.Equal(t, `("published" = $1 AND "article_id" = $2)`, clause)
	assert.Equal(t, []any{true, int64(5)}, argList)

	argList = []any{}
	clause = driver.buildCondition((&core.Condition{FieldName: "deleted_at"}).Nil().Not(), &argList)
	assert.Equal(t, `NOT ("deleted_at" IS NULL)`, clause)
}

func TestBuildCondition_In(t *testing.T) {
	driver := &PostgresDriver{}

	argList := []any{}
	clause := driver.buildCondition((&core.Condition{FieldName: "id"}).In(int64(1), int64(2)), &argList)
	assert.Equal(t, `"id" IN ($1, $2)`, clause)
	assert.Equal(t, []any{int64(1), int64(2)}, argList)
}

func TestBuildCondition_Nil(t *testing.T) {
	driver := &PostgresDriver{}

	argList := []any{}
	assert.Equal(t, "1=1", driver.buildCondition(nil, &argList))
	assert.Empty(t, argList)
}

func TestBuildSetClause_Assignment(t *testing.T) {
	driver := &PostgresDriver{}

	argList := []any{}
	clause := driver.buildSetClause(core.Changes{"title": "hello"}, &argList)
	assert.Equal(t, `"title" = $1`, clause)
	assert.Equal(t, []any{"hello"}, argList)
}

func TestBuildSetClause_DeltaIsRelative(t *testing.T) {
	driver := &PostgresDriver{}

	argList := []any{}
	clause := driver.buildSetClause(core.Changes{"comment_count": core.Delta(1)}, &argList)
	assert.Equal(t, `"comment_count" = "comment_count" + $1`, clause)
	require.Len(t, argList, 1)
	assert.Equal(t, int64(1), argList[0])

	argList = []any{}
	clause = driver.buildSetClause(core.Changes{"comment_count": core.Delta(-1)}, &argList)
	assert.Equal(t, `"comment_count" = "comment_count" + $1`, clause)
	assert.Equal(t, int64(-1), argList[0])
}

func TestBuildSetClause_ArgumentsContinueNumbering(t *testing.T) {
	driver := &PostgresDriver{}

	// WHERE args are collected before SET args in Update
	argList := []any{int64(9)}
	clause := driver.buildSetClause(core.Changes{"comment_count": core.Delta(1)}, &argList)
	assert.Equal(t, `"comment_count" = "comment_count" + $2`, clause)
	assert.Equal(t, []any{int64(9), int64(1)}, argList)
}
