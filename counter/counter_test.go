package counter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leandroluk/tally/core"
)

type testArticle struct {
	ID           int64 `db:"id"`
	CommentCount int64 `db:"comment_count"`
	PlainTotal   int64 `db:"plain_total"`
}

type testComment struct {
	ID        int64 `db:"id"`
	ArticleID int64 `db:"article_id"`
	Published bool  `db:"published"`
}

type polyComment struct {
	ID          int64  `db:"id"`
	SubjectID   int64  `db:"subject_id"`
	SubjectType string `db:"subject_type"`
}

type orphanComment struct {
	ID        int64  `db:"id"`
	ArticleID *int64 `db:"article_id"`
}

func newTestArticleSchema() *core.SchemaMeta[testArticle] {
	return core.Schema(
		core.Table[testArticle]("articles"),
		core.OverrideField(func(a *testArticle) *int64 { return &a.ID }, core.PrimaryKey()),
		core.OverrideField(func(a *testArticle) *int64 { return &a.CommentCount }, core.Counter()),
	)
}

func newTestCommentSchema(parent *core.SchemaMeta[testArticle]) *core.SchemaMeta[testComment] {
	schema := core.Schema(
		core.Table[testComment]("comments"),
		core.OverrideField(func(c *testComment) *int64 { return &c.ID }, core.PrimaryKey()),
	)
	core.AddReference(schema, "Article", core.Reference[testComment, testArticle]{
		Kind:      core.DirectReference,
		Field:     func(c *testComment) *int64 { return &c.ArticleID },
		RefSchema: parent,
	})
	return schema
}

// recordingDriver captures Update calls so tests can assert the exact
// adjustments a binding fires.
type recordingDriver struct {
	updates  []recordedUpdate
	affected int64
	err      error
}

type recordedUpdate struct {
	collection string
	condition  *core.Condition
	changes    core.Changes
}

func (d *recordingDriver) Connect(ctx context.Context) error { return nil }
func (d *recordingDriver) Ping(ctx context.Context) error    { return nil }
func (d *recordingDriver) Close(ctx context.Context) error { return nil }
func (d *recordingDriver) Transaction(ctx context.Context) (core.Transaction, error) {
	return nil, nil
}
func (d *recordingDriver) Insert(ctx context.Context, schema *core.SchemaCore, documents ...any) error {
	return nil
}
func (d *recordingDriver) FindOne(ctx context.Context, schema *core.SchemaCore, options *core.Where) (any, error) {
	return nil, nil
}
func (d *recordingDriver) FindMany(ctx context.Context, schema *core.SchemaCore, options *core.Where) (any, error) {
	return nil, nil
}
func (d *recordingDriver) Update(ctx context.Context, schema *core.SchemaCore, condition *core.Condition, changes core.Changes) (int64, error) {
	if d.err != nil {
		return 0, d.err
	}
	d.updates = append(d.updates, recordedUpdate{
		collection: schema.Collection,
		condition:  condition,
		changes:    changes,
	})
	return d.affected, nil
}
func (d *recordingDriver) Delete(ctx context.Context, schema *core.SchemaCore, condition *core.Condition) error {
	return nil
}
func (d *recordingDriver) Count(ctx context.Context, schema *core.SchemaCore, condition *core.Condition) (int64, error) {
	return 0, nil
}

func publishedBinding(t *testing.T, driver core.Driver) (*Binding, *core.SchemaMeta[testComment]) {
	t.Helper()
	articleSchema := newTestArticleSchema()
	commentSchema := newTestCommentSchema(articleSchema)
	binding, err := New(driver, Def[testComment]{
		Counter:   "comment_count",
		Child:     commentSchema,
		Reference: "Article",
		Qualify:   func(c *testComment) bool { return c.Published },
	})
	require.NoError(t, err)
	return binding, commentSchema
}

func changeEvent(schema *core.SchemaCore, old, doc *testComment, wasPersisted, isPersisted bool) *core.ChangeEvent {
	event := &core.ChangeEvent{
		Schema:       schema,
		Doc:          doc,
		WasPersisted: wasPersisted,
		IsPersisted:  isPersisted,
	}
	if old != nil {
		event.Old = old
	}
	return event
}

func assertAdjustment(t *testing.T, update recordedUpdate, parentID int64, delta int64) {
	t.Helper()
	assert.Equal(t, "articles", update.collection)
	assert.Equal(t, "id", update.condition.FieldName)
	assert.Equal(t, core.OpEq, *update.condition.Operator)
	assert.Equal(t, parentID, update.condition.Value)
	require.Len(t, update.changes, 1)
	assert.Equal(t, core.Delta(delta), update.changes["comment_count"])
}

func TestNew_InfersParentFromDirectReference(t *testing.T) {
	driver := &recordingDriver{}
	binding, _ := publishedBinding(t, driver)

	assert.Equal(t, Key{
		Parent:    "articles",
		Child:     "comments",
		Reference: "Article",
		Counter:   "comment_count",
	}, binding.Key())
}

func TestNew_UnknownReference(t *testing.T) {
	articleSchema := newTestArticleSchema()
	commentSchema := newTestCommentSchema(articleSchema)

	_, err := New(&recordingDriver{}, Def[testComment]{
		Counter:   "comment_count",
		Child:     commentSchema,
		Reference: "Nothing",
	})
	assert.ErrorIs(t, err, ErrNotReference)
}

func TestNew_PolymorphicRequiresParent(t *testing.T) {
	articleSchema := newTestArticleSchema()
	schema := core.Schema(
		core.Table[polyComment]("poly_comments"),
		core.OverrideField(func(c *polyComment) *int64 { return &c.ID }, core.PrimaryKey()),
	)
	core.AddReference(schema, "Subject", core.Reference[polyComment, any]{
		Kind:      core.PolymorphicReference,
		Field:     func(c *polyComment) *int64 { return &c.SubjectID },
		TypeField: func(c *polyComment) *string { return &c.SubjectType },
	})

	_, err := New(&recordingDriver{}, Def[polyComment]{
		Counter:   "comment_count",
		Child:     schema,
		Reference: "Subject",
	})
	assert.ErrorIs(t, err, ErrParentRequired)

	binding, err := New(&recordingDriver{}, Def[polyComment]{
		Counter:   "comment_count",
		Child:     schema,
		Reference: "Subject",
		Parent:    &articleSchema.SchemaCore,
	})
	require.NoError(t, err)
	assert.Equal(t, "articles", binding.Key().Parent)
}

func TestNew_RejectsNonCounterColumn(t *testing.T) {
	articleSchema := newTestArticleSchema()
	commentSchema := newTestCommentSchema(articleSchema)

	// column absent from the parent schema
	_, err := New(&recordingDriver{}, Def[testComment]{
		Counter:   "missing_count",
		Child:     commentSchema,
		Reference: "Article",
	})
	assert.ErrorIs(t, err, ErrNotCounterField)

	// column present but not declared with the Counter option
	_, err = New(&recordingDriver{}, Def[testComment]{
		Counter:   "plain_total",
		Child:     commentSchema,
		Reference: "Article",
	})
	assert.ErrorIs(t, err, ErrNotCounterField)
}

func TestReceiveChange_InsertQualifying(t *testing.T) {
	driver := &recordingDriver{affected: 1}
	binding, commentSchema := publishedBinding(t, driver)

	doc := &testComment{ID: 1, ArticleID: 5, Published: true}
	err := binding.ReceiveChange(context.Background(),
		changeEvent(&commentSchema.SchemaCore, nil, doc, false, true))
	require.NoError(t, err)

	require.Len(t, driver.updates, 1)
	assertAdjustment(t, driver.updates[0], 5, 1)
}

func TestReceiveChange_InsertNonQualifying(t *testing.T) {
	driver := &recordingDriver{affected: 1}
	binding, commentSchema := publishedBinding(t, driver)

	doc := &testComment{ID: 1, ArticleID: 5, Published: false}
	err := binding.ReceiveChange(context.Background(),
		changeEvent(&commentSchema.SchemaCore, nil, doc, false, true))
	require.NoError(t, err)
	assert.Empty(t, driver.updates)
}

func TestReceiveChange_QualificationFlip(t *testing.T) {
	driver := &recordingDriver{affected: 1}
	binding, commentSchema := publishedBinding(t, driver)
	ctx := context.Background()

	// publish: false -> true
	old := &testComment{ID: 1, ArticleID: 5, Published: false}
	doc := &testComment{ID: 1, ArticleID: 5, Published: true}
	require.NoError(t, binding.ReceiveChange(ctx,
		changeEvent(&commentSchema.SchemaCore, old, doc, true, true)))
	require.Len(t, driver.updates, 1)
	assertAdjustment(t, driver.updates[0], 5, 1)

	// unpublish: true -> false
	driver.updates = nil
	require.NoError(t, binding.ReceiveChange(ctx,
		changeEvent(&commentSchema.SchemaCore, doc, old, true, true)))
	require.Len(t, driver.updates, 1)
	assertAdjustment(t, driver.updates[0], 5, -1)
}

func TestReceiveChange_NoRelevantChange(t *testing.T) {
	driver := &recordingDriver{affected: 1}
	binding, commentSchema := publishedBinding(t, driver)
	ctx := context.Background()

	// still published, same parent
	old := &testComment{ID: 1, ArticleID: 5, Published: true}
	doc := &testComment{ID: 1, ArticleID: 5, Published: true}
	require.NoError(t, binding.ReceiveChange(ctx,
		changeEvent(&commentSchema.SchemaCore, old, doc, true, true)))
	assert.Empty(t, driver.updates)

	// still unpublished, same parent
	old.Published = false
	doc.Published = false
	require.NoError(t, binding.ReceiveChange(ctx,
		changeEvent(&commentSchema.SchemaCore, old, doc, true, true)))
	assert.Empty(t, driver.updates)
}

func TestReceiveChange_Delete(t *testing.T) {
	driver := &recordingDriver{affected: 1}
	binding, commentSchema := publishedBinding(t, driver)
	ctx := context.Background()

	// deleting a counted child decrements
	doc := &testComment{ID: 1, ArticleID: 5, Published: true}
	require.NoError(t, binding.ReceiveChange(ctx,
		changeEvent(&commentSchema.SchemaCore, doc, doc, true, false)))
	require.Len(t, driver.updates, 1)
	assertAdjustment(t, driver.updates[0], 5, -1)

	// deleting an uncounted child is a no-op
	driver.updates = nil
	unpublished := &testComment{ID: 2, ArticleID: 5, Published: false}
	require.NoError(t, binding.ReceiveChange(ctx,
		changeEvent(&commentSchema.SchemaCore, unpublished, unpublished, true, false)))
	assert.Empty(t, driver.updates)
}

func TestReceiveChange_Reparent(t *testing.T) {
	driver := &recordingDriver{affected: 1}
	binding, commentSchema := publishedBinding(t, driver)

	old := &testComment{ID: 1, ArticleID: 5, Published: true}
	doc := &testComment{ID: 1, ArticleID: 9, Published: true}
	require.NoError(t, binding.ReceiveChange(context.Background(),
		changeEvent(&commentSchema.SchemaCore, old, doc, true, true)))

	require.Len(t, driver.updates, 2, "a reparent fires two independent adjustments")
	assertAdjustment(t, driver.updates[0], 9, 1)
	assertAdjustment(t, driver.updates[1], 5, -1)
}

func TestReceiveChange_ReparentWithQualificationFlip(t *testing.T) {
	driver := &recordingDriver{affected: 1}
	binding, commentSchema := publishedBinding(t, driver)
	ctx := context.Background()

	// moved and unpublished: only the old parent loses a count
	old := &testComment{ID: 1, ArticleID: 5, Published: true}
	doc := &testComment{ID: 1, ArticleID: 9, Published: false}
	require.NoError(t, binding.ReceiveChange(ctx,
		changeEvent(&commentSchema.SchemaCore, old, doc, true, true)))
	require.Len(t, driver.updates, 1)
	assertAdjustment(t, driver.updates[0], 5, -1)

	// moved and published: only the new parent gains a count
	driver.updates = nil
	require.NoError(t, binding.ReceiveChange(ctx,
		changeEvent(&commentSchema.SchemaCore, doc, old, true, true)))
	require.Len(t, driver.updates, 1)
	assertAdjustment(t, driver.updates[0], 5, 1)
}

func TestReceiveChange_NilQualifierCountsEverything(t *testing.T) {
	driver := &recordingDriver{affected: 1}
	articleSchema := newTestArticleSchema()
	commentSchema := newTestCommentSchema(articleSchema)
	binding, err := New(driver, Def[testComment]{
		Counter:   "comment_count",
		Child:     commentSchema,
		Reference: "Article",
	})
	require.NoError(t, err)

	doc := &testComment{ID: 1, ArticleID: 5, Published: false}
	require.NoError(t, binding.ReceiveChange(context.Background(),
		changeEvent(&commentSchema.SchemaCore, nil, doc, false, true)))
	require.Len(t, driver.updates, 1)
	assertAdjustment(t, driver.updates[0], 5, 1)
}

func TestReceiveChange_OrphanChildAdjustsNothing(t *testing.T) {
	driver := &recordingDriver{affected: 1}
	articleSchema := newTestArticleSchema()
	schema := core.Schema(
		core.Table[orphanComment]("orphan_comments"),
		core.OverrideField(func(c *orphanComment) *int64 { return &c.ID }, core.PrimaryKey()),
	)
	core.AddReference(schema, "Article", core.Reference[orphanComment, testArticle]{
		Kind:      core.DirectReference,
		Field:     func(c *orphanComment) **int64 { return &c.ArticleID },
		RefSchema: articleSchema,
	})
	binding, err := New(driver, Def[orphanComment]{
		Counter:   "comment_count",
		Child:     schema,
		Reference: "Article",
	})
	require.NoError(t, err)

	doc := &orphanComment{ID: 1, ArticleID: nil}
	require.NoError(t, binding.ReceiveChange(context.Background(), &core.ChangeEvent{
		Schema:      &schema.SchemaCore,
		Doc:         doc,
		IsPersisted: true,
	}))
	assert.Empty(t, driver.updates)
}

func TestReceiveChange_PolymorphicWithTypeQualifier(t *testing.T) {
	driver := &recordingDriver{affected: 1}
	articleSchema := newTestArticleSchema()
	schema := core.Schema(
		core.Table[polyComment]("poly_comments"),
		core.OverrideField(func(c *polyComment) *int64 { return &c.ID }, core.PrimaryKey()),
	)
	core.AddReference(schema, "Subject", core.Reference[polyComment, any]{
		Kind:      core.PolymorphicReference,
		Field:     func(c *polyComment) *int64 { return &c.SubjectID },
		TypeField: func(c *polyComment) *string { return &c.SubjectType },
	})
	binding, err := New(driver, Def[polyComment]{
		Counter:   "comment_count",
		Child:     schema,
		Reference: "Subject",
		Parent:    &articleSchema.SchemaCore,
		Qualify:   func(c *polyComment) bool { return c.SubjectType == "article" },
	})
	require.NoError(t, err)
	ctx := context.Background()

	onArticle := &polyComment{ID: 1, SubjectID: 5, SubjectType: "article"}
	require.NoError(t, binding.ReceiveChange(ctx, &core.ChangeEvent{
		Schema: &schema.SchemaCore, Doc: onArticle, IsPersisted: true,
	}))
	require.Len(t, driver.updates, 1)
	assertAdjustment(t, driver.updates[0], 5, 1)

	driver.updates = nil
	onUser := &polyComment{ID: 2, SubjectID: 5, SubjectType: "user"}
	require.NoError(t, binding.ReceiveChange(ctx, &core.ChangeEvent{
		Schema: &schema.SchemaCore, Doc: onUser, IsPersisted: true,
	}))
	assert.Empty(t, driver.updates)
}

func TestReceiveChange_StorageErrorPropagates(t *testing.T) {
	boom := errors.New("storage down")
	driver := &recordingDriver{err: boom}
	binding, commentSchema := publishedBinding(t, driver)

	doc := &testComment{ID: 1, ArticleID: 5, Published: true}
	err := binding.ReceiveChange(context.Background(),
		changeEvent(&commentSchema.SchemaCore, nil, doc, false, true))
	assert.ErrorIs(t, err, boom)
}

func TestReceiveChange_ParentGoneIsNotAnError(t *testing.T) {
	driver := &recordingDriver{affected: 0}
	binding, commentSchema := publishedBinding(t, driver)

	doc := &testComment{ID: 1, ArticleID: 404, Published: true}
	err := binding.ReceiveChange(context.Background(),
		changeEvent(&commentSchema.SchemaCore, nil, doc, false, true))
	require.NoError(t, err)
	require.Len(t, driver.updates, 1, "the adjustment is still attempted")
}
