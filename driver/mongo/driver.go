// Package mongo provides the MongoDB driver for the tally ORM core, built on
// the official mongo-driver client.
package mongo

import (
	"context"
	"time"

	"github.com/leandroluk/tally/core"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	mopt "go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDriver implements core.Driver over a mongo client.
type MongoDriver struct {
	client          *mongo.Client
	defaultDatabase string
}

var _ core.Driver = (*MongoDriver)(nil)

// NewMongoDriver creates a driver from a connection URI and a default
// database name used when a schema declares none.
func NewMongoDriver(ctx context.Context, uri string, defaultDB string) (*MongoDriver, error) {
	opts := mopt.Client().ApplyURI(uri)
	opts.SetConnectTimeout(10 * time.Second).SetServerSelectionTimeout(10 * time.Second)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}
	return &MongoDriver{client: client, defaultDatabase: defaultDB}, nil
}

func (driver *MongoDriver) dbFor(schema *core.SchemaCore) *mongo.Database {
	dbName := driver.defaultDatabase
	if schema.Database != "" {
		dbName = schema.Database
	}
	if dbName == "" {
		panic("mongo driver: database name is empty (set Schema.Database or the NewMongoDriver default)")
	}
	return driver.client.Database(dbName)
}

func (driver *MongoDriver) coll(schema *core.SchemaCore) *mongo.Collection {
	if schema.Collection == "" {
		panic("mongo driver: empty Collection in schema")
	}
	return driver.dbFor(schema).Collection(schema.Collection)
}

// withSession extracts a SessionContext from ctx when a transaction is active.
func (driver *MongoDriver) withSession(ctx context.Context) context.Context {
	if tx := core.TransactionFrom(ctx); tx != nil {
		if mt, ok := tx.(*mongoTransaction); ok {
			return mongo.NewSessionContext(ctx, mt.session)
		}
	}
	return ctx
}

// Connect validates connectivity against the client.
func (driver *MongoDriver) Connect(ctx context.Context) error {
	return driver.client.Ping(ctx, nil)
}

// Ping checks if the database is reachable.
func (driver *MongoDriver) Ping(ctx context.Context) error {
	return driver.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (driver *MongoDriver) Close(ctx context.Context) error {
	return driver.client.Disconnect(ctx)
}

// Transaction starts a new session-backed transaction.
func (driver *MongoDriver) Transaction(ctx context.Context) (core.Transaction, error) {
	session, err := driver.client.StartSession()
	if err != nil {
		return nil, err
	}
	if err := session.StartTransaction(); err != nil {
		return nil, err
	}
	return &mongoTransaction{session: session}, nil
}

// Insert persists one or more documents in the schema's collection. Each
// document is keyed by the schema's column names so that filters and updates
// address the same keys the insert wrote.
func (driver *MongoDriver) Insert(ctx context.Context, schema *core.SchemaCore, documents ...any) error {
	if len(documents) == 0 {
		return nil
	}
	ctx = driver.withSession(ctx)
	documentList := make([]any, 0, len(documents))
	for _, doc := range documents {
		document, err := documentFromStruct(schema, doc)
		if err != nil {
			return err
		}
		documentList = append(documentList, document)
	}
	_, err := driver.coll(schema).InsertMany(ctx, documentList)
	return err
}

func (driver *MongoDriver) find(ctx context.Context, schema *core.SchemaCore, query *core.Where, single bool) ([]map[string]any, error) {
	ctx = driver.withSession(ctx)
	filter := buildFilter(safeCondition(query))
	findOpts := mopt.Find()

	if len(query.Sort) > 0 {
		sortDoc := bson.D{}
		for _, sortItem := range query.Sort {
			direction := 1
			if sortItem.Order < 0 {
				direction = -1
			}
			sortDoc = append(sortDoc, bson.E{Key: sortItem.FieldName, Value: direction})
		}
		findOpts.SetSort(sortDoc)
	}

	if single {
		findOpts.SetLimit(1)
	} else {
		if query.Limit > 0 {
			limit := int64(query.Limit)
			findOpts.SetLimit(limit)
		}
		if query.Offset > 0 {
			offset := int64(query.Offset)
			findOpts.SetSkip(offset)
		}
	}

	cursor, err := driver.coll(schema).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var resultList []map[string]any
	for cursor.Next(ctx) {
		var bsonMap bson.M
		if err := cursor.Decode(&bsonMap); err != nil {
			return nil, err
		}
		row := map[string]any(bsonMap)
		resultList = append(resultList, row)
		if single {
			break
		}
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	return resultList, nil
}

// FindOne retrieves a single document matching the query, or nil.
func (driver *MongoDriver) FindOne(ctx context.Context, schema *core.SchemaCore, query *core.Where) (any, error) {
	rowList, err := driver.find(ctx, schema, query, true)
	if err != nil {
		return nil, err
	}
	if len(rowList) == 0 {
		return nil, nil
	}
	return rowList[0], nil
}

// FindMany retrieves all documents matching the query.
func (driver *MongoDriver) FindMany(ctx context.Context, schema *core.SchemaCore, query *core.Where) (any, error) {
	return driver.find(ctx, schema, query, false)
}

// Update modifies the documents matching the condition and returns the
// number of matched documents (the rows-affected semantics of the SQL
// drivers). Delta changes are split into a $inc document, so the server
// performs the read-modify-write; matching zero documents is not an error.
func (driver *MongoDriver) Update(ctx context.Context, schema *core.SchemaCore, condition *core.Condition, changes core.Changes) (int64, error) {
	ctx = driver.withSession(ctx)
	filter := buildFilter(condition)
	update := buildUpdate(changes)
	result, err := driver.coll(schema).UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, err
	}
	return result.MatchedCount, nil
}

// Delete removes the documents matching the condition.
func (driver *MongoDriver) Delete(ctx context.Context, schema *core.SchemaCore, condition *core.Condition) error {
	ctx = driver.withSession(ctx)
	filter := buildFilter(condition)
	_, err := driver.coll(schema).DeleteMany(ctx, filter)
	return err
}

// Count returns the number of documents matching the condition.
func (driver *MongoDriver) Count(ctx context.Context, schema *core.SchemaCore, condition *core.Condition) (int64, error) {
	ctx = driver.withSession(ctx)
	filter := buildFilter(condition)
	return driver.coll(schema).CountDocuments(ctx, filter)
}
