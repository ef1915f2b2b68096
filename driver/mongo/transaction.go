// Package mongo provides the MongoDB driver for the tally ORM core.
// This file defines the mongoTransaction type, which adapts MongoDB sessions
// to the core.Transaction interface.
package mongo

import (
	"context"

	"go.mongodb.org/mongo-driver/mongo"
)

// mongoTransaction wraps a MongoDB session and implements the core.Transaction interface.
//
// It ensures that Commit or Rollback ends the session after the operation is complete.
type mongoTransaction struct {
	session mongo.Session
}

// Commit finalizes the transaction and ends the session.
func (transaction *mongoTransaction) Commit(ctx context.Context) error {
	defer transaction.session.EndSession(ctx)
	return transaction.session.CommitTransaction(ctx)
}

// Rollback aborts the transaction and ends the session.
func (transaction *mongoTransaction) Rollback(ctx context.Context) error {
	defer transaction.session.EndSession(ctx)
	return transaction.session.AbortTransaction(ctx)
}
