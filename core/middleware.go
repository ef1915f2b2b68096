// Package core provides the fundamental building blocks of the tally ORM core.
// This file defines the middleware system, which allows cross-cutting concerns
// (logging, auditing, timing, etc.) to be applied to persistence operations.
package core

import (
	"context"
	"fmt"
	"time"
)

// Operation represents the type of operation being executed by the ORM core.
//
// It is used within middlewares to distinguish between inserts, updates,
// deletes, and queries.
type Operation string

const (
	// OperationInsert corresponds to an insert (create) operation.
	OperationInsert Operation = "insert"
	// OperationUpdate corresponds to an update operation.
	OperationUpdate Operation = "update"
	// OperationDelete corresponds to a delete operation.
	OperationDelete Operation = "delete"
	// OperationFind corresponds to a query (find) operation.
	OperationFind Operation = "find"
)

// Handler is the function signature executed by the operation pipeline.
//
// It receives a context, the operation type, and an arbitrary payload.
// Handlers are composed by middlewares to add cross-cutting logic.
type Handler func(ctx context.Context, op Operation, payload any) error

// Middleware is a function that wraps a Handler with additional logic.
//
// Middlewares are chained globally and executed for every operation.
// They follow the decorator pattern.
type Middleware func(next Handler) Handler

var globalMiddlewareList []Middleware

// Use registers a new global middleware, applied to all operations.
//
// Middlewares are executed in reverse registration order: the most
// recently registered middleware is executed first.
func Use(mw Middleware) {
	globalMiddlewareList = append(globalMiddlewareList, mw)
}

// runMiddlewares applies the chain of middlewares to the final handler.
func runMiddlewares(final Handler) Handler {
	h := final
	// Apply in reverse order (last registered runs first).
	for i := len(globalMiddlewareList) - 1; i >= 0; i-- {
		h = globalMiddlewareList[i](h)
	}
	return h
}

// dispatchOperation executes an operation through the global middleware chain.
//
// The exec function contains the core logic of the operation and is wrapped
// by the registered middlewares.
func dispatchOperation(ctx context.Context, op Operation, payload any, exec func() error) error {
	handler := runMiddlewares(func(ctx context.Context, op Operation, payload any) error {
		return exec()
	})
	return handler(ctx, op, payload)
}

// DebugMiddleware logs all operations passing through the pipeline.
//
// It measures execution time and prints both success and error cases.
// This is useful for debugging and profiling, including watching the
// counter adjustments fired by change reactions.
//
// Example:
//
//	core.Use(core.DebugMiddleware())
func DebugMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, op Operation, payload any) error {
			start := time.Now()
			fmt.Printf("[DEBUG] op=%s payload=%+v\n", op, payload)
			err := next(ctx, op, payload)
			elapsed := time.Since(start)
			if err != nil {
				fmt.Printf("[DEBUG] op=%s error=%v took=%s\n", op, err, elapsed)
			} else {
				fmt.Printf("[DEBUG] op=%s success took=%s\n", op, elapsed)
			}
			return err
		}
	}
}
