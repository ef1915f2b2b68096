package core

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeBus_PublishInRegistrationOrder(t *testing.T) {
	bus := NewChangeBus()
	schema := &SchemaCore{Collection: "comments"}

	var order []string
	bus.Subscribe(schema, func(ctx context.Context, event *ChangeEvent) error {
		order = append(order, "first")
		return nil
	})
	bus.Subscribe(schema, func(ctx context.Context, event *ChangeEvent) error {
		order = append(order, "second")
		return nil
	})

	err := bus.Publish(context.Background(), &ChangeEvent{Schema: schema})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestChangeBus_IsolatesSchemas(t *testing.T) {
	bus := NewChangeBus()
	comments := &SchemaCore{Collection: "comments"}
	votes := &SchemaCore{Collection: "votes"}

	var commentEvents, voteEvents int
	bus.Subscribe(comments, func(ctx context.Context, event *ChangeEvent) error {
		commentEvents++
		return nil
	})
	bus.Subscribe(votes, func(ctx context.Context, event *ChangeEvent) error {
		voteEvents++
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), &ChangeEvent{Schema: comments}))
	require.NoError(t, bus.Publish(context.Background(), &ChangeEvent{Schema: comments}))
	require.NoError(t, bus.Publish(context.Background(), &ChangeEvent{Schema: votes}))

	assert.Equal(t, 2, commentEvents)
	assert.Equal(t, 1, voteEvents)
}

func TestChangeBus_FirstErrorStopsDelivery(t *testing.T) {
	bus := NewChangeBus()
	schema := &SchemaCore{Collection: "comments"}
	boom := errors.New("handler failed")

	var laterCalled bool
	bus.Subscribe(schema, func(ctx context.Context, event *ChangeEvent) error {
		return boom
	})
	bus.Subscribe(schema, func(ctx context.Context, event *ChangeEvent) error {
		laterCalled = true
		return nil
	})

	err := bus.Publish(context.Background(), &ChangeEvent{Schema: schema})
	assert.ErrorIs(t, err, boom)
	assert.False(t, laterCalled, "handlers after the failing one must not run")
}

func TestChangeBus_NoSubscribers(t *testing.T) {
	bus := NewChangeBus()
	schema := &SchemaCore{Collection: "comments"}
	assert.NoError(t, bus.Publish(context.Background(), &ChangeEvent{Schema: schema}))
}

func TestChangeBus_DuplicateSubscriptionDeliversTwice(t *testing.T) {
	bus := NewChangeBus()
	schema := &SchemaCore{Collection: "comments"}

	var calls int
	handler := func(ctx context.Context, event *ChangeEvent) error {
		calls++
		return nil
	}
	bus.Subscribe(schema, handler)
	bus.Subscribe(schema, handler)

	require.NoError(t, bus.Publish(context.Background(), &ChangeEvent{Schema: schema}))
	assert.Equal(t, 2, calls)
}
