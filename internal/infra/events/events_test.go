package events

import (
	"context"
	"errors"
	"testing"

	"github.com/rapart/apkqueue/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "apkqueue.tasks.registered", Subject("apkqueue.tasks", domain.EventRegistered))
	assert.Equal(t, "apkqueue.tasks.status", Subject("apkqueue.tasks", domain.EventStatus))
}

func TestPublish_RequiresID(t *testing.T) {
	p := New(nil, "apkqueue.tasks")

	err := p.Publish(context.Background(), domain.TaskEvent{Type: domain.EventStatus, Hash: "h"})
	require.Error(t, err)
}

func TestDiscard(t *testing.T) {
	require.NoError(t, Discard{}.Publish(context.Background(), domain.TaskEvent{ID: "x"}))
}

func TestConsumerDispatch(t *testing.T) {
	var got []domain.TaskEvent
	c := NewConsumer(nil, "APK_TASKS", "apkqueue.tasks", "audit", 0, func(_ context.Context, ev domain.TaskEvent) error {
		got = append(got, ev)
		if ev.Hash == "retry-me" {
			return errors.New("sink unavailable")
		}
		return nil
	})
	ctx := context.Background()

	assert.Equal(t, "apkqueue.tasks.>", c.subject)
	assert.Equal(t, 1, c.workers)

	assert.Equal(t, ackDone, c.dispatch(ctx, []byte(`{"id":"1","type":"status","hash":"h","status":true}`)))
	assert.Equal(t, ackRetry, c.dispatch(ctx, []byte(`{"id":"2","type":"status","hash":"retry-me"}`)))
	assert.Equal(t, ackDone, c.dispatch(ctx, []byte(`not json`)))

	require.Len(t, got, 2)
	assert.Equal(t, domain.EventStatus, got[0].Type)
	assert.True(t, got[0].Status)
}
