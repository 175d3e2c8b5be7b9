package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"onebox/pkg/trace"
)

type fakeStore struct {
	pending []*Event
	sent    []int64
	failed  []int64
}

func (f *fakeStore) GetPendingEvents(_ context.Context, limit int) ([]*Event, error) {
	if len(f.pending) > limit {
		return f.pending[:limit], nil
	}
	return f.pending, nil
}

func (f *fakeStore) MarkAsSent(_ context.Context, id int64) error {
	f.sent = append(f.sent, id)
	return nil
}

func (f *fakeStore) MarkAsFailed(_ context.Context, id int64, _ int) error {
	f.failed = append(f.failed, id)
	return nil
}

type published struct {
	routingKey string
	traceID    string
	payload    any
}

type fakePublisher struct {
	out     []published
	failKey string
}

func (p *fakePublisher) PublishWithContext(ctx context.Context, routingKey string, payload any) error {
	if routingKey == p.failKey {
		return errors.New("broker unavailable")
	}
	p.out = append(p.out, published{routingKey: routingKey, traceID: trace.FromContext(ctx), payload: payload})
	return nil
}

func TestDispatcher_ProcessPending(t *testing.T) {
	store := &fakeStore{pending: []*Event{
		{ID: 1, RoutingKey: "message.enriched", Payload: json.RawMessage(`{"message_id":"m1","trace_id":"t-1"}`)},
		{ID: 2, RoutingKey: "broken", Payload: json.RawMessage(`{}`)},
		{ID: 3, RoutingKey: "message.enriched", Payload: json.RawMessage(`not json`)},
	}}
	pub := &fakePublisher{failKey: "broken"}
	d := NewDispatcher(store, pub, zap.NewNop())

	sent := d.ProcessPending(context.Background())

	assert.Equal(t, 1, sent)
	assert.Equal(t, []int64{1}, store.sent)
	assert.Equal(t, []int64{2, 3}, store.failed)
	require.Len(t, pub.out, 1)
	assert.Equal(t, "t-1", pub.out[0].traceID)
	assert.Equal(t, "m1", pub.out[0].payload.(map[string]any)["message_id"])
}

func TestDispatcher_BatchSizeAndDefaults(t *testing.T) {
	store := &fakeStore{pending: []*Event{
		{ID: 1, RoutingKey: "a", Payload: json.RawMessage(`{}`)},
		{ID: 2, RoutingKey: "a", Payload: json.RawMessage(`{}`)},
	}}
	d := NewDispatcher(store, &fakePublisher{}, zap.NewNop()).
		WithBatchSize(1).
		WithInterval(0).
		WithMaxRetries(-1)

	assert.Equal(t, 1, d.ProcessPending(context.Background()))
	assert.Equal(t, 5, d.maxRetries)
	assert.Positive(t, d.interval)
}

func TestWithTraceID(t *testing.T) {
	ctx := trace.WithContext(context.Background(), "t-9")
	out := withTraceID(ctx, json.RawMessage(`{"a":1}`))
	assert.JSONEq(t, `{"a":1,"trace_id":"t-9"}`, string(out))

	kept := withTraceID(ctx, json.RawMessage(`{"trace_id":"original"}`))
	assert.JSONEq(t, `{"trace_id":"original"}`, string(kept))

	assert.Equal(t, `[1]`, string(withTraceID(ctx, json.RawMessage(`[1]`))))
	assert.Equal(t, `{"a":1}`, string(withTraceID(context.Background(), json.RawMessage(`{"a":1}`))))
}
