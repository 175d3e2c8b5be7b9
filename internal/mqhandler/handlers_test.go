package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	mqcontracts "onebox/contracts/mq"
	"onebox/internal/enrich"
	"onebox/internal/model"
	"onebox/internal/repository"
	"onebox/pkg/mq"
	"onebox/pkg/outbox"
	"onebox/pkg/trace"
)

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

type activatorCall struct {
	id      string
	active  bool
	traceID string
}

type fakeActivator struct {
	calls []activatorCall
	err   error
}

func (f *fakeActivator) SetActive(ctx context.Context, id string, active bool) (*model.Account, error) {
	f.calls = append(f.calls, activatorCall{id: id, active: active, traceID: trace.FromContext(ctx)})
	if f.err != nil {
		return nil, f.err
	}
	return &model.Account{ID: id, Active: active}, nil
}

func TestAccountCommandHandler(t *testing.T) {
	acts := &fakeActivator{}
	h := NewAccountCommandHandler(acts, zap.NewNop())

	require.NoError(t, h.HandleConnect(context.Background(), mustJSON(t, mqcontracts.AccountCommandPayload{AccountID: "a1", TraceID: "t-1"})))
	require.NoError(t, h.HandleDisconnect(context.Background(), mustJSON(t, mqcontracts.AccountCommandPayload{AccountID: "a1"})))

	require.Len(t, acts.calls, 2)
	assert.Equal(t, activatorCall{id: "a1", active: true, traceID: "t-1"}, acts.calls[0])
	assert.False(t, acts.calls[1].active)
}

func TestAccountCommandHandler_Errors(t *testing.T) {
	h := NewAccountCommandHandler(&fakeActivator{}, zap.NewNop())
	assert.ErrorIs(t, h.HandleConnect(context.Background(), json.RawMessage(`{`)), mq.ErrPermanent)
	assert.ErrorIs(t, h.HandleConnect(context.Background(), json.RawMessage(`{}`)), mq.ErrPermanent)

	missing := NewAccountCommandHandler(&fakeActivator{err: repository.ErrNotFound}, zap.NewNop())
	assert.ErrorIs(t, missing.HandleConnect(context.Background(), mustJSON(t, mqcontracts.AccountCommandPayload{AccountID: "x"})), mq.ErrPermanent)

	transient := NewAccountCommandHandler(&fakeActivator{err: errors.New("db down")}, zap.NewNop())
	err := transient.HandleConnect(context.Background(), mustJSON(t, mqcontracts.AccountCommandPayload{AccountID: "x"}))
	require.Error(t, err)
	assert.NotErrorIs(t, err, mq.ErrPermanent)
}

type fakeRecategorizer struct {
	batches [][]string
	sweeps  int
	err     error
}

func (f *fakeRecategorizer) EnrichBatch(_ context.Context, ids []string) (enrich.BatchResult, error) {
	f.batches = append(f.batches, ids)
	return enrich.BatchResult{Enriched: len(ids)}, f.err
}

func (f *fakeRecategorizer) RecategorizeUnenriched(context.Context) (enrich.BatchResult, error) {
	f.sweeps++
	return enrich.BatchResult{}, f.err
}

func TestRecategorizeHandler(t *testing.T) {
	r := &fakeRecategorizer{}
	h := NewRecategorizeHandler(r, zap.NewNop())

	require.NoError(t, h.HandleRecategorize(context.Background(), json.RawMessage(`{}`)))
	require.NoError(t, h.HandleRecategorize(context.Background(), mustJSON(t, mqcontracts.RecategorizePayload{MessageIDs: []string{"m1", "m2"}})))
	assert.Equal(t, 1, r.sweeps)
	assert.Equal(t, [][]string{{"m1", "m2"}}, r.batches)

	r.err = enrich.ErrBatchTooLarge
	assert.ErrorIs(t, h.HandleRecategorize(context.Background(), mustJSON(t, mqcontracts.RecategorizePayload{MessageIDs: []string{"m1"}})), mq.ErrPermanent)
}

type countingReplayer struct {
	limits []int
	events []int64
	err    error
}

func (c *countingReplayer) ReplayEvent(_ context.Context, id int64) error {
	c.events = append(c.events, id)
	return c.err
}

func (c *countingReplayer) ReplayFailed(_ context.Context, limit int) (int, error) {
	c.limits = append(c.limits, limit)
	return 1, c.err
}

func (c *countingReplayer) ReplayFailedEvents(_ context.Context, limit int) (int, error) {
	c.limits = append(c.limits, limit)
	return 2, c.err
}

func TestReplayHandler_Targets(t *testing.T) {
	webhooks, ob := &countingReplayer{}, &countingReplayer{}
	h := NewReplayHandler(webhooks, ob, zap.NewNop())

	require.NoError(t, h.HandleReplay(context.Background(), json.RawMessage(`{}`)))
	assert.Equal(t, []int{defaultReplayLimit}, webhooks.limits)
	assert.Equal(t, []int{defaultReplayLimit}, ob.limits)

	require.NoError(t, h.HandleReplay(context.Background(), mustJSON(t, mqcontracts.NotificationReplayPayload{Limit: 10000, Target: mqcontracts.ReplayTargetWebhooks})))
	assert.Equal(t, []int{defaultReplayLimit, maxReplayLimit}, webhooks.limits)
	assert.Len(t, ob.limits, 1)

	assert.ErrorIs(t, h.HandleReplay(context.Background(), mustJSON(t, mqcontracts.NotificationReplayPayload{Target: "sms"})), mq.ErrPermanent)
}

func TestReplayHandler_WithoutOutbox(t *testing.T) {
	webhooks := &countingReplayer{err: errors.New("sink down")}
	h := NewReplayHandler(webhooks, nil, zap.NewNop())

	err := h.HandleReplay(context.Background(), json.RawMessage(`{"limit":5}`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, mq.ErrPermanent)
	assert.Equal(t, []int{5}, webhooks.limits)

	assert.ErrorIs(t, h.HandleReplay(context.Background(), mustJSON(t, mqcontracts.NotificationReplayPayload{Target: mqcontracts.ReplayTargetOutbox})), mq.ErrPermanent)
}

func TestReplayHandler_SingleOutboxEvent(t *testing.T) {
	webhooks, ob := &countingReplayer{}, &countingReplayer{}
	h := NewReplayHandler(webhooks, ob, zap.NewNop())

	require.NoError(t, h.HandleReplay(context.Background(), mustJSON(t, mqcontracts.NotificationReplayPayload{EventID: 42})))
	assert.Equal(t, []int64{42}, ob.events)
	assert.Empty(t, webhooks.limits)
	assert.Empty(t, ob.limits)

	ob.err = fmt.Errorf("event 7: %w", outbox.ErrEventNotFound)
	assert.ErrorIs(t, h.HandleReplay(context.Background(), mustJSON(t, mqcontracts.NotificationReplayPayload{EventID: 7})), mq.ErrPermanent)
}
