package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"onebox/internal/model"
	"onebox/internal/repository/memory"
	"onebox/pkg/mq"
	"onebox/pkg/trace"
)

type capture struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   [][]byte
}

func (c *capture) add(r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, r)
	c.bodies = append(c.bodies, body)
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// failingServer 前 failures 次返回 500，之后返回 200
func failingServer(t *testing.T, failures int32) (*httptest.Server, *capture) {
	t.Helper()
	var calls atomic.Int32
	c := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.add(r)
		if calls.Add(1) <= failures {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func newTestDispatcher(cfg Config, sink EventSink) (*Dispatcher, *memory.Store, *sleepRecorder) {
	store := memory.New()
	cfg.Secret = "s3cret"
	d := NewDispatcher(cfg, store, sink, zap.NewNop())
	rec := &sleepRecorder{}
	d.sleep = rec.sleep
	return d, store, rec
}

func TestDispatch_SignsEnvelope(t *testing.T) {
	srv, c := failingServer(t, 0)
	d, store, _ := newTestDispatcher(Config{}, nil)
	ctx := trace.WithContext(context.Background(), "trace-1")

	rec, err := d.Dispatch(ctx, srv.URL, "custom_event", map[string]string{"hello": "world"}, map[string]string{"X-Extra": "1"})
	require.NoError(t, err)
	require.Equal(t, 1, c.count())

	req := c.requests[0]
	var env Envelope
	require.NoError(t, json.Unmarshal(c.bodies[0], &env))
	assert.Equal(t, "custom_event", env.Event)
	assert.JSONEq(t, `{"hello":"world"}`, string(env.Data))
	assert.Equal(t, env.Signature, req.Header.Get(HeaderSignature))
	assert.True(t, d.Verify(env.Data, env.Signature))
	assert.Equal(t, "custom_event", req.Header.Get(HeaderEvent))
	assert.Equal(t, rec.ID, req.Header.Get(HeaderID))
	assert.Equal(t, "trace-1", req.Header.Get(trace.HeaderName))
	assert.Equal(t, DefaultUserAgent, req.Header.Get("User-Agent"))
	assert.Equal(t, "1", req.Header.Get("X-Extra"))

	stored, err := store.GetRecord(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationSuccess, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, http.StatusOK, stored.LastStatusCode)
}

func TestDispatch_SucceedsOnThirdAttemptWithGrowingDelay(t *testing.T) {
	srv, c := failingServer(t, 2)
	d, _, sleeps := newTestDispatcher(Config{}, nil)

	rec, err := d.Dispatch(context.Background(), srv.URL, "e", map[string]int{"n": 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, c.count())
	assert.Equal(t, 3, rec.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeps.delays)
	assert.Greater(t, sleeps.delays[1], sleeps.delays[0])

	// 重试使用同一个幂等 ID
	ids := map[string]bool{}
	for _, r := range c.requests {
		ids[r.Header.Get(HeaderID)] = true
	}
	assert.Len(t, ids, 1)
}

func TestDispatch_StopsAfterThreeAttempts(t *testing.T) {
	srv, c := failingServer(t, 100)
	d, store, _ := newTestDispatcher(Config{}, nil)

	rec, err := d.Dispatch(context.Background(), srv.URL, "e", "x", nil)
	require.Error(t, err)
	assert.Equal(t, 3, c.count())

	stored, err := store.GetRecord(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationFailed, stored.Status)
	assert.Equal(t, 3, stored.Attempts)
	assert.Equal(t, http.StatusInternalServerError, stored.LastStatusCode)
	assert.Contains(t, stored.LastError, "500")
}

func TestDispatch_NoURL(t *testing.T) {
	d, _, _ := newTestDispatcher(Config{}, nil)
	_, err := d.Dispatch(context.Background(), "", "e", nil, nil)
	assert.ErrorIs(t, err, ErrNoDestination)
}

func TestVerify(t *testing.T) {
	d, _, _ := newTestDispatcher(Config{}, nil)
	payload := []byte(`{"a":1}`)
	sig := d.Sign(payload)

	assert.True(t, d.Verify(payload, sig))
	assert.False(t, d.Verify([]byte(`{"a":2}`), sig))
	assert.False(t, d.Verify(payload, "not-hex"))
	assert.False(t, d.Verify(payload, ""))
}

type fakeSink struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (f *fakeSink) PublishWithContext(_ context.Context, routingKey string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, routingKey)
	return f.err
}

func interestedMessage() *model.Message {
	return &model.Message{
		ID:           "m-1",
		MessageID:    "abc@example.com",
		AccountEmail: "me@example.com",
		Subject:      "Let's schedule a call",
		From:         model.Address{Name: "Lead", Address: "lead@example.com"},
		To:           []model.Address{{Address: "me@example.com"}},
		Body:         model.Body{Text: "Are you free tomorrow?"},
		Folder:       "INBOX",
		Enrichment:   &model.Enrichment{Label: model.LabelInterested, Confidence: 0.9},
	}
}

func TestNotifyInterested_FansOutAndIsolatesFailures(t *testing.T) {
	slack, slackCap := failingServer(t, 0)
	external, externalCap := failingServer(t, 100)
	extra, extraCap := failingServer(t, 0)
	sink := &fakeSink{}

	d, _, _ := newTestDispatcher(Config{
		SlackURL:       slack.URL,
		ExternalURL:    external.URL,
		AdditionalURLs: []string{extra.URL},
	}, sink)

	err := d.NotifyInterested(context.Background(), interestedMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "external")

	assert.Equal(t, 1, slackCap.count())
	assert.Equal(t, 3, externalCap.count())
	assert.Equal(t, 1, extraCap.count())
	assert.Equal(t, []string{mq.RoutingMessageInterested}, sink.keys)

	var slackMsg slackMessage
	require.NoError(t, json.Unmarshal(slackCap.bodies[0], &slackMsg))
	require.Len(t, slackMsg.Attachments, 1)
	assert.Equal(t, "#28a745", slackMsg.Attachments[0].Color)
	assert.Equal(t, "Let's schedule a call", slackMsg.Attachments[0].Text)

	var env Envelope
	require.NoError(t, json.Unmarshal(externalCap.bodies[0], &env))
	assert.Equal(t, EventInterested, env.Event)
	var data InterestedData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "Interested", data.Category)

	require.NoError(t, json.Unmarshal(extraCap.bodies[0], &env))
	assert.Equal(t, EventCategorized, env.Event)
}

func TestNotifyInterested_NoDestination(t *testing.T) {
	d, _, _ := newTestDispatcher(Config{}, nil)
	assert.ErrorIs(t, d.NotifyInterested(context.Background(), interestedMessage()), ErrNoDestination)
}

func TestNotifyInterested_SinkError(t *testing.T) {
	d, _, _ := newTestDispatcher(Config{}, &fakeSink{err: errors.New("channel closed")})
	err := d.NotifyInterested(context.Background(), interestedMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel closed")
}

func TestBuildBulkSummary(t *testing.T) {
	mk := func(label model.Label, account string) *model.Message {
		m := &model.Message{AccountEmail: account}
		if label != "" {
			m.Enrichment = &model.Enrichment{Label: label}
		}
		return m
	}
	messages := []*model.Message{
		mk(model.LabelInterested, "a@example.com"),
		mk(model.LabelInterested, "a@example.com"),
		mk(model.LabelInterested, "b@example.com"),
		mk(model.LabelSpam, "b@example.com"),
		mk(model.LabelSpam, "b@example.com"),
	}
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	s := BuildBulkSummary(messages, now)
	assert.Equal(t, 5, s.Total)
	assert.Equal(t, map[string]int{"Interested": 3, "Spam": 2}, s.ByCategory)
	assert.Equal(t, map[string]int{"a@example.com": 2, "b@example.com": 3}, s.ByAccount)
	assert.Equal(t, now, s.ProcessedAt)

	s = BuildBulkSummary([]*model.Message{mk("", "")}, now)
	assert.Equal(t, map[string]int{"Uncategorized": 1}, s.ByCategory)
	assert.Equal(t, map[string]int{"Unknown": 1}, s.ByAccount)
}

func TestNotifyBulk_SendsOneSummary(t *testing.T) {
	slack, slackCap := failingServer(t, 0)
	external, externalCap := failingServer(t, 0)
	d, _, _ := newTestDispatcher(Config{SlackURL: slack.URL, ExternalURL: external.URL}, nil)

	messages := []*model.Message{interestedMessage(), interestedMessage()}
	summary, err := d.NotifyBulk(context.Background(), messages, "")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 1, slackCap.count())
	assert.Equal(t, 1, externalCap.count())

	var env Envelope
	require.NoError(t, json.Unmarshal(externalCap.bodies[0], &env))
	assert.Equal(t, EventBulkProcessed, env.Event)
	var got Summary
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, map[string]int{"Interested": 2}, got.ByCategory)
}

func TestReplayFailed_ReusesRecordID(t *testing.T) {
	var healthy atomic.Bool
	c := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.add(r)
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d, store, _ := newTestDispatcher(Config{ExternalURL: srv.URL}, nil)
	ctx := context.Background()

	rec, err := d.Dispatch(ctx, srv.URL, EventInterested, map[string]string{"id": "m-1"}, nil)
	require.Error(t, err)

	healthy.Store(true)
	delivered, err := d.ReplayFailed(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	last := c.requests[len(c.requests)-1]
	assert.Equal(t, rec.ID, last.Header.Get(HeaderID))
	assert.NotEmpty(t, last.Header.Get(HeaderSignature))

	stored, err := store.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationSuccess, stored.Status)
	assert.Equal(t, 4, stored.Attempts)

	failed, err := store.ListFailedRecords(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestSendTest(t *testing.T) {
	srv, c := failingServer(t, 0)
	d, _, _ := newTestDispatcher(Config{ExternalURL: srv.URL}, nil)

	_, err := d.SendTest(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, 1, c.count())
	assert.Equal(t, EventTest, c.requests[0].Header.Get(HeaderEvent))

	d2, _, _ := newTestDispatcher(Config{}, nil)
	_, err = d2.SendTest(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoDestination)
}

func TestDeliveryStats_SummarizesLog(t *testing.T) {
	ok, _ := failingServer(t, 0)
	broken, _ := failingServer(t, 100)
	d, _, _ := newTestDispatcher(Config{}, nil)
	ctx := context.Background()

	empty, err := d.DeliveryStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, empty.TotalSent)
	assert.Zero(t, empty.SuccessRate)
	assert.Nil(t, empty.LastSent)
	assert.Empty(t, empty.RecentErrors)

	for i := 0; i < 3; i++ {
		_, err := d.Dispatch(ctx, ok.URL, "e", i, nil)
		require.NoError(t, err)
	}
	_, err = d.Dispatch(ctx, broken.URL, "e", "x", nil)
	require.Error(t, err)
	_, err = d.Dispatch(ctx, broken.URL, "e", "y", nil)
	require.Error(t, err)

	stats, err := d.DeliveryStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.TotalSent)
	assert.Equal(t, 3, stats.Succeeded)
	assert.Equal(t, 2, stats.Failed)
	assert.InDelta(t, 0.6, stats.SuccessRate, 1e-9)
	require.NotNil(t, stats.LastSent)
	// 两次失败的原因相同，只保留一条
	require.Len(t, stats.RecentErrors, 1)
	assert.Contains(t, stats.RecentErrors[0], "500")
}
