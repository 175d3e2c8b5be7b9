// Package notify delivers signed webhook notifications with bounded retries.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"onebox/internal/model"
	"onebox/internal/repository"
	"onebox/pkg/metrics"
	"onebox/pkg/trace"
)

const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEvent     = "X-Webhook-Event"
	HeaderID        = "X-Webhook-ID"

	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultTimeout     = 10 * time.Second
	DefaultUserAgent   = "Onebox/1.0"

	recentErrorLimit = 10
)

var ErrNoDestination = errors.New("no notification destination configured")

type Config struct {
	Secret         string
	SlackURL       string
	ExternalURL    string
	AdditionalURLs []string
	MaxAttempts    int
	BaseDelay      time.Duration
	Timeout        time.Duration
	UserAgent      string
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	return c
}

// EventSink 可选的消息队列投递目标
type EventSink interface {
	PublishWithContext(ctx context.Context, routingKey string, payload any) error
}

// Envelope 签名 webhook 的请求体，Signature = hex(HMAC-SHA256(secret, Data))
type Envelope struct {
	Event     string          `json:"event"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature"`
}

type Dispatcher struct {
	cfg        Config
	httpClient *http.Client
	records    repository.NotificationLog
	sink       EventSink
	logger     *zap.Logger
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time
}

// NewDispatcher sink 可为 nil
func NewDispatcher(cfg Config, records repository.NotificationLog, sink EventSink, logger *zap.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		records:    records,
		sink:       sink,
		logger:     logger,
		sleep:      sleepContext,
		now:        time.Now,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Sign 返回 data 的 HMAC-SHA256 十六进制签名
func (d *Dispatcher) Sign(data []byte) string {
	mac := hmac.New(sha256.New, []byte(d.cfg.Secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify 校验入站回调的签名（常量时间比较）
func (d *Dispatcher) Verify(payload []byte, signature string) bool {
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(d.cfg.Secret))
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}

// Dispatch 将 data 包装为签名信封发送到 url，失败时按指数退避重试
func (d *Dispatcher) Dispatch(ctx context.Context, url, event string, data any, headers map[string]string) (*model.NotificationRecord, error) {
	if url == "" {
		return nil, ErrNoDestination
	}
	body, signature, err := d.envelope(event, data)
	if err != nil {
		return nil, err
	}

	h := map[string]string{HeaderSignature: signature}
	for k, v := range headers {
		h[k] = v
	}
	return d.deliver(ctx, d.newRecord(url, event, body), h)
}

func (d *Dispatcher) envelope(event string, data any) ([]byte, string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal notification data: %w", err)
	}
	env := Envelope{
		Event:     event,
		Timestamp: d.now().UTC(),
		Data:      raw,
		Signature: d.Sign(raw),
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return body, env.Signature, nil
}

func (d *Dispatcher) newRecord(url, event string, body []byte) *model.NotificationRecord {
	return &model.NotificationRecord{
		ID:          uuid.NewString(),
		Destination: url,
		Event:       event,
		Payload:     body,
		Status:      model.NotificationPending,
	}
}

// deliver 发送并记录每次尝试；rec 已存在（CreatedAt 非零）时复用同一个幂等 ID
func (d *Dispatcher) deliver(ctx context.Context, rec *model.NotificationRecord, headers map[string]string) (*model.NotificationRecord, error) {
	kind := destinationKind(d.cfg, rec.Destination)
	storeCtx := context.WithoutCancel(ctx)

	if rec.CreatedAt.IsZero() {
		if err := d.records.CreateRecord(storeCtx, rec); err != nil {
			d.logger.Warn("Failed to create notification record", zap.String("id", rec.ID), zap.Error(err))
		}
	}

	start := d.now()
	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		status, err := d.post(ctx, rec, headers)
		rec.Attempts++
		rec.LastStatusCode = status
		rec.Duration = d.now().Sub(start)

		if err == nil {
			rec.Status = model.NotificationSuccess
			rec.LastError = ""
			d.update(storeCtx, rec)
			metrics.IncrementNotification(kind, "success")
			return rec, nil
		}

		lastErr = err
		rec.LastError = err.Error()
		metrics.IncrementNotification(kind, "retry")

		if attempt == d.cfg.MaxAttempts {
			break
		}
		d.update(storeCtx, rec)

		delay := d.cfg.BaseDelay * time.Duration(1<<(attempt-1))
		if err := d.sleep(ctx, delay); err != nil {
			lastErr = err
			rec.LastError = err.Error()
			break
		}
	}

	rec.Status = model.NotificationFailed
	d.update(storeCtx, rec)
	metrics.IncrementNotification(kind, "failed")
	return rec, fmt.Errorf("delivery of %s to %s failed after %d attempts: %w", rec.Event, kind, rec.Attempts, lastErr)
}

func (d *Dispatcher) update(ctx context.Context, rec *model.NotificationRecord) {
	if err := d.records.UpdateRecord(ctx, rec); err != nil {
		d.logger.Warn("Failed to update notification record", zap.String("id", rec.ID), zap.Error(err))
	}
}

func (d *Dispatcher) post(ctx context.Context, rec *model.NotificationRecord, headers map[string]string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rec.Destination, bytes.NewReader(rec.Payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.cfg.UserAgent)
	req.Header.Set(HeaderEvent, rec.Event)
	req.Header.Set(HeaderID, rec.ID)
	if traceID := trace.FromContext(ctx); traceID != "" {
		req.Header.Set(trace.HeaderName, traceID)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// ReplayFailed 重新投递失败的记录，沿用原记录 ID 作为幂等键；返回成功数
func (d *Dispatcher) ReplayFailed(ctx context.Context, limit int) (int, error) {
	records, err := d.records.ListFailedRecords(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list failed notifications: %w", err)
	}

	delivered := 0
	var errs error
	for _, rec := range records {
		headers := map[string]string{}
		var env Envelope
		if json.Unmarshal(rec.Payload, &env) == nil && env.Signature != "" {
			headers[HeaderSignature] = env.Signature
		}
		rec.Status = model.NotificationPending
		if _, err := d.deliver(ctx, rec, headers); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		delivered++
	}
	d.logger.Info("Replayed failed notifications",
		zap.Int("total", len(records)),
		zap.Int("delivered", delivered),
	)
	return delivered, errs
}

// DeliveryStats 投递成功率、最近一次成功时间和最近的失败原因
func (d *Dispatcher) DeliveryStats(ctx context.Context) (*model.DeliveryStats, error) {
	stats, err := d.records.DeliveryStats(ctx, recentErrorLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load delivery stats: %w", err)
	}
	return stats, nil
}

// SendTest 发送 test_webhook 事件；url 为空时使用外部回调地址
func (d *Dispatcher) SendTest(ctx context.Context, url string) (*model.NotificationRecord, error) {
	if url == "" {
		url = d.cfg.ExternalURL
	}
	data := map[string]any{
		"message": "This is a test webhook from Onebox",
		"version": "1.0.0",
		"test":    true,
	}
	return d.Dispatch(ctx, url, EventTest, data, nil)
}

func destinationKind(cfg Config, url string) string {
	switch url {
	case cfg.SlackURL:
		return "slack"
	case cfg.ExternalURL:
		return "external"
	}
	for _, u := range cfg.AdditionalURLs {
		if u == url {
			return "additional"
		}
	}
	return "custom"
}
