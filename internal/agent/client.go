// Package agent 调用外部分类服务
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"onebox/pkg/circuitbreaker"
	"onebox/pkg/metrics"
	"onebox/pkg/trace"
)

const classifyPath = "/classify"

// ErrRateLimited 分类服务返回 429
var ErrRateLimited = errors.New("classifier rate limited")

type Input struct {
	Subject string `json:"subject"`
	From    string `json:"from"`
	Body    string `json:"body"`
}

// Classification 分类服务的原始响应，Label 未经校验
type Classification struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	cb         *circuitbreaker.CircuitBreaker
	logger     *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cbConfig := circuitbreaker.Config{
		FailureThreshold:    3,                // 连续失败3次后打开
		SuccessThreshold:    2,                // 半开状态下成功2次后关闭
		Timeout:             30 * time.Second, // 打开状态持续30秒
		HalfOpenMaxRequests: 2,
		// 限流不是服务故障，不计入熔断
		IsFailure: func(err error) bool { return !errors.Is(err, ErrRateLimited) },
		OnStateChange: func(from, to circuitbreaker.State) {
			logger.Warn("Classifier circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		cb:         circuitbreaker.NewCircuitBreaker(cbConfig),
		logger:     logger,
	}
}

// Classify 调用 POST /classify，带熔断器
func (c *Client) Classify(ctx context.Context, in Input) (*Classification, error) {
	var result *Classification

	err := c.cb.Execute(func() error {
		start := time.Now()
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+classifyPath, bytes.NewReader(b))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		// 传播 trace_id
		if traceID := trace.FromContext(ctx); traceID != "" {
			req.Header.Set(trace.HeaderName, traceID)
		}

		resp, err := c.httpClient.Do(req)
		latency := time.Since(start)
		if err != nil {
			metrics.RecordClassifierCallLatency(classifyPath, "error", latency)
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			metrics.RecordClassifierCallLatency(classifyPath, "429", latency)
			return ErrRateLimited
		case resp.StatusCode >= 500:
			metrics.RecordClassifierCallLatency(classifyPath, "5xx", latency)
			return fmt.Errorf("classifier 5xx: %d", resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			metrics.RecordClassifierCallLatency(classifyPath, strconv.Itoa(resp.StatusCode), latency)
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("classifier error: %d: %s", resp.StatusCode, bytes.TrimSpace(body))
		}

		metrics.RecordClassifierCallLatency(classifyPath, "success", latency)
		var out Classification
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("failed to decode classification: %w", err)
		}
		result = &out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// BreakerState 当前熔断器状态
func (c *Client) BreakerState() circuitbreaker.State {
	return c.cb.GetState()
}
