// Package enrich classifies stored messages in the background under a rate budget.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"onebox/internal/agent"
	"onebox/internal/model"
	"onebox/internal/notify"
	"onebox/internal/parser"
	"onebox/internal/repository"
	"onebox/pkg/logger"
	"onebox/pkg/metrics"
	"onebox/pkg/trace"
	"onebox/pkg/util"
)

var (
	ErrUnknownLabel  = errors.New("unknown classification label")
	ErrBatchTooLarge = errors.New("enrichment batch too large")
	errQueueFull     = errors.New("enrichment queue full")
)

const (
	minConfidence     = 0.1
	maxConfidence     = 1.0
	maxClassifierBody = 2000
)

type Classifier interface {
	Classify(ctx context.Context, in agent.Input) (*agent.Classification, error)
}

type Notifier interface {
	NotifyInterested(ctx context.Context, m *model.Message) error
	NotifyBulk(ctx context.Context, messages []*model.Message, event string) (notify.Summary, error)
}

type Indexer interface {
	Upsert(m *model.Message)
}

type Config struct {
	QueueSize         int
	Interval          time.Duration // 两次分类调用的最小间隔
	RateLimitCooldown time.Duration
	MaxBatch          int
	SubBatchSize      int
	SubBatchPause     time.Duration
	SweepLimit        int
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Interval <= 0 {
		c.Interval = 3 * time.Second
	}
	if c.RateLimitCooldown <= 0 {
		c.RateLimitCooldown = 2 * time.Minute
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 50
	}
	if c.SubBatchSize <= 0 {
		c.SubBatchSize = 10
	}
	if c.SubBatchPause <= 0 {
		c.SubBatchPause = 500 * time.Millisecond
	}
	if c.SweepLimit <= 0 {
		c.SweepLimit = c.MaxBatch
	}
	return c
}

type ItemResult struct {
	ID         string
	Enrichment *model.Enrichment
	Err        error
}

type BatchResult struct {
	Items    []ItemResult
	Enriched int
	Failed   int
	Missing  int
}

type Scheduler struct {
	classifier Classifier
	messages   repository.MessageStore
	notifier   Notifier
	indexer    Indexer
	limiter    *rate.Limiter
	queue      chan *model.Message
	cfg        Config
	logger     *zap.Logger
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time

	// background 跟踪冷却重试和 Interested 通知；stopped 之后不再接收新任务
	bgMu       sync.Mutex
	stopped    bool
	background sync.WaitGroup
}

func NewScheduler(classifier Classifier, messages repository.MessageStore, notifier Notifier, indexer Indexer, cfg Config, logger *zap.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		classifier: classifier,
		messages:   messages,
		notifier:   notifier,
		indexer:    indexer,
		limiter:    rate.NewLimiter(rate.Every(cfg.Interval), 1),
		queue:      make(chan *model.Message, cfg.QueueSize),
		cfg:        cfg,
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

// Enqueue 非阻塞入队；队列满时丢弃，消息保持未分类等待下一次 sweep
func (s *Scheduler) Enqueue(m *model.Message) bool {
	select {
	case s.queue <- m:
		return true
	default:
		metrics.IncrementEnrichment("dropped")
		s.logger.Warn("Enrichment queue full, dropping job",
			zap.String("id", m.ID),
			zap.Error(errQueueFull),
		)
		return false
	}
}

// Run 消费队列直到 ctx 取消，并等待后台重试和通知退出
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("Enrichment scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("queue_size", s.cfg.QueueSize),
	)
	defer s.drain()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Enrichment scheduler stopped", zap.Int("pending", len(s.queue)))
			return
		case m := <-s.queue:
			s.process(trace.Ensure(ctx), m, 1)
		}
	}
}

func (s *Scheduler) process(ctx context.Context, m *model.Message, attempt int) {
	log := logger.WithTrace(ctx, s.logger).With(zap.String("id", m.ID), zap.Int("attempt", attempt))

	e, err := s.Enrich(ctx, m)
	switch {
	case err == nil:
		log.Info("Message enriched",
			zap.String("label", string(e.Label)),
			zap.Float64("confidence", e.Confidence),
		)
	case errors.Is(err, agent.ErrRateLimited):
		if attempt == 1 {
			log.Warn("Classifier rate limited, retrying after cooldown", zap.Duration("cooldown", s.cfg.RateLimitCooldown))
			s.scheduleRetry(ctx, m)
			return
		}
		log.Warn("Classifier still rate limited, leaving message unenriched")
	case ctx.Err() != nil:
	default:
		_, errType := util.IsRetryableError(err)
		log.Error("Enrichment failed", zap.String("error_type", errType), zap.Error(err))
	}
}

// goBackground 在 Run 退出前启动一个受跟踪的 goroutine；已停止时返回 false
func (s *Scheduler) goBackground(fn func()) bool {
	s.bgMu.Lock()
	defer s.bgMu.Unlock()
	if s.stopped {
		return false
	}
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		fn()
	}()
	return true
}

func (s *Scheduler) drain() {
	s.bgMu.Lock()
	s.stopped = true
	s.bgMu.Unlock()
	s.background.Wait()
}

func (s *Scheduler) scheduleRetry(ctx context.Context, m *model.Message) {
	metrics.IncrementEnrichment("rate_limited")
	started := s.goBackground(func() {
		if err := s.sleep(ctx, s.cfg.RateLimitCooldown); err != nil {
			return
		}
		s.process(ctx, m, 2)
	})
	if !started {
		s.logger.Warn("Scheduler stopped, leaving rate limited message unenriched", zap.String("id", m.ID))
	}
}

// notifyInterested 异步发送，调度循环不等待 webhook 重试
func (s *Scheduler) notifyInterested(ctx context.Context, m *model.Message) {
	send := func() {
		if err := s.notifier.NotifyInterested(ctx, m); err != nil && !errors.Is(err, notify.ErrNoDestination) {
			s.logger.Warn("Interested notification failed",
				zap.String("id", m.ID),
				zap.Error(err),
			)
		}
	}
	// 关闭过程中仍在跑的批次直接同步发送
	if !s.goBackground(send) {
		send()
	}
}

// Enrich 同步分类一条消息并写回结果。Interested 时调用一次 NotifyInterested
func (s *Scheduler) Enrich(ctx context.Context, m *model.Message) (model.Enrichment, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return model.Enrichment{}, err
	}

	out, err := s.classifier.Classify(ctx, BuildInput(m))
	if err != nil {
		if !errors.Is(err, agent.ErrRateLimited) {
			metrics.IncrementEnrichment("error")
		}
		return model.Enrichment{}, fmt.Errorf("failed to classify message %s: %w", m.ID, err)
	}

	label, ok := model.ParseLabel(out.Label)
	if !ok {
		metrics.IncrementEnrichment("unknown_label")
		return model.Enrichment{}, fmt.Errorf("%w: %q", ErrUnknownLabel, out.Label)
	}

	e := model.Enrichment{
		Label:      label,
		Confidence: clampConfidence(out.Confidence),
		Reasoning:  out.Reasoning,
		EnrichedAt: s.now().UTC(),
	}
	if err := s.messages.SetEnrichment(ctx, m.ID, e); err != nil {
		metrics.IncrementEnrichment("store_error")
		return model.Enrichment{}, fmt.Errorf("failed to save enrichment: %w", err)
	}
	metrics.IncrementEnrichment("enriched")

	// 调用方的消息可能被其他 goroutine 读取，只修改副本
	enriched := m.Clone()
	enriched.Enrichment = &e
	s.indexer.Upsert(enriched.Clone())

	if label == model.LabelInterested {
		s.notifyInterested(context.WithoutCancel(ctx), enriched)
	}
	return e, nil
}

// EnrichBatch 分类至多 MaxBatch 条消息，按 SubBatchSize 分组并发执行，组间暂停
// 重复 id 只处理一次；单条失败不影响其他消息
func (s *Scheduler) EnrichBatch(ctx context.Context, ids []string) (BatchResult, error) {
	var res BatchResult
	ids = uniqueIDs(ids)
	if len(ids) > s.cfg.MaxBatch {
		return res, fmt.Errorf("%w: %d ids (max %d)", ErrBatchTooLarge, len(ids), s.cfg.MaxBatch)
	}
	if len(ids) == 0 {
		return res, nil
	}

	messages, err := s.messages.GetMessages(ctx, ids)
	if err != nil {
		return res, fmt.Errorf("failed to load messages: %w", err)
	}
	byID := make(map[string]*model.Message, len(messages))
	for _, m := range messages {
		byID[m.ID] = m
	}

	res.Items = make([]ItemResult, len(ids))
	for start := 0; start < len(ids); start += s.cfg.SubBatchSize {
		if start > 0 {
			if err := s.sleep(ctx, s.cfg.SubBatchPause); err != nil {
				return res, err
			}
		}
		end := min(start+s.cfg.SubBatchSize, len(ids))

		var g errgroup.Group
		for i := start; i < end; i++ {
			id := ids[i]
			m, ok := byID[id]
			if !ok {
				res.Items[i] = ItemResult{ID: id, Err: fmt.Errorf("message %s: %w", id, repository.ErrNotFound)}
				continue
			}
			g.Go(func() error {
				e, err := s.Enrich(ctx, m)
				if errors.Is(err, agent.ErrRateLimited) {
					s.scheduleRetry(ctx, m)
				}
				item := ItemResult{ID: id, Err: err}
				if err == nil {
					item.Enrichment = &e
				}
				res.Items[i] = item
				return nil
			})
		}
		_ = g.Wait()
	}

	for _, item := range res.Items {
		switch {
		case item.Err == nil:
			res.Enriched++
		case errors.Is(item.Err, repository.ErrNotFound):
			res.Missing++
		default:
			res.Failed++
		}
	}
	return res, nil
}

// RecategorizeUnenriched 只处理尚未分类的消息，完成后发送一条批量摘要
func (s *Scheduler) RecategorizeUnenriched(ctx context.Context) (BatchResult, error) {
	pending, err := s.messages.ListUnenriched(ctx, s.cfg.SweepLimit)
	if err != nil {
		return BatchResult{}, fmt.Errorf("failed to list unenriched messages: %w", err)
	}
	ids := make([]string, 0, len(pending))
	for _, m := range pending {
		ids = append(ids, m.ID)
	}

	res, err := s.EnrichBatch(ctx, ids)
	if err != nil {
		return res, err
	}

	var enriched []string
	for _, item := range res.Items {
		if item.Err == nil {
			enriched = append(enriched, item.ID)
		}
	}
	if len(enriched) > 0 {
		messages, err := s.messages.GetMessages(ctx, enriched)
		if err != nil {
			return res, fmt.Errorf("failed to reload enriched messages: %w", err)
		}
		if _, err := s.notifier.NotifyBulk(ctx, messages, notify.EventBulkProcessed); err != nil && !errors.Is(err, notify.ErrNoDestination) {
			s.logger.Warn("Bulk summary notification failed", zap.Error(err))
		}
	}

	s.logger.Info("Recategorize sweep finished",
		zap.Int("candidates", len(ids)),
		zap.Int("enriched", res.Enriched),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

// BuildInput 组装分类输入：正文优先纯文本，否则剥离 HTML，截断到 2000 字符
func BuildInput(m *model.Message) agent.Input {
	body := m.Body.Text
	if body == "" && m.Body.HTML != "" {
		body = parser.StripHTML(m.Body.HTML)
	}
	if r := []rune(body); len(r) > maxClassifierBody {
		body = string(r[:maxClassifierBody])
	}
	from := m.From.Address
	if m.From.Name != "" {
		from = m.From.Name + " <" + m.From.Address + ">"
	}
	return agent.Input{Subject: m.Subject, From: from, Body: body}
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func clampConfidence(c float64) float64 {
	if math.IsNaN(c) || c < minConfidence {
		return minConfidence
	}
	if c > maxConfidence {
		return maxConfidence
	}
	return c
}
