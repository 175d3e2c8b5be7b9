package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	mqcontracts "onebox/contracts/mq"
	"onebox/pkg/logger"
	"onebox/pkg/mq"
	"onebox/pkg/outbox"
	"onebox/pkg/trace"
)

const (
	defaultReplayLimit = 50
	maxReplayLimit     = 500
)

type WebhookReplayer interface {
	ReplayFailed(ctx context.Context, limit int) (int, error)
}

type OutboxReplayer interface {
	ReplayEvent(ctx context.Context, eventID int64) error
	ReplayFailedEvents(ctx context.Context, limit int) (int, error)
}

// ReplayHandler 重放失败的 webhook 投递记录和 outbox 事件
type ReplayHandler struct {
	webhooks WebhookReplayer
	outbox   OutboxReplayer
	logger   *zap.Logger
}

// NewReplayHandler outbox 可以为 nil
func NewReplayHandler(webhooks WebhookReplayer, outbox OutboxReplayer, logger *zap.Logger) *ReplayHandler {
	return &ReplayHandler{
		webhooks: webhooks,
		outbox:   outbox,
		logger:   logger,
	}
}

func (h *ReplayHandler) HandleReplay(ctx context.Context, raw json.RawMessage) error {
	var p mqcontracts.NotificationReplayPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.logger.Error("Failed to unmarshal replay payload", zap.Error(err))
		return mq.Permanent(err)
	}
	if p.TraceID != "" {
		ctx = trace.WithContext(ctx, p.TraceID)
	}

	if p.EventID > 0 {
		return h.replayEvent(ctx, p.EventID)
	}

	limit := p.Limit
	if limit <= 0 {
		limit = defaultReplayLimit
	}
	if limit > maxReplayLimit {
		limit = maxReplayLimit
	}

	var replayWebhooks, replayOutbox bool
	switch p.Target {
	case "":
		replayWebhooks, replayOutbox = true, h.outbox != nil
	case mqcontracts.ReplayTargetWebhooks:
		replayWebhooks = true
	case mqcontracts.ReplayTargetOutbox:
		if h.outbox == nil {
			return mq.Permanent(errors.New("outbox replay not configured"))
		}
		replayOutbox = true
	default:
		return mq.Permanent(fmt.Errorf("unknown replay target %q", p.Target))
	}

	log := logger.WithTrace(ctx, h.logger).With(zap.Int("limit", limit))
	var errs error
	if replayWebhooks {
		n, err := h.webhooks.ReplayFailed(ctx, limit)
		errs = multierr.Append(errs, err)
		log.Info("Webhook replay finished", zap.Int("replayed", n), zap.Error(err))
	}
	if replayOutbox {
		n, err := h.outbox.ReplayFailedEvents(ctx, limit)
		errs = multierr.Append(errs, err)
		log.Info("Outbox replay finished", zap.Int("replayed", n), zap.Error(err))
	}
	return errs
}

func (h *ReplayHandler) replayEvent(ctx context.Context, eventID int64) error {
	if h.outbox == nil {
		return mq.Permanent(errors.New("outbox replay not configured"))
	}
	log := logger.WithTrace(ctx, h.logger).With(zap.Int64("event_id", eventID))
	if err := h.outbox.ReplayEvent(ctx, eventID); err != nil {
		if errors.Is(err, outbox.ErrEventNotFound) {
			log.Warn("Outbox event not found")
			return mq.Permanent(err)
		}
		return fmt.Errorf("failed to replay outbox event: %w", err)
	}
	log.Info("Outbox event reset for redelivery")
	return nil
}
