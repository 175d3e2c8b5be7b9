package mqhandler

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	mqcontracts "onebox/contracts/mq"
	"onebox/internal/enrich"
	"onebox/pkg/logger"
	"onebox/pkg/mq"
	"onebox/pkg/trace"
)

type Recategorizer interface {
	EnrichBatch(ctx context.Context, ids []string) (enrich.BatchResult, error)
	RecategorizeUnenriched(ctx context.Context) (enrich.BatchResult, error)
}

type RecategorizeHandler struct {
	enricher Recategorizer
	logger   *zap.Logger
}

func NewRecategorizeHandler(enricher Recategorizer, logger *zap.Logger) *RecategorizeHandler {
	return &RecategorizeHandler{
		enricher: enricher,
		logger:   logger,
	}
}

// HandleRecategorize 指定 message_ids 时按批分类，否则对未分类消息做 sweep
func (h *RecategorizeHandler) HandleRecategorize(ctx context.Context, raw json.RawMessage) error {
	var p mqcontracts.RecategorizePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.logger.Error("Failed to unmarshal recategorize payload", zap.Error(err))
		return mq.Permanent(err)
	}
	if p.TraceID != "" {
		ctx = trace.WithContext(ctx, p.TraceID)
	}
	log := logger.WithTrace(ctx, h.logger)

	var (
		res enrich.BatchResult
		err error
	)
	if len(p.MessageIDs) > 0 {
		res, err = h.enricher.EnrichBatch(ctx, p.MessageIDs)
	} else {
		res, err = h.enricher.RecategorizeUnenriched(ctx)
	}
	if err != nil {
		if errors.Is(err, enrich.ErrBatchTooLarge) {
			return mq.Permanent(err)
		}
		log.Error("Recategorize failed", zap.Error(err))
		return err
	}

	// 单条失败不重投整个命令
	log.Info("Recategorize completed",
		zap.Int("requested", len(p.MessageIDs)),
		zap.Int("enriched", res.Enriched),
		zap.Int("failed", res.Failed),
		zap.Int("missing", res.Missing),
	)
	return nil
}
