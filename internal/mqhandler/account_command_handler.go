package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	mqcontracts "onebox/contracts/mq"
	"onebox/internal/model"
	"onebox/internal/repository"
	"onebox/pkg/logger"
	"onebox/pkg/mq"
	"onebox/pkg/trace"
)

type AccountActivator interface {
	SetActive(ctx context.Context, id string, active bool) (*model.Account, error)
}

// AccountCommandHandler 处理 account.connect / account.disconnect 管理命令
type AccountCommandHandler struct {
	accounts AccountActivator
	logger   *zap.Logger
}

func NewAccountCommandHandler(accounts AccountActivator, logger *zap.Logger) *AccountCommandHandler {
	return &AccountCommandHandler{
		accounts: accounts,
		logger:   logger,
	}
}

func (h *AccountCommandHandler) HandleConnect(ctx context.Context, raw json.RawMessage) error {
	return h.handle(ctx, raw, true)
}

func (h *AccountCommandHandler) HandleDisconnect(ctx context.Context, raw json.RawMessage) error {
	return h.handle(ctx, raw, false)
}

func (h *AccountCommandHandler) handle(ctx context.Context, raw json.RawMessage, active bool) error {
	var p mqcontracts.AccountCommandPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.logger.Error("Failed to unmarshal account command payload", zap.Error(err))
		return mq.Permanent(err)
	}
	if p.AccountID == "" {
		return mq.Permanent(errors.New("account_id is required"))
	}
	if p.TraceID != "" {
		ctx = trace.WithContext(ctx, p.TraceID)
	}
	log := logger.WithTrace(ctx, h.logger).With(
		zap.String("account_id", p.AccountID),
		zap.Bool("active", active),
	)

	if _, err := h.accounts.SetActive(ctx, p.AccountID, active); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Warn("Account command for unknown account")
			return mq.Permanent(err)
		}
		log.Error("Account command failed", zap.Error(err))
		return fmt.Errorf("failed to apply account command: %w", err)
	}

	log.Info("Account command applied")
	return nil
}
