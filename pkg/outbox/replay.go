package outbox

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// ReplayService 将失败的事件重置为 pending，交给 Dispatcher 重新投递
type ReplayService struct {
	repo   *Repository
	logger *zap.Logger
}

// NewReplayService 创建新的 ReplayService
func NewReplayService(repo *Repository, logger *zap.Logger) *ReplayService {
	return &ReplayService{repo: repo, logger: logger}
}

// ReplayEvent 重放指定的事件
func (s *ReplayService) ReplayEvent(ctx context.Context, eventID int64) error {
	if _, err := s.repo.GetEventByID(ctx, eventID); err != nil {
		return err
	}
	if err := s.repo.ResetEvent(ctx, eventID); err != nil {
		return fmt.Errorf("failed to replay event %d: %w", eventID, err)
	}
	return nil
}

// ReplayFailedEvents 重放最近失败的事件，返回重置成功的数量
func (s *ReplayService) ReplayFailedEvents(ctx context.Context, limit int) (int, error) {
	events, err := s.repo.GetFailedEvents(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to get failed events: %w", err)
	}

	replayed := 0
	for _, event := range events {
		if err := s.repo.ResetEvent(ctx, event.ID); err != nil {
			s.logger.Warn("Failed to reset outbox event",
				zap.Int64("event_id", event.ID),
				zap.Error(err),
			)
			continue
		}
		replayed++
	}
	s.logger.Info("Outbox events replayed", zap.Int("count", replayed), zap.Int("failed", len(events)))
	return replayed, nil
}
