package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"onebox/internal/model"
	"onebox/internal/repository"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

var ErrEmptyQuery = errors.New("empty search query")

type Indexer interface {
	Upsert(m *model.Message)
}

type SearchResult struct {
	Hits    []repository.SearchHit `json:"hits"`
	Total   int                    `json:"total"`
	HasMore bool                   `json:"has_more"`
}

// MessageService 读路径：合并收件箱、已读标记、全文搜索
type MessageService struct {
	messages repository.MessageStore
	search   repository.SearchIndex
	indexer  Indexer
	logger   *zap.Logger
}

func NewMessageService(messages repository.MessageStore, search repository.SearchIndex, indexer Indexer, logger *zap.Logger) *MessageService {
	return &MessageService{
		messages: messages,
		search:   search,
		indexer:  indexer,
		logger:   logger,
	}
}

func normalizePage(p model.Page) model.Page {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 {
		p.Limit = defaultPageSize
	}
	if p.Limit > maxPageSize {
		p.Limit = maxPageSize
	}
	return p
}

func (s *MessageService) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	return s.messages.GetMessage(ctx, id)
}

// Feed 返回多个账号合并后的消息，Total 为全部账号的真实总数
func (s *MessageService) Feed(ctx context.Context, f model.Filter, p model.Page) (*model.MessagePage, error) {
	p = normalizePage(p)

	messages, err := s.messages.ListMessages(ctx, f, p)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	total, err := s.messages.CountMessages(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}
	if messages == nil {
		messages = []*model.Message{}
	}

	return &model.MessagePage{
		Messages: messages,
		Total:    total,
		HasMore:  p.Offset+len(messages) < total,
	}, nil
}

// MarkRead 更新已读状态并刷新索引文档
func (s *MessageService) MarkRead(ctx context.Context, id string, read bool) (*model.Message, error) {
	if err := s.messages.SetRead(ctx, id, read); err != nil {
		return nil, err
	}
	m, err := s.messages.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	s.indexer.Upsert(m)
	return m, nil
}

func (s *MessageService) Search(ctx context.Context, query string, f model.Filter, p model.Page) (*SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	p = normalizePage(p)

	hits, total, err := s.search.Search(ctx, query, f, p)
	if err != nil {
		s.logger.Error("Search failed", zap.String("query", query), zap.Error(err))
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	if hits == nil {
		hits = []repository.SearchHit{}
	}
	return &SearchResult{
		Hits:    hits,
		Total:   total,
		HasMore: p.Offset+len(hits) < total,
	}, nil
}

// EnrichmentStats 分类覆盖率；平均置信度只统计已分类消息
func (s *MessageService) EnrichmentStats(ctx context.Context) (*model.EnrichmentStats, error) {
	stats, err := s.messages.EnrichmentStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load enrichment stats: %w", err)
	}
	return stats, nil
}
