// Package syncer pulls messages from a mailbox session into the primary store.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"onebox/internal/mailbox"
	"onebox/internal/model"
	"onebox/internal/parser"
	"onebox/internal/repository"
	"onebox/pkg/logger"
	"onebox/pkg/metrics"
	"onebox/pkg/trace"
)

const (
	DefaultInitialWindow  = 10
	DefaultIncrementalCap = 5
	DefaultFolder         = "INBOX"

	dedupScope = "message"
	flagSeen   = `\Seen`
)

type Kind string

const (
	KindInitial     Kind = "initial"
	KindIncremental Kind = "incremental"
)

// Result 一次同步批次的统计
type Result struct {
	Fetched     int
	Stored      int
	Duplicates  int
	ParseErrors int
	StoreErrors int
	// Skipped 是 context 取消后未处理的消息数
	Skipped int
}

type Deduper interface {
	AcquireOnce(ctx context.Context, scope, key string) bool
	Release(ctx context.Context, scope, key string)
}

// Indexer 接收新入库消息的索引请求，不得阻塞
type Indexer interface {
	Upsert(m *model.Message)
}

// Enricher 接收新入库消息的分类请求，不得阻塞
type Enricher interface {
	Enqueue(m *model.Message) bool
}

type Config struct {
	InitialWindow  int
	IncrementalCap int
	Folder         string
}

func (c Config) withDefaults() Config {
	if c.InitialWindow <= 0 {
		c.InitialWindow = DefaultInitialWindow
	}
	if c.IncrementalCap <= 0 {
		c.IncrementalCap = DefaultIncrementalCap
	}
	if c.Folder == "" {
		c.Folder = DefaultFolder
	}
	return c
}

type Engine struct {
	accounts repository.AccountStore
	messages repository.MessageStore
	dedup    Deduper
	indexer  Indexer
	enricher Enricher
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

func NewEngine(
	accounts repository.AccountStore,
	messages repository.MessageStore,
	dedup Deduper,
	indexer Indexer,
	enricher Enricher,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		accounts: accounts,
		messages: messages,
		dedup:    dedup,
		indexer:  indexer,
		enricher: enricher,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}
}

// Sync 执行一次同步。初始同步取最近 InitialWindow 封，增量同步取未读中最新的 min(count, IncrementalCap) 封
func (e *Engine) Sync(ctx context.Context, account *model.Account, session mailbox.Session, kind Kind, count int) (Result, error) {
	var res Result
	start := e.now()

	e.setStatus(ctx, account.ID, model.SyncStatusSyncing, "", nil)

	uids, err := e.selectUIDs(ctx, session, kind, count)
	if err != nil {
		return res, e.fail(ctx, account, kind, start, fmt.Errorf("failed to search mailbox: %w", err))
	}

	if len(uids) > 0 {
		fetched, err := session.Fetch(ctx, uids)
		if err != nil {
			return res, e.fail(ctx, account, kind, start, fmt.Errorf("failed to fetch messages: %w", err))
		}
		res.Fetched = len(fetched)

		for i, raw := range fetched {
			if ctx.Err() != nil {
				res.Skipped = len(fetched) - i
				break
			}
			e.ingest(ctx, account, raw, &res)
		}
	}

	syncedAt := e.now()
	e.setStatus(ctx, account.ID, model.SyncStatusIdle, "", &syncedAt)
	metrics.RecordSyncDuration(string(kind), "success", syncedAt.Sub(start))
	return res, nil
}

func (e *Engine) selectUIDs(ctx context.Context, session mailbox.Session, kind Kind, count int) ([]uint32, error) {
	if kind == KindIncremental {
		uids, err := session.SearchUnseen(ctx)
		if err != nil {
			return nil, err
		}
		n := min(count, e.cfg.IncrementalCap)
		if n <= 0 {
			return nil, nil
		}
		return mailbox.Tail(uids, n), nil
	}

	uids, err := session.SearchAll(ctx)
	if err != nil {
		return nil, err
	}
	return mailbox.Tail(uids, e.cfg.InitialWindow), nil
}

func (e *Engine) fail(ctx context.Context, account *model.Account, kind Kind, start time.Time, err error) error {
	metrics.RecordSyncDuration(string(kind), "error", e.now().Sub(start))
	e.setStatus(ctx, account.ID, model.SyncStatusError, err.Error(), nil)
	return err
}

// ingest 解析并存储一封邮件；重复消息静默跳过
func (e *Engine) ingest(ctx context.Context, account *model.Account, raw mailbox.Message, res *Result) {
	arrivedAt := raw.InternalDate
	if arrivedAt.IsZero() {
		arrivedAt = e.now()
	}

	parsed, err := parser.Parse(raw.Raw, arrivedAt)
	if err != nil {
		res.ParseErrors++
		metrics.IncrementIngested("parse_error")
		e.logger.Warn("Skipping unparseable message",
			zap.String("account_id", account.ID),
			zap.Uint32("uid", raw.UID),
			zap.Error(err),
		)
		return
	}

	// 抢到 key 说明近期没见过，直接插入由唯一约束兜底；没抢到必须以存储为准，
	// key 可能来自已删除的账号或插入前崩溃的进程
	if !e.dedup.AcquireOnce(ctx, dedupScope, parsed.MessageID) {
		exists, err := e.messages.MessageExists(ctx, parsed.MessageID)
		if err == nil && exists {
			res.Duplicates++
			metrics.IncrementIngested("duplicate")
			return
		}
		if err != nil {
			e.logger.Warn("Failed to check message existence, trying insert",
				zap.String("message_id", parsed.MessageID),
				zap.Error(err),
			)
		}
	}

	msg := &model.Message{
		ID:           uuid.NewString(),
		MessageID:    parsed.MessageID,
		AccountID:    account.ID,
		AccountEmail: account.Email,
		Subject:      parsed.Subject,
		From:         parsed.From,
		To:           parsed.To,
		Cc:           parsed.Cc,
		Date:         parsed.Date,
		Body:         parsed.Body,
		Attachments:  parsed.Attachments,
		Folder:       e.cfg.Folder,
		Flags:        nonNil(raw.Flags),
		UID:          raw.UID,
		IsRead:       slices.Contains(raw.Flags, flagSeen),
	}

	if err := e.messages.InsertMessage(ctx, msg); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			res.Duplicates++
			metrics.IncrementIngested("duplicate")
			return
		}
		res.StoreErrors++
		metrics.IncrementIngested("store_error")
		e.dedup.Release(context.WithoutCancel(ctx), dedupScope, parsed.MessageID)
		e.logger.Error("Failed to store message",
			zap.String("account_id", account.ID),
			zap.String("message_id", parsed.MessageID),
			zap.Error(err),
		)
		return
	}

	res.Stored++
	metrics.IncrementIngested("stored")
	e.indexer.Upsert(msg.Clone())
	e.enricher.Enqueue(msg.Clone())
}

func (e *Engine) setStatus(ctx context.Context, accountID string, status model.SyncStatus, lastError string, syncedAt *time.Time) {
	ctx = context.WithoutCancel(ctx)
	if err := e.accounts.UpdateSyncStatus(ctx, accountID, status, lastError, syncedAt); err != nil {
		e.logger.Error("Failed to update sync status",
			zap.String("account_id", accountID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// --- connmgr.Listener ---

func (e *Engine) OnConnected(ctx context.Context, account *model.Account, session mailbox.Session) {
	e.run(ctx, account, session, KindInitial, 0)
}

func (e *Engine) OnNewMessages(ctx context.Context, account *model.Account, session mailbox.Session, count int) {
	e.run(ctx, account, session, KindIncremental, count)
}

func (e *Engine) OnConnectionEnded(account *model.Account, reason error) {
	e.logger.Info("Sync paused until reconnect",
		zap.String("account_id", account.ID),
		zap.Error(reason),
	)
}

func (e *Engine) run(ctx context.Context, account *model.Account, session mailbox.Session, kind Kind, count int) {
	ctx = trace.Ensure(ctx)
	log := logger.WithTrace(ctx, e.logger).With(
		zap.String("account_id", account.ID),
		zap.String("kind", string(kind)),
	)

	res, err := e.Sync(ctx, account, session, kind, count)
	if err != nil {
		log.Error("Sync failed", zap.Error(err))
		return
	}
	log.Info("Sync completed",
		zap.Int("fetched", res.Fetched),
		zap.Int("stored", res.Stored),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("parse_errors", res.ParseErrors),
		zap.Int("store_errors", res.StoreErrors),
		zap.Int("skipped", res.Skipped),
	)
}
