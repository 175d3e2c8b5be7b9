// Package index projects stored messages into the search index in the background.
package index

import (
	"context"
	"time"

	"go.uber.org/zap"

	"onebox/internal/model"
	"onebox/internal/repository"
	"onebox/pkg/metrics"
)

type opKind string

const (
	opUpsert        opKind = "upsert"
	opDelete        opKind = "delete"
	opDeleteAccount opKind = "delete_account"
)

type op struct {
	kind    opKind
	message *model.Message
	id      string
}

// Writer 异步写入搜索索引；失败只记录日志和指标，不影响入库
type Writer struct {
	index   repository.SearchIndex
	ops     chan op
	timeout time.Duration
	logger  *zap.Logger
}

func NewWriter(index repository.SearchIndex, queueSize int, logger *zap.Logger) *Writer {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Writer{
		index:   index,
		ops:     make(chan op, queueSize),
		timeout: 10 * time.Second,
		logger:  logger,
	}
}

func (w *Writer) Upsert(m *model.Message) {
	w.enqueue(op{kind: opUpsert, message: m, id: m.ID})
}

func (w *Writer) Delete(id string) {
	w.enqueue(op{kind: opDelete, id: id})
}

// DeleteByAccount 删除账号下的全部索引文档
func (w *Writer) DeleteByAccount(accountID string) {
	w.enqueue(op{kind: opDeleteAccount, id: accountID})
}

func (w *Writer) enqueue(o op) {
	select {
	case w.ops <- o:
	default:
		metrics.IncrementIndexWrite(string(o.kind), "dropped")
		w.logger.Warn("Index queue full, dropping write",
			zap.String("op", string(o.kind)),
			zap.String("id", o.id),
		)
	}
}

// Run 处理索引写入直到 ctx 取消，退出前尽量清空队列
func (w *Writer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case o := <-w.ops:
			w.apply(ctx, o)
		}
	}
}

func (w *Writer) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	for {
		select {
		case o := <-w.ops:
			w.apply(ctx, o)
		default:
			return
		}
	}
}

func (w *Writer) apply(ctx context.Context, o op) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	var err error
	switch o.kind {
	case opUpsert:
		err = w.index.UpsertDocument(ctx, o.message)
	case opDelete:
		err = w.index.DeleteDocument(ctx, o.id)
	case opDeleteAccount:
		err = w.index.DeleteAccountDocuments(ctx, o.id)
	}

	if err != nil {
		metrics.IncrementIndexWrite(string(o.kind), "error")
		w.logger.Error("Index write failed",
			zap.String("op", string(o.kind)),
			zap.String("id", o.id),
			zap.Error(err),
		)
		return
	}
	metrics.IncrementIndexWrite(string(o.kind), "success")
}
