package repository

import (
	"context"
	"errors"
	"time"

	"onebox/internal/model"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

type AccountStore interface {
	CreateAccount(ctx context.Context, a *model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	ListAccounts(ctx context.Context, activeOnly bool) ([]*model.Account, error)
	SetAccountActive(ctx context.Context, id string, active bool) error
	UpdateSyncStatus(ctx context.Context, id string, status model.SyncStatus, lastError string, syncedAt *time.Time) error
	// DeleteAccount removes the account and, by cascade, its messages.
	DeleteAccount(ctx context.Context, id string) error
}

type MessageStore interface {
	// InsertMessage returns ErrDuplicate when MessageID already exists.
	InsertMessage(ctx context.Context, m *model.Message) error
	MessageExists(ctx context.Context, messageID string) (bool, error)
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	GetMessages(ctx context.Context, ids []string) ([]*model.Message, error)
	SetEnrichment(ctx context.Context, id string, e model.Enrichment) error
	SetRead(ctx context.Context, id string, read bool) error
	ListUnenriched(ctx context.Context, limit int) ([]*model.Message, error)
	ListMessages(ctx context.Context, f model.Filter, p model.Page) ([]*model.Message, error)
	CountMessages(ctx context.Context, f model.Filter) (int, error)
	EnrichmentStats(ctx context.Context) (*model.EnrichmentStats, error)
}

type NotificationLog interface {
	CreateRecord(ctx context.Context, r *model.NotificationRecord) error
	UpdateRecord(ctx context.Context, r *model.NotificationRecord) error
	GetRecord(ctx context.Context, id string) (*model.NotificationRecord, error)
	ListFailedRecords(ctx context.Context, limit int) ([]*model.NotificationRecord, error)
	// DeliveryStats 汇总全部记录，RecentErrors 取最近 errorLimit 条不同的失败原因
	DeliveryStats(ctx context.Context, errorLimit int) (*model.DeliveryStats, error)
}

type SearchHit struct {
	ID        string      `json:"id"`
	AccountID string      `json:"account_id"`
	Subject   string      `json:"subject"`
	From      string      `json:"from"`
	Folder    string      `json:"folder"`
	Label     model.Label `json:"label,omitempty"`
	IsRead    bool        `json:"is_read"`
	Date      time.Time   `json:"date"`
	Rank      float64     `json:"rank"`
}

type SearchIndex interface {
	UpsertDocument(ctx context.Context, m *model.Message) error
	DeleteDocument(ctx context.Context, id string) error
	DeleteAccountDocuments(ctx context.Context, accountID string) error
	Search(ctx context.Context, query string, f model.Filter, p model.Page) ([]SearchHit, int, error)
}
