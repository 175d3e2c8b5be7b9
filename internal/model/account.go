package model

import "time"

type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusError   SyncStatus = "error"
)

// IMAPCredentials 远程邮箱的连接参数，Secret 在存储中以密文保存
type IMAPCredentials struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	TLS      bool   `json:"tls"`
	Username string `json:"username"`
	Secret   string `json:"-"`
}

type Account struct {
	ID         string          `json:"id"`
	Email      string          `json:"email"`
	IMAP       IMAPCredentials `json:"imap"`
	Active     bool            `json:"active"`
	SyncStatus SyncStatus      `json:"sync_status"`
	LastSyncAt *time.Time      `json:"last_sync_at,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}
