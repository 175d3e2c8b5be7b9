package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"onebox/internal/model"
)

type AccountRepository struct {
	db *pgxpool.Pool
}

func NewAccountRepository(db *pgxpool.Pool) *AccountRepository {
	return &AccountRepository{db: db}
}

const accountColumns = `
	id, email, imap_host, imap_port, imap_tls, imap_username, imap_secret,
	active, sync_status, last_sync_at, last_error, created_at, updated_at`

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	var status string
	err := row.Scan(
		&a.ID,
		&a.Email,
		&a.IMAP.Host,
		&a.IMAP.Port,
		&a.IMAP.TLS,
		&a.IMAP.Username,
		&a.IMAP.Secret,
		&a.Active,
		&status,
		&a.LastSyncAt,
		&a.LastError,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.SyncStatus = model.SyncStatus(status)
	return &a, nil
}

// CreateAccount inserts a new account. Secret must already be sealed.
func (r *AccountRepository) CreateAccount(ctx context.Context, a *model.Account) error {
	query := `
        INSERT INTO accounts (id, email, imap_host, imap_port, imap_tls, imap_username, imap_secret, active, sync_status)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        RETURNING created_at, updated_at
    `
	err := r.db.QueryRow(ctx, query,
		a.ID, a.Email, a.IMAP.Host, a.IMAP.Port, a.IMAP.TLS, a.IMAP.Username, a.IMAP.Secret,
		a.Active, string(a.SyncStatus),
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("account %s: %w", a.Email, ErrDuplicate)
		}
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

func (r *AccountRepository) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	a, err := scanAccount(r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}

func (r *AccountRepository) ListAccounts(ctx context.Context, activeOnly bool) ([]*model.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY created_at`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (r *AccountRepository) SetAccountActive(ctx context.Context, id string, active bool) error {
	tag, err := r.db.Exec(ctx, `UPDATE accounts SET active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateSyncStatus 更新同步状态；syncedAt 为 nil 时保留原值
func (r *AccountRepository) UpdateSyncStatus(ctx context.Context, id string, status model.SyncStatus, lastError string, syncedAt *time.Time) error {
	query := `
        UPDATE accounts
        SET sync_status = $2, last_error = $3, last_sync_at = COALESCE($4, last_sync_at), updated_at = NOW()
        WHERE id = $1
    `
	if _, err := r.db.Exec(ctx, query, id, string(status), lastError, syncedAt); err != nil {
		return fmt.Errorf("failed to update sync status: %w", err)
	}
	return nil
}

func (r *AccountRepository) DeleteAccount(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}
