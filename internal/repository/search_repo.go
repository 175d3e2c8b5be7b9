package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"onebox/internal/model"
)

// SearchRepository 基于 PostgreSQL 全文检索的消息索引
// 权重：subject A，发件人和正文 B，收件人 C
type SearchRepository struct {
	db *pgxpool.Pool
}

func NewSearchRepository(db *pgxpool.Pool) *SearchRepository {
	return &SearchRepository{db: db}
}

func (r *SearchRepository) UpsertDocument(ctx context.Context, m *model.Message) error {
	var label *string
	if m.Enrichment != nil && m.Enrichment.Label != "" {
		l := string(m.Enrichment.Label)
		label = &l
	}
	fromDisplay := m.From.Address
	if m.From.Name != "" {
		fromDisplay = m.From.Name + " <" + m.From.Address + ">"
	}

	query := `
        INSERT INTO message_search (id, account_id, folder, subject, from_display, label, is_read, date, document)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8,
            setweight(to_tsvector('simple', coalesce($4, '')), 'A') ||
            setweight(to_tsvector('simple', coalesce($5, '')), 'B') ||
            setweight(to_tsvector('simple', coalesce($9, '')), 'B') ||
            setweight(to_tsvector('simple', coalesce($10, '')), 'C'))
        ON CONFLICT (id) DO UPDATE SET
            folder = EXCLUDED.folder,
            subject = EXCLUDED.subject,
            from_display = EXCLUDED.from_display,
            label = EXCLUDED.label,
            is_read = EXCLUDED.is_read,
            date = EXCLUDED.date,
            document = EXCLUDED.document
    `
	_, err := r.db.Exec(ctx, query,
		m.ID, m.AccountID, m.Folder, m.Subject, fromDisplay, label, m.IsRead, m.Date, m.Body.Text, m.RecipientText(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert search document: %w", err)
	}
	return nil
}

func (r *SearchRepository) DeleteDocument(ctx context.Context, id string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM message_search WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete search document: %w", err)
	}
	return nil
}

func (r *SearchRepository) DeleteAccountDocuments(ctx context.Context, accountID string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM message_search WHERE account_id = $1`, accountID); err != nil {
		return fmt.Errorf("failed to delete account search documents: %w", err)
	}
	return nil
}

// Search 空查询时按日期倒序列出，否则按 ts_rank 排序
func (r *SearchRepository) Search(ctx context.Context, query string, f model.Filter, p model.Page) ([]SearchHit, int, error) {
	where, args := buildFilter(f, "")
	rankExpr := "0::float8"
	if query != "" {
		args = append(args, query)
		cond := fmt.Sprintf("document @@ websearch_to_tsquery('simple', $%d)", len(args))
		if where == "" {
			where = "WHERE " + cond
		} else {
			where += " AND " + cond
		}
		rankExpr = fmt.Sprintf("ts_rank(document, websearch_to_tsquery('simple', $%d))::float8", len(args))
	}

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM message_search `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count search hits: %w", err)
	}

	args = append(args, p.Limit, p.Offset)
	sql := fmt.Sprintf(`
        SELECT id, account_id, folder, subject, from_display, coalesce(label, ''), is_read, date, %s AS rank
        FROM message_search
        %s
        ORDER BY rank DESC, date DESC
        LIMIT $%d OFFSET $%d
    `, rankExpr, where, len(args)-1, len(args))

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to search messages: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var (
			h     SearchHit
			label string
		)
		if err := rows.Scan(&h.ID, &h.AccountID, &h.Folder, &h.Subject, &h.From, &label, &h.IsRead, &h.Date, &h.Rank); err != nil {
			return nil, 0, fmt.Errorf("failed to scan search hit: %w", err)
		}
		h.Label = model.Label(label)
		hits = append(hits, h)
	}
	return hits, total, rows.Err()
}
