package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	mqcontracts "onebox/contracts/mq"
	"onebox/internal/model"
	"onebox/pkg/mq"
	"onebox/pkg/outbox"
)

type MessageRepository struct {
	db     *pgxpool.Pool
	outbox *outbox.Repository
}

// NewMessageRepository outboxRepo 可为 nil，此时 SetEnrichment 不写 outbox 事件
func NewMessageRepository(db *pgxpool.Pool, outboxRepo *outbox.Repository) *MessageRepository {
	return &MessageRepository{db: db, outbox: outboxRepo}
}

const messageColumns = `
	id, message_id, account_id, account_email, subject, from_name, from_address,
	to_addrs, cc_addrs, date, body_text, body_html, attachments, folder, flags, uid,
	is_read, label, confidence, reasoning, enriched_at, created_at`

func scanMessage(row pgx.Row) (*model.Message, error) {
	var (
		m           model.Message
		to, cc      []byte
		attachments []byte
		uid         int64
		label       *string
		confidence  *float64
		reasoning   *string
		enrichedAt  *time.Time
	)
	err := row.Scan(
		&m.ID, &m.MessageID, &m.AccountID, &m.AccountEmail, &m.Subject,
		&m.From.Name, &m.From.Address,
		&to, &cc, &m.Date, &m.Body.Text, &m.Body.HTML, &attachments,
		&m.Folder, &m.Flags, &uid, &m.IsRead,
		&label, &confidence, &reasoning, &enrichedAt, &m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.UID = uint32(uid)
	if err := json.Unmarshal(to, &m.To); err != nil {
		return nil, fmt.Errorf("failed to decode to_addrs: %w", err)
	}
	if err := json.Unmarshal(cc, &m.Cc); err != nil {
		return nil, fmt.Errorf("failed to decode cc_addrs: %w", err)
	}
	if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
		return nil, fmt.Errorf("failed to decode attachments: %w", err)
	}
	if label != nil {
		e := &model.Enrichment{Label: model.Label(*label)}
		if confidence != nil {
			e.Confidence = *confidence
		}
		if reasoning != nil {
			e.Reasoning = *reasoning
		}
		if enrichedAt != nil {
			e.EnrichedAt = *enrichedAt
		}
		m.Enrichment = e
	}
	return &m, nil
}

func jsonOrEmptyArray(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return []byte("[]"), nil
	}
	return b, nil
}

// InsertMessage message_id 冲突时返回 ErrDuplicate
func (r *MessageRepository) InsertMessage(ctx context.Context, m *model.Message) error {
	to, err := jsonOrEmptyArray(m.To)
	if err != nil {
		return fmt.Errorf("failed to encode to_addrs: %w", err)
	}
	cc, err := jsonOrEmptyArray(m.Cc)
	if err != nil {
		return fmt.Errorf("failed to encode cc_addrs: %w", err)
	}
	attachments, err := jsonOrEmptyArray(m.Attachments)
	if err != nil {
		return fmt.Errorf("failed to encode attachments: %w", err)
	}
	flags := m.Flags
	if flags == nil {
		flags = []string{}
	}

	query := `
        INSERT INTO messages (
            id, message_id, account_id, account_email, subject, from_name, from_address,
            to_addrs, cc_addrs, date, body_text, body_html, attachments, folder, flags, uid, is_read
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
        ON CONFLICT (message_id) DO NOTHING
        RETURNING created_at
    `
	err = r.db.QueryRow(ctx, query,
		m.ID, m.MessageID, m.AccountID, m.AccountEmail, m.Subject, m.From.Name, m.From.Address,
		to, cc, m.Date, m.Body.Text, m.Body.HTML, attachments, m.Folder, flags, int64(m.UID), m.IsRead,
	).Scan(&m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("message %s: %w", m.MessageID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func (r *MessageRepository) MessageExists(ctx context.Context, messageID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM messages WHERE message_id = $1)`, messageID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check message existence: %w", err)
	}
	return exists, nil
}

func (r *MessageRepository) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	m, err := scanMessage(r.db.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return m, nil
}

// GetMessages 按 ids 批量读取，缺失的 id 直接跳过
func (r *MessageRepository) GetMessages(ctx context.Context, ids []string) ([]*model.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ANY($1) ORDER BY date DESC`, ids)
}

// SetEnrichment 写入分类结果，并在同一事务中写入 message.enriched outbox 事件
func (r *MessageRepository) SetEnrichment(ctx context.Context, id string, e model.Enrichment) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var accountID string
	err = tx.QueryRow(ctx, `
        UPDATE messages
        SET label = $2, confidence = $3, reasoning = $4, enriched_at = $5
        WHERE id = $1
        RETURNING account_id
    `, id, string(e.Label), e.Confidence, e.Reasoning, e.EnrichedAt).Scan(&accountID)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to update enrichment: %w", err)
	}

	if r.outbox != nil {
		payload := mqcontracts.MessageEnrichedPayload{
			MessageID:  id,
			AccountID:  accountID,
			Label:      string(e.Label),
			Confidence: e.Confidence,
			EnrichedAt: e.EnrichedAt,
		}
		if err := outbox.InsertEventInTx(ctx, tx, r.outbox, "message", id, mq.RoutingMessageEnriched, payload); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *MessageRepository) SetRead(ctx context.Context, id string, read bool) error {
	tag, err := r.db.Exec(ctx, `UPDATE messages SET is_read = $2 WHERE id = $1`, id, read)
	if err != nil {
		return fmt.Errorf("failed to update read state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListUnenriched 返回尚未分类的消息，最早入库的优先
func (r *MessageRepository) ListUnenriched(ctx context.Context, limit int) ([]*model.Message, error) {
	return r.queryMessages(ctx, `
        SELECT `+messageColumns+`
        FROM messages
        WHERE label IS NULL
        ORDER BY created_at ASC
        LIMIT $1
    `, limit)
}

func (r *MessageRepository) ListMessages(ctx context.Context, f model.Filter, p model.Page) ([]*model.Message, error) {
	where, args := buildFilter(f, "")
	args = append(args, p.Limit, p.Offset)
	query := fmt.Sprintf(`SELECT %s FROM messages %s ORDER BY date DESC, id LIMIT $%d OFFSET $%d`,
		messageColumns, where, len(args)-1, len(args))
	return r.queryMessages(ctx, query, args...)
}

func (r *MessageRepository) CountMessages(ctx context.Context, f model.Filter) (int, error) {
	where, args := buildFilter(f, "")
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM messages `+where, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return total, nil
}

// EnrichmentStats 汇总分类覆盖率和各分类数量
func (r *MessageRepository) EnrichmentStats(ctx context.Context) (*model.EnrichmentStats, error) {
	stats := &model.EnrichmentStats{ByLabel: make(map[model.Label]int)}
	err := r.db.QueryRow(ctx, `
        SELECT COUNT(*), COUNT(label), COALESCE(AVG(confidence) FILTER (WHERE label IS NOT NULL), 0)
        FROM messages
    `).Scan(&stats.Total, &stats.Categorized, &stats.AverageConfidence)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate enrichment stats: %w", err)
	}
	stats.Uncategorized = stats.Total - stats.Categorized

	rows, err := r.db.Query(ctx, `SELECT label, COUNT(*) FROM messages WHERE label IS NOT NULL GROUP BY label`)
	if err != nil {
		return nil, fmt.Errorf("failed to count messages by label: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			label string
			count int
		)
		if err := rows.Scan(&label, &count); err != nil {
			return nil, fmt.Errorf("failed to scan label count: %w", err)
		}
		stats.ByLabel[model.Label(label)] = count
	}
	return stats, rows.Err()
}

func (r *MessageRepository) queryMessages(ctx context.Context, query string, args ...any) ([]*model.Message, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// buildFilter 生成 WHERE 子句和参数，prefix 为列前缀（如 "s."）
func buildFilter(f model.Filter, prefix string) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, prefix, len(args)))
	}

	if len(f.AccountIDs) > 0 {
		add("%saccount_id = ANY($%d)", f.AccountIDs)
	}
	if f.Folder != "" {
		add("%sfolder = $%d", f.Folder)
	}
	if f.Label != "" {
		add("%slabel = $%d", string(f.Label))
	}
	if f.IsRead != nil {
		add("%sis_read = $%d", *f.IsRead)
	}
	if f.From != nil {
		add("%sdate >= $%d", *f.From)
	}
	if f.To != nil {
		add("%sdate <= $%d", *f.To)
	}

	if len(conds) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}
