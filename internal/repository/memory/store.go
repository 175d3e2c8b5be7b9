// Package memory 提供 repository 接口的内存实现，用于测试和无数据库的本地运行
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"onebox/internal/model"
	"onebox/internal/repository"
)

// Store 同时实现 AccountStore、MessageStore、NotificationLog 和 SearchIndex
type Store struct {
	mu            sync.RWMutex
	accounts      map[string]*model.Account
	messages      map[string]*model.Message
	byMessageID   map[string]string
	notifications map[string]*model.NotificationRecord
	documents     map[string]*model.Message
	now           func() time.Time
}

var (
	_ repository.AccountStore    = (*Store)(nil)
	_ repository.MessageStore    = (*Store)(nil)
	_ repository.NotificationLog = (*Store)(nil)
	_ repository.SearchIndex     = (*Store)(nil)
)

func New() *Store {
	return &Store{
		accounts:      make(map[string]*model.Account),
		messages:      make(map[string]*model.Message),
		byMessageID:   make(map[string]string),
		notifications: make(map[string]*model.NotificationRecord),
		documents:     make(map[string]*model.Message),
		now:           time.Now,
	}
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, repository.ErrNotFound)
}

func copyAccount(a *model.Account) *model.Account {
	c := *a
	if a.LastSyncAt != nil {
		t := *a.LastSyncAt
		c.LastSyncAt = &t
	}
	return &c
}

func copyMessage(m *model.Message) *model.Message {
	return m.Clone()
}

// --- accounts ---

func (s *Store) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.accounts {
		if strings.EqualFold(existing.Email, a.Email) {
			return fmt.Errorf("account %s: %w", a.Email, repository.ErrDuplicate)
		}
	}
	if _, ok := s.accounts[a.ID]; ok {
		return fmt.Errorf("account %s: %w", a.ID, repository.ErrDuplicate)
	}
	now := s.now()
	a.CreatedAt, a.UpdatedAt = now, now
	s.accounts[a.ID] = copyAccount(a)
	return nil
}

func (s *Store) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, notFound("account", id)
	}
	return copyAccount(a), nil
}

func (s *Store) ListAccounts(_ context.Context, activeOnly bool) ([]*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Account
	for _, a := range s.accounts {
		if activeOnly && !a.Active {
			continue
		}
		out = append(out, copyAccount(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) SetAccountActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return notFound("account", id)
	}
	a.Active = active
	a.UpdatedAt = s.now()
	return nil
}

func (s *Store) UpdateSyncStatus(_ context.Context, id string, status model.SyncStatus, lastError string, syncedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil
	}
	a.SyncStatus = status
	a.LastError = lastError
	if syncedAt != nil {
		t := *syncedAt
		a.LastSyncAt = &t
	}
	a.UpdatedAt = s.now()
	return nil
}

func (s *Store) DeleteAccount(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[id]; !ok {
		return notFound("account", id)
	}
	delete(s.accounts, id)
	for mid, m := range s.messages {
		if m.AccountID == id {
			delete(s.byMessageID, m.MessageID)
			delete(s.messages, mid)
		}
	}
	return nil
}

// --- messages ---

func (s *Store) InsertMessage(_ context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byMessageID[m.MessageID]; ok {
		return fmt.Errorf("message %s: %w", m.MessageID, repository.ErrDuplicate)
	}
	if _, ok := s.accounts[m.AccountID]; !ok {
		return notFound("account", m.AccountID)
	}
	m.CreatedAt = s.now()
	s.messages[m.ID] = copyMessage(m)
	s.byMessageID[m.MessageID] = m.ID
	return nil
}

func (s *Store) MessageExists(_ context.Context, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byMessageID[messageID]
	return ok, nil
}

func (s *Store) GetMessage(_ context.Context, id string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, notFound("message", id)
	}
	return copyMessage(m), nil
}

func (s *Store) GetMessages(_ context.Context, ids []string) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Message
	for _, id := range ids {
		if m, ok := s.messages[id]; ok {
			out = append(out, copyMessage(m))
		}
	}
	sortByDateDesc(out)
	return out, nil
}

func (s *Store) SetEnrichment(_ context.Context, id string, e model.Enrichment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return notFound("message", id)
	}
	m.Enrichment = &e
	return nil
}

func (s *Store) SetRead(_ context.Context, id string, read bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return notFound("message", id)
	}
	m.IsRead = read
	return nil
}

func (s *Store) ListUnenriched(_ context.Context, limit int) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Message
	for _, m := range s.messages {
		if m.Enrichment == nil {
			out = append(out, copyMessage(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListMessages(_ context.Context, f model.Filter, p model.Page) ([]*model.Message, error) {
	s.mu.RLock()
	matched := s.filterLocked(s.messages, f)
	s.mu.RUnlock()

	sortByDateDesc(matched)
	return paginate(matched, p), nil
}

func (s *Store) CountMessages(_ context.Context, f model.Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.filterLocked(s.messages, f)), nil
}

func (s *Store) EnrichmentStats(_ context.Context) (*model.EnrichmentStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &model.EnrichmentStats{ByLabel: make(map[model.Label]int)}
	var confidence float64
	for _, m := range s.messages {
		stats.Total++
		if m.Enrichment == nil {
			stats.Uncategorized++
			continue
		}
		stats.Categorized++
		stats.ByLabel[m.Enrichment.Label]++
		confidence += m.Enrichment.Confidence
	}
	if stats.Categorized > 0 {
		stats.AverageConfidence = confidence / float64(stats.Categorized)
	}
	return stats, nil
}

func (s *Store) filterLocked(src map[string]*model.Message, f model.Filter) []*model.Message {
	var out []*model.Message
	for _, m := range src {
		if matches(m, f) {
			out = append(out, copyMessage(m))
		}
	}
	return out
}

func matches(m *model.Message, f model.Filter) bool {
	if len(f.AccountIDs) > 0 && !contains(f.AccountIDs, m.AccountID) {
		return false
	}
	if f.Folder != "" && m.Folder != f.Folder {
		return false
	}
	if f.Label != "" && (m.Enrichment == nil || m.Enrichment.Label != f.Label) {
		return false
	}
	if f.IsRead != nil && m.IsRead != *f.IsRead {
		return false
	}
	if f.From != nil && m.Date.Before(*f.From) {
		return false
	}
	if f.To != nil && m.Date.After(*f.To) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func sortByDateDesc(ms []*model.Message) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].Date.Equal(ms[j].Date) {
			return ms[i].ID < ms[j].ID
		}
		return ms[i].Date.After(ms[j].Date)
	})
}

func paginate[T any](items []T, p model.Page) []T {
	if p.Offset >= len(items) {
		return nil
	}
	items = items[p.Offset:]
	if p.Limit > 0 && len(items) > p.Limit {
		items = items[:p.Limit]
	}
	return items
}

// --- notification log ---

func (s *Store) CreateRecord(_ context.Context, r *model.NotificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.notifications[r.ID]; ok {
		return fmt.Errorf("notification %s: %w", r.ID, repository.ErrDuplicate)
	}
	now := s.now()
	r.CreatedAt, r.UpdatedAt = now, now
	c := *r
	s.notifications[r.ID] = &c
	return nil
}

func (s *Store) UpdateRecord(_ context.Context, r *model.NotificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.notifications[r.ID]
	if !ok {
		return notFound("notification", r.ID)
	}
	r.UpdatedAt = s.now()
	r.CreatedAt = existing.CreatedAt
	c := *r
	s.notifications[r.ID] = &c
	return nil
}

func (s *Store) GetRecord(_ context.Context, id string) (*model.NotificationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.notifications[id]
	if !ok {
		return nil, notFound("notification", id)
	}
	c := *r
	return &c, nil
}

func (s *Store) ListFailedRecords(_ context.Context, limit int) ([]*model.NotificationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.NotificationRecord
	for _, r := range s.notifications {
		if r.Status == model.NotificationFailed {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) DeliveryStats(_ context.Context, errorLimit int) (*model.DeliveryStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &model.DeliveryStats{RecentErrors: []string{}}
	var failed []*model.NotificationRecord
	for _, r := range s.notifications {
		switch r.Status {
		case model.NotificationSuccess:
			stats.Succeeded++
			if stats.LastSent == nil || r.UpdatedAt.After(*stats.LastSent) {
				t := r.UpdatedAt
				stats.LastSent = &t
			}
		case model.NotificationFailed:
			stats.Failed++
			if r.LastError != "" {
				failed = append(failed, r)
			}
		default:
			stats.Pending++
		}
	}
	stats.SetSuccessRate()

	sort.Slice(failed, func(i, j int) bool { return failed[i].UpdatedAt.After(failed[j].UpdatedAt) })
	seen := make(map[string]bool)
	for _, r := range failed {
		if len(stats.RecentErrors) >= errorLimit {
			break
		}
		if seen[r.LastError] {
			continue
		}
		seen[r.LastError] = true
		stats.RecentErrors = append(stats.RecentErrors, r.LastError)
	}
	return stats, nil
}

// --- search index ---

func (s *Store) UpsertDocument(_ context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents[m.ID] = copyMessage(m)
	return nil
}

func (s *Store) DeleteDocument(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.documents, id)
	return nil
}

func (s *Store) DeleteAccountDocuments(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range s.documents {
		if m.AccountID == accountID {
			delete(s.documents, id)
		}
	}
	return nil
}

// Search 简单的词项匹配：每个词都必须出现在 subject、发件人或正文中；subject 命中权重最高
func (s *Store) Search(_ context.Context, query string, f model.Filter, p model.Page) ([]repository.SearchHit, int, error) {
	s.mu.RLock()
	candidates := s.filterLocked(s.documents, f)
	s.mu.RUnlock()

	terms := strings.Fields(strings.ToLower(query))
	var hits []repository.SearchHit
	for _, m := range candidates {
		rank, ok := score(m, terms)
		if !ok {
			continue
		}
		hits = append(hits, repository.SearchHit{
			ID:        m.ID,
			AccountID: m.AccountID,
			Subject:   m.Subject,
			From:      m.From.Address,
			Folder:    m.Folder,
			Label:     model.Label(m.LabelOrDefault("")),
			IsRead:    m.IsRead,
			Date:      m.Date,
			Rank:      rank,
		})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Rank != hits[j].Rank {
			return hits[i].Rank > hits[j].Rank
		}
		return hits[i].Date.After(hits[j].Date)
	})
	return paginate(hits, p), len(hits), nil
}

func score(m *model.Message, terms []string) (float64, bool) {
	subject := strings.ToLower(m.Subject)
	from := strings.ToLower(m.From.Name + " " + m.From.Address)
	body := strings.ToLower(m.Body.Text)
	recipients := strings.ToLower(m.RecipientText())

	// 与 ts_rank 的 A/B/C 权重顺序一致
	var rank float64
	for _, t := range terms {
		switch {
		case strings.Contains(subject, t):
			rank += 1.0
		case strings.Contains(from, t), strings.Contains(body, t):
			rank += 0.4
		case strings.Contains(recipients, t):
			rank += 0.2
		default:
			return 0, false
		}
	}
	return rank, true
}
