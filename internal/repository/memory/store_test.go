package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onebox/internal/model"
	"onebox/internal/repository"
)

func seedAccount(t *testing.T, s *Store, id, email string) {
	t.Helper()
	require.NoError(t, s.CreateAccount(context.Background(), &model.Account{ID: id, Email: email, Active: true}))
}

func msg(id, messageID, account string, date time.Time) *model.Message {
	return &model.Message{
		ID:        id,
		MessageID: messageID,
		AccountID: account,
		Subject:   "subject " + id,
		Folder:    "INBOX",
		Date:      date,
	}
}

func TestStore_InsertDuplicate(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedAccount(t, s, "a1", "a@example.com")

	now := time.Now()
	require.NoError(t, s.InsertMessage(ctx, msg("m1", "<x@y>", "a1", now)))
	err := s.InsertMessage(ctx, msg("m2", "<x@y>", "a1", now))
	assert.ErrorIs(t, err, repository.ErrDuplicate)

	exists, err := s.MessageExists(ctx, "<x@y>")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestStore_CreateAccountDuplicateEmail(t *testing.T) {
	s := New()
	seedAccount(t, s, "a1", "a@example.com")
	err := s.CreateAccount(context.Background(), &model.Account{ID: "a2", Email: "A@example.com"})
	assert.ErrorIs(t, err, repository.ErrDuplicate)
}

func TestStore_DeleteAccountCascades(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedAccount(t, s, "a1", "a@example.com")
	seedAccount(t, s, "a2", "b@example.com")

	now := time.Now()
	require.NoError(t, s.InsertMessage(ctx, msg("m1", "<1>", "a1", now)))
	require.NoError(t, s.InsertMessage(ctx, msg("m2", "<2>", "a2", now)))

	require.NoError(t, s.DeleteAccount(ctx, "a1"))

	_, err := s.GetMessage(ctx, "m1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	exists, _ := s.MessageExists(ctx, "<1>")
	assert.False(t, exists)

	_, err = s.GetMessage(ctx, "m2")
	assert.NoError(t, err)

	assert.ErrorIs(t, s.DeleteAccount(ctx, "a1"), repository.ErrNotFound)
}

func TestStore_ListMessagesFilterAndPaging(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedAccount(t, s, "a1", "a@example.com")

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"m1", "m2", "m3", "m4"} {
		require.NoError(t, s.InsertMessage(ctx, msg(id, "<"+id+">", "a1", base.Add(time.Duration(i)*time.Hour))))
	}
	require.NoError(t, s.SetEnrichment(ctx, "m2", model.Enrichment{Label: model.LabelSpam, Confidence: 0.9}))

	page, err := s.ListMessages(ctx, model.Filter{AccountIDs: []string{"a1"}}, model.Page{Offset: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "m3", page[0].ID)
	assert.Equal(t, "m2", page[1].ID)

	total, err := s.CountMessages(ctx, model.Filter{Label: model.LabelSpam})
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	unenriched, err := s.ListUnenriched(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, unenriched, 3)
}

func TestStore_ReturnsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedAccount(t, s, "a1", "a@example.com")
	require.NoError(t, s.InsertMessage(ctx, msg("m1", "<1>", "a1", time.Now())))

	m, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	m.Subject = "changed"

	again, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "subject m1", again.Subject)
}

func TestStore_SearchRanksSubjectHigher(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	inSubject := msg("m1", "<1>", "a1", now)
	inSubject.Subject = "Quarterly invoice"
	inBody := msg("m2", "<2>", "a1", now.Add(time.Hour))
	inBody.Subject = "Hello"
	inBody.Body.Text = "please find the invoice attached"
	other := msg("m3", "<3>", "a2", now)
	other.Subject = "invoice"

	for _, m := range []*model.Message{inSubject, inBody, other} {
		require.NoError(t, s.UpsertDocument(ctx, m))
	}

	hits, total, err := s.Search(ctx, "invoice", model.Filter{AccountIDs: []string{"a1"}}, model.Page{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, hits, 2)
	assert.Equal(t, "m1", hits[0].ID)
	assert.Greater(t, hits[0].Rank, hits[1].Rank)

	require.NoError(t, s.DeleteAccountDocuments(ctx, "a1"))
	_, total, err = s.Search(ctx, "invoice", model.Filter{}, model.Page{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestStore_NotificationLog(t *testing.T) {
	s := New()
	ctx := context.Background()

	rec := &model.NotificationRecord{ID: "n1", Destination: "slack", Event: "email_interested", Status: model.NotificationPending}
	require.NoError(t, s.CreateRecord(ctx, rec))

	rec.Status = model.NotificationFailed
	rec.Attempts = 3
	require.NoError(t, s.UpdateRecord(ctx, rec))

	failed, err := s.ListFailedRecords(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 3, failed[0].Attempts)

	err = s.UpdateRecord(ctx, &model.NotificationRecord{ID: "missing"})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestStore_SearchMatchesRecipientsBelowBody(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	inBody := msg("m1", "<1>", "a1", now)
	inBody.Body.Text = "forwarding to carol for review"
	toCarol := msg("m2", "<2>", "a1", now.Add(time.Hour))
	toCarol.To = []model.Address{{Name: "Carol", Address: "carol@example.com"}}
	ccCarol := msg("m3", "<3>", "a1", now.Add(2*time.Hour))
	ccCarol.Cc = []model.Address{{Address: "carol@example.com"}}
	for _, m := range []*model.Message{inBody, toCarol, ccCarol} {
		require.NoError(t, s.UpsertDocument(ctx, m))
	}

	hits, total, err := s.Search(ctx, "carol", model.Filter{}, model.Page{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, hits, 3)
	assert.Equal(t, "m1", hits[0].ID)
	assert.Greater(t, hits[0].Rank, hits[1].Rank)
	// 收件人命中的两条同分，按日期倒序
	assert.Equal(t, []string{"m3", "m2"}, []string{hits[1].ID, hits[2].ID})
}

func TestStore_DeliveryStats(t *testing.T) {
	s := New()
	ctx := context.Background()
	clock := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}

	record := func(id string, status model.NotificationStatus, lastErr string) {
		rec := &model.NotificationRecord{ID: id, Destination: "d", Event: "e", Status: model.NotificationPending}
		require.NoError(t, s.CreateRecord(ctx, rec))
		if status == model.NotificationPending {
			return
		}
		rec.Status = status
		rec.LastError = lastErr
		require.NoError(t, s.UpdateRecord(ctx, rec))
	}
	record("n1", model.NotificationSuccess, "")
	record("n2", model.NotificationFailed, "timeout")
	record("n3", model.NotificationFailed, "unexpected status 502")
	record("n4", model.NotificationFailed, "timeout")
	record("n5", model.NotificationSuccess, "")
	record("n6", model.NotificationPending, "")

	stats, err := s.DeliveryStats(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.TotalSent)
	assert.Equal(t, 2, stats.Succeeded)
	assert.Equal(t, 3, stats.Failed)
	assert.Equal(t, 1, stats.Pending)
	assert.InDelta(t, 0.4, stats.SuccessRate, 1e-9)
	n5, err := s.GetRecord(ctx, "n5")
	require.NoError(t, err)
	require.NotNil(t, stats.LastSent)
	assert.Equal(t, n5.UpdatedAt, *stats.LastSent)
	// 最新的在前且去重
	assert.Equal(t, []string{"timeout", "unexpected status 502"}, stats.RecentErrors)

	limited, err := s.DeliveryStats(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"timeout"}, limited.RecentErrors)
}
