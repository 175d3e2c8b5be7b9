package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"onebox/internal/agent"
	"onebox/internal/connmgr"
	"onebox/internal/credential"
	"onebox/internal/enrich"
	"onebox/internal/mailbox"
	"onebox/internal/mailbox/mailboxtest"
	"onebox/internal/model"
	"onebox/internal/notify"
	"onebox/internal/repository/memory"
	"onebox/internal/syncer"
	"onebox/pkg/util"
)

// gatedClassifier 阻塞到 gate 关闭后才返回
type gatedClassifier struct {
	started chan string
	gate    chan struct{}
}

func (c *gatedClassifier) Classify(ctx context.Context, in agent.Input) (*agent.Classification, error) {
	c.started <- in.Subject
	select {
	case <-c.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &agent.Classification{Label: "Interested", Confidence: 0.9}, nil
}

type channelNotifier struct {
	interested chan string
}

func (n *channelNotifier) NotifyInterested(_ context.Context, m *model.Message) error {
	n.interested <- m.ID
	return nil
}

func (n *channelNotifier) NotifyBulk(_ context.Context, msgs []*model.Message, _ string) (notify.Summary, error) {
	return notify.BuildBulkSummary(msgs, time.Now()), nil
}

type nopIndexer struct{}

func (nopIndexer) Upsert(*model.Message)   {}
func (nopIndexer) DeleteByAccount(string) {}

func TestDisableAccount_StopsIngestionButFinishesQueuedEnrichment(t *testing.T) {
	store := memory.New()
	sealer, err := credential.NewSealer("pipeline-test-key")
	require.NoError(t, err)

	session := mailboxtest.NewSession(mailbox.Message{
		UID: 1,
		Raw: mailboxtest.RawMessage("first@example.com", "first", "hello"),
	})
	dialer := &mailboxtest.Dialer{DialFunc: func(context.Context, mailbox.Credentials, int) (mailbox.Session, error) {
		return session, nil
	}}

	classifier := &gatedClassifier{started: make(chan string, 4), gate: make(chan struct{})}
	notifier := &channelNotifier{interested: make(chan string, 4)}
	scheduler := enrich.NewScheduler(classifier, store, notifier, nopIndexer{}, enrich.Config{}, zap.NewNop())
	engine := syncer.NewEngine(store, store, util.NewDeduper(nil, 0, zap.NewNop()), nopIndexer{}, scheduler, syncer.Config{}, zap.NewNop())
	manager := connmgr.NewManager(dialer, store, sealer, engine, connmgr.Config{ReconnectDelay: time.Hour}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go manager.Run(ctx)
	go scheduler.Run(ctx)

	svc := NewAccountService(store, sealer, manager, nopIndexer{}, zap.NewNop())
	account, err := svc.CreateAccount(context.Background(), CreateAccountInput{
		Email: "me@example.com", Host: "imap.example.com", Password: "pw", Active: true,
	})
	require.NoError(t, err)

	select {
	case subject := <-classifier.started:
		assert.Equal(t, "first", subject)
	case <-time.After(2 * time.Second):
		t.Fatal("first message was never handed to the classifier")
	}

	_, err = svc.SetActive(context.Background(), account.ID, false)
	require.NoError(t, err)

	session.Deliver(mailbox.Message{
		UID: 2,
		Raw: mailboxtest.RawMessage("second@example.com", "second", "too late"),
	})
	close(classifier.gate)

	select {
	case <-notifier.interested:
	case <-time.After(2 * time.Second):
		t.Fatal("queued enrichment did not complete after the account was disabled")
	}

	exists, err := store.MessageExists(context.Background(), "second@example.com")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Len(t, dialer.Attempts(), 1)

	page, err := store.ListMessages(context.Background(), model.Filter{AccountIDs: []string{account.ID}}, model.Page{})
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.NotNil(t, page[0].Enrichment)
	assert.Equal(t, model.LabelInterested, page[0].Enrichment.Label)
}
