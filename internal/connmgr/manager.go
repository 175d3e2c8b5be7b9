// Package connmgr keeps one supervised mailbox connection per active account.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"onebox/internal/mailbox"
	"onebox/internal/model"
	"onebox/internal/repository"
	"onebox/pkg/metrics"
	"onebox/pkg/util"
)

const DefaultReconnectDelay = 5 * time.Second

var ErrStopped = errors.New("connection manager stopped")

// Listener 接收连接事件。所有回调都在该账号的 worker goroutine 上串行执行，
// session 仅在回调期间有效
type Listener interface {
	OnConnected(ctx context.Context, account *model.Account, session mailbox.Session)
	OnNewMessages(ctx context.Context, account *model.Account, session mailbox.Session, count int)
	OnConnectionEnded(account *model.Account, reason error)
}

// SecretOpener 解密存储中的账号密码
type SecretOpener interface {
	Open(sealed string) (string, error)
}

type Config struct {
	ReconnectDelay time.Duration
}

type Manager struct {
	dialer   mailbox.Dialer
	accounts repository.AccountStore
	secrets  SecretOpener
	listener Listener
	delay    time.Duration
	logger   *zap.Logger

	cmds chan command
	done chan struct{}
}

type commandKind int

const (
	cmdConnect commandKind = iota
	cmdDisconnect
	cmdList
)

type command struct {
	kind    commandKind
	account *model.Account
	id      string
	reply   chan reply
}

type reply struct {
	stopped <-chan struct{}
	ids     []string
}

type worker struct {
	account *model.Account
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewManager(dialer mailbox.Dialer, accounts repository.AccountStore, secrets SecretOpener, listener Listener, cfg Config, logger *zap.Logger) *Manager {
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	return &Manager{
		dialer:   dialer,
		accounts: accounts,
		secrets:  secrets,
		listener: listener,
		delay:    delay,
		logger:   logger,
		cmds:     make(chan command),
		done:     make(chan struct{}),
	}
}

// Run 运行 supervisor 循环，阻塞直到 ctx 取消；返回前会关闭全部连接
func (m *Manager) Run(ctx context.Context) {
	defer close(m.done)

	workers := make(map[string]*worker)
	for {
		select {
		case <-ctx.Done():
			for _, w := range workers {
				w.cancel()
			}
			for _, w := range workers {
				<-w.done
			}
			m.logger.Info("Connection manager stopped", zap.Int("workers", len(workers)))
			return

		case cmd := <-m.cmds:
			switch cmd.kind {
			case cmdConnect:
				var previous <-chan struct{}
				if old, ok := workers[cmd.account.ID]; ok {
					old.cancel()
					previous = old.done
				}
				workers[cmd.account.ID] = m.startWorker(ctx, cmd.account, previous)
				cmd.reply <- reply{}

			case cmdDisconnect:
				w, ok := workers[cmd.id]
				if !ok {
					cmd.reply <- reply{}
					continue
				}
				w.cancel()
				delete(workers, cmd.id)
				cmd.reply <- reply{stopped: w.done}

			case cmdList:
				ids := make([]string, 0, len(workers))
				for id := range workers {
					ids = append(ids, id)
				}
				cmd.reply <- reply{ids: ids}
			}
		}
	}
}

func (m *Manager) send(ctx context.Context, cmd command) (reply, error) {
	cmd.reply = make(chan reply, 1)
	select {
	case m.cmds <- cmd:
	case <-m.done:
		return reply{}, ErrStopped
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
	select {
	case r := <-cmd.reply:
		return r, nil
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

// Connect 为账号启动一个 worker；已有连接时先替换旧连接
func (m *Manager) Connect(ctx context.Context, account *model.Account) error {
	if account == nil || account.ID == "" {
		return fmt.Errorf("connect: account id is required")
	}
	acct := *account
	if _, err := m.send(ctx, command{kind: cmdConnect, account: &acct}); err != nil {
		return fmt.Errorf("failed to connect account %s: %w", account.ID, err)
	}
	return nil
}

// Disconnect 停止账号的 worker 并等待会话关闭。未知账号直接返回 nil
func (m *Manager) Disconnect(ctx context.Context, accountID string) error {
	r, err := m.send(ctx, command{kind: cmdDisconnect, id: accountID})
	if errors.Is(err, ErrStopped) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to disconnect account %s: %w", accountID, err)
	}
	if r.stopped == nil {
		return nil
	}
	select {
	case <-r.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connected 返回当前有 worker 的账号 ID
func (m *Manager) Connected(ctx context.Context) ([]string, error) {
	r, err := m.send(ctx, command{kind: cmdList})
	if err != nil {
		return nil, err
	}
	return r.ids, nil
}

// ConnectActive 为存储中所有 active 账号建立连接
func (m *Manager) ConnectActive(ctx context.Context) (int, error) {
	accounts, err := m.accounts.ListAccounts(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("failed to list active accounts: %w", err)
	}
	n := 0
	for _, a := range accounts {
		if err := m.Connect(ctx, a); err != nil {
			return n, err
		}
		n++
	}
	m.logger.Info("Connected active accounts", zap.Int("count", n))
	return n, nil
}

func (m *Manager) startWorker(parent context.Context, account *model.Account, previous <-chan struct{}) *worker {
	ctx, cancel := context.WithCancel(parent)
	w := &worker{account: account, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		if previous != nil {
			<-previous
		}
		m.supervise(ctx, account)
	}()
	return w
}

// supervise 连接、等待推送、断开后按固定间隔重连，直到 ctx 取消
func (m *Manager) supervise(ctx context.Context, account *model.Account) {
	log := m.logger.With(zap.String("account_id", account.ID), zap.String("email", account.Email))
	for {
		reason := m.serve(ctx, account, log)
		if ctx.Err() != nil {
			log.Info("Account worker stopped")
			return
		}

		metrics.IncrementConnectionEvent("ended")
		m.listener.OnConnectionEnded(account, reason)
		log.Info("Mailbox connection ended, scheduling reconnect",
			zap.Duration("delay", m.delay),
			zap.Error(reason),
		)

		timer := time.NewTimer(m.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info("Account worker stopped")
			return
		case <-timer.C:
			metrics.IncrementConnectionEvent("reconnect")
		}
	}
}

func (m *Manager) serve(ctx context.Context, account *model.Account, log *zap.Logger) error {
	password, err := m.secrets.Open(account.IMAP.Secret)
	if err != nil {
		err = fmt.Errorf("failed to open account secret: %w", err)
		m.markError(account, err, log)
		return err
	}

	session, err := m.dialer.Dial(ctx, mailbox.Credentials{
		Host:     account.IMAP.Host,
		Port:     account.IMAP.Port,
		TLS:      account.IMAP.TLS,
		Username: account.IMAP.Username,
		Password: password,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, errType := util.IsRetryableError(err)
		log.Warn("Mailbox connect failed", zap.String("error_type", errType), zap.Error(err))
		metrics.IncrementConnectionEvent("connect_failed")
		m.markError(account, err, log)
		return err
	}
	defer session.Close()

	metrics.IncrementConnectionEvent("connected")
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()
	log.Info("Mailbox connected")

	m.listener.OnConnected(ctx, account, session)

	for {
		n, err := session.WaitForUpdate(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			m.listener.OnNewMessages(ctx, account, session, n)
		}
	}
}

func (m *Manager) markError(account *model.Account, cause error, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.accounts.UpdateSyncStatus(ctx, account.ID, model.SyncStatusError, cause.Error(), nil); err != nil {
		log.Error("Failed to record connection error", zap.Error(err))
	}
}
