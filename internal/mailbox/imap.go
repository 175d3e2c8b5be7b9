package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"go.uber.org/zap"
)

const inbox = "INBOX"

type IMAPConfig struct {
	DialTimeout time.Duration
	// 服务器不支持 IDLE 时的轮询间隔
	PollInterval time.Duration
	// IDLE 每隔多久重新发起一次，避免服务器 30 分钟超时断开
	IdleRestart time.Duration
}

func (c IMAPConfig) withDefaults() IMAPConfig {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.IdleRestart <= 0 {
		c.IdleRestart = 25 * time.Minute
	}
	return c
}

// IMAPDialer opens sessions with go-imap v2.
type IMAPDialer struct {
	cfg    IMAPConfig
	logger *zap.Logger
}

func NewIMAPDialer(cfg IMAPConfig, logger *zap.Logger) *IMAPDialer {
	return &IMAPDialer{cfg: cfg.withDefaults(), logger: logger}
}

func (d *IMAPDialer) Dial(ctx context.Context, creds Credentials) (Session, error) {
	addr := net.JoinHostPort(creds.Host, strconv.Itoa(creds.Port))
	s := &imapSession{
		cfg:    d.cfg,
		signal: make(chan struct{}, 1),
		logger: d.logger.With(zap.String("imap_addr", addr), zap.String("username", creds.Username)),
	}

	opts := &imapclient.Options{
		TLSConfig: &tls.Config{ServerName: creds.Host, MinVersion: tls.VersionTLS12},
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Expunge: func(uint32) { s.onExpunge() },
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					s.onExists(*data.NumMessages)
				}
			},
		},
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
	defer cancel()

	var (
		client *imapclient.Client
		err    error
	)
	if creds.TLS {
		dialer := &tls.Dialer{NetDialer: &net.Dialer{}, Config: opts.TLSConfig}
		conn, dialErr := dialer.DialContext(dialCtx, "tcp", addr)
		if dialErr != nil {
			return nil, fmt.Errorf("failed to dial %s: %w", addr, dialErr)
		}
		client = imapclient.New(conn, opts)
	} else {
		conn, dialErr := (&net.Dialer{}).DialContext(dialCtx, "tcp", addr)
		if dialErr != nil {
			return nil, fmt.Errorf("failed to dial %s: %w", addr, dialErr)
		}
		client, err = imapclient.NewStartTLS(conn, opts)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to start tls with %s: %w", addr, err)
		}
	}
	s.client = client
	// ctx 取消时关闭底层连接，阻塞中的命令会立即返回错误
	s.stopWatch = context.AfterFunc(ctx, func() { _ = client.Close() })

	if err := client.Login(creds.Username, creds.Password).Wait(); err != nil {
		s.abort()
		return nil, fmt.Errorf("failed to login as %s: %w", creds.Username, err)
	}

	selected, err := client.Select(inbox, nil).Wait()
	if err != nil {
		s.abort()
		return nil, fmt.Errorf("failed to select %s: %w", inbox, err)
	}
	s.mu.Lock()
	s.count = selected.NumMessages
	s.pending = 0
	s.mu.Unlock()
	s.idle = client.Caps().Has(imap.CapIdle)

	s.logger.Info("Mailbox session opened",
		zap.Uint32("messages", selected.NumMessages),
		zap.Bool("idle", s.idle),
	)
	return s, nil
}

type imapSession struct {
	cfg       IMAPConfig
	client    *imapclient.Client
	idle      bool
	stopWatch func() bool
	logger    *zap.Logger

	// 回调在 client 的读协程中执行
	mu      sync.Mutex
	count   uint32 // 服务器当前邮件数，随 EXISTS 和 EXPUNGE 更新
	pending int    // 尚未报告的新邮件数
	signal  chan struct{}

	closeOnce sync.Once
}

func (s *imapSession) onExists(n uint32) {
	s.mu.Lock()
	if n > s.count {
		s.pending += int(n - s.count)
	}
	s.count = n
	added := s.pending > 0
	s.mu.Unlock()

	if added {
		select {
		case s.signal <- struct{}{}:
		default:
		}
	}
}

func (s *imapSession) onExpunge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count > 0 {
		s.count--
	}
}

func (s *imapSession) SearchAll(ctx context.Context) ([]uint32, error) {
	return s.search(ctx, &imap.SearchCriteria{})
}

func (s *imapSession) SearchUnseen(ctx context.Context) ([]uint32, error) {
	return s.search(ctx, &imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}})
}

func (s *imapSession) search(ctx context.Context, criteria *imap.SearchCriteria) ([]uint32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("uid search: %w", err)
	}
	uids := data.AllUIDs()
	out := make([]uint32, len(uids))
	for i, uid := range uids {
		out[i] = uint32(uid)
	}
	return out, nil
}

func (s *imapSession) Fetch(ctx context.Context, uids []uint32) ([]Message, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	set := make([]imap.UID, len(uids))
	for i, uid := range uids {
		set[i] = imap.UID(uid)
	}
	section := &imap.FetchItemBodySection{Peek: true}
	opts := &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{section},
	}

	bufs, err := s.client.Fetch(imap.UIDSetNum(set...), opts).Collect()
	if err != nil {
		return nil, fmt.Errorf("uid fetch: %w", err)
	}

	out := make([]Message, 0, len(bufs))
	for _, buf := range bufs {
		flags := make([]string, len(buf.Flags))
		for i, f := range buf.Flags {
			flags[i] = string(f)
		}
		out = append(out, Message{
			UID:          uint32(buf.UID),
			Flags:        flags,
			InternalDate: buf.InternalDate,
			Raw:          buf.FindBodySection(section),
		})
	}
	return out, nil
}

func (s *imapSession) WaitForUpdate(ctx context.Context) (int, error) {
	if n, ok := s.drainUpdates(); ok {
		return n, nil
	}
	if s.idle {
		return s.waitIdle(ctx)
	}
	return s.waitPoll(ctx)
}

// drainUpdates 取走尚未报告的新邮件数
func (s *imapSession) drainUpdates() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := s.pending
	s.pending = 0
	return added, added > 0
}

func (s *imapSession) waitIdle(ctx context.Context) (int, error) {
	for {
		cmd, err := s.client.Idle()
		if err != nil {
			return 0, fmt.Errorf("idle: %w", err)
		}

		ended := make(chan error, 1)
		go func() { ended <- cmd.Wait() }()
		restart := time.NewTimer(s.cfg.IdleRestart)

		stop := func() error {
			restart.Stop()
			if err := cmd.Close(); err != nil {
				return fmt.Errorf("stop idle: %w", err)
			}
			if err := <-ended; err != nil {
				return fmt.Errorf("idle: %w", err)
			}
			return nil
		}

		select {
		case <-s.signal:
			if err := stop(); err != nil {
				return 0, err
			}
			if n, ok := s.drainUpdates(); ok {
				return n, nil
			}
		case err := <-ended:
			restart.Stop()
			if err == nil {
				err = ErrSessionClosed
			}
			return 0, fmt.Errorf("idle ended: %w", err)
		case <-restart.C:
			if err := stop(); err != nil {
				return 0, err
			}
		case <-ctx.Done():
			_ = stop()
			return 0, ctx.Err()
		}
	}
}

func (s *imapSession) waitPoll(ctx context.Context) (int, error) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
			if err := s.client.Noop().Wait(); err != nil {
				return 0, fmt.Errorf("noop: %w", err)
			}
			if n, ok := s.drainUpdates(); ok {
				return n, nil
			}
		}
	}
}

func (s *imapSession) abort() {
	s.closeOnce.Do(func() {
		if s.stopWatch != nil {
			s.stopWatch()
		}
		_ = s.client.Close()
	})
}

func (s *imapSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.stopWatch != nil {
			s.stopWatch()
		}
		done := make(chan error, 1)
		go func() { done <- s.client.Logout().Wait() }()
		select {
		case err = <-done:
		case <-time.After(3 * time.Second):
			s.logger.Warn("Logout timed out, closing connection")
		}
		_ = s.client.Close()
	})
	return err
}
