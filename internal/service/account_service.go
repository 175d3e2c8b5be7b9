package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"onebox/internal/model"
	"onebox/internal/repository"
)

var ErrInvalidAccount = errors.New("invalid account")

// Connector 由连接管理器实现
type Connector interface {
	Connect(ctx context.Context, account *model.Account) error
	Disconnect(ctx context.Context, accountID string) error
}

type SecretSealer interface {
	Seal(plaintext string) (string, error)
}

type IndexCleaner interface {
	DeleteByAccount(accountID string)
}

type CreateAccountInput struct {
	Email    string `json:"email"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	TLS      bool   `json:"tls"`
	Username string `json:"username"`
	Password string `json:"password"`
	Active   bool   `json:"active"`
}

type AccountService struct {
	accounts repository.AccountStore
	sealer   SecretSealer
	conns    Connector
	index    IndexCleaner
	logger   *zap.Logger
}

func NewAccountService(accounts repository.AccountStore, sealer SecretSealer, conns Connector, index IndexCleaner, logger *zap.Logger) *AccountService {
	return &AccountService{
		accounts: accounts,
		sealer:   sealer,
		conns:    conns,
		index:    index,
		logger:   logger,
	}
}

// CreateAccount 校验参数、加密密码后保存；Active 时立即建立连接
func (s *AccountService) CreateAccount(ctx context.Context, in CreateAccountInput) (*model.Account, error) {
	if err := validateAccount(&in); err != nil {
		return nil, err
	}

	sealed, err := s.sealer.Seal(in.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to seal account secret: %w", err)
	}

	account := &model.Account{
		ID:    uuid.NewString(),
		Email: in.Email,
		IMAP: model.IMAPCredentials{
			Host:     in.Host,
			Port:     in.Port,
			TLS:      in.TLS,
			Username: in.Username,
			Secret:   sealed,
		},
		Active:     in.Active,
		SyncStatus: model.SyncStatusIdle,
	}
	if err := s.accounts.CreateAccount(ctx, account); err != nil {
		return nil, err
	}

	s.logger.Info("Account created",
		zap.String("account_id", account.ID),
		zap.String("email", account.Email),
		zap.Bool("active", account.Active),
	)

	if account.Active {
		if err := s.conns.Connect(ctx, account); err != nil {
			return account, fmt.Errorf("failed to connect account: %w", err)
		}
	}
	return account, nil
}

func validateAccount(in *CreateAccountInput) error {
	in.Email = strings.TrimSpace(in.Email)
	in.Host = strings.TrimSpace(in.Host)
	if _, err := mail.ParseAddress(in.Email); err != nil {
		return fmt.Errorf("%w: bad email %q", ErrInvalidAccount, in.Email)
	}
	if in.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidAccount)
	}
	if in.Port == 0 {
		in.Port = 993
		in.TLS = true
	}
	if in.Port < 0 || in.Port > 65535 {
		return fmt.Errorf("%w: bad port %d", ErrInvalidAccount, in.Port)
	}
	if in.Username == "" {
		in.Username = in.Email
	}
	if in.Password == "" {
		return fmt.Errorf("%w: password is required", ErrInvalidAccount)
	}
	return nil
}

func (s *AccountService) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return s.accounts.GetAccount(ctx, id)
}

func (s *AccountService) ListAccounts(ctx context.Context, activeOnly bool) ([]*model.Account, error) {
	return s.accounts.ListAccounts(ctx, activeOnly)
}

// SetActive 停用时只断开该账号的连接；已入队的分类任务不受影响
func (s *AccountService) SetActive(ctx context.Context, id string, active bool) (*model.Account, error) {
	if err := s.accounts.SetAccountActive(ctx, id, active); err != nil {
		return nil, err
	}

	if !active {
		if err := s.conns.Disconnect(ctx, id); err != nil {
			return nil, fmt.Errorf("failed to disconnect account: %w", err)
		}
		s.logger.Info("Account disabled", zap.String("account_id", id))
		return s.accounts.GetAccount(ctx, id)
	}

	account, err := s.accounts.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.conns.Connect(ctx, account); err != nil {
		return account, fmt.Errorf("failed to connect account: %w", err)
	}
	s.logger.Info("Account enabled", zap.String("account_id", id))
	return account, nil
}

// DeleteAccount 断开连接，级联删除消息，再清理索引
func (s *AccountService) DeleteAccount(ctx context.Context, id string) error {
	if _, err := s.accounts.GetAccount(ctx, id); err != nil {
		return err
	}
	if err := s.conns.Disconnect(ctx, id); err != nil {
		return fmt.Errorf("failed to disconnect account: %w", err)
	}
	if err := s.accounts.DeleteAccount(ctx, id); err != nil {
		return err
	}
	s.index.DeleteByAccount(id)

	s.logger.Info("Account deleted", zap.String("account_id", id))
	return nil
}
