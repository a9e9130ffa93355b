package users

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/repertoire/backend/internal/lichess"
	"github.com/MarcoPoloResearchLab/repertoire/backend/internal/studies"
)

var (
	// ErrInvalidAccount indicates a link request without a usable lichess username.
	ErrInvalidAccount = errors.New("users: invalid account")
	// ErrAccountNotFound indicates the user has not linked a lichess account yet.
	ErrAccountNotFound = errors.New("users: account not linked")
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{2,30}$`)

// ServiceConfig describes the dependencies required for account management.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service stores linked lichess accounts and serves them as fetch credentials.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
}

var _ lichess.CredentialStore = (*Service)(nil)

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// LinkAccount creates or replaces the user's lichess account link.
// An empty token keeps the previously stored one.
func (s *Service) LinkAccount(ctx context.Context, userID studies.UserID, username string, token string) (Account, error) {
	username = normalize(username)
	if !usernamePattern.MatchString(username) {
		return Account{}, fmt.Errorf("%w: username %q", ErrInvalidAccount, username)
	}
	token = normalize(token)

	account := Account{
		UserID:         userID.String(),
		RemoteUsername: username,
		RemoteToken:    token,
		LinkedAt:       s.now().UTC(),
	}
	updateColumns := []string{"remote_username", "updated_at"}
	if token != "" {
		updateColumns = append(updateColumns, "remote_token")
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns(updateColumns),
	}).Create(&account).Error
	if err != nil {
		s.logger.Error("account link failed", zap.String("user_id", userID.String()), zap.Error(err))
		return Account{}, err
	}

	stored, err := s.Account(ctx, userID)
	if err != nil {
		return Account{}, err
	}
	s.logger.Info("account linked",
		zap.String("user_id", userID.String()),
		zap.String("remote_username", stored.RemoteUsername))
	return stored, nil
}

// Account returns the user's linked account. It always reads the database so a
// relink through another API instance is seen on the next fetch.
func (s *Service) Account(ctx context.Context, userID studies.UserID) (Account, error) {
	var account Account
	err := s.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, fmt.Errorf("%w: user %s", ErrAccountNotFound, userID)
	}
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

// ListUserIDs returns every user with a linked account, in id order.
func (s *Service) ListUserIDs(ctx context.Context) ([]studies.UserID, error) {
	var identifiers []string
	if err := s.db.WithContext(ctx).Model(&Account{}).Order("user_id").Pluck("user_id", &identifiers).Error; err != nil {
		return nil, err
	}
	userIDs := make([]studies.UserID, 0, len(identifiers))
	for _, identifier := range identifiers {
		userIDs = append(userIDs, studies.UserID(identifier))
	}
	return userIDs, nil
}

// RemoteCredentials implements lichess.CredentialStore.
func (s *Service) RemoteCredentials(ctx context.Context, userID studies.UserID) (lichess.Credential, error) {
	account, err := s.Account(ctx, userID)
	if err != nil {
		return lichess.Credential{}, err
	}
	return lichess.Credential{Username: account.RemoteUsername, Token: account.RemoteToken}, nil
}
