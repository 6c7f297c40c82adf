package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/senior-netizen/apistudio-genesis-sub002/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service resolves token claims to canonical identities.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

type cachedIdentity struct {
	userID      string
	email       string
	displayName string
}

// NewService constructs the identity service.
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

// ResolveIdentity returns the canonical identity for the provided claims, creating the
// identity mapping on first sight. Roles always come from the token.
func (s *Service) ResolveIdentity(ctx context.Context, claims auth.SessionClaims) (auth.Identity, error) {
	key := loginKeyFromClaims(claims)
	if key.subject == "" {
		return auth.Identity{}, ErrInvalidIdentity
	}

	if cached, ok := s.cache.Load(key.String()); ok {
		if entry, ok := cached.(cachedIdentity); ok {
			return toIdentity(entry, claims), nil
		}
	}

	var identity Identity
	err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", key.provider, key.subject).
		First(&identity).
		Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		identity = newIdentity(key, claims, s.now())
		if err := s.db.WithContext(ctx).Create(&identity).Error; err != nil {
			return auth.Identity{}, fmt.Errorf("users: create identity: %w", err)
		}
	case err != nil:
		return auth.Identity{}, fmt.Errorf("users: load identity: %w", err)
	default:
		updates := identity.refresh(claims, s.now())
		if err := s.db.WithContext(ctx).Model(&Identity{}).
			Where("provider = ? AND subject = ?", key.provider, key.subject).
			Updates(updates).
			Error; err != nil {
			s.logger.Warn("identity refresh failed", zap.String("user_id", identity.UserID), zap.Error(err))
		}
	}

	entry := cachedIdentity{userID: identity.UserID, email: identity.Email, displayName: identity.DisplayName}
	s.cache.Store(key.String(), entry)
	return toIdentity(entry, claims), nil
}

func toIdentity(entry cachedIdentity, claims auth.SessionClaims) auth.Identity {
	identity := auth.Identity{
		UserID:      entry.userID,
		Email:       entry.email,
		DisplayName: entry.displayName,
		Roles:       append([]string(nil), claims.UserRoles...),
	}
	if display := normalize(claims.UserDisplayName); display != "" {
		identity.DisplayName = display
	}
	if email := normalize(claims.UserEmail); email != "" {
		identity.Email = email
	}
	return identity
}
