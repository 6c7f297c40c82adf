package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/senior-netizen/apistudio-genesis-sub002/internal/apperrors"
	"go.uber.org/zap"
)

// RoleSuperuser is the platform-operator role that bypasses workspace membership.
const RoleSuperuser = "superuser"

var (
	errMissingValidator = errors.New("auth: session validator required")
	errMissingResolver  = errors.New("auth: identity resolver required")
	errTokenRevoked     = errors.New("auth: token revoked")
)

// Identity is an authenticated principal.
type Identity struct {
	UserID      string
	Email       string
	DisplayName string
	Roles       []string
}

// IsSuperuser reports whether the identity carries the platform-operator role.
func (i Identity) IsSuperuser() bool {
	for _, role := range i.Roles {
		if strings.EqualFold(strings.TrimSpace(role), RoleSuperuser) {
			return true
		}
	}
	return false
}

// Name returns the display name, falling back to email and id.
func (i Identity) Name() string {
	switch {
	case strings.TrimSpace(i.DisplayName) != "":
		return i.DisplayName
	case strings.TrimSpace(i.Email) != "":
		return i.Email
	default:
		return i.UserID
	}
}

// IdentityResolver maps validated claims to a canonical identity.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, claims SessionClaims) (Identity, error)
}

// RevocationChecker reports revoked token ids.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// AuthenticatorConfig wires the connection authenticator.
type AuthenticatorConfig struct {
	Validator   *SessionValidator
	Revocations RevocationChecker
	Identities  IdentityResolver
	Logger      *zap.Logger
}

// Authenticator admits connections carrying a valid, unrevoked bearer token.
type Authenticator struct {
	validator   *SessionValidator
	revocations RevocationChecker
	identities  IdentityResolver
	logger      *zap.Logger
}

// NewAuthenticator validates dependencies and builds an Authenticator.
func NewAuthenticator(cfg AuthenticatorConfig) (*Authenticator, error) {
	if cfg.Validator == nil {
		return nil, errMissingValidator
	}
	if cfg.Identities == nil {
		return nil, errMissingResolver
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{
		validator:   cfg.Validator,
		revocations: cfg.Revocations,
		identities:  cfg.Identities,
		logger:      logger,
	}, nil
}

// Authenticate extracts and verifies the handshake credential. Every failure wraps
// apperrors.ErrUnauthorized.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	return a.AuthenticateToken(ctx, ExtractBearerToken(r))
}

// AuthenticateToken verifies a raw bearer token.
func (a *Authenticator) AuthenticateToken(ctx context.Context, token string) (Identity, error) {
	claims, err := a.validator.ValidateToken(token)
	if err != nil {
		if errors.Is(err, ErrExpiredSessionToken) || errors.Is(err, ErrMissingSessionToken) {
			a.logger.Info("token validation failed", zap.Error(err))
		} else {
			a.logger.Warn("token validation failed", zap.Error(err))
		}
		return Identity{}, fmt.Errorf("%w: %v", apperrors.ErrUnauthorized, err)
	}

	if a.revocations != nil {
		revoked, err := a.revocations.IsRevoked(ctx, claims.ID)
		if err != nil {
			a.logger.Warn("revocation check failed", zap.String("token_id", claims.ID), zap.Error(err))
			return Identity{}, fmt.Errorf("%w: revocation check: %v", apperrors.ErrUnauthorized, err)
		}
		if revoked {
			a.logger.Info("revoked token presented", zap.String("token_id", claims.ID))
			return Identity{}, fmt.Errorf("%w: %v", apperrors.ErrUnauthorized, errTokenRevoked)
		}
	}

	identity, err := a.identities.ResolveIdentity(ctx, claims)
	if err != nil {
		a.logger.Warn("identity resolution failed", zap.String("subject", claims.Subject), zap.Error(err))
		return Identity{}, fmt.Errorf("%w: %v", apperrors.ErrUnauthorized, err)
	}
	return identity, nil
}
