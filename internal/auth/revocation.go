package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const revokedKeyPrefix = "auth:revoked:"

var errMissingTokenID = errors.New("auth: token id required")

// RevocationStore records revoked token ids in the shared store.
type RevocationStore struct {
	client redis.UniversalClient
	clock  func() time.Time
}

// NewRevocationStore builds a store over client.
func NewRevocationStore(client redis.UniversalClient, clock func() time.Time) *RevocationStore {
	if clock == nil {
		clock = time.Now
	}
	return &RevocationStore{client: client, clock: clock}
}

// IsRevoked reports whether tokenID was revoked.
func (s *RevocationStore) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" {
		return false, nil
	}
	count, err := s.client.Exists(ctx, revokedKeyPrefix+tokenID).Result()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Revoke marks tokenID revoked until expiresAt. A zero expiresAt keeps the mark forever.
func (s *RevocationStore) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" {
		return errMissingTokenID
	}
	var ttl time.Duration
	if !expiresAt.IsZero() {
		ttl = expiresAt.Sub(s.clock())
		if ttl <= 0 {
			return nil
		}
	}
	return s.client.Set(ctx, revokedKeyPrefix+tokenID, "1", ttl).Err()
}
