// Package presence tracks connected participants per room or workspace in the shared store.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultKeyPrefix = "presence:"
	defaultTTL       = 120 * time.Second
)

var (
	errMissingClient       = errors.New("presence: redis client is required")
	errMissingScope        = errors.New("presence: scope is required")
	errMissingConnectionID = errors.New("presence: connection id is required")
)

// StoreConfig wires a presence Store.
type StoreConfig struct {
	Client    redis.UniversalClient
	TTL       time.Duration
	KeyPrefix string
	Clock     func() time.Time
	Logger    *zap.Logger
}

// pruneScript removes the given fields only while they still hold the stale value that was read,
// so a record refreshed in between survives.
var pruneScript = redis.NewScript(`
local removed = 0
for i = 1, #ARGV, 2 do
	if redis.call("HGET", KEYS[1], ARGV[i]) == ARGV[i + 1] then
		removed = removed + redis.call("HDEL", KEYS[1], ARGV[i])
	end
end
return removed
`)

// Store keeps one hash per scope mapping connection ids to JSON records. Every mutation
// refreshes the TTL of the whole hash, so scopes whose sockets vanish without a leave are
// reclaimed by expiry. A single record not refreshed within the TTL is dropped by List even
// while its neighbours keep the hash alive.
type Store struct {
	client    redis.UniversalClient
	ttl       time.Duration
	keyPrefix string
	clock     func() time.Time
	logger    *zap.Logger
}

// NewStore builds a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{client: cfg.Client, ttl: ttl, keyPrefix: prefix, clock: clock, logger: logger}, nil
}

// Join registers a connection in scope, merging patch into any existing record.
func (s *Store) Join(ctx context.Context, scope, connectionID string, patch Patch) (Record, error) {
	return s.Upsert(ctx, scope, connectionID, patch)
}

// Upsert merges patch into the stored record and refreshes updatedAt and the TTL.
func (s *Store) Upsert(ctx context.Context, scope, connectionID string, patch Patch) (Record, error) {
	key, err := s.key(scope, connectionID)
	if err != nil {
		return Record{}, err
	}
	now := s.clock().UTC()

	record, found, err := s.read(ctx, key, connectionID)
	if err != nil {
		return Record{}, err
	}
	if !found {
		record = Record{ConnectionID: connectionID, Status: StatusActive, JoinedAt: now}
	}
	patch.applyTo(&record)
	record.UpdatedAt = now

	encoded, err := json.Marshal(record)
	if err != nil {
		return Record{}, fmt.Errorf("presence: encode record: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, connectionID, encoded)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return Record{}, fmt.Errorf("presence: write record: %w", err)
	}
	return record, nil
}

// TTL is how long a record stays listed without a refresh.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Touch refreshes updatedAt and the TTL of an existing record. It reports false when the
// record is gone or changed concurrently; it never recreates a record removed by Leave.
func (s *Store) Touch(ctx context.Context, scope, connectionID string) (bool, error) {
	key, err := s.key(scope, connectionID)
	if err != nil {
		return false, err
	}
	touched := false
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, connectionID).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var record Record
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil
		}
		record.UpdatedAt = s.clock().UTC()
		encoded, err := json.Marshal(record)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, connectionID, encoded)
			pipe.Expire(ctx, key, s.ttl)
			return nil
		})
		if err == nil {
			touched = true
		}
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("presence: touch record: %w", err)
	}
	return touched, nil
}

// Leave removes a connection and returns its prior record, or nil when absent.
func (s *Store) Leave(ctx context.Context, scope, connectionID string) (*Record, error) {
	key, err := s.key(scope, connectionID)
	if err != nil {
		return nil, err
	}
	record, found, err := s.read(ctx, key, connectionID)
	if err != nil {
		return nil, err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, key, connectionID)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("presence: remove record: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &record, nil
}

// List returns every live record in scope ordered by join time. Records not refreshed within
// the TTL are left out and pruned.
func (s *Store) List(ctx context.Context, scope string) ([]Record, error) {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return nil, errMissingScope
	}
	key := s.keyPrefix + scope
	values, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: list records: %w", err)
	}
	now := s.clock().UTC()
	records := make([]Record, 0, len(values))
	var stale []interface{}
	for connectionID, raw := range values {
		var record Record
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			s.logger.Warn("skipping corrupt presence record",
				zap.String("scope", scope),
				zap.String("connection_id", connectionID),
				zap.Error(err))
			continue
		}
		if now.Sub(record.UpdatedAt) > s.ttl {
			stale = append(stale, connectionID, raw)
			continue
		}
		records = append(records, record)
	}
	if len(stale) > 0 {
		if err := pruneScript.Run(ctx, s.client, []string{key}, stale...).Err(); err != nil {
			s.logger.Warn("stale presence prune failed", zap.String("scope", scope), zap.Error(err))
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if !records[i].JoinedAt.Equal(records[j].JoinedAt) {
			return records[i].JoinedAt.Before(records[j].JoinedAt)
		}
		return records[i].ConnectionID < records[j].ConnectionID
	})
	return records, nil
}

func (s *Store) key(scope, connectionID string) (string, error) {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return "", errMissingScope
	}
	if strings.TrimSpace(connectionID) == "" {
		return "", errMissingConnectionID
	}
	return s.keyPrefix + scope, nil
}

func (s *Store) read(ctx context.Context, key, connectionID string) (Record, bool, error) {
	raw, err := s.client.HGet(ctx, key, connectionID).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("presence: read record: %w", err)
	}
	var record Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		s.logger.Warn("replacing corrupt presence record", zap.String("key", key), zap.Error(err))
		return Record{}, false, nil
	}
	return record, true, nil
}
