// Package kv connects the gateway to the shared key-value and publish/subscribe store.
package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Mode reports whether live state is visible to sibling processes.
type Mode string

const (
	ModeShared        Mode = "shared"
	ModeSingleProcess Mode = "single-process"

	defaultConnectAttempts = 5
	embeddedTick           = time.Second
)

var errEmbeddedStart = errors.New("kv: embedded store failed to start")

// Config describes how to reach the shared store.
type Config struct {
	URL             string
	ConnectAttempts uint64
	InitialInterval time.Duration
	Logger          *zap.Logger
}

// Store owns the redis client used by presence, sync, pair and takeover state.
type Store struct {
	client   *redis.Client
	mode     Mode
	embedded *miniredis.Miniredis
	stop     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// Connect dials the configured store. An empty URL or an unreachable store falls back to an
// embedded in-process store so a single gateway keeps serving.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		logger.Info("shared store not configured, running single-process")
		return startEmbedded()
	}

	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("kv: parse redis url: %w", err)
	}
	client := redis.NewClient(options)

	attempts := cfg.ConnectAttempts
	if attempts == 0 {
		attempts = defaultConnectAttempts
	}
	policy := backoff.NewExponentialBackOff()
	if cfg.InitialInterval > 0 {
		policy.InitialInterval = cfg.InitialInterval
	}
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, attempts-1), ctx)

	pingErr := backoff.Retry(func() error {
		return client.Ping(ctx).Err()
	}, retry)
	if pingErr != nil {
		_ = client.Close()
		logger.Warn("shared store unreachable, degrading to single-process fanout",
			zap.String("address", options.Addr),
			zap.Error(pingErr))
		return startEmbedded()
	}

	logger.Info("shared store connected", zap.String("address", options.Addr))
	return &Store{client: client, mode: ModeShared}, nil
}

// NewFromClient wraps an existing client, used when the caller manages the connection.
func NewFromClient(client *redis.Client, mode Mode) *Store {
	return &Store{client: client, mode: mode}
}

func startEmbedded() (*Store, error) {
	embedded := miniredis.NewMiniRedis()
	if err := embedded.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", errEmbeddedStart, err)
	}
	store := &Store{
		client:   redis.NewClient(&redis.Options{Addr: embedded.Addr()}),
		mode:     ModeSingleProcess,
		embedded: embedded,
		stop:     make(chan struct{}),
	}
	store.wg.Add(1)
	go store.driveEmbeddedClock()
	return store, nil
}

// The embedded store only expires keys when its clock advances.
func (s *Store) driveEmbeddedClock() {
	defer s.wg.Done()
	ticker := time.NewTicker(embeddedTick)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.embedded.FastForward(embeddedTick)
		}
	}
}

// Client returns the underlying redis client.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Mode reports whether the store is shared across processes.
func (s *Store) Mode() Mode {
	return s.mode
}

// Ping checks store reachability.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client and stops the embedded store when present.
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		err = s.client.Close()
		if s.embedded != nil {
			close(s.stop)
			s.wg.Wait()
			s.embedded.Close()
		}
	})
	return err
}
