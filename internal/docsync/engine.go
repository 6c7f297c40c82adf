// Package docsync keeps per-room replicated documents consistent across connections and
// gateway processes.
package docsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/apperrors"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/crdt"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/fanout"
	"go.uber.org/zap"
)

const (
	defaultSnapshotThreshold = 50
	defaultUpdateLogLimit    = 500
	defaultRoomIdleTTL       = 5 * time.Minute
	defaultSubscriberBuffer  = 256
	relayBufferSize          = 1024
	snapshotAttempts         = 3
	snapshotRetryInterval    = 20 * time.Millisecond

	updateLogKeyPrefix = "collab:updates:"
	channelPrefix      = "collab:"
	channelPattern     = "collab:*"

	opEngineNew      = "docsync.engine.new"
	opEngineStart    = "docsync.engine.start"
	opEnsureRoom     = "docsync.ensure_room"
	opApplyUpdate    = "docsync.apply_update"
	opApplyRemote    = "docsync.apply_remote"
	opPersist        = "docsync.persist_snapshot"
	opEvict          = "docsync.evict"
	reasonMissingDep = "missing_dependency"

	fieldWorkspaceID = "workspace_id"
	fieldDocumentID  = "document_id"
)

var (
	errMissingStore     = errors.New("docsync: redis client is required")
	errMissingBus       = errors.New("docsync: fanout bus is required")
	errMissingSnapshots = errors.New("docsync: snapshot store is required")
	errMissingOrigin    = errors.New("docsync: origin id is required")
	errSnapshotConflict = errors.New("docsync: snapshot version already written")
)

// EngineConfig wires an Engine.
type EngineConfig struct {
	Store             redis.UniversalClient
	Bus               fanout.Bus
	Snapshots         *SnapshotStore
	OriginID          string
	SnapshotThreshold int
	UpdateLogLimit    int
	RoomIdleTTL       time.Duration
	Clock             func() time.Time
	Logger            *zap.Logger
}

// Engine merges document deltas, persists snapshots and relays deltas between processes.
type Engine struct {
	store       redis.UniversalClient
	bus         fanout.Bus
	snapshots   *SnapshotStore
	origin      string
	threshold   int
	logLimit    int
	idleTTL     time.Duration
	clock       func() time.Time
	logger      *zap.Logger
	registry    *Registry
	subscribers *subscribers

	relay     *fanout.Subscription
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

type relayMessage struct {
	Origin       string `json:"origin"`
	Actor        string `json:"actor"`
	ConnectionID string `json:"connectionId,omitempty"`
	WorkspaceID  string `json:"workspaceId"`
	DocumentID   string `json:"documentId"`
	Update       []byte `json:"update"`
}

// NewEngine validates cfg and builds an idle Engine. Call Start to begin relaying.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	switch {
	case cfg.Store == nil:
		return nil, apperrors.NewServiceError(opEngineNew, reasonMissingDep, errMissingStore)
	case cfg.Bus == nil:
		return nil, apperrors.NewServiceError(opEngineNew, reasonMissingDep, errMissingBus)
	case cfg.Snapshots == nil:
		return nil, apperrors.NewServiceError(opEngineNew, reasonMissingDep, errMissingSnapshots)
	case cfg.OriginID == "":
		return nil, apperrors.NewServiceError(opEngineNew, reasonMissingDep, errMissingOrigin)
	}
	threshold := cfg.SnapshotThreshold
	if threshold <= 0 {
		threshold = defaultSnapshotThreshold
	}
	logLimit := cfg.UpdateLogLimit
	if logLimit <= 0 {
		logLimit = defaultUpdateLogLimit
	}
	idleTTL := cfg.RoomIdleTTL
	if idleTTL <= 0 {
		idleTTL = defaultRoomIdleTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:       cfg.Store,
		bus:         cfg.Bus,
		snapshots:   cfg.Snapshots,
		origin:      cfg.OriginID,
		threshold:   threshold,
		logLimit:    logLimit,
		idleTTL:     idleTTL,
		clock:       clock,
		logger:      logger,
		registry:    NewRegistry(clock),
		subscribers: newSubscribers(),
	}, nil
}

// Origin returns the id this process tags its broadcasts with.
func (e *Engine) Origin() string {
	return e.origin
}

// Registry exposes the in-memory room registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Start subscribes to sibling broadcasts and launches the idle-room janitor.
func (e *Engine) Start(ctx context.Context) error {
	var startErr error
	e.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		relay, err := e.bus.Subscribe(runCtx, channelPattern, relayBufferSize)
		if err != nil {
			cancel()
			startErr = apperrors.NewServiceError(opEngineStart, "subscribe_failed", err)
			return
		}
		e.relay = relay
		e.cancel = cancel

		e.wg.Add(2)
		go e.runRelay(runCtx)
		go e.runJanitor(runCtx)
	})
	return startErr
}

// Subscribe registers a consumer of merged updates.
func (e *Engine) Subscribe(bufferSize int) *Subscription {
	return e.subscribers.add(bufferSize)
}

// Unsubscribe removes a consumer and closes its channel.
func (e *Engine) Unsubscribe(subscription *Subscription) {
	e.subscribers.remove(subscription)
}

// EnsureRoom loads a room into memory if it is not already active.
func (e *Engine) EnsureRoom(ctx context.Context, id RoomID) error {
	_, err := e.ensureRoom(ctx, id)
	return err
}

// Acquire loads a room and counts a participant against it.
func (e *Engine) Acquire(ctx context.Context, id RoomID) error {
	e.registry.acquire(id)
	if _, err := e.ensureRoom(ctx, id); err != nil {
		e.registry.release(id)
		return err
	}
	return nil
}

// Release drops a participant. The room stays cached until it has been idle for the TTL.
func (e *Engine) Release(id RoomID) {
	e.registry.release(id)
}

// State reports the lifecycle state of a room held in memory.
func (e *Engine) State(id RoomID) (RoomState, bool) {
	existing, ok := e.registry.lookup(id)
	if !ok {
		return RoomUnloaded, false
	}
	existing.mu.Lock()
	defer existing.mu.Unlock()
	return existing.state, true
}

// StateVector returns the full document state as a single update for a joining peer.
func (e *Engine) StateVector(ctx context.Context, id RoomID) ([]byte, error) {
	target, err := e.ensureRoom(ctx, id)
	if err != nil {
		return nil, err
	}
	target.mu.Lock()
	defer target.mu.Unlock()
	return target.document.EncodeStateAsUpdate(), nil
}

// Digest returns the per-field version summary of the room document.
func (e *Engine) Digest(ctx context.Context, id RoomID) ([]byte, error) {
	target, err := e.ensureRoom(ctx, id)
	if err != nil {
		return nil, err
	}
	target.mu.Lock()
	defer target.mu.Unlock()
	return target.document.Digest(), nil
}

// Diff returns the entries a peer holding digest is missing. An empty digest yields the full
// state.
func (e *Engine) Diff(ctx context.Context, id RoomID, digest []byte) ([]byte, error) {
	target, err := e.ensureRoom(ctx, id)
	if err != nil {
		return nil, err
	}
	target.mu.Lock()
	defer target.mu.Unlock()
	diff, err := target.document.EncodeDiff(digest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalid, err)
	}
	return diff, nil
}

// ApplyUpdate merges delta, appends it to the shared update log, broadcasts it to sibling
// processes and local subscribers, and snapshots the room when the pending count reaches the
// threshold. Deltas that change nothing are dropped silently.
func (e *Engine) ApplyUpdate(ctx context.Context, id RoomID, delta []byte, actor, connectionID string) error {
	target, err := e.ensureRoom(ctx, id)
	if err != nil {
		return err
	}

	target.mu.Lock()
	defer target.mu.Unlock()

	changed, err := target.document.Apply(delta)
	if err != nil {
		return apperrors.NewServiceError(opApplyUpdate, "malformed_update", fmt.Errorf("%w: %v", apperrors.ErrInvalid, err))
	}
	if !changed {
		return nil
	}

	if err := e.appendLog(ctx, id, delta); err != nil {
		e.logError(opApplyUpdate, "update_log_append_failed", err, roomFields(id)...)
	}
	e.broadcast(ctx, id, delta, actor, connectionID)
	target.pending++
	e.subscribers.publish(RoomUpdate{Room: id, Update: delta, Actor: actor, ConnectionID: connectionID})
	e.registry.touch(id)

	if target.pending >= e.threshold && target.pending%e.threshold == 0 {
		if err := e.persistLocked(ctx, target); err != nil {
			e.logError(opPersist, "snapshot_failed", err, append(roomFields(id), zap.Int("pending", target.pending))...)
		}
	}
	return nil
}

// Flush persists a snapshot of id when it has unsnapshotted updates.
func (e *Engine) Flush(ctx context.Context, id RoomID) error {
	target, ok := e.registry.lookup(id)
	if !ok {
		return nil
	}
	return e.flushRoom(ctx, target)
}

// EvictIdle drops rooms without participants that have been idle for the TTL, flushing
// pending updates first. It returns the number of rooms evicted.
func (e *Engine) EvictIdle(ctx context.Context) int {
	evicted := e.registry.evictIdle(e.idleTTL)
	for _, target := range evicted {
		if err := e.flushRoom(ctx, target); err != nil {
			e.logError(opEvict, "flush_failed", err, roomFields(target.id)...)
		}
		e.logger.Debug("room evicted", roomFields(target.id)...)
	}
	return len(evicted)
}

// Close stops relaying, flushes every room with pending updates and closes subscribers.
func (e *Engine) Close(ctx context.Context) error {
	var closeErr *multierror.Error
	e.closeOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
		if e.relay != nil {
			e.relay.Close()
		}
		e.wg.Wait()
		for _, target := range e.registry.snapshot() {
			if err := e.flushRoom(ctx, target); err != nil {
				closeErr = multierror.Append(closeErr, err)
			}
		}
		e.subscribers.closeAll()
	})
	return closeErr.ErrorOrNil()
}

func (e *Engine) flushRoom(ctx context.Context, target *room) error {
	target.mu.Lock()
	defer target.mu.Unlock()
	if target.state != RoomActive || target.pending == 0 {
		return nil
	}
	return e.persistLocked(ctx, target)
}

func (e *Engine) ensureRoom(ctx context.Context, id RoomID) (*room, error) {
	target := e.registry.getOrCreate(id)
	for {
		target.mu.Lock()
		switch target.state {
		case RoomActive:
			target.mu.Unlock()
			return target, nil
		case RoomLoading:
			loaded := target.loaded
			target.mu.Unlock()
			select {
			case <-loaded:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		default:
			target.state = RoomLoading
			target.loaded = make(chan struct{})
			target.mu.Unlock()

			document, version, err := e.load(ctx, id)

			target.mu.Lock()
			if err != nil {
				target.state = RoomUnloaded
			} else {
				target.document = document
				target.version = version
				target.pending = 0
				target.state = RoomActive
			}
			close(target.loaded)
			target.mu.Unlock()
			if err != nil {
				e.logError(opEnsureRoom, "load_failed", err, roomFields(id)...)
				return nil, apperrors.NewServiceError(opEnsureRoom, "load_failed", err)
			}
			e.logger.Debug("room loaded", append(roomFields(id), zap.Int64("snapshot_version", version))...)
			return target, nil
		}
	}
}

func (e *Engine) load(ctx context.Context, id RoomID) (*crdt.Document, int64, error) {
	document := crdt.NewDocument()
	var version int64

	snapshot, err := e.snapshots.Latest(ctx, id)
	if err != nil {
		return nil, 0, fmt.Errorf("load snapshot: %w", err)
	}
	if snapshot != nil {
		if _, err := document.Apply(snapshot.Payload); err != nil {
			return nil, 0, fmt.Errorf("apply snapshot version %d: %w", snapshot.Version, err)
		}
		version = snapshot.Version
	}

	entries, err := e.store.LRange(ctx, updateLogKey(id), 0, -1).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("read update log: %w", err)
	}
	for index, entry := range entries {
		if _, err := document.Apply([]byte(entry)); err != nil {
			e.logger.Warn("skipping malformed logged update",
				append(roomFields(id), zap.Int("index", index), zap.Error(err))...)
		}
	}
	return document, version, nil
}

func (e *Engine) appendLog(ctx context.Context, id RoomID, delta []byte) error {
	key := updateLogKey(id)
	_, err := e.store.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, delta)
		pipe.LTrim(ctx, key, int64(-e.logLimit), -1)
		return nil
	})
	return err
}

func (e *Engine) broadcast(ctx context.Context, id RoomID, delta []byte, actor, connectionID string) {
	payload, err := json.Marshal(relayMessage{
		Origin:       e.origin,
		Actor:        actor,
		ConnectionID: connectionID,
		WorkspaceID:  id.WorkspaceID,
		DocumentID:   id.DocumentID,
		Update:       delta,
	})
	if err != nil {
		e.logError(opApplyUpdate, "relay_encode_failed", err, roomFields(id)...)
		return
	}
	if err := e.bus.Publish(ctx, channelName(id), payload); err != nil {
		e.logger.Warn("update broadcast failed", append(roomFields(id), zap.Error(err))...)
	}
}

// persistLocked folds the shared update log into the document, writes the next snapshot
// version and trims the entries it covered. Caller holds target.mu.
func (e *Engine) persistLocked(ctx context.Context, target *room) error {
	key := updateLogKey(target.id)
	entries, err := e.store.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("read update log: %w", err)
	}
	for _, entry := range entries {
		changed, err := target.document.Apply([]byte(entry))
		if err != nil {
			continue
		}
		if changed {
			e.subscribers.publish(RoomUpdate{Room: target.id, Update: []byte(entry), Remote: true})
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(snapshotRetryInterval), snapshotAttempts-1),
		ctx,
	)
	err = backoff.Retry(func() error {
		next := target.version + 1
		inserted, err := e.snapshots.Insert(ctx, Snapshot{
			WorkspaceID: target.id.WorkspaceID,
			DocumentID:  target.id.DocumentID,
			Version:     next,
			Payload:     target.document.EncodeStateAsUpdate(),
			CreatedAt:   e.clock().UTC(),
		})
		if err != nil {
			return backoff.Permanent(err)
		}
		if inserted {
			target.version = next
			return nil
		}

		latest, err := e.snapshots.Latest(ctx, target.id)
		if err != nil {
			return backoff.Permanent(err)
		}
		if latest != nil {
			changed, err := target.document.Apply(latest.Payload)
			if err != nil {
				return backoff.Permanent(fmt.Errorf("merge concurrent snapshot: %w", err))
			}
			if changed {
				e.subscribers.publish(RoomUpdate{Room: target.id, Update: latest.Payload, Remote: true})
			}
			target.version = latest.Version
		}
		return errSnapshotConflict
	}, policy)
	if err != nil {
		return err
	}

	if len(entries) > 0 {
		if err := e.store.LTrim(ctx, key, int64(len(entries)), -1).Err(); err != nil {
			e.logger.Warn("update log trim failed", append(roomFields(target.id), zap.Error(err))...)
		}
	}
	target.pending = 0
	e.logger.Debug("snapshot persisted", append(roomFields(target.id), zap.Int64("version", target.version))...)
	return nil
}

func (e *Engine) runRelay(ctx context.Context) {
	defer e.wg.Done()
	var lastDropped uint64
	for message := range e.relay.C() {
		if dropped := e.relay.Dropped(); dropped != lastDropped {
			e.logger.Warn("remote updates dropped; they remain in the update log",
				zap.Uint64("dropped", dropped-lastDropped))
			lastDropped = dropped
		}
		e.handleRemote(ctx, message)
	}
}

func (e *Engine) handleRemote(ctx context.Context, message fanout.Message) {
	var decoded relayMessage
	if err := json.Unmarshal(message.Payload, &decoded); err != nil {
		e.logger.Warn("discarding undecodable relay message", zap.String("channel", message.Channel), zap.Error(err))
		return
	}
	if decoded.Origin == e.origin {
		return
	}
	id, err := NewRoomID(decoded.WorkspaceID, decoded.DocumentID)
	if err != nil {
		return
	}
	target, ok := e.registry.lookup(id)
	if !ok {
		return
	}

	target.mu.Lock()
	if target.state == RoomLoading {
		loaded := target.loaded
		target.mu.Unlock()
		select {
		case <-loaded:
		case <-ctx.Done():
			return
		}
		target.mu.Lock()
	}
	defer target.mu.Unlock()
	if target.state != RoomActive {
		return
	}

	changed, err := target.document.Apply(decoded.Update)
	if err != nil {
		e.logError(opApplyRemote, "malformed_update", err, append(roomFields(id), zap.String("origin", decoded.Origin))...)
		return
	}
	if !changed {
		return
	}
	e.subscribers.publish(RoomUpdate{
		Room:         id,
		Update:       decoded.Update,
		Actor:        decoded.Actor,
		ConnectionID: decoded.ConnectionID,
		Remote:       true,
	})
}

func (e *Engine) runJanitor(ctx context.Context) {
	defer e.wg.Done()
	interval := e.idleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.EvictIdle(ctx)
		}
	}
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	if e.logger == nil || err == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	e.logger.Error("docsync operation failed", allFields...)
}

func roomFields(id RoomID) []zap.Field {
	return []zap.Field{zap.String(fieldWorkspaceID, id.WorkspaceID), zap.String(fieldDocumentID, id.DocumentID)}
}

func updateLogKey(id RoomID) string {
	return updateLogKeyPrefix + id.String()
}

func channelName(id RoomID) string {
	return channelPrefix + id.String()
}
