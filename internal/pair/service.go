// Package pair manages driver/navigator control handoff between two participants.
package pair

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/apperrors"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/kv"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/workspace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	sessionKeyPrefix = "pair:"

	opServiceNew    = "pair.service.new"
	opStartSession  = "pair.start_session"
	opEndSession    = "pair.end_session"
	opActiveSession = "pair.active_session"
	opGrantControl  = "pair.grant_control"
	opRecordEvent   = "pair.record_event"
)

var (
	errMissingStore      = errors.New("pair: redis client is required")
	errMissingDatabase   = errors.New("pair: database handle is required")
	errMissingMembership = errors.New("pair: membership checker is required")
	errMissingIdentity   = errors.New("pair: driver and navigator are required")
	errNoActiveSession   = errors.New("pair: no active session")
)

// MembershipChecker reports workspace membership.
type MembershipChecker interface {
	IsMember(ctx context.Context, workspaceID, userID string) (bool, error)
}

// ServiceConfig wires the pair service.
type ServiceConfig struct {
	Store      redis.UniversalClient
	Database   *gorm.DB
	Membership MembershipChecker
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service owns live pair sessions in the shared store and their durable event log.
type Service struct {
	store      redis.UniversalClient
	db         *gorm.DB
	membership MembershipChecker
	clock      func() time.Time
	logger     *zap.Logger
}

// NewService validates cfg.
func NewService(cfg ServiceConfig) (*Service, error) {
	switch {
	case cfg.Store == nil:
		return nil, apperrors.NewServiceError(opServiceNew, "missing_store", errMissingStore)
	case cfg.Database == nil:
		return nil, apperrors.NewServiceError(opServiceNew, "missing_database", errMissingDatabase)
	case cfg.Membership == nil:
		return nil, apperrors.NewServiceError(opServiceNew, "missing_membership", errMissingMembership)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: cfg.Store, db: cfg.Database, membership: cfg.Membership, clock: clock, logger: logger}, nil
}

// StartSession opens a session for key. A session already active for key is ended first and
// its supersession recorded.
func (s *Service) StartSession(ctx context.Context, key SessionKey, driverID, navigatorID string) (Session, error) {
	driverID = strings.TrimSpace(driverID)
	navigatorID = strings.TrimSpace(navigatorID)
	if driverID == "" || navigatorID == "" {
		return Session{}, apperrors.NewServiceError(opStartSession, "missing_identity", fmt.Errorf("%w: %v", apperrors.ErrInvalid, errMissingIdentity))
	}

	sessionID, err := uuid.NewV7()
	if err != nil {
		return Session{}, apperrors.NewServiceError(opStartSession, "id_failed", err)
	}
	now := s.clock().UTC()
	started := Session{
		ID:          sessionID.String(),
		WorkspaceID: key.WorkspaceID,
		RequestID:   key.RequestID,
		DriverID:    driverID,
		NavigatorID: navigatorID,
		StartedAt:   now,
	}

	var superseded *Session
	err = s.compareAndSwap(ctx, key, func(current *Session) (*Session, error) {
		superseded = nil
		if current != nil && current.Active() {
			prior := *current
			prior.EndedAt = &now
			superseded = &prior
		}
		return &started, nil
	})
	if err != nil {
		s.logError(opStartSession, "store_failed", err, keyFields(key)...)
		return Session{}, apperrors.NewServiceError(opStartSession, "store_failed", err)
	}

	if superseded != nil {
		s.recordEvent(ctx, *superseded, EventSuperseded, driverID)
		s.logger.Info("pair session superseded",
			append(keyFields(key),
				zap.String("previous_session_id", superseded.ID),
				zap.String("session_id", started.ID))...)
	}
	s.recordEvent(ctx, started, EventStarted, driverID)
	return started, nil
}

// EndSession ends the active session for key and returns it. It returns nil without error when
// no session is active.
func (s *Service) EndSession(ctx context.Context, key SessionKey, actorID string) (*Session, error) {
	var ended *Session
	err := s.compareAndSwap(ctx, key, func(current *Session) (*Session, error) {
		ended = nil
		if current == nil || !current.Active() {
			return nil, nil
		}
		now := s.clock().UTC()
		closed := *current
		closed.EndedAt = &now
		ended = &closed
		return nil, nil
	})
	if err != nil {
		s.logError(opEndSession, "store_failed", err, keyFields(key)...)
		return nil, apperrors.NewServiceError(opEndSession, "store_failed", err)
	}
	if ended == nil {
		return nil, nil
	}
	s.recordEvent(ctx, *ended, EventEnded, actorID)
	return ended, nil
}

// ActiveSession returns the active session for key, or nil.
func (s *Service) ActiveSession(ctx context.Context, key SessionKey) (*Session, error) {
	session, err := s.read(ctx, key)
	if err != nil {
		s.logError(opActiveSession, "store_failed", err, keyFields(key)...)
		return nil, apperrors.NewServiceError(opActiveSession, "store_failed", err)
	}
	if session == nil || !session.Active() {
		return nil, nil
	}
	return session, nil
}

// Grant hands the driver seat to TargetID.
type Grant struct {
	GranterID   string
	GranterRole workspace.Role
	TargetID    string
}

// GrantControl hands driving to grant.TargetID. Both granter and target must belong to the
// workspace. With no active session a new one starts with the granter navigating; otherwise
// only the current driver or a support role may hand the seat on.
func (s *Service) GrantControl(ctx context.Context, key SessionKey, grant Grant) (Session, error) {
	for _, userID := range []string{grant.GranterID, grant.TargetID} {
		member, err := s.membership.IsMember(ctx, key.WorkspaceID, userID)
		if err != nil {
			s.logError(opGrantControl, "membership_failed", err, keyFields(key)...)
			return Session{}, apperrors.NewServiceError(opGrantControl, "membership_failed", err)
		}
		if !member {
			return Session{}, fmt.Errorf("%w: %s is not a member of workspace %s", apperrors.ErrForbidden, userID, key.WorkspaceID)
		}
	}

	var handed *Session
	err := s.compareAndSwap(ctx, key, func(current *Session) (*Session, error) {
		handed = nil
		if current == nil || !current.Active() {
			return nil, errNoActiveSession
		}
		if current.DriverID != grant.GranterID && !workspace.CanSupport(grant.GranterRole) {
			return nil, fmt.Errorf("%w: only the driver may hand over control", apperrors.ErrForbidden)
		}
		next := *current
		if next.DriverID != grant.TargetID {
			next.NavigatorID = next.DriverID
			next.DriverID = grant.TargetID
		}
		handed = &next
		return &next, nil
	})
	if errors.Is(err, errNoActiveSession) {
		return s.StartSession(ctx, key, grant.TargetID, grant.GranterID)
	}
	if errors.Is(err, apperrors.ErrForbidden) {
		return Session{}, err
	}
	if err != nil {
		s.logError(opGrantControl, "store_failed", err, keyFields(key)...)
		return Session{}, apperrors.NewServiceError(opGrantControl, "store_failed", err)
	}
	s.recordEvent(ctx, *handed, EventControlGranted, grant.GranterID)
	return *handed, nil
}

// RevokeControl ends the driver's control by ending the active session.
func (s *Service) RevokeControl(ctx context.Context, key SessionKey, actorID string) (*Session, error) {
	active, err := s.ActiveSession(ctx, key)
	if err != nil || active == nil {
		return nil, err
	}
	s.recordEvent(ctx, *active, EventControlRevoked, actorID)
	return s.EndSession(ctx, key, actorID)
}

// Events lists the durable event log for key, oldest first.
func (s *Service) Events(ctx context.Context, key SessionKey) ([]Event, error) {
	var events []Event
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND request_id = ?", key.WorkspaceID, key.RequestID).
		Order("created_at ASC").Order("id ASC").
		Find(&events).Error
	return events, err
}

// compareAndSwap runs mutate against the stored session. A nil result deletes the key.
func (s *Service) compareAndSwap(ctx context.Context, key SessionKey, mutate func(current *Session) (*Session, error)) error {
	return kv.CompareAndSwap(ctx, s.store, sessionKeyPrefix+key.String(), 0, func(raw []byte) ([]byte, error) {
		current := s.decode(key, raw)
		next, err := mutate(current)
		if err != nil || next == nil {
			return nil, err
		}
		return json.Marshal(next)
	})
}

func (s *Service) read(ctx context.Context, key SessionKey) (*Session, error) {
	raw, err := s.store.Get(ctx, sessionKeyPrefix+key.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.decode(key, raw), nil
}

func (s *Service) decode(key SessionKey, raw []byte) *Session {
	if raw == nil {
		return nil
	}
	var session Session
	if err := json.Unmarshal(raw, &session); err != nil {
		s.logger.Warn("discarding corrupt pair session", append(keyFields(key), zap.Error(err))...)
		return nil
	}
	return &session
}

func (s *Service) recordEvent(ctx context.Context, session Session, event, actorID string) {
	eventID, err := uuid.NewV7()
	if err != nil {
		s.logError(opRecordEvent, "id_failed", err)
		return
	}
	record := Event{
		ID:          eventID.String(),
		WorkspaceID: session.WorkspaceID,
		RequestID:   session.RequestID,
		SessionID:   session.ID,
		Event:       event,
		ActorID:     actorID,
		DriverID:    session.DriverID,
		NavigatorID: session.NavigatorID,
		CreatedAt:   s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opRecordEvent, "insert_failed", err,
			zap.String("session_id", session.ID),
			zap.String("event", event))
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	if s.logger == nil || err == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("pair operation failed", allFields...)
}

func keyFields(key SessionKey) []zap.Field {
	return []zap.Field{zap.String("workspace_id", key.WorkspaceID), zap.String("request_id", key.RequestID)}
}
