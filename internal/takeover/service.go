// Package takeover tracks support takeover modes for a session with an audit trail and an
// automatic revert of emergency overrides.
package takeover

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
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
	stateKeyPrefix      = "takeover:"
	defaultOverrideTTL  = 5 * time.Minute
	autoRestoreDeadline = 5 * time.Second

	opServiceNew   = "takeover.service.new"
	opSetMode      = "takeover.set_mode"
	opRecordEvent  = "takeover.record_event"
	opRespond      = "takeover.respond"
	opEnd          = "takeover.end"
	opAutoRestore  = "takeover.auto_restore"
	opAppendAudit  = "takeover.append_audit"
	opCurrentState = "takeover.current"
)

var (
	errMissingStore    = errors.New("takeover: redis client is required")
	errMissingDatabase = errors.New("takeover: database handle is required")
	errRestoreStale    = errors.New("takeover: override already replaced")
)

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

// ServiceConfig wires the takeover service.
type ServiceConfig struct {
	Store       redis.UniversalClient
	Database    *gorm.DB
	OverrideTTL time.Duration
	Clock       func() time.Time
	AfterFunc   AfterFunc
	Logger      *zap.Logger
}

// ModeChange requests a transition for a session.
type ModeChange struct {
	SessionID   string
	WorkspaceID string
	Mode        Mode
	ActorID     string
	ActorRole   workspace.Role
	TargetID    string
	Reason      string
}

// AuditEvent is a request-level event recorded without changing the mode.
type AuditEvent struct {
	SessionID   string
	WorkspaceID string
	Event       string
	ActorID     string
	ActorRole   workspace.Role
	TargetID    string
	Reason      string
}

// Response answers the latest pending request addressed to the responder.
type Response struct {
	SessionID   string
	WorkspaceID string
	Request     string
	ResponderID string
	Accept      bool
	Reason      string
}

// EndRequest closes a takeover session.
type EndRequest struct {
	SessionID   string
	WorkspaceID string
	ActorID     string
	ActorRole   workspace.Role
	Reason      string
}

// ResponseResult is the recorded answer and the state after it.
type ResponseResult struct {
	Entry AuditEntry
	State State
}

// Service owns live takeover state in the shared store and the durable audit trail.
type Service struct {
	store       redis.UniversalClient
	db          *gorm.DB
	overrideTTL time.Duration
	clock       func() time.Time
	afterFunc   AfterFunc
	logger      *zap.Logger

	mu        sync.Mutex
	timers    map[string]Timer
	onRestore func(State)
	closed    bool
}

// NewService validates cfg.
func NewService(cfg ServiceConfig) (*Service, error) {
	switch {
	case cfg.Store == nil:
		return nil, apperrors.NewServiceError(opServiceNew, "missing_store", errMissingStore)
	case cfg.Database == nil:
		return nil, apperrors.NewServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	overrideTTL := cfg.OverrideTTL
	if overrideTTL <= 0 {
		overrideTTL = defaultOverrideTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	afterFunc := cfg.AfterFunc
	if afterFunc == nil {
		afterFunc = func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:       cfg.Store,
		db:          cfg.Database,
		overrideTTL: overrideTTL,
		clock:       clock,
		afterFunc:   afterFunc,
		logger:      logger,
		timers:      make(map[string]Timer),
	}, nil
}

// OnAutoRestore registers a callback invoked after an override reverts on its own.
func (s *Service) OnAutoRestore(handler func(State)) {
	s.mu.Lock()
	s.onRestore = handler
	s.mu.Unlock()
}

// Current returns the live state of sessionID, view-only when none is stored. An emergency
// override past its expiry is reverted here, so the bound holds even when the process that
// scheduled the revert is gone.
func (s *Service) Current(ctx context.Context, sessionID string) (State, error) {
	state, err := s.load(ctx, sessionID)
	if err != nil {
		return State{}, err
	}
	if state == nil {
		return State{SessionID: sessionID, Mode: ModeViewOnly}, nil
	}
	if !s.expired(*state) {
		return *state, nil
	}
	restored, err := s.restore(ctx, sessionID, state.Revision)
	switch {
	case err == nil:
		return restored, nil
	case errors.Is(err, errRestoreStale):
		state, err = s.load(ctx, sessionID)
		if err != nil {
			return State{}, err
		}
		if state == nil {
			return State{SessionID: sessionID, Mode: ModeViewOnly}, nil
		}
		return *state, nil
	default:
		return State{}, apperrors.NewServiceError(opCurrentState, "restore_failed", err)
	}
}

func (s *Service) load(ctx context.Context, sessionID string) (*State, error) {
	raw, err := s.store.Get(ctx, stateKeyPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		s.logError(opCurrentState, "store_failed", err, zap.String("session_id", sessionID))
		return nil, apperrors.NewServiceError(opCurrentState, "store_failed", err)
	}
	return s.decode(sessionID, raw), nil
}

func (s *Service) expired(state State) bool {
	return state.Mode == ModeEmergencyOverride && state.ExpiresAt != nil && !s.clock().UTC().Before(*state.ExpiresAt)
}

// SetMode applies change. Emergency override requires an owner and reverts to view-only after
// the override TTL unless another change lands first.
func (s *Service) SetMode(ctx context.Context, change ModeChange) (State, error) {
	if err := validateScope(change.SessionID, change.WorkspaceID); err != nil {
		return State{}, err
	}
	if _, ok := ParseMode(string(change.Mode)); !ok {
		return State{}, fmt.Errorf("%w: unknown mode %q", apperrors.ErrInvalid, change.Mode)
	}
	switch change.Mode {
	case ModeEmergencyOverride:
		if !workspace.IsOwner(change.ActorRole) {
			return State{}, fmt.Errorf("%w: emergency override requires workspace owner", apperrors.ErrForbidden)
		}
	case ModeCoControl:
		if !workspace.CanSupport(change.ActorRole) {
			return State{}, fmt.Errorf("%w: co-control requires a support role", apperrors.ErrForbidden)
		}
	}
	return s.applyMode(ctx, change)
}

func (s *Service) applyMode(ctx context.Context, change ModeChange) (State, error) {
	if _, err := s.Current(ctx, change.SessionID); err != nil {
		return State{}, err
	}
	now := s.clock().UTC()
	var next State
	err := s.swap(ctx, change.SessionID, func(current *State) (*State, error) {
		previous := State{SessionID: change.SessionID, WorkspaceID: change.WorkspaceID, Mode: ModeViewOnly}
		if current != nil {
			previous = *current
		}
		if previous.WorkspaceID != change.WorkspaceID {
			return nil, fmt.Errorf("%w: session belongs to another workspace", apperrors.ErrForbidden)
		}
		if change.Mode == ModeViewOnly && !workspace.CanSupport(change.ActorRole) && change.ActorID != previous.TargetID {
			return nil, fmt.Errorf("%w: only support roles or the supported user may restore view-only", apperrors.ErrForbidden)
		}
		next = State{
			SessionID:   change.SessionID,
			WorkspaceID: change.WorkspaceID,
			Mode:        change.Mode,
			ActorID:     change.ActorID,
			TargetID:    firstNonEmpty(change.TargetID, previous.TargetID),
			Revision:    previous.Revision + 1,
			UpdatedAt:   now,
		}
		if change.Mode == ModeEmergencyOverride {
			expiresAt := now.Add(s.overrideTTL)
			next.ExpiresAt = &expiresAt
		}
		return &next, nil
	})
	if err != nil {
		if isClientError(err) {
			return State{}, err
		}
		s.logError(opSetMode, "store_failed", err, zap.String("session_id", change.SessionID))
		return State{}, apperrors.NewServiceError(opSetMode, "store_failed", err)
	}

	if next.Mode == ModeEmergencyOverride {
		s.schedule(next)
	} else {
		s.cancel(next.SessionID)
	}
	s.appendAudit(ctx, AuditEntry{
		SessionID:   next.SessionID,
		WorkspaceID: next.WorkspaceID,
		ActorID:     change.ActorID,
		TargetID:    next.TargetID,
		Mode:        next.Mode,
		Event:       EventModeChanged,
		Reason:      change.Reason,
	})
	s.logger.Info("takeover mode changed",
		zap.String("session_id", next.SessionID),
		zap.String("workspace_id", next.WorkspaceID),
		zap.String("mode", string(next.Mode)),
		zap.Int64("revision", next.Revision))
	return next, nil
}

// RecordEvent appends a request-level event without changing the mode.
func (s *Service) RecordEvent(ctx context.Context, event AuditEvent) (AuditEntry, error) {
	if err := validateScope(event.SessionID, event.WorkspaceID); err != nil {
		return AuditEntry{}, err
	}
	if !IsRequestEvent(event.Event) {
		return AuditEntry{}, fmt.Errorf("%w: unsupported takeover event %q", apperrors.ErrInvalid, event.Event)
	}
	if !workspace.CanSupport(event.ActorRole) {
		return AuditEntry{}, fmt.Errorf("%w: takeover requests require a support role", apperrors.ErrForbidden)
	}
	current, err := s.Current(ctx, event.SessionID)
	if err != nil {
		return AuditEntry{}, err
	}
	if current.WorkspaceID != "" && current.WorkspaceID != event.WorkspaceID {
		return AuditEntry{}, fmt.Errorf("%w: session belongs to another workspace", apperrors.ErrForbidden)
	}
	entry := AuditEntry{
		SessionID:   event.SessionID,
		WorkspaceID: event.WorkspaceID,
		ActorID:     event.ActorID,
		TargetID:    event.TargetID,
		Mode:        current.Mode,
		Event:       event.Event,
		Reason:      event.Reason,
	}
	if err := s.insertAudit(ctx, &entry); err != nil {
		s.logError(opRecordEvent, "insert_failed", err, zap.String("session_id", event.SessionID))
		return AuditEntry{}, apperrors.NewServiceError(opRecordEvent, "insert_failed", err)
	}
	return entry, nil
}

// Respond answers the latest open request of kind response.Request. Only its target may answer.
// Accepting a co-control request switches the session to co-control on behalf of the requester.
func (s *Service) Respond(ctx context.Context, response Response) (ResponseResult, error) {
	if err := validateScope(response.SessionID, response.WorkspaceID); err != nil {
		return ResponseResult{}, err
	}
	if !IsRequestEvent(response.Request) {
		return ResponseResult{}, fmt.Errorf("%w: unsupported takeover request %q", apperrors.ErrInvalid, response.Request)
	}
	request, err := s.pendingRequest(ctx, response.SessionID, response.Request)
	if err != nil {
		return ResponseResult{}, err
	}
	if request.WorkspaceID != response.WorkspaceID {
		return ResponseResult{}, fmt.Errorf("%w: session belongs to another workspace", apperrors.ErrForbidden)
	}
	if request.TargetID != response.ResponderID {
		return ResponseResult{}, fmt.Errorf("%w: request is addressed to another user", apperrors.ErrForbidden)
	}

	if response.Request == EventCoControlRequested && response.Accept {
		state, err := s.applyMode(ctx, ModeChange{
			SessionID:   response.SessionID,
			WorkspaceID: response.WorkspaceID,
			Mode:        ModeCoControl,
			ActorID:     request.ActorID,
			TargetID:    response.ResponderID,
			Reason:      firstNonEmpty(response.Reason, "co-control accepted"),
		})
		if err != nil {
			return ResponseResult{}, err
		}
		entries, err := s.Audit(ctx, response.SessionID)
		if err != nil || len(entries) == 0 {
			return ResponseResult{State: state}, nil
		}
		return ResponseResult{Entry: entries[len(entries)-1], State: state}, nil
	}

	event := EventViewDeclined
	switch {
	case response.Request == EventViewRequested && response.Accept:
		event = EventViewAccepted
	case response.Request == EventCoControlRequested:
		event = EventCoControlDeclined
	}
	current, err := s.Current(ctx, response.SessionID)
	if err != nil {
		return ResponseResult{}, err
	}
	entry := AuditEntry{
		SessionID:   response.SessionID,
		WorkspaceID: response.WorkspaceID,
		ActorID:     response.ResponderID,
		TargetID:    request.ActorID,
		Mode:        current.Mode,
		Event:       event,
		Reason:      response.Reason,
	}
	if err := s.insertAudit(ctx, &entry); err != nil {
		s.logError(opRespond, "insert_failed", err, zap.String("session_id", response.SessionID))
		return ResponseResult{}, apperrors.NewServiceError(opRespond, "insert_failed", err)
	}
	return ResponseResult{Entry: entry, State: current}, nil
}

// pendingRequest finds the newest request of kind that has not been answered since.
func (s *Service) pendingRequest(ctx context.Context, sessionID, kind string) (AuditEntry, error) {
	closing := make(map[string]struct{}, len(answers[kind])+1)
	closing[kind] = struct{}{}
	for _, event := range answers[kind] {
		closing[event] = struct{}{}
	}
	events := make([]string, 0, len(closing))
	for event := range closing {
		events = append(events, event)
	}

	var latest AuditEntry
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND event IN ?", sessionID, events).
		Order("created_at DESC").Order("id DESC").
		Limit(1).
		Take(&latest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && latest.Event != kind) {
		return AuditEntry{}, fmt.Errorf("%w: no pending %s for session %s", apperrors.ErrNotFound, kind, sessionID)
	}
	if err != nil {
		s.logError(opRespond, "lookup_failed", err, zap.String("session_id", sessionID))
		return AuditEntry{}, apperrors.NewServiceError(opRespond, "lookup_failed", err)
	}
	return latest, nil
}

// End resets sessionID to view-only, drops its live state and records the end. Only support
// roles or the supported user may end a session.
func (s *Service) End(ctx context.Context, request EndRequest) (State, error) {
	if err := validateScope(request.SessionID, request.WorkspaceID); err != nil {
		return State{}, err
	}
	if _, err := s.Current(ctx, request.SessionID); err != nil {
		return State{}, err
	}
	err := s.swap(ctx, request.SessionID, func(current *State) (*State, error) {
		if current != nil && current.WorkspaceID != request.WorkspaceID {
			return nil, fmt.Errorf("%w: session belongs to another workspace", apperrors.ErrForbidden)
		}
		if workspace.CanSupport(request.ActorRole) {
			return nil, nil
		}
		if current == nil || current.TargetID == "" || current.TargetID != request.ActorID {
			return nil, fmt.Errorf("%w: only support roles or the supported user may end a takeover", apperrors.ErrForbidden)
		}
		return nil, nil
	})
	if err != nil {
		if isClientError(err) {
			return State{}, err
		}
		s.logError(opEnd, "store_failed", err, zap.String("session_id", request.SessionID))
		return State{}, apperrors.NewServiceError(opEnd, "store_failed", err)
	}
	s.cancel(request.SessionID)
	s.appendAudit(ctx, AuditEntry{
		SessionID:   request.SessionID,
		WorkspaceID: request.WorkspaceID,
		ActorID:     request.ActorID,
		Mode:        ModeViewOnly,
		Event:       EventEnded,
		Reason:      request.Reason,
	})
	return State{SessionID: request.SessionID, WorkspaceID: request.WorkspaceID, Mode: ModeViewOnly, UpdatedAt: s.clock().UTC()}, nil
}

// Audit lists the audit trail of sessionID, oldest first.
func (s *Service) Audit(ctx context.Context, sessionID string) ([]AuditEntry, error) {
	var entries []AuditEntry
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").Order("id ASC").
		Find(&entries).Error
	return entries, err
}

// Close cancels pending auto-restore timers.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for sessionID, timer := range s.timers {
		timer.Stop()
		delete(s.timers, sessionID)
	}
}

func (s *Service) schedule(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if existing, ok := s.timers[state.SessionID]; ok {
		existing.Stop()
	}
	sessionID := state.SessionID
	revision := state.Revision
	s.timers[sessionID] = s.afterFunc(s.overrideTTL, func() {
		s.autoRestore(sessionID, revision)
	})
}

func (s *Service) cancel(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[sessionID]; ok {
		timer.Stop()
		delete(s.timers, sessionID)
	}
}

func (s *Service) autoRestore(sessionID string, revision int64) {
	ctx, cancel := context.WithTimeout(context.Background(), autoRestoreDeadline)
	defer cancel()
	if _, err := s.restore(ctx, sessionID, revision); err != nil && !errors.Is(err, errRestoreStale) {
		s.logError(opAutoRestore, "store_failed", err, zap.String("session_id", sessionID))
	}
}

// restore reverts the emergency override at revision to view-only. It returns errRestoreStale
// when the session moved on since.
func (s *Service) restore(ctx context.Context, sessionID string, revision int64) (State, error) {
	var restored State
	err := s.swap(ctx, sessionID, func(current *State) (*State, error) {
		if current == nil || current.Revision != revision || current.Mode != ModeEmergencyOverride {
			return nil, errRestoreStale
		}
		restored = State{
			SessionID:   current.SessionID,
			WorkspaceID: current.WorkspaceID,
			Mode:        ModeViewOnly,
			ActorID:     SystemActor,
			TargetID:    current.TargetID,
			Revision:    current.Revision + 1,
			UpdatedAt:   s.clock().UTC(),
		}
		return &restored, nil
	})
	if err != nil {
		return State{}, err
	}

	s.cancel(sessionID)
	s.mu.Lock()
	handler := s.onRestore
	s.mu.Unlock()

	s.appendAudit(ctx, AuditEntry{
		SessionID:   restored.SessionID,
		WorkspaceID: restored.WorkspaceID,
		ActorID:     SystemActor,
		TargetID:    restored.TargetID,
		Mode:        ModeViewOnly,
		Event:       EventAutoRestore,
		Reason:      "emergency override expired",
	})
	s.logger.Info("emergency override reverted",
		zap.String("session_id", restored.SessionID),
		zap.String("workspace_id", restored.WorkspaceID))
	if handler != nil {
		handler(restored)
	}
	return restored, nil
}

func (s *Service) swap(ctx context.Context, sessionID string, mutate func(current *State) (*State, error)) error {
	return kv.CompareAndSwap(ctx, s.store, stateKeyPrefix+sessionID, 0, func(raw []byte) ([]byte, error) {
		next, err := mutate(s.decode(sessionID, raw))
		if err != nil || next == nil {
			return nil, err
		}
		return json.Marshal(next)
	})
}

func (s *Service) decode(sessionID string, raw []byte) *State {
	if raw == nil {
		return nil
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		s.logger.Warn("discarding corrupt takeover state", zap.String("session_id", sessionID), zap.Error(err))
		return nil
	}
	return &state
}

// appendAudit writes entry and logs failures without surfacing them.
func (s *Service) appendAudit(ctx context.Context, entry AuditEntry) {
	if err := s.insertAudit(ctx, &entry); err != nil {
		s.logError(opAppendAudit, "insert_failed", err,
			zap.String("session_id", entry.SessionID),
			zap.String("event", entry.Event))
	}
}

func (s *Service) insertAudit(ctx context.Context, entry *AuditEntry) error {
	entryID, err := uuid.NewV7()
	if err != nil {
		return err
	}
	entry.ID = entryID.String()
	entry.CreatedAt = s.clock().UTC()
	return s.db.WithContext(ctx).Create(entry).Error
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
	s.logger.Error("takeover operation failed", allFields...)
}

func validateScope(sessionID, workspaceID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("%w: sessionId required", apperrors.ErrInvalid)
	}
	if strings.TrimSpace(workspaceID) == "" {
		return fmt.Errorf("%w: workspaceId required", apperrors.ErrInvalid)
	}
	return nil
}

func isClientError(err error) bool {
	return errors.Is(err, apperrors.ErrForbidden) || errors.Is(err, apperrors.ErrInvalid) || errors.Is(err, apperrors.ErrNotFound)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
