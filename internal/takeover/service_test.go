package takeover

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/apperrors"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/workspace"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeTimer struct {
	delay   time.Duration
	fire    func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}

type timerRecorder struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (r *timerRecorder) afterFunc(d time.Duration, f func()) Timer {
	r.mu.Lock()
	defer r.mu.Unlock()
	timer := &fakeTimer{delay: d, fire: f}
	r.timers = append(r.timers, timer)
	return timer
}

func (r *timerRecorder) last(t *testing.T) *fakeTimer {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.timers)
	return r.timers[len(r.timers)-1]
}

type testHarness struct {
	service *Service
	timers  *timerRecorder

	clockMu sync.Mutex
	now     time.Time
}

func (h *testHarness) advance(d time.Duration) {
	h.clockMu.Lock()
	defer h.clockMu.Unlock()
	h.now = h.now.Add(d)
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "takeover.db")), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&AuditEntry{}))

	harness := &testHarness{
		timers: &timerRecorder{},
		now:    time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
	}
	service, err := NewService(ServiceConfig{
		Store:       client,
		Database:    db,
		OverrideTTL: 5 * time.Minute,
		Clock: func() time.Time {
			harness.clockMu.Lock()
			defer harness.clockMu.Unlock()
			harness.now = harness.now.Add(time.Millisecond)
			return harness.now
		},
		AfterFunc: harness.timers.afterFunc,
	})
	require.NoError(t, err)
	t.Cleanup(service.Close)
	harness.service = service
	return harness
}

func overrideChange() ModeChange {
	return ModeChange{
		SessionID:   "session-1",
		WorkspaceID: "ws-1",
		Mode:        ModeEmergencyOverride,
		ActorID:     "owner-1",
		ActorRole:   workspace.RoleOwner,
		TargetID:    "user-1",
		Reason:      "production incident",
	}
}

func auditEvents(t *testing.T, service *Service, sessionID string) []string {
	t.Helper()
	entries, err := service.Audit(context.Background(), sessionID)
	require.NoError(t, err)
	events := make([]string, 0, len(entries))
	for _, entry := range entries {
		events = append(events, entry.Event)
	}
	return events
}

func TestEmergencyOverrideRevertsAfterTTL(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()

	restored := make(chan State, 1)
	harness.service.OnAutoRestore(func(state State) { restored <- state })

	state, err := harness.service.SetMode(ctx, overrideChange())
	require.NoError(t, err)
	require.Equal(t, ModeEmergencyOverride, state.Mode)
	require.NotNil(t, state.ExpiresAt)
	require.Equal(t, state.UpdatedAt.Add(5*time.Minute), *state.ExpiresAt)

	timer := harness.timers.last(t)
	require.Equal(t, 5*time.Minute, timer.delay)
	timer.fire()

	current, err := harness.service.Current(ctx, "session-1")
	require.NoError(t, err)
	require.Equal(t, ModeViewOnly, current.Mode)
	require.Equal(t, SystemActor, current.ActorID)
	require.Equal(t, state.Revision+1, current.Revision)
	require.Nil(t, current.ExpiresAt)

	select {
	case notified := <-restored:
		require.Equal(t, "ws-1", notified.WorkspaceID)
	default:
		t.Fatalf("expected auto restore notification")
	}

	require.Equal(t, []string{EventModeChanged, EventAutoRestore}, auditEvents(t, harness.service, "session-1"))
}

func TestAutoRestoreSkipsWhenModeChangedSince(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()

	_, err := harness.service.SetMode(ctx, overrideChange())
	require.NoError(t, err)
	staleTimer := harness.timers.last(t)

	_, err = harness.service.SetMode(ctx, ModeChange{
		SessionID:   "session-1",
		WorkspaceID: "ws-1",
		Mode:        ModeCoControl,
		ActorID:     "admin-1",
		ActorRole:   workspace.RoleAdmin,
	})
	require.NoError(t, err)
	require.True(t, staleTimer.stopped)

	staleTimer.fire()

	current, err := harness.service.Current(ctx, "session-1")
	require.NoError(t, err)
	require.Equal(t, ModeCoControl, current.Mode)
	require.Equal(t, "user-1", current.TargetID)
	require.Equal(t, []string{EventModeChanged, EventModeChanged}, auditEvents(t, harness.service, "session-1"))
}

func TestEmergencyOverrideRequiresOwner(t *testing.T) {
	harness := newTestHarness(t)
	change := overrideChange()
	change.ActorRole = workspace.RoleAdmin

	_, err := harness.service.SetMode(context.Background(), change)
	require.ErrorIs(t, err, apperrors.ErrForbidden)

	current, err := harness.service.Current(context.Background(), "session-1")
	require.NoError(t, err)
	require.Equal(t, ModeViewOnly, current.Mode)
	require.Empty(t, auditEvents(t, harness.service, "session-1"))

	change.ActorRole = workspace.RoleSuperuser
	_, err = harness.service.SetMode(context.Background(), change)
	require.NoError(t, err)
}

func TestCoControlRequiresSupportRole(t *testing.T) {
	harness := newTestHarness(t)
	_, err := harness.service.SetMode(context.Background(), ModeChange{
		SessionID:   "session-1",
		WorkspaceID: "ws-1",
		Mode:        ModeCoControl,
		ActorID:     "editor-1",
		ActorRole:   workspace.RoleEditor,
	})
	require.ErrorIs(t, err, apperrors.ErrForbidden)
}

func TestSupportedUserMayRestoreViewOnly(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()

	_, err := harness.service.SetMode(ctx, overrideChange())
	require.NoError(t, err)

	_, err = harness.service.SetMode(ctx, ModeChange{
		SessionID: "session-1", WorkspaceID: "ws-1", Mode: ModeViewOnly,
		ActorID: "bystander", ActorRole: workspace.RoleViewer,
	})
	require.ErrorIs(t, err, apperrors.ErrForbidden)

	state, err := harness.service.SetMode(ctx, ModeChange{
		SessionID: "session-1", WorkspaceID: "ws-1", Mode: ModeViewOnly,
		ActorID: "user-1", ActorRole: workspace.RoleViewer,
	})
	require.NoError(t, err)
	require.Equal(t, ModeViewOnly, state.Mode)
	require.True(t, harness.timers.last(t).stopped)
}

func TestSetModeRejectsForeignWorkspaceAndUnknownMode(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()

	_, err := harness.service.SetMode(ctx, overrideChange())
	require.NoError(t, err)

	foreign := overrideChange()
	foreign.WorkspaceID = "ws-2"
	_, err = harness.service.SetMode(ctx, foreign)
	require.ErrorIs(t, err, apperrors.ErrForbidden)

	unknown := overrideChange()
	unknown.Mode = "god-mode"
	_, err = harness.service.SetMode(ctx, unknown)
	require.ErrorIs(t, err, apperrors.ErrInvalid)
}

func TestRecordEventKeepsModeAndRejectsTransitions(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()

	entry, err := harness.service.RecordEvent(ctx, AuditEvent{
		SessionID: "session-1", WorkspaceID: "ws-1", Event: EventViewRequested,
		ActorID: "admin-1", ActorRole: workspace.RoleAdmin, TargetID: "user-1",
	})
	require.NoError(t, err)
	require.Equal(t, ModeViewOnly, entry.Mode)
	require.NotEmpty(t, entry.ID)

	_, err = harness.service.RecordEvent(ctx, AuditEvent{
		SessionID: "session-1", WorkspaceID: "ws-1", Event: EventAutoRestore,
		ActorRole: workspace.RoleOwner,
	})
	require.ErrorIs(t, err, apperrors.ErrInvalid)

	_, err = harness.service.RecordEvent(ctx, AuditEvent{
		SessionID: "session-1", WorkspaceID: "ws-1", Event: EventCoControlRequested,
		ActorID: "editor-1", ActorRole: workspace.RoleEditor, TargetID: "user-1",
	})
	require.ErrorIs(t, err, apperrors.ErrForbidden)

	current, err := harness.service.Current(ctx, "session-1")
	require.NoError(t, err)
	require.Equal(t, ModeViewOnly, current.Mode)
	require.Zero(t, current.Revision)
}

func TestEndResetsStateAndStopsTimer(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()

	_, err := harness.service.SetMode(ctx, overrideChange())
	require.NoError(t, err)
	timer := harness.timers.last(t)

	ended, err := harness.service.End(ctx, EndRequest{
		SessionID: "session-1", WorkspaceID: "ws-1",
		ActorID: "owner-1", ActorRole: workspace.RoleOwner, Reason: "resolved",
	})
	require.NoError(t, err)
	require.Equal(t, ModeViewOnly, ended.Mode)
	require.True(t, timer.stopped)

	current, err := harness.service.Current(ctx, "session-1")
	require.NoError(t, err)
	require.Equal(t, ModeViewOnly, current.Mode)
	require.Zero(t, current.Revision)

	require.Equal(t, []string{EventModeChanged, EventEnded}, auditEvents(t, harness.service, "session-1"))
}

func TestEndRequiresSupportRoleOrTarget(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()

	_, err := harness.service.SetMode(ctx, overrideChange())
	require.NoError(t, err)

	_, err = harness.service.End(ctx, EndRequest{
		SessionID: "session-1", WorkspaceID: "ws-1",
		ActorID: "bystander", ActorRole: workspace.RoleViewer,
	})
	require.ErrorIs(t, err, apperrors.ErrForbidden)

	current, err := harness.service.Current(ctx, "session-1")
	require.NoError(t, err)
	require.Equal(t, ModeEmergencyOverride, current.Mode)
	require.False(t, harness.timers.last(t).stopped)

	_, err = harness.service.End(ctx, EndRequest{
		SessionID: "session-1", WorkspaceID: "ws-1",
		ActorID: "user-1", ActorRole: workspace.RoleViewer, Reason: "done",
	})
	require.NoError(t, err)
	require.Equal(t, []string{EventModeChanged, EventEnded}, auditEvents(t, harness.service, "session-1"))
}

func TestExpiredOverrideRevertsWithoutTimer(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()

	restored := make(chan State, 1)
	harness.service.OnAutoRestore(func(state State) { restored <- state })

	state, err := harness.service.SetMode(ctx, overrideChange())
	require.NoError(t, err)

	// The process that scheduled the revert is gone.
	harness.service.Close()
	harness.advance(10 * time.Minute)

	current, err := harness.service.Current(ctx, "session-1")
	require.NoError(t, err)
	require.Equal(t, ModeViewOnly, current.Mode)
	require.Equal(t, SystemActor, current.ActorID)
	require.Equal(t, state.Revision+1, current.Revision)
	require.Nil(t, current.ExpiresAt)

	select {
	case notified := <-restored:
		require.Equal(t, "session-1", notified.SessionID)
	default:
		t.Fatalf("expected auto restore notification")
	}

	again, err := harness.service.Current(ctx, "session-1")
	require.NoError(t, err)
	require.Equal(t, current.Revision, again.Revision)
	require.Equal(t, []string{EventModeChanged, EventAutoRestore}, auditEvents(t, harness.service, "session-1"))
}

func TestCloseStopsPendingTimers(t *testing.T) {
	harness := newTestHarness(t)
	_, err := harness.service.SetMode(context.Background(), overrideChange())
	require.NoError(t, err)
	timer := harness.timers.last(t)

	harness.service.Close()
	require.True(t, timer.stopped)
}

func requestCoControl(t *testing.T, service *Service) {
	t.Helper()
	_, err := service.RecordEvent(context.Background(), AuditEvent{
		SessionID: "session-1", WorkspaceID: "ws-1", Event: EventCoControlRequested,
		ActorID: "admin-1", ActorRole: workspace.RoleAdmin, TargetID: "user-1",
	})
	require.NoError(t, err)
}

func TestAcceptingCoControlSwitchesMode(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()
	requestCoControl(t, harness.service)

	_, err := harness.service.Respond(ctx, Response{
		SessionID: "session-1", WorkspaceID: "ws-1", Request: EventCoControlRequested,
		ResponderID: "someone-else", Accept: true,
	})
	require.ErrorIs(t, err, apperrors.ErrForbidden)

	result, err := harness.service.Respond(ctx, Response{
		SessionID: "session-1", WorkspaceID: "ws-1", Request: EventCoControlRequested,
		ResponderID: "user-1", Accept: true,
	})
	require.NoError(t, err)
	require.Equal(t, ModeCoControl, result.State.Mode)
	require.Equal(t, "admin-1", result.State.ActorID)
	require.Equal(t, "user-1", result.State.TargetID)
	require.Equal(t, EventModeChanged, result.Entry.Event)

	_, err = harness.service.Respond(ctx, Response{
		SessionID: "session-1", WorkspaceID: "ws-1", Request: EventCoControlRequested,
		ResponderID: "user-1", Accept: true,
	})
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestDecliningRequestsKeepsMode(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()
	requestCoControl(t, harness.service)

	result, err := harness.service.Respond(ctx, Response{
		SessionID: "session-1", WorkspaceID: "ws-1", Request: EventCoControlRequested,
		ResponderID: "user-1", Accept: false, Reason: "busy",
	})
	require.NoError(t, err)
	require.Equal(t, EventCoControlDeclined, result.Entry.Event)
	require.Equal(t, ModeViewOnly, result.State.Mode)

	_, err = harness.service.Respond(ctx, Response{
		SessionID: "session-1", WorkspaceID: "ws-1", Request: EventViewRequested,
		ResponderID: "user-1", Accept: true,
	})
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = harness.service.RecordEvent(ctx, AuditEvent{
		SessionID: "session-1", WorkspaceID: "ws-1", Event: EventViewRequested,
		ActorID: "admin-1", ActorRole: workspace.RoleAdmin, TargetID: "user-1",
	})
	require.NoError(t, err)
	accepted, err := harness.service.Respond(ctx, Response{
		SessionID: "session-1", WorkspaceID: "ws-1", Request: EventViewRequested,
		ResponderID: "user-1", Accept: true,
	})
	require.NoError(t, err)
	require.Equal(t, EventViewAccepted, accepted.Entry.Event)

	require.Equal(t, []string{
		EventCoControlRequested, EventCoControlDeclined, EventViewRequested, EventViewAccepted,
	}, auditEvents(t, harness.service, "session-1"))
}
