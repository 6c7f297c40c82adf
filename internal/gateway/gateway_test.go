package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/apperrors"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/auth"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/crdt"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/docsync"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/fanout"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/pair"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/presence"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/takeover"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/workspace"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	testSigningSecret = "gateway-test-secret"
	testIssuer        = "apistudio-auth"
	testAudience      = "apistudio-collab"
	testWorkspace     = "ws-1"
	foreignWorkspace  = "ws-2"
	receiveTimeout    = 5 * time.Second
)

type claimsIdentityResolver struct{}

func (claimsIdentityResolver) ResolveIdentity(_ context.Context, claims auth.SessionClaims) (auth.Identity, error) {
	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	return auth.Identity{UserID: userID, DisplayName: claims.UserDisplayName, Roles: claims.UserRoles}, nil
}

type gatewayHarness struct {
	server   *httptest.Server
	gate     *workspace.Gate
	issuer   *auth.TokenIssuer
	bus      fanout.Bus
	gateway  *Gateway
	presence *presence.Store
}

type wireEvent struct {
	Type    string          `json:"type"`
	Room    string          `json:"room"`
	Payload json.RawMessage `json:"payload"`
}

func newGatewayHarness(t *testing.T, features Features) *gatewayHarness {
	t.Helper()
	ctx := context.Background()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "gateway.db")), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	models := append(workspace.Models(), &docsync.Snapshot{}, &pair.Event{}, &takeover.AuditEntry{})
	require.NoError(t, db.AutoMigrate(models...))

	gate, err := workspace.NewGate(workspace.GateConfig{Database: db})
	require.NoError(t, err)
	for userID, role := range map[string]workspace.Role{
		"alice":   workspace.RoleEditor,
		"bob":     workspace.RoleEditor,
		"viewer":  workspace.RoleViewer,
		"admin":   workspace.RoleAdmin,
		"owner":   workspace.RoleOwner,
		"outside": workspace.RoleEditor,
	} {
		workspaceID := testWorkspace
		if userID == "outside" {
			workspaceID = foreignWorkspace
		}
		require.NoError(t, gate.AddMember(ctx, workspaceID, userID, role))
	}
	require.NoError(t, gate.AddResource(ctx, foreignWorkspace, "req-foreign", "request"))

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		Audience:      testAudience,
	})
	require.NoError(t, err)
	authenticator, err := auth.NewAuthenticator(auth.AuthenticatorConfig{
		Validator:   validator,
		Revocations: auth.NewRevocationStore(client, nil),
		Identities:  claimsIdentityResolver{},
	})
	require.NoError(t, err)

	bus := fanout.NewRedisBus(client, nil)
	t.Cleanup(func() { _ = bus.Close() })
	engine, err := docsync.NewEngine(docsync.EngineConfig{
		Store:     client,
		Bus:       bus,
		Snapshots: docsync.NewSnapshotStore(db),
		OriginID:  "gateway-test",
	})
	require.NoError(t, err)
	require.NoError(t, engine.Start(ctx))
	t.Cleanup(func() { _ = engine.Close(context.Background()) })

	presenceStore, err := presence.NewStore(presence.StoreConfig{Client: client})
	require.NoError(t, err)
	awareness, err := docsync.NewAwareness(client, time.Minute)
	require.NoError(t, err)
	pairs, err := pair.NewService(pair.ServiceConfig{Store: client, Database: db, Membership: gate})
	require.NoError(t, err)
	takeovers, err := takeover.NewService(takeover.ServiceConfig{Store: client, Database: db})
	require.NoError(t, err)
	t.Cleanup(takeovers.Close)

	gateway, err := New(Config{
		Authenticator: authenticator,
		Gate:          gate,
		Bus:           bus,
		Presence:      presenceStore,
		Engine:        engine,
		Awareness:     awareness,
		Pair:          pairs,
		Takeover:      takeovers,
		Features:      features,
	})
	require.NoError(t, err)
	require.NoError(t, gateway.Start(ctx))
	t.Cleanup(func() { _ = gateway.Close() })

	mux := http.NewServeMux()
	for _, namespace := range Namespaces() {
		mux.Handle(namespace.Path(), gateway.Handler(namespace))
	}
	httpServer := httptest.NewServer(mux)
	t.Cleanup(httpServer.Close)

	return &gatewayHarness{
		server: httpServer,
		gate:   gate,
		issuer: auth.NewTokenIssuer(auth.TokenIssuerConfig{
			SigningSecret: []byte(testSigningSecret),
			Issuer:        testIssuer,
			Audience:      testAudience,
		}),
		bus:      bus,
		gateway:  gateway,
		presence: presenceStore,
	}
}

func (h *gatewayHarness) token(t *testing.T, userID string) string {
	t.Helper()
	issued, err := h.issuer.Issue(context.Background(), auth.TokenSubject{UserID: userID, DisplayName: strings.ToUpper(userID)})
	require.NoError(t, err)
	return issued.Token
}

func (h *gatewayHarness) dial(t *testing.T, namespace Namespace, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + namespace.Path()
	config, err := websocket.NewConfig(url, "http://localhost/")
	require.NoError(t, err)
	config.Header.Set("Authorization", "Bearer "+h.token(t, userID))
	conn, err := websocket.DialConfig(config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (h *gatewayHarness) handshakeStatus(t *testing.T, path, token string) int {
	t.Helper()
	request, err := http.NewRequest(http.MethodGet, h.server.URL+path, http.NoBody)
	require.NoError(t, err)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	defer response.Body.Close()
	return response.StatusCode
}

func send(t *testing.T, conn *websocket.Conn, message map[string]any) {
	t.Helper()
	require.NoError(t, websocket.JSON.Send(conn, message))
}

func receive(t *testing.T, conn *websocket.Conn) wireEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(receiveTimeout)))
	var event wireEvent
	require.NoError(t, websocket.JSON.Receive(conn, &event))
	return event
}

// receiveType skips events until one of eventType arrives.
func receiveType(t *testing.T, conn *websocket.Conn, eventType EventType) wireEvent {
	t.Helper()
	for {
		event := receive(t, conn)
		if event.Type == string(eventType) {
			return event
		}
	}
}

func requireError(t *testing.T, conn *websocket.Conn, code string, requestType MessageType) {
	t.Helper()
	event := receiveType(t, conn, EventError)
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(event.Payload, &payload))
	require.Equal(t, code, payload.Code)
	require.Equal(t, string(requestType), payload.RequestType)
}

func decodeDocument(t *testing.T, event wireEvent) *crdt.Document {
	t.Helper()
	var payload syncPayload
	require.NoError(t, json.Unmarshal(event.Payload, &payload))
	document := crdt.NewDocument()
	_, err := document.Apply(payload.Update)
	require.NoError(t, err)
	return document
}

func encodedField(t *testing.T, client, key, value string) string {
	t.Helper()
	update, err := crdt.NewDocument().Set(client, key, []byte(value))
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(update)
}

func joinDocument(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	send(t, conn, map[string]any{"type": "presence.join", "workspaceId": testWorkspace})
	require.Equal(t, string(EventPresenceSync), receive(t, conn).Type)
	require.Equal(t, string(EventSyncState), receive(t, conn).Type)
	require.Equal(t, string(EventAwarenessSync), receive(t, conn).Type)
}

func TestHandshakeRequiresValidToken(t *testing.T) {
	harness := newGatewayHarness(t, AllFeatures())

	require.Equal(t, http.StatusUnauthorized, harness.handshakeStatus(t, "/ws/collab", ""))
	require.Equal(t, http.StatusUnauthorized, harness.handshakeStatus(t, "/ws/collab", "not-a-token"))
	require.Equal(t, http.StatusForbidden, harness.handshakeStatus(t, "/ws/collab?workspaceId="+foreignWorkspace, harness.token(t, "alice")))
}

func TestPresenceKeepaliveRefreshesOpenConnections(t *testing.T) {
	harness := newGatewayHarness(t, AllFeatures())
	ctx := context.Background()
	alice := harness.dial(t, NamespaceCollab, "alice")
	joinDocument(t, alice)
	scope := docsync.RoomID{WorkspaceID: testWorkspace, DocumentID: docsync.DefaultDocumentID}.String()

	before, err := harness.presence.List(ctx, scope)
	require.NoError(t, err)
	require.Len(t, before, 1)

	time.Sleep(10 * time.Millisecond)
	harness.gateway.refreshPresence(ctx)

	after, err := harness.presence.List(ctx, scope)
	require.NoError(t, err)
	require.Len(t, after, 1)
	require.True(t, after[0].UpdatedAt.After(before[0].UpdatedAt))
	require.True(t, after[0].JoinedAt.Equal(before[0].JoinedAt))
	require.Equal(t, "alice", after[0].UserID)
}

func TestSubprotocolTokenIsNotEchoed(t *testing.T) {
	config := &websocket.Config{Protocol: []string{"bearer.secret-token", "collab.v1"}}
	require.NoError(t, selectSubprotocol(config, nil))
	require.Equal(t, []string{"collab.v1"}, config.Protocol)

	config = &websocket.Config{Protocol: []string{"bearer.secret-token"}}
	require.NoError(t, selectSubprotocol(config, nil))
	require.Empty(t, config.Protocol)

	harness := newGatewayHarness(t, AllFeatures())
	url := "ws" + strings.TrimPrefix(harness.server.URL, "http") + NamespaceCollab.Path()
	dialConfig, err := websocket.NewConfig(url, "http://localhost/")
	require.NoError(t, err)
	dialConfig.Protocol = []string{"collab.v1", "bearer." + harness.token(t, "alice")}
	conn, err := websocket.DialConfig(dialConfig)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Equal(t, []string{"collab.v1"}, conn.Config().Protocol)
	joinDocument(t, conn)
}

func TestDisabledNamespaceIsNotServed(t *testing.T) {
	features := AllFeatures()
	features.Logs = false
	harness := newGatewayHarness(t, features)

	require.Equal(t, http.StatusNotFound, harness.handshakeStatus(t, "/ws/logs", harness.token(t, "alice")))
}

func TestMessagesAreAuthorizedPerWorkspace(t *testing.T) {
	harness := newGatewayHarness(t, AllFeatures())
	alice := harness.dial(t, NamespaceCollab, "alice")

	send(t, alice, map[string]any{"type": "presence.join", "workspaceId": foreignWorkspace})
	requireError(t, alice, apperrors.CodeForbidden, TypePresenceJoin)

	send(t, alice, map[string]any{"type": "presence.join", "workspaceId": testWorkspace, "documentId": "req-foreign"})
	requireError(t, alice, apperrors.CodeForbidden, TypePresenceJoin)

	send(t, alice, map[string]any{"type": "presence.join", "workspaceId": testWorkspace, "documentId": "req-missing"})
	requireError(t, alice, apperrors.CodeNotFound, TypePresenceJoin)

	joinDocument(t, alice)
}

func TestUnknownAndMisroutedMessagesKeepConnectionOpen(t *testing.T) {
	harness := newGatewayHarness(t, AllFeatures())
	alice := harness.dial(t, NamespaceCollab, "alice")

	send(t, alice, map[string]any{"type": "presence.teleport", "workspaceId": testWorkspace})
	requireError(t, alice, apperrors.CodeInvalid, "presence.teleport")

	send(t, alice, map[string]any{"type": "logs.subscribe", "workspaceId": testWorkspace, "runId": "run-1"})
	requireError(t, alice, apperrors.CodeInvalid, TypeLogsSubscribe)

	send(t, alice, map[string]any{"type": "sync.update", "workspaceId": testWorkspace, "update": "%%%"})
	requireError(t, alice, apperrors.CodeInvalid, TypeSyncUpdate)

	joinDocument(t, alice)
}

func TestViewerCannotEditDocument(t *testing.T) {
	harness := newGatewayHarness(t, AllFeatures())
	viewer := harness.dial(t, NamespaceCollab, "viewer")
	joinDocument(t, viewer)

	send(t, viewer, map[string]any{
		"type":        "sync.update",
		"workspaceId": testWorkspace,
		"update":      encodedField(t, "viewer", "url", "https://example.test"),
	})
	requireError(t, viewer, apperrors.CodeForbidden, TypeSyncUpdate)
}

func TestLateJoinerReceivesStateBeforeIncrements(t *testing.T) {
	harness := newGatewayHarness(t, AllFeatures())
	alice := harness.dial(t, NamespaceCollab, "alice")
	joinDocument(t, alice)

	send(t, alice, map[string]any{
		"type":        "sync.update",
		"workspaceId": testWorkspace,
		"update":      encodedField(t, "alice-client", "method", "GET"),
	})
	// presence.update is handled after the delta on the same connection and echoes back.
	send(t, alice, map[string]any{"type": "presence.update", "workspaceId": testWorkspace, "status": "idle"})
	receiveType(t, alice, EventPresenceUpdate)

	bob := harness.dial(t, NamespaceCollab, "bob")
	send(t, bob, map[string]any{"type": "presence.join", "workspaceId": testWorkspace})

	presenceSync := receive(t, bob)
	require.Equal(t, string(EventPresenceSync), presenceSync.Type)
	var records []presence.Record
	require.NoError(t, json.Unmarshal(presenceSync.Payload, &records))
	require.Len(t, records, 2)

	state := receive(t, bob)
	require.Equal(t, string(EventSyncState), state.Type)
	method, ok := decodeDocument(t, state).Get("method")
	require.True(t, ok)
	require.Equal(t, "GET", string(method))

	send(t, alice, map[string]any{
		"type":        "sync.update",
		"workspaceId": testWorkspace,
		"update":      encodedField(t, "alice-client", "url", "https://api.test"),
	})
	increment := receiveType(t, bob, EventSyncUpdate)
	url, ok := decodeDocument(t, increment).Get("url")
	require.True(t, ok)
	require.Equal(t, "https://api.test", string(url))

	joined := receiveType(t, alice, EventPresenceUpdate)
	var record presence.Record
	require.NoError(t, json.Unmarshal(joined.Payload, &record))
	require.Equal(t, "bob", record.UserID)
}

func TestJoinWithDigestReceivesOnlyMissingEntries(t *testing.T) {
	harness := newGatewayHarness(t, AllFeatures())
	alice := harness.dial(t, NamespaceCollab, "alice")
	joinDocument(t, alice)

	cached := crdt.NewDocument()
	first, err := cached.Set("alice-client", "method", []byte("GET"))
	require.NoError(t, err)
	second, err := crdt.NewDocument().Set("alice-client", "url", []byte("https://api.test"))
	require.NoError(t, err)
	for _, update := range [][]byte{first, second} {
		send(t, alice, map[string]any{
			"type":        "sync.update",
			"workspaceId": testWorkspace,
			"update":      base64.StdEncoding.EncodeToString(update),
		})
	}
	send(t, alice, map[string]any{"type": "presence.update", "workspaceId": testWorkspace, "status": "idle"})
	receiveType(t, alice, EventPresenceUpdate)

	bob := harness.dial(t, NamespaceCollab, "bob")
	send(t, bob, map[string]any{
		"type":        "presence.join",
		"workspaceId": testWorkspace,
		"stateDigest": base64.StdEncoding.EncodeToString(cached.Digest()),
	})
	state := receiveType(t, bob, EventSyncState)
	var payload syncPayload
	require.NoError(t, json.Unmarshal(state.Payload, &payload))
	entries, err := crdt.DecodeUpdate(payload.Update)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "url", entries[0].Key)

	send(t, bob, map[string]any{"type": "presence.join", "workspaceId": testWorkspace, "stateDigest": "AQA="})
	requireError(t, bob, apperrors.CodeInvalid, TypePresenceJoin)
}

func TestCursorUpdatesReachPeersAndAwareness(t *testing.T) {
	harness := newGatewayHarness(t, AllFeatures())
	alice := harness.dial(t, NamespaceCollab, "alice")
	joinDocument(t, alice)
	bob := harness.dial(t, NamespaceCollab, "bob")
	joinDocument(t, bob)

	send(t, alice, map[string]any{
		"type":        "cursor.update",
		"workspaceId": testWorkspace,
		"cursor":      map[string]any{"position": 12, "color": "#f00"},
	})
	event := receiveType(t, bob, EventCursorUpdate)
	var payload struct {
		UserID string          `json:"userId"`
		Cursor presence.Cursor `json:"cursor"`
	}
	require.NoError(t, json.Unmarshal(event.Payload, &payload))
	require.Equal(t, "alice", payload.UserID)
	require.Equal(t, 12, payload.Cursor.Position)

	carol := harness.dial(t, NamespaceCollab, "admin")
	send(t, carol, map[string]any{"type": "presence.join", "workspaceId": testWorkspace})
	overlays := receiveType(t, carol, EventAwarenessSync)
	var states map[string]awarenessState
	require.NoError(t, json.Unmarshal(overlays.Payload, &states))
	require.Len(t, states, 1)
}

func TestDisconnectBroadcastsLeave(t *testing.T) {
	harness := newGatewayHarness(t, AllFeatures())
	alice := harness.dial(t, NamespaceCollab, "alice")
	joinDocument(t, alice)
	bob := harness.dial(t, NamespaceCollab, "bob")
	joinDocument(t, bob)

	require.NoError(t, bob.Close())
	event := receiveType(t, alice, EventPresenceLeave)
	var payload leavePayload
	require.NoError(t, json.Unmarshal(event.Payload, &payload))
	require.Equal(t, "bob", payload.UserID)
}

func TestEmergencyOverrideIsOwnerOnly(t *testing.T) {
	harness := newGatewayHarness(t, AllFeatures())
	admin := harness.dial(t, NamespaceTakeover, "admin")
	owner := harness.dial(t, NamespaceTakeover, "owner")

	send(t, admin, map[string]any{"type": "takeover.join", "workspaceId": testWorkspace, "sessionId": "support-1"})
	initial := receiveType(t, admin, EventTakeoverState)
	var state takeover.State
	require.NoError(t, json.Unmarshal(initial.Payload, &state))
	require.Equal(t, takeover.ModeViewOnly, state.Mode)

	override := map[string]any{
		"type":        "takeover.emergency_override",
		"workspaceId": testWorkspace,
		"sessionId":   "support-1",
		"targetId":    "alice",
		"reason":      "incident 42",
	}
	send(t, admin, override)
	requireError(t, admin, apperrors.CodeForbidden, TypeTakeoverEmergencyOverride)

	send(t, owner, override)
	changed := receiveType(t, admin, EventTakeoverState)
	require.NoError(t, json.Unmarshal(changed.Payload, &state))
	require.Equal(t, takeover.ModeEmergencyOverride, state.Mode)
	require.NotNil(t, state.ExpiresAt)

	viewer := harness.dial(t, NamespaceTakeover, "viewer")
	send(t, viewer, map[string]any{"type": "takeover.end", "workspaceId": testWorkspace, "sessionId": "support-1"})
	requireError(t, viewer, apperrors.CodeForbidden, TypeTakeoverEnd)

	send(t, owner, map[string]any{"type": "takeover.end", "workspaceId": testWorkspace, "sessionId": "support-1"})
	ended := receiveType(t, admin, EventTakeoverState)
	require.NoError(t, json.Unmarshal(ended.Payload, &state))
	require.Equal(t, takeover.ModeViewOnly, state.Mode)
}

func TestCoControlRequestAndAcceptance(t *testing.T) {
	harness := newGatewayHarness(t, AllFeatures())
	admin := harness.dial(t, NamespaceTakeover, "admin")
	alice := harness.dial(t, NamespaceTakeover, "alice")

	for _, conn := range []*websocket.Conn{admin, alice} {
		send(t, conn, map[string]any{"type": "takeover.join", "workspaceId": testWorkspace, "sessionId": "support-2"})
		receiveType(t, conn, EventTakeoverState)
	}

	send(t, admin, map[string]any{
		"type": "takeover.request_co_control", "workspaceId": testWorkspace,
		"sessionId": "support-2", "targetId": "alice",
	})
	requested := receiveType(t, alice, EventTakeoverEvent)
	var entry takeover.AuditEntry
	require.NoError(t, json.Unmarshal(requested.Payload, &entry))
	require.Equal(t, takeover.EventCoControlRequested, entry.Event)

	send(t, alice, map[string]any{
		"type": "takeover.respond_co_control", "workspaceId": testWorkspace,
		"sessionId": "support-2", "accept": true,
	})
	changed := receiveType(t, admin, EventTakeoverState)
	var state takeover.State
	require.NoError(t, json.Unmarshal(changed.Payload, &state))
	require.Equal(t, takeover.ModeCoControl, state.Mode)
}

func TestPairGrantRequiresMembers(t *testing.T) {
	harness := newGatewayHarness(t, AllFeatures())
	alice := harness.dial(t, NamespacePair, "alice")
	bob := harness.dial(t, NamespacePair, "bob")

	for _, conn := range []*websocket.Conn{alice, bob} {
		send(t, conn, map[string]any{"type": "pair.join", "workspaceId": testWorkspace})
		initial := receiveType(t, conn, EventPairState)
		var payload pairStatePayload
		require.NoError(t, json.Unmarshal(initial.Payload, &payload))
		require.Nil(t, payload.Session)
	}

	send(t, alice, map[string]any{"type": "pair.grant_control", "workspaceId": testWorkspace, "targetId": "outside"})
	requireError(t, alice, apperrors.CodeForbidden, TypePairGrantControl)

	send(t, alice, map[string]any{"type": "pair.grant_control", "workspaceId": testWorkspace, "targetId": "bob"})
	granted := receiveType(t, bob, EventPairState)
	var payload pairStatePayload
	require.NoError(t, json.Unmarshal(granted.Payload, &payload))
	require.NotNil(t, payload.Session)
	require.Equal(t, "bob", payload.Session.DriverID)
	require.Equal(t, "alice", payload.Session.NavigatorID)

	send(t, alice, map[string]any{"type": "pair.grant_control", "workspaceId": testWorkspace, "targetId": "alice"})
	requireError(t, alice, apperrors.CodeForbidden, TypePairGrantControl)

	send(t, bob, map[string]any{"type": "pair.sync_scroll", "workspaceId": testWorkspace, "scroll": map[string]int{"top": 40}})
	scroll := receiveType(t, alice, EventPairScroll)
	require.Contains(t, string(scroll.Payload), `"top":40`)
}

func TestLogLinesReachSubscribers(t *testing.T) {
	harness := newGatewayHarness(t, AllFeatures())
	alice := harness.dial(t, NamespaceLogs, "alice")

	send(t, alice, map[string]any{"type": "logs.subscribe", "workspaceId": testWorkspace, "runId": "run-7"})
	receiveType(t, alice, EventLogsSubscribed)

	require.NoError(t, PublishLogLine(context.Background(), harness.bus, testWorkspace, "run-7", LogLine{Line: "GET /health 200"}))
	event := receiveType(t, alice, EventLogsLine)
	var line LogLine
	require.NoError(t, json.Unmarshal(event.Payload, &line))
	require.Equal(t, "GET /health 200", line.Line)
	require.Equal(t, StreamStdout, line.Stream)

	require.ErrorIs(t, PublishLogLine(context.Background(), harness.bus, "", "run-7", LogLine{}), apperrors.ErrInvalid)
}

func TestWorkspaceAwarenessNamespace(t *testing.T) {
	harness := newGatewayHarness(t, AllFeatures())
	alice := harness.dial(t, NamespaceAwareness, "alice")
	bob := harness.dial(t, NamespaceAwareness, "bob")

	send(t, alice, map[string]any{"type": "presence.join", "workspaceId": testWorkspace})
	receiveType(t, alice, EventPresenceSync)
	send(t, bob, map[string]any{"type": "presence.join", "workspaceId": testWorkspace, "status": "away"})
	listing := receiveType(t, bob, EventPresenceSync)
	var records []presence.Record
	require.NoError(t, json.Unmarshal(listing.Payload, &records))
	require.Len(t, records, 2)

	joined := receiveType(t, alice, EventPresenceUpdate)
	var record presence.Record
	require.NoError(t, json.Unmarshal(joined.Payload, &record))
	require.Equal(t, presence.StatusAway, record.Status)

	send(t, bob, map[string]any{"type": "sync.update", "workspaceId": testWorkspace, "update": "AQA="})
	requireError(t, bob, apperrors.CodeInvalid, TypeSyncUpdate)
}
