// Package gateway serves the websocket namespaces and routes client messages to the
// collaboration services.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/apperrors"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/auth"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/docsync"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/fanout"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/pair"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/presence"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/takeover"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/workspace"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"
)

const (
	broadcastChannelPrefix = "room:"
	logChannelPrefix       = "logs:"

	defaultSendQueueSize = 256
	relayBufferSize      = 1024
	maxFrameBytes        = 1 << 20
	cleanupTimeout       = 5 * time.Second

	workspaceQueryParameter = "workspaceId"

	opGatewayNew = "gateway.new"
)

var (
	errMissingAuthenticator = errors.New("gateway: authenticator is required")
	errMissingGate          = errors.New("gateway: authorization gate is required")
	errMissingBus           = errors.New("gateway: fanout bus is required")
	errMissingService       = errors.New("gateway: service required by an enabled namespace")
	errNotJoined            = fmt.Errorf("%w: room not joined", apperrors.ErrNotFound)
)

// Authenticator admits a handshake request.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (auth.Identity, error)
}

// Authorizer resolves workspace roles and resource ownership.
type Authorizer interface {
	Authorize(ctx context.Context, identity auth.Identity, workspaceID string) (workspace.Role, error)
	AssertResourceInWorkspace(ctx context.Context, workspaceID, resourceID string) error
}

// Config wires the gateway.
type Config struct {
	Authenticator Authenticator
	Gate          Authorizer
	Bus           fanout.Bus
	Presence      *presence.Store
	Engine        *docsync.Engine
	Awareness     *docsync.Awareness
	Pair          *pair.Service
	Takeover      *takeover.Service
	Features      Features
	SendQueueSize int
	// PresenceRefresh is how often open connections refresh their presence records.
	// Zero means a third of the presence TTL.
	PresenceRefresh time.Duration
	Logger          *zap.Logger
}

// Gateway owns the local room index and relays broadcasts between processes.
type Gateway struct {
	authenticator Authenticator
	gate          Authorizer
	bus           fanout.Bus
	presence      *presence.Store
	engine        *docsync.Engine
	awareness     *docsync.Awareness
	pairs         *pair.Service
	takeovers     *takeover.Service
	features      Features
	queueSize     int
	refresh       time.Duration
	logger        *zap.Logger

	index *roomIndex

	connsMu sync.Mutex
	conns   map[string]*connection

	runCtx    context.Context
	cancel    context.CancelFunc
	engineSub *docsync.Subscription
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// New validates cfg. Services are only required for the namespaces that are enabled.
func New(cfg Config) (*Gateway, error) {
	switch {
	case cfg.Authenticator == nil:
		return nil, apperrors.NewServiceError(opGatewayNew, "missing_authenticator", errMissingAuthenticator)
	case cfg.Gate == nil:
		return nil, apperrors.NewServiceError(opGatewayNew, "missing_gate", errMissingGate)
	case cfg.Bus == nil:
		return nil, apperrors.NewServiceError(opGatewayNew, "missing_bus", errMissingBus)
	case (cfg.Features.Collab || cfg.Features.Awareness) && cfg.Presence == nil:
		return nil, apperrors.NewServiceError(opGatewayNew, "missing_presence", errMissingService)
	case cfg.Features.Collab && (cfg.Engine == nil || cfg.Awareness == nil):
		return nil, apperrors.NewServiceError(opGatewayNew, "missing_engine", errMissingService)
	case cfg.Features.Pair && cfg.Pair == nil:
		return nil, apperrors.NewServiceError(opGatewayNew, "missing_pair", errMissingService)
	case cfg.Features.Takeover && cfg.Takeover == nil:
		return nil, apperrors.NewServiceError(opGatewayNew, "missing_takeover", errMissingService)
	}
	queueSize := cfg.SendQueueSize
	if queueSize <= 0 {
		queueSize = defaultSendQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	refresh := cfg.PresenceRefresh
	if refresh <= 0 && cfg.Presence != nil {
		refresh = cfg.Presence.TTL() / 3
	}
	runCtx, cancel := context.WithCancel(context.Background())
	gateway := &Gateway{
		authenticator: cfg.Authenticator,
		gate:          cfg.Gate,
		bus:           cfg.Bus,
		presence:      cfg.Presence,
		engine:        cfg.Engine,
		awareness:     cfg.Awareness,
		pairs:         cfg.Pair,
		takeovers:     cfg.Takeover,
		features:      cfg.Features,
		queueSize:     queueSize,
		refresh:       refresh,
		logger:        logger,
		index:         newRoomIndex(),
		conns:         make(map[string]*connection),
		runCtx:        runCtx,
		cancel:        cancel,
	}
	if gateway.takeovers != nil {
		gateway.takeovers.OnAutoRestore(gateway.broadcastTakeoverState)
	}
	return gateway, nil
}

// Start subscribes to cross-process broadcasts, log lines and document updates.
func (g *Gateway) Start(ctx context.Context) error {
	var startErr error
	g.startOnce.Do(func() {
		rooms, err := g.bus.Subscribe(g.runCtx, broadcastChannelPrefix+"*", relayBufferSize)
		if err != nil {
			startErr = fmt.Errorf("gateway: subscribe broadcasts: %w", err)
			return
		}
		g.wg.Add(1)
		go g.runBroadcastRelay(rooms)

		if g.features.Logs {
			logs, err := g.bus.Subscribe(g.runCtx, logChannelPrefix+"*", relayBufferSize)
			if err != nil {
				startErr = fmt.Errorf("gateway: subscribe log lines: %w", err)
				return
			}
			g.wg.Add(1)
			go g.runLogRelay(logs)
		}

		if g.features.Collab {
			g.engineSub = g.engine.Subscribe(relayBufferSize)
			g.wg.Add(1)
			go g.runDocumentRelay(g.engineSub)
		}

		if g.presence != nil && g.refresh > 0 {
			g.wg.Add(1)
			go g.runPresenceKeepalive()
		}
		g.logger.Info("gateway started",
			zap.String("fanout_mode", string(g.bus.Mode())),
			zap.Any("features", g.features))
	})
	return startErr
}

// Handler serves namespace. The handshake is authenticated before the upgrade; a failure
// answers with a plain HTTP error and no websocket is opened.
func (g *Gateway) Handler(namespace Namespace) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.features.Enabled(namespace) {
			writeHandshakeError(w, http.StatusNotFound, apperrors.CodeDisabled, "namespace disabled")
			return
		}
		identity, err := g.authenticator.Authenticate(r.Context(), r)
		if err != nil {
			writeHandshakeError(w, http.StatusUnauthorized, apperrors.CodeUnauthorized, "unauthorized")
			return
		}
		if workspaceID := strings.TrimSpace(r.URL.Query().Get(workspaceQueryParameter)); workspaceID != "" {
			if _, err := g.gate.Authorize(r.Context(), identity, workspaceID); err != nil {
				status := http.StatusForbidden
				if apperrors.Code(err) == apperrors.CodeInternal {
					status = http.StatusInternalServerError
				}
				g.logger.Info("handshake workspace rejected",
					zap.String("namespace", string(namespace)),
					zap.String("workspace_id", workspaceID),
					zap.String("user_id", identity.UserID),
					zap.Error(err))
				writeHandshakeError(w, status, apperrors.Code(err), apperrors.Message(err))
				return
			}
		}
		server := websocket.Server{
			Handshake: selectSubprotocol,
			Handler: func(ws *websocket.Conn) {
				g.serve(ws, namespace, identity)
			},
		}
		server.ServeHTTP(w, r)
	})
}

// selectSubprotocol echoes the first offered application subprotocol. Browser clients pass
// the token as a "bearer.<token>" subprotocol next to one such as "collab.v1"; the token
// entry is never echoed.
func selectSubprotocol(config *websocket.Config, _ *http.Request) error {
	offered := config.Protocol
	config.Protocol = nil
	for _, protocol := range offered {
		if strings.HasPrefix(strings.ToLower(protocol), auth.BearerSubprotocolPrefix) {
			continue
		}
		config.Protocol = []string{protocol}
		break
	}
	return nil
}

func writeHandshakeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorPayload{Code: code, Message: message})
}

func (g *Gateway) serve(ws *websocket.Conn, namespace Namespace, identity auth.Identity) {
	ws.MaxPayloadBytes = maxFrameBytes
	conn := newConnection(uuid.NewString(), namespace, identity, ws, g.queueSize, g.logger)
	if !g.track(conn) {
		_ = ws.Close()
		return
	}
	conn.start()
	g.logger.Debug("connection opened",
		zap.String("connection_id", conn.id),
		zap.String("namespace", string(namespace)),
		zap.String("user_id", identity.UserID))

	defer g.disconnect(conn)
	for {
		var frame []byte
		if err := websocket.Message.Receive(ws, &frame); err != nil {
			if !errors.Is(err, io.EOF) {
				g.logger.Debug("websocket read ended", zap.String("connection_id", conn.id), zap.Error(err))
			}
			return
		}
		g.dispatch(g.runCtx, conn, frame)
	}
}

func (g *Gateway) track(conn *connection) bool {
	g.connsMu.Lock()
	defer g.connsMu.Unlock()
	if g.runCtx.Err() != nil {
		return false
	}
	g.conns[conn.id] = conn
	return true
}

// dispatch decodes, re-authorizes and handles one inbound frame. Failures answer the sender
// with an error event and never close the connection.
func (g *Gateway) dispatch(ctx context.Context, conn *connection, frame []byte) {
	message, err := ParseMessage(frame)
	if err != nil {
		g.logger.Info("inbound message rejected",
			zap.String("connection_id", conn.id),
			zap.String("request_type", requestType(frame)),
			zap.Error(err))
		g.sendError(conn, requestType(frame), err)
		return
	}
	if !conn.namespace.Accepts(message.Kind()) {
		g.sendError(conn, string(message.Kind()), fmt.Errorf("%w: %s is not handled on %s", apperrors.ErrInvalid, message.Kind(), conn.namespace))
		return
	}
	role, err := g.gate.Authorize(ctx, conn.identity, message.Workspace())
	if err != nil {
		g.sendError(conn, string(message.Kind()), err)
		return
	}
	if err := g.handle(ctx, conn, role, message); err != nil {
		g.sendError(conn, string(message.Kind()), err)
	}
}

func (g *Gateway) handle(ctx context.Context, conn *connection, role workspace.Role, message Message) error {
	switch m := message.(type) {
	case PresenceJoin:
		if conn.namespace == NamespaceAwareness {
			return g.joinWorkspacePresence(ctx, conn, role, m)
		}
		return g.joinDocument(ctx, conn, role, m)
	case PresenceUpdate:
		if conn.namespace == NamespaceAwareness {
			return g.updateWorkspacePresence(ctx, conn, m)
		}
		return g.updateDocumentPresence(ctx, conn, m)
	case PresenceLeave:
		if conn.namespace == NamespaceAwareness {
			return g.leaveWorkspacePresence(ctx, conn, awarenessRoom(m.WorkspaceID))
		}
		return g.leaveDocumentByMessage(ctx, conn, m)
	case CursorUpdate:
		return g.updateCursor(ctx, conn, m)
	case SyncUpdate:
		return g.applySyncUpdate(ctx, conn, role, m)
	case LogsSubscribe:
		return g.subscribeLogs(conn, m)
	case LogsUnsubscribe:
		return g.unsubscribeLogs(conn, m)
	case PairJoin:
		return g.joinPair(ctx, conn, m)
	case PairRequestControl:
		return g.requestPairControl(ctx, conn, m)
	case PairGrantControl:
		return g.grantPairControl(ctx, conn, role, m)
	case PairRevokeControl:
		return g.revokePairControl(ctx, conn, role, m)
	case PairSyncCursor:
		return g.syncPairMotion(ctx, conn, m.WorkspaceID, m.RequestID, EventPairCursor, pairMotionPayload{UserID: conn.identity.UserID, Cursor: m.Cursor})
	case PairSyncScroll:
		return g.syncPairMotion(ctx, conn, m.WorkspaceID, m.RequestID, EventPairScroll, pairMotionPayload{UserID: conn.identity.UserID, Scroll: m.Scroll})
	case TakeoverJoin:
		return g.joinTakeover(ctx, conn, m)
	case TakeoverRequestView:
		return g.recordTakeoverRequest(ctx, conn, role, m.WorkspaceID, m.SessionID, takeover.EventViewRequested, m.TargetID, m.Reason)
	case TakeoverAcceptView:
		return g.respondTakeover(ctx, conn, m.WorkspaceID, m.SessionID, takeover.EventViewRequested, true, "")
	case TakeoverDeclineView:
		return g.respondTakeover(ctx, conn, m.WorkspaceID, m.SessionID, takeover.EventViewRequested, false, m.Reason)
	case TakeoverRequestCoControl:
		return g.recordTakeoverRequest(ctx, conn, role, m.WorkspaceID, m.SessionID, takeover.EventCoControlRequested, m.TargetID, m.Reason)
	case TakeoverRespondCoControl:
		return g.respondTakeover(ctx, conn, m.WorkspaceID, m.SessionID, takeover.EventCoControlRequested, m.Accept, m.Reason)
	case TakeoverEmergencyOverride:
		return g.emergencyOverride(ctx, conn, role, m)
	case TakeoverEnd:
		return g.endTakeover(ctx, conn, role, m)
	default:
		return fmt.Errorf("%w: unhandled message %s", apperrors.ErrInvalid, message.Kind())
	}
}

func (g *Gateway) sendError(conn *connection, requestType string, err error) {
	code := apperrors.Code(err)
	if code == apperrors.CodeInternal {
		g.logger.Error("message handling failed",
			zap.String("connection_id", conn.id),
			zap.String("request_type", requestType),
			zap.Error(err))
	}
	frame, encodeErr := encodeEvent(EventError, "", ErrorPayload{
		Code:        code,
		Message:     apperrors.Message(err),
		RequestType: requestType,
	})
	if encodeErr != nil {
		return
	}
	conn.enqueue(frame)
}

func (g *Gateway) sendEvent(conn *connection, eventType EventType, room string, payload any) error {
	frame, err := encodeEvent(eventType, room, payload)
	if err != nil {
		return err
	}
	conn.enqueue(frame)
	return nil
}

type broadcastEnvelope struct {
	Except string          `json:"except,omitempty"`
	Event  json.RawMessage `json:"event"`
}

// broadcast publishes an event for room through the fanout bus so every process, this one
// included, delivers it to its local members. except skips one connection.
func (g *Gateway) broadcast(ctx context.Context, room, except string, eventType EventType, payload any) {
	frame, err := encodeEvent(eventType, room, payload)
	if err != nil {
		g.logger.Error("broadcast encode failed", zap.String("room", room), zap.Error(err))
		return
	}
	body, err := json.Marshal(broadcastEnvelope{Except: except, Event: frame})
	if err != nil {
		g.logger.Error("broadcast encode failed", zap.String("room", room), zap.Error(err))
		return
	}
	if err := g.bus.Publish(ctx, broadcastChannelPrefix+room, body); err != nil {
		g.logger.Warn("broadcast publish failed, delivering locally",
			zap.String("room", room),
			zap.Error(err))
		g.index.deliver(room, except, frame)
	}
}

func (g *Gateway) runBroadcastRelay(subscription *fanout.Subscription) {
	defer g.wg.Done()
	var lastDropped uint64
	for message := range subscription.C() {
		if dropped := subscription.Dropped(); dropped != lastDropped {
			g.logger.Warn("broadcast relay dropped messages", zap.Uint64("dropped", dropped-lastDropped))
			lastDropped = dropped
		}
		var envelope broadcastEnvelope
		if err := json.Unmarshal(message.Payload, &envelope); err != nil {
			g.logger.Warn("discarding malformed broadcast", zap.String("channel", message.Channel), zap.Error(err))
			continue
		}
		room := strings.TrimPrefix(message.Channel, broadcastChannelPrefix)
		g.index.deliver(room, envelope.Except, envelope.Event)
	}
}

// runDocumentRelay forwards merged document updates to local members. When the engine
// reports dropped updates every active document is resent in full.
func (g *Gateway) runDocumentRelay(subscription *docsync.Subscription) {
	defer g.wg.Done()
	var lastDropped uint64
	for update := range subscription.C() {
		if dropped := subscription.Dropped(); dropped != lastDropped {
			g.logger.Warn("document relay fell behind, resyncing rooms", zap.Uint64("dropped", dropped-lastDropped))
			lastDropped = dropped
			g.resyncDocuments()
		}
		room := collabRoom(update.Room)
		frame, err := encodeEvent(EventSyncUpdate, room, syncPayload{
			Update:       update.Update,
			Actor:        update.Actor,
			ConnectionID: update.ConnectionID,
		})
		if err != nil {
			continue
		}
		except := ""
		if !update.Remote {
			except = update.ConnectionID
		}
		g.index.deliver(room, except, frame)
	}
}

func (g *Gateway) resyncDocuments() {
	for room, id := range g.index.activeDocuments() {
		state, err := g.engine.StateVector(g.runCtx, id)
		if err != nil {
			g.logger.Error("resync state failed", zap.String("room", room), zap.Error(err))
			continue
		}
		frame, err := encodeEvent(EventSyncState, room, syncPayload{Update: state})
		if err != nil {
			continue
		}
		g.index.deliver(room, "", frame)
	}
}

// runPresenceKeepalive refreshes the presence records of open connections so only records of
// vanished sockets outlive the TTL.
func (g *Gateway) runPresenceKeepalive() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-g.runCtx.Done():
			return
		case <-ticker.C:
			g.refreshPresence(g.runCtx)
		}
	}
}

func (g *Gateway) refreshPresence(ctx context.Context) {
	g.connsMu.Lock()
	conns := make([]*connection, 0, len(g.conns))
	for _, conn := range g.conns {
		conns = append(conns, conn)
	}
	g.connsMu.Unlock()

	for _, conn := range conns {
		for _, scope := range conn.presenceScopes() {
			if _, err := g.presence.Touch(ctx, scope, conn.id); err != nil {
				g.logger.Warn("presence refresh failed",
					zap.String("connection_id", conn.id),
					zap.String("scope", scope),
					zap.Error(err))
			}
		}
	}
}

// disconnect undoes every join of conn. It runs on the read loop after the socket ends.
func (g *Gateway) disconnect(conn *connection) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	for room, joined := range conn.rooms {
		switch joined.namespace {
		case NamespaceCollab:
			g.leaveDocument(ctx, conn, room, joined)
		case NamespaceAwareness:
			if err := g.leaveWorkspacePresence(ctx, conn, room); err != nil {
				g.logger.Warn("presence cleanup failed", zap.String("room", room), zap.Error(err))
			}
		default:
			g.index.remove(room, conn)
			delete(conn.rooms, room)
		}
	}

	conn.close()
	conn.wait()
	g.connsMu.Lock()
	delete(g.conns, conn.id)
	g.connsMu.Unlock()
	g.logger.Debug("connection closed", zap.String("connection_id", conn.id))
}

// Close disconnects every client and stops the relays.
func (g *Gateway) Close() error {
	g.closeOnce.Do(func() {
		g.connsMu.Lock()
		g.cancel()
		conns := make([]*connection, 0, len(g.conns))
		for _, conn := range g.conns {
			conns = append(conns, conn)
		}
		g.connsMu.Unlock()
		for _, conn := range conns {
			conn.close()
		}
		if g.engineSub != nil {
			g.engine.Unsubscribe(g.engineSub)
		}
		g.wg.Wait()
	})
	return nil
}
