package gateway

import (
	"sync"

	"github.com/senior-netizen/apistudio-genesis-sub002/internal/auth"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/docsync"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/pair"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"
)

// joinedRoom remembers what a connection joined so disconnect can undo it.
type joinedRoom struct {
	namespace   Namespace
	workspaceID string
	document    docsync.RoomID
	pairKey     pair.SessionKey
}

// connection is one websocket client. The read loop owns rooms; everything else may enqueue.
type connection struct {
	id        string
	namespace Namespace
	identity  auth.Identity
	ws        *websocket.Conn
	logger    *zap.Logger

	// mu orders enqueues so a joiner's initial state precedes relayed increments.
	mu        sync.Mutex
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	rooms map[string]joinedRoom

	scopesMu sync.Mutex
	scopes   map[string]struct{}
}

func newConnection(id string, namespace Namespace, identity auth.Identity, ws *websocket.Conn, queueSize int, logger *zap.Logger) *connection {
	return &connection{
		id:        id,
		namespace: namespace,
		identity:  identity,
		ws:        ws,
		logger:    logger,
		send:      make(chan []byte, queueSize),
		done:      make(chan struct{}),
		rooms:     make(map[string]joinedRoom),
		scopes:    make(map[string]struct{}),
	}
}

// trackPresence records a presence scope the keepalive refreshes while conn stays open.
func (c *connection) trackPresence(scope string) {
	c.scopesMu.Lock()
	c.scopes[scope] = struct{}{}
	c.scopesMu.Unlock()
}

func (c *connection) untrackPresence(scope string) {
	c.scopesMu.Lock()
	delete(c.scopes, scope)
	c.scopesMu.Unlock()
}

func (c *connection) presenceScopes() []string {
	c.scopesMu.Lock()
	defer c.scopesMu.Unlock()
	scopes := make([]string, 0, len(c.scopes))
	for scope := range c.scopes {
		scopes = append(scopes, scope)
	}
	return scopes
}

func (c *connection) start() {
	c.wg.Add(1)
	go c.writeLoop()
}

func (c *connection) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if err := websocket.Message.Send(c.ws, string(frame)); err != nil {
				c.logger.Debug("websocket write failed", zap.String("connection_id", c.id), zap.Error(err))
				c.close()
				return
			}
		}
	}
}

func (c *connection) enqueue(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enqueueLocked(frame)
}

// enqueueLocked queues frame. A client that cannot keep up is disconnected; it resyncs on
// reconnect instead of silently missing increments.
func (c *connection) enqueueLocked(frame []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- frame:
	default:
		c.logger.Warn("outbound queue full, closing connection",
			zap.String("connection_id", c.id),
			zap.String("user_id", c.identity.UserID))
		c.close()
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *connection) wait() {
	c.wg.Wait()
}
