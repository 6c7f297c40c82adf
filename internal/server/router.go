package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/apperrors"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/auth"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/docsync"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/gateway"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/pair"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/presence"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/workspace"
	"go.uber.org/zap"
)

const (
	identityContextKey = "collab_identity"
	roleContextKey     = "collab_role"

	readinessTimeout = 3 * time.Second
)

var (
	errMissingAuthenticator = errors.New("authenticator dependency required")
	errMissingGate          = errors.New("workspace gate dependency required")
	errMissingGateway       = errors.New("gateway dependency required")
	errMissingPresence      = errors.New("presence store dependency required")
)

// RequestAuthenticator verifies the bearer credential on a request.
type RequestAuthenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (auth.Identity, error)
}

// WorkspaceAuthorizer resolves the caller's role in a workspace.
type WorkspaceAuthorizer interface {
	Authorize(ctx context.Context, identity auth.Identity, workspaceID string) (workspace.Role, error)
}

// NamespaceHandler serves websocket namespaces.
type NamespaceHandler interface {
	Handler(namespace gateway.Namespace) http.Handler
}

// PresenceLister lists participants for a scope.
type PresenceLister interface {
	List(ctx context.Context, scope string) ([]presence.Record, error)
}

// PairSessions looks up the active pair session.
type PairSessions interface {
	ActiveSession(ctx context.Context, key pair.SessionKey) (*pair.Session, error)
}

// ReadinessCheck is a named dependency probe.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Dependencies struct {
	Authenticator RequestAuthenticator
	Gate          WorkspaceAuthorizer
	Gateway       NamespaceHandler
	Namespaces    []gateway.Namespace
	Presence      PresenceLister
	Pair          PairSessions
	StoreMode     string
	CORSOrigins   []string
	Readiness     []ReadinessCheck
	Logger        *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	if deps.Gate == nil {
		return nil, errMissingGate
	}
	if deps.Gateway == nil {
		return nil, errMissingGateway
	}
	if deps.Presence == nil {
		return nil, errMissingPresence
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	namespaces := deps.Namespaces
	if len(namespaces) == 0 {
		namespaces = gateway.Namespaces()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.CORSOrigins))

	handler := &httpHandler{
		authenticator: deps.Authenticator,
		gate:          deps.Gate,
		presence:      deps.Presence,
		pairs:         deps.Pair,
		storeMode:     deps.StoreMode,
		readiness:     deps.Readiness,
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/readyz", handler.handleReady)

	for _, namespace := range namespaces {
		router.GET(namespace.Path(), gin.WrapH(deps.Gateway.Handler(namespace)))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/workspaces/:workspaceId/collaboration", handler.authorizeWorkspace, handler.handleCollaboration)

	return router, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type", "Sec-WebSocket-Protocol"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

type httpHandler struct {
	authenticator RequestAuthenticator
	gate          WorkspaceAuthorizer
	presence      PresenceLister
	pairs         PairSessions
	storeMode     string
	readiness     []ReadinessCheck
	logger        *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
	defer cancel()

	failures := gin.H{}
	for _, check := range h.readiness {
		if err := check.Check(ctx); err != nil {
			h.logger.Warn("readiness check failed", zap.String("check", check.Name), zap.Error(err))
			failures[check.Name] = err.Error()
		}
	}
	if len(failures) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "failures": failures})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "storeMode": h.storeMode})
}

type collaborationResponse struct {
	WorkspaceID      string            `json:"workspaceId"`
	Role             workspace.Role    `json:"role"`
	StoreMode        string            `json:"storeMode"`
	Presence         []presence.Record `json:"presence"`
	DocumentID       string            `json:"documentId,omitempty"`
	DocumentPresence []presence.Record `json:"documentPresence,omitempty"`
	PairSession      *pair.Session     `json:"pairSession"`
}

func (h *httpHandler) handleCollaboration(c *gin.Context) {
	ctx := c.Request.Context()
	workspaceID := c.Param("workspaceId")

	records, err := h.presence.List(ctx, workspaceID)
	if err != nil {
		h.respondError(c, "list workspace presence", err)
		return
	}
	response := collaborationResponse{
		WorkspaceID: workspaceID,
		Role:        workspace.Role(c.GetString(roleContextKey)),
		StoreMode:   h.storeMode,
		Presence:    records,
	}

	if documentID := strings.TrimSpace(c.Query("documentId")); documentID != "" {
		room, err := docsync.NewRoomID(workspaceID, documentID)
		if err != nil {
			h.respondError(c, "resolve document", err)
			return
		}
		documentRecords, err := h.presence.List(ctx, room.String())
		if err != nil {
			h.respondError(c, "list document presence", err)
			return
		}
		response.DocumentID = room.DocumentID
		response.DocumentPresence = documentRecords
	}

	if h.pairs != nil {
		key, err := pair.NewSessionKey(workspaceID, c.Query("requestId"))
		if err != nil {
			h.respondError(c, "resolve pair session", err)
			return
		}
		session, err := h.pairs.ActiveSession(ctx, key)
		if err != nil {
			h.respondError(c, "load pair session", err)
			return
		}
		response.PairSession = session
	}

	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	identity, err := h.authenticator.Authenticate(c.Request.Context(), c.Request)
	if err != nil {
		if errors.Is(err, apperrors.ErrUnauthorized) {
			h.logger.Info("request authentication failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": apperrors.CodeUnauthorized})
			return
		}
		h.logger.Warn("request authentication failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": apperrors.CodeInternal})
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

func (h *httpHandler) authorizeWorkspace(c *gin.Context) {
	identity, ok := c.Get(identityContextKey)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": apperrors.CodeUnauthorized})
		return
	}
	role, err := h.gate.Authorize(c.Request.Context(), identity.(auth.Identity), c.Param("workspaceId"))
	if err != nil {
		h.respondError(c, "authorize workspace", err)
		return
	}
	c.Set(roleContextKey, string(role))
	c.Next()
}

func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	code := apperrors.Code(err)
	status := statusForCode(code)
	if status >= http.StatusInternalServerError {
		h.logger.Error(operation+" failed", zap.Error(err))
	} else {
		h.logger.Debug(operation+" rejected", zap.String("code", code), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": apperrors.Message(err)})
}

func statusForCode(code string) int {
	switch code {
	case apperrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case apperrors.CodeForbidden:
		return http.StatusForbidden
	case apperrors.CodeNotFound, apperrors.CodeDisabled:
		return http.StatusNotFound
	case apperrors.CodeInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
