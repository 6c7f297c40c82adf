package server

import (
	contextpkg "context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/apperrors"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/auth"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/gateway"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/pair"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/presence"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/workspace"
	"github.com/stretchr/testify/require"
)

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	_, err := NewHTTPHandler(Dependencies{})
	require.ErrorIs(t, err, errMissingAuthenticator)

	_, err = NewHTTPHandler(Dependencies{Authenticator: stubAuthenticator{}})
	require.ErrorIs(t, err, errMissingGate)
}

func TestHealthAndReadiness(t *testing.T) {
	healthy := true
	handler := newTestRouter(t, func(deps *Dependencies) {
		deps.Readiness = []ReadinessCheck{{
			Name: "store",
			Check: func(contextpkg.Context) error {
				if healthy {
					return nil
				}
				return errors.New("connection refused")
			},
		}}
	})

	recorder := serve(handler, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, recorder.Code)

	recorder = serve(handler, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Contains(t, recorder.Body.String(), `"storeMode":"single-process"`)

	healthy = false
	recorder = serve(handler, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, recorder.Code)
	require.Contains(t, recorder.Body.String(), "connection refused")
}

func TestNamespacesAreMounted(t *testing.T) {
	namespaces := &recordingNamespaces{}
	handler := newTestRouter(t, func(deps *Dependencies) {
		deps.Gateway = namespaces
	})

	for _, namespace := range gateway.Namespaces() {
		recorder := serve(handler, http.MethodGet, namespace.Path(), "")
		require.Equal(t, http.StatusTeapot, recorder.Code, namespace)
		require.Equal(t, string(namespace), recorder.Body.String())
	}
}

func TestCollaborationSummary(t *testing.T) {
	joined := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	lister := stubPresence{records: map[string][]presence.Record{
		"ws-1":         {{ConnectionID: "c1", UserID: "alice", Status: presence.StatusActive, JoinedAt: joined}},
		"ws-1:scratch": {{ConnectionID: "c2", UserID: "bob", Status: presence.StatusIdle, JoinedAt: joined}},
	}}
	sessions := stubPairs{sessions: map[string]*pair.Session{
		"ws-1": {ID: "s1", WorkspaceID: "ws-1", DriverID: "alice", NavigatorID: "bob", StartedAt: joined},
	}}
	handler := newTestRouter(t, func(deps *Dependencies) {
		deps.Presence = lister
		deps.Pair = sessions
	})

	recorder := serve(handler, http.MethodGet, "/workspaces/ws-1/collaboration?documentId=scratch", "alice")
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())

	var body collaborationResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	require.Equal(t, "ws-1", body.WorkspaceID)
	require.Equal(t, workspace.RoleEditor, body.Role)
	require.Equal(t, "single-process", body.StoreMode)
	require.Len(t, body.Presence, 1)
	require.Equal(t, "alice", body.Presence[0].UserID)
	require.Equal(t, "scratch", body.DocumentID)
	require.Len(t, body.DocumentPresence, 1)
	require.Equal(t, "bob", body.DocumentPresence[0].UserID)
	require.NotNil(t, body.PairSession)
	require.Equal(t, "alice", body.PairSession.DriverID)
}

func TestCollaborationSummaryRejectsCallers(t *testing.T) {
	handler := newTestRouter(t, nil)

	recorder := serve(handler, http.MethodGet, "/workspaces/ws-1/collaboration", "")
	require.Equal(t, http.StatusUnauthorized, recorder.Code)

	recorder = serve(handler, http.MethodGet, "/workspaces/ws-2/collaboration", "alice")
	require.Equal(t, http.StatusForbidden, recorder.Code)
	require.Contains(t, recorder.Body.String(), apperrors.CodeForbidden)
}

func TestCollaborationSummaryReportsStoreFailure(t *testing.T) {
	handler := newTestRouter(t, func(deps *Dependencies) {
		deps.Presence = stubPresence{err: errors.New("store offline")}
	})

	recorder := serve(handler, http.MethodGet, "/workspaces/ws-1/collaboration", "alice")
	require.Equal(t, http.StatusInternalServerError, recorder.Code)
	require.Contains(t, recorder.Body.String(), apperrors.CodeInternal)
	require.NotContains(t, recorder.Body.String(), "store offline")
}

func newTestRouter(t *testing.T, customize func(*Dependencies)) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	deps := Dependencies{
		Authenticator: headerAuthenticator{},
		Gate:          stubGate{roles: map[string]workspace.Role{"ws-1/alice": workspace.RoleEditor}},
		Gateway:       &recordingNamespaces{},
		Presence:      stubPresence{},
		StoreMode:     "single-process",
	}
	if customize != nil {
		customize(&deps)
	}
	handler, err := NewHTTPHandler(deps)
	require.NoError(t, err)
	return handler
}

func serve(handler http.Handler, method, target, user string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, target, http.NoBody)
	if user != "" {
		request.Header.Set("Authorization", "Bearer "+user)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

// headerAuthenticator treats the bearer token as the user id.
type headerAuthenticator struct{}

func (headerAuthenticator) Authenticate(_ contextpkg.Context, r *http.Request) (auth.Identity, error) {
	token := auth.ExtractBearerToken(r)
	if token == "" {
		return auth.Identity{}, apperrors.ErrUnauthorized
	}
	return auth.Identity{UserID: token}, nil
}

type stubGate struct {
	roles map[string]workspace.Role
}

func (s stubGate) Authorize(_ contextpkg.Context, identity auth.Identity, workspaceID string) (workspace.Role, error) {
	role, ok := s.roles[workspaceID+"/"+identity.UserID]
	if !ok {
		return "", fmt.Errorf("%w: not a member", apperrors.ErrForbidden)
	}
	return role, nil
}

type recordingNamespaces struct{}

func (*recordingNamespaces) Handler(namespace gateway.Namespace) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte(namespace))
	})
}

type stubPresence struct {
	records map[string][]presence.Record
	err     error
}

func (s stubPresence) List(_ contextpkg.Context, scope string) ([]presence.Record, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.records[scope], nil
}

type stubPairs struct {
	sessions map[string]*pair.Session
}

func (s stubPairs) ActiveSession(_ contextpkg.Context, key pair.SessionKey) (*pair.Session, error) {
	return s.sessions[key.String()], nil
}
