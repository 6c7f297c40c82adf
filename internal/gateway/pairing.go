package gateway

import (
	"context"
	"fmt"

	"github.com/senior-netizen/apistudio-genesis-sub002/internal/apperrors"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/pair"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/workspace"
)

func (g *Gateway) joinedPair(conn *connection, workspaceID, requestID string) (pair.SessionKey, string, error) {
	key, err := pair.NewSessionKey(workspaceID, requestID)
	if err != nil {
		return pair.SessionKey{}, "", err
	}
	room := pairRoom(key)
	if _, ok := conn.rooms[room]; !ok {
		return pair.SessionKey{}, "", errNotJoined
	}
	return key, room, nil
}

func (g *Gateway) joinPair(ctx context.Context, conn *connection, m PairJoin) error {
	key, err := pair.NewSessionKey(m.WorkspaceID, m.RequestID)
	if err != nil {
		return err
	}
	if m.RequestID != "" {
		if err := g.gate.AssertResourceInWorkspace(ctx, key.WorkspaceID, key.RequestID); err != nil {
			return err
		}
	}
	session, err := g.pairs.ActiveSession(ctx, key)
	if err != nil {
		return err
	}
	room := pairRoom(key)
	conn.rooms[room] = joinedRoom{namespace: NamespacePair, workspaceID: key.WorkspaceID, pairKey: key}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	g.index.add(room, conn)
	frame, err := encodeEvent(EventPairState, room, pairStatePayload{RequestID: key.RequestID, Session: session})
	if err != nil {
		return err
	}
	conn.enqueueLocked(frame)
	return nil
}

func (g *Gateway) requestPairControl(ctx context.Context, conn *connection, m PairRequestControl) error {
	key, room, err := g.joinedPair(conn, m.WorkspaceID, m.RequestID)
	if err != nil {
		return err
	}
	g.broadcast(ctx, room, conn.id, EventPairControlRequested, pairControlPayload{
		RequestID:   key.RequestID,
		RequesterID: conn.identity.UserID,
		DisplayName: conn.identity.Name(),
	})
	return nil
}

func (g *Gateway) grantPairControl(ctx context.Context, conn *connection, role workspace.Role, m PairGrantControl) error {
	key, room, err := g.joinedPair(conn, m.WorkspaceID, m.RequestID)
	if err != nil {
		return err
	}
	session, err := g.pairs.GrantControl(ctx, key, pair.Grant{
		GranterID:   conn.identity.UserID,
		GranterRole: role,
		TargetID:    m.TargetID,
	})
	if err != nil {
		return err
	}
	g.broadcast(ctx, room, "", EventPairState, pairStatePayload{RequestID: key.RequestID, Session: &session})
	return nil
}

// revokePairControl ends the session. Only its participants or a support role may do so.
func (g *Gateway) revokePairControl(ctx context.Context, conn *connection, role workspace.Role, m PairRevokeControl) error {
	key, room, err := g.joinedPair(conn, m.WorkspaceID, m.RequestID)
	if err != nil {
		return err
	}
	active, err := g.pairs.ActiveSession(ctx, key)
	if err != nil {
		return err
	}
	if active == nil {
		return fmt.Errorf("%w: no active pair session", apperrors.ErrNotFound)
	}
	userID := conn.identity.UserID
	if userID != active.DriverID && userID != active.NavigatorID && !workspace.CanSupport(role) {
		return fmt.Errorf("%w: only pair participants may revoke control", apperrors.ErrForbidden)
	}
	if _, err := g.pairs.RevokeControl(ctx, key, userID); err != nil {
		return err
	}
	g.broadcast(ctx, room, "", EventPairState, pairStatePayload{RequestID: key.RequestID})
	return nil
}

func (g *Gateway) syncPairMotion(ctx context.Context, conn *connection, workspaceID, requestID string, eventType EventType, payload pairMotionPayload) error {
	_, room, err := g.joinedPair(conn, workspaceID, requestID)
	if err != nil {
		return err
	}
	g.broadcast(ctx, room, conn.id, eventType, payload)
	return nil
}
