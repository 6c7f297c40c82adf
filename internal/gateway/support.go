package gateway

import (
	"context"
	"fmt"

	"github.com/senior-netizen/apistudio-genesis-sub002/internal/apperrors"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/takeover"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/workspace"
	"go.uber.org/zap"
)

func (g *Gateway) joinTakeover(ctx context.Context, conn *connection, m TakeoverJoin) error {
	state, err := g.takeovers.Current(ctx, m.SessionID)
	if err != nil {
		return err
	}
	switch state.WorkspaceID {
	case "":
		state.WorkspaceID = m.WorkspaceID
	case m.WorkspaceID:
	default:
		return fmt.Errorf("%w: takeover session belongs to another workspace", apperrors.ErrForbidden)
	}
	room := takeoverRoom(m.WorkspaceID, m.SessionID)
	conn.rooms[room] = joinedRoom{namespace: NamespaceTakeover, workspaceID: m.WorkspaceID}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	g.index.add(room, conn)
	frame, err := encodeEvent(EventTakeoverState, room, state)
	if err != nil {
		return err
	}
	conn.enqueueLocked(frame)
	return nil
}

func (g *Gateway) recordTakeoverRequest(ctx context.Context, conn *connection, role workspace.Role, workspaceID, sessionID, event, targetID, reason string) error {
	entry, err := g.takeovers.RecordEvent(ctx, takeover.AuditEvent{
		SessionID:   sessionID,
		WorkspaceID: workspaceID,
		Event:       event,
		ActorID:     conn.identity.UserID,
		ActorRole:   role,
		TargetID:    targetID,
		Reason:      reason,
	})
	if err != nil {
		return err
	}
	g.broadcast(ctx, takeoverRoom(workspaceID, sessionID), "", EventTakeoverEvent, entry)
	return nil
}

func (g *Gateway) respondTakeover(ctx context.Context, conn *connection, workspaceID, sessionID, request string, accept bool, reason string) error {
	result, err := g.takeovers.Respond(ctx, takeover.Response{
		SessionID:   sessionID,
		WorkspaceID: workspaceID,
		Request:     request,
		ResponderID: conn.identity.UserID,
		Accept:      accept,
		Reason:      reason,
	})
	if err != nil {
		return err
	}
	room := takeoverRoom(workspaceID, sessionID)
	g.broadcast(ctx, room, "", EventTakeoverEvent, result.Entry)
	if request == takeover.EventCoControlRequested && accept {
		g.broadcast(ctx, room, "", EventTakeoverState, result.State)
	}
	return nil
}

func (g *Gateway) emergencyOverride(ctx context.Context, conn *connection, role workspace.Role, m TakeoverEmergencyOverride) error {
	state, err := g.takeovers.SetMode(ctx, takeover.ModeChange{
		SessionID:   m.SessionID,
		WorkspaceID: m.WorkspaceID,
		Mode:        takeover.ModeEmergencyOverride,
		ActorID:     conn.identity.UserID,
		ActorRole:   role,
		TargetID:    m.TargetID,
		Reason:      m.Reason,
	})
	if err != nil {
		return err
	}
	g.logger.Warn("emergency override engaged",
		zap.String("session_id", state.SessionID),
		zap.String("workspace_id", state.WorkspaceID),
		zap.String("actor_id", conn.identity.UserID))
	g.broadcast(ctx, takeoverRoom(m.WorkspaceID, m.SessionID), "", EventTakeoverState, state)
	return nil
}

func (g *Gateway) endTakeover(ctx context.Context, conn *connection, role workspace.Role, m TakeoverEnd) error {
	state, err := g.takeovers.End(ctx, takeover.EndRequest{
		SessionID:   m.SessionID,
		WorkspaceID: m.WorkspaceID,
		ActorID:     conn.identity.UserID,
		ActorRole:   role,
		Reason:      m.Reason,
	})
	if err != nil {
		return err
	}
	g.broadcast(ctx, takeoverRoom(m.WorkspaceID, m.SessionID), "", EventTakeoverState, state)
	return nil
}

// broadcastTakeoverState announces a state change the service made on its own.
func (g *Gateway) broadcastTakeoverState(state takeover.State) {
	ctx, cancel := context.WithTimeout(g.runCtx, cleanupTimeout)
	defer cancel()
	g.broadcast(ctx, takeoverRoom(state.WorkspaceID, state.SessionID), "", EventTakeoverState, state)
}
