package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/senior-netizen/apistudio-genesis-sub002/internal/apperrors"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/crdt"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/docsync"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/presence"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/workspace"
	"go.uber.org/zap"
)

type awarenessState struct {
	UserID      string           `json:"userId"`
	DisplayName string           `json:"displayName"`
	Cursor      *presence.Cursor `json:"cursor"`
}

func (g *Gateway) documentRoom(ctx context.Context, workspaceID, documentID string) (docsync.RoomID, error) {
	id, err := docsync.NewRoomID(workspaceID, documentID)
	if err != nil {
		return docsync.RoomID{}, err
	}
	if err := g.gate.AssertResourceInWorkspace(ctx, id.WorkspaceID, id.DocumentID); err != nil {
		return docsync.RoomID{}, err
	}
	return id, nil
}

func (g *Gateway) joinedDocument(conn *connection, workspaceID, documentID string) (docsync.RoomID, string, error) {
	id, err := docsync.NewRoomID(workspaceID, documentID)
	if err != nil {
		return docsync.RoomID{}, "", err
	}
	room := collabRoom(id)
	if _, ok := conn.rooms[room]; !ok {
		return docsync.RoomID{}, "", errNotJoined
	}
	return id, room, nil
}

// joinDocument admits conn into a document room. The joiner receives the presence list and
// the document, or the part its digest lacks, before any increment relayed after the join.
func (g *Gateway) joinDocument(ctx context.Context, conn *connection, role workspace.Role, m PresenceJoin) error {
	id, err := g.documentRoom(ctx, m.WorkspaceID, m.DocumentID)
	if err != nil {
		return err
	}
	digest, err := base64.StdEncoding.DecodeString(m.StateDigest)
	if err != nil {
		return fmt.Errorf("%w: stateDigest is not base64", apperrors.ErrInvalid)
	}
	if _, err := crdt.DecodeDigest(digest); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrInvalid, err)
	}
	room := collabRoom(id)
	status, err := presence.ParseStatus(m.Status)
	if err != nil {
		return err
	}

	_, rejoin := conn.rooms[room]
	if !rejoin {
		if err := g.engine.Acquire(ctx, id); err != nil {
			return err
		}
	}
	displayName := m.DisplayName
	if displayName == "" {
		displayName = conn.identity.Name()
	}
	record, err := g.presence.Join(ctx, id.String(), conn.id, presence.Patch{
		UserID:      presence.StringPtr(conn.identity.UserID),
		DisplayName: presence.StringPtr(displayName),
		Role:        presence.StringPtr(string(role)),
		Status:      &status,
		Cursor:      m.Cursor,
	})
	if err != nil {
		if !rejoin {
			g.engine.Release(id)
		}
		return err
	}
	conn.rooms[room] = joinedRoom{namespace: NamespaceCollab, workspaceID: id.WorkspaceID, document: id}
	conn.trackPresence(id.String())

	if err := g.sendDocumentSnapshot(ctx, conn, room, id, digest); err != nil {
		return err
	}
	g.logger.Info("document joined",
		zap.String("connection_id", conn.id),
		zap.String("room", id.String()),
		zap.String("user_id", conn.identity.UserID))
	g.broadcast(ctx, room, conn.id, EventPresenceUpdate, record)
	return nil
}

// sendDocumentSnapshot registers conn in the room index and queues presence, document state
// and awareness while holding the connection's queue lock. A non-empty digest narrows the
// state to the entries the client is missing.
func (g *Gateway) sendDocumentSnapshot(ctx context.Context, conn *connection, room string, id docsync.RoomID, digest []byte) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	g.index.addDocument(room, id, conn)

	records, err := g.presence.List(ctx, id.String())
	if err != nil {
		return err
	}
	var state []byte
	if len(digest) > 0 {
		state, err = g.engine.Diff(ctx, id, digest)
	} else {
		state, err = g.engine.StateVector(ctx, id)
	}
	if err != nil {
		return err
	}
	overlays, err := g.awareness.All(ctx, id)
	if err != nil {
		g.logger.Warn("awareness read failed", zap.String("room", id.String()), zap.Error(err))
		overlays = map[string]json.RawMessage{}
	}

	for _, event := range []Event{
		{Type: EventPresenceSync, Room: room, Payload: records},
		{Type: EventSyncState, Room: room, Payload: syncPayload{Update: state}},
		{Type: EventAwarenessSync, Room: room, Payload: overlays},
	} {
		frame, err := json.Marshal(event)
		if err != nil {
			return err
		}
		conn.enqueueLocked(frame)
	}
	return nil
}

func (g *Gateway) updateDocumentPresence(ctx context.Context, conn *connection, m PresenceUpdate) error {
	id, room, err := g.joinedDocument(conn, m.WorkspaceID, m.DocumentID)
	if err != nil {
		return err
	}
	patch, err := presencePatch(m)
	if err != nil {
		return err
	}
	record, err := g.presence.Upsert(ctx, id.String(), conn.id, patch)
	if err != nil {
		return err
	}
	g.broadcast(ctx, room, "", EventPresenceUpdate, record)
	return nil
}

func presencePatch(m PresenceUpdate) (presence.Patch, error) {
	patch := presence.Patch{DisplayName: m.DisplayName, Cursor: m.Cursor}
	if m.Status != "" {
		status, err := presence.ParseStatus(m.Status)
		if err != nil {
			return presence.Patch{}, err
		}
		patch.Status = &status
	}
	return patch, nil
}

func (g *Gateway) leaveDocumentByMessage(ctx context.Context, conn *connection, m PresenceLeave) error {
	_, room, err := g.joinedDocument(conn, m.WorkspaceID, m.DocumentID)
	if err != nil {
		return err
	}
	g.leaveDocument(ctx, conn, room, conn.rooms[room])
	return nil
}

// leaveDocument removes conn from a document room and tells the remaining members.
func (g *Gateway) leaveDocument(ctx context.Context, conn *connection, room string, joined joinedRoom) {
	g.index.remove(room, conn)
	delete(conn.rooms, room)
	conn.untrackPresence(joined.document.String())
	defer g.engine.Release(joined.document)

	record, err := g.presence.Leave(ctx, joined.document.String(), conn.id)
	if err != nil {
		g.logger.Warn("presence leave failed", zap.String("room", room), zap.Error(err))
	}
	if err := g.awareness.Remove(ctx, joined.document, conn.id); err != nil {
		g.logger.Warn("awareness leave failed", zap.String("room", room), zap.Error(err))
	}
	userID := conn.identity.UserID
	if record != nil {
		userID = record.UserID
	}
	g.broadcast(ctx, room, conn.id, EventPresenceLeave, leavePayload{ConnectionID: conn.id, UserID: userID})
}

func (g *Gateway) updateCursor(ctx context.Context, conn *connection, m CursorUpdate) error {
	id, room, err := g.joinedDocument(conn, m.WorkspaceID, m.DocumentID)
	if err != nil {
		return err
	}
	record, err := g.presence.Upsert(ctx, id.String(), conn.id, presence.Patch{Cursor: m.Cursor})
	if err != nil {
		return err
	}
	overlay, err := json.Marshal(awarenessState{UserID: record.UserID, DisplayName: record.DisplayName, Cursor: m.Cursor})
	if err != nil {
		return err
	}
	if err := g.awareness.Set(ctx, id, conn.id, overlay); err != nil {
		return err
	}
	g.broadcast(ctx, room, conn.id, EventCursorUpdate, cursorPayload{
		ConnectionID: conn.id,
		UserID:       record.UserID,
		DisplayName:  record.DisplayName,
		Cursor:       m.Cursor,
	})
	return nil
}

// applySyncUpdate merges a client delta. Other members receive it through the document relay.
func (g *Gateway) applySyncUpdate(ctx context.Context, conn *connection, role workspace.Role, m SyncUpdate) error {
	if !workspace.Can(role, workspace.ActionEdit) {
		return fmt.Errorf("%w: role %s cannot edit documents", apperrors.ErrForbidden, role)
	}
	id, _, err := g.joinedDocument(conn, m.WorkspaceID, m.DocumentID)
	if err != nil {
		return err
	}
	delta, err := base64.StdEncoding.DecodeString(m.Update)
	if err != nil {
		return fmt.Errorf("%w: update is not base64", apperrors.ErrInvalid)
	}
	return g.engine.ApplyUpdate(ctx, id, delta, conn.identity.UserID, conn.id)
}

// Workspace-wide presence on the awareness namespace.

func (g *Gateway) joinWorkspacePresence(ctx context.Context, conn *connection, role workspace.Role, m PresenceJoin) error {
	status, err := presence.ParseStatus(m.Status)
	if err != nil {
		return err
	}
	displayName := m.DisplayName
	if displayName == "" {
		displayName = conn.identity.Name()
	}
	record, err := g.presence.Join(ctx, m.WorkspaceID, conn.id, presence.Patch{
		UserID:      presence.StringPtr(conn.identity.UserID),
		DisplayName: presence.StringPtr(displayName),
		Role:        presence.StringPtr(string(role)),
		Status:      &status,
		Cursor:      m.Cursor,
	})
	if err != nil {
		return err
	}
	room := awarenessRoom(m.WorkspaceID)
	conn.rooms[room] = joinedRoom{namespace: NamespaceAwareness, workspaceID: m.WorkspaceID}
	conn.trackPresence(m.WorkspaceID)

	conn.mu.Lock()
	g.index.add(room, conn)
	records, err := g.presence.List(ctx, m.WorkspaceID)
	if err == nil {
		var frame []byte
		frame, err = encodeEvent(EventPresenceSync, room, records)
		if err == nil {
			conn.enqueueLocked(frame)
		}
	}
	conn.mu.Unlock()
	if err != nil {
		return err
	}
	g.broadcast(ctx, room, conn.id, EventPresenceUpdate, record)
	return nil
}

func (g *Gateway) updateWorkspacePresence(ctx context.Context, conn *connection, m PresenceUpdate) error {
	room := awarenessRoom(m.WorkspaceID)
	if _, ok := conn.rooms[room]; !ok {
		return errNotJoined
	}
	patch, err := presencePatch(m)
	if err != nil {
		return err
	}
	record, err := g.presence.Upsert(ctx, m.WorkspaceID, conn.id, patch)
	if err != nil {
		return err
	}
	g.broadcast(ctx, room, "", EventPresenceUpdate, record)
	return nil
}

func (g *Gateway) leaveWorkspacePresence(ctx context.Context, conn *connection, room string) error {
	joined, ok := conn.rooms[room]
	if !ok {
		return errNotJoined
	}
	g.index.remove(room, conn)
	delete(conn.rooms, room)
	conn.untrackPresence(joined.workspaceID)
	record, err := g.presence.Leave(ctx, joined.workspaceID, conn.id)
	if err != nil {
		return err
	}
	userID := conn.identity.UserID
	if record != nil {
		userID = record.UserID
	}
	g.broadcast(ctx, room, conn.id, EventPresenceLeave, leavePayload{ConnectionID: conn.id, UserID: userID})
	return nil
}
