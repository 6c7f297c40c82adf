package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/senior-netizen/apistudio-genesis-sub002/internal/apperrors"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/fanout"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/kv"
	"go.uber.org/zap"
)

// Log streams.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// LogLine is one line of execution output published by a worker.
type LogLine struct {
	Line      string    `json:"line"`
	Stream    string    `json:"stream"`
	Timestamp time.Time `json:"timestamp"`
}

// PublishLogLine sends line to every gateway with subscribers for the run.
func PublishLogLine(ctx context.Context, bus fanout.Bus, workspaceID, runID string, line LogLine) error {
	workspaceID = strings.TrimSpace(workspaceID)
	runID = strings.TrimSpace(runID)
	if workspaceID == "" || runID == "" {
		return fmt.Errorf("%w: workspace and run ids are required", apperrors.ErrInvalid)
	}
	if err := kv.ValidateKeyPart("workspaceId", workspaceID); err != nil {
		return err
	}
	if err := kv.ValidateKeyPart("runId", runID); err != nil {
		return err
	}
	if line.Stream == "" {
		line.Stream = StreamStdout
	}
	if line.Timestamp.IsZero() {
		line.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(line)
	if err != nil {
		return err
	}
	return bus.Publish(ctx, logsRoom(workspaceID, runID), payload)
}

func (g *Gateway) subscribeLogs(conn *connection, m LogsSubscribe) error {
	room := logsRoom(m.WorkspaceID, m.RunID)
	conn.rooms[room] = joinedRoom{namespace: NamespaceLogs, workspaceID: m.WorkspaceID}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	g.index.add(room, conn)
	frame, err := encodeEvent(EventLogsSubscribed, room, map[string]string{"runId": m.RunID})
	if err != nil {
		return err
	}
	conn.enqueueLocked(frame)
	return nil
}

func (g *Gateway) unsubscribeLogs(conn *connection, m LogsUnsubscribe) error {
	room := logsRoom(m.WorkspaceID, m.RunID)
	if _, ok := conn.rooms[room]; !ok {
		return errNotJoined
	}
	g.index.remove(room, conn)
	delete(conn.rooms, room)
	return nil
}

func (g *Gateway) runLogRelay(subscription *fanout.Subscription) {
	defer g.wg.Done()
	for message := range subscription.C() {
		var line LogLine
		if err := json.Unmarshal(message.Payload, &line); err != nil {
			g.logger.Warn("discarding malformed log line", zap.String("channel", message.Channel), zap.Error(err))
			continue
		}
		frame, err := encodeEvent(EventLogsLine, message.Channel, line)
		if err != nil {
			continue
		}
		g.index.deliver(message.Channel, "", frame)
	}
}
