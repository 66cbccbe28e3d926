package http

import (
	"context"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/events"
	"github.com/fyrsmithlabs/researchd/internal/research"
)

const streamWriteTimeout = 10 * time.Second

// handleStream upgrades to a websocket and forwards task events until the
// task reaches a terminal status or the client goes away. The first message
// is always a snapshot of the current status.
func (s *Server) handleStream(c echo.Context) error {
	id := c.Param("id")
	task, err := s.tasks.Get(c.Request().Context(), id)
	if err != nil {
		return s.httpError(err)
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("task_id", id), zap.Error(err))
		return nil
	}
	defer conn.CloseNow()
	defer s.metrics.streamOpened(c.Request().Context())()

	ctx := conn.CloseRead(c.Request().Context())

	// Subscribe before the snapshot so no transition falls between them.
	ch, unsubscribe, err := s.bus.Subscribe(ctx, id)
	if err != nil {
		s.logger.Warn("subscribing to task events failed", zap.String("task_id", id), zap.Error(err))
		conn.Close(websocket.StatusInternalError, "event bus unavailable")
		return nil
	}
	defer unsubscribe()

	if task, err = s.tasks.Get(ctx, id); err != nil {
		conn.Close(websocket.StatusInternalError, "task lookup failed")
		return nil
	}
	if err := writeEvent(ctx, conn, snapshot(task)); err != nil {
		return nil
	}
	if task.Status.IsTerminal() {
		conn.Close(websocket.StatusNormalClosure, string(task.Status))
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "event stream closed")
				return nil
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				s.logger.Debug("stream client gone", zap.String("task_id", id), zap.Error(err))
				return nil
			}
			if ev.Type.Terminal() {
				conn.Close(websocket.StatusNormalClosure, ev.Status)
				return nil
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev events.Event) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}

// snapshot describes the current state of t as an event.
func snapshot(t *research.Task) events.Event {
	ev := events.Event{
		TaskID:     t.ID,
		Type:       events.Snapshot,
		Stage:      string(t.CurrentStage()),
		Status:     string(t.Status),
		Percentage: t.Progress(),
		Time:       t.UpdatedAt,
	}
	switch t.Status {
	case research.StatusCompleted:
		ev.Type = events.TaskCompleted
	case research.StatusFailed:
		ev.Type = events.TaskFailed
		if t.Error != nil {
			ev.Message = t.Error.Message
		}
	}
	return ev
}
