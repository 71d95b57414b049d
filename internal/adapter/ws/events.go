package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Event type constants for WebSocket messages. Lifecycle events carry a full
// task snapshot; correction events carry the correction result.
const (
	EventTaskCreated   = "task.created"
	EventTaskStarted   = "task.started"
	EventTaskExecuted  = "task.executed"
	EventTaskTested    = "task.tested"
	EventTaskCompleted = "task.completed"
	EventTaskCorrected = "task.corrected"
)

// BroadcastEvent is a convenience method that marshals a typed event and broadcasts it.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}
