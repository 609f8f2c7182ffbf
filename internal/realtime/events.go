package realtime

import (
	"context"

	"deskline/api/internal/bus"
	"deskline/api/internal/presence"
)

type consumer interface {
	ConsumeWhenReady(ctx context.Context, binding bus.Binding, handler bus.Handler)
}

// roomPayload is the part of a message or document event that names its room.
type roomPayload struct {
	DepartmentID string `json:"departmentId"`
	CompanyID    string `json:"companyId"`
}

// Register subscribes the gateway to every event it forwards to rooms.
func (g *Gateway) Register(ctx context.Context, c consumer) {
	for _, binding := range []bus.Binding{
		{Exchange: bus.ExchangeMessages, RoutingKey: bus.MessageCreated, Queue: bus.QueueRealtimeMessageCreated},
		{Exchange: bus.ExchangeMessages, RoutingKey: bus.MessageEdited, Queue: bus.QueueRealtimeMessageEdited},
		{Exchange: bus.ExchangeMessages, RoutingKey: bus.MessageDeleted, Queue: bus.QueueRealtimeMessageDeleted},
		{Exchange: bus.ExchangeDocuments, RoutingKey: bus.DocumentApproved, Queue: bus.QueueRealtimeDocApproved},
		{Exchange: bus.ExchangeDocuments, RoutingKey: bus.DocumentRejected, Queue: bus.QueueRealtimeDocRejected},
	} {
		c.ConsumeWhenReady(ctx, binding, g.HandleEvent)
	}
}

// HandleEvent broadcasts an envelope to its room as is. Delivery is best
// effort, so it never asks the bus for a retry.
func (g *Gateway) HandleEvent(_ context.Context, env bus.Envelope) error {
	var payload roomPayload
	if err := env.Decode(&payload); err != nil || payload.DepartmentID == "" {
		g.log.Warn().Err(err).Str("type", env.Type).Msg("event without a room, dropped")
		return nil
	}
	frame := g.encode(ServerFrame{
		Type:      env.Type,
		Payload:   env.Payload,
		Timestamp: env.Timestamp,
	})
	if frame == nil {
		return nil
	}
	g.hub.Broadcast(presence.Room{CompanyID: payload.CompanyID, DepartmentID: payload.DepartmentID}, frame, nil)
	return nil
}
