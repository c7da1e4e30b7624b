package draw

import (
	"github.com/rafflelive/raffle-backend/internal/engine"
	"github.com/rafflelive/raffle-backend/pkg/types"
)

// Message converts a committed envelope into the frame sent to websocket
// subscribers and across the relay.
func (e Envelope) Message() types.ServerMessage {
	return types.ServerMessage{
		Type:    "Events",
		DrawID:  e.DrawID,
		Version: e.Version,
		Origin:  e.Origin,
		Events:  WireEvents(e.Events),
	}
}

func WireEvents(events []engine.Event) []types.EventMessage {
	out := make([]types.EventMessage, 0, len(events))
	for _, ev := range events {
		out = append(out, types.EventMessage{
			Type:          string(ev.Type),
			NumberID:      ev.NumberID,
			Status:        string(ev.Status),
			Holder:        ev.Holder,
			NumberIDs:     ev.NumberIDs,
			ReservationID: ev.ReservationID,
		})
	}
	return out
}

// ReservationInfo shapes a reservation copy for a caller-facing reply.
func ReservationInfo(drawID string, res *engine.Reservation) *types.ReservationInfo {
	if res == nil {
		return nil
	}
	return &types.ReservationInfo{
		ID:            res.ID,
		DrawID:        drawID,
		Phase:         string(res.Phase),
		NumberIDs:     res.NumberIDs,
		PhaseDeadline: res.PhaseDeadline,
		TotalAmount:   res.TotalAmount,
	}
}

// EnvelopeFromMessage is the inverse of Message, used by the relay when a
// frame arrives from another instance.
func EnvelopeFromMessage(msg types.ServerMessage) Envelope {
	events := make([]engine.Event, 0, len(msg.Events))
	for _, ev := range msg.Events {
		events = append(events, engine.Event{
			Type:          engine.EventType(ev.Type),
			NumberID:      ev.NumberID,
			Status:        engine.NumberStatus(ev.Status),
			Holder:        ev.Holder,
			NumberIDs:     ev.NumberIDs,
			ReservationID: ev.ReservationID,
		})
	}
	return Envelope{
		DrawID:  msg.DrawID,
		Version: msg.Version,
		Origin:  msg.Origin,
		Events:  events,
	}
}
