package types

import "time"

// Client -> Server commands over the websocket.
type ClientMessage struct {
	Type          string `json:"type"` // SelectNumber | DeselectNumber | AdvanceToCheckout | Cancel
	NumberID      int    `json:"number_id,omitempty"`
	ReservationID string `json:"reservation_id,omitempty"`
}

// EventMessage is one committed state delta.
type EventMessage struct {
	Type          string `json:"type"` // number_update | reservation_expired
	NumberID      int    `json:"number_id,omitempty"`
	Status        string `json:"status,omitempty"`
	Holder        string `json:"holder,omitempty"`
	NumberIDs     []int  `json:"number_ids,omitempty"`
	ReservationID string `json:"reservation_id,omitempty"`
}

// Server -> Client frames.
type ServerMessage struct {
	Type        string           `json:"type"` // Events | Ack | Error
	DrawID      string           `json:"draw_id,omitempty"`
	Version     int              `json:"version,omitempty"`
	Origin      string           `json:"origin,omitempty"`
	Events      []EventMessage   `json:"events,omitempty"`
	Reservation *ReservationInfo `json:"reservation,omitempty"`
	Error       string           `json:"error,omitempty"`
	Code        string           `json:"code,omitempty"`
}

type ReservationInfo struct {
	ID            string    `json:"id"`
	DrawID        string    `json:"draw_id"`
	Phase         string    `json:"phase"`
	NumberIDs     []int     `json:"number_ids"`
	PhaseDeadline time.Time `json:"phase_deadline"`
	TotalAmount   int64     `json:"total_amount"`
}
