package engine

import (
	"strconv"
	"time"
)

type NumberStatus string

const (
	NumberAvailable NumberStatus = "available"
	NumberReserved  NumberStatus = "reserved"
	NumberSold      NumberStatus = "sold"
)

type Phase string

const (
	PhaseSelection Phase = "selection"
	PhaseCheckout  Phase = "checkout"
	PhaseCompleted Phase = "completed"
	PhaseExpired   Phase = "expired"
	PhaseCancelled Phase = "cancelled"
)

// Number is one purchasable unit within a draw. Holder is the id of the
// reservation currently claiming it; empty exactly when status is available.
type Number struct {
	ID     int
	Label  string
	Status NumberStatus
	Holder string
}

// Reservation is a user's claim over a set of numbers in one draw.
type Reservation struct {
	ID            string
	UserID        string
	NumberIDs     []int
	Phase         Phase
	CreatedAt     time.Time
	PhaseDeadline time.Time
	TotalAmount   int64
}

// Active reports whether the reservation still holds its numbers.
// Terminal phases (completed, expired, cancelled) are immutable.
func (r *Reservation) Active() bool {
	return r.Phase == PhaseSelection || r.Phase == PhaseCheckout
}

func (r *Reservation) holds(numberID int) (int, bool) {
	for i, id := range r.NumberIDs {
		if id == numberID {
			return i, true
		}
	}
	return -1, false
}

// State is the full mutable state of one draw: its number pool and every
// reservation ever made against it. Mutation must be serialized by the
// caller; the draw room owns a State and applies commands one at a time.
type State struct {
	DrawID       string
	TicketPrice  int64
	Numbers      map[int]*Number
	Reservations map[string]*Reservation
}

// NewState builds the state for a freshly published draw with numbers
// 1..count, all available.
func NewState(drawID string, ticketPrice int64, count int) State {
	s := State{
		DrawID:       drawID,
		TicketPrice:  ticketPrice,
		Numbers:      make(map[int]*Number, count),
		Reservations: make(map[string]*Reservation),
	}
	for i := 1; i <= count; i++ {
		s.Numbers[i] = &Number{ID: i, Label: strconv.Itoa(i), Status: NumberAvailable}
	}
	return s
}

// Windows are the configured phase durations. Checkout is longer than
// selection because it spans an external payment redirect.
type Windows struct {
	Selection time.Duration
	Checkout  time.Duration
}

func (s *State) activeReservationFor(userID string) *Reservation {
	for _, r := range s.Reservations {
		if r.UserID == userID && r.Active() {
			return r
		}
	}
	return nil
}
