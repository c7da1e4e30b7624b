package engine

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")
var ErrConflict = errors.New("number not available")
var ErrForbidden = errors.New("caller does not own reservation")
var ErrInvalidState = errors.New("operation not valid in current phase")
var ErrExpired = errors.New("deadline passed")

type CommandType string

const (
	CmdSelectNumber      CommandType = "SelectNumber"
	CmdDeselectNumber    CommandType = "DeselectNumber"
	CmdAdvanceToCheckout CommandType = "AdvanceToCheckout"
	CmdConfirm           CommandType = "Confirm"
	CmdCancel            CommandType = "Cancel"
	CmdSweepExpired      CommandType = "SweepExpired"
)

type Command struct {
	Type          CommandType
	UserID        string // empty for trusted callbacks (confirm) and the sweeper
	ReservationID string
	NumberID      int
}

type EventType string

const (
	EvtNumberUpdate       EventType = "number_update"
	EvtReservationExpired EventType = "reservation_expired"
)

type Event struct {
	Type          EventType
	NumberID      int
	Status        NumberStatus
	Holder        string
	NumberIDs     []int
	ReservationID string
}

// Apply validates cmd against s and mutates s on success. It returns the
// committed events and the reservation the command acted on (nil for a
// sweep). The caller must serialize Apply calls for a given State; under
// that discipline two concurrent selections of the same number cannot both
// succeed.
func Apply(s *State, cmd Command, now time.Time, w Windows) ([]Event, *Reservation, error) {
	switch cmd.Type {
	case CmdSelectNumber:
		return selectNumber(s, cmd, now, w)
	case CmdDeselectNumber:
		return deselectNumber(s, cmd)
	case CmdAdvanceToCheckout:
		return advanceToCheckout(s, cmd, now, w)
	case CmdConfirm:
		return confirm(s, cmd)
	case CmdCancel:
		return cancel(s, cmd)
	case CmdSweepExpired:
		ev := sweepExpired(s, now)
		return ev, nil, nil
	default:
		return nil, nil, ErrInvalidState
	}
}

func selectNumber(s *State, cmd Command, now time.Time, w Windows) ([]Event, *Reservation, error) {
	n, ok := s.Numbers[cmd.NumberID]
	if !ok {
		return nil, nil, ErrNotFound
	}

	res := s.activeReservationFor(cmd.UserID)
	if res != nil && res.Phase == PhaseCheckout {
		// The checkout window is sized for payment, not for growing the
		// basket. Cancel or complete first.
		return nil, res, ErrInvalidState
	}
	if n.Status != NumberAvailable {
		return nil, res, ErrConflict
	}

	if res == nil {
		res = &Reservation{
			ID:        newReservationID(),
			UserID:    cmd.UserID,
			Phase:     PhaseSelection,
			CreatedAt: now,
		}
		s.Reservations[res.ID] = res
	}

	res.NumberIDs = append(res.NumberIDs, n.ID)
	res.PhaseDeadline = now.Add(w.Selection)
	res.TotalAmount = s.TicketPrice * int64(len(res.NumberIDs))

	n.Status = NumberReserved
	n.Holder = res.ID

	return []Event{{Type: EvtNumberUpdate, NumberID: n.ID, Status: NumberReserved, Holder: res.ID}}, res, nil
}

func deselectNumber(s *State, cmd Command) ([]Event, *Reservation, error) {
	res, ok := s.Reservations[cmd.ReservationID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	if res.UserID != cmd.UserID {
		return nil, nil, ErrForbidden
	}
	if !res.Active() {
		// Raced an expiry sweep that already released the number. The end
		// state is identical, so this is a no-op success.
		return nil, res, nil
	}

	i, held := res.holds(cmd.NumberID)
	if !held {
		return nil, res, nil
	}
	res.NumberIDs = append(res.NumberIDs[:i], res.NumberIDs[i+1:]...)
	res.TotalAmount = s.TicketPrice * int64(len(res.NumberIDs))

	var events []Event
	if n, ok := s.Numbers[cmd.NumberID]; ok && n.Holder == res.ID {
		n.Status = NumberAvailable
		n.Holder = ""
		events = append(events, Event{Type: EvtNumberUpdate, NumberID: n.ID, Status: NumberAvailable})
	}

	if len(res.NumberIDs) == 0 {
		res.Phase = PhaseCancelled
	}
	return events, res, nil
}

func advanceToCheckout(s *State, cmd Command, now time.Time, w Windows) ([]Event, *Reservation, error) {
	res, ok := s.Reservations[cmd.ReservationID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	if cmd.UserID != "" && res.UserID != cmd.UserID {
		return nil, nil, ErrForbidden
	}
	if res.Phase != PhaseSelection {
		return nil, res, ErrInvalidState
	}
	if len(res.NumberIDs) == 0 {
		return nil, res, ErrInvalidState
	}
	if now.After(res.PhaseDeadline) {
		// Release stays with the sweeper so reservation_expired is emitted
		// from exactly one place.
		return nil, res, ErrExpired
	}

	res.Phase = PhaseCheckout
	res.PhaseDeadline = now.Add(w.Checkout)
	return nil, res, nil
}

func confirm(s *State, cmd Command) ([]Event, *Reservation, error) {
	res, ok := s.Reservations[cmd.ReservationID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	if res.Phase == PhaseCompleted {
		// Payment callbacks are retried; return the existing result with no
		// duplicate sold transitions or events.
		return nil, res, nil
	}
	if res.Phase != PhaseCheckout {
		return nil, res, ErrInvalidState
	}

	events := make([]Event, 0, len(res.NumberIDs))
	for _, id := range res.NumberIDs {
		n := s.Numbers[id]
		n.Status = NumberSold
		events = append(events, Event{Type: EvtNumberUpdate, NumberID: n.ID, Status: NumberSold, Holder: res.ID})
	}
	res.Phase = PhaseCompleted
	return events, res, nil
}

func cancel(s *State, cmd Command) ([]Event, *Reservation, error) {
	res, ok := s.Reservations[cmd.ReservationID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	if cmd.UserID != "" && res.UserID != cmd.UserID {
		return nil, nil, ErrForbidden
	}
	if !res.Active() {
		return nil, res, ErrInvalidState
	}

	events := releaseNumbers(s, res)
	res.Phase = PhaseCancelled
	return events, res, nil
}

func sweepExpired(s *State, now time.Time) []Event {
	var events []Event
	for _, res := range s.Reservations {
		if !res.Active() || !res.PhaseDeadline.Before(now) {
			continue
		}
		ids := make([]int, len(res.NumberIDs))
		copy(ids, res.NumberIDs)
		for _, id := range ids {
			if n, ok := s.Numbers[id]; ok && n.Holder == res.ID {
				n.Status = NumberAvailable
				n.Holder = ""
			}
		}
		res.Phase = PhaseExpired
		// One batched event per reservation to bound broadcast volume.
		events = append(events, Event{Type: EvtReservationExpired, ReservationID: res.ID, NumberIDs: ids})
	}
	return events
}

func releaseNumbers(s *State, res *Reservation) []Event {
	events := make([]Event, 0, len(res.NumberIDs))
	for _, id := range res.NumberIDs {
		n, ok := s.Numbers[id]
		if !ok || n.Holder != res.ID {
			continue
		}
		n.Status = NumberAvailable
		n.Holder = ""
		events = append(events, Event{Type: EvtNumberUpdate, NumberID: n.ID, Status: NumberAvailable})
	}
	return events
}

// ExpiredReservations lists ids of reservations a sweep just expired, from
// the events it produced.
func ExpiredReservations(events []Event) []string {
	var ids []string
	for _, e := range events {
		if e.Type == EvtReservationExpired {
			ids = append(ids, e.ReservationID)
		}
	}
	return ids
}
