package engine

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testWindows() Windows {
	return Windows{Selection: 2 * time.Minute, Checkout: 15 * time.Minute}
}

func stubIDs(t *testing.T) {
	t.Helper()
	old := newReservationID
	n := 0
	newReservationID = func() string {
		n++
		return fmt.Sprintf("res-%d", n)
	}
	t.Cleanup(func() { newReservationID = old })
}

func mustApply(t *testing.T, s *State, cmd Command, now time.Time) ([]Event, *Reservation) {
	t.Helper()
	events, res, err := Apply(s, cmd, now, testWindows())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	return events, res
}

func TestSelectNumber_CreatesReservation(t *testing.T) {
	stubIDs(t)
	s := NewState("d1", 500, 10)

	events, res, err := Apply(&s, Command{Type: CmdSelectNumber, UserID: "alice", NumberID: 3}, t0, testWindows())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if res == nil || res.ID != "res-1" {
		t.Fatalf("expected new reservation res-1, got %+v", res)
	}
	if res.Phase != PhaseSelection {
		t.Fatalf("want phase selection, got %v", res.Phase)
	}
	if want := t0.Add(2 * time.Minute); !res.PhaseDeadline.Equal(want) {
		t.Fatalf("want deadline %v, got %v", want, res.PhaseDeadline)
	}
	if res.TotalAmount != 500 {
		t.Fatalf("want total 500, got %d", res.TotalAmount)
	}

	n := s.Numbers[3]
	if n.Status != NumberReserved || n.Holder != "res-1" {
		t.Fatalf("number not reserved by res-1: %+v", n)
	}
	if len(events) != 1 || events[0].Type != EvtNumberUpdate || events[0].Status != NumberReserved {
		t.Fatalf("want one reserved number_update, got %+v", events)
	}
}

func TestSelectNumber_SecondSelectionJoinsReservation(t *testing.T) {
	stubIDs(t)
	s := NewState("d1", 500, 10)

	_, first := mustApply(t, &s, Command{Type: CmdSelectNumber, UserID: "alice", NumberID: 3}, t0)
	later := t0.Add(30 * time.Second)
	_, second := mustApply(t, &s, Command{Type: CmdSelectNumber, UserID: "alice", NumberID: 7}, later)

	if second.ID != first.ID {
		t.Fatalf("expected same reservation, got %s and %s", first.ID, second.ID)
	}
	if len(second.NumberIDs) != 2 {
		t.Fatalf("want 2 numbers, got %v", second.NumberIDs)
	}
	if want := later.Add(2 * time.Minute); !second.PhaseDeadline.Equal(want) {
		t.Fatalf("deadline not reset: want %v, got %v", want, second.PhaseDeadline)
	}
	if second.TotalAmount != 1000 {
		t.Fatalf("want total 1000, got %d", second.TotalAmount)
	}
}

func TestSelectNumber_ContestedNumberConflicts(t *testing.T) {
	stubIDs(t)
	s := NewState("d1", 500, 10)

	// A selects {3,7}; B tries {7,9}.
	mustApply(t, &s, Command{Type: CmdSelectNumber, UserID: "a", NumberID: 3}, t0)
	mustApply(t, &s, Command{Type: CmdSelectNumber, UserID: "a", NumberID: 7}, t0)

	_, _, err := Apply(&s, Command{Type: CmdSelectNumber, UserID: "b", NumberID: 7}, t0, testWindows())
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("want ErrConflict, got %v", err)
	}
	_, bRes := mustApply(t, &s, Command{Type: CmdSelectNumber, UserID: "b", NumberID: 9}, t0)

	if s.Numbers[7].Holder != "res-1" {
		t.Fatalf("number 7 must stay with the winner, holder=%q", s.Numbers[7].Holder)
	}
	if len(bRes.NumberIDs) != 1 || bRes.NumberIDs[0] != 9 {
		t.Fatalf("b should hold {9} only, got %v", bRes.NumberIDs)
	}
}

func TestSelectNumber_Errors(t *testing.T) {
	stubIDs(t)
	cases := []struct {
		name    string
		setup   func(s *State)
		cmd     Command
		wantErr error
	}{
		{
			name:    "unknown number",
			setup:   func(s *State) {},
			cmd:     Command{Type: CmdSelectNumber, UserID: "a", NumberID: 99},
			wantErr: ErrNotFound,
		},
		{
			name: "sold number",
			setup: func(s *State) {
				s.Numbers[4].Status = NumberSold
				s.Numbers[4].Holder = "res-x"
			},
			cmd:     Command{Type: CmdSelectNumber, UserID: "a", NumberID: 4},
			wantErr: ErrConflict,
		},
		{
			name: "caller already in checkout",
			setup: func(s *State) {
				mustApply(t, s, Command{Type: CmdSelectNumber, UserID: "a", NumberID: 1}, t0)
				mustApply(t, s, Command{Type: CmdAdvanceToCheckout, UserID: "a", ReservationID: s.Numbers[1].Holder}, t0)
			},
			cmd:     Command{Type: CmdSelectNumber, UserID: "a", NumberID: 2},
			wantErr: ErrInvalidState,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewState("d1", 500, 10)
			tc.setup(&s)
			_, _, err := Apply(&s, tc.cmd, t0, testWindows())
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("want %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestDeselectNumber_ReleasesAndCancelsWhenEmpty(t *testing.T) {
	stubIDs(t)
	s := NewState("d1", 500, 10)
	_, res := mustApply(t, &s, Command{Type: CmdSelectNumber, UserID: "a", NumberID: 5}, t0)

	events, after := mustApply(t, &s, Command{Type: CmdDeselectNumber, UserID: "a", ReservationID: res.ID, NumberID: 5}, t0)

	if s.Numbers[5].Status != NumberAvailable || s.Numbers[5].Holder != "" {
		t.Fatalf("number not released: %+v", s.Numbers[5])
	}
	if len(events) != 1 || events[0].Status != NumberAvailable {
		t.Fatalf("want one available number_update, got %+v", events)
	}
	if after.Phase != PhaseCancelled {
		t.Fatalf("empty reservation must cancel, got %v", after.Phase)
	}
}

func TestDeselectNumber_Forbidden(t *testing.T) {
	stubIDs(t)
	s := NewState("d1", 500, 10)
	_, res := mustApply(t, &s, Command{Type: CmdSelectNumber, UserID: "a", NumberID: 5}, t0)

	_, _, err := Apply(&s, Command{Type: CmdDeselectNumber, UserID: "b", ReservationID: res.ID, NumberID: 5}, t0, testWindows())
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("want ErrForbidden, got %v", err)
	}
}

func TestDeselectNumber_AfterSweepIsNoop(t *testing.T) {
	stubIDs(t)
	s := NewState("d1", 500, 10)
	_, res := mustApply(t, &s, Command{Type: CmdSelectNumber, UserID: "a", NumberID: 5}, t0)

	sweepAt := t0.Add(3 * time.Minute)
	mustApply(t, &s, Command{Type: CmdSweepExpired}, sweepAt)

	events, _, err := Apply(&s, Command{Type: CmdDeselectNumber, UserID: "a", ReservationID: res.ID, NumberID: 5}, sweepAt, testWindows())
	if err != nil {
		t.Fatalf("deselect racing a sweep must be a no-op success, got %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("no events expected, got %+v", events)
	}
}

func TestAdvanceToCheckout(t *testing.T) {
	stubIDs(t)
	s := NewState("d1", 500, 10)
	_, res := mustApply(t, &s, Command{Type: CmdSelectNumber, UserID: "a", NumberID: 5}, t0)

	later := t0.Add(time.Minute)
	_, after := mustApply(t, &s, Command{Type: CmdAdvanceToCheckout, UserID: "a", ReservationID: res.ID}, later)

	if after.Phase != PhaseCheckout {
		t.Fatalf("want checkout, got %v", after.Phase)
	}
	if want := later.Add(15 * time.Minute); !after.PhaseDeadline.Equal(want) {
		t.Fatalf("want extended deadline %v, got %v", want, after.PhaseDeadline)
	}

	// A second advance is no longer valid.
	_, _, err := Apply(&s, Command{Type: CmdAdvanceToCheckout, UserID: "a", ReservationID: res.ID}, later, testWindows())
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("want ErrInvalidState, got %v", err)
	}
}

func TestAdvanceToCheckout_PastDeadline(t *testing.T) {
	stubIDs(t)
	s := NewState("d1", 500, 10)
	_, res := mustApply(t, &s, Command{Type: CmdSelectNumber, UserID: "a", NumberID: 5}, t0)

	_, _, err := Apply(&s, Command{Type: CmdAdvanceToCheckout, UserID: "a", ReservationID: res.ID}, t0.Add(3*time.Minute), testWindows())
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("want ErrExpired, got %v", err)
	}
	// Release is the sweeper's job; the number is still held.
	if s.Numbers[5].Status != NumberReserved {
		t.Fatalf("number must stay reserved until swept, got %v", s.Numbers[5].Status)
	}
}

func TestConfirm_MarksSoldAndIsIdempotent(t *testing.T) {
	stubIDs(t)
	s := NewState("d1", 500, 10)
	mustApply(t, &s, Command{Type: CmdSelectNumber, UserID: "a", NumberID: 3}, t0)
	_, res := mustApply(t, &s, Command{Type: CmdSelectNumber, UserID: "a", NumberID: 7}, t0)
	mustApply(t, &s, Command{Type: CmdAdvanceToCheckout, UserID: "a", ReservationID: res.ID}, t0)

	events, after := mustApply(t, &s, Command{Type: CmdConfirm, ReservationID: res.ID}, t0)
	if after.Phase != PhaseCompleted {
		t.Fatalf("want completed, got %v", after.Phase)
	}
	if len(events) != 2 {
		t.Fatalf("want 2 sold events, got %+v", events)
	}
	for _, id := range []int{3, 7} {
		if s.Numbers[id].Status != NumberSold {
			t.Fatalf("number %d not sold", id)
		}
	}

	// Retried payment callback: same final state, zero new events.
	again, same := mustApply(t, &s, Command{Type: CmdConfirm, ReservationID: res.ID}, t0)
	if len(again) != 0 {
		t.Fatalf("repeat confirm must emit nothing, got %+v", again)
	}
	if same.Phase != PhaseCompleted {
		t.Fatalf("repeat confirm changed phase to %v", same.Phase)
	}
}

func TestConfirm_RequiresCheckout(t *testing.T) {
	stubIDs(t)
	s := NewState("d1", 500, 10)
	_, res := mustApply(t, &s, Command{Type: CmdSelectNumber, UserID: "a", NumberID: 3}, t0)

	_, _, err := Apply(&s, Command{Type: CmdConfirm, ReservationID: res.ID}, t0, testWindows())
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("want ErrInvalidState, got %v", err)
	}
}

func TestCancel_ReleasesAllNumbers(t *testing.T) {
	stubIDs(t)
	s := NewState("d1", 500, 10)
	mustApply(t, &s, Command{Type: CmdSelectNumber, UserID: "a", NumberID: 3}, t0)
	_, res := mustApply(t, &s, Command{Type: CmdSelectNumber, UserID: "a", NumberID: 7}, t0)

	events, after := mustApply(t, &s, Command{Type: CmdCancel, UserID: "a", ReservationID: res.ID}, t0)
	if after.Phase != PhaseCancelled {
		t.Fatalf("want cancelled, got %v", after.Phase)
	}
	if len(events) != 2 {
		t.Fatalf("want 2 release events, got %+v", events)
	}
	for _, id := range []int{3, 7} {
		if s.Numbers[id].Status != NumberAvailable || s.Numbers[id].Holder != "" {
			t.Fatalf("number %d not released: %+v", id, s.Numbers[id])
		}
	}
}

func TestSweep_ExpiresPastDeadlineAndIsIdempotent(t *testing.T) {
	stubIDs(t)
	s := NewState("d1", 500, 10)
	mustApply(t, &s, Command{Type: CmdSelectNumber, UserID: "a", NumberID: 3}, t0)
	_, res := mustApply(t, &s, Command{Type: CmdSelectNumber, UserID: "a", NumberID: 7}, t0)
	mustApply(t, &s, Command{Type: CmdAdvanceToCheckout, UserID: "a", ReservationID: res.ID}, t0)

	deadline := s.Reservations[res.ID].PhaseDeadline
	events, _ := mustApply(t, &s, Command{Type: CmdSweepExpired}, deadline.Add(time.Second))

	if len(events) != 1 || events[0].Type != EvtReservationExpired {
		t.Fatalf("want one batched reservation_expired, got %+v", events)
	}
	if len(events[0].NumberIDs) != 2 {
		t.Fatalf("batched event must carry both numbers, got %v", events[0].NumberIDs)
	}
	if s.Reservations[res.ID].Phase != PhaseExpired {
		t.Fatalf("want expired, got %v", s.Reservations[res.ID].Phase)
	}
	for _, id := range []int{3, 7} {
		if s.Numbers[id].Status != NumberAvailable {
			t.Fatalf("number %d not released", id)
		}
	}

	again, _ := mustApply(t, &s, Command{Type: CmdSweepExpired}, deadline.Add(2*time.Second))
	if len(again) != 0 {
		t.Fatalf("second sweep must be a no-op, got %+v", again)
	}
}

func TestSweep_SkipsReservationsWithinDeadline(t *testing.T) {
	stubIDs(t)
	s := NewState("d1", 500, 10)
	mustApply(t, &s, Command{Type: CmdSelectNumber, UserID: "a", NumberID: 3}, t0)

	events, _ := mustApply(t, &s, Command{Type: CmdSweepExpired}, t0.Add(time.Minute))
	if len(events) != 0 {
		t.Fatalf("nothing should expire yet, got %+v", events)
	}
	if s.Numbers[3].Status != NumberReserved {
		t.Fatalf("number must stay reserved")
	}
}
