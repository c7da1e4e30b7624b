package draw

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rafflelive/raffle-backend/internal/clock"
	"github.com/rafflelive/raffle-backend/internal/engine"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestRoom(t *testing.T, numbers int) (*Room, *clock.Manual, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	clk := clock.NewManual(t0)
	state := engine.NewState("d1", 500, numbers)
	r := NewRoom(ctx, state, Options{
		Windows: engine.Windows{Selection: 2 * time.Minute, Checkout: 15 * time.Minute},
		Clock:   clk,
		Origin:  "test-origin",
	})
	return r, clk, cancel
}

func do(t *testing.T, r *Room, cmd engine.Command) Result {
	t.Helper()
	reply := make(chan Result, 1)
	r.Inbox() <- Do{Cmd: cmd, Reply: reply}
	select {
	case res := <-reply:
		return res
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for result")
		return Result{}
	}
}

func recvEnvelope(t *testing.T, ch <-chan Envelope, within time.Duration) Envelope {
	t.Helper()
	select {
	case env, ok := <-ch:
		if !ok {
			t.Fatalf("subscriber outbox closed unexpectedly")
		}
		return env
	case <-time.After(within):
		t.Fatalf("timed out waiting for envelope")
		return Envelope{}
	}
}

func recvNoEnvelope(t *testing.T, ch <-chan Envelope, within time.Duration) {
	t.Helper()
	select {
	case env, ok := <-ch:
		if !ok {
			return
		}
		t.Fatalf("expected no envelope within %v, got %+v", within, env)
	case <-time.After(within):
	}
}

func recvView(t *testing.T, ch <-chan View, within time.Duration) View {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(within):
		t.Fatalf("timed out waiting for view")
		return View{}
	}
}

func TestRoom_SelectBroadcastsVersionedEnvelope(t *testing.T) {
	r, _, cancel := newTestRoom(t, 10)
	defer cancel()

	out := make(chan Envelope, 4)
	r.Inbox() <- Join{ClientID: "c1", Outbox: out}

	result := do(t, r, engine.Command{Type: engine.CmdSelectNumber, UserID: "alice", NumberID: 3})
	if result.Err != nil {
		t.Fatalf("unexpected err: %v", result.Err)
	}
	if result.Version != 1 {
		t.Fatalf("want version 1, got %d", result.Version)
	}

	env := recvEnvelope(t, out, time.Second)
	if env.Version != 1 || env.Origin != "test-origin" {
		t.Fatalf("bad envelope: %+v", env)
	}
	if len(env.Events) != 1 || env.Events[0].Type != engine.EvtNumberUpdate || env.Events[0].NumberID != 3 {
		t.Fatalf("want number_update for 3, got %+v", env.Events)
	}
}

func TestRoom_ConcurrentSelect_ExactlyOneWinner(t *testing.T) {
	r, _, cancel := newTestRoom(t, 10)
	defer cancel()

	const callers = 32
	results := make(chan Result, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reply := make(chan Result, 1)
			r.Inbox() <- Do{Cmd: engine.Command{Type: engine.CmdSelectNumber, UserID: userID(i), NumberID: 7}, Reply: reply}
			results <- <-reply
		}(i)
	}
	wg.Wait()
	close(results)

	wins, conflicts := 0, 0
	var winner string
	for res := range results {
		switch {
		case res.Err == nil:
			wins++
			winner = res.Reservation.ID
		case errors.Is(res.Err, engine.ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected err: %v", res.Err)
		}
	}
	if wins != 1 || conflicts != callers-1 {
		t.Fatalf("want exactly one winner, got wins=%d conflicts=%d", wins, conflicts)
	}

	snap := getSnapshot(t, r)
	for _, n := range snap.Numbers {
		if n.ID == 7 && n.Holder != winner {
			t.Fatalf("final holder %q does not match winner %q", n.Holder, winner)
		}
	}
}

func TestRoom_SweepEmitsSingleExpiredEnvelope(t *testing.T) {
	r, clk, cancel := newTestRoom(t, 10)
	defer cancel()

	res := do(t, r, engine.Command{Type: engine.CmdSelectNumber, UserID: "a", NumberID: 3})
	do(t, r, engine.Command{Type: engine.CmdSelectNumber, UserID: "a", NumberID: 7})
	do(t, r, engine.Command{Type: engine.CmdAdvanceToCheckout, UserID: "a", ReservationID: res.Reservation.ID})

	out := make(chan Envelope, 4)
	r.Inbox() <- Join{ClientID: "c1", Outbox: out}

	clk.Advance(15*time.Minute + time.Second)
	reply := make(chan []engine.Event, 1)
	r.Inbox() <- Sweep{Now: clk.Now(), Reply: reply}
	events := <-reply

	if len(events) != 1 || events[0].Type != engine.EvtReservationExpired {
		t.Fatalf("want one reservation_expired, got %+v", events)
	}
	if len(events[0].NumberIDs) != 2 {
		t.Fatalf("expired event must carry both numbers, got %v", events[0].NumberIDs)
	}

	env := recvEnvelope(t, out, time.Second)
	if len(env.Events) != 1 || env.Events[0].Type != engine.EvtReservationExpired {
		t.Fatalf("subscribers must see the batched expiry, got %+v", env.Events)
	}

	// Re-sweep: no commit, no broadcast.
	r.Inbox() <- Sweep{Now: clk.Now(), Reply: reply}
	if again := <-reply; len(again) != 0 {
		t.Fatalf("second sweep must be a no-op, got %+v", again)
	}
	recvNoEnvelope(t, out, 100*time.Millisecond)
}

func TestRoom_DropsSlowSubscriber(t *testing.T) {
	r, _, cancel := newTestRoom(t, 10)
	defer cancel()

	out := make(chan Envelope) // unbuffered and never read
	r.Inbox() <- Join{ClientID: "slow", Outbox: out}

	do(t, r, engine.Command{Type: engine.CmdSelectNumber, UserID: "a", NumberID: 1})

	reply := make(chan View, 1)
	r.Inbox() <- GetState{Reply: reply}
	view := recvView(t, reply, time.Second)
	if view.NumClients != 0 {
		t.Fatalf("expected slow subscriber to be dropped, NumClients=%d", view.NumClients)
	}
}

func TestRoom_RelayedEnvelopeBroadcastsWithoutCommit(t *testing.T) {
	r, _, cancel := newTestRoom(t, 10)
	defer cancel()

	out := make(chan Envelope, 4)
	r.Inbox() <- Join{ClientID: "c1", Outbox: out}

	remote := Envelope{
		DrawID:  "d1",
		Version: 9,
		Origin:  "other-instance",
		Events:  []engine.Event{{Type: engine.EvtNumberUpdate, NumberID: 2, Status: engine.NumberReserved, Holder: "r-x"}},
	}
	r.Inbox() <- Relayed{Env: remote}

	env := recvEnvelope(t, out, time.Second)
	if env.Origin != "other-instance" || env.Version != 9 {
		t.Fatalf("relayed envelope mangled: %+v", env)
	}

	// Our own origin must be suppressed.
	remote.Origin = "test-origin"
	r.Inbox() <- Relayed{Env: remote}
	recvNoEnvelope(t, out, 100*time.Millisecond)

	reply := make(chan View, 1)
	r.Inbox() <- GetState{Reply: reply}
	if view := recvView(t, reply, time.Second); view.Version != 0 {
		t.Fatalf("relayed envelopes must not advance the local version, got %d", view.Version)
	}
}

func TestRoom_ExecuteAfterShutdownReportsNotFound(t *testing.T) {
	r, _, cancel := newTestRoom(t, 5)
	defer cancel()

	r.Inbox() <- Shutdown{}
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatalf("room did not signal shutdown")
	}

	res := r.Execute(engine.Command{Type: engine.CmdSelectNumber, UserID: "a", NumberID: 1})
	if !errors.Is(res.Err, engine.ErrNotFound) {
		t.Fatalf("dead room must answer ErrNotFound, got %v", res.Err)
	}

	if _, ok := r.Snapshot(); ok {
		t.Fatalf("dead room must not serve snapshots")
	}
}

func TestRoom_ReadOnlyReplica(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := NewRoom(ctx, engine.NewState("d1", 500, 5), Options{
		Windows:  engine.Windows{Selection: 2 * time.Minute, Checkout: 15 * time.Minute},
		Clock:    clock.NewManual(t0),
		Origin:   "replica",
		ReadOnly: true,
	})

	res := r.Execute(engine.Command{Type: engine.CmdSelectNumber, UserID: "a", NumberID: 2})
	if !errors.Is(res.Err, ErrNotOwner) {
		t.Fatalf("replica must refuse commands, got %v", res.Err)
	}

	// The owner's commits arrive relayed and must land in the local grid so
	// snapshots served here stay current.
	r.Inbox() <- Relayed{Env: Envelope{
		DrawID:  "d1",
		Version: 4,
		Origin:  "owner",
		Events:  []engine.Event{{Type: engine.EvtNumberUpdate, NumberID: 2, Status: engine.NumberReserved, Holder: "r-x"}},
	}}
	snap, ok := r.Snapshot()
	if !ok {
		t.Fatalf("snapshot failed")
	}
	if snap.Numbers[1].Status != engine.NumberReserved || snap.Numbers[1].Holder != "r-x" {
		t.Fatalf("relayed commit not folded into replica state: %+v", snap.Numbers[1])
	}

	// Expiry is the owner's job; a replica sweep must not mutate anything.
	reply := make(chan []engine.Event, 1)
	r.Inbox() <- Sweep{Now: t0.Add(time.Hour), Reply: reply}
	if events := <-reply; len(events) != 0 {
		t.Fatalf("replica sweep must be a no-op, got %+v", events)
	}
	snap, _ = r.Snapshot()
	if snap.Numbers[1].Status != engine.NumberReserved {
		t.Fatalf("replica sweep must not release numbers")
	}

	r.Inbox() <- Relayed{Env: Envelope{
		DrawID:  "d1",
		Version: 5,
		Origin:  "owner",
		Events:  []engine.Event{{Type: engine.EvtReservationExpired, ReservationID: "r-x", NumberIDs: []int{2}}},
	}}
	snap, _ = r.Snapshot()
	if snap.Numbers[1].Status != engine.NumberAvailable || snap.Numbers[1].Holder != "" {
		t.Fatalf("relayed expiry not folded: %+v", snap.Numbers[1])
	}
}

func TestRoom_SnapshotReflectsCommittedState(t *testing.T) {
	r, _, cancel := newTestRoom(t, 3)
	defer cancel()

	do(t, r, engine.Command{Type: engine.CmdSelectNumber, UserID: "a", NumberID: 2})

	snap := getSnapshot(t, r)
	if snap.Version != 1 || snap.Origin != "test-origin" {
		t.Fatalf("bad snapshot header: %+v", snap)
	}
	if len(snap.Numbers) != 3 {
		t.Fatalf("want 3 numbers, got %d", len(snap.Numbers))
	}
	if snap.Numbers[1].ID != 2 || snap.Numbers[1].Status != engine.NumberReserved {
		t.Fatalf("snapshot must be sorted and reflect the reservation: %+v", snap.Numbers)
	}
}

func getSnapshot(t *testing.T, r *Room) Snapshot {
	t.Helper()
	reply := make(chan Snapshot, 1)
	r.Inbox() <- GetSnapshot{Reply: reply}
	select {
	case snap := <-reply:
		return snap
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for snapshot")
		return Snapshot{}
	}
}

func userID(i int) string {
	return "user-" + string(rune('a'+i%26))
}
