package draw

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/rafflelive/raffle-backend/internal/clock"
	"github.com/rafflelive/raffle-backend/internal/engine"
)

// ErrNotOwner rejects mutating commands on a replica room; the owning
// instance is elsewhere and its commits arrive through the relay.
var ErrNotOwner = errors.New("draw is owned by another instance")

type Msg interface{ isRoomMsg() }

// Do runs one engine command under the room's serialization and replies
// with the outcome.
type Do struct {
	Cmd   engine.Command
	Reply chan Result
}

func (Do) isRoomMsg() {}

type Result struct {
	Version     int
	Events      []engine.Event
	Reservation *engine.Reservation // caller's copy; nil for sweeps
	Err         error
}

// Join registers a subscriber. Delivery starts from the moment of
// subscription; late joiners must fetch a snapshot separately.
type Join struct {
	ClientID string
	Outbox   chan Envelope
}

func (Join) isRoomMsg() {}

type Leave struct{ ClientID string }

func (Leave) isRoomMsg() {}

// Sweep expires every reservation past its deadline. Reply may be nil.
type Sweep struct {
	Now   time.Time
	Reply chan []engine.Event
}

func (Sweep) isRoomMsg() {}

type GetSnapshot struct{ Reply chan Snapshot }

func (GetSnapshot) isRoomMsg() {}

// Relayed re-broadcasts an envelope committed by another instance. Local
// state is not touched; the relay's instance already owns that commit.
type Relayed struct{ Env Envelope }

func (Relayed) isRoomMsg() {}

// GetState reflects internal state for tests without data races.
type GetState struct{ Reply chan View }

func (GetState) isRoomMsg() {}

type Shutdown struct{}

func (Shutdown) isRoomMsg() {}

// Envelope is one commit fanned out to subscribers.
type Envelope struct {
	DrawID  string
	Version int
	Origin  string
	Events  []engine.Event
}

type Snapshot struct {
	DrawID  string
	Version int
	Origin  string
	Numbers []engine.Number
}

type View struct {
	Version      int
	NumClients   int
	Reservations int
}

// Persister stores committed state. Failures are logged, not fatal: the
// room stays authoritative and the next commit or sweep retries naturally.
type Persister interface {
	SaveNumbers(ctx context.Context, drawID string, numbers []engine.Number) error
	SaveReservation(ctx context.Context, drawID string, res engine.Reservation) error
}

// Publisher forwards committed envelopes to other instances.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

type Options struct {
	Windows   engine.Windows
	Clock     clock.Clock
	Origin    string
	Store     Persister // optional
	Publisher Publisher // optional
	Logger    *zap.Logger
	// ReadOnly marks a replica of a draw owned by another instance: commands
	// are refused, sweeps are ignored, relayed envelopes are folded into
	// local state so snapshots stay current.
	ReadOnly bool
}

type Room struct {
	inbox   chan Msg
	state   engine.State
	version int
	clients map[string]chan Envelope
	opts    Options
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewRoom(parent context.Context, state engine.State, opts Options) *Room {
	ctx, cancel := context.WithCancel(parent)
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	r := &Room{
		inbox:   make(chan Msg, 64),
		state:   state,
		clients: make(map[string]chan Envelope),
		opts:    opts,
		log:     opts.Logger.Named("room").With(zap.String("draw_id", state.DrawID)),
		ctx:     ctx,
		cancel:  cancel,
	}
	go r.loop()
	return r
}

func (r *Room) Inbox() chan<- Msg { return r.inbox }

func (r *Room) DrawID() string { return r.state.DrawID }

// Done closes once the room has shut down and will no longer answer
// messages. Callers must select against it or risk blocking forever on a
// reply that never comes.
func (r *Room) Done() <-chan struct{} { return r.ctx.Done() }

// Execute runs one command on the room, answering ErrNotFound when the
// room shut down before or while processing it.
func (r *Room) Execute(cmd engine.Command) Result {
	reply := make(chan Result, 1)
	select {
	case r.inbox <- Do{Cmd: cmd, Reply: reply}:
	case <-r.ctx.Done():
		return Result{Err: engine.ErrNotFound}
	}
	select {
	case res := <-reply:
		return res
	case <-r.ctx.Done():
		// The reply may have been queued just before shutdown.
		select {
		case res := <-reply:
			return res
		default:
			return Result{Err: engine.ErrNotFound}
		}
	}
}

// Snapshot returns a consistent copy of the draw's numbers, or ok=false
// when the room has shut down.
func (r *Room) Snapshot() (Snapshot, bool) {
	reply := make(chan Snapshot, 1)
	select {
	case r.inbox <- GetSnapshot{Reply: reply}:
	case <-r.ctx.Done():
		return Snapshot{}, false
	}
	select {
	case snap := <-reply:
		return snap, true
	case <-r.ctx.Done():
		select {
		case snap := <-reply:
			return snap, true
		default:
			return Snapshot{}, false
		}
	}
}

func (r *Room) loop() {
	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Join:
				r.clients[msg.ClientID] = msg.Outbox

			case Leave:
				delete(r.clients, msg.ClientID)

			case Do:
				if r.opts.ReadOnly {
					msg.Reply <- Result{Version: r.version, Err: ErrNotOwner}
					break
				}
				events, res, err := engine.Apply(&r.state, msg.Cmd, r.opts.Clock.Now(), r.opts.Windows)
				if err != nil {
					msg.Reply <- Result{Version: r.version, Reservation: copyReservation(res), Err: err}
					break
				}
				if len(events) > 0 {
					r.commit(events, res)
				} else if res != nil {
					// Phase-only transitions (advance, idempotent confirm)
					// still need to reach the store.
					r.persistReservation(res)
				}
				msg.Reply <- Result{Version: r.version, Events: events, Reservation: copyReservation(res)}

			case Sweep:
				if r.opts.ReadOnly {
					// Expiry belongs to the owner; its sweep arrives as a
					// relayed envelope.
					if msg.Reply != nil {
						msg.Reply <- nil
					}
					break
				}
				events, _, _ := engine.Apply(&r.state, engine.Command{Type: engine.CmdSweepExpired}, msg.Now, r.opts.Windows)
				if len(events) > 0 {
					r.commit(events, nil)
				}
				if msg.Reply != nil {
					msg.Reply <- events
				}

			case GetSnapshot:
				msg.Reply <- r.snapshot()

			case Relayed:
				if msg.Env.Origin != r.opts.Origin {
					if r.opts.ReadOnly {
						r.fold(msg.Env.Events)
					}
					r.broadcast(msg.Env)
				}

			case GetState:
				msg.Reply <- View{
					Version:      r.version,
					NumClients:   len(r.clients),
					Reservations: len(r.state.Reservations),
				}

			case Shutdown:
				r.shutdown()
				return
			}
		}
	}
}

// commit assigns the next version, persists touched records, and fans the
// envelope out to every subscriber and to the cross-instance publisher.
func (r *Room) commit(events []engine.Event, res *engine.Reservation) {
	r.version++
	r.persist(events, res)

	env := Envelope{
		DrawID:  r.state.DrawID,
		Version: r.version,
		Origin:  r.opts.Origin,
		Events:  events,
	}
	r.broadcast(env)

	if r.opts.Publisher != nil {
		if err := r.opts.Publisher.Publish(r.ctx, env); err != nil {
			r.log.Warn("relay publish failed", zap.Error(err))
		}
	}
}

func (r *Room) persist(events []engine.Event, res *engine.Reservation) {
	if r.opts.Store == nil {
		return
	}

	touched := make(map[int]bool)
	for _, e := range events {
		if e.Type == engine.EvtNumberUpdate {
			touched[e.NumberID] = true
		}
		for _, id := range e.NumberIDs {
			touched[id] = true
		}
	}
	if len(touched) > 0 {
		numbers := make([]engine.Number, 0, len(touched))
		for id := range touched {
			if n, ok := r.state.Numbers[id]; ok {
				numbers = append(numbers, *n)
			}
		}
		if err := r.opts.Store.SaveNumbers(r.ctx, r.state.DrawID, numbers); err != nil {
			r.log.Warn("persist numbers failed", zap.Error(err))
		}
	}

	if res != nil {
		r.persistReservation(res)
	}
	for _, id := range engine.ExpiredReservations(events) {
		if expired, ok := r.state.Reservations[id]; ok {
			r.persistReservation(expired)
		}
	}
}

func (r *Room) persistReservation(res *engine.Reservation) {
	if r.opts.Store == nil || res == nil {
		return
	}
	if err := r.opts.Store.SaveReservation(r.ctx, r.state.DrawID, *res); err != nil {
		r.log.Warn("persist reservation failed", zap.Error(err), zap.String("reservation_id", res.ID))
	}
}

// fold applies the owner's committed events to a replica's number grid.
// Events carry absolute statuses, so replaying them is idempotent.
func (r *Room) fold(events []engine.Event) {
	for _, e := range events {
		switch e.Type {
		case engine.EvtNumberUpdate:
			if n, ok := r.state.Numbers[e.NumberID]; ok {
				n.Status = e.Status
				n.Holder = e.Holder
			}
		case engine.EvtReservationExpired:
			for _, id := range e.NumberIDs {
				if n, ok := r.state.Numbers[id]; ok {
					n.Status = engine.NumberAvailable
					n.Holder = ""
				}
			}
		}
	}
}

func (r *Room) snapshot() Snapshot {
	numbers := make([]engine.Number, 0, len(r.state.Numbers))
	for _, n := range r.state.Numbers {
		numbers = append(numbers, *n)
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i].ID < numbers[j].ID })
	return Snapshot{
		DrawID:  r.state.DrawID,
		Version: r.version,
		Origin:  r.opts.Origin,
		Numbers: numbers,
	}
}

func (r *Room) broadcast(env Envelope) {
	for id, ch := range r.clients {
		select {
		case ch <- env:
		default:
			// Slow subscriber: drop it. It must resubscribe and re-fetch a
			// snapshot, which restores the ordering contract.
			close(ch)
			delete(r.clients, id)
			r.log.Info("dropped slow subscriber", zap.String("client_id", id))
		}
	}
}

func (r *Room) shutdown() {
	for id, ch := range r.clients {
		close(ch)
		delete(r.clients, id)
	}
	r.cancel()
}

func copyReservation(res *engine.Reservation) *engine.Reservation {
	if res == nil {
		return nil
	}
	cp := *res
	cp.NumberIDs = make([]int, len(res.NumberIDs))
	copy(cp.NumberIDs, res.NumberIDs)
	return &cp
}
