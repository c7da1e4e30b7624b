package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rafflelive/raffle-backend/internal/clock"
	"github.com/rafflelive/raffle-backend/pkg/types"
)

var ErrNotConnected = errors.New("session not connected")
var ErrNoReservation = errors.New("no active reservation")
var ErrReconnectFailed = errors.New("reconnect attempts exhausted")

type ConnState string

const (
	StateConnecting ConnState = "connecting"
	StateOpen       ConnState = "open"
	StateClosed     ConnState = "closed"
	StateFailed     ConnState = "failed"
)

// Conn is a bidirectional frame channel to the server.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

type Dialer func(ctx context.Context, drawID string) (Conn, error)

type SnapshotFunc func(ctx context.Context, drawID string) (types.SnapshotResponse, error)

// Backoff controls reconnection: delay doubles from Base each consecutive
// failure, capped at Max; after MaxAttempts the session surfaces a
// terminal failed state instead of retrying silently forever.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

type Config struct {
	DrawID   string
	Dial     Dialer
	Snapshot SnapshotFunc
	Clock    clock.Clock
	Backoff  Backoff
	Logger   *zap.Logger
	// Sleep is injectable for tests; it returns false when ctx ended
	// before the delay elapsed.
	Sleep func(ctx context.Context, d time.Duration) bool
}

// Session keeps a live channel to one draw's event stream and reconciles
// a local copy of the number grid against server-pushed truth. The local
// copy is never a source of truth: every reconnect refetches a full
// snapshot before deltas are trusted again.
type Session struct {
	cfg Config
	log *zap.Logger

	mu          sync.Mutex
	state       ConnState
	conn        Conn
	numbers     map[int]types.NumberInfo
	version     int
	origin      string
	reservation *types.ReservationInfo
	nextSubID   int
	numberSubs  map[int]func(types.EventMessage)
	expiredSubs map[int]func(types.EventMessage)
	stateSubs   map[int]func(ConnState)
	replySubs   map[int]func(types.ServerMessage)
}

func NewSession(cfg Config) (*Session, error) {
	if cfg.DrawID == "" || cfg.Dial == nil || cfg.Snapshot == nil {
		return nil, errors.New("client: DrawID, Dial and Snapshot are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewSystem()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = func(ctx context.Context, d time.Duration) bool {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
				return true
			case <-ctx.Done():
				return false
			}
		}
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff.Base = 500 * time.Millisecond
	}
	if cfg.Backoff.Max <= 0 {
		cfg.Backoff.Max = 30 * time.Second
	}
	if cfg.Backoff.MaxAttempts <= 0 {
		cfg.Backoff.MaxAttempts = 10
	}
	return &Session{
		cfg:         cfg,
		log:         cfg.Logger.Named("session").With(zap.String("draw_id", cfg.DrawID)),
		state:       StateClosed,
		numbers:     make(map[int]types.NumberInfo),
		numberSubs:  make(map[int]func(types.EventMessage)),
		expiredSubs: make(map[int]func(types.EventMessage)),
		stateSubs:   make(map[int]func(ConnState)),
		replySubs:   make(map[int]func(types.ServerMessage)),
	}, nil
}

// Run drives the connection state machine until ctx ends or reconnection
// attempts are exhausted. Callers usually run it in its own goroutine.
func (s *Session) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.setState(StateConnecting)

		conn, err := s.cfg.Dial(ctx, s.cfg.DrawID)
		if err == nil {
			var snap types.SnapshotResponse
			snap, err = s.cfg.Snapshot(ctx, s.cfg.DrawID)
			if err != nil {
				_ = conn.Close()
			} else {
				s.reconcile(snap)
				s.setConn(conn)
				s.setState(StateOpen)
				attempt = 0

				s.readLoop(ctx, conn)

				s.setConn(nil)
				_ = conn.Close()
				s.setState(StateClosed)
				if ctx.Err() != nil {
					return ctx.Err()
				}
			}
		}

		attempt++
		if attempt > s.cfg.Backoff.MaxAttempts {
			s.setState(StateFailed)
			return ErrReconnectFailed
		}
		if err != nil {
			s.log.Info("connect failed", zap.Int("attempt", attempt), zap.Error(err))
			s.setState(StateClosed)
		}
		if !s.cfg.Sleep(ctx, s.cfg.Backoff.Delay(attempt)) {
			return ctx.Err()
		}
	}
}

func (s *Session) readLoop(ctx context.Context, conn Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg types.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("bad frame", zap.Error(err))
			continue
		}
		switch msg.Type {
		case "Events":
			s.applyEvents(msg)
		case "Ack":
			s.applyAck(msg)
			s.dispatchReply(msg)
		case "Error":
			s.dispatchReply(msg)
		}
	}
}

// reconcile replaces local state with an authoritative snapshot. Any
// number the server no longer attributes to our reservation is dropped
// from the local selection, so an expiry that happened while disconnected
// cannot leave a stale "reserved by me" cell.
func (s *Session) reconcile(snap types.SnapshotResponse) {
	s.mu.Lock()
	s.numbers = make(map[int]types.NumberInfo, len(snap.Numbers))
	for _, n := range snap.Numbers {
		s.numbers[n.ID] = n
	}
	s.version = snap.Version
	s.origin = snap.Origin

	var expiredCb []func(types.EventMessage)
	var expiredEvt types.EventMessage
	if res := s.reservation; res != nil {
		kept := res.NumberIDs[:0]
		for _, id := range res.NumberIDs {
			if n, ok := s.numbers[id]; ok && n.Holder == res.ID {
				kept = append(kept, id)
			}
		}
		if len(kept) == 0 {
			expiredEvt = types.EventMessage{
				Type:          "reservation_expired",
				ReservationID: res.ID,
				NumberIDs:     res.NumberIDs,
			}
			s.reservation = nil
			for _, fn := range s.expiredSubs {
				expiredCb = append(expiredCb, fn)
			}
		} else {
			res.NumberIDs = kept
		}
	}
	s.mu.Unlock()

	for _, fn := range expiredCb {
		fn(expiredEvt)
	}
}

func (s *Session) applyEvents(msg types.ServerMessage) {
	s.mu.Lock()
	// Deltas already folded into the snapshot we fetched must not be
	// replayed; cross-instance envelopes carry absolute statuses and are
	// safe to apply unconditionally.
	if msg.Origin == s.origin && msg.Version <= s.version {
		s.mu.Unlock()
		return
	}
	if msg.Origin == s.origin {
		s.version = msg.Version
	}

	type dispatch struct {
		fns []func(types.EventMessage)
		evt types.EventMessage
	}
	var pending []dispatch

	for _, ev := range msg.Events {
		switch ev.Type {
		case "number_update":
			if n, ok := s.numbers[ev.NumberID]; ok {
				n.Status = ev.Status
				n.Holder = ev.Holder
				s.numbers[ev.NumberID] = n
			}
			if res := s.reservation; res != nil && ev.Status == "available" {
				res.NumberIDs = removeID(res.NumberIDs, ev.NumberID)
				// The server cancels a reservation whose last number is
				// released; mirror that so countdowns stop with it.
				if len(res.NumberIDs) == 0 {
					s.reservation = nil
				}
			}
			d := dispatch{evt: ev}
			for _, fn := range s.numberSubs {
				d.fns = append(d.fns, fn)
			}
			pending = append(pending, d)

		case "reservation_expired":
			for _, id := range ev.NumberIDs {
				if n, ok := s.numbers[id]; ok {
					n.Status = "available"
					n.Holder = ""
					s.numbers[id] = n
				}
			}
			if res := s.reservation; res != nil && res.ID == ev.ReservationID {
				s.reservation = nil
			}
			d := dispatch{evt: ev}
			for _, fn := range s.expiredSubs {
				d.fns = append(d.fns, fn)
			}
			pending = append(pending, d)
		}
	}
	s.mu.Unlock()

	for _, d := range pending {
		for _, fn := range d.fns {
			fn(d.evt)
		}
	}
}

func (s *Session) applyAck(msg types.ServerMessage) {
	if msg.Reservation == nil {
		return
	}
	s.mu.Lock()
	if msg.Reservation.Phase == "selection" || msg.Reservation.Phase == "checkout" {
		s.reservation = msg.Reservation
	} else {
		s.reservation = nil
	}
	s.mu.Unlock()
}

// Select asks the server to claim a number for this user.
func (s *Session) Select(ctx context.Context, numberID int) error {
	return s.send(ctx, types.ClientMessage{Type: "SelectNumber", NumberID: numberID})
}

func (s *Session) Deselect(ctx context.Context, numberID int) error {
	res := s.Reservation()
	if res == nil {
		return ErrNoReservation
	}
	return s.send(ctx, types.ClientMessage{Type: "DeselectNumber", ReservationID: res.ID, NumberID: numberID})
}

func (s *Session) Checkout(ctx context.Context) error {
	res := s.Reservation()
	if res == nil {
		return ErrNoReservation
	}
	return s.send(ctx, types.ClientMessage{Type: "AdvanceToCheckout", ReservationID: res.ID})
}

func (s *Session) Cancel(ctx context.Context) error {
	res := s.Reservation()
	if res == nil {
		return ErrNoReservation
	}
	return s.send(ctx, types.ClientMessage{Type: "Cancel", ReservationID: res.ID})
}

func (s *Session) send(ctx context.Context, msg types.ClientMessage) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, payload)
}

func (s *Session) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Number returns the local view of one number.
func (s *Session) Number(id int) (types.NumberInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.numbers[id]
	return n, ok
}

// Reservation returns a copy of the user's active reservation, nil when
// none is held.
func (s *Session) Reservation() *types.ReservationInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reservation == nil {
		return nil
	}
	cp := *s.reservation
	cp.NumberIDs = append([]int(nil), s.reservation.NumberIDs...)
	return &cp
}

// CountdownFor builds a countdown against the current reservation's
// deadline, nil when no reservation is active.
func (s *Session) CountdownFor(urgent time.Duration) *Countdown {
	res := s.Reservation()
	if res == nil {
		return nil
	}
	return NewCountdown(s.cfg.Clock, res.PhaseDeadline, urgent)
}

// OnNumberUpdate registers a callback for number deltas and returns an
// unsubscribe handle, so repeated connect cycles cannot leak callbacks.
func (s *Session) OnNumberUpdate(fn func(types.EventMessage)) func() {
	return s.subscribe(s.numberSubs, fn)
}

func (s *Session) OnReservationExpired(fn func(types.EventMessage)) func() {
	return s.subscribe(s.expiredSubs, fn)
}

func (s *Session) OnReply(fn func(types.ServerMessage)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	s.replySubs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.replySubs, id)
	}
}

func (s *Session) OnStateChange(fn func(ConnState)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	s.stateSubs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.stateSubs, id)
	}
}

func (s *Session) subscribe(m map[int]func(types.EventMessage), fn func(types.EventMessage)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	m[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(m, id)
	}
}

func (s *Session) setState(st ConnState) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	fns := make([]func(ConnState), 0, len(s.stateSubs))
	for _, fn := range s.stateSubs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}

func (s *Session) setConn(c Conn) {
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
}

func (s *Session) dispatchReply(msg types.ServerMessage) {
	s.mu.Lock()
	fns := make([]func(types.ServerMessage), 0, len(s.replySubs))
	for _, fn := range s.replySubs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

func removeID(ids []int, id int) []int {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
