package hub

import (
	"context"

	"go.uber.org/zap"

	"github.com/rafflelive/raffle-backend/internal/draw"
	"github.com/rafflelive/raffle-backend/internal/engine"
)

type HubMsg interface{ isHubMsg() }

type CreateRoom struct {
	DrawID string
	State  engine.State
	Reply  chan *draw.Room
}

type GetRoom struct {
	DrawID string
	Reply  chan *draw.Room
}

// EnsureRoom returns the live room for a draw, restoring it from the store
// when the process has not touched that draw since startup. Replies nil for
// an unknown draw.
type EnsureRoom struct {
	DrawID string
	Reply  chan *draw.Room
}

type RemoveRoom struct {
	DrawID string
}

type ListRooms struct {
	Reply chan []*draw.Room
}

type ShutdownHub struct{}

func (CreateRoom) isHubMsg()  {}
func (GetRoom) isHubMsg()     {}
func (EnsureRoom) isHubMsg()  {}
func (RemoveRoom) isHubMsg()  {}
func (ListRooms) isHubMsg()   {}
func (ShutdownHub) isHubMsg() {}

// Loader restores a draw's authoritative state from durable records.
type Loader interface {
	LoadDraw(ctx context.Context, drawID string) (engine.State, error)
}

// Claimer serializes draw ownership across instances. Exactly one instance
// may hold the claim for a draw at a time; everyone else hosts a read-only
// replica fed by the relay.
type Claimer interface {
	Claim(ctx context.Context, drawID string) (bool, error)
	Release(ctx context.Context, drawID string) error
}

type Options struct {
	Room    draw.Options // template for every room this hub creates
	Loader  Loader       // optional; EnsureRoom degrades to GetRoom without it
	Claimer Claimer      // optional; without it every room is an owner
	Logger  *zap.Logger
}

type Hub struct {
	inbox  chan HubMsg
	rooms  map[string]*draw.Room
	opts   Options
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func NewHub(parent context.Context, opts Options) *Hub {
	ctx, cancel := context.WithCancel(parent)
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	h := &Hub{
		inbox:  make(chan HubMsg, 64),
		rooms:  make(map[string]*draw.Room),
		opts:   opts,
		log:    opts.Logger.Named("hub"),
		ctx:    ctx,
		cancel: cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case CreateRoom:
				if rm := h.rooms[msg.DrawID]; rm != nil {
					msg.Reply <- rm
					break
				}
				msg.Reply <- h.newRoom(msg.DrawID, msg.State)

			case GetRoom:
				msg.Reply <- h.rooms[msg.DrawID] // may be nil

			case EnsureRoom:
				if rm := h.rooms[msg.DrawID]; rm != nil {
					msg.Reply <- rm
					break
				}
				if h.opts.Loader == nil {
					msg.Reply <- nil
					break
				}
				state, err := h.opts.Loader.LoadDraw(h.ctx, msg.DrawID)
				if err != nil {
					h.log.Warn("load draw failed", zap.String("draw_id", msg.DrawID), zap.Error(err))
					msg.Reply <- nil
					break
				}
				msg.Reply <- h.newRoom(msg.DrawID, state)

			case RemoveRoom:
				if rm := h.rooms[msg.DrawID]; rm != nil {
					rm.Inbox() <- draw.Shutdown{}
					delete(h.rooms, msg.DrawID)
					h.release(msg.DrawID)
				}

			case ListRooms:
				rooms := make([]*draw.Room, 0, len(h.rooms))
				for _, rm := range h.rooms {
					rooms = append(rooms, rm)
				}
				msg.Reply <- rooms

			case ShutdownHub:
				for drawID, rm := range h.rooms {
					rm.Inbox() <- draw.Shutdown{}
					h.release(drawID)
				}
				clear(h.rooms)
				h.cancel()
			}
		}
	}
}

// newRoom claims ownership of the draw and starts its actor. A denied or
// failed claim means another instance is live; the room comes up as a
// read-only replica instead.
func (h *Hub) newRoom(drawID string, state engine.State) *draw.Room {
	opts := h.opts.Room
	if h.opts.Claimer != nil {
		owned, err := h.opts.Claimer.Claim(h.ctx, drawID)
		if err != nil {
			h.log.Warn("claim draw failed", zap.String("draw_id", drawID), zap.Error(err))
		}
		if err != nil || !owned {
			opts.ReadOnly = true
			h.log.Info("hosting read-only replica", zap.String("draw_id", drawID))
		}
	}
	rm := draw.NewRoom(h.ctx, state, opts)
	h.rooms[drawID] = rm
	return rm
}

func (h *Hub) release(drawID string) {
	if h.opts.Claimer == nil {
		return
	}
	if err := h.opts.Claimer.Release(h.ctx, drawID); err != nil {
		h.log.Warn("release draw failed", zap.String("draw_id", drawID), zap.Error(err))
	}
}
