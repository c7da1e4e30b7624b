package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rafflelive/raffle-backend/internal/clock"
	"github.com/rafflelive/raffle-backend/internal/draw"
	"github.com/rafflelive/raffle-backend/internal/hub"
)

// Sweeper drives deadline expiry: every tick it asks each live room to
// release reservations past their deadline. A missed tick only delays
// release, so there is nothing to escalate here.
type Sweeper struct {
	hub      *hub.Hub
	clk      clock.Clock
	interval time.Duration
	log      *zap.Logger
}

func New(h *hub.Hub, clk clock.Clock, interval time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{hub: h, clk: clk, interval: interval, log: logger.Named("sweeper")}
}

func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	reply := make(chan []*draw.Room, 1)
	select {
	case s.hub.Inbox() <- hub.ListRooms{Reply: reply}:
	case <-ctx.Done():
		return
	}

	var rooms []*draw.Room
	select {
	case rooms = <-reply:
	case <-ctx.Done():
		return
	}

	now := s.clk.Now()
	for _, rm := range rooms {
		select {
		case rm.Inbox() <- draw.Sweep{Now: now}:
		case <-rm.Done():
		case <-ctx.Done():
			return
		}
	}
}
