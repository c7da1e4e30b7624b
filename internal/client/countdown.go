package client

import (
	"context"
	"time"

	"github.com/rafflelive/raffle-backend/internal/clock"
)

type CountdownState string

const (
	CountdownRunning CountdownState = "running"
	CountdownUrgent  CountdownState = "urgent"
	CountdownExpired CountdownState = "expired"
)

// Countdown derives remaining time from a server-provided deadline. The
// client never sets or extends the deadline; it only displays it.
type Countdown struct {
	clk      clock.Clock
	deadline time.Time
	urgent   time.Duration
}

func NewCountdown(clk clock.Clock, deadline time.Time, urgent time.Duration) *Countdown {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Countdown{clk: clk, deadline: deadline, urgent: urgent}
}

func (c *Countdown) Remaining() time.Duration {
	d := c.deadline.Sub(c.clk.Now())
	if d < 0 {
		return 0
	}
	return d
}

func (c *Countdown) State() CountdownState {
	d := c.Remaining()
	switch {
	case d <= 0:
		return CountdownExpired
	case d <= c.urgent:
		return CountdownUrgent
	default:
		return CountdownRunning
	}
}

// Run recomputes the countdown once per second and reports every tick to
// fn, stopping after the expired state has been delivered once.
func (c *Countdown) Run(ctx context.Context, fn func(remaining time.Duration, state CountdownState)) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	fn(c.Remaining(), c.State())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state := c.State()
			fn(c.Remaining(), state)
			if state == CountdownExpired {
				return
			}
		}
	}
}
