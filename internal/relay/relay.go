package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rafflelive/raffle-backend/internal/draw"
	"github.com/rafflelive/raffle-backend/internal/hub"
	"github.com/rafflelive/raffle-backend/pkg/types"
)

const (
	channelPrefix = "draw:"
	ownerPrefix   = "draw-owner:"
	// ownerTTL bounds how long a crashed owner blocks takeover; live owners
	// refresh their claims from Run.
	ownerTTL = 30 * time.Second
)

// Relay fans committed envelopes out across instances through Redis
// pub/sub, so viewers connected to different processes see the same
// deltas. Envelopes carry their origin instance id; a relay never
// re-injects its own commits.
type Relay struct {
	rdb    *redis.Client
	origin string
	log    *zap.Logger

	mu    sync.Mutex
	owned map[string]bool
}

func New(rdb *redis.Client, origin string, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{rdb: rdb, origin: origin, log: logger.Named("relay"), owned: make(map[string]bool)}
}

// Publish implements draw.Publisher.
func (r *Relay) Publish(ctx context.Context, env draw.Envelope) error {
	payload, err := json.Marshal(env.Message())
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, channelPrefix+env.DrawID, payload).Err()
}

// Claim implements hub.Claimer with a per-draw ownership key. The claim
// holds for ownerTTL and is refreshed while Run is alive, so a crashed
// owner's draws become claimable without manual cleanup.
func (r *Relay) Claim(ctx context.Context, drawID string) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, ownerPrefix+drawID, r.origin, ownerTTL).Result()
	if err != nil {
		return false, err
	}
	if !ok {
		cur, err := r.rdb.Get(ctx, ownerPrefix+drawID).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return false, err
		}
		if cur != r.origin {
			return false, nil
		}
		// Re-claiming a draw we already own just extends the lease.
		if err := r.rdb.Expire(ctx, ownerPrefix+drawID, ownerTTL).Err(); err != nil {
			return false, err
		}
	}
	r.mu.Lock()
	r.owned[drawID] = true
	r.mu.Unlock()
	return true, nil
}

// Release gives up ownership of a draw, leaving foreign claims untouched.
func (r *Relay) Release(ctx context.Context, drawID string) error {
	r.mu.Lock()
	delete(r.owned, drawID)
	r.mu.Unlock()

	cur, err := r.rdb.Get(ctx, ownerPrefix+drawID).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	if cur != r.origin {
		return nil
	}
	return r.rdb.Del(ctx, ownerPrefix+drawID).Err()
}

func (r *Relay) refreshClaims(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.owned))
	for id := range r.owned {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		if err := r.rdb.Expire(ctx, ownerPrefix+id, ownerTTL).Err(); err != nil {
			r.log.Warn("refresh ownership failed", zap.String("draw_id", id), zap.Error(err))
		}
	}
}

// Run subscribes to every draw channel and re-broadcasts remote envelopes
// into the matching local room. Rooms this instance does not host are
// skipped; their viewers are connected elsewhere. Run also keeps this
// instance's ownership claims alive.
func (r *Relay) Run(ctx context.Context, h *hub.Hub) error {
	sub := r.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	refresh := time.NewTicker(ownerTTL / 3)
	defer refresh.Stop()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-refresh.C:
			r.refreshClaims(ctx)
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(ctx, h, msg)
		}
	}
}

func (r *Relay) handle(ctx context.Context, h *hub.Hub, msg *redis.Message) {
	var frame types.ServerMessage
	if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
		r.log.Warn("bad relay payload", zap.Error(err))
		return
	}
	if frame.Origin == r.origin {
		return
	}
	drawID := strings.TrimPrefix(msg.Channel, channelPrefix)

	reply := make(chan *draw.Room, 1)
	select {
	case h.Inbox() <- hub.GetRoom{DrawID: drawID, Reply: reply}:
	case <-ctx.Done():
		return
	}
	var rm *draw.Room
	select {
	case rm = <-reply:
	case <-ctx.Done():
		return
	}
	if rm == nil {
		return
	}

	select {
	case rm.Inbox() <- draw.Relayed{Env: draw.EnvelopeFromMessage(frame)}:
	case <-rm.Done():
	case <-ctx.Done():
	}
}
