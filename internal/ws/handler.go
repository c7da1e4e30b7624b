package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rafflelive/raffle-backend/internal/draw"
	"github.com/rafflelive/raffle-backend/internal/engine"
	"github.com/rafflelive/raffle-backend/internal/hub"
	"github.com/rafflelive/raffle-backend/pkg/types"
)

const writeTimeout = 3 * time.Second

// Handler upgrades a viewer to the draw's event stream and accepts
// reservation commands over the same connection. Identity comes from the
// X-User-ID header installed by the auth collaborator; it is trusted here.
func Handler(h *hub.Hub, logger *zap.Logger) http.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("ws")

	return func(w http.ResponseWriter, r *http.Request) {
		drawID := r.URL.Query().Get("draw")
		if drawID == "" {
			http.Error(w, "missing draw", http.StatusBadRequest)
			return
		}
		userID := r.Header.Get("X-User-ID")

		reply := make(chan *draw.Room, 1)
		h.Inbox() <- hub.EnsureRoom{DrawID: drawID, Reply: reply}
		rm := <-reply
		if rm == nil {
			http.Error(w, "draw not found", http.StatusNotFound)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		out := make(chan draw.Envelope, 16)
		clientID := uuid.NewString()

		select {
		case rm.Inbox() <- draw.Join{ClientID: clientID, Outbox: out}:
		case <-rm.Done():
			return
		}
		defer func() {
			select {
			case rm.Inbox() <- draw.Leave{ClientID: clientID}:
			case <-rm.Done():
			}
		}()
		log.Debug("viewer connected", zap.String("draw_id", drawID), zap.String("client_id", clientID))

		// Writer goroutine: fan committed envelopes to this subscriber.
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for {
				select {
				case env, ok := <-out:
					if !ok {
						// The room dropped us (lagging stream) or shut down.
						// Close so the client's read errors and its session
						// reconnects with a fresh snapshot.
						_ = conn.Close(websocket.StatusPolicyViolation, "event stream closed")
						return
					}
					payload, _ := json.Marshal(env.Message())
					ctx, cancel := context.WithTimeout(writeCtx, writeTimeout)
					_ = conn.Write(ctx, websocket.MessageText, payload)
					cancel()
				case <-writeCtx.Done():
					return
				}
			}
		}()

		// Reader loop. No idle deadline: a viewer may sit on the grid for
		// the whole selection window without sending anything.
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					return
				}
				return
			}

			var cm types.ClientMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				writeFrame(r.Context(), conn, types.ServerMessage{Type: "Error", Code: "bad_request", Error: "bad json"})
				continue
			}

			cmd, ok := toCommand(cm, userID)
			if !ok {
				writeFrame(r.Context(), conn, types.ServerMessage{Type: "Error", Code: "bad_request", Error: "unknown type"})
				continue
			}
			if userID == "" {
				writeFrame(r.Context(), conn, types.ServerMessage{Type: "Error", Code: "unauthenticated", Error: "missing user identity"})
				continue
			}

			result := rm.Execute(cmd)

			if result.Err != nil {
				writeFrame(r.Context(), conn, types.ServerMessage{
					Type:   "Error",
					DrawID: drawID,
					Code:   ErrorCode(result.Err),
					Error:  result.Err.Error(),
				})
				continue
			}
			writeFrame(r.Context(), conn, types.ServerMessage{
				Type:        "Ack",
				DrawID:      drawID,
				Version:     result.Version,
				Reservation: draw.ReservationInfo(drawID, result.Reservation),
			})
		}
	}
}

func toCommand(m types.ClientMessage, userID string) (engine.Command, bool) {
	switch m.Type {
	case "SelectNumber":
		return engine.Command{Type: engine.CmdSelectNumber, UserID: userID, NumberID: m.NumberID}, true
	case "DeselectNumber":
		return engine.Command{Type: engine.CmdDeselectNumber, UserID: userID, ReservationID: m.ReservationID, NumberID: m.NumberID}, true
	case "AdvanceToCheckout":
		return engine.Command{Type: engine.CmdAdvanceToCheckout, UserID: userID, ReservationID: m.ReservationID}, true
	case "Cancel":
		return engine.Command{Type: engine.CmdCancel, UserID: userID, ReservationID: m.ReservationID}, true
	default:
		return engine.Command{}, false
	}
}

// ErrorCode maps engine errors to stable wire codes.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		return "not_found"
	case errors.Is(err, engine.ErrConflict):
		return "conflict"
	case errors.Is(err, engine.ErrForbidden):
		return "forbidden"
	case errors.Is(err, engine.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, engine.ErrExpired):
		return "expired"
	case errors.Is(err, draw.ErrNotOwner):
		return "not_owner"
	default:
		return "internal"
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, msg types.ServerMessage) {
	payload, _ := json.Marshal(msg)
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_ = conn.Write(wctx, websocket.MessageText, payload)
}
