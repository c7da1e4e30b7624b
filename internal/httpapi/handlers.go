package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rafflelive/raffle-backend/internal/draw"
	"github.com/rafflelive/raffle-backend/internal/engine"
	"github.com/rafflelive/raffle-backend/internal/hub"
	"github.com/rafflelive/raffle-backend/internal/store"
	"github.com/rafflelive/raffle-backend/pkg/types"
)

type createDrawRequest struct {
	Name        string `json:"name"`
	TicketPrice int64  `json:"ticket_price"`
	NumberCount int    `json:"number_count"`
}

// CreateDraw publishes a draw with numbers 1..number_count, all available.
func CreateDraw(h *hub.Hub, st *store.Store, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createDrawRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.NumberCount <= 0 || req.TicketPrice < 0 {
			http.Error(w, "invalid draw parameters", http.StatusBadRequest)
			return
		}

		drawID := uuid.NewString()
		state := engine.NewState(drawID, req.TicketPrice, req.NumberCount)

		if st != nil {
			if err := st.CreateDraw(r.Context(), req.Name, state); err != nil {
				logger.Error("create draw failed", zap.Error(err))
				http.Error(w, "failed to create draw", http.StatusInternalServerError)
				return
			}
		}

		reply := make(chan *draw.Room, 1)
		h.Inbox() <- hub.CreateRoom{DrawID: drawID, State: state, Reply: reply}
		if <-reply == nil {
			http.Error(w, "failed to create draw", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusCreated, struct {
			DrawID string `json:"draw_id"`
		}{DrawID: drawID})
	}
}

// DeleteDraw unpublishes a draw: its room shuts down (closing every
// subscriber stream) and its number pool is destroyed.
func DeleteDraw(h *hub.Hub, st *store.Store, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		drawID := chi.URLParam(r, "drawID")
		if _, ok := roomFor(h, drawID); !ok {
			http.Error(w, "draw not found", http.StatusNotFound)
			return
		}
		h.Inbox() <- hub.RemoveRoom{DrawID: drawID}
		if st != nil {
			if err := st.DeleteDraw(r.Context(), drawID); err != nil {
				logger.Error("delete draw failed", zap.Error(err))
				http.Error(w, "failed to delete draw", http.StatusInternalServerError)
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// Snapshot serves the consistent point-in-time read a client needs right
// after opening its event stream.
func Snapshot(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rm, ok := roomFor(h, chi.URLParam(r, "drawID"))
		if !ok {
			http.Error(w, "draw not found", http.StatusNotFound)
			return
		}

		snap, ok := rm.Snapshot()
		if !ok {
			http.Error(w, "draw not found", http.StatusNotFound)
			return
		}

		resp := types.SnapshotResponse{
			DrawID:  snap.DrawID,
			Version: snap.Version,
			Origin:  snap.Origin,
			Numbers: make([]types.NumberInfo, 0, len(snap.Numbers)),
		}
		for _, n := range snap.Numbers {
			resp.Numbers = append(resp.Numbers, types.NumberInfo{
				ID:     n.ID,
				Label:  n.Label,
				Status: string(n.Status),
				Holder: n.Holder,
			})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// Checkout advances the caller's reservation into the checkout phase.
func Checkout(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User-ID")
		if userID == "" {
			http.Error(w, "missing user identity", http.StatusUnauthorized)
			return
		}
		runCommand(w, r, h, engine.Command{
			Type:          engine.CmdAdvanceToCheckout,
			UserID:        userID,
			ReservationID: chi.URLParam(r, "reservationID"),
		})
	}
}

// Confirm is the payment collaborator's callback after capturing funds.
// Retried callbacks return the existing result.
func Confirm(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runCommand(w, r, h, engine.Command{
			Type:          engine.CmdConfirm,
			ReservationID: chi.URLParam(r, "reservationID"),
		})
	}
}

// Cancel releases every number the reservation holds.
func Cancel(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User-ID")
		if userID == "" {
			http.Error(w, "missing user identity", http.StatusUnauthorized)
			return
		}
		runCommand(w, r, h, engine.Command{
			Type:          engine.CmdCancel,
			UserID:        userID,
			ReservationID: chi.URLParam(r, "reservationID"),
		})
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func runCommand(w http.ResponseWriter, r *http.Request, h *hub.Hub, cmd engine.Command) {
	rm, ok := roomFor(h, chi.URLParam(r, "drawID"))
	if !ok {
		http.Error(w, "draw not found", http.StatusNotFound)
		return
	}

	result := rm.Execute(cmd)
	if result.Err != nil {
		http.Error(w, result.Err.Error(), statusFor(result.Err))
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Version     int                    `json:"version"`
		Reservation *types.ReservationInfo `json:"reservation,omitempty"`
	}{
		Version:     result.Version,
		Reservation: draw.ReservationInfo(rm.DrawID(), result.Reservation),
	})
}

func roomFor(h *hub.Hub, drawID string) (*draw.Room, bool) {
	if drawID == "" {
		return nil, false
	}
	reply := make(chan *draw.Room, 1)
	h.Inbox() <- hub.EnsureRoom{DrawID: drawID, Reply: reply}
	rm := <-reply
	return rm, rm != nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, engine.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrInvalidState):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrExpired):
		return http.StatusGone
	case errors.Is(err, draw.ErrNotOwner):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
