package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/rafflelive/raffle-backend/internal/hub"
	"github.com/rafflelive/raffle-backend/internal/store"
	"github.com/rafflelive/raffle-backend/internal/ws"
)

func SetupRoutes(h *hub.Hub, st *store.Store, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := chi.NewRouter()

	r.Post("/draws", CreateDraw(h, st, logger))
	r.Delete("/draws/{drawID}", DeleteDraw(h, st, logger))
	r.Get("/draws/{drawID}/numbers", Snapshot(h))
	r.Post("/draws/{drawID}/reservations/{reservationID}/checkout", Checkout(h))
	r.Post("/draws/{drawID}/reservations/{reservationID}/confirm", Confirm(h))
	r.Post("/draws/{drawID}/reservations/{reservationID}/cancel", Cancel(h))
	r.Get("/healthz", Healthz)
	r.Get("/ws", ws.Handler(h, logger))
	return r
}
