package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/keychainkit/keychain-go"
	"github.com/keychainkit/keychain-go/http/internal/helpers"
)

// OrderReader loads order snapshots. store.OrderStore implements it.
type OrderReader interface {
	Get(ctx context.Context, id string) (keychain.OrderSnapshot, error)
}

// OrderHandler serves order snapshots to the embedding page.
type OrderHandler struct {
	Orders OrderReader
	Logger *slog.Logger
}

// ServeOrder handles GET /orders/{orderId}.
func (h *OrderHandler) ServeOrder(w http.ResponseWriter, r *http.Request, orderID string) {
	snap, err := h.Orders.Get(r.Context(), orderID)
	switch {
	case errors.Is(err, keychain.ErrOrderNotFound):
		helpers.SendError(w, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found")
		return
	case err != nil:
		logger := h.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Error("failed to load order", "order", orderID, "error", err)
		helpers.SendError(w, http.StatusInternalServerError, "INTERNAL", "failed to load order")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(snap)
}

// ServeVerification handles GET /origin, reporting the gate's verdict for
// the calling page. It must run behind NewOriginGate.
func ServeVerification(w http.ResponseWriter, r *http.Request) {
	v, _ := VerificationFromContext(r.Context())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
