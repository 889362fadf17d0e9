package chi

import (
	"log/slog"
	"net/http"

	chirouter "github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpkeychain "github.com/keychainkit/keychain-go/http"
)

// RouterConfig wires the keychain HTTP surface.
type RouterConfig struct {
	// Gate guards the routes the embedding page calls.
	Gate *httpkeychain.Config

	// Orders serves GET /orders/{orderID}. Nil disables the route.
	Orders httpkeychain.OrderReader

	// Popup serves the card popup relay. Nil disables the routes.
	Popup *httpkeychain.PopupHandler

	// Gatherer serves GET /metrics. Nil disables the route.
	Gatherer prometheus.Gatherer

	Logger *slog.Logger
}

// NewRouter builds the keychain's routes:
//
//	GET  /healthz
//	GET  /metrics
//	GET  /popup?paymentLink=…&orderId=…
//	POST /popup/{orderID}/events
//	GET  /origin               (origin gate)
//	GET  /orders/{orderID}     (origin gate)
func NewRouter(cfg RouterConfig) http.Handler {
	r := chirouter.NewRouter()
	r.Use(chimiddleware.RequestID, chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	if cfg.Popup != nil {
		r.Get("/popup", cfg.Popup.ServePage)
		r.Post("/popup/{orderID}/events", func(w http.ResponseWriter, r *http.Request) {
			cfg.Popup.PublishEvent(w, r, chirouter.URLParam(r, "orderID"))
		})
	}

	gate := cfg.Gate
	if gate == nil {
		gate = &httpkeychain.Config{Strict: true}
	}
	r.Group(func(r chirouter.Router) {
		r.Use(NewChiOriginGate(gate))
		r.Get("/origin", httpkeychain.ServeVerification)
		if cfg.Orders != nil {
			orders := &httpkeychain.OrderHandler{Orders: cfg.Orders, Logger: cfg.Logger}
			r.Get("/orders/{orderID}", func(w http.ResponseWriter, r *http.Request) {
				orders.ServeOrder(w, r, chirouter.URLParam(r, "orderID"))
			})
		}
	})

	return r
}
