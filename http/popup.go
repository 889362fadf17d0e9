package http

import (
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/keychainkit/keychain-go/bus"
	"github.com/keychainkit/keychain-go/http/internal/helpers"
	"github.com/keychainkit/keychain-go/origin"
)

const maxEventBytes = 4 << 10

// popupPage frames the provider checkout and forwards its postMessage events
// to the events endpoint of the order.
var popupPage = template.Must(template.New("popup").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Complete your payment</title>
<style>html,body,iframe{margin:0;border:0;width:100%;height:100%}</style>
</head>
<body>
<iframe src="{{.PaymentLink}}" allow="payment"></iframe>
<script>
(function () {
  var endpoint = {{.EventsURL}};
  var provider = {{.ProviderOrigin}};
  var known = ["polling_success", "polling_error", "commit_error", "load_error", "cancel"];
  window.addEventListener("message", function (event) {
    if (event.origin !== provider || !event.data || known.indexOf(event.data.type) < 0) {
      return;
    }
    fetch(endpoint, {
      method: "POST",
      headers: {"Content-Type": "application/json"},
      body: JSON.stringify({type: event.data.type, data: event.data.data})
    });
    if (event.data.type === "cancel") {
      window.close();
    }
  });
})();
</script>
</body>
</html>
`))

type popupView struct {
	PaymentLink    string
	ProviderOrigin string
	EventsURL      string
}

// PopupOption configures a PopupHandler.
type PopupOption func(*PopupHandler)

// WithPopupLogger sets the logger.
func WithPopupLogger(logger *slog.Logger) PopupOption {
	return func(h *PopupHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithEventLimiter limits events per order.
func WithEventLimiter(l *KeyedLimiter) PopupOption {
	return func(h *PopupHandler) {
		h.limiter = l
	}
}

// WithProviders restricts payment links to the given provider hosts.
func WithProviders(providers origin.AllowedOriginSet) PopupOption {
	return func(h *PopupHandler) {
		h.providers = &providers
	}
}

// PopupHandler serves the card popup relay page and publishes the provider
// events it forwards onto the bus channel of the order.
type PopupHandler struct {
	bus       *bus.Bus
	limiter   *KeyedLimiter
	providers *origin.AllowedOriginSet
	logger    *slog.Logger
}

// NewPopupHandler creates a handler publishing to b.
func NewPopupHandler(b *bus.Bus, opts ...PopupOption) *PopupHandler {
	h := &PopupHandler{bus: b, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServePage handles GET /popup?paymentLink=…&orderId=….
func (h *PopupHandler) ServePage(w http.ResponseWriter, r *http.Request) {
	orderID := r.URL.Query().Get("orderId")
	if orderID == "" {
		helpers.SendError(w, http.StatusBadRequest, "INVALID_REQUEST", "orderId is required")
		return
	}

	link, err := url.Parse(r.URL.Query().Get("paymentLink"))
	if err != nil || link.Host == "" || (link.Scheme != "https" && !origin.IsLocalhost(link.String())) {
		helpers.SendError(w, http.StatusBadRequest, "INVALID_REQUEST", "paymentLink must be an https URL")
		return
	}
	if h.providers != nil && !h.providers.Contains(link.String()) {
		h.logger.Warn("payment link host not allowed", "host", link.Host, "order", orderID)
		helpers.SendError(w, http.StatusBadRequest, "INVALID_REQUEST", "payment provider not allowed")
		return
	}

	view := popupView{
		PaymentLink:    link.String(),
		ProviderOrigin: link.Scheme + "://" + link.Host,
		EventsURL:      "/popup/" + url.PathEscape(orderID) + "/events",
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Security-Policy", "frame-src "+view.ProviderOrigin)
	if err := popupPage.Execute(w, view); err != nil {
		h.logger.Error("failed to render popup page", "error", err)
	}
}

// EventResponse is the JSON body returned for a published event.
type EventResponse struct {
	Accepted  bool `json:"accepted"`
	Delivered int  `json:"delivered"`
}

// PublishEvent handles POST /popup/{orderId}/events. Messages of an unknown
// type are acknowledged but not published.
func (h *PopupHandler) PublishEvent(w http.ResponseWriter, r *http.Request, orderID string) {
	if orderID == "" {
		helpers.SendError(w, http.StatusBadRequest, "INVALID_REQUEST", "order id is required")
		return
	}
	if h.limiter != nil && !h.limiter.Allow(orderID) {
		w.Header().Set("Retry-After", "1")
		helpers.SendError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			helpers.SendError(w, http.StatusRequestEntityTooLarge, "INVALID_REQUEST", "event too large")
			return
		}
		helpers.SendError(w, http.StatusBadRequest, "INVALID_REQUEST", "failed to read event")
		return
	}

	msg, ok, err := bus.ParseMessage(raw)
	if err != nil {
		helpers.SendError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed event")
		return
	}

	resp := EventResponse{Accepted: ok}
	if ok {
		resp.Delivered = h.bus.Publish(bus.ChannelName(orderID), msg)
		h.logger.Info("popup event relayed", "order", orderID, "type", msg.Type, "delivered", resp.Delivered)
	} else {
		h.logger.Debug("ignoring unknown popup event", "order", orderID, "type", msg.Type)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(resp)
}
