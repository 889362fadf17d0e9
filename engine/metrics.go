package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/keychainkit/keychain-go"
)

const namespace = "keychain"

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	OrdersStarted   *prometheus.CounterVec
	OrdersTerminal  *prometheus.CounterVec
	StatusPolls     *prometheus.CounterVec
	SettleDuration  *prometheus.HistogramVec
	AbandonedOrders prometheus.Counter
	QuoteFailures   prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil
// registerer leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		OrdersStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_started_total",
			Help:      "Payment orders created, by rail.",
		}, []string{"rail"}),
		OrdersTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_terminal_total",
			Help:      "Payment orders that reached a terminal status.",
		}, []string{"rail", "status"}),
		StatusPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_status_polls_total",
			Help:      "Order status requests issued by polling loops.",
		}, []string{"loop"}),
		SettleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_duration_seconds",
			Help:      "Time from order creation to terminal status.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"rail", "status"}),
		AbandonedOrders: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_abandoned_total",
			Help:      "Orders whose payment window closed before a terminal status.",
		}),
		QuoteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quote_failures_total",
			Help:      "Fee quotes that failed after all retries.",
		}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.OrdersStarted, m.OrdersTerminal, m.StatusPolls, m.SettleDuration, m.AbandonedOrders, m.QuoteFailures,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeSnapshot(prev keychain.OrderStatus, snap keychain.OrderSnapshot) {
	if m == nil || prev.Terminal() || !snap.Status.Terminal() {
		return
	}
	rail, status := string(snap.Rail), string(snap.Status)
	m.OrdersTerminal.WithLabelValues(rail, status).Inc()
	m.SettleDuration.WithLabelValues(rail, status).Observe(snap.UpdatedAt.Sub(snap.CreatedAt).Seconds())
}
