// Package metrics exposes Prometheus counters and gauges for the trading
// engine. Everything registers in init() and is served at /metrics by the
// dashboard server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// TicksReceived counts market data ticks by delivery source
	// (websocket or polling).
	TicksReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_ticks_received_total",
			Help: "Market data ticks received",
		},
		[]string{"source"},
	)

	// StreamReconnects counts websocket reconnect attempts by outcome.
	StreamReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_stream_reconnects_total",
			Help: "Websocket reconnect attempts",
		},
		[]string{"outcome"}, // success|failure
	)

	// StreamMode is 1 for the active delivery mode and 0 for the other,
	// so dashboards can show fallback state as two flipped series.
	StreamMode = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bot_stream_mode",
			Help: "Active market data delivery mode",
		},
		[]string{"mode"}, // websocket|polling
	)

	// OrdersPlaced counts orders by mode and side.
	OrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_orders_total",
			Help: "Orders placed",
		},
		[]string{"mode", "action"},
	)

	// Adjustments counts adjustment cycles by outcome.
	Adjustments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_adjustments_total",
			Help: "Strangle adjustments",
		},
		[]string{"outcome"}, // adjusted|forced_exit|failed
	)

	// AdjustmentCount is the running adjustment count of the open trade.
	AdjustmentCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_adjustment_count",
			Help: "Adjustments made on the current trade",
		},
	)

	// OpenLegs is the number of open short legs (0, 1 mid-adjustment, or 2).
	OpenLegs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_open_legs",
			Help: "Open short legs",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TicksReceived,
		StreamReconnects,
		StreamMode,
		OrdersPlaced,
		Adjustments,
		AdjustmentCount,
		OpenLegs,
	)
}

// SetStreamMode flips the delivery mode gauge pair.
func SetStreamMode(mode string) {
	for _, m := range []string{"websocket", "polling"} {
		v := 0.0
		if m == mode {
			v = 1.0
		}
		StreamMode.WithLabelValues(m).Set(v)
	}
}
