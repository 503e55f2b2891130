// Package metrics exposes Prometheus collectors for the trading pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tradeloop_decisions_total", Help: "Decisions taken by outcome (approved|vetoed)"},
		[]string{"outcome"},
	)
	VetoesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tradeloop_vetoes_total", Help: "Failed approval gates"},
		[]string{"gate"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tradeloop_orders_total", Help: "Execution signals by final status"},
		[]string{"status"},
	)
	CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tradeloop_cycles_total", Help: "Cycles by outcome"},
		[]string{"outcome"},
	)
	ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tradeloop_errors_total", Help: "Raised error records"},
		[]string{"severity", "domain"},
	)

	VaultBalance = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "tradeloop_vault_balance_usd", Help: "Vault balance in USD"},
	)
	VaultReserved = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "tradeloop_vault_reserved_usd", Help: "Funds held by open reservations"},
	)
	VaultLocked = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "tradeloop_vault_locked", Help: "1 while the vault is locked"},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "tradeloop_queue_depth", Help: "Pending items per channel"},
		[]string{"channel"},
	)
)

func init() {
	prometheus.MustRegister(
		DecisionsTotal, VetoesTotal, OrdersTotal, CyclesTotal, ErrorsTotal,
		VaultBalance, VaultReserved, VaultLocked, QueueDepth,
	)
}

// Handler serves the default registry in the text exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBool sets a gauge to 1 or 0.
func SetBool(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
		return
	}
	g.Set(0)
}
