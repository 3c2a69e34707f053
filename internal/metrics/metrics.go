// Package metrics define los collectors Prometheus del keeper.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "keeper"

// Keeper agrupa los collectors del keeper. Los métodos helper son nil-safe.
type Keeper struct {
	ETHBalance    prometheus.Gauge
	WalletBalance *prometheus.GaugeVec
	LastBlock     prometheus.Gauge

	PricesPushed       prometheus.Histogram
	PricePushesFailed  prometheus.Counter
	PricePushesSkipped prometheus.Counter

	OrderCommitted        prometheus.Counter
	OrdersSettled         prometheus.Counter
	OrdersFailed          prometheus.Counter
	OrdersSettledByOthers prometheus.Counter
	OrdersExpired         prometheus.Counter
	SettlementsDropped    prometheus.Counter

	ActiveAccounts        prometheus.Gauge
	LiquidatableAccounts  prometheus.Gauge
	LiquidationsSubmitted prometheus.Counter
	LiquidationsFailed    prometheus.Counter

	Swaps        *prometheus.CounterVec
	TaskDuration *prometheus.HistogramVec
	TaskSkipped  *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New crea y registra los collectors en reg. Con reg nil usa un registry propio,
// así los tests no chocan con el registry global.
func New(reg *prometheus.Registry) *Keeper {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Keeper{
		ETHBalance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "eth_balance",
			Help:      "Native gas token balance of the keeper wallet.",
		}),
		WalletBalance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "wallet_balance",
			Help:      "Idle token balances along the treasury route.",
		}, []string{"asset"}),
		LastBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_block",
			Help:      "Number of the last block observed by the scheduler.",
		}),
		PricesPushed: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prices_pushed",
			Help:      "Number of price feeds pushed per update transaction.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32},
		}),
		PricePushesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_pushes_failed",
			Help:      "Price update transactions that failed or reverted.",
		}),
		PricePushesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_pushes_skipped",
			Help:      "Price updates skipped because the estimated cost exceeded the ceiling.",
		}),
		OrderCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_committed",
			Help:      "Order commitment events received.",
		}),
		OrdersSettled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_settled",
			Help:      "Orders settled by this keeper.",
		}),
		OrdersFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_failed",
			Help:      "Settlement attempts that failed or reverted.",
		}),
		OrdersSettledByOthers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_settled_by_others",
			Help:      "Commitments already settled when re-read.",
		}),
		OrdersExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_expired",
			Help:      "Commitments whose settlement window expired before acting.",
		}),
		SettlementsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_dropped",
			Help:      "Commitments dropped because the settlement queue was full.",
		}),
		ActiveAccounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_accounts",
			Help:      "Accounts with collateral above the materiality threshold.",
		}),
		LiquidatableAccounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "liquidatable_accounts",
			Help:      "Accounts found liquidatable in the last scan.",
		}),
		LiquidationsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidations_submitted",
			Help:      "Liquidation transactions submitted.",
		}),
		LiquidationsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidations_failed",
			Help:      "Liquidation attempts that failed.",
		}),
		Swaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "treasury_hops_total",
			Help:      "Treasury hop transactions segmented by hop kind and outcome.",
		}, []string{"kind", "outcome"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Duration of block-cadence tasks.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task", "outcome"}),
		TaskSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_skipped_total",
			Help:      "Cadence triggers skipped because the previous run was still in flight.",
		}, []string{"task"}),
		gatherer: reg,
	}
	reg.MustRegister(
		m.ETHBalance, m.WalletBalance, m.LastBlock,
		m.PricesPushed, m.PricePushesFailed, m.PricePushesSkipped,
		m.OrderCommitted, m.OrdersSettled, m.OrdersFailed, m.OrdersSettledByOthers, m.OrdersExpired, m.SettlementsDropped,
		m.ActiveAccounts, m.LiquidatableAccounts, m.LiquidationsSubmitted, m.LiquidationsFailed,
		m.Swaps, m.TaskDuration, m.TaskSkipped,
	)
	return m
}

// Handler expone el registry en formato Prometheus.
func (m *Keeper) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveTask registra la duración de una tarea de cadencia.
func (m *Keeper) ObserveTask(task string, err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.TaskDuration.WithLabelValues(task, outcome).Observe(d.Seconds())
}

// SkipTask cuenta un trigger descartado.
func (m *Keeper) SkipTask(task string) {
	if m == nil {
		return
	}
	m.TaskSkipped.WithLabelValues(task).Inc()
}

// ObserveHop cuenta una tx de la ruta de tesorería.
func (m *Keeper) ObserveHop(kind string, ok bool) {
	if m == nil {
		return
	}
	outcome := "confirmed"
	if !ok {
		outcome = "failed"
	}
	m.Swaps.WithLabelValues(kind, outcome).Inc()
}

// SetWalletBalance actualiza el gauge de saldo de un asset.
func (m *Keeper) SetWalletBalance(asset string, v float64) {
	if m == nil {
		return
	}
	m.WalletBalance.WithLabelValues(asset).Set(v)
}
