package trader

import "github.com/prometheus/client_golang/prometheus"

var (
	mtxTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridbot_ticks_total",
			Help: "Price ticks received, by outcome (processed|skipped|failed)",
		},
		[]string{"outcome"},
	)

	mtxOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridbot_orders_total",
			Help: "Market orders sent to the exchange, by side and result",
		},
		[]string{"side", "result"},
	)

	mtxTrades = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridbot_trades_total",
			Help: "Trade transitions (bought|sold|forced_close)",
		},
		[]string{"event"},
	)

	mtxBuyDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridbot_buy_decisions_total",
			Help: "Buy opportunities found by the evaluator, by reason",
		},
		[]string{"reason"},
	)

	mtxRealisedPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gridbot_realised_pnl_quote",
			Help: "Realised profit/loss of trades sold since process start, in quote currency",
		},
	)

	mtxRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gridbot_running",
			Help: "1 while the engine is subscribed to a price stream",
		},
	)

	mtxCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gridbot_order_cache_entries",
			Help: "Open trades currently held in the order cache",
		},
	)

	mtxBuyPaused = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gridbot_buy_paused",
			Help: "1 while buying is paused for insufficient balance",
		},
	)
)

func init() {
	prometheus.MustRegister(
		mtxTicks,
		mtxOrders,
		mtxTrades,
		mtxBuyDecisions,
		mtxRealisedPnL,
		mtxRunning,
		mtxCacheSize,
		mtxBuyPaused,
	)
}

func boolGauge(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
		return
	}
	g.Set(0)
}
