// internal/pkg/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fulfillment"

var (
	// OrdersCreated 已受理的订单数，按商品规格区分
	OrdersCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_created_total",
		Help:      "Orders accepted by the gateway.",
	}, []string{"item_variant"})

	// OrdersFinished 结束的订单数，按终态区分
	OrdersFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_finished_total",
		Help:      "Orders that reached a terminal phase.",
	}, []string{"phase"})

	PhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "phase_duration_seconds",
		Help:      "Time from phase start until the gate released it.",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"phase"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "order_queue_depth",
		Help:      "Orders waiting for the orchestrator.",
	})

	GatePulses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gate_pulses_total",
		Help:      "Confirmation pulses seen by the gate, by outcome.",
	}, []string{"outcome"})

	ExecutorCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "executor_commands_total",
		Help:      "Commands sent to the robot worker, by type and result.",
	}, []string{"type", "result"})

	HubSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "hub_subscribers",
		Help:      "Currently connected event subscribers.",
	})

	HubDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hub_dropped_events_total",
		Help:      "Events dropped from slow subscriber queues.",
	})
)
