package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	mutations   *prometheus.CounterVec
	conflicts   *prometheus.CounterVec
	transitions *prometheus.CounterVec
	cascades    *prometheus.CounterVec
	purged      prometheus.Counter
	deliveries  *prometheus.CounterVec

	cascadeRows *prometheus.HistogramVec
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		mutations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskgrid",
			Name:      "mutations_total",
			Help:      "Committed writes by entity and operation.",
		}, []string{"entity", "op"}),
		conflicts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskgrid",
			Name:      "concurrency_conflicts_total",
			Help:      "Writes refused because the presented stamp was stale.",
		}, []string{"entity"}),
		transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskgrid",
			Name:      "state_transitions_total",
			Help:      "Applied lifecycle transitions by entity and target state.",
		}, []string{"entity", "to"}),
		cascades: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskgrid",
			Name:      "cascade_deletes_total",
			Help:      "Subtree hard deletes by result.",
		}, []string{"result"}),
		purged: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "taskgrid",
			Name:      "purged_tasks_total",
			Help:      "Soft-deleted tasks removed by retention purge.",
		}),
		deliveries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskgrid",
			Name:      "webhook_deliveries_total",
			Help:      "Webhook POSTs by result.",
		}, []string{"result"}),
		cascadeRows: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskgrid",
			Name:      "cascade_rows",
			Help:      "Rows removed per subtree hard delete.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 1000},
		}, []string{"entity"}),
	}
})

func get() *metrics {
	return metricsSingleton()
}

func Mutation(entity, op string) {
	get().mutations.WithLabelValues(entity, op).Inc()
}

func Conflict(entity string) {
	get().conflicts.WithLabelValues(entity).Inc()
}

func Transition(entity, to string) {
	get().transitions.WithLabelValues(entity, to).Inc()
}

// Cascade records one subtree delete; rows is only observed on success.
func Cascade(ok bool, tasks, units, targets int) {
	m := get()
	if !ok {
		m.cascades.WithLabelValues("failed").Inc()
		return
	}
	m.cascades.WithLabelValues("ok").Inc()
	m.cascadeRows.WithLabelValues("task").Observe(float64(tasks))
	m.cascadeRows.WithLabelValues("task_unit").Observe(float64(units))
	m.cascadeRows.WithLabelValues("task_target").Observe(float64(targets))
}

func Purged(n int) {
	get().purged.Add(float64(n))
}

func WebhookDelivery(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	get().deliveries.WithLabelValues(result).Inc()
}

// ConflictCounter exposes the conflict series for assertions.
func ConflictCounter(entity string) prometheus.Counter {
	return get().conflicts.WithLabelValues(entity)
}

func CascadeCounter(result string) prometheus.Counter {
	return get().cascades.WithLabelValues(result)
}

func DeliveryCounter(result string) prometheus.Counter {
	return get().deliveries.WithLabelValues(result)
}
