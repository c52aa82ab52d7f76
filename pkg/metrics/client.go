package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OperationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ModuleAsyncMysql,
			Subsystem: LabelClient,
			Name:      "operation_total",
			Help:      "Counter of completed operations by type and result.",
		}, []string{LblType, LblResult})

	ConnectAttemptCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ModuleAsyncMysql,
			Subsystem: LabelConnect,
			Name:      "attempt_total",
			Help:      "Counter of connect attempts by outcome.",
		}, []string{LblOutcome})

	ConnectOutcomeCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ModuleAsyncMysql,
			Subsystem: LabelConnect,
			Name:      "outcome_total",
			Help:      "Counter of connect operation outcomes.",
		}, []string{LblResult})

	ActiveConnectionsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: ModuleAsyncMysql,
			Subsystem: LabelClient,
			Name:      "active_connections",
			Help:      "Number of connections counted as active in the client.",
		})

	ReusedSSLSessionCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: ModuleAsyncMysql,
			Subsystem: LabelConnect,
			Name:      "reused_ssl_session_total",
			Help:      "Counter of TLS sessions stored for reuse.",
		})

	FetchedRowCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: ModuleAsyncMysql,
			Subsystem: LabelFetch,
			Name:      "row_total",
			Help:      "Counter of rows fetched.",
		})

	ResultBytesCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: ModuleAsyncMysql,
			Subsystem: LabelFetch,
			Name:      "result_bytes_total",
			Help:      "Best effort counter of result payload bytes.",
		})

	CallbackDelayGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: ModuleAsyncMysql,
			Subsystem: LabelLoop,
			Name:      "callback_delay_micros",
			Help:      "Average queue-to-run delay of loop tasks in micros.",
		})
)
