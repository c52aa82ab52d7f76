package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	ModuleAsyncMysql = "asyncmysql"
)

// metrics labels.
const (
	LabelClient  = "client"
	LabelConnect = "connect"
	LabelFetch   = "fetch"
	LabelLoop    = "loop"

	LblType    = "type"
	LblResult  = "result"
	LblOutcome = "outcome"

	OutcomeSuccess = "ok"
	OutcomeFailure = "err"
)

// RetLabel returns "ok" when err == nil and "err" when err != nil.
// This could be useful when you need to observe the operation result.
func RetLabel(err error) string {
	if err == nil {
		return OutcomeSuccess
	}
	return OutcomeFailure
}

// RegisterClientMetrics registers every metric vector of this library with
// the default prometheus registry. Call once per process.
func RegisterClientMetrics() {
	prometheus.MustRegister(OperationCounter)
	prometheus.MustRegister(ConnectAttemptCounter)
	prometheus.MustRegister(ConnectOutcomeCounter)
	prometheus.MustRegister(ActiveConnectionsGauge)
	prometheus.MustRegister(ReusedSSLSessionCounter)
	prometheus.MustRegister(FetchedRowCounter)
	prometheus.MustRegister(ResultBytesCounter)
	prometheus.MustRegister(CallbackDelayGauge)
}
