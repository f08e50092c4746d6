package interceptor

import (
	"sync/atomic"

	vm "github.com/VictoriaMetrics/metrics"

	"github.com/safing/portgate/service/flow"
)

var (
	flowsAllowed  = vm.GetOrCreateCounter(`portgate_flows_total{verdict="allow"}`)
	flowsDropped  = vm.GetOrCreateCounter(`portgate_flows_total{verdict="drop"}`)
	flowsFailOpen = vm.GetOrCreateCounter(`portgate_flows_failopen_total`)

	pendingFlows atomic.Int64
	_            = vm.GetOrCreateGauge(`portgate_flows_pending`, func() float64 {
		return float64(pendingFlows.Load())
	})
)

func countVerdict(v flow.Verdict) {
	if v == flow.VerdictAllow {
		flowsAllowed.Inc()
	} else {
		flowsDropped.Inc()
	}
}
