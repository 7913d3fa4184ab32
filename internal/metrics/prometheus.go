package metrics

import "github.com/prometheus/client_golang/prometheus"

// promCollectors mirrors a subset of the internal counters into a
// prometheus registry for hosts that want to scrape them, without putting
// prometheus on the hot path of Snapshot.
type promCollectors struct {
	pendingRPC           prometheus.Gauge
	pendingServerRequest prometheus.Gauge
	eventSinkDropped     prometheus.Counter
	broadcastSendFailed  prometheus.Counter
	sinkWriteErrors      prometheus.Counter
	sinkLatency          prometheus.Histogram
	unmatchedResponses   prometheus.Counter
}

func newPromCollectors(reg prometheus.Registerer) *promCollectors {
	c := &promCollectors{
		pendingRPC: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentcore",
			Name:      "pending_rpc_count",
			Help:      "Number of outbound RPC calls awaiting a response.",
		}),
		pendingServerRequest: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentcore",
			Name:      "pending_server_request_count",
			Help:      "Number of server-originated requests awaiting an application response.",
		}),
		eventSinkDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentcore",
			Name:      "event_sink_queue_dropped_total",
			Help:      "Events dropped because the event sink queue was full.",
		}),
		broadcastSendFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentcore",
			Name:      "broadcast_send_failed_total",
			Help:      "Live broadcast sends skipped because a subscriber's channel was full.",
		}),
		sinkWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentcore",
			Name:      "sink_write_errors_total",
			Help:      "Event sink writes that returned an error.",
		}),
		sinkLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agentcore",
			Name:      "sink_write_latency_seconds",
			Help:      "Event sink write latency in seconds.",
			Buckets:   []float64{100e-6, 250e-6, 500e-6, 1e-3, 2.5e-3, 5e-3, 10e-3},
		}),
		unmatchedResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentcore",
			Name:      "unmatched_responses_total",
			Help:      "Inbound responses whose id did not match any pending call.",
		}),
	}
	reg.MustRegister(
		c.pendingRPC,
		c.pendingServerRequest,
		c.eventSinkDropped,
		c.broadcastSendFailed,
		c.sinkWriteErrors,
		c.sinkLatency,
		c.unmatchedResponses,
	)
	return c
}
