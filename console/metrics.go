package console

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// The engine occasionally sends frames that fail to parse; they are
// dropped without logging for compatibility with observed behavior, so a
// counter is the only way to notice them.
var (
	framesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stray",
		Subsystem: "console",
		Name:      "frames_received_total",
		Help:      "Text frames received across all connections.",
	})
	framesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stray",
		Subsystem: "console",
		Name:      "frames_dropped_total",
		Help:      "Text frames discarded because they did not parse as a typed JSON object.",
	})
)
