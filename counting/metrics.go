package counting

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var messagesHandled = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "countkeeper_messages_total",
	Help: "Number of messages handled, by verdict and reason",
}, []string{"verdict", "reason"})

var currentCount = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "countkeeper_current_count",
	Help: "Last accepted count (zero when uninitialized)",
})
