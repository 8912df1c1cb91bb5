package moderator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var deletesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "countkeeper_deletes_total",
	Help: "Number of message deletions attempted, by result",
}, []string{"result"})

var deleteQueueDropped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "countkeeper_delete_queue_dropped",
	Help: "Number of deletions dropped because the queue was full",
})

var deleteQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "countkeeper_delete_queue_depth",
	Help: "Number of deletions waiting in the queue",
})
