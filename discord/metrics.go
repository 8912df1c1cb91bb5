package discord

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var gatewayEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "discord_gateway_events_total",
	Help: "Number of gateway frames received, by opcode and dispatch type",
}, []string{"op", "type"})

var gatewayReconnects = promauto.NewCounter(prometheus.CounterOpts{
	Name: "discord_gateway_reconnects_total",
	Help: "Number of times the gateway connection was re-established",
})

var gatewaySeq = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "discord_gateway_seq",
	Help: "Last dispatch sequence number received",
})

var apiRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "discord_api_requests_total",
	Help: "Number of REST API requests, by method and HTTP status",
}, []string{"method", "status"})
