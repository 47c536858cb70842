package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveServices         = promauto.NewGauge(prometheus.GaugeOpts{Name: "stagedoor_active_services", Help: "Currently registered services"})
	InflightRequests       = promauto.NewGauge(prometheus.GaugeOpts{Name: "stagedoor_inflight_requests", Help: "Client requests between admission and relay completion"})
	ClientConnsTotal       = promauto.NewCounter(prometheus.CounterOpts{Name: "stagedoor_client_conns_total", Help: "Client connections accepted on public endpoints"})
	RegistrationsTotal     = promauto.NewCounter(prometheus.CounterOpts{Name: "stagedoor_registrations_total", Help: "Completed daemon registrations"})
	RelaysEstablishedTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "stagedoor_relays_established_total", Help: "Connection pairs handed to relay workers"})
	HandshakeFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "stagedoor_handshake_failures_total", Help: "Per-request handshake failures by reason"}, []string{"reason"})
	RelayDurationSeconds   = promauto.NewHistogram(prometheus.HistogramOpts{Name: "stagedoor_relay_duration_seconds", Help: "Relay lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
	RelayedBytesTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "stagedoor_relayed_bytes_total", Help: "Bytes relayed by direction"}, []string{"direction"})
)
