package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors shared by the request ledger, the machine and
// the simulated homeserver. Each instance owns its own registry so several
// devices can live in one process.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsCreated    *prometheus.CounterVec
	RequestsResolved   *prometheus.CounterVec
	ResolutionRejected *prometheus.CounterVec
	RequestsPending    prometheus.Gauge

	DecryptionFailures *prometheus.CounterVec
	KeysWithheld       *prometheus.CounterVec

	OneTimeKeysClaimed   prometheus.Counter
	OneTimeKeysExhausted prometheus.Counter
	ToDeviceDelivered    prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		RequestsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "e2ee_outgoing_requests_created_total",
				Help: "Number of outgoing requests added to the ledger",
			},
			[]string{"kind"},
		),
		RequestsResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "e2ee_outgoing_requests_resolved_total",
				Help: "Number of outgoing requests acknowledged with a response",
			},
			[]string{"kind"},
		),
		ResolutionRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "e2ee_outgoing_requests_rejected_total",
				Help: "Number of responses that did not match a pending request",
			},
			[]string{"reason"},
		),
		RequestsPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "e2ee_outgoing_requests_pending",
				Help: "Number of outgoing requests awaiting a response",
			},
		),
		DecryptionFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "e2ee_decryption_failures_total",
				Help: "Number of events that could not be decrypted",
			},
			[]string{"code"},
		),
		KeysWithheld: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "e2ee_room_keys_withheld_total",
				Help: "Number of devices a room key was withheld from",
			},
			[]string{"code"},
		),
		OneTimeKeysClaimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "homeserver_one_time_keys_claimed_total",
				Help: "Number of one-time keys handed out by the key directory",
			},
		),
		OneTimeKeysExhausted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "homeserver_one_time_keys_exhausted_total",
				Help: "Number of claims for devices without any key left",
			},
		),
		ToDeviceDelivered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "homeserver_to_device_messages_total",
				Help: "Number of to-device messages queued for delivery",
			},
		),
	}
	m.Registry.MustRegister(
		m.RequestsCreated,
		m.RequestsResolved,
		m.ResolutionRejected,
		m.RequestsPending,
		m.DecryptionFailures,
		m.KeysWithheld,
		m.OneTimeKeysClaimed,
		m.OneTimeKeysExhausted,
		m.ToDeviceDelivered,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
