package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	LiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_live_sessions",
			Help: "Number of authenticated sessions currently bound in the registry.",
		},
	)

	MessagesRelayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_messages_relayed_total",
			Help: "Messages accepted for relay.",
		},
	)

	LivePushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_live_pushes_total",
			Help: "Live push attempts by outcome (sent, offline, failed).",
		},
		[]string{"outcome"},
	)

	AcksReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_acks_total",
			Help: "Ack frames by outcome (resolved, ignored).",
		},
		[]string{"outcome"},
	)

	AckTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_ack_timeouts_total",
			Help: "Messages moved to the offline queue after the ack deadline.",
		},
	)

	QueueErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_queue_errors_total",
			Help: "Failed reads or writes against the offline queue store.",
		},
	)

	QueueDrained = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_queue_drained_total",
			Help: "Queued messages delivered on reconnect.",
		},
	)

	AuthResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_auth_total",
			Help: "Websocket authentication attempts by result.",
		},
		[]string{"result"},
	)

	TypingSignals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_typing_signals_total",
			Help: "Typing signals by outcome (forwarded, dropped).",
		},
		[]string{"outcome"},
	)

	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_rate_limited_frames_total",
			Help: "Frames rejected by the per-identity rate limiter.",
		},
	)
)

func init() {
	prometheus.MustRegister(LiveSessions)
	prometheus.MustRegister(MessagesRelayed)
	prometheus.MustRegister(LivePushes)
	prometheus.MustRegister(AcksReceived)
	prometheus.MustRegister(AckTimeouts)
	prometheus.MustRegister(QueueErrors)
	prometheus.MustRegister(QueueDrained)
	prometheus.MustRegister(AuthResults)
	prometheus.MustRegister(TypingSignals)
	prometheus.MustRegister(RateLimited)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
