// Package metrics exposes Prometheus instrumentation for the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pokering_sessions_active",
		Help: "Current number of active sessions.",
	})
	MaxSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pokering_sessions_max",
		Help: "Maximum allowed sessions.",
	})
	MembersTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pokering_users_total",
		Help: "Total members across all sessions.",
	})
	SessionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pokering_sessions_expired_total",
		Help: "Sessions evicted by the expiry sweeper.",
	})

	// Lifecycle metrics
	JoinsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pokering_joins_rejected_total",
		Help: "Join attempts rejected, by reason.",
	}, []string{"reason"})
	VotesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pokering_votes_accepted_total",
		Help: "Votes recorded against a deck value or the abstain marker.",
	})
	CountdownsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pokering_countdowns_started_total",
		Help: "Reveal countdowns launched.",
	})
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pokering_rate_limited_total",
		Help: "Actions denied by the rate limiter, by action.",
	}, []string{"action"})

	// WebSocket metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pokering_ws_connections_active",
		Help: "Current number of active WebSocket connections.",
	})
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pokering_ws_connections_total",
		Help: "Total WebSocket connections accepted.",
	})
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pokering_ws_messages_sent_total",
		Help: "Messages written to clients.",
	})
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pokering_ws_messages_received_total",
		Help: "Messages read from clients.",
	})
)
