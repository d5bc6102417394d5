// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the bridge's Prometheus collectors. Each Bridge owns its own
// registry so tests and multiple bridges in one process never collide.
type Metrics struct {
	Registry *prometheus.Registry

	remoteEvents *prometheus.CounterVec
	matrixEvents *prometheus.CounterVec
	sentMessages *prometheus.CounterVec
	apiCalls     *prometheus.CounterVec
	apiDuration  *prometheus.HistogramVec
	rooms        *prometheus.GaugeVec
	activeRooms  *prometheus.GaugeVec
	activeUsers  *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		remoteEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slackbridge_remote_events_total",
			Help: "Slack events handled, by type, outcome and delivery source.",
		}, []string{"type", "outcome", "source"}),
		matrixEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slackbridge_matrix_events_total",
			Help: "Matrix events handled, by type and outcome.",
		}, []string{"type", "outcome"}),
		sentMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slackbridge_sent_messages_total",
			Help: "Messages sent, by destination side.",
		}, []string{"side"}),
		apiCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slackbridge_remote_api_calls_total",
			Help: "Slack Web API calls, by method and result.",
		}, []string{"method", "result"}),
		apiDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "slackbridge_remote_api_call_duration_seconds",
			Help:    "Slack Web API call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		rooms: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "slackbridge_rooms",
			Help: "Bridged rooms, by kind and status.",
		}, []string{"kind", "status"}),
		activeRooms: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "slackbridge_active_rooms",
			Help: "Rooms with activity in the last day, by team.",
		}, []string{"team"}),
		activeUsers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "slackbridge_active_users",
			Help: "Ghosts with activity in the last day, by team.",
		}, []string{"team"}),
	}
	m.Registry.MustRegister(
		m.remoteEvents, m.matrixEvents, m.sentMessages,
		m.apiCalls, m.apiDuration,
		m.rooms, m.activeRooms, m.activeUsers,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) RemoteEvent(evtType string, outcome EventOutcome, source EventSource) {
	m.remoteEvents.WithLabelValues(evtType, string(outcome), string(source)).Inc()
}

func (m *Metrics) MatrixEvent(evtType, outcome string) {
	m.matrixEvents.WithLabelValues(evtType, outcome).Inc()
}

// MessageSent counts one message delivered to side ("matrix" or "slack").
func (m *Metrics) MessageSent(side string) {
	m.sentMessages.WithLabelValues(side).Inc()
}

// ObserveCall is a CallObserver that records call counts and latency.
func (m *Metrics) ObserveCall(_ context.Context, method string) func(error) {
	start := time.Now()
	return func(err error) {
		result := "ok"
		if err != nil {
			result = "error"
		}
		m.apiCalls.WithLabelValues(method, result).Inc()
		m.apiDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}
}

// SetRoomCounts replaces the room gauge with counts keyed by kind and status.
func (m *Metrics) SetRoomCounts(counts map[[2]string]int) {
	m.rooms.Reset()
	for key, n := range counts {
		m.rooms.WithLabelValues(key[0], key[1]).Set(float64(n))
	}
}

func (m *Metrics) SetActive(rooms, users map[string]int) {
	m.activeRooms.Reset()
	for team, n := range rooms {
		m.activeRooms.WithLabelValues(team).Set(float64(n))
	}
	m.activeUsers.Reset()
	for team, n := range users {
		m.activeUsers.WithLabelValues(team).Set(float64(n))
	}
}
