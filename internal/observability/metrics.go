package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce         sync.Once
	feedEventsTotal      *prometheus.CounterVec
	feedEventsDropped    *prometheus.CounterVec
	messagesSentTotal    *prometheus.CounterVec
	lifecycleTransitions *prometheus.CounterVec
	resyncsTotal         prometheus.Counter
	presenceWritesTotal  prometheus.Counter
)

// RegisterMetrics initialises the Prometheus collectors used by the engine.
func RegisterMetrics() {
	registerOnce.Do(func() {
		feedEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomlive_feed_events_total",
			Help: "Total number of change-feed events applied to the entity store.",
		}, []string{"table", "type"})

		feedEventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomlive_feed_events_dropped_total",
			Help: "Total number of change-feed events dropped before application.",
		}, []string{"reason"})

		messagesSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomlive_messages_sent_total",
			Help: "Total number of messages sent through the synchronizer.",
		}, []string{"type"})

		lifecycleTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomlive_lifecycle_transitions_total",
			Help: "Total number of room lifecycle phase transitions.",
		}, []string{"phase"})

		resyncsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomlive_resyncs_total",
			Help: "Total number of full resynchronization fetches after feed gaps.",
		})

		presenceWritesTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomlive_presence_writes_total",
			Help: "Total number of last-activity presence writes.",
		})

		prometheus.MustRegister(feedEventsTotal, feedEventsDropped, messagesSentTotal,
			lifecycleTransitions, resyncsTotal, presenceWritesTotal)
	})
}

// FeedEvents exposes the counter for applied change-feed events.
func FeedEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return feedEventsTotal
}

// FeedEventsDropped exposes the counter for dropped change-feed events.
func FeedEventsDropped() *prometheus.CounterVec {
	RegisterMetrics()
	return feedEventsDropped
}

// MessagesSent exposes the counter for sent messages.
func MessagesSent() *prometheus.CounterVec {
	RegisterMetrics()
	return messagesSentTotal
}

// LifecycleTransitions exposes the counter for room phase transitions.
func LifecycleTransitions() *prometheus.CounterVec {
	RegisterMetrics()
	return lifecycleTransitions
}

// Resyncs exposes the counter for full resynchronization fetches.
func Resyncs() prometheus.Counter {
	RegisterMetrics()
	return resyncsTotal
}

// PresenceWrites exposes the counter for presence writes.
func PresenceWrites() prometheus.Counter {
	RegisterMetrics()
	return presenceWritesTotal
}
