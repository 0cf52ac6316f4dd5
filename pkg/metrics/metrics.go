// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "forgehub"

var (
	// Bus ingestion
	BusMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bus_messages_total",
		Help:      "Inbound bus messages by routed kind.",
	}, []string{"kind"})
	DecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bus_decode_errors_total",
		Help:      "Inbound payloads that were not valid JSON.",
	})
	UnroutableTopics = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bus_unroutable_total",
		Help:      "Inbound messages on topics outside the known set.",
	})
	DeadLetters = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dead_letters",
		Help:      "Entries currently held in the dead-letter bucket.",
	})

	// Telemetry store
	StoreUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_updates_total",
		Help:      "Telemetry samples accepted by the store.",
	})
	TrackedMachines = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tracked_machines",
		Help:      "Machines with at least one sample.",
	})

	// Fan-out hub
	HubSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "hub_subscribers",
		Help:      "Connected push subscribers.",
	})
	HubDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hub_dropped_events_total",
		Help:      "Events discarded from full subscriber queues.",
	})
	HubBroadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hub_broadcasts_total",
		Help:      "Events broadcast by name.",
	}, []string{"event"})

	// Commands
	CommandTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "command_transitions_total",
		Help:      "Command lifecycle transitions by resulting status.",
	}, []string{"status"})
	CommandsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "commands_in_flight",
		Help:      "Commands in pending or sent.",
	})
	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_duration_seconds",
		Help:      "Time spent handing a command to the edge gateway.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"gateway", "outcome"})
)
