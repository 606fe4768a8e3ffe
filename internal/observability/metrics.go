package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "shuttle"

var (
	BookingsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "bookings_created_total", Help: "Bookings created, by initial status"},
		[]string{"status"},
	)
	BookingTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "booking_transitions_total", Help: "Committed booking transitions, by target status"},
		[]string{"to"},
	)
	BookingCodeRetries = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "booking_code_retries_total", Help: "Booking creations retried after a code collision"})

	DispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_outcomes_total", Help: "Dispatch attempts, by trigger and outcome"},
		[]string{"trigger", "outcome"},
	)
	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "dispatch_latency_seconds", Help: "Dispatch latency seconds"})

	TripsOpened     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "trips_opened_total", Help: "Trips opened"})
	TripsClosed     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "trips_closed_total", Help: "Trips closed"})
	SamplesRecorded = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "location_samples_total", Help: "Location samples persisted"})

	HubSubscribers = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "hub_subscribers", Help: "Live fan-out subscribers"})
	HubDeliveries  = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "hub_deliveries_total", Help: "Fan-out sends, by mode and result"},
		[]string{"mode", "result"},
	)
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_dropped_total", Help: "Events dropped because a buffer was full"},
		[]string{"sink"},
	)

	ConsumerUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "consumer_location_updates_total", Help: "Location cache updates applied by the consumer, by result"},
		[]string{"result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
