package telemetry

// RequestBuckets covers pull round-trips, long-polls included.
var RequestBuckets = []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60}

// Subscription metrics
var (
	// UpdatesTotal counts delivered update batches by transport (live, socket, poll)
	UpdatesTotal CounterVec = noopCounterVec{}

	// FallbacksTotal counts live-to-poll fallbacks by reason (negotiation, connection)
	FallbacksTotal CounterVec = noopCounterVec{}

	// RetriesTotal counts retried pull requests
	RetriesTotal Counter = NoopStat{}

	// FatalErrorsTotal counts subscriptions terminated by kind (malformed, retries, other)
	FatalErrorsTotal CounterVec = noopCounterVec{}

	// ActiveSubscriptions tracks running controllers
	ActiveSubscriptions Gauge = NoopStat{}

	// KnownHeight tracks the last height incorporated per endpoint path
	KnownHeight GaugeVec = noopGaugeVec{}

	// PullDurationSeconds measures pull request latency by outcome
	PullDurationSeconds HistogramVec = noopHistogramVec{}
)

// Replay endpoint metrics
var (
	// ReplayClients tracks connected push clients by transport (sse, ws)
	ReplayClients GaugeVec = noopGaugeVec{}

	// ReplayRevealed tracks how many log entries have been revealed
	ReplayRevealed Gauge = NoopStat{}

	// ReplayPagesTotal counts served pull pages
	ReplayPagesTotal Counter = NoopStat{}
)

func initMetrics() {
	UpdatesTotal = NewCounterVec("stream", "updates_total",
		"Update batches delivered to subscribers", []string{"transport"})
	FallbacksTotal = NewCounterVec("stream", "fallbacks_total",
		"Live transport attempts that fell back to polling", []string{"reason"})
	RetriesTotal = NewCounter("stream", "retries_total",
		"Pull requests retried after a failure")
	FatalErrorsTotal = NewCounterVec("stream", "fatal_errors_total",
		"Subscriptions terminated by a fatal error", []string{"kind"})
	ActiveSubscriptions = NewGauge("stream", "active_subscriptions",
		"Controllers currently running")
	KnownHeight = NewGaugeVec("stream", "known_height",
		"Last height incorporated per endpoint", []string{"endpoint"})
	PullDurationSeconds = NewHistogramVec("stream", "pull_duration_seconds",
		"Pull request latency", []string{"outcome"}, RequestBuckets)

	ReplayClients = NewGaugeVec("replay", "clients",
		"Connected push clients", []string{"transport"})
	ReplayRevealed = NewGauge("replay", "revealed_entries",
		"Height log entries revealed so far")
	ReplayPagesTotal = NewCounter("replay", "pages_total",
		"Pull pages served")
}
