package retry

import (
	"errors"
	"time"

	"odoorpc.dev/rpcerr"
)

// Event is one of the metrics events a MetricsSink receives.
type Event string

const (
	EventRetryAttempt Event = "retry_attempt"
	EventRetrySuccess Event = "retry_success"
	EventRetryFailed  Event = "retry_failed"
	EventCircuitOpen  Event = "circuit_opened"
	EventCircuitClose Event = "circuit_closed"
	EventCircuitHalf  Event = "circuit_half_open"
)

// EventContext accompanies every emitted Event.
type EventContext struct {
	Attempt int
	Err error
	Latency time.Duration
}

// MetricsSink receives (event, context) tuples. NewManager discards events
// when given a nil sink; Counters is the in-memory implementation that
// client.New wires. A Prometheus-backed sink can be substituted by callers that run
// a metrics endpoint — not wired by default because no SPEC_FULL component
// needs to scrape one (see DESIGN.md).
type MetricsSink interface {
	Emit(event Event, ctx EventContext)
}

// Counters is an in-memory MetricsSink suitable for tests and simple
// observability, tracking the counters/histogram names.
type Counters struct {
	Attempts int
	Successes int
	FailuresByKind map[string]int
	CircuitOpens int
	Latencies []time.Duration
}

// NewCounters returns a zeroed Counters sink.
func NewCounters() *Counters {
	return &Counters{FailuresByKind: make(map[string]int)}
}

func (c *Counters) Emit(event Event, ctx EventContext) {
	switch event {
	case EventRetryAttempt:
		c.Attempts++
		c.Latencies = append(c.Latencies, ctx.Latency)
	case EventRetrySuccess:
		c.Successes++
	case EventRetryFailed:
		kind := "unknown"
		var rerr *rpcerr.Error
		if errors.As(ctx.Err, &rerr) {
			kind = string(rerr.Kind)
		}
		c.FailuresByKind[kind]++
	case EventCircuitOpen:
		c.CircuitOpens++
	}
}

type nopSink struct{}

func (nopSink) Emit(Event, EventContext) {}
