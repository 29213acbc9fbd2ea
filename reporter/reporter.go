// Package reporter groups individually reported spans into traces and
// ships completed traces to a Datadog trace agent in the background.
//
// A trace is considered complete shortly after a span arrives that looks
// like its root (kind SERVER or CONSUMER, or no parent); traces whose root
// never shows up are flushed after a longer timeout. Grouping uses an
// unbounded concurrent map, so a sustained spike of rootless traffic grows
// it without a ceiling; the tradeoff is surfaced through the pending-traces
// gauge rather than guarded against.
package reporter

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/smartup/zipkin-datadog-go/internal/monitoring"
	"github.com/smartup/zipkin-datadog-go/span"
	"github.com/smartup/zipkin-datadog-go/translate"
	"github.com/smartup/zipkin-datadog-go/transport"
)

const (
	// DefaultCompletionDelay is how long a trace lives once a root span
	// has been seen.
	DefaultCompletionDelay = time.Second
	// DefaultTimeoutDelay is how long a trace lives without a root span.
	DefaultTimeoutDelay = 30 * time.Second
	// DefaultFlushInterval is the pause between background sweep cycles.
	DefaultFlushInterval = time.Second
)

// Sender delivers completed trace batches to the collector.
type Sender interface {
	Send(traces [][]*translate.Record)
}

// Config controls trace grouping and the flush loop. The zero value is
// usable: every field has a default.
type Config struct {
	// Host and Port locate the Datadog trace agent. Ignored when Sender
	// is set.
	Host string
	Port int

	// Disabled turns the reporter into a permanent no-op.
	Disabled bool

	// FlushInterval is the pause between background sweep cycles.
	FlushInterval time.Duration
	// CompletionDelay replaces a trace's deadline whenever a root-looking
	// span is inserted.
	CompletionDelay time.Duration
	// TimeoutDelay replaces a trace's deadline whenever a non-root span
	// is inserted.
	TimeoutDelay time.Duration

	Logger  *zap.Logger
	Metrics *monitoring.Metrics

	// Sender overrides the agent transport. Intended for testing.
	Sender Sender
}

// Reporter accepts spans via Report and flushes completed traces on a
// background goroutine. All methods are safe for concurrent use, and none
// of them ever propagates a failure to the caller.
type Reporter struct {
	cfg     Config
	logger  *zap.Logger
	metrics *monitoring.Metrics
	sender  Sender

	pending syncTraceMap
	ready   readyQueue

	nowNanos func() int64

	started atomic.Bool
	closed  atomic.Bool
	stop    chan struct{}
	done    chan struct{}
}

// New builds a Reporter. When cfg.Sender is nil the agent transport is
// constructed immediately, which performs the endpoint version probe.
func New(cfg Config) *Reporter {
	if cfg.Host == "" {
		cfg.Host = transport.DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = transport.DefaultPort
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.CompletionDelay == 0 {
		cfg.CompletionDelay = DefaultCompletionDelay
	}
	if cfg.TimeoutDelay == 0 {
		cfg.TimeoutDelay = DefaultTimeoutDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = monitoring.NewNopMetrics()
	}

	r := &Reporter{
		cfg:      cfg,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		sender:   cfg.Sender,
		nowNanos: func() int64 { return time.Now().UnixNano() },
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if cfg.Disabled {
		r.closed.Store(true)
		return r
	}
	if r.sender == nil {
		r.sender = transport.New(cfg.Host, cfg.Port, cfg.Logger, cfg.Metrics)
	}
	return r
}

// Report files one span under its trace id. The first call starts the
// background flush loop. Report never blocks on the network and never
// returns an error: a span with a malformed identifier is counted and
// dropped, and a closed reporter ignores the span entirely.
func (r *Reporter) Report(s span.Span) {
	if r.closed.Load() {
		r.metrics.SpansDropped.WithLabelValues(monitoring.DropReasonClosed).Inc()
		return
	}
	r.ensureStarted()

	rec, err := translate.Translate(s)
	if err != nil {
		r.metrics.SpansDropped.WithLabelValues(monitoring.DropReasonFormat).Inc()
		r.logger.Debug("dropping span with malformed identifier",
			zap.String("trace_id", s.TraceID),
			zap.String("span_id", s.ID),
			zap.Error(err))
		return
	}

	delay := r.cfg.TimeoutDelay
	if s.Root() {
		delay = r.cfg.CompletionDelay
	}
	expiration := r.nowNanos() + delay.Nanoseconds()

	for {
		t, created := r.pending.loadOrStore(s.TraceID, expiration)
		if t.append(rec, expiration) {
			if created {
				r.metrics.PendingTraces.Inc()
			}
			break
		}
		// Lost the race with a sweep that just evicted this trace; the
		// span starts a fresh pending trace under the same id.
	}
	r.metrics.SpansRecorded.Inc()
}

// Flush synchronously runs one sweep-and-send cycle. A no-op once the
// reporter is closed.
func (r *Reporter) Flush() {
	if r.closed.Load() {
		return
	}
	r.flushOnce()
}

// Close stops the background loop, interrupting its sleep, and waits for
// it to exit. Idempotent. After Close returns no further sends occur;
// Report becomes a no-op and the reporter stays closed.
func (r *Reporter) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(r.stop)
	if r.started.Load() {
		<-r.done
	}
	return nil
}

// ensureStarted spins up the flush loop on the first reported span. The
// CAS makes exactly one caller the winner when many goroutines report
// their first span at once.
func (r *Reporter) ensureStarted() {
	if r.started.Load() {
		return
	}
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	go r.flushLoop()
}

// flushLoop is the single background worker: sweep, send, sleep, repeat.
// The sleep is interruptible so Close does not have to wait a full
// interval.
func (r *Reporter) flushLoop() {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		default:
		}

		r.flushOnce()

		select {
		case <-r.stop:
			return
		case <-ticker.C:
		}
	}
}

// flushOnce sweeps expired traces into the ready queue, then drains and
// sends whatever is ready. The send blocks until the transport gives up
// or succeeds; there is at most the background worker plus any concurrent
// Flush caller in here, never a fan-out of in-flight sends.
func (r *Reporter) flushOnce() {
	r.sweep(r.nowNanos())

	traces := r.ready.drain()
	if len(traces) == 0 {
		return
	}
	r.metrics.BatchSize.Observe(float64(len(traces)))
	r.sender.Send(traces)
}
