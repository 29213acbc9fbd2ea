package reporter

import (
	"sync"
	"sync/atomic"

	"github.com/smartup/zipkin-datadog-go/translate"
)

// pendingTrace buffers translated spans for one trace id until a sweep
// evicts it. Record calls append under the lock; the evicting sweep closes
// the trace under the same lock, so a span is either in the evicted batch
// or restarts a fresh trace, never lost.
type pendingTrace struct {
	expiration atomic.Int64 // nanos; moved on every insertion

	mu      sync.Mutex
	spans   []*translate.Record
	flushed bool
}

func newPendingTrace(expiration int64) *pendingTrace {
	t := &pendingTrace{}
	t.expiration.Store(expiration)
	return t
}

// append adds rec and moves the trace's deadline. The deadline is replaced
// unconditionally, so a late non-root span can push it out again after a
// root pulled it in; that non-monotonic behavior is the documented
// heuristic, not an accident. append reports false if the trace was
// already evicted, in which case the caller must start over.
func (t *pendingTrace) append(rec *translate.Record, expiration int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.flushed {
		return false
	}
	t.spans = append(t.spans, rec)
	t.expiration.Store(expiration)
	return true
}

// take closes the trace and hands back its spans. Spans reported for the
// same trace id afterwards start a new pending trace.
func (t *pendingTrace) take() []*translate.Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flushed = true
	spans := t.spans
	t.spans = nil
	return spans
}

// syncTraceMap is the live-trace map: trace id -> *pendingTrace. It wraps
// sync.Map because the aggregator needs exactly its contention profile:
// atomic insert-if-absent from many Report goroutines plus a full
// scan-with-removal from the sweep, without a coarse lock serializing
// Report calls against each other.
type syncTraceMap struct {
	m sync.Map
}

// loadOrStore returns the pending trace for id, creating one with the
// given deadline if none is live. created reports whether this call made
// the entry.
func (s *syncTraceMap) loadOrStore(id string, expiration int64) (t *pendingTrace, created bool) {
	if v, ok := s.m.Load(id); ok {
		return v.(*pendingTrace), false
	}
	v, loaded := s.m.LoadOrStore(id, newPendingTrace(expiration))
	return v.(*pendingTrace), !loaded
}

// sweep evicts every pending trace whose deadline has passed and queues
// its spans for sending. Safe to run concurrently with Report calls for
// any trace id.
func (r *Reporter) sweep(now int64) {
	r.pending.m.Range(func(key, value any) bool {
		t := value.(*pendingTrace)
		if now <= t.expiration.Load() {
			return true
		}
		if _, loaded := r.pending.m.LoadAndDelete(key); !loaded {
			return true
		}
		r.metrics.PendingTraces.Dec()
		if spans := t.take(); len(spans) > 0 {
			r.ready.push(spans)
		}
		return true
	})
}

// readyQueue buffers evicted traces between a sweep and the following
// send. Producers are sweep cycles (background and Flush); the sending
// side drains everything at once.
type readyQueue struct {
	mu     sync.Mutex
	traces [][]*translate.Record
}

func (q *readyQueue) push(spans []*translate.Record) {
	q.mu.Lock()
	q.traces = append(q.traces, spans)
	q.mu.Unlock()
}

// drain removes and returns everything queued so far.
func (q *readyQueue) drain() [][]*translate.Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	traces := q.traces
	q.traces = nil
	return traces
}
