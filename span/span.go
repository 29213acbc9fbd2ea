// Package span defines the span model consumed by the reporter. Spans are
// produced by the host tracing library and are read-only to this module.
package span

// Kind classifies the role a span played in an RPC or messaging exchange.
type Kind string

const (
	Client   Kind = "CLIENT"
	Server   Kind = "SERVER"
	Producer Kind = "PRODUCER"
	Consumer Kind = "CONSUMER"
)

// Span is one timed unit of work within a trace.
//
// TraceID, ID and ParentID are 1 to 32 character lower-hex strings with no
// prefix. ParentID is empty for spans with no parent. Timestamp and
// Duration are in microseconds; Duration may be zero when the span carried
// none.
type Span struct {
	TraceID          string
	ID               string
	ParentID         string
	Kind             Kind
	Name             string
	Timestamp        int64
	Duration         int64
	LocalServiceName string
	Tags             map[string]string
	Debug            *bool
}

// Root reports whether the span looks like the root of its trace: it has
// no parent, or its kind marks an inbound boundary (SERVER or CONSUMER).
// Children of a root have usually been reported already, so the trace can
// be flushed soon after, though async work may still trail behind.
func (s Span) Root() bool {
	return s.ParentID == "" || s.Kind == Server || s.Kind == Consumer
}

// IsDebug reports whether the span carries an explicit debug flag. An
// absent flag is treated as false.
func (s Span) IsDebug() bool {
	return s.Debug != nil && *s.Debug
}
