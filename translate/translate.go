// Package translate converts spans into the record shape the Datadog
// trace agent ingests.
package translate

import (
	"fmt"

	"github.com/smartup/zipkin-datadog-go/span"
)

// Record is one span in Datadog APM form. Times are in nanoseconds and
// identifiers are the low 64 bits of their lower-hex source strings.
type Record struct {
	Start            int64             `msgpack:"start" json:"start"`
	Duration         int64             `msgpack:"duration" json:"duration"`
	Service          string            `msgpack:"service" json:"service"`
	TraceID          uint64            `msgpack:"trace_id" json:"trace_id"`
	SpanID           uint64            `msgpack:"span_id" json:"span_id"`
	ParentID         uint64            `msgpack:"parent_id" json:"parent_id"`
	Resource         string            `msgpack:"resource" json:"resource"`
	Name             string            `msgpack:"name" json:"name"`
	SamplingPriority int               `msgpack:"sampling_priority" json:"sampling_priority"`
	Meta             map[string]string `msgpack:"meta" json:"meta"`
	Type             string            `msgpack:"type,omitempty" json:"type,omitempty"`
	Error            int32             `msgpack:"error" json:"error"`
}

// FormatError reports an identifier that is not a 1 to 32 character
// lower-hex string with no prefix.
type FormatError struct {
	Value string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%q should be a 1 to 32 character lower-hex string with no prefix", e.Value)
}

// resourceTags are checked in priority order when deriving the resource
// name. db.statement covers OpenTracing instrumentation.
var resourceTags = [...]string{"http.route", "sql.query", "cassandra.query", "db.statement"}

// Translate maps one span to one Record. It is pure: same span in, same
// record out, no side effects. The only failure is a malformed trace,
// span, or parent identifier, which fails this span alone.
func Translate(s span.Span) (*Record, error) {
	traceID, err := LowerHexToUint64(s.TraceID)
	if err != nil {
		return nil, fmt.Errorf("trace id: %w", err)
	}
	spanID, err := LowerHexToUint64(s.ID)
	if err != nil {
		return nil, fmt.Errorf("span id: %w", err)
	}
	var parentID uint64
	if s.ParentID != "" {
		parentID, err = LowerHexToUint64(s.ParentID)
		if err != nil {
			return nil, fmt.Errorf("parent id: %w", err)
		}
	}

	duration := s.Duration * 1000
	if duration == 0 {
		// The agent renders zero-duration spans as artifacts.
		duration = 1
	}

	priority := 0
	if s.IsDebug() {
		priority = 1
	}

	var errFlag int32
	if _, ok := s.Tags["error"]; ok {
		errFlag = 1
	}

	typ := spanType(s)

	return &Record{
		Start:            s.Timestamp * 1000,
		Duration:         duration,
		Service:          s.LocalServiceName,
		TraceID:          traceID,
		SpanID:           spanID,
		ParentID:         parentID,
		Resource:         resourceName(s),
		Name:             operationName(typ, s.Name),
		SamplingPriority: priority,
		Meta:             s.Tags,
		Type:             typ,
		Error:            errFlag,
	}, nil
}

// LowerHexToUint64 parses a 1 to 32 character lower-hex string with no
// prefix into an unsigned 64-bit integer, tossing any bits higher than 64.
func LowerHexToUint64(lowerHex string) (uint64, error) {
	length := len(lowerHex)
	if length < 1 || length > 32 {
		return 0, &FormatError{Value: lowerHex}
	}

	// Only the last 16 characters carry bits that survive.
	begin := 0
	if length > 16 {
		begin = length - 16
	}

	var result uint64
	for i := begin; i < length; i++ {
		c := lowerHex[i]
		result <<= 4
		switch {
		case c >= '0' && c <= '9':
			result |= uint64(c - '0')
		case c >= 'a' && c <= 'f':
			result |= uint64(c-'a') + 10
		default:
			return 0, &FormatError{Value: lowerHex}
		}
	}
	return result, nil
}

func resourceName(s span.Span) string {
	for _, key := range resourceTags {
		if v, ok := s.Tags[key]; ok {
			return v
		}
	}
	return s.Name
}

// operationName prefixes the span name with its derived type. The agent
// rejects operation names without alphanumerical characters, so the prefix
// guarantees one is present.
func operationName(typ, name string) string {
	if typ == "" {
		typ = "other"
	}
	return typ + " " + name
}

// spanType classifies a span for the agent's type field. Unclassified
// CLIENT and SERVER spans yield an empty string, which is omitted on the
// wire.
func spanType(s span.Span) string {
	switch s.Kind {
	case span.Producer, span.Consumer:
		return "queue"
	case span.Client:
		if _, ok := s.Tags["sql.query"]; ok {
			return "sql"
		}
		if _, ok := s.Tags["cassandra.query"]; ok {
			return "cassandra"
		}
		if hasHTTPTag(s) {
			return "http"
		}
	case span.Server:
		if hasHTTPTag(s) {
			return "web"
		}
	case "":
		return "other"
	}
	return ""
}

func hasHTTPTag(s span.Span) bool {
	if _, ok := s.Tags["http.path"]; ok {
		return true
	}
	_, ok := s.Tags["http.uri"]
	return ok
}
