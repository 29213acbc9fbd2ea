package transport

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/smartup/zipkin-datadog-go/internal/monitoring"
	"github.com/smartup/zipkin-datadog-go/span"
	"github.com/smartup/zipkin-datadog-go/translate"
)

// fakeAgent records every request the transport makes.
type fakeAgent struct {
	mu       sync.Mutex
	requests []recordedRequest
	v4Status int
	sendBody string
	srv      *httptest.Server
}

type recordedRequest struct {
	method string
	path   string
	header http.Header
	body   []byte
}

func newFakeAgent(t *testing.T) *fakeAgent {
	t.Helper()
	f := &fakeAgent{v4Status: http.StatusOK, sendBody: "OK"}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.requests = append(f.requests, recordedRequest{
			method: r.Method,
			path:   r.URL.Path,
			header: r.Header.Clone(),
			body:   body,
		})
		status := http.StatusOK
		if r.URL.Path == tracesEndpointV4 {
			status = f.v4Status
		}
		f.mu.Unlock()
		w.WriteHeader(status)
		if status == http.StatusOK {
			_, _ = w.Write([]byte(f.sendBody))
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAgent) hostPort(t *testing.T) (string, int) {
	t.Helper()
	u, err := url.Parse(f.srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func (f *fakeAgent) recorded() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRequest(nil), f.requests...)
}

func newTestAgent(t *testing.T, f *fakeAgent) (*Agent, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	host, port := f.hostPort(t)
	return New(host, port, zap.New(core), monitoring.NewNopMetrics()), logs
}

func sampleTraces(t *testing.T) [][]*translate.Record {
	t.Helper()
	rec, err := translate.Translate(span.Span{
		TraceID:          "463ac35c9f6413ad",
		ID:               "463ac35c9f6413ad",
		Kind:             span.Server,
		Name:             "get /users",
		Timestamp:        1472470996199000,
		Duration:         207000,
		LocalServiceName: "user-service",
		Tags:             map[string]string{"http.path": "/users"},
	})
	require.NoError(t, err)
	return [][]*translate.Record{{rec}}
}

func TestNegotiatesV4WhenAvailable(t *testing.T) {
	f := newFakeAgent(t)
	a, _ := newTestAgent(t, f)

	assert.Equal(t, tracesEndpointV4, a.Endpoint())

	// The probe is a PUT with an empty msgpack batch.
	reqs := f.recorded()
	require.NotEmpty(t, reqs)
	assert.Equal(t, http.MethodPut, reqs[0].method)
	assert.Equal(t, tracesEndpointV4, reqs[0].path)

	var probe [][]map[string]interface{}
	require.NoError(t, msgpack.Unmarshal(reqs[0].body, &probe))
	assert.Empty(t, probe)
}

func TestDowngradesToV3WhenProbeFails(t *testing.T) {
	f := newFakeAgent(t)
	f.v4Status = http.StatusNotFound
	a, _ := newTestAgent(t, f)

	assert.Equal(t, tracesEndpointV3, a.Endpoint())

	a.Send(sampleTraces(t))
	reqs := f.recorded()
	last := reqs[len(reqs)-1]
	assert.Equal(t, tracesEndpointV3, last.path, "downgrade must be permanent")
}

func TestDowngradesToV3WhenAgentUnreachable(t *testing.T) {
	core, _ := observer.New(zapcore.DebugLevel)
	// Nothing listens here; the probe and its single retry both fail.
	a := New("localhost", 1, zap.New(core), monitoring.NewNopMetrics())
	assert.Equal(t, tracesEndpointV3, a.Endpoint())
}

func TestSendSetsProtocolHeaders(t *testing.T) {
	f := newFakeAgent(t)
	a, _ := newTestAgent(t, f)

	traces := sampleTraces(t)
	traces = append(traces, traces[0])
	a.Send(traces)

	reqs := f.recorded()
	send := reqs[len(reqs)-1]
	assert.Equal(t, http.MethodPut, send.method)
	assert.Equal(t, contentTypeMsgpack, send.header.Get("Content-Type"))
	assert.Equal(t, "go", send.header.Get(headerMetaLang))
	assert.NotEmpty(t, send.header.Get(headerMetaLangVersion))
	assert.NotEmpty(t, send.header.Get(headerMetaInterpreter))
	assert.Equal(t, tracerVersion, send.header.Get(headerMetaTracerVersion))
	assert.Equal(t, "2", send.header.Get(headerTraceCount))
}

func TestSendEncodesRecordsForTheAgent(t *testing.T) {
	f := newFakeAgent(t)
	a, _ := newTestAgent(t, f)

	a.Send(sampleTraces(t))

	reqs := f.recorded()
	send := reqs[len(reqs)-1]

	var got [][]map[string]interface{}
	require.NoError(t, msgpack.Unmarshal(send.body, &got))
	require.Len(t, got, 1)
	require.Len(t, got[0], 1)

	rec := got[0][0]
	assert.Equal(t, "user-service", rec["service"])
	assert.Equal(t, "web get /users", rec["name"])
	assert.Equal(t, "/users", rec["resource"])
	assert.Equal(t, "web", rec["type"])
	assert.Contains(t, rec, "trace_id")
	assert.Contains(t, rec, "span_id")
	assert.Contains(t, rec, "parent_id")
	assert.Contains(t, rec, "start")
	assert.Contains(t, rec, "duration")
	assert.Contains(t, rec, "sampling_priority")
	assert.Contains(t, rec, "meta")
	assert.Contains(t, rec, "error")
}

func TestTypeOmittedWhenUnclassified(t *testing.T) {
	f := newFakeAgent(t)
	a, _ := newTestAgent(t, f)

	rec, err := translate.Translate(span.Span{
		TraceID:          "463ac35c9f6413ad",
		ID:               "a2fb4a1d1a96d312",
		ParentID:         "463ac35c9f6413ad",
		Kind:             span.Client,
		Name:             "call",
		Timestamp:        1472470996199000,
		Duration:         1000,
		LocalServiceName: "user-service",
	})
	require.NoError(t, err)
	a.Send([][]*translate.Record{{rec}})

	reqs := f.recorded()
	var got [][]map[string]interface{}
	require.NoError(t, msgpack.Unmarshal(reqs[len(reqs)-1].body, &got))
	assert.NotContains(t, got[0][0], "type")
}

func TestEmptyBatchIsNotSent(t *testing.T) {
	f := newFakeAgent(t)
	a, _ := newTestAgent(t, f)

	before := len(f.recorded())
	a.Send(nil)
	a.Send([][]*translate.Record{})
	assert.Len(t, f.recorded(), before)
}

func TestSendFailureIsAbsorbedAndThrottled(t *testing.T) {
	f := newFakeAgent(t)
	a, logs := newTestAgent(t, f)

	f.srv.Close() // every send now fails at the dial

	a.Send(sampleTraces(t))
	a.Send(sampleTraces(t))
	a.Send(sampleTraces(t))

	warns := logs.FilterLevelExact(zapcore.WarnLevel).Len()
	assert.Equal(t, 1, warns, "warn-level send failures must be throttled per instance")

	debugs := logs.FilterMessage("failed to send traces to agent").
		FilterLevelExact(zapcore.DebugLevel).Len()
	assert.Equal(t, 3, debugs, "every failure is still visible at debug level")
}

func TestNon200ResponseDropsBatch(t *testing.T) {
	f := newFakeAgent(t)
	a, logs := newTestAgent(t, f)

	f.mu.Lock()
	f.v4Status = http.StatusInternalServerError
	f.mu.Unlock()

	a.Send(sampleTraces(t))
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.WarnLevel).Len())
}

func TestAgentResponseBodyParsedForDiagnostics(t *testing.T) {
	f := newFakeAgent(t)
	f.sendBody = `{"rate_by_service":{"service:user-service,env:":1}}`
	a, logs := newTestAgent(t, f)

	a.Send(sampleTraces(t))
	assert.Equal(t, 0, logs.FilterLevelExact(zapcore.WarnLevel).Len())
	assert.Equal(t, 1, logs.FilterMessage("agent response").Len())
}

func TestMalformedAgentResponseLoggedNotPropagated(t *testing.T) {
	f := newFakeAgent(t)
	f.sendBody = `{not json`
	a, logs := newTestAgent(t, f)

	a.Send(sampleTraces(t))
	assert.Equal(t, 1, logs.FilterMessage("failed to parse agent response").Len())
}
