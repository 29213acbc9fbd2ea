// Package transport delivers batches of translated traces to a local
// Datadog trace agent over its msgpack HTTP API.
package transport

import (
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/smartup/zipkin-datadog-go/internal/monitoring"
	"github.com/smartup/zipkin-datadog-go/translate"
)

const (
	// DefaultHost and DefaultPort locate a trace agent on the same box.
	DefaultHost = "localhost"
	DefaultPort = 8126

	tracesEndpointV3 = "/v0.3/traces"
	tracesEndpointV4 = "/v0.4/traces"

	contentTypeMsgpack = "application/msgpack"

	headerMetaLang          = "Datadog-Meta-Lang"
	headerMetaLangVersion   = "Datadog-Meta-Lang-Version"
	headerMetaInterpreter   = "Datadog-Meta-Lang-Interpreter"
	headerMetaTracerVersion = "Datadog-Meta-Tracer-Version"
	headerTraceCount        = "X-Datadog-Trace-Count"

	tracerVersion = "zipkin-reporter"

	probeTimeout = time.Second
	sendTimeout  = 10 * time.Second

	// How often a sustained outage is allowed to reach the warn level.
	errorLogInterval = 5 * time.Minute
)

// Agent is a client for one Datadog trace agent. The endpoint version is
// negotiated once at construction and never revisited. Send absorbs every
// failure: a batch that cannot be delivered is dropped and logged, with
// warn-level logging throttled per instance during sustained outages.
type Agent struct {
	endpoint string
	client   *resty.Client
	logger   *zap.Logger
	metrics  *monitoring.Metrics
	warnOnce *rate.Sometimes
}

// New builds an Agent for the trace agent at host:port. The v0.4 endpoint
// is probed with an empty batch under a short timeout, retried once; if it
// does not answer 200, the client downgrades to v0.3 for the lifetime of
// this Agent.
func New(host string, port int, logger *zap.Logger, metrics *monitoring.Metrics) *Agent {
	base := fmt.Sprintf("http://%s:%d", host, port)

	endpoint := tracesEndpointV4
	if !endpointAvailable(base + tracesEndpointV4) {
		logger.Debug("agent v0.4 endpoints not available, downgrading to v0.3",
			zap.String("agent", base))
		endpoint = tracesEndpointV3
	}

	client := resty.New().
		SetBaseURL(base).
		SetTimeout(sendTimeout).
		SetHeader("Content-Type", contentTypeMsgpack).
		SetHeader(headerMetaLang, "go").
		SetHeader(headerMetaLangVersion, runtime.Version()).
		SetHeader(headerMetaInterpreter, interpreter()).
		SetHeader(headerMetaTracerVersion, tracerVersion)

	return &Agent{
		endpoint: endpoint,
		client:   client,
		logger:   logger,
		metrics:  metrics,
		warnOnce: &rate.Sometimes{First: 1, Interval: errorLogInterval},
	}
}

// Endpoint returns the negotiated traces path.
func (a *Agent) Endpoint() string {
	return a.endpoint
}

// Send delivers one batch of traces. It never reports failure to the
// caller and never retries; an undeliverable batch is dropped.
func (a *Agent) Send(traces [][]*translate.Record) {
	if len(traces) == 0 {
		return
	}

	body, err := msgpack.Marshal(traces)
	if err != nil {
		a.logger.Error("failed to encode trace batch", zap.Error(err))
		a.metrics.TracesDropped.Add(float64(len(traces)))
		return
	}

	resp, err := a.client.R().
		SetHeader(headerTraceCount, strconv.Itoa(len(traces))).
		SetBody(body).
		Put(a.endpoint)
	if err != nil {
		a.dropBatch(len(traces), zap.Error(err))
		return
	}
	if resp.StatusCode() != http.StatusOK {
		a.dropBatch(len(traces),
			zap.Int("status", resp.StatusCode()),
			zap.String("response", resp.Status()))
		return
	}

	a.metrics.TracesSent.Add(float64(len(traces)))
	a.metrics.BytesSent.Add(float64(len(body)))
	a.logger.Debug("sent traces to agent",
		zap.Int("traces", len(traces)),
		zap.Int("bytes", len(body)))

	a.handleResponseBody(resp.Body())
}

// dropBatch records a failed send. Full detail always goes to the debug
// level; the warn level is limited to one entry per errorLogInterval so a
// long agent outage cannot flood the application log.
func (a *Agent) dropBatch(count int, detail ...zap.Field) {
	a.metrics.TracesDropped.Add(float64(count))
	a.metrics.SendErrors.Inc()

	fields := append([]zap.Field{zap.Int("traces", count)}, detail...)
	a.logger.Debug("failed to send traces to agent", fields...)
	a.warnOnce.Do(func() {
		fields := append(fields, zap.Duration("going_silent_for", errorLogInterval))
		a.logger.Warn("failed to send traces to agent", fields...)
	})
}

// handleResponseBody decodes the optional JSON document the agent returns
// on success. It exists purely for diagnostics; a parse failure is logged
// and discarded.
func (a *Agent) handleResponseBody(body []byte) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" || strings.EqualFold(trimmed, "OK") {
		return
	}
	var payload map[string]interface{}
	if err := sonic.UnmarshalString(trimmed, &payload); err != nil {
		a.logger.Warn("failed to parse agent response",
			zap.String("response", trimmed), zap.Error(err))
		return
	}
	a.logger.Debug("agent response", zap.Any("response", payload))
}

// endpointAvailable probes an endpoint with an empty batch. This can run
// during process startup, so it fails fast: 1s timeout, one retry.
func endpointAvailable(url string) bool {
	body, err := msgpack.Marshal([][]*translate.Record{})
	if err != nil {
		return false
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 1
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 500 * time.Millisecond
	client.Logger = nil
	client.HTTPClient.Timeout = probeTimeout
	defer client.HTTPClient.CloseIdleConnections()

	req, err := retryablehttp.NewRequest(http.MethodPut, url, body)
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", contentTypeMsgpack)

	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func interpreter() string {
	return runtime.Compiler + "-" + runtime.GOOS + "-" + runtime.GOARCH
}
