// Command spanfeed reads Zipkin v2 JSON spans, one object per line, from
// stdin and reports them to a local Datadog trace agent.
package main

import (
	"bufio"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smartup/zipkin-datadog-go/internal/config"
	"github.com/smartup/zipkin-datadog-go/internal/logging"
	"github.com/smartup/zipkin-datadog-go/internal/monitoring"
	"github.com/smartup/zipkin-datadog-go/reporter"
	"github.com/smartup/zipkin-datadog-go/span"
)

// inputSpan is the Zipkin v2 JSON span shape accepted on stdin.
type inputSpan struct {
	TraceID       string `json:"traceId"`
	ID            string `json:"id"`
	ParentID      string `json:"parentId"`
	Kind          string `json:"kind"`
	Name          string `json:"name"`
	Timestamp     int64  `json:"timestamp"`
	Duration      int64  `json:"duration"`
	LocalEndpoint struct {
		ServiceName string `json:"serviceName"`
	} `json:"localEndpoint"`
	Tags  map[string]string `json:"tags"`
	Debug *bool             `json:"debug"`
}

func main() {
	cfg := config.LoadOrDefault()

	host := flag.String("host", cfg.Agent.Host, "Trace agent host")
	port := flag.Int("port", cfg.Agent.Port, "Trace agent port")
	interval := flag.Duration("interval", cfg.Reporter.FlushInterval(), "Flush interval")
	flag.Parse()

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	rep := reporter.New(reporter.Config{
		Host:          *host,
		Port:          *port,
		Disabled:      !cfg.Reporter.Enabled,
		FlushInterval: *interval,
		Logger:        logger.Logger,
		Metrics:       monitoring.NewMetrics(),
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		feed(rep, logger.Logger)
	}()

	select {
	case <-sigChan:
		logger.Info("interrupted, flushing pending traces")
	case <-done:
	}

	rep.Flush()
	if err := rep.Close(); err != nil {
		logger.Warn("error during shutdown", zap.Error(err))
	}
}

// feed reports one span per input line until stdin is exhausted. Lines
// that do not parse are skipped with a warning rather than stopping the
// feed.
func feed(rep *reporter.Reporter, logger *zap.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var lineNo int
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var in inputSpan
		if err := sonic.Unmarshal(line, &in); err != nil {
			logger.Warn("skipping malformed span", zap.Int("line", lineNo), zap.Error(err))
			continue
		}
		rep.Report(toSpan(in))
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("error reading spans", zap.Error(err))
	}
}

func toSpan(in inputSpan) span.Span {
	traceID := in.TraceID
	if traceID == "" {
		traceID = newHexID(32)
	}
	id := in.ID
	if id == "" {
		id = newHexID(16)
	}
	return span.Span{
		TraceID:          traceID,
		ID:               id,
		ParentID:         in.ParentID,
		Kind:             span.Kind(in.Kind),
		Name:             in.Name,
		Timestamp:        in.Timestamp,
		Duration:         in.Duration,
		LocalServiceName: in.LocalEndpoint.ServiceName,
		Tags:             in.Tags,
		Debug:            in.Debug,
	}
}

// newHexID derives a lower-hex identifier of the given length from a
// random UUID, whose canonical form is 32 lower-hex characters.
func newHexID(length int) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:length]
}
