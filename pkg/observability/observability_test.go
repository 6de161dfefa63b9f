package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type harness struct {
	provider *Provider
	reader   *sdkmetric.ManualReader
	spans    *tracetest.SpanRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	spans := tracetest.NewSpanRecorder()
	p, err := NewWithProviders(
		sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)),
		sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	)
	require.NoError(t, err)
	return &harness{provider: p, reader: reader, spans: spans}
}

func (h *harness) sum(t *testing.T, name string) (int64, []attribute.Set) {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, h.reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			data, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			var total int64
			var sets []attribute.Set
			for _, dp := range data.DataPoints {
				total += dp.Value
				sets = append(sets, dp.Attributes)
			}
			return total, sets
		}
	}
	return 0, nil
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "openport", cfg.ServiceName)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.False(t, cfg.Enabled)
}

func TestNewDisabled(t *testing.T) {
	p, err := New(context.Background(), DefaultConfig())
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())

	_, done := p.TrackRequest(context.Background(), "GET", "/healthz")
	done(200)
	p.RecordDecision(context.Background(), "transaction.create", "draft")
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestTrackRequestRecordsREDMetrics(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, done := h.provider.TrackRequest(ctx, "GET", "/api/agent/v1/ledgers")
	done(200)
	_, done = h.provider.TrackRequest(ctx, "POST", "/api/agent/v1/actions")
	done(500)
	_, done = h.provider.TrackRequest(ctx, "POST", "/api/agent/v1/actions")
	done(400)

	requests, _ := h.sum(t, "openport.requests.total")
	assert.Equal(t, int64(3), requests)
	errs, sets := h.sum(t, "openport.errors.total")
	assert.Equal(t, int64(1), errs)
	require.Len(t, sets, 1)
	status, ok := sets[0].Value("http.response.status_code")
	require.True(t, ok)
	assert.Equal(t, int64(500), status.AsInt64())

	active, _ := h.sum(t, "openport.requests.active")
	assert.Equal(t, int64(0), active)

	ended := h.spans.Ended()
	require.Len(t, ended, 3)
	assert.Equal(t, "GET /api/agent/v1/ledgers", ended[0].Name())
	assert.Equal(t, codes.Unset, ended[0].Status().Code)
	assert.Equal(t, codes.Error, ended[1].Status().Code)
}

func TestRecordDecision(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.provider.RecordDecision(ctx, "transaction.create", "executed")
	h.provider.RecordDecision(ctx, "transaction.create", "executed")
	h.provider.RecordDecision(ctx, "transaction.delete", "agent.auto_execute_disabled")

	total, sets := h.sum(t, "openport.agent.decisions")
	assert.Equal(t, int64(3), total)
	assert.Len(t, sets, 2)
}

func TestNewHandler(t *testing.T) {
	var buf bytes.Buffer
	h, err := newHandler(&buf, "warn", "json")
	require.NoError(t, err)
	ctx := context.Background()
	assert.False(t, h.Enabled(ctx, slog.LevelInfo))
	assert.True(t, h.Enabled(ctx, slog.LevelWarn))

	var record map[string]any
	logger := slog.New(h)
	logger.Warn("audit write failed", "action", "agent.action.execute")
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "audit write failed", record["msg"])
	assert.Equal(t, "agent.action.execute", record["action"])

	_, err = newHandler(&buf, "loud", "text")
	require.Error(t, err)
	_, err = newHandler(&buf, "INFO", "xml")
	require.Error(t, err)
	_, err = newHandler(&buf, "DEBUG", "")
	require.NoError(t, err)
}
