package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"

	"github.com/Mindburn-Labs/helm-signer/pkg/audit"
	"github.com/Mindburn-Labs/helm-signer/pkg/reason"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "helm-signer", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.False(t, config.Enabled, "local-first: telemetry is opt-in")
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, done := p.TrackOperation(context.Background(), "submit", AttrCapability.String("submit"))
	require.NotNil(t, ctx)
	done(errors.New("boom"))
	p.ObserveAuditEvent(audit.Event{Kind: audit.KindDecision, Reason: reason.AllowAutoPolicyOK})
	require.NoError(t, p.Shutdown(context.Background()))
}

func collect(t *testing.T, r *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, r.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sum(t *testing.T, a metricdata.Aggregation) int64 {
	t.Helper()
	s, ok := a.(metricdata.Sum[int64])
	require.True(t, ok, "aggregation %T", a)
	var total int64
	for _, dp := range s.DataPoints {
		total += dp.Value
	}
	return total
}

func TestTrackOperation(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	spans := tracetest.NewInMemoryExporter()
	cfg := DefaultConfig()
	cfg.Enabled = true
	p, err := New(context.Background(), cfg, WithMetricReader(reader), WithSpanExporter(spans))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	_, done := p.TrackOperation(context.Background(), "bridge.submit", AttrCapability.String("submit"))
	done(nil)
	_, done = p.TrackOperation(context.Background(), "bridge.sign", AttrCapability.String("sign"))
	done(reason.New(reason.DenyTPMUnavailable, "sealed"))

	metrics := collect(t, reader)
	assert.Equal(t, int64(2), sum(t, metrics["signer.requests.total"]))
	assert.Equal(t, int64(1), sum(t, metrics["signer.errors.total"]))
	assert.Equal(t, int64(0), sum(t, metrics["signer.operations.active"]))
	assert.Contains(t, metrics, "signer.request.duration")

	recorded := spans.GetSpans()
	require.Len(t, recorded, 2)
	assert.Equal(t, "bridge.submit", recorded[0].Name)
	assert.Len(t, recorded[1].Events, 1, "the error is recorded on the span")
}

func TestObserveAuditEvent(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	cfg := DefaultConfig()
	cfg.Enabled = true
	p, err := New(context.Background(), cfg, WithMetricReader(reader), WithSpanExporter(tracetest.NewInMemoryExporter()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	log := audit.NewLog()
	em := audit.NewEmitter(log, audit.DefaultEmitterConfig())
	em.OnEvent(p.ObserveAuditEvent)
	t.Cleanup(func() { _ = em.Close(context.Background()) })

	for _, code := range []reason.Code{reason.AllowAutoPolicyOK, reason.DenyGlobalLimit, reason.DenyGlobalLimit} {
		_, err := em.Record(context.Background(), audit.Event{Kind: audit.KindDecision, Reason: code})
		require.NoError(t, err)
	}
	assert.Equal(t, int64(3), sum(t, collect(t, reader)["signer.audit.events.total"]))
}

func TestEnabledResourceIdentifiesService(t *testing.T) {
	spans := tracetest.NewInMemoryExporter()
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.ServiceVersion = "9.9.9"
	p, err := New(context.Background(), cfg, WithMetricReader(sdkmetric.NewManualReader()), WithSpanExporter(spans))
	require.NoError(t, err, "default resource and service attributes must share a schema")
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	_, done := p.TrackOperation(context.Background(), "bridge.status")
	done(nil)

	recorded := spans.GetSpans()
	require.Len(t, recorded, 1)
	res := recorded[0].Resource
	assert.Equal(t, semconv.SchemaURL, res.SchemaURL())
	name, ok := res.Set().Value(semconv.ServiceNameKey)
	require.True(t, ok)
	assert.Equal(t, "helm-signer", name.AsString())
	ver, ok := res.Set().Value(semconv.ServiceVersionKey)
	require.True(t, ok)
	assert.Equal(t, "9.9.9", ver.AsString())
}
