package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// histFor returns the histogram data point carrying key=value, or the only
// data point when key is empty.
func histFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) metricdata.HistogramDataPoint[float64] {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric %q is not a histogram", name)
	}
	for _, dp := range hist.DataPoints {
		if key == "" {
			return dp
		}
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp
		}
	}
	t.Fatalf("metric %q has no data point with %s=%s", name, key, value)
	return metricdata.HistogramDataPoint[float64]{}
}

func TestHistograms(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.LLMDuration.Record(ctx, 1.2)
	m.LLMDuration.Record(ctx, 3.4)
	m.LLMTimeToFirstToken.Record(ctx, 0.3)
	m.RecordVoiceLine(ctx, "Lydia", 700*time.Millisecond)
	m.HTTPRequestDuration.Record(ctx, 0.002, metric.WithAttributes(
		attribute.String("method", "GET"),
		attribute.String("route", "GET /healthz"),
	))

	rm := collect(t, reader)

	tests := []struct {
		metric, key, value string
		want               uint64
	}{
		{metric: "parley.llm.duration", want: 2},
		{metric: "parley.llm.time_to_first_token", want: 1},
		{metric: "parley.tts.duration", key: "speaker", value: "Lydia", want: 1},
		{metric: "parley.http.request.duration", key: "route", value: "GET /healthz", want: 1},
	}
	for _, tc := range tests {
		t.Run(tc.metric, func(t *testing.T) {
			if got := histFor(t, rm, tc.metric, tc.key, tc.value).Count; got != tc.want {
				t.Errorf("sample count = %d, want %d", got, tc.want)
			}
		})
	}

	// Generation latency uses the explicit second-scale buckets.
	bounds := histFor(t, rm, "parley.llm.duration", "", "").Bounds
	if len(bounds) != len(latencyBuckets) || bounds[len(bounds)-1] != 30 {
		t.Errorf("llm duration bounds = %v, want %v", bounds, latencyBuckets)
	}
}

// sumFor returns the value of the data point carrying key=value.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value
			}
		}
	}
	t.Fatalf("metric %q has no data point with %s=%s", name, key, value)
	return 0
}

func TestCounterIncrement(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "openai", "llm", "ok")
	m.RecordProviderRequest(ctx, "openai", "llm", "ok")
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", "openai"),
		attribute.String("kind", "llm"),
		attribute.String("status", "error"),
	))

	rm := collect(t, reader)
	if got := sumFor(t, rm, "parley.provider.requests", "status", "ok"); got != 2 {
		t.Errorf("counter value = %d, want 2", got)
	}
}

func TestDomainCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderError(ctx, "coqui", "tts")
	m.RecordVoiceLine(ctx, "Lydia", 200*time.Millisecond)
	m.RecordVoiceLine(ctx, "Lydia", 300*time.Millisecond)
	m.RecordVoiceLine(ctx, "narrator", 100*time.Millisecond)
	m.RecordRetry(ctx, "invalid_author")
	m.RecordBehavior(ctx, "Follow")
	m.RecordBehavior(ctx, "Follow")
	m.RecordTurn(ctx, "reply")
	m.RecordBreakerTransition(ctx, "llm/openai", "open")

	rm := collect(t, reader)

	tests := []struct {
		metric, key, value string
		want               int64
	}{
		{"parley.provider.errors", "provider", "coqui", 1},
		{"parley.voicelines", "speaker", "Lydia", 2},
		{"parley.voicelines", "speaker", "narrator", 1},
		{"parley.parser.retries", "kind", "invalid_author", 1},
		{"parley.behaviors.triggered", "keyword", "Follow", 2},
		{"parley.turns", "outcome", "reply", 1},
		{"parley.breaker.transitions", "to", "open", 1},
	}
	for _, tc := range tests {
		t.Run(tc.metric+"/"+tc.value, func(t *testing.T) {
			if got := sumFor(t, rm, tc.metric, tc.key, tc.value); got != tc.want {
				t.Errorf("counter value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestActiveConversationsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveConversations.Add(ctx, 1)
	m.ActiveConversations.Add(ctx, 1)
	m.ActiveConversations.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "parley.active_conversations")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if len(sum.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("gauge value = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
