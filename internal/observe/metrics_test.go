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

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

// sumValue returns the value of the data point carrying key=value.
func sumValue(t *testing.T, met *metricdata.Metrics, key, value string) (int64, bool) {
	t.Helper()
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", met.Name)
	}
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value, true
			}
		}
	}
	return 0, false
}

func TestRecordTranscription(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTranscription(ctx, "whisper", "ok", "", 300*time.Millisecond)
	m.RecordTranscription(ctx, "whisper", "ok", "", 500*time.Millisecond)
	m.RecordTranscription(ctx, "whisper", "error", "fatal", time.Second)

	rm := collect(t, reader)

	hist := findMetric(rm, "parley.transcribe.duration")
	if hist == nil {
		t.Fatal("parley.transcribe.duration not found")
	}
	h, ok := hist.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("parley.transcribe.duration is not a histogram")
	}
	var count uint64
	for _, dp := range h.DataPoints {
		count += dp.Count
	}
	if count != 3 {
		t.Errorf("histogram count = %d, want 3", count)
	}

	req := findMetric(rm, "parley.provider.requests")
	if req == nil {
		t.Fatal("parley.provider.requests not found")
	}
	if v, ok := sumValue(t, req, "status", "ok"); !ok || v != 2 {
		t.Errorf("ok requests = %d (found=%v), want 2", v, ok)
	}

	errs := findMetric(rm, "parley.provider.errors")
	if errs == nil {
		t.Fatal("parley.provider.errors not found")
	}
	if v, ok := sumValue(t, errs, "kind", "fatal"); !ok || v != 1 {
		t.Errorf("fatal errors = %d (found=%v), want 1", v, ok)
	}
}

func TestRecordFinal(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFinal(ctx, "full", "matched", "exact", 1)
	m.RecordFinal(ctx, "failure", "timeout", "none", 0)

	rm := collect(t, reader)
	met := findMetric(rm, "parley.session.finals")
	if met == nil {
		t.Fatal("metric not found")
	}
	if v, ok := sumValue(t, met, "reason", "timeout"); !ok || v != 1 {
		t.Errorf("timeout finals = %d (found=%v), want 1", v, ok)
	}

	conf := findMetric(rm, "parley.match.confidence")
	if conf == nil {
		t.Fatal("parley.match.confidence not found")
	}
	h := conf.Data.(metricdata.Histogram[float64])
	if len(h.DataPoints) == 0 || h.DataPoints[0].Count != 2 {
		t.Errorf("confidence samples = %+v, want 2", h.DataPoints)
	}
}

func TestRecordPenaltyAndBreaker(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordPenalty(ctx, "ja")
	m.RecordPenalty(ctx, "ja")
	m.RecordBreakerTransition(ctx, "whisper", "open")

	rm := collect(t, reader)
	pen := findMetric(rm, "parley.session.penalties")
	if pen == nil {
		t.Fatal("parley.session.penalties not found")
	}
	if v, ok := sumValue(t, pen, "language", "ja"); !ok || v != 2 {
		t.Errorf("penalties = %d (found=%v), want 2", v, ok)
	}
	br := findMetric(rm, "parley.breaker.transitions")
	if br == nil {
		t.Fatal("parley.breaker.transitions not found")
	}
	if v, ok := sumValue(t, br, "state", "open"); !ok || v != 1 {
		t.Errorf("transitions = %d (found=%v), want 1", v, ok)
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveConnections.Add(ctx, 3)
	m.ActiveConnections.Add(ctx, -1)
	m.ActiveSessions.Add(ctx, 1)

	rm := collect(t, reader)

	gauges := []struct {
		name string
		want int64
	}{
		{"parley.active_connections", 2},
		{"parley.active_sessions", 1},
	}

	for _, tc := range gauges {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", tc.name)
			}
			if len(sum.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := sum.DataPoints[0].Value; got != tc.want {
				t.Errorf("gauge value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "parley.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
