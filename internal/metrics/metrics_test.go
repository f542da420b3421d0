package metrics

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func gather(t *testing.T, m *Metrics) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func counterValue(t *testing.T, fams map[string]*dto.MetricFamily, name string) float64 {
	t.Helper()
	f, ok := fams[name]
	if !ok {
		t.Fatalf("metric %s not registered", name)
	}
	return f.GetMetric()[0].GetCounter().GetValue()
}

func TestSessionCounters(t *testing.T) {
	m := New()
	m.SessionStarted()
	m.SessionStarted()
	m.SessionEnded()

	fams := gather(t, m)
	if got := counterValue(t, fams, "kmsvnc_sessions_total"); got != 2 {
		t.Errorf("sessions_total = %v, want 2", got)
	}
	if got := fams["kmsvnc_active_sessions"].GetMetric()[0].GetGauge().GetValue(); got != 1 {
		t.Errorf("active_sessions = %v, want 1", got)
	}
}

func TestRecordUpdate(t *testing.T) {
	m := New()
	m.RecordUpdate(3, 4096, 5*time.Millisecond)
	m.RecordUpdate(1, 1024, time.Millisecond)

	fams := gather(t, m)
	if got := counterValue(t, fams, "kmsvnc_updates_total"); got != 2 {
		t.Errorf("updates_total = %v, want 2", got)
	}
	if got := counterValue(t, fams, "kmsvnc_rectangles_total"); got != 4 {
		t.Errorf("rectangles_total = %v, want 4", got)
	}
	if got := counterValue(t, fams, "kmsvnc_update_bytes_total"); got != 5120 {
		t.Errorf("update_bytes_total = %v, want 5120", got)
	}
	hist := fams["kmsvnc_update_duration_seconds"].GetMetric()[0].GetHistogram()
	if hist.GetSampleCount() != 2 {
		t.Errorf("histogram count = %d, want 2", hist.GetSampleCount())
	}
}

func TestSetGeometry(t *testing.T) {
	m := New()
	m.SetGeometry(1920, 1080)

	fams := gather(t, m)
	f, ok := fams["kmsvnc_framebuffer_dimension_pixels"]
	if !ok {
		t.Fatal("geometry gauge not registered")
	}
	values := map[string]float64{}
	for _, metric := range f.GetMetric() {
		values[metric.GetLabel()[0].GetValue()] = metric.GetGauge().GetValue()
	}
	if values["width"] != 1920 || values["height"] != 1080 {
		t.Errorf("geometry = %v", values)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.SessionStarted()
	m.SessionEnded()
	m.RecordUpdate(1, 1, time.Millisecond)
	m.RecordCaptureError()
	m.RecordInput()
	m.SetGeometry(1, 1)
	if m.Registry() != nil {
		t.Error("nil metrics should have nil registry")
	}
}
