package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCounter(t *testing.T) {
	r := New()
	c := r.Counter("gridweave_jobs_total", "Conversion jobs received")
	if c.Value() != 0 {
		t.Fatalf("expected 0, got %d", c.Value())
	}
	c.Inc()
	c.Inc()
	c.Add(5)
	if c.Value() != 7 {
		t.Fatalf("expected 7, got %d", c.Value())
	}
	// Same name returns the same counter
	c2 := r.Counter("gridweave_jobs_total", "")
	if c2 != c {
		t.Fatal("expected same counter instance")
	}
}

func TestGauge(t *testing.T) {
	r := New()
	g := r.Gauge("gridweave_systems_loaded", "Systems held in the registry")
	g.Set(42)
	if g.Value() != 42 {
		t.Fatalf("expected 42, got %d", g.Value())
	}
	g.Inc()
	g.Inc()
	g.Dec()
	if g.Value() != 43 {
		t.Fatalf("expected 43, got %d", g.Value())
	}
}

func TestHistogram(t *testing.T) {
	r := New()
	h := r.Histogram("gridweave_job_duration_seconds", "Conversion job duration", []float64{0.1, 0.5, 1.0})
	h.Observe(0.05)
	h.Observe(0.3)
	h.Observe(0.8)
	h.Observe(2.0) // past the last bucket, only counts toward +Inf

	buckets, counts, sum, count := h.snapshot()
	if count != 4 {
		t.Fatalf("expected count 4, got %d", count)
	}
	if len(buckets) != 3 {
		t.Fatalf("expected 3 buckets, got %d", len(buckets))
	}
	for i, want := range []uint64{1, 1, 1} {
		if counts[i] != want {
			t.Fatalf("bucket %g: expected %d, got %d", buckets[i], want, counts[i])
		}
	}
	expectedSum := 0.05 + 0.3 + 0.8 + 2.0
	if sum != expectedSum {
		t.Fatalf("expected sum %f, got %f", expectedSum, sum)
	}
}

func TestHistogramSince(t *testing.T) {
	r := New()
	h := r.Histogram("gridweave_read_duration_seconds", "", nil)
	start := time.Now().Add(-100 * time.Millisecond)
	h.Since(start)
	_, _, _, count := h.snapshot()
	if count != 1 {
		t.Fatal("expected 1 observation")
	}
}

func TestWithLabels(t *testing.T) {
	got := WithLabels("gridweave_jobs_total", "format", "opendss", "direction", "read")
	want := `gridweave_jobs_total{format="opendss",direction="read"}`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if WithLabels("gridweave_jobs_total") != "gridweave_jobs_total" {
		t.Fatal("no labels should return name unchanged")
	}
}

func TestRender(t *testing.T) {
	r := New()
	r.Counter("gridweave_jobs_total", "Conversion jobs received").Add(10)
	r.Counter(WithLabels("gridweave_jobs_total", "format", "opendss"), "").Add(7)
	r.Counter(WithLabels("gridweave_jobs_total", "format", "cimxml"), "").Add(3)
	r.Gauge("gridweave_systems_loaded", "Systems held in the registry").Set(5)
	h := r.Histogram("gridweave_job_duration_seconds", "Conversion job duration", []float64{0.1, 0.5, 1.0})
	h.Observe(0.05)
	h.Observe(0.3)

	out := r.Render()

	if !strings.Contains(out, "# TYPE gridweave_jobs_total counter") {
		t.Error("missing TYPE for counter")
	}
	if !strings.Contains(out, "# TYPE gridweave_systems_loaded gauge") {
		t.Error("missing TYPE for gauge")
	}
	if !strings.Contains(out, "# TYPE gridweave_job_duration_seconds histogram") {
		t.Error("missing TYPE for histogram")
	}
	if !strings.Contains(out, "gridweave_jobs_total 10") {
		t.Error("missing plain counter value")
	}
	if !strings.Contains(out, `gridweave_jobs_total{format="opendss"} 7`) {
		t.Error("missing labeled counter")
	}
	if !strings.Contains(out, "gridweave_systems_loaded 5") {
		t.Error("missing gauge value")
	}
	if !strings.Contains(out, `gridweave_job_duration_seconds_bucket{le="0.1"} 1`) {
		t.Errorf("missing histogram bucket 0.1, got:\n%s", out)
	}
	if !strings.Contains(out, `gridweave_job_duration_seconds_bucket{le="+Inf"} 2`) {
		t.Error("missing +Inf bucket")
	}
	if !strings.Contains(out, "gridweave_job_duration_seconds_count 2") {
		t.Error("missing histogram count")
	}
}

func TestHandler(t *testing.T) {
	r := New()
	r.Counter("gridweave_jobs_total", "jobs").Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	ct := rec.Header().Get("Content-Type")
	if !strings.Contains(ct, "text/plain") {
		t.Fatalf("unexpected content type: %s", ct)
	}
	if !strings.Contains(rec.Body.String(), "gridweave_jobs_total 1") {
		t.Error("missing metric in handler output")
	}
}

func TestBaseName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"gridweave_jobs_total", "gridweave_jobs_total"},
		{`gridweave_jobs_total{format="opendss"}`, "gridweave_jobs_total"},
		{`x{a="1",b="2"}`, "x"},
	}
	for _, tt := range tests {
		if got := baseName(tt.in); got != tt.want {
			t.Errorf("baseName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
