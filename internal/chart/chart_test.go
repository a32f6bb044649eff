package chart

import (
	"bytes"
	"image/png"
	"testing"
	"time"

	"github.com/phystech/zbridge/internal/zabbix"
)

func decodePNG(t *testing.T, data []byte) (width, height int) {
	t.Helper()
	if len(data) == 0 {
		t.Fatal("empty image data")
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	bounds := img.Bounds()
	return bounds.Dx(), bounds.Dy()
}

func sampleSeries(n int) []zabbix.MetricSample {
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	samples := make([]zabbix.MetricSample, n)
	for i := range samples {
		samples[i] = zabbix.MetricSample{
			Timestamp: base.Add(time.Duration(i) * 10 * time.Minute),
			Value:     float64(40 + i*3),
		}
	}
	return samples
}

func TestRender_EmptyInputProducesPlaceholder(t *testing.T) {
	r := New(0, 0)

	data, err := r.Render(nil, "CPU load")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	w, h := decodePNG(t, data)
	if w != 900 || h != 300 {
		t.Errorf("dimensions = %dx%d, want 900x300", w, h)
	}
}

func TestRender_SingleSample(t *testing.T) {
	r := New(400, 200)

	data, err := r.Render(sampleSeries(1), "CPU load")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	w, h := decodePNG(t, data)
	if w != 400 || h != 200 {
		t.Errorf("dimensions = %dx%d, want 400x200", w, h)
	}
}

func TestRender_EmptyDiffersFromSingleSample(t *testing.T) {
	r := New(400, 200)

	empty, err := r.Render(nil, "CPU load")
	if err != nil {
		t.Fatalf("Render(empty): %v", err)
	}
	single, err := r.Render(sampleSeries(1), "CPU load")
	if err != nil {
		t.Fatalf("Render(single): %v", err)
	}
	if bytes.Equal(empty, single) {
		t.Error("placeholder and single-sample renderings are identical")
	}
}

func TestRender_FullSeries(t *testing.T) {
	r := New(0, 0)

	data, err := r.Render(sampleSeries(144), "Network traffic on eth0")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	decodePNG(t, data)
}

func TestRender_FlatSeries(t *testing.T) {
	r := New(0, 0)

	samples := sampleSeries(10)
	for i := range samples {
		samples[i].Value = 42
	}
	data, err := r.Render(samples, "Constant")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	decodePNG(t, data)
}

func TestRender_DuplicateTimestampsPreserved(t *testing.T) {
	r := New(0, 0)

	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	samples := []zabbix.MetricSample{
		{Timestamp: base, Value: 1},
		{Timestamp: base.Add(time.Minute), Value: 2},
		{Timestamp: base.Add(time.Minute), Value: 3},
		{Timestamp: base.Add(2 * time.Minute), Value: 2},
	}
	data, err := r.Render(samples, "Bursty")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	decodePNG(t, data)
}

func TestYRange(t *testing.T) {
	tests := []struct {
		name     string
		min, max float64
	}{
		{"normal span", 10, 20},
		{"flat nonzero", 42, 42},
		{"flat zero", 0, 0},
		{"negative values", -20, -10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lo, hi := yRange(tt.min, tt.max)
			if lo >= tt.min {
				t.Errorf("lo = %v, want below %v", lo, tt.min)
			}
			if hi <= tt.max {
				t.Errorf("hi = %v, want above %v", hi, tt.max)
			}
		})
	}
}
