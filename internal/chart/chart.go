// Package chart renders metric history into PNG images suitable for
// direct transmission as chat attachments. Rendering is a pure function
// of its input: no network, no auth, no shared state.
package chart

import (
	"bytes"
	"fmt"
	"time"

	"github.com/wcharczuk/go-chart/v2"

	"github.com/phystech/zbridge/internal/zabbix"
)

const (
	defaultWidth  = 900
	defaultHeight = 300

	timeFormat = "02.01 15:04"
)

// Renderer draws metric sample sequences as time-series line charts.
type Renderer struct {
	width  int
	height int
}

// New creates a renderer with the given canvas size. Zero values fall
// back to the defaults.
func New(width, height int) *Renderer {
	if width <= 0 {
		width = defaultWidth
	}
	if height <= 0 {
		height = defaultHeight
	}
	return &Renderer{width: width, height: height}
}

// Render converts samples into a complete PNG byte stream. Empty input
// produces a "no data" placeholder; a single sample is drawn as a dot on
// fixed axis ranges instead of a degenerate line.
func (r *Renderer) Render(samples []zabbix.MetricSample, title string) ([]byte, error) {
	graph := chart.Chart{
		Title:  title,
		Width:  r.width,
		Height: r.height,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatterWithFormat(timeFormat),
		},
	}

	switch len(samples) {
	case 0:
		now := time.Now()
		graph.XAxis.Range = &chart.ContinuousRange{
			Min: chart.TimeToFloat64(now.Add(-time.Hour)),
			Max: chart.TimeToFloat64(now),
		}
		graph.YAxis.Range = &chart.ContinuousRange{Min: 0, Max: 1}
		graph.Series = []chart.Series{
			chart.AnnotationSeries{
				Annotations: []chart.Value2{
					{XValue: chart.TimeToFloat64(now.Add(-30 * time.Minute)), YValue: 0.5, Label: "no data"},
				},
			},
		}
	case 1:
		s := samples[0]
		graph.XAxis.Range = &chart.ContinuousRange{
			Min: chart.TimeToFloat64(s.Timestamp.Add(-5 * time.Minute)),
			Max: chart.TimeToFloat64(s.Timestamp.Add(5 * time.Minute)),
		}
		lo, hi := yRange(s.Value, s.Value)
		graph.YAxis.Range = &chart.ContinuousRange{Min: lo, Max: hi}
		graph.Series = []chart.Series{
			chart.TimeSeries{
				XValues: []time.Time{s.Timestamp},
				YValues: []float64{s.Value},
				Style:   chart.Style{DotWidth: 5, StrokeWidth: 1},
			},
		}
	default:
		xs := make([]time.Time, len(samples))
		ys := make([]float64, len(samples))
		minV, maxV := samples[0].Value, samples[0].Value
		for i, s := range samples {
			xs[i] = s.Timestamp
			ys[i] = s.Value
			if s.Value < minV {
				minV = s.Value
			}
			if s.Value > maxV {
				maxV = s.Value
			}
		}
		lo, hi := yRange(minV, maxV)
		graph.YAxis.Range = &chart.ContinuousRange{Min: lo, Max: hi}
		graph.Series = []chart.Series{
			chart.TimeSeries{
				XValues: xs,
				YValues: ys,
				Style:   chart.Style{StrokeWidth: 2},
			},
		}
	}

	var buf bytes.Buffer
	if err := graph.Render(chart.PNG, &buf); err != nil {
		return nil, fmt.Errorf("render chart %q: %w", title, err)
	}
	return buf.Bytes(), nil
}

// yRange pads the value range with a small margin so the plot never
// touches the canvas edge. A flat series gets a synthetic spread.
func yRange(minV, maxV float64) (float64, float64) {
	span := maxV - minV
	if span == 0 {
		span = maxV
		if span < 0 {
			span = -span
		}
		if span == 0 {
			span = 1
		}
	}
	margin := span * 0.05
	return minV - margin, maxV + margin
}
