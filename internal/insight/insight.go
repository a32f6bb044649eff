// Package insight computes statistics over the alert event log and
// fetched metric history: alert-rate surge detection and short-horizon
// value forecasting.
package insight

import (
	"math"
	"sort"
	"time"
)

// Severity levels for detected surges.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// minBuckets is the smallest history that yields a surge verdict.
const minBuckets = 5

// HourlyCounts buckets event timestamps per hour and returns the counts
// ordered by hour ascending. Hours with no events between occupied
// buckets are not padded; the series reflects occupied hours only.
func HourlyCounts(timestamps []time.Time) []float64 {
	if len(timestamps) == 0 {
		return nil
	}
	counts := make(map[time.Time]int)
	for _, ts := range timestamps {
		counts[ts.Truncate(time.Hour)]++
	}

	hours := make([]time.Time, 0, len(counts))
	for h := range counts {
		hours = append(hours, h)
	}
	sort.Slice(hours, func(i, j int) bool { return hours[i].Before(hours[j]) })

	series := make([]float64, len(hours))
	for i, h := range hours {
		series[i] = float64(counts[h])
	}
	return series
}

// SurgeResult is the outcome of an alert-rate surge check.
type SurgeResult struct {
	Checked  bool // false when history is too short for a verdict
	IsSurge  bool
	ZScore   float64
	Severity string
}

// SurgeCheck evaluates whether the latest hourly count is anomalous
// against the mean and standard deviation of the preceding buckets.
// threshold is the minimum |z-score| to flag (e.g. 3.0). Severity:
// warning below threshold+1, critical at or above it.
func SurgeCheck(counts []float64, threshold float64) SurgeResult {
	if len(counts) < minBuckets {
		return SurgeResult{}
	}

	latest := counts[len(counts)-1]
	baseline := counts[:len(counts)-1]
	mean, stdDev := meanStdDev(baseline)
	if stdDev <= 0 {
		return SurgeResult{Checked: true}
	}

	z := (latest - mean) / stdDev
	result := SurgeResult{Checked: true, ZScore: z}
	if math.Abs(z) < threshold {
		return result
	}

	result.IsSurge = true
	result.Severity = SeverityWarning
	if math.Abs(z) >= threshold+1 {
		result.Severity = SeverityCritical
	}
	return result
}

// Forecast extrapolates the next steps values with a least-squares
// linear fit over the input. Fewer than 3 points yield no forecast.
func Forecast(values []float64, steps int) []float64 {
	n := len(values)
	if n < 3 || steps <= 0 {
		return nil
	}

	var sumX, sumY float64
	for i, v := range values {
		sumX += float64(i)
		sumY += v
	}
	meanX := sumX / float64(n)
	meanY := sumY / float64(n)

	var ssXY, ssXX float64
	for i, v := range values {
		dx := float64(i) - meanX
		ssXY += dx * (v - meanY)
		ssXX += dx * dx
	}

	slope := 0.0
	if ssXX != 0 {
		slope = ssXY / ssXX
	}
	intercept := meanY - slope*meanX

	out := make([]float64, steps)
	for i := range out {
		out[i] = slope*float64(n+i) + intercept
	}
	return out
}

func meanStdDev(values []float64) (mean, stdDev float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))

	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	stdDev = math.Sqrt(ss / float64(len(values)))
	return mean, stdDev
}
