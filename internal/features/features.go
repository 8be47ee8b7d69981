// Package features derives statistical features from a rolling window of
// historian rows. Everything here is stateless and deterministic: the same
// window always yields the same features, and every returned float is
// finite.
package features

import (
	"math"

	"github.com/meltline/meltline/internal/models"
)

// slopeBackWindow is how far back the temperature slope comparison looks.
const (
	slopeBackMin = 5 * 60 // seconds; samples at least this old
	slopeBackMax = 6 * 60 // seconds; and at most this old
)

// MetricFeatures holds the per-metric window statistics.
type MetricFeatures struct {
	Last      float64 `json:"last"`
	Mean      float64 `json:"mean"`
	Std       float64 `json:"std"`
	DeltaPrev float64 `json:"deltaPrev"` // last minus previous sample
	DeltaMean float64 `json:"deltaMean"` // last minus moving average
}

// WindowFeatures is the full feature set for one tick.
type WindowFeatures struct {
	Count        int                       `json:"count"`
	TempAvg      float64                   `json:"tempAvg"`
	TempSpread   float64                   `json:"tempSpread"`
	TempSlope    float64                   `json:"tempSlope"` // °C/min
	DriftScore   float64                   `json:"driftScore"`
	Metrics      map[string]MetricFeatures `json:"metrics"`
	Correlations map[string]float64        `json:"correlations"`
}

// Compute derives the full feature set from the window. The window must be
// ordered ascending by timestamp; the last row is the current reading.
func Compute(window []*models.HistorianRow) WindowFeatures {
	wf := WindowFeatures{
		Count:        len(window),
		Metrics:      make(map[string]MetricFeatures, 8),
		Correlations: make(map[string]float64, 3),
	}
	if len(window) == 0 {
		return wf
	}

	last := window[len(window)-1]
	wf.TempAvg = sanitize(TempAvg(last))
	wf.TempSpread = sanitize(TempSpread(last))

	series := extractSeries(window)
	for metric, values := range series {
		wf.Metrics[metric] = metricFeatures(values)
	}

	wf.TempSlope = sanitize(tempSlope(window))
	wf.DriftScore = driftScore(wf.Metrics)

	if len(window) >= 3 {
		wf.Correlations["rpm_pressure"] = sanitize(pearson(series[models.MetricScrewSpeed], series[models.MetricPressure]))
		wf.Correlations["rpm_temp"] = sanitize(pearson(series[models.MetricScrewSpeed], series[models.MetricTempAvg]))
		wf.Correlations["pressure_temp"] = sanitize(pearson(series[models.MetricPressure], series[models.MetricTempAvg]))
	} else {
		wf.Correlations["rpm_pressure"] = 0
		wf.Correlations["rpm_temp"] = 0
		wf.Correlations["pressure_temp"] = 0
	}

	return wf
}

// TempAvg is the mean of the valid temperature zones of one row.
func TempAvg(row *models.HistorianRow) float64 {
	zones := row.TempZones()
	if len(zones) == 0 {
		return 0
	}
	var sum float64
	for _, z := range zones {
		sum += z
	}
	return sum / float64(len(zones))
}

// TempSpread is max minus min over the valid temperature zones.
func TempSpread(row *models.HistorianRow) float64 {
	zones := row.TempZones()
	if len(zones) < 2 {
		return 0
	}
	lo, hi := zones[0], zones[0]
	for _, z := range zones[1:] {
		if z < lo {
			lo = z
		}
		if z > hi {
			hi = z
		}
	}
	return hi - lo
}

// extractSeries builds aligned per-metric value slices. Rows with an
// absent channel contribute nothing to that metric's series.
func extractSeries(window []*models.HistorianRow) map[string][]float64 {
	series := make(map[string][]float64, 8)
	add := func(metric string, v *float64) {
		if v != nil {
			series[metric] = append(series[metric], *v)
		}
	}
	for _, row := range window {
		add(models.MetricScrewSpeed, row.ScrewRPM)
		add(models.MetricPressure, row.PressureBar)
		add(models.MetricTempZone1, row.TempZone1)
		add(models.MetricTempZone2, row.TempZone2)
		add(models.MetricTempZone3, row.TempZone3)
		add(models.MetricTempZone4, row.TempZone4)
		if len(row.TempZones()) > 0 {
			avg := TempAvg(row)
			series[models.MetricTempAvg] = append(series[models.MetricTempAvg], avg)
			series[models.MetricTempSpread] = append(series[models.MetricTempSpread], TempSpread(row))
		}
	}
	return series
}

func metricFeatures(values []float64) MetricFeatures {
	var mf MetricFeatures
	n := len(values)
	if n == 0 {
		return mf
	}
	mf.Last = sanitize(values[n-1])
	if n < 2 {
		// neutral zeros for degenerate windows
		mf.Mean = mf.Last
		return mf
	}

	mf.Mean = sanitize(mean(values))
	mf.Std = sanitize(stdDev(values, mf.Mean))
	mf.DeltaPrev = sanitize(values[n-1] - values[n-2])
	mf.DeltaMean = sanitize(values[n-1] - mf.Mean)
	return mf
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdDev(values []float64, m float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sq float64
	for _, v := range values {
		d := v - m
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(values)-1))
}

// tempSlope compares the current temperature average with the mean of the
// samples that are 5 to 6 minutes old, expressed in °C per minute.
func tempSlope(window []*models.HistorianRow) float64 {
	if len(window) < 2 {
		return 0
	}
	last := window[len(window)-1]
	if len(last.TempZones()) == 0 {
		return 0
	}
	now := last.Timestamp
	current := TempAvg(last)

	var backSum float64
	var backCount int
	var backAge float64
	for _, row := range window {
		age := now.Sub(row.Timestamp).Seconds()
		if age < slopeBackMin || age > slopeBackMax {
			continue
		}
		if len(row.TempZones()) == 0 {
			continue
		}
		backSum += TempAvg(row)
		backAge += age
		backCount++
	}
	if backCount == 0 {
		return 0
	}
	backAvg := backSum / float64(backCount)
	ageMinutes := backAge / float64(backCount) / 60.0
	if ageMinutes <= 0 {
		return 0
	}
	return (current - backAvg) / ageMinutes
}

// driftScore combines the normalized absolute deltas of pressure and
// temperature against their moving averages into a [0,1] scalar.
func driftScore(metrics map[string]MetricFeatures) float64 {
	norm := func(mf MetricFeatures) float64 {
		if mf.Mean == 0 {
			return 0
		}
		return math.Abs(mf.DeltaMean) / math.Abs(mf.Mean)
	}
	score := (norm(metrics[models.MetricPressure]) + norm(metrics[models.MetricTempAvg])) / 2.0
	if score > 1 {
		score = 1
	}
	if score < 0 || math.IsNaN(score) {
		score = 0
	}
	return score
}

// pearson computes the Pearson correlation of two aligned series.
// Fewer than three pairs yields 0.
func pearson(xs, ys []float64) float64 {
	n := len(xs)
	if len(ys) < n {
		n = len(ys)
	}
	if n < 3 {
		return 0
	}
	xs, ys = xs[len(xs)-n:], ys[len(ys)-n:]

	mx, my := mean(xs), mean(ys)
	var cov, vx, vy float64
	for i := 0; i < n; i++ {
		dx := xs[i] - mx
		dy := ys[i] - my
		cov += dx * dy
		vx += dx * dx
		vy += dy * dy
	}
	if vx == 0 || vy == 0 {
		return 0
	}
	return cov / math.Sqrt(vx*vy)
}

// sanitize coerces NaN to 0 and ±Inf to ±10 so every feature is finite.
func sanitize(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	if math.IsInf(v, 1) {
		return 10
	}
	if math.IsInf(v, -1) {
		return -10
	}
	return v
}

// StdOverWindow computes the sample std dev of a metric over the rows not
// older than the given span relative to the newest row. Used by the
// stability scoring; fewer than three samples yields (0, false).
func StdOverWindow(window []*models.HistorianRow, metric string, spanSeconds float64) (float64, bool) {
	if len(window) == 0 {
		return 0, false
	}
	newest := window[len(window)-1].Timestamp

	var values []float64
	for _, row := range window {
		if newest.Sub(row.Timestamp).Seconds() > spanSeconds {
			continue
		}
		if v, ok := metricValue(row, metric); ok {
			values = append(values, v)
		}
	}
	if len(values) < 3 {
		return 0, false
	}
	return sanitize(stdDev(values, mean(values))), true
}

func metricValue(row *models.HistorianRow, metric string) (float64, bool) {
	switch metric {
	case models.MetricScrewSpeed:
		if row.ScrewRPM != nil {
			return *row.ScrewRPM, true
		}
	case models.MetricPressure:
		if row.PressureBar != nil {
			return *row.PressureBar, true
		}
	case models.MetricTempZone1:
		if row.TempZone1 != nil {
			return *row.TempZone1, true
		}
	case models.MetricTempZone2:
		if row.TempZone2 != nil {
			return *row.TempZone2, true
		}
	case models.MetricTempZone3:
		if row.TempZone3 != nil {
			return *row.TempZone3, true
		}
	case models.MetricTempZone4:
		if row.TempZone4 != nil {
			return *row.TempZone4, true
		}
	case models.MetricTempAvg:
		if len(row.TempZones()) > 0 {
			return TempAvg(row), true
		}
	case models.MetricTempSpread:
		if len(row.TempZones()) >= 2 {
			return TempSpread(row), true
		}
	}
	return 0, false
}

// MetricValue exposes metricValue for the evaluator.
func MetricValue(row *models.HistorianRow, metric string) (float64, bool) {
	return metricValue(row, metric)
}
