// Package evaluation scores live readings against learned baselines
// through the four-step decision hierarchy: rule severity, stability,
// ML advisory, weighted risk. The ML signal never changes a final
// severity; it only raises an informational warning flag.
package evaluation

import (
	"math"

	"github.com/meltline/meltline/internal/features"
	"github.com/meltline/meltline/internal/models"
)

// Fixed Temp_Spread thresholds (°C); the spread never uses a baseline.
const (
	tempSpreadGreenMax  = 5.0
	tempSpreadOrangeMax = 8.0
)

// Generic relative band applied when a finalized baseline exists but no
// scoring band is configured for the metric.
const (
	genericGreenPct  = 3.0
	genericOrangePct = 5.0
)

// Stability thresholds on current_std / baseline_std.
const (
	stabilityGreenMax  = 1.2
	stabilityOrangeMax = 1.6
	stabilityWindowSec = 10 * 60
	stabilityMinSample = 3
)

// mlWarningThreshold is the advisory score above which a metric is flagged.
const mlWarningThreshold = 0.7

// ruleSeverity computes the per-metric rule-based severity. Exactly one
// path applies per metric: the fixed spread thresholds, the configured
// scoring band, the generic 3/5 % band when a finalized baseline exists,
// or the rolling-window z-score as the last resort.
func ruleSeverity(metric string, value float64, band *models.ScoringBand, stats *models.BaselineStats, wf features.WindowFeatures) models.Severity {
	if metric == models.MetricTempSpread {
		switch {
		case value <= tempSpreadGreenMax:
			return models.SeverityGreen
		case value <= tempSpreadOrangeMax:
			return models.SeverityOrange
		default:
			return models.SeverityRed
		}
	}

	if band != nil && stats.Finalized() {
		mean := *stats.Mean
		deviation := math.Abs(value - mean)
		if band.Mode == models.BandModeRel {
			if mean == 0 {
				return models.SeverityUnknown
			}
			deviation = 100 * deviation / math.Abs(mean)
		}
		switch {
		case deviation <= band.GreenLimit:
			return models.SeverityGreen
		case deviation <= band.OrangeLimit:
			return models.SeverityOrange
		default:
			return models.SeverityRed
		}
	}

	if stats.Finalized() && *stats.Mean != 0 {
		pct := 100 * math.Abs(value-*stats.Mean) / math.Abs(*stats.Mean)
		switch {
		case pct <= genericGreenPct:
			return models.SeverityGreen
		case pct <= genericOrangePct:
			return models.SeverityOrange
		default:
			return models.SeverityRed
		}
	}

	// Rolling-window z-score fallback.
	mf, ok := wf.Metrics[metric]
	if !ok || mf.Std == 0 {
		return models.SeverityUnknown
	}
	z := math.Abs(value-mf.Mean) / mf.Std
	switch {
	case z <= 1:
		return models.SeverityGreen
	case z <= 2:
		return models.SeverityOrange
	default:
		return models.SeverityRed
	}
}

// stabilitySeverity maps the ratio of the current 10-minute std dev to the
// baseline std dev. Profile baseline std is preferred; the full-window std
// serves as the reference otherwise. No usable baseline std yields UNKNOWN.
func stabilitySeverity(metric string, window []*models.HistorianRow, stats *models.BaselineStats, wf features.WindowFeatures) models.Severity {
	currentStd, ok := features.StdOverWindow(window, metric, stabilityWindowSec)
	if !ok {
		return models.SeverityUnknown
	}

	var baselineStd float64
	if stats.Finalized() && *stats.Std > 0 {
		baselineStd = *stats.Std
	} else if mf, found := wf.Metrics[metric]; found && mf.Std > 0 {
		baselineStd = mf.Std
	}
	if baselineStd <= 0 {
		return models.SeverityUnknown
	}

	ratio := currentStd / baselineStd
	switch {
	case ratio <= stabilityGreenMax:
		return models.SeverityGreen
	case ratio <= stabilityOrangeMax:
		return models.SeverityOrange
	default:
		return models.SeverityRed
	}
}

// combine applies the decision hierarchy for one metric: the rule severity
// is the floor, stability may only raise it, and the ML score never
// changes it.
func combine(rule, stability models.Severity, mlScore float64) (models.Severity, bool) {
	final := rule
	if stability >= models.SeverityOrange {
		final = models.MaxSeverity(final, stability)
	}
	mlWarning := mlScore > mlWarningThreshold
	return final, mlWarning
}

// riskScore computes the weighted overall score when all four components
// are known. It returns the clamped 0-100 score and the raw unclamped sum
// (all-RED scores 200, which the incident layer reads as a fault event).
// ok is false when any component is UNKNOWN, in which case the caller
// falls back to the worst per-metric severity.
func riskScore(sPressure, sTempAvg, sTempSpread, sStability models.Severity) (score, raw float64, ok bool) {
	if !sPressure.Known() || !sTempAvg.Known() || !sTempSpread.Known() || !sStability.Known() {
		return 0, 0, false
	}
	raw = 25*float64(sPressure) + 25*float64(sTempAvg) + 25*float64(sTempSpread) + 25*float64(sStability)
	score = raw
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score, raw, true
}

// overallFromRisk maps the risk score onto the traffic light.
func overallFromRisk(score float64) models.Severity {
	switch {
	case score <= 33:
		return models.SeverityGreen
	case score <= 66:
		return models.SeverityOrange
	default:
		return models.SeverityRed
	}
}

// representativeStability picks Pressure_bar stability when known, else
// the rounded mean of the known stabilities.
func representativeStability(stabilities map[string]models.Severity) models.Severity {
	if s, ok := stabilities[models.MetricPressure]; ok && s.Known() {
		return s
	}
	var sum, n float64
	for _, s := range stabilities {
		if s.Known() {
			sum += float64(s)
			n++
		}
	}
	if n == 0 {
		return models.SeverityUnknown
	}
	return models.Severity(math.Round(sum / n))
}

// processStatusText renders the operator status line.
func processStatusText(overall models.Severity) string {
	switch overall {
	case models.SeverityGreen:
		return "Process stable"
	case models.SeverityOrange:
		return "Process drifting from baseline"
	case models.SeverityRed:
		return "High risk of instability or scrap"
	default:
		return "No evaluation available"
	}
}
