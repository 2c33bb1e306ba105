package perfmon

import "math"

// qualityScore maps a metric value to 0..100 against its thresholds:
// 100 at or below target, 50 at warning, 0 at or beyond critical, linear
// between. Degenerate spans collapse to steps.
func qualityScore(def MetricDef, value float64) float64 {
	switch {
	case value <= def.Target:
		return 100
	case value >= def.Critical:
		return 0
	case value <= def.Warning:
		span := def.Warning - def.Target
		if span <= 0 {
			return 50
		}
		return 100 - 50*(value-def.Target)/span
	default:
		span := def.Critical - def.Warning
		if span <= 0 {
			return 0
		}
		return 50 - 50*(value-def.Warning)/span
	}
}

// classifyTrend compares the mean of the five most recent samples with the
// mean of the five before them. Metrics are lower-is-better, so a falling
// mean is improving. High dispersion wins over direction.
func classifyTrend(values []float64, stableBand, volatileCV float64) string {
	const window = 10
	if len(values) < window {
		return TrendUnknown
	}
	recent := values[len(values)-window:]

	m := mean(recent)
	if m != 0 && stddev(recent, m)/math.Abs(m) > volatileCV {
		return TrendVolatile
	}

	half := window / 2
	priorMean := mean(recent[:half])
	recentMean := mean(recent[half:])
	if priorMean == 0 {
		if recentMean == 0 {
			return TrendStable
		}
		return TrendDegrading
	}
	delta := (recentMean - priorMean) / math.Abs(priorMean)
	switch {
	case math.Abs(delta) <= stableBand:
		return TrendStable
	case delta < 0:
		return TrendImproving
	default:
		return TrendDegrading
	}
}

func sampleValues(samples []Sample) []float64 {
	vs := make([]float64, len(samples))
	for i, s := range samples {
		vs[i] = s.Value
	}
	return vs
}

func mean(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

func stddev(vs []float64, m float64) float64 {
	if len(vs) < 2 {
		return 0
	}
	sum := 0.0
	for _, v := range vs {
		d := v - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(vs)))
}
