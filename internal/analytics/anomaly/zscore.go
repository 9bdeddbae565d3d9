package anomaly

import (
	"math"

	"github.com/montanaflynn/stats"

	"github.com/soltixdb/pgbalancer/internal/config"
)

// ZScoreDetector detects anomalies using Z-Score (standard score).
// Devices whose average latency is more than ZScoreThreshold population
// standard deviations above the class mean, and above MaxCompliantLatency,
// are anomalies.
type ZScoreDetector struct{}

// Name returns the algorithm name
func (z *ZScoreDetector) Name() string {
	return config.StrategyZScore
}

// Detect finds anomalies using Z-Score method
func (z *ZScoreDetector) Detect(samples []Sample, cfg config.ActionConfig) ([]Anomaly, error) {
	if err := checkSamples(samples); err != nil {
		return nil, err
	}

	mean, stdDev := CalculateMeanStdDev(averages(samples))

	// Flat class, nothing stands out
	if stdDev == 0 {
		return nil, nil
	}

	bound := math.Max(mean+cfg.ZScoreThreshold*stdDev, cfg.MaxCompliantLatency)
	var out []Anomaly
	for _, s := range samples {
		if CalculateZScore(s.Avg, mean, stdDev) > cfg.ZScoreThreshold && s.Avg > cfg.MaxCompliantLatency {
			out = append(out, newAnomaly(s.OSD, s.Avg, bound, z.Name()))
		}
	}
	sortAnomalies(out)
	return out, nil
}

// CalculateZScore calculates Z-Score for a single value given mean and stdDev
func CalculateZScore(value, mean, stdDev float64) float64 {
	if stdDev == 0 {
		return 0
	}
	return (value - mean) / stdDev
}

// CalculateMeanStdDev calculates mean and population standard deviation
func CalculateMeanStdDev(values []float64) (mean, stdDev float64) {
	if len(values) == 0 {
		return 0, 0
	}
	mean, _ = stats.Mean(values)
	stdDev, _ = stats.StandardDeviationPopulation(values)
	return mean, stdDev
}
