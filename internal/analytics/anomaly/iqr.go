package anomaly

import (
	"math"

	"github.com/montanaflynn/stats"

	"github.com/soltixdb/pgbalancer/internal/config"
)

// IQRDetector detects anomalies using the Interquartile Range (IQR).
// IQR is robust to outliers compared to Z-Score: a few very slow devices
// do not widen the fence the way they inflate a standard deviation.
// Anomalies are devices above Q3 + k*IQR with k = IQRMultiplier.
type IQRDetector struct{}

// Name returns the algorithm name
func (iqr *IQRDetector) Name() string {
	return config.StrategyIQR
}

// Detect finds anomalies using IQR method
func (iqr *IQRDetector) Detect(samples []Sample, cfg config.ActionConfig) ([]Anomaly, error) {
	if err := checkSamples(samples); err != nil {
		return nil, err
	}

	q, err := stats.Quartile(averages(samples))
	if err != nil {
		return nil, err
	}
	upper := q.Q3 + cfg.IQRMultiplier*(q.Q3-q.Q1)

	return flagAbove(samples, math.Max(upper, cfg.MaxCompliantLatency), iqr.Name()), nil
}
