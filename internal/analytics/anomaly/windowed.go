package anomaly

import (
	"math"

	"github.com/montanaflynn/stats"

	"github.com/soltixdb/pgbalancer/internal/config"
)

// WindowedDetector compares each device's window statistics to the mean of
// the class averages. A device is slow when its average is above
// MaxCompliantLatency and its average, minimum and latest latency all
// exceed their multiple of the class mean.
type WindowedDetector struct{}

// Name returns the algorithm name
func (w *WindowedDetector) Name() string {
	return config.StrategyWindowed
}

// Detect finds devices that are slow over the whole window
func (w *WindowedDetector) Detect(samples []Sample, cfg config.ActionConfig) ([]Anomaly, error) {
	if err := checkSamples(samples); err != nil {
		return nil, err
	}

	classAvg, err := stats.Mean(averages(samples))
	if err != nil {
		return nil, err
	}
	bound := math.Max(cfg.MaxCompliantLatency, cfg.AvgLatencyThreshold*classAvg)

	var out []Anomaly
	for _, s := range samples {
		if s.Avg <= cfg.MaxCompliantLatency {
			continue
		}
		if s.Avg <= cfg.AvgLatencyThreshold*classAvg {
			continue
		}
		if s.Min <= cfg.MinLatencyThreshold*classAvg {
			continue
		}
		if s.Latest <= cfg.LatestLatencyThreshold*classAvg {
			continue
		}
		out = append(out, newAnomaly(s.OSD, s.Avg, bound, w.Name()))
	}
	sortAnomalies(out)
	return out, nil
}
