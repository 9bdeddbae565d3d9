package anomaly

import (
	"errors"
	"fmt"
	"sort"

	"github.com/soltixdb/pgbalancer/internal/config"
)

// MinSamples is the smallest device class a detector will judge
const MinSamples = 3

var (
	// ErrInsufficientData is returned when a class has fewer than MinSamples
	// devices with a full window. Callers skip the class.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrUnknownStrategy is returned by New for an unsupported strategy
	ErrUnknownStrategy = errors.New("unknown anomaly strategy")
)

// Sample is the latency aggregate of one device over a full window (ms)
type Sample struct {
	OSD    int     `json:"osd"`
	Avg    float64 `json:"avg"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Latest float64 `json:"latest"`
}

// Anomaly is a device whose latency stands out from its class
type Anomaly struct {
	OSD       int     `json:"osd"`
	Value     float64 `json:"value"` // Latency that was compared
	Bound     float64 `json:"bound"` // Threshold it exceeded
	Score     float64 `json:"score"` // Value / Bound, higher = more abnormal
	Algorithm string  `json:"algorithm"`
}

// Detector flags slow devices among the samples of one device class
type Detector interface {
	// Name returns the strategy name
	Name() string

	// Detect returns the anomalous devices, worst first. It fails with
	// ErrInsufficientData below MinSamples samples.
	Detect(samples []Sample, cfg config.ActionConfig) ([]Anomaly, error)
}

// New builds the detector for a strategy
func New(strategy string) (Detector, error) {
	switch strategy {
	case config.StrategyClustering:
		return &ClusteringDetector{}, nil
	case config.StrategyWindowed:
		return &WindowedDetector{}, nil
	case config.StrategyZScore:
		return &ZScoreDetector{}, nil
	case config.StrategyIQR:
		return &IQRDetector{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
}

// Strategies returns all strategy names New accepts
func Strategies() []string {
	return []string{
		config.StrategyClustering,
		config.StrategyWindowed,
		config.StrategyZScore,
		config.StrategyIQR,
	}
}

func checkSamples(samples []Sample) error {
	if len(samples) < MinSamples {
		return fmt.Errorf("%w: %d devices, need %d", ErrInsufficientData, len(samples), MinSamples)
	}
	return nil
}

func averages(samples []Sample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Avg
	}
	return out
}

// flagAbove reports every sample whose average exceeds bound
func flagAbove(samples []Sample, bound float64, algorithm string) []Anomaly {
	var out []Anomaly
	for _, s := range samples {
		if s.Avg > bound {
			out = append(out, newAnomaly(s.OSD, s.Avg, bound, algorithm))
		}
	}
	sortAnomalies(out)
	return out
}

func newAnomaly(osd int, value, bound float64, algorithm string) Anomaly {
	a := Anomaly{OSD: osd, Value: value, Bound: bound, Score: 1, Algorithm: algorithm}
	if bound > 0 {
		a.Score = value / bound
	}
	return a
}

// sortAnomalies orders by score descending, then device id
func sortAnomalies(list []Anomaly) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Score != list[j].Score {
			return list[i].Score > list[j].Score
		}
		return list[i].OSD < list[j].OSD
	})
}
