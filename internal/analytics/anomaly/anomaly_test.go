package anomaly

import (
	"errors"
	"math"
	"testing"

	"github.com/soltixdb/pgbalancer/internal/config"
)

func createSamples(avgs ...float64) []Sample {
	samples := make([]Sample, len(avgs))
	for i, v := range avgs {
		samples[i] = Sample{OSD: i, Avg: v, Min: v, Max: v, Latest: v}
	}
	return samples
}

func sameFloats(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Abs(a[i]-b[i]) > 1e-9 {
			return false
		}
	}
	return true
}

func TestLogThreshold(t *testing.T) {
	if got := LogThreshold([]float64{1, 90}, 0.5); math.Abs(got-math.Sqrt(90)) > 1e-9 {
		t.Errorf("expected sqrt(90), got %f", got)
	}
	// both ends are floored at 1
	if got := LogThreshold([]float64{0, 0.5}, 0.7); got != 1 {
		t.Errorf("expected 1, got %f", got)
	}
	if got := LogThreshold([]float64{4, 16}, 1); math.Abs(got-16) > 1e-9 {
		t.Errorf("frac 1 should give the maximum, got %f", got)
	}
}

func TestClusters_SplitsOutlier(t *testing.T) {
	groups := Clusters([]float64{10, 11, 12, 100}, 0.5)
	if len(groups) != 2 {
		t.Fatalf("expected 2 clusters, got %v", groups)
	}
	if len(groups[0]) != 3 || groups[1][0] != 3 {
		t.Errorf("expected [[0 1 2] [3]], got %v", groups)
	}

	dominant := DominantCluster([]float64{10, 11, 12, 100}, 0.5)
	if !sameFloats(dominant, []float64{10, 11, 12}) {
		t.Errorf("expected dominant {10,11,12}, got %v", dominant)
	}
}

func TestClusters_Transitive(t *testing.T) {
	// 1 and 7 are too far apart to be neighbours but both neighbour 4
	values := []float64{1, 4, 7, 100}
	if limit := LogThreshold([]float64{3, 6, 99, 3, 96, 93}, 0.1); limit >= 6 || limit < 3 {
		t.Fatalf("test needs a limit in [3, 6), got %f", limit)
	}

	groups := Clusters(values, 0.1)
	if len(groups) != 2 || len(groups[0]) != 3 {
		t.Fatalf("expected {1,4,7} merged through 4, got %v", groups)
	}
}

func TestDominantCluster_TieGoesToSmallestMinimum(t *testing.T) {
	dominant := DominantCluster([]float64{50, 51, 10, 11, 200}, 0.1)
	if !sameFloats(dominant, []float64{10, 11}) {
		t.Errorf("expected {10,11}, got %v", dominant)
	}
}

func TestDominantCluster_FoldsLowerValues(t *testing.T) {
	dominant := DominantCluster([]float64{1, 20, 21, 22, 300}, 0.3)
	if !sameFloats(dominant, []float64{1, 20, 21, 22}) {
		t.Errorf("expected 1 folded into {20,21,22}, got %v", dominant)
	}
}

func TestDominantThreshold(t *testing.T) {
	// mean 11, sample stddev 1
	got := DominantThreshold([]float64{10, 11, 12, 100}, 0.5, 1, 2)
	if math.Abs(got-13) > 1e-9 {
		t.Errorf("expected 13, got %f", got)
	}
}

func TestClusteringDetector_Detect(t *testing.T) {
	d := &ClusteringDetector{}
	cfg := config.ActionConfig{MaxCompliantLatency: 5, MeanThreshold: 1, StdThreshold: 2, DistanceThreshold: 0.5}

	anomalies, err := d.Detect(createSamples(10, 11, 12, 100), cfg)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(anomalies) != 1 || anomalies[0].OSD != 3 {
		t.Fatalf("expected osd.3 only, got %+v", anomalies)
	}
	if anomalies[0].Bound != 13 || anomalies[0].Algorithm != config.StrategyClustering {
		t.Errorf("unexpected anomaly %+v", anomalies[0])
	}

	// the bound never drops below the compliant latency
	cfg.MaxCompliantLatency = 150
	anomalies, _ = d.Detect(createSamples(10, 11, 12, 100), cfg)
	if len(anomalies) != 0 {
		t.Errorf("expected nothing below max_compliant_latency, got %+v", anomalies)
	}
}

func TestDetectors_InsufficientData(t *testing.T) {
	for _, name := range Strategies() {
		d, err := New(name)
		if err != nil {
			t.Fatalf("New(%s) failed: %v", name, err)
		}
		_, err = d.Detect(createSamples(10, 500), config.ActionConfig{})
		if !errors.Is(err, ErrInsufficientData) {
			t.Errorf("%s: expected ErrInsufficientData, got %v", name, err)
		}
	}
}

func TestWindowedDetector_Detect(t *testing.T) {
	cfg := config.DefaultWatcherConfig().Classes["hdd"].PriAff
	samples := make([]Sample, 10)
	for i := range samples {
		samples[i] = Sample{OSD: i, Avg: 10, Min: 8, Max: 12, Latest: 10}
	}
	// class mean of averages is 29
	samples[9] = Sample{OSD: 9, Avg: 200, Min: 150, Max: 250, Latest: 220}

	d := &WindowedDetector{}
	anomalies, err := d.Detect(samples, cfg)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(anomalies) != 1 || anomalies[0].OSD != 9 {
		t.Fatalf("expected osd.9, got %+v", anomalies)
	}
	if math.Abs(anomalies[0].Bound-145) > 1e-9 {
		t.Errorf("expected bound 145, got %f", anomalies[0].Bound)
	}

	// a single fast sample in the window keeps the device out
	samples[9].Min = 20
	anomalies, _ = d.Detect(samples, cfg)
	if len(anomalies) != 0 {
		t.Errorf("expected the min gate to hold, got %+v", anomalies)
	}
}

func TestZScoreDetector_Detect(t *testing.T) {
	cfg := config.DefaultWatcherConfig().Classes["hdd"].PriAff
	avgs := make([]float64, 20)
	for i := range avgs {
		avgs[i] = 10
	}
	avgs[7] = 100

	d := &ZScoreDetector{}
	anomalies, err := d.Detect(createSamples(avgs...), cfg)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(anomalies) != 1 || anomalies[0].OSD != 7 {
		t.Fatalf("expected osd.7, got %+v", anomalies)
	}

	flat, err := d.Detect(createSamples(10, 10, 10, 10), cfg)
	if err != nil || len(flat) != 0 {
		t.Errorf("flat class must not produce anomalies, got %+v %v", flat, err)
	}
}

func TestCalculateMeanStdDev(t *testing.T) {
	mean, std := CalculateMeanStdDev([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	if mean != 5 || std != 2 {
		t.Errorf("expected 5/2, got %f/%f", mean, std)
	}
	if CalculateZScore(9, 5, 2) != 2 {
		t.Error("expected z-score 2")
	}
	if CalculateZScore(9, 5, 0) != 0 {
		t.Error("expected z-score 0 for a flat series")
	}
}

func TestIQRDetector_Detect(t *testing.T) {
	cfg := config.ActionConfig{MaxCompliantLatency: 5, IQRMultiplier: 1.5}
	d := &IQRDetector{}

	// Q1 10.5, Q3 12.5, fence 15.5
	anomalies, err := d.Detect(createSamples(10, 10, 11, 11, 12, 12, 13, 100), cfg)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(anomalies) != 1 || anomalies[0].OSD != 7 {
		t.Fatalf("expected osd.7, got %+v", anomalies)
	}
	if math.Abs(anomalies[0].Bound-15.5) > 1e-9 {
		t.Errorf("expected fence 15.5, got %f", anomalies[0].Bound)
	}
}

func TestNew(t *testing.T) {
	for _, name := range Strategies() {
		d, err := New(name)
		if err != nil {
			t.Fatalf("New(%s) failed: %v", name, err)
		}
		if d.Name() != name {
			t.Errorf("expected %s, got %s", name, d.Name())
		}
	}

	if _, err := New("kmeans"); !errors.Is(err, ErrUnknownStrategy) {
		t.Errorf("expected ErrUnknownStrategy, got %v", err)
	}
}

func TestAnomalies_WorstFirst(t *testing.T) {
	cfg := config.ActionConfig{MaxCompliantLatency: 5, MeanThreshold: 1, StdThreshold: 2, DistanceThreshold: 0.5}
	anomalies, err := (&ClusteringDetector{}).Detect(createSamples(10, 11, 12, 100, 10, 400), cfg)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(anomalies) != 2 || anomalies[0].OSD != 5 || anomalies[1].OSD != 3 {
		t.Errorf("expected osd.5 then osd.3, got %+v", anomalies)
	}
}
