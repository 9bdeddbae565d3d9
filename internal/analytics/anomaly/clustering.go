package anomaly

import (
	"math"
	"sort"

	"github.com/montanaflynn/stats"

	"github.com/soltixdb/pgbalancer/internal/config"
)

// ClusteringDetector groups device latencies into clusters of close values,
// takes the largest cluster as normal behaviour and flags devices above
// mean*MeanThreshold + stddev*StdThreshold of that cluster. The bound never
// drops below MaxCompliantLatency.
type ClusteringDetector struct{}

// Name returns the algorithm name
func (c *ClusteringDetector) Name() string {
	return config.StrategyClustering
}

// Detect finds devices outside the dominant latency cluster
func (c *ClusteringDetector) Detect(samples []Sample, cfg config.ActionConfig) ([]Anomaly, error) {
	if err := checkSamples(samples); err != nil {
		return nil, err
	}

	values := averages(samples)
	bound := DominantThreshold(values, cfg.DistanceThreshold, cfg.MeanThreshold, cfg.StdThreshold)
	bound = math.Max(bound, cfg.MaxCompliantLatency)

	return flagAbove(samples, bound, c.Name()), nil
}

// DominantThreshold computes the anomaly bound of the dominant cluster of
// values. Values below the dominant cluster's minimum are folded into it
// before the mean and sample stddev are taken.
func DominantThreshold(values []float64, frac, meanMult, stdMult float64) float64 {
	normal := DominantCluster(values, frac)
	if len(normal) == 0 {
		return 0
	}

	mean, _ := stats.Mean(normal)
	var std float64
	if len(normal) > 1 {
		std, _ = stats.StandardDeviationSample(normal)
	}
	return mean*meanMult + std*stdMult
}

// DominantCluster returns the values of the largest cluster (ties go to the
// cluster with the smallest minimum) plus every value below its minimum
func DominantCluster(values []float64, frac float64) []float64 {
	groups := Clusters(values, frac)
	if len(groups) == 0 {
		return nil
	}

	best, bestMin := -1, 0.0
	for i, g := range groups {
		lo := minOf(values, g)
		if best < 0 || len(g) > len(groups[best]) || (len(g) == len(groups[best]) && lo < bestMin) {
			best, bestMin = i, lo
		}
	}

	in := make(map[int]bool, len(groups[best]))
	for _, idx := range groups[best] {
		in[idx] = true
	}
	out := make([]float64, 0, len(values))
	for i, v := range values {
		if in[i] || v < bestMin {
			out = append(out, v)
		}
	}
	return out
}

// Clusters partitions the indices of values. Two values are neighbours when
// their distance is within LogThreshold of all pairwise distances, and
// clusters are the transitive closure of the neighbour relation. Each
// cluster is sorted and clusters are ordered by their first index.
func Clusters(values []float64, frac float64) [][]int {
	n := len(values)
	if n == 0 {
		return nil
	}

	dists := make([]float64, 0, n*(n-1)/2)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			dists = append(dists, math.Abs(values[i]-values[j]))
		}
	}
	limit := LogThreshold(dists, frac)

	uf := newUnionFind(n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if math.Abs(values[i]-values[j]) <= limit {
				uf.union(i, j)
			}
		}
	}

	byRoot := make(map[int][]int)
	for i := 0; i < n; i++ {
		r := uf.find(i)
		byRoot[r] = append(byRoot[r], i)
	}
	groups := make([][]int, 0, len(byRoot))
	for _, g := range byRoot {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(a, b int) bool { return groups[a][0] < groups[b][0] })
	return groups
}

// LogThreshold interpolates between the smallest and the largest value on
// a log scale: exp((ln a1 - ln a0)*frac + ln a0), with both ends floored
// at 1
func LogThreshold(values []float64, frac float64) float64 {
	if len(values) == 0 {
		return 1
	}
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	a0 := math.Log(math.Max(lo, 1))
	a1 := math.Log(math.Max(hi, 1))
	return math.Exp((a1-a0)*frac + a0)
}

func minOf(values []float64, idx []int) float64 {
	lo := values[idx[0]]
	for _, i := range idx[1:] {
		lo = math.Min(lo, values[i])
	}
	return lo
}

type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	switch {
	case u.rank[ra] < u.rank[rb]:
		u.parent[ra] = rb
	case u.rank[ra] > u.rank[rb]:
		u.parent[rb] = ra
	default:
		u.parent[rb] = ra
		u.rank[ra]++
	}
}
