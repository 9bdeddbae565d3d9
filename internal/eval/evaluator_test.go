package eval

import (
	"errors"
	"strings"
	"testing"

	"github.com/soltixdb/pgbalancer/internal/cluster"
	"github.com/soltixdb/pgbalancer/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// threeDeviceMap builds one root of three devices with the given crush
// weights and one single-replica pool of pgNum PGs.
func threeDeviceMap(pgNum int, weights ...float64) *cluster.Map {
	m := &cluster.Map{
		Epoch:   1,
		Pools:   []cluster.Pool{{ID: 1, Name: "data", CrushRule: 0, Size: 1, PGNum: pgNum}},
		Devices: map[int]cluster.Device{},
		Roots:   []cluster.Root{{ID: -1, Name: "default"}},
		Rules:   []cluster.Rule{{ID: 0, Takes: []int{-1}}},
	}
	for i, w := range weights {
		m.Devices[i] = cluster.Device{ID: i, Class: "hdd", CrushWeight: w, Weight: 1, Up: true, In: true}
		m.Roots[0].Devices = append(m.Roots[0].Devices, i)
	}
	return m
}

// staticPlacement assigns counts[i] PGs to device i
func staticPlacement(counts ...int) (map[string][]int, map[string]cluster.PGStat) {
	up := map[string][]int{}
	stats := map[string]cluster.PGStat{}
	seed := 0
	for osd, n := range counts {
		for i := 0; i < n; i++ {
			pgid := cluster.PGID(1, seed)
			up[pgid] = []int{osd}
			stats[pgid] = cluster.PGStat{Objects: 10, Bytes: 4096}
			seed++
		}
	}
	return up, stats
}

func evaluate(t *testing.T, m *cluster.Map, up map[string][]int, stats map[string]cluster.PGStat) *Evaluation {
	t.Helper()
	s, err := cluster.NewSnapshot(m, stats, cluster.StaticMapper{Up: up}, "test")
	require.NoError(t, err)
	pe, err := NewEvaluator(logging.NewDevelopment()).Evaluate(s)
	require.NoError(t, err)
	return pe
}

func TestEvaluate_ZeroPools(t *testing.T) {
	m := threeDeviceMap(0, 1, 1, 1)
	m.Pools = nil
	pe := evaluate(t, m, nil, nil)
	assert.Equal(t, 0.0, pe.Score)
	assert.Empty(t, pe.StatsByRoot)
}

func TestEvaluate_PerfectDistribution(t *testing.T) {
	m := threeDeviceMap(10, 5, 3, 2)
	up, stats := staticPlacement(5, 3, 2)
	pe := evaluate(t, m, up, stats)

	assert.Equal(t, 0.0, pe.Score)
	for _, metric := range Metrics {
		assert.Equal(t, 0.0, pe.StatsByRoot[-1][metric].Score, metric)
	}
	assert.InDelta(t, 0.5, pe.ActualByRoot[-1][MetricPGs][0], 1e-12)
	assert.InDelta(t, 0.3, pe.ActualByRoot[-1][MetricPGs][1], 1e-12)
	assert.InDelta(t, 0.2, pe.ActualByRoot[-1][MetricPGs][2], 1e-12)
}

func TestEvaluate_PowerOfTwoShares(t *testing.T) {
	m := threeDeviceMap(16, 2, 1, 1)
	up, stats := staticPlacement(8, 4, 4)
	pe := evaluate(t, m, up, stats)
	assert.Equal(t, 0.0, pe.Score)
}

func TestEvaluate_SkewedDistribution(t *testing.T) {
	m := threeDeviceMap(20, 5, 3, 2)
	up, stats := staticPlacement(12, 5, 3)
	pe := evaluate(t, m, up, stats)

	assert.Greater(t, pe.Score, 0.0)
	assert.Less(t, pe.Score, 1.0)

	st := pe.StatsByRoot[-1][MetricPGs]
	assert.InDelta(t, 20.0/3.0, st.Avg, 1e-12)
	// only osd.0 is overweight
	assert.InDelta(t, 0.5, st.SumWeight, 1e-12)
	assert.Equal(t, 20.0, pe.TotalByRoot[-1][MetricPGs])
	assert.Equal(t, 200.0, pe.TotalByRoot[-1][MetricObjects])
}

func TestEvaluate_MoreSkewScoresHigher(t *testing.T) {
	m := threeDeviceMap(20, 1, 1, 1)

	up, stats := staticPlacement(8, 6, 6)
	mild := evaluate(t, m, up, stats)

	up, stats = staticPlacement(16, 2, 2)
	severe := evaluate(t, m, up, stats)

	assert.Greater(t, severe.Score, mild.Score)
	assert.Less(t, severe.Score, 1.0)
}

func TestEvaluate_ZeroTargetDevice(t *testing.T) {
	m := threeDeviceMap(10, 1, 1, 1)
	d := m.Devices[2]
	d.Weight = 0
	m.Devices[2] = d

	up, stats := staticPlacement(6, 2, 2)
	pe := evaluate(t, m, up, stats)

	st := pe.StatsByRoot[-1][MetricPGs]
	// the zero-target device cannot be overweight
	assert.InDelta(t, 0.5, st.SumWeight, 1e-12)
	assert.Greater(t, st.Stddev, 0.0)
}

func TestEvaluate_NoRoots(t *testing.T) {
	m := threeDeviceMap(3, 1, 1, 1)
	m.Rules = []cluster.Rule{{ID: 0, Takes: nil}}
	up, stats := staticPlacement(1, 1, 1)

	s, err := cluster.NewSnapshot(m, stats, cluster.StaticMapper{Up: up}, "broken")
	require.NoError(t, err)
	_, err = NewEvaluator(logging.NewDevelopment()).Evaluate(s)
	assert.True(t, errors.Is(err, cluster.ErrNoRoots))
}

func TestEvaluate_FirstRootWins(t *testing.T) {
	m := threeDeviceMap(4, 1, 1, 1)
	m.Devices[3] = cluster.Device{ID: 3, Class: "ssd", CrushWeight: 1, Weight: 1, Up: true, In: true}
	m.Roots = []cluster.Root{
		{ID: -1, Name: "default", Devices: []int{0, 1, 2}},
		{ID: -2, Name: "fast", Devices: []int{3}},
	}
	m.Rules = []cluster.Rule{{ID: 0, Takes: []int{-1, -2}}}
	m.Pools[0].Size = 2

	up := map[string][]int{
		"1.0": {0, 3},
		"1.1": {1, 3},
		"1.2": {2, 3},
		"1.3": {0, 3},
	}
	pe := evaluate(t, m, up, nil)

	assert.Equal(t, 4.0, pe.TotalByRoot[-1][MetricPGs])
	assert.Equal(t, 4.0, pe.TotalByRoot[-2][MetricPGs])
	assert.Equal(t, 8.0, pe.TotalByPool[1][MetricPGs])
	assert.Equal(t, []int{-1, -2}, pe.Roots())
}

func TestEvaluation_Show(t *testing.T) {
	m := threeDeviceMap(10, 5, 3, 2)
	up, stats := staticPlacement(5, 3, 2)
	pe := evaluate(t, m, up, stats)

	short := pe.Show(false)
	assert.Equal(t, "test score 0.000000 (lower is better)\n", short)

	verbose := pe.Show(true)
	assert.True(t, strings.HasPrefix(verbose, "test\n"))
	for _, section := range []string{"target_by_root", "actual_by_pool", "count_by_root", "stats_by_root", "score_by_root"} {
		assert.Contains(t, verbose, section)
	}
	assert.True(t, strings.HasSuffix(verbose, "score 0.000000 (lower is better)\n"))
}
