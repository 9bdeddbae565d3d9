package eval

import (
	"fmt"
	"math"
	"sort"

	"github.com/soltixdb/pgbalancer/internal/cluster"
	"github.com/soltixdb/pgbalancer/internal/logging"
)

// Metric is one of the quantities whose distribution is scored
type Metric string

const (
	MetricPGs     Metric = "pgs"
	MetricObjects Metric = "objects"
	MetricBytes   Metric = "bytes"
)

// Metrics lists the scored metrics in evaluation order
var Metrics = []Metric{MetricPGs, MetricObjects, MetricBytes}

// Evaluator scores how evenly a snapshot spreads data over its roots
type Evaluator struct {
	logger *logging.Logger
}

// NewEvaluator creates an evaluator
func NewEvaluator(logger *logging.Logger) *Evaluator {
	return &Evaluator{logger: logger}
}

// Evaluate computes the distribution evaluation of a snapshot. A snapshot
// without pools yields an empty evaluation with score 0.
func (e *Evaluator) Evaluate(s *cluster.Snapshot) (*Evaluation, error) {
	pe := newEvaluation(s)
	if len(s.PoolIDs) == 0 {
		return pe, nil
	}
	if len(s.Roots) == 0 {
		return nil, cluster.ErrNoRoots
	}

	countByRoot := make(map[int]map[Metric]map[int]float64, len(s.Roots))
	for _, root := range s.Roots {
		target := s.TargetByRoot[root]
		pe.TargetByRoot[root] = target
		countByRoot[root] = newMetricMaps(target)
		pe.TotalByRoot[root] = map[Metric]float64{}
	}

	for _, pid := range s.PoolIDs {
		roots := s.RootsByPool[pid]
		byOSD := map[Metric]map[int]float64{
			MetricPGs:     {},
			MetricObjects: {},
			MetricBytes:   {},
		}
		for _, root := range roots {
			for osd := range s.TargetByRoot[root] {
				for _, m := range Metrics {
					byOSD[m][osd] = 0
				}
			}
		}
		totals := map[Metric]float64{}

		for pgid, up := range s.PGUpByPool[pid] {
			stat := s.PGStat(pgid)
			contrib := map[Metric]float64{
				MetricPGs:     1,
				MetricObjects: float64(stat.Objects),
				MetricBytes:   float64(stat.Bytes),
			}
			for _, osd := range up {
				for _, m := range Metrics {
					byOSD[m][osd] += contrib[m]
				}
				// a PG instance counts toward the first root holding the
				// device; imprecise when roots share children
				for _, root := range roots {
					if _, ok := s.TargetByRoot[root][osd]; !ok {
						continue
					}
					for _, m := range Metrics {
						countByRoot[root][m][osd] += contrib[m]
						pe.TotalByRoot[root][m] += contrib[m]
						totals[m] += contrib[m]
					}
					break
				}
			}
		}

		pe.CountByPool[pid] = byOSD
		pe.TotalByPool[pid] = totals
		pe.ActualByPool[pid] = normalize(byOSD, totals)
	}

	for _, root := range s.Roots {
		pe.CountByRoot[root] = countByRoot[root]
		pe.ActualByRoot[root] = normalize(countByRoot[root], pe.TotalByRoot[root])
		pe.StatsByRoot[root] = calcStats(countByRoot[root], pe.TargetByRoot[root], pe.TotalByRoot[root])
	}

	var score float64
	for _, root := range s.Roots {
		for _, m := range Metrics {
			score += pe.StatsByRoot[root][m].Score
		}
	}
	pe.Score = score / float64(3*len(s.Roots))

	e.logger.Debug("Evaluated distribution",
		"desc", s.Desc, "roots", len(s.Roots), "pools", len(s.PoolIDs), "score", pe.Score)
	return pe, nil
}

func newMetricMaps(target map[int]float64) map[Metric]map[int]float64 {
	maps := make(map[Metric]map[int]float64, len(Metrics))
	for _, m := range Metrics {
		maps[m] = make(map[int]float64, len(target))
		for osd := range target {
			maps[m][osd] = 0
		}
	}
	return maps
}

func normalize(counts map[Metric]map[int]float64, totals map[Metric]float64) map[Metric]map[int]float64 {
	out := make(map[Metric]map[int]float64, len(counts))
	for m, byOSD := range counts {
		denom := math.Max(totals[m], 1)
		out[m] = make(map[int]float64, len(byOSD))
		for osd, v := range byOSD {
			out[m][osd] = v / denom
		}
	}
	return out
}

// calcStats scores one root. Only overweight devices contribute to the
// score: target × erf(((adjusted−avg)/avg)/√2), normalized by the sum of
// their targets, so the score stays in [0,1).
func calcStats(count map[Metric]map[int]float64, target map[int]float64, total map[Metric]float64) map[Metric]Stats {
	num := float64(max(len(target), 1))
	out := make(map[Metric]Stats, len(Metrics))
	for _, m := range Metrics {
		avg := total[m] / num
		var dev, score, sumWeight float64
		for _, osd := range sortedKeys(count[m]) {
			v := count[m][osd]
			var adjusted float64
			if t := target[osd]; t != 0 {
				adjusted = v / t / num
			}
			if adjusted > avg {
				score += target[osd] * math.Erf(((adjusted-avg)/avg)/math.Sqrt2)
				sumWeight += target[osd]
			}
			dev += (avg - adjusted) * (avg - adjusted)
		}
		out[m] = Stats{
			Avg:       avg,
			Stddev:    math.Sqrt(dev / math.Max(num-1, 1)),
			SumWeight: sumWeight,
			Score:     score / math.Max(sumWeight, 1),
		}
	}
	return out
}

func sortedKeys(m map[int]float64) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// Describe returns a short one-line summary
func (pe *Evaluation) Describe() string {
	return fmt.Sprintf("%s score %f", pe.Desc, pe.Score)
}
