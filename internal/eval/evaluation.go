package eval

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/soltixdb/pgbalancer/internal/cluster"
)

// Stats are the per-root, per-metric statistics of an evaluation
type Stats struct {
	Avg       float64 `json:"avg"`
	Stddev    float64 `json:"stddev"`
	SumWeight float64 `json:"sum_weight"`
	Score     float64 `json:"score"`
}

// Evaluation is the result of scoring one snapshot. It is built once and
// never modified afterwards.
type Evaluation struct {
	Desc string `json:"desc"`

	TargetByRoot map[int]map[int]float64              `json:"target_by_root"`
	CountByPool  map[int64]map[Metric]map[int]float64 `json:"count_by_pool"`
	ActualByPool map[int64]map[Metric]map[int]float64 `json:"actual_by_pool"`
	TotalByPool  map[int64]map[Metric]float64         `json:"total_by_pool"`
	CountByRoot  map[int]map[Metric]map[int]float64   `json:"count_by_root"`
	ActualByRoot map[int]map[Metric]map[int]float64   `json:"actual_by_root"`
	TotalByRoot  map[int]map[Metric]float64           `json:"total_by_root"`
	StatsByRoot  map[int]map[Metric]Stats             `json:"stats_by_root"`

	Score float64 `json:"score"`

	roots []int
}

func newEvaluation(s *cluster.Snapshot) *Evaluation {
	return &Evaluation{
		Desc:         s.Desc,
		TargetByRoot: make(map[int]map[int]float64),
		CountByPool:  make(map[int64]map[Metric]map[int]float64),
		ActualByPool: make(map[int64]map[Metric]map[int]float64),
		TotalByPool:  make(map[int64]map[Metric]float64),
		CountByRoot:  make(map[int]map[Metric]map[int]float64),
		ActualByRoot: make(map[int]map[Metric]map[int]float64),
		TotalByRoot:  make(map[int]map[Metric]float64),
		StatsByRoot:  make(map[int]map[Metric]Stats),
		roots:        append([]int(nil), s.Roots...),
	}
}

// Roots returns the evaluated roots in snapshot order
func (pe *Evaluation) Roots() []int {
	return append([]int(nil), pe.roots...)
}

// ScoreByRoot returns the per-metric scores of one root
func (pe *Evaluation) ScoreByRoot(root int) map[Metric]float64 {
	out := make(map[Metric]float64, len(Metrics))
	for m, st := range pe.StatsByRoot[root] {
		out[m] = st.Score
	}
	return out
}

// Show renders the evaluation for humans. Verbose output includes every
// intermediate table.
func (pe *Evaluation) Show(verbose bool) string {
	var b strings.Builder
	if verbose {
		b.WriteString(pe.Desc)
		b.WriteString("\n")
		section := func(name string, v interface{}) {
			data, err := json.Marshal(v)
			if err != nil {
				data = []byte(err.Error())
			}
			fmt.Fprintf(&b, "%s %s\n", name, data)
		}
		section("target_by_root", pe.TargetByRoot)
		section("actual_by_pool", pe.ActualByPool)
		section("actual_by_root", pe.ActualByRoot)
		section("count_by_pool", pe.CountByPool)
		section("count_by_root", pe.CountByRoot)
		section("total_by_pool", pe.TotalByPool)
		section("total_by_root", pe.TotalByRoot)
		section("stats_by_root", pe.StatsByRoot)
		scores := make(map[int]map[Metric]float64, len(pe.roots))
		for _, root := range pe.roots {
			scores[root] = pe.ScoreByRoot(root)
		}
		section("score_by_root", scores)
	} else {
		b.WriteString(pe.Desc)
		b.WriteString(" ")
	}
	fmt.Fprintf(&b, "score %f (lower is better)\n", pe.Score)
	return b.String()
}
