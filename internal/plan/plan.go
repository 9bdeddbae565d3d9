package plan

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/soltixdb/pgbalancer/internal/cluster"
	"github.com/soltixdb/pgbalancer/internal/command"
)

// DeviceUsage is the capacity view of one in+up device used by reweight
// plans
type DeviceUsage struct {
	Used          int64   `json:"used"`
	Avail         int64   `json:"avail"`
	Size          int64   `json:"size"`
	CurrentWeight float64 `json:"current_weight"`
}

// Plan is a proposed change layered on an immutable base snapshot. The
// optimizers fill in the overrides; FinalState projects them.
type Plan struct {
	Name    string
	Mode    string
	Initial *cluster.Snapshot
	Created time.Time

	OSDWeights       map[int]float64
	CompatWS         map[int]float64
	UpmapNew         map[string][]cluster.UpmapItem
	UpmapOld         map[string]bool
	OSDByDeviceClass map[string]map[int]DeviceUsage
}

// New creates an empty plan over initial
func New(name, mode string, initial *cluster.Snapshot) *Plan {
	return &Plan{
		Name:             name,
		Mode:             mode,
		Initial:          initial,
		Created:          time.Now().UTC(),
		OSDWeights:       make(map[int]float64),
		CompatWS:         make(map[int]float64),
		UpmapNew:         make(map[string][]cluster.UpmapItem),
		UpmapOld:         make(map[string]bool),
		OSDByDeviceClass: make(map[string]map[int]DeviceUsage),
	}
}

// Empty reports whether the plan changes nothing
func (p *Plan) Empty() bool {
	return len(p.OSDWeights) == 0 && len(p.CompatWS) == 0 &&
		len(p.UpmapNew) == 0 && len(p.UpmapOld) == 0
}

// AddUpmap installs overrides for a PG
func (p *Plan) AddUpmap(pgid string, items []cluster.UpmapItem) {
	p.UpmapNew[pgid] = append([]cluster.UpmapItem(nil), items...)
}

// RemoveUpmap drops the existing overrides of a PG
func (p *Plan) RemoveUpmap(pgid string) {
	p.UpmapOld[pgid] = true
	delete(p.UpmapNew, pgid)
}

// FinalState applies the overrides to a copy of the initial map and maps
// it again. It is recomputed on every call.
func (p *Plan) FinalState() (*cluster.Snapshot, error) {
	m := p.Initial.Map.Clone()

	for osd, w := range p.OSDWeights {
		d, ok := m.Devices[osd]
		if !ok {
			continue
		}
		d.Weight = w
		m.Devices[osd] = d
	}

	if len(p.CompatWS) > 0 {
		if m.WeightSet == nil {
			m.WeightSet = make(map[int]float64, len(p.CompatWS))
		}
		for osd, w := range p.CompatWS {
			m.WeightSet[osd] = w
		}
	}

	for pgid := range p.UpmapOld {
		delete(m.Upmaps, pgid)
	}
	if len(p.UpmapNew) > 0 && m.Upmaps == nil {
		m.Upmaps = make(map[string][]cluster.UpmapItem, len(p.UpmapNew))
	}
	for pgid, items := range p.UpmapNew {
		m.Upmaps[pgid] = append([]cluster.UpmapItem(nil), items...)
	}

	return p.Initial.Project(m, fmt.Sprintf("plan %s final", p.Name))
}

// Phases returns the commands that apply the plan, grouped in execution
// order. Commands within a phase are independent of each other. Empty
// phases are omitted.
func (p *Plan) Phases() [][]command.Command {
	var phases [][]command.Command

	if len(p.CompatWS) > 0 && !p.Initial.Map.HasCompatWeightSet() {
		phases = append(phases, []command.Command{command.CreateCompat()})
	}

	if len(p.CompatWS) > 0 {
		cmds := make([]command.Command, 0, len(p.CompatWS))
		for _, osd := range sortedIDs(p.CompatWS) {
			cmds = append(cmds, command.ReweightCompat(osd, p.CompatWS[osd]))
		}
		phases = append(phases, cmds)
	}

	if len(p.OSDWeights) > 0 {
		phases = append(phases, []command.Command{command.ReweightN(p.OSDWeights)})
	}

	if len(p.UpmapOld) > 0 {
		var cmds []command.Command
		for _, pgid := range sortedPGs(p.UpmapOld) {
			cmds = append(cmds, command.RmPGUpmapItems(pgid))
		}
		phases = append(phases, cmds)
	}

	if len(p.UpmapNew) > 0 {
		pgids := make([]string, 0, len(p.UpmapNew))
		for pgid := range p.UpmapNew {
			pgids = append(pgids, pgid)
		}
		sort.Strings(pgids)
		var cmds []command.Command
		for _, pgid := range pgids {
			cmds = append(cmds, command.PGUpmapItems(pgid, p.UpmapNew[pgid]))
		}
		phases = append(phases, cmds)
	}

	return phases
}

// Show renders the plan as the commands an operator would run
func (p *Plan) Show() string {
	ls := []string{
		fmt.Sprintf("# starting osdmap epoch %d", p.Initial.Map.Epoch),
		fmt.Sprintf("# starting crush version %d", p.Initial.Map.CrushVersion),
		fmt.Sprintf("# mode %s", p.Mode),
	}
	for _, phase := range p.Phases() {
		for _, cmd := range phase {
			if cmd.Prefix == command.PrefixReweightN {
				// bulk reweights read better one device per line
				for _, osd := range sortedIDs(cmd.Weights) {
					ls = append(ls, command.Reweight(osd, cmd.Weights[osd]).String())
				}
				continue
			}
			ls = append(ls, cmd.String())
		}
	}
	return strings.Join(ls, "\n")
}

type upmapDump struct {
	PGID     string              `json:"pgid"`
	Mappings []cluster.UpmapItem `json:"mappings"`
}

type planDump struct {
	Mode             string                         `json:"mode"`
	Name             string                         `json:"name"`
	OSDByDeviceClass map[string]map[int]DeviceUsage `json:"osd_by_device_class"`
	OSDWeights       map[int]float64                `json:"osd_weights"`
	CompatWS         map[int]float64                `json:"compat_ws"`
	Initial          cluster.SnapshotDump           `json:"initial"`
	Incremental      struct {
		NewPGUpmapItems []upmapDump `json:"new_pg_upmap_items"`
		OldPGUpmapItems []string    `json:"old_pg_upmap_items"`
	} `json:"incremental"`
}

// Dump returns the plan as a generic JSON tree. A dotted path selects a
// subtree; when it does not resolve the result names the path instead.
func (p *Plan) Dump(path string) (interface{}, error) {
	d := planDump{
		Mode:             p.Mode,
		Name:             p.Name,
		OSDByDeviceClass: p.OSDByDeviceClass,
		OSDWeights:       p.OSDWeights,
		CompatWS:         p.CompatWS,
		Initial:          p.Initial.Dump(),
	}
	d.Incremental.OldPGUpmapItems = sortedPGs(p.UpmapOld)
	for pgid, items := range p.UpmapNew {
		d.Incremental.NewPGUpmapItems = append(d.Incremental.NewPGUpmapItems, upmapDump{PGID: pgid, Mappings: items})
	}
	sort.Slice(d.Incremental.NewPGUpmapItems, func(i, j int) bool {
		return d.Incremental.NewPGUpmapItems[i].PGID < d.Incremental.NewPGUpmapItems[j].PGID
	})

	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal plan %s: %w", p.Name, err)
	}
	var tree interface{}
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("failed to decode plan %s: %w", p.Name, err)
	}

	if path == "" {
		return tree, nil
	}
	parts := strings.Split(path, ".")
	node := tree
	for _, el := range parts {
		switch n := node.(type) {
		case map[string]interface{}:
			next, ok := n[el]
			if !ok {
				return notFound(parts), nil
			}
			node = next
		case []interface{}:
			idx, err := strconv.Atoi(el)
			if err != nil || idx < 0 || idx >= len(n) {
				return notFound(parts), nil
			}
			node = n[idx]
		default:
			return notFound(parts), nil
		}
	}
	return node, nil
}

func notFound(parts []string) map[string]interface{} {
	return map[string]interface{}{
		"message": "Can't find path",
		"path":    parts,
	}
}

func sortedIDs(m map[int]float64) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func sortedPGs(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for pgid := range m {
		out = append(out, pgid)
	}
	sort.Strings(out)
	return out
}
