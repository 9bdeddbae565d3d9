package command

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/soltixdb/pgbalancer/internal/cluster"
)

// Command prefixes understood by the control plane
const (
	PrefixCreateCompat    = "osd crush weight-set create-compat"
	PrefixReweightCompat  = "osd crush weight-set reweight-compat"
	PrefixReweight        = "osd reweight"
	PrefixReweightN       = "osd reweightn"
	PrefixPrimaryAffinity = "osd primary-affinity"
	PrefixRmPGUpmapItems  = "osd rm-pg-upmap-items"
	PrefixPGUpmapItems    = "osd pg-upmap-items"
)

// weightScale is the fixed-point denominator of bulk reweights
const weightScale = 0x10000

// Command is one administrative command. Only the fields relevant to the
// prefix are set.
type Command struct {
	Prefix  string
	OSD     int
	Weight  float64
	Weights map[int]float64
	PGID    string
	Items   []cluster.UpmapItem
}

// CreateCompat creates the compat weight-set
func CreateCompat() Command {
	return Command{Prefix: PrefixCreateCompat}
}

// ReweightCompat sets the compat weight-set value of one device
func ReweightCompat(osd int, weight float64) Command {
	return Command{Prefix: PrefixReweightCompat, OSD: osd, Weight: weight}
}

// Reweight sets the admin weight of one device
func Reweight(osd int, weight float64) Command {
	return Command{Prefix: PrefixReweight, OSD: osd, Weight: weight}
}

// ReweightN sets the admin weight of many devices at once
func ReweightN(weights map[int]float64) Command {
	c := Command{Prefix: PrefixReweightN, Weights: make(map[int]float64, len(weights))}
	for osd, w := range weights {
		c.Weights[osd] = w
	}
	return c
}

// PrimaryAffinity sets the primary affinity of one device
func PrimaryAffinity(osd int, weight float64) Command {
	return Command{Prefix: PrefixPrimaryAffinity, OSD: osd, Weight: weight}
}

// RmPGUpmapItems drops the placement overrides of a PG
func RmPGUpmapItems(pgid string) Command {
	return Command{Prefix: PrefixRmPGUpmapItems, PGID: pgid}
}

// PGUpmapItems installs placement overrides for a PG
func PGUpmapItems(pgid string, items []cluster.UpmapItem) Command {
	return Command{Prefix: PrefixPGUpmapItems, PGID: pgid, Items: append([]cluster.UpmapItem(nil), items...)}
}

// EncodeWeight converts an admin weight to the bulk reweight fixed-point form
func EncodeWeight(w float64) string {
	return strconv.Itoa(int(w * float64(weightScale)))
}

// DecodeWeight is the inverse of EncodeWeight
func DecodeWeight(s string) (float64, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid weight %q: %w", s, err)
	}
	return float64(n) / float64(weightScale), nil
}

// String renders the command the way an operator would type it
func (c Command) String() string {
	switch c.Prefix {
	case PrefixCreateCompat:
		return "ceph " + c.Prefix
	case PrefixReweightCompat, PrefixReweight, PrefixPrimaryAffinity:
		return fmt.Sprintf("ceph %s osd.%d %f", c.Prefix, c.OSD, c.Weight)
	case PrefixReweightN:
		data, _ := json.Marshal(c.encodedWeights())
		return fmt.Sprintf("ceph %s %s", c.Prefix, data)
	case PrefixRmPGUpmapItems:
		return fmt.Sprintf("ceph %s %s", c.Prefix, c.PGID)
	case PrefixPGUpmapItems:
		var b strings.Builder
		fmt.Fprintf(&b, "ceph %s %s", c.Prefix, c.PGID)
		for _, item := range c.Items {
			fmt.Fprintf(&b, " %d %d", item.From, item.To)
		}
		return b.String()
	default:
		return "ceph " + c.Prefix
	}
}

// Devices returns the devices the command touches, sorted
func (c Command) Devices() []int {
	var ids []int
	switch c.Prefix {
	case PrefixReweightCompat, PrefixReweight, PrefixPrimaryAffinity:
		ids = append(ids, c.OSD)
	case PrefixReweightN:
		for osd := range c.Weights {
			ids = append(ids, osd)
		}
	case PrefixPGUpmapItems:
		for _, item := range c.Items {
			ids = append(ids, item.From, item.To)
		}
	}
	sort.Ints(ids)
	return ids
}

func (c Command) encodedWeights() map[string]string {
	out := make(map[string]string, len(c.Weights))
	for osd, w := range c.Weights {
		out[strconv.Itoa(osd)] = EncodeWeight(w)
	}
	return out
}

// MarshalJSON encodes the command in the control plane's JSON syntax
func (c Command) MarshalJSON() ([]byte, error) {
	m := map[string]interface{}{
		"prefix": c.Prefix,
		"format": "json",
	}
	switch c.Prefix {
	case PrefixCreateCompat:
	case PrefixReweightCompat:
		m["item"] = fmt.Sprintf("osd.%d", c.OSD)
		m["weight"] = []float64{c.Weight}
	case PrefixReweight, PrefixPrimaryAffinity:
		m["id"] = c.OSD
		m["weight"] = c.Weight
	case PrefixReweightN:
		// the weights travel as a JSON document inside a string
		data, err := json.Marshal(c.encodedWeights())
		if err != nil {
			return nil, err
		}
		m["weights"] = string(data)
	case PrefixRmPGUpmapItems:
		m["pgid"] = c.PGID
	case PrefixPGUpmapItems:
		ids := make([]int, 0, 2*len(c.Items))
		for _, item := range c.Items {
			ids = append(ids, item.From, item.To)
		}
		m["pgid"] = c.PGID
		m["id"] = ids
	default:
		return nil, fmt.Errorf("unknown command prefix %q", c.Prefix)
	}
	return json.Marshal(m)
}

type wireCommand struct {
	Prefix  string          `json:"prefix"`
	Item    string          `json:"item"`
	ID      json.RawMessage `json:"id"`
	Weight  json.RawMessage `json:"weight"`
	Weights string          `json:"weights"`
	PGID    string          `json:"pgid"`
}

// UnmarshalJSON decodes the control plane's JSON syntax
func (c *Command) UnmarshalJSON(data []byte) error {
	var w wireCommand
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	out := Command{Prefix: w.Prefix, PGID: w.PGID}
	switch w.Prefix {
	case PrefixCreateCompat, PrefixRmPGUpmapItems:
	case PrefixReweightCompat:
		if _, err := fmt.Sscanf(w.Item, "osd.%d", &out.OSD); err != nil {
			return fmt.Errorf("invalid item %q: %w", w.Item, err)
		}
		var weights []float64
		if err := json.Unmarshal(w.Weight, &weights); err != nil || len(weights) != 1 {
			return fmt.Errorf("invalid weight-set weight %s", string(w.Weight))
		}
		out.Weight = weights[0]
	case PrefixReweight, PrefixPrimaryAffinity:
		if err := json.Unmarshal(w.ID, &out.OSD); err != nil {
			return fmt.Errorf("invalid id: %w", err)
		}
		if err := json.Unmarshal(w.Weight, &out.Weight); err != nil {
			return fmt.Errorf("invalid weight: %w", err)
		}
	case PrefixReweightN:
		var encoded map[string]string
		if err := json.Unmarshal([]byte(w.Weights), &encoded); err != nil {
			return fmt.Errorf("invalid weights: %w", err)
		}
		out.Weights = make(map[int]float64, len(encoded))
		for k, v := range encoded {
			osd, err := strconv.Atoi(k)
			if err != nil {
				return fmt.Errorf("invalid osd id %q: %w", k, err)
			}
			weight, err := DecodeWeight(v)
			if err != nil {
				return err
			}
			out.Weights[osd] = weight
		}
	case PrefixPGUpmapItems:
		var ids []int
		if err := json.Unmarshal(w.ID, &ids); err != nil {
			return fmt.Errorf("invalid id list: %w", err)
		}
		if len(ids)%2 != 0 {
			return fmt.Errorf("odd number of ids in upmap items for %s", w.PGID)
		}
		for i := 0; i < len(ids); i += 2 {
			out.Items = append(out.Items, cluster.UpmapItem{From: ids[i], To: ids[i+1]})
		}
	default:
		return fmt.Errorf("unknown command prefix %q", w.Prefix)
	}

	*c = out
	return nil
}
