package simulator

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const smallScenario = `
epoch: 3
pools:
  - {id: 1, name: rbd, crush_rule: 0, size: 2, pg_num: 16, objects_per_pg: 10, bytes_per_pg: 1048576}
rules:
  - {id: 0, name: replicated, takes: [-1]}
roots:
  - {id: -1, name: default, devices: [0, 1, 2]}
devices:
  - {id: 0, class: hdd, crush_weight: 1, size_kb: 100000, latency_ms: 4}
  - {id: 1, class: hdd, crush_weight: 1, size_kb: 100000, latency_ms: 6}
  - {id: 2, class: hdd, crush_weight: 1, size_kb: 100000, weight: 0.5, up: false}
`

func TestParseScenario(t *testing.T) {
	s, err := ParseScenario([]byte(smallScenario))
	require.NoError(t, err)

	m := s.Map()
	assert.Equal(t, int64(3), m.Epoch)
	require.Len(t, m.Pools, 1)
	assert.Equal(t, 16, m.Pools[0].PGNum)
	assert.Equal(t, 1.0, m.Devices[0].Weight)
	assert.Equal(t, 1.0, m.Devices[0].PrimaryAffinity)
	assert.True(t, m.Devices[0].Up)
	assert.True(t, m.Devices[0].In)
	assert.Equal(t, 0.5, m.Devices[2].Weight)
	assert.False(t, m.Devices[2].Up)
	assert.Nil(t, m.WeightSet)
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := map[string]string{
		"no devices": `pools: []`,
		"unknown field": `
devices:
  - {id: 0, size_kb: 1, colour: red}`,
		"duplicate device": `
devices:
  - {id: 0, size_kb: 1}
  - {id: 0, size_kb: 1}`,
		"unknown root device": `
devices:
  - {id: 0, size_kb: 1}
roots:
  - {id: -1, name: default, devices: [0, 9]}`,
		"unknown rule": `
devices:
  - {id: 0, size_kb: 1}
pools:
  - {id: 1, name: rbd, crush_rule: 4, size: 1, pg_num: 1}`,
		"no size": `
devices:
  - {id: 0}`,
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseScenario([]byte(data))
			assert.Error(t, err)
		})
	}

	_, err := ParseScenario([]byte("devices:\n  - {id: 0}\n"))
	assert.True(t, errors.Is(err, ErrInvalidScenario))
}

func TestLoadScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(smallScenario), 0o644))

	s, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Len(t, s.Devices, 3)

	_, err = LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
