package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soltixdb/pgbalancer/internal/simulator"
)

const skewed = `
epoch: 1
pools:
  - {id: 1, name: rbd, crush_rule: 0, size: 1, pg_num: 64, objects_per_pg: 10, bytes_per_pg: 1048576}
rules:
  - {id: 0, name: replicated, takes: [-1]}
roots:
  - {id: -1, name: default, devices: [0, 1, 2, 3]}
devices:
  - {id: 0, class: hdd, crush_weight: 1, size_kb: 1000000, latency_ms: 5}
  - {id: 1, class: hdd, crush_weight: 1, size_kb: 1000000, latency_ms: 5}
  - {id: 2, class: hdd, crush_weight: 1, size_kb: 1000000, latency_ms: 5}
  - {id: 3, class: hdd, crush_weight: 1, size_kb: 1000000, latency_ms: 5}
`

func writeScenario(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(skewed), 0o644))
	return path
}

func TestRun_Table(t *testing.T) {
	var out bytes.Buffer
	err := runSim(context.Background(), &out, runOptions{scenario: writeScenario(t), cycles: 3, mode: "upmap"})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 5)
	assert.True(t, strings.HasPrefix(lines[0], "CYCLE"))
	assert.True(t, strings.HasPrefix(lines[1], "0 "))
}

func TestRun_JSON(t *testing.T) {
	var out bytes.Buffer
	err := runSim(context.Background(), &out, runOptions{scenario: writeScenario(t), cycles: 2, mode: "upmap", watcher: true, json: true})
	require.NoError(t, err)

	dec := json.NewDecoder(&out)
	var results []simulator.CycleResult
	for dec.More() {
		var r simulator.CycleResult
		require.NoError(t, dec.Decode(&r))
		results = append(results, r)
	}
	require.Len(t, results, 3)
	assert.Equal(t, 0, results[0].Cycle)
	assert.Equal(t, 2, results[2].Cycle)
	assert.LessOrEqual(t, results[2].Score, results[0].Score)
}

func TestRun_Errors(t *testing.T) {
	var out bytes.Buffer
	assert.Error(t, runSim(context.Background(), &out, runOptions{scenario: writeScenario(t), cycles: 0, mode: "upmap"}))
	assert.Error(t, runSim(context.Background(), &out, runOptions{scenario: writeScenario(t), cycles: 1, mode: "sideways"}))
	assert.Error(t, runSim(context.Background(), &out, runOptions{scenario: filepath.Join(t.TempDir(), "missing.yaml"), cycles: 1, mode: "upmap"}))
}

func TestRootCmd_Flags(t *testing.T) {
	root := newRootCmd()
	run, _, err := root.Find([]string{"run"})
	require.NoError(t, err)
	for _, name := range []string{"scenario", "cycles", "mode", "watcher", "json", "verbose"} {
		assert.NotNil(t, run.Flags().Lookup(name), name)
	}
}
