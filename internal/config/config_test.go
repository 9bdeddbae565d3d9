package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{
			name:    "default config should be valid",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "invalid http port",
			mutate:  func(c *Config) { c.Server.HTTPPort = 0 },
			wantErr: true,
		},
		{
			name: "same http and grpc port",
			mutate: func(c *Config) {
				c.Server.HTTPPort = 8080
				c.Server.GRPCPort = 8080
			},
			wantErr: true,
		},
		{
			name:    "invalid logging level",
			mutate:  func(c *Config) { c.Logging.Level = "invalid" },
			wantErr: true,
		},
		{
			name:    "unknown balancer mode",
			mutate:  func(c *Config) { c.Balancer.Mode = "crush" },
			wantErr: true,
		},
		{
			name:    "compat step of one",
			mutate:  func(c *Config) { c.Balancer.CrushCompatStep = 1 },
			wantErr: true,
		},
		{
			name:    "zero compat iterations",
			mutate:  func(c *Config) { c.Balancer.CrushCompatMaxIterations = 0 },
			wantErr: true,
		},
		{
			name:    "malformed begin time",
			mutate:  func(c *Config) { c.Balancer.BeginTime = "25:00" },
			wantErr: true,
		},
		{
			name: "unknown normalization mode",
			mutate: func(c *Config) {
				hdd := c.Balancer.Classes["hdd"]
				hdd.NormalizationMode = "median"
				c.Balancer.Classes["hdd"] = hdd
			},
			wantErr: true,
		},
		{
			name:    "unknown watcher strategy",
			mutate:  func(c *Config) { c.Watcher.Strategy = "kmeans" },
			wantErr: true,
		},
		{
			name: "sanity cap above one",
			mutate: func(c *Config) {
				ssd := c.Watcher.Classes["ssd"]
				ssd.PriAff.MaxOSDsSanityCheck = 1.5
				c.Watcher.Classes["ssd"] = ssd
			},
			wantErr: true,
		},
		{
			name:    "etcd claims without endpoints",
			mutate:  func(c *Config) { c.Claim.Backend = "etcd" },
			wantErr: true,
		},
		{
			name: "redis claims need an address",
			mutate: func(c *Config) {
				c.Claim.Backend = "redis"
			},
			wantErr: true,
		},
		{
			name: "queue dispatch",
			mutate: func(c *Config) {
				c.Dispatch.Mode = "queue"
				c.Queue.Type = "memory"
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Config.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Balancer.CrushCompatMaxIterations != 25 {
		t.Errorf("expected 25 compat iterations, got %d", cfg.Balancer.CrushCompatMaxIterations)
	}

	if cfg.Balancer.CrushCompatStep != 0.5 {
		t.Errorf("expected compat step 0.5, got %f", cfg.Balancer.CrushCompatStep)
	}

	if cfg.Watcher.WindowWidth != 60 {
		t.Errorf("expected window width 60, got %d", cfg.Watcher.WindowWidth)
	}

	if got := cfg.Watcher.Classes["ssd"].PriAff.MaxCompliantLatency; got != 5 {
		t.Errorf("expected ssd max_compliant_latency 5, got %f", got)
	}

	if got := cfg.Watcher.Classes["hdd"].PriAff.MaxCompliantLatency; got != 50 {
		t.Errorf("expected hdd max_compliant_latency 50, got %f", got)
	}

	if cfg.Watcher.Classes["hdd"].Out.Active {
		t.Error("out action should be inactive by default")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  http_port: 8000
balancer:
  mode: crush-compat
  sleep_interval: 30s
  classes:
    hdd:
      cv_max: 0.1
watcher:
  strategy: clustering
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.HTTPPort != 8000 {
		t.Errorf("expected http_port 8000, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Balancer.Mode != ModeCrushCompat {
		t.Errorf("expected crush-compat mode, got %s", cfg.Balancer.Mode)
	}
	if cfg.Balancer.SleepInterval != 30*time.Second {
		t.Errorf("expected 30s sleep interval, got %v", cfg.Balancer.SleepInterval)
	}
	hdd := cfg.Balancer.Classes["hdd"]
	if hdd.CVMax != 0.1 {
		t.Errorf("expected hdd cv_max 0.1, got %f", hdd.CVMax)
	}
	// untouched options of a partially overridden class keep their default
	if hdd.MaxReweightStepInc != 0.02 || !hdd.Active {
		t.Errorf("expected hdd defaults to survive, got %+v", hdd)
	}
	if cfg.Watcher.Strategy != StrategyClustering {
		t.Errorf("expected clustering strategy, got %s", cfg.Watcher.Strategy)
	}
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
balancer:
  crush_compat_steps: 0.3
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an unknown key")
	}
}

func TestLoad_RejectsIncompleteClass(t *testing.T) {
	path := writeConfig(t, `
watcher:
  classes:
    nvme:
      pri_aff:
        active: true
        max_compliant_latency: 2
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected an error for an incomplete class section")
	}
	if !errors.Is(err, ErrMissingKey) {
		t.Errorf("expected ErrMissingKey, got %v", err)
	}
	if !strings.Contains(err.Error(), "watcher.classes.nvme.out.active") {
		t.Errorf("expected the missing key to be named, got %v", err)
	}
}

func TestLoad_InvalidValue(t *testing.T) {
	path := writeConfig(t, `
balancer:
  max_misplaced: 2
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation to reject max_misplaced > 1")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected an error for a missing explicit config file")
	}

	cfg := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	if cfg.Server.HTTPPort != DefaultConfig().Server.HTTPPort {
		t.Errorf("expected defaults, got http_port %d", cfg.Server.HTTPPort)
	}
}

func TestParseHHMM(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"0000", 0, false},
		{"0130", 90, false},
		{"2400", 1440, false},
		{"2401", 0, true},
		{"0060", 0, true},
		{"130", 0, true},
		{"ab12", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseHHMM(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseHHMM(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseHHMM(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestConfigHelpers(t *testing.T) {
	cfg := DefaultConfig()

	if !cfg.IsProduction() {
		t.Error("default config should be production mode")
	}

	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "console"
	if !cfg.IsDevelopment() {
		t.Error("config with debug/console should be development mode")
	}

	if got := cfg.GetServerAddress(); got != "0.0.0.0:9283" {
		t.Errorf("expected 0.0.0.0:9283, got %s", got)
	}

	if cfg.UseEtcd() {
		t.Error("default config should not use etcd")
	}

	if got := cfg.Etcd.Key("settings", "balancer/"); got != "/pgbalancer/settings/balancer/" {
		t.Errorf("unexpected key %s", got)
	}

	if _, ok := cfg.Watcher.WatcherClass("nvme"); !ok {
		t.Error("unknown classes should fall back to the default device class")
	}
	if _, ok := cfg.Balancer.ReweightClass("nvme"); ok {
		t.Error("reweight classes have no fallback")
	}
}
