package config

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrMissingKey is returned when a device class section lacks an option
var ErrMissingKey = errors.New("missing config key")

// Load loads configuration from file
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default config locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")               // Current directory
		v.AddConfigPath("./configs")       // Project configs directory
		v.AddConfigPath("/etc/pgbalancer") // System-wide config
	}

	// Set defaults
	setDefaults(v)

	// Enable environment variable overrides
	v.SetEnvPrefix("PGBALANCER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			// Config file not found; use defaults
			return parseConfig(v)
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	return parseConfig(v)
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	def := DefaultConfig()

	// Server defaults
	v.SetDefault("server.host", def.Server.Host)
	v.SetDefault("server.http_port", def.Server.HTTPPort)
	v.SetDefault("server.grpc_port", def.Server.GRPCPort)

	// Auth defaults
	v.SetDefault("auth.enabled", def.Auth.Enabled)
	v.SetDefault("auth.api_keys", def.Auth.APIKeys)

	// Logging defaults
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
	v.SetDefault("logging.output_path", def.Logging.OutputPath)
	v.SetDefault("logging.time_format", def.Logging.TimeFormat)

	// Etcd defaults
	v.SetDefault("etcd.endpoints", def.Etcd.Endpoints)
	v.SetDefault("etcd.dial_timeout", def.Etcd.DialTimeout)
	v.SetDefault("etcd.username", "")
	v.SetDefault("etcd.password", "")
	v.SetDefault("etcd.prefix", def.Etcd.Prefix)

	// Queue defaults
	v.SetDefault("queue.type", def.Queue.Type)
	v.SetDefault("queue.url", def.Queue.URL)
	v.SetDefault("queue.redis_stream", def.Queue.RedisStream)
	v.SetDefault("queue.redis_group", def.Queue.RedisGroup)
	v.SetDefault("queue.kafka_group_id", def.Queue.KafkaGroupID)

	// Dispatch defaults
	v.SetDefault("dispatch.mode", def.Dispatch.Mode)
	v.SetDefault("dispatch.subject", def.Dispatch.Subject)
	v.SetDefault("dispatch.reply_subject", def.Dispatch.ReplySubject)
	v.SetDefault("dispatch.timeout", def.Dispatch.Timeout)

	// Claim defaults
	v.SetDefault("claim.backend", def.Claim.Backend)
	v.SetDefault("claim.ttl", def.Claim.TTL)

	// Provider defaults
	v.SetDefault("provider.type", def.Provider.Type)
	v.SetDefault("provider.scenario_path", def.Provider.ScenarioPath)

	// Metrics defaults
	v.SetDefault("metrics.enabled", def.Metrics.Enabled)
	v.SetDefault("metrics.namespace", def.Metrics.Namespace)
	v.SetDefault("metrics.path", def.Metrics.Path)

	// Balancer and watcher defaults, device classes included
	for key, value := range Flatten(def.Balancer) {
		v.SetDefault("balancer."+key, value)
	}
	for key, value := range Flatten(def.Watcher) {
		v.SetDefault("watcher."+key, value)
	}
}

// parseConfig parses viper config into Config struct. Unknown keys are
// rejected, and every device class section must carry all of its options.
func parseConfig(v *viper.Viper) (*Config, error) {
	var cfg Config

	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := checkClassKeys(v, "balancer.classes", ReweightClassConfig{}); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := checkClassKeys(v, "watcher.classes", WatcherClassConfig{}); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// checkClassKeys reports every option missing from the class sections
// under section. Classes shipped in the defaults are always complete.
func checkClassKeys(v *viper.Viper, section string, proto interface{}) error {
	classes := v.GetStringMap(section)
	names := make([]string, 0, len(classes))
	for name := range classes {
		names = append(names, name)
	}
	sort.Strings(names)

	required := Keys(reflect.TypeOf(proto))
	var missing []string
	for _, name := range names {
		for _, key := range required {
			full := section + "." + name + "." + key
			if !v.IsSet(full) {
				missing = append(missing, full)
			}
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingKey, strings.Join(missing, ", "))
	}
	return nil
}

// LoadOrDefault loads configuration from file or returns default config
func LoadOrDefault(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		// Return default configuration
		return DefaultConfig()
	}
	return cfg
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "0.0.0.0",
			HTTPPort: 9283,
			GRPCPort: 9284,
		},
		Auth: AuthConfig{
			Enabled: false,
			APIKeys: []string{},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "stdout",
			TimeFormat: "RFC3339",
		},
		Etcd: EtcdConfig{
			Endpoints:   []string{},
			DialTimeout: 5 * time.Second,
			Prefix:      "/pgbalancer",
		},
		Queue: QueueConfig{
			Type:         "nats",
			URL:          "nats://localhost:4222",
			RedisStream:  "pgbalancer",
			RedisGroup:   "pgbalancer-group",
			KafkaGroupID: "pgbalancer-agents",
		},
		Dispatch: DispatchConfig{
			Mode:         "local",
			Subject:      "balancer.commands",
			ReplySubject: "balancer.results",
			Timeout:      30 * time.Second,
		},
		Claim: ClaimConfig{
			Backend: "memory",
			TTL:     10 * time.Minute,
		},
		Provider: ProviderConfig{
			Type:         "simulator",
			ScenarioPath: "./configs/scenario.yaml",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "pgbalancer",
			Path:      "/metrics",
		},
		Balancer: DefaultBalancerConfig(),
		Watcher:  DefaultWatcherConfig(),
	}
}

// DefaultBalancerConfig returns the balancer defaults with hdd and ssd
// reweight classes
func DefaultBalancerConfig() BalancerConfig {
	class := ReweightClassConfig{
		Active:               true,
		CVMax:                0.02,
		MinAvgUsage:          0.05,
		MaxReweightStepInc:   0.02,
		MaxReweightStepDec:   0.02,
		MaxUsageDifference:   0.05,
		AbsMaxDifference:     true,
		NormalizationMode:    NormalizeMax,
		NormalizationAvgBase: 0.5,
		MinOSDUsageDiff:      0.005,
		MinOSDUsageMultDiff:  0.01,
		MinWeight:            0.1,
	}

	return BalancerConfig{
		Active:                   true,
		Mode:                     ModeNone,
		SleepInterval:            60 * time.Second,
		MaxMisplaced:             0.05,
		BeginTime:                "0000",
		EndTime:                  "2400",
		UpmapMaxIterations:       10,
		UpmapMaxDeviation:        0.01,
		CrushCompatMaxIterations: 25,
		CrushCompatStep:          0.5,
		MinPGsPerOSD:             2,
		StatsSanityKB:            1,
		ReweightVariant:          VariantClass,
		TopK:                     3,
		PlanHistory:              20,
		Classes: map[string]ReweightClassConfig{
			"hdd": class,
			"ssd": class,
		},
	}
}

// DefaultWatcherConfig returns the latency watcher defaults with hdd and
// ssd classes
func DefaultWatcherConfig() WatcherConfig {
	hdd := WatcherClassConfig{
		PriAff: ActionConfig{
			Active:                 true,
			MaxCompliantLatency:    50,
			AvgLatencyThreshold:    5.0,
			MinLatencyThreshold:    1.0,
			LatestLatencyThreshold: 5.0,
			MaxThrottledOSDs:       0.05,
			MaxOSDsSanityCheck:     0.1,
			MeanThreshold:          2.0,
			StdThreshold:           5.0,
			DistanceThreshold:      0.8,
			ZScoreThreshold:        3.0,
			IQRMultiplier:          1.5,
		},
		Out: ActionConfig{
			Active:                 false,
			MaxCompliantLatency:    50,
			AvgLatencyThreshold:    10.0,
			MinLatencyThreshold:    2.0,
			LatestLatencyThreshold: 10.0,
			MaxThrottledOSDs:       0.02,
			MaxOSDsSanityCheck:     0.1,
			MeanThreshold:          3.0,
			StdThreshold:           8.0,
			DistanceThreshold:      0.8,
			ZScoreThreshold:        5.0,
			IQRMultiplier:          3.0,
		},
	}
	ssd := hdd
	ssd.PriAff.MaxCompliantLatency = 5
	ssd.Out.MaxCompliantLatency = 5

	return WatcherConfig{
		Active:             true,
		Period:             5 * time.Second,
		WindowWidth:        60,
		Strategy:           StrategyWindowed,
		DryRun:             false,
		EnableDebug:        false,
		DefaultDeviceClass: "hdd",
		Classes: map[string]WatcherClassConfig{
			"hdd": hdd,
			"ssd": ssd,
		},
	}
}
