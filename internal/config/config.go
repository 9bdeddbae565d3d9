package config

import (
	"fmt"
	"strconv"
	"time"
)

// Balancer modes
const (
	ModeNone        = "none"
	ModeCrushCompat = "crush-compat"
	ModeUpmap       = "upmap"
	ModeReweight    = "reweight"
)

// Reweight variants
const (
	VariantClass = "class"
	VariantTopK  = "topk"
)

// Reweight normalization modes
const (
	NormalizeMax  = "max"
	NormalizeAvg  = "avg"
	NormalizeNone = "none"
)

// Anomaly detection strategies used by the latency watcher
const (
	StrategyClustering = "clustering"
	StrategyWindowed   = "windowed"
	StrategyZScore     = "zscore"
	StrategyIQR        = "iqr"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Etcd     EtcdConfig     `mapstructure:"etcd"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Claim    ClaimConfig    `mapstructure:"claim"`
	Provider ProviderConfig `mapstructure:"provider"`
	Balancer BalancerConfig `mapstructure:"balancer"`
	Watcher  WatcherConfig  `mapstructure:"watcher"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// ServerConfig represents the admin server configuration
type ServerConfig struct {
	Host     string `mapstructure:"host"`      // Bind address (e.g., 0.0.0.0 for all interfaces)
	HTTPPort int    `mapstructure:"http_port"` // Admin HTTP API port
	GRPCPort int    `mapstructure:"grpc_port"` // gRPC health service port
}

// AuthConfig represents admin API key authentication
type AuthConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	APIKeys []string `mapstructure:"api_keys"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, file path
	TimeFormat string `mapstructure:"time_format"` // RFC3339, Unix, Kitchen, RFC3339Nano
}

// EtcdConfig represents etcd configuration. An empty endpoint list keeps
// settings and the plan archive in memory.
type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	Prefix      string        `mapstructure:"prefix"` // Key prefix for everything the balancer stores
}

// QueueConfig represents message queue configuration
type QueueConfig struct {
	Type     string `mapstructure:"type"`     // Queue type: nats (default), redis, kafka, memory
	URL      string `mapstructure:"url"`      // Queue server URL (e.g., nats://localhost:4222, redis://localhost:6379)
	Username string `mapstructure:"username"` // Optional authentication
	Password string `mapstructure:"password"` // Optional authentication

	// Redis-specific options
	RedisDB       int    `mapstructure:"redis_db"`       // Redis database number (default: 0)
	RedisStream   string `mapstructure:"redis_stream"`   // Redis stream prefix (default: "pgbalancer")
	RedisGroup    string `mapstructure:"redis_group"`    // Redis consumer group (default: "pgbalancer-group")
	RedisConsumer string `mapstructure:"redis_consumer"` // Redis consumer name (default: hostname)

	// Kafka-specific options
	KafkaBrokers []string `mapstructure:"kafka_brokers"`  // Kafka broker addresses
	KafkaGroupID string   `mapstructure:"kafka_group_id"` // Kafka consumer group ID
}

// DispatchConfig selects how administrative commands reach the cluster
type DispatchConfig struct {
	Mode         string        `mapstructure:"mode"`          // local (in-process executor) or queue
	Subject      string        `mapstructure:"subject"`       // Queue subject commands are published on
	ReplySubject string        `mapstructure:"reply_subject"` // Queue subject results come back on
	Timeout      time.Duration `mapstructure:"timeout"`       // Max wait for a single command result
}

// ClaimConfig configures plan-name claims
type ClaimConfig struct {
	Backend   string        `mapstructure:"backend"` // memory, etcd, redis
	TTL       time.Duration `mapstructure:"ttl"`
	RedisAddr string        `mapstructure:"redis_addr"`
	RedisDB   int           `mapstructure:"redis_db"`
}

// ProviderConfig configures the cluster state provider
type ProviderConfig struct {
	Type         string `mapstructure:"type"`          // simulator
	ScenarioPath string `mapstructure:"scenario_path"` // YAML scenario for the simulator
}

// MetricsConfig configures the prometheus endpoint
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
	Path      string `mapstructure:"path"`
}

// BalancerConfig holds the distribution balancer options
type BalancerConfig struct {
	Active                   bool                           `mapstructure:"active"`
	Mode                     string                         `mapstructure:"mode"`
	SleepInterval            time.Duration                  `mapstructure:"sleep_interval"`
	MaxMisplaced             float64                        `mapstructure:"max_misplaced"`
	BeginTime                string                         `mapstructure:"begin_time"` // HHMM, inclusive
	EndTime                  string                         `mapstructure:"end_time"`   // HHMM, exclusive
	UpmapMaxIterations       int                            `mapstructure:"upmap_max_iterations"`
	UpmapMaxDeviation        float64                        `mapstructure:"upmap_max_deviation"`
	CrushCompatMaxIterations int                            `mapstructure:"crush_compat_max_iterations"`
	CrushCompatStep          float64                        `mapstructure:"crush_compat_step"`
	MinPGsPerOSD             int                            `mapstructure:"min_pgs_per_osd"`
	StatsSanityKB            int64                          `mapstructure:"stats_sanity_kb"`
	ReweightVariant          string                         `mapstructure:"reweight_variant"` // class or topk
	TopK                     int                            `mapstructure:"top_k"`
	Seed                     int64                          `mapstructure:"seed"` // 0 seeds from the clock
	PlanHistory              int                            `mapstructure:"plan_history"`
	Classes                  map[string]ReweightClassConfig `mapstructure:"classes"`
}

// ReweightClassConfig holds the usage reweight options of one device class
type ReweightClassConfig struct {
	Active               bool    `mapstructure:"active"`
	CVMax                float64 `mapstructure:"cv_max"`        // stddev/mean of usage
	MinAvgUsage          float64 `mapstructure:"min_avg_usage"` // skip the cv gate below this usage
	MaxReweightStepInc   float64 `mapstructure:"max_reweight_step_inc"`
	MaxReweightStepDec   float64 `mapstructure:"max_reweight_step_dec"`
	MaxUsageDifference   float64 `mapstructure:"max_usage_difference"`
	AbsMaxDifference     bool    `mapstructure:"abs_max_difference"`
	NormalizationMode    string  `mapstructure:"reweight_normalization_mode"` // max, avg, none
	NormalizationAvgBase float64 `mapstructure:"reweight_normalization_avg_base"`
	MinOSDUsageDiff      float64 `mapstructure:"min_osd_usage_diff"`
	MinOSDUsageMultDiff  float64 `mapstructure:"min_osd_usage_mult_diff"`
	MinWeight            float64 `mapstructure:"min_weight"`
}

// WatcherConfig holds the latency watcher options
type WatcherConfig struct {
	Active             bool                          `mapstructure:"active"`
	Period             time.Duration                 `mapstructure:"period"`
	WindowWidth        int                           `mapstructure:"window_width"` // samples per device
	Strategy           string                        `mapstructure:"strategy"`
	DryRun             bool                          `mapstructure:"dry_run"`
	EnableDebug        bool                          `mapstructure:"enable_debug"`
	DefaultDeviceClass string                        `mapstructure:"default_device_class"`
	Classes            map[string]WatcherClassConfig `mapstructure:"classes"`
}

// WatcherClassConfig holds both watcher actions of one device class
type WatcherClassConfig struct {
	PriAff ActionConfig `mapstructure:"pri_aff"`
	Out    ActionConfig `mapstructure:"out"`
}

// ActionConfig holds the thresholds of one watcher action
type ActionConfig struct {
	Active                 bool    `mapstructure:"active"`
	MaxCompliantLatency    float64 `mapstructure:"max_compliant_latency"` // ms, never act below
	AvgLatencyThreshold    float64 `mapstructure:"avg_latency_threshold"`
	MinLatencyThreshold    float64 `mapstructure:"min_latency_threshold"`
	LatestLatencyThreshold float64 `mapstructure:"latest_latency_threshold"`
	MaxThrottledOSDs       float64 `mapstructure:"max_throttled_osds"`    // churn cap, fraction of class
	MaxOSDsSanityCheck     float64 `mapstructure:"max_osds_sanity_check"` // sanity cap, fraction of class
	MeanThreshold          float64 `mapstructure:"mean_threshold"`
	StdThreshold           float64 `mapstructure:"std_threshold"`
	DistanceThreshold      float64 `mapstructure:"distance_threshold"` // log-scale neighbour fraction
	ZScoreThreshold        float64 `mapstructure:"zscore_threshold"`
	IQRMultiplier          float64 `mapstructure:"iqr_multiplier"` // fence at Q3 + k*IQR
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.Etcd.Validate(); err != nil {
		return fmt.Errorf("etcd config: %w", err)
	}

	if err := c.Queue.Validate(); err != nil {
		return fmt.Errorf("queue config: %w", err)
	}

	if err := c.Dispatch.Validate(); err != nil {
		return fmt.Errorf("dispatch config: %w", err)
	}

	if err := c.Claim.Validate(); err != nil {
		return fmt.Errorf("claim config: %w", err)
	}
	if c.Claim.Backend == "etcd" && len(c.Etcd.Endpoints) == 0 {
		return fmt.Errorf("claim config: etcd backend requires etcd.endpoints")
	}

	if err := c.Provider.Validate(); err != nil {
		return fmt.Errorf("provider config: %w", err)
	}

	if err := c.Balancer.Validate(); err != nil {
		return fmt.Errorf("balancer config: %w", err)
	}

	if err := c.Watcher.Validate(); err != nil {
		return fmt.Errorf("watcher config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (c *ServerConfig) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.HTTPPort)
	}

	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid grpc_port: %d", c.GRPCPort)
	}

	if c.HTTPPort == c.GRPCPort {
		return fmt.Errorf("http_port and grpc_port cannot be the same")
	}

	return nil
}

// Validate validates logging configuration
func (c *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"json":    true,
		"console": true,
	}

	if !validFormats[c.Format] {
		return fmt.Errorf("logging.format must be 'json' or 'console'")
	}

	return nil
}

// Validate validates etcd configuration
func (c *EtcdConfig) Validate() error {
	for _, ep := range c.Endpoints {
		if ep == "" {
			return fmt.Errorf("etcd.endpoints cannot contain empty entries")
		}
	}

	if len(c.Endpoints) > 0 && c.DialTimeout <= 0 {
		return fmt.Errorf("etcd.dial_timeout must be positive")
	}

	return nil
}

// Validate validates queue configuration
func (c *QueueConfig) Validate() error {
	switch c.Type {
	case "", "nats", "redis", "kafka", "memory":
		return nil
	default:
		return fmt.Errorf("queue.type must be one of: nats, redis, kafka, memory")
	}
}

// Validate validates dispatch configuration
func (c *DispatchConfig) Validate() error {
	if c.Mode != "local" && c.Mode != "queue" {
		return fmt.Errorf("dispatch.mode must be 'local' or 'queue'")
	}

	if c.Mode == "queue" && (c.Subject == "" || c.ReplySubject == "") {
		return fmt.Errorf("dispatch.subject and dispatch.reply_subject are required in queue mode")
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("dispatch.timeout must be positive")
	}

	return nil
}

// Validate validates claim configuration
func (c *ClaimConfig) Validate() error {
	switch c.Backend {
	case "memory", "etcd":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("claim.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("claim.backend must be one of: memory, etcd, redis")
	}

	if c.TTL <= 0 {
		return fmt.Errorf("claim.ttl must be positive")
	}

	return nil
}

// Validate validates provider configuration
func (c *ProviderConfig) Validate() error {
	if c.Type != "simulator" {
		return fmt.Errorf("provider.type must be 'simulator'")
	}

	if c.ScenarioPath == "" {
		return fmt.Errorf("provider.scenario_path is required")
	}

	return nil
}

// Validate validates metrics configuration
func (c *MetricsConfig) Validate() error {
	if c.Enabled && (c.Path == "" || c.Path[0] != '/') {
		return fmt.Errorf("metrics.path must start with '/'")
	}
	return nil
}

// Validate validates balancer configuration
func (c *BalancerConfig) Validate() error {
	switch c.Mode {
	case ModeNone, ModeCrushCompat, ModeUpmap, ModeReweight:
	default:
		return fmt.Errorf("balancer.mode must be one of: none, crush-compat, upmap, reweight")
	}

	if c.SleepInterval <= 0 {
		return fmt.Errorf("balancer.sleep_interval must be positive")
	}

	if c.MaxMisplaced < 0 || c.MaxMisplaced > 1 {
		return fmt.Errorf("balancer.max_misplaced must be within [0, 1]")
	}

	if _, err := ParseHHMM(c.BeginTime); err != nil {
		return fmt.Errorf("balancer.begin_time: %w", err)
	}
	if _, err := ParseHHMM(c.EndTime); err != nil {
		return fmt.Errorf("balancer.end_time: %w", err)
	}

	if c.CrushCompatMaxIterations < 1 {
		return fmt.Errorf("balancer.crush_compat_max_iterations must be at least 1")
	}

	if c.CrushCompatStep <= 0 || c.CrushCompatStep >= 1 {
		return fmt.Errorf("balancer.crush_compat_step must be within (0, 1)")
	}

	if c.UpmapMaxIterations < 1 {
		return fmt.Errorf("balancer.upmap_max_iterations must be at least 1")
	}

	if c.ReweightVariant != VariantClass && c.ReweightVariant != VariantTopK {
		return fmt.Errorf("balancer.reweight_variant must be 'class' or 'topk'")
	}

	if c.ReweightVariant == VariantTopK && c.TopK < 1 {
		return fmt.Errorf("balancer.top_k must be at least 1")
	}

	if c.PlanHistory < 0 {
		return fmt.Errorf("balancer.plan_history cannot be negative")
	}

	for name, class := range c.Classes {
		if err := class.Validate(); err != nil {
			return fmt.Errorf("balancer.classes.%s: %w", name, err)
		}
	}

	return nil
}

// Validate validates one reweight class
func (c *ReweightClassConfig) Validate() error {
	switch c.NormalizationMode {
	case NormalizeMax, NormalizeAvg, NormalizeNone:
	default:
		return fmt.Errorf("unknown reweight_normalization_mode %q", c.NormalizationMode)
	}

	if c.MaxReweightStepInc <= 0 || c.MaxReweightStepDec <= 0 {
		return fmt.Errorf("max_reweight_step_inc and max_reweight_step_dec must be positive")
	}

	if c.MinWeight < 0 || c.MinWeight > 1 {
		return fmt.Errorf("min_weight must be within [0, 1]")
	}

	return nil
}

// Validate validates watcher configuration
func (c *WatcherConfig) Validate() error {
	if c.Period <= 0 {
		return fmt.Errorf("watcher.period must be positive")
	}

	if c.WindowWidth < 1 {
		return fmt.Errorf("watcher.window_width must be at least 1")
	}

	switch c.Strategy {
	case StrategyClustering, StrategyWindowed, StrategyZScore, StrategyIQR:
	default:
		return fmt.Errorf("watcher.strategy must be one of: clustering, windowed, zscore, iqr")
	}

	if c.DefaultDeviceClass == "" {
		return fmt.Errorf("watcher.default_device_class is required")
	}

	for name, class := range c.Classes {
		if err := class.PriAff.Validate(); err != nil {
			return fmt.Errorf("watcher.classes.%s.pri_aff: %w", name, err)
		}
		if err := class.Out.Validate(); err != nil {
			return fmt.Errorf("watcher.classes.%s.out: %w", name, err)
		}
	}

	return nil
}

// Validate validates one watcher action
func (c *ActionConfig) Validate() error {
	if c.MaxThrottledOSDs < 0 || c.MaxThrottledOSDs > 1 {
		return fmt.Errorf("max_throttled_osds must be within [0, 1]")
	}

	if c.MaxOSDsSanityCheck < 0 || c.MaxOSDsSanityCheck > 1 {
		return fmt.Errorf("max_osds_sanity_check must be within [0, 1]")
	}

	if c.DistanceThreshold < 0 || c.DistanceThreshold > 1 {
		return fmt.Errorf("distance_threshold must be within [0, 1]")
	}

	if c.IQRMultiplier < 0 {
		return fmt.Errorf("iqr_multiplier cannot be negative")
	}

	return nil
}

// ParseHHMM parses a wall-clock time such as "0130" into minutes since
// midnight. "2400" is accepted as the end of the day.
func ParseHHMM(s string) (int, error) {
	if len(s) != 4 {
		return 0, fmt.Errorf("invalid time %q, expected HHMM", s)
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q, expected HHMM", s)
	}
	h, m := v/100, v%100
	if h > 24 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("invalid time %q, expected HHMM", s)
	}
	return h*60 + m, nil
}
