package config

import (
	"net"
	"path"
	"strconv"
	"strings"
)

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Logging.Level == "debug" && c.Logging.Format == "console"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Logging.Level == "info" && c.Logging.Format == "json"
}

// GetServerAddress returns the HTTP server address
func (c *Config) GetServerAddress() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.HTTPPort))
}

// GetGRPCAddress returns the gRPC server address
func (c *Config) GetGRPCAddress() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.GRPCPort))
}

// UseEtcd reports whether persistent state lives in etcd
func (c *Config) UseEtcd() bool {
	return len(c.Etcd.Endpoints) > 0
}

// Key joins parts under the configured etcd prefix. The result ends with
// a slash when the last part does, so it can be used as a key prefix.
func (c *EtcdConfig) Key(parts ...string) string {
	key := path.Join(append([]string{"/", c.Prefix}, parts...)...)
	if len(parts) > 0 && strings.HasSuffix(parts[len(parts)-1], "/") {
		key += "/"
	}
	return key
}

// ReweightClass returns the reweight options of class and whether the
// class is configured
func (c *BalancerConfig) ReweightClass(class string) (ReweightClassConfig, bool) {
	rc, ok := c.Classes[strings.ToLower(class)]
	return rc, ok
}

// WatcherClass returns the watcher options of class, falling back to the
// default device class
func (c *WatcherConfig) WatcherClass(class string) (WatcherClassConfig, bool) {
	if wc, ok := c.Classes[strings.ToLower(class)]; ok {
		return wc, true
	}
	wc, ok := c.Classes[strings.ToLower(c.DefaultDeviceClass)]
	return wc, ok
}
