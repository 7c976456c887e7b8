/*
Copyright 2024 Xanthus Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config provides configuration loading and validation for the
// orchestrator. Configuration comes from a YAML file with environment
// variable overrides under the XANTHUS_ prefix.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chrishham/xanthus-sub007/pkg/vps"
)

// EnvPrefix is the prefix of all environment overrides.
const EnvPrefix = "XANTHUS"

// Duration is a wrapper around time.Duration for YAML marshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	duration, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(duration)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config is the orchestrator's full configuration.
type Config struct {
	// ServiceName is the name of the service for observability.
	ServiceName string `yaml:"serviceName"`
	// ServiceVersion is the version of the service.
	ServiceVersion string `yaml:"serviceVersion"`

	// Logging configuration.
	Logging LoggingConfig `yaml:"logging"`
	// Telemetry configuration.
	Telemetry TelemetryConfig `yaml:"telemetry"`
	// Server configuration.
	Server ServerConfig `yaml:"server"`
	// Catalog configuration.
	Catalog CatalogConfig `yaml:"catalog"`
	// Resolver configuration.
	Resolver ResolverConfig `yaml:"resolver"`
	// Storage configuration.
	Storage StorageConfig `yaml:"storage"`
	// Cluster configuration.
	Cluster ClusterConfig `yaml:"cluster"`
	// Fleet is the static server inventory.
	Fleet FleetConfig `yaml:"fleet"`
	// Reconcile configuration.
	Reconcile ReconcileConfig `yaml:"reconcile"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`
	// Encoding is the log encoding (json, console).
	Encoding string `yaml:"encoding"`
	// Development enables development mode.
	Development bool `yaml:"development"`
}

// TelemetryConfig contains OpenTelemetry configuration.
type TelemetryConfig struct {
	// Enabled enables metric export.
	Enabled bool `yaml:"enabled"`
	// Endpoint is the OTLP collector endpoint.
	Endpoint string `yaml:"endpoint"`
	// Insecure disables TLS for the telemetry connection.
	Insecure bool `yaml:"insecure"`
	// ExportInterval is the metrics export interval.
	ExportInterval Duration `yaml:"exportInterval"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Host is the server bind address.
	Host string `yaml:"host"`
	// Port is the server port.
	Port int `yaml:"port"`
	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout Duration `yaml:"readTimeout"`
	// WriteTimeout is the maximum duration before timing out response writes.
	WriteTimeout Duration `yaml:"writeTimeout"`
	// ShutdownTimeout bounds the graceful shutdown.
	ShutdownTimeout Duration `yaml:"shutdownTimeout"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CatalogConfig configures the descriptor catalog.
type CatalogConfig struct {
	// Sources are the descriptor and template directories to load.
	Sources []SourceConfig `yaml:"sources"`
	// RefreshInterval is how often the catalog is reloaded from disk.
	// Zero disables periodic refresh.
	RefreshInterval Duration `yaml:"refreshInterval"`
}

// SourceConfig is one catalog source on disk.
type SourceConfig struct {
	// Name is a friendly name for the source.
	Name string `yaml:"name"`
	// DescriptorDir holds descriptor YAML files.
	DescriptorDir string `yaml:"descriptorDir"`
	// TemplateDir holds values templates.
	TemplateDir string `yaml:"templateDir"`
}

// ResolverConfig configures the version resolver.
type ResolverConfig struct {
	// CacheTTL is how long a resolution stays fresh.
	CacheTTL Duration `yaml:"cacheTTL"`
	// MaxRetries bounds retries of transient source failures.
	MaxRetries uint64 `yaml:"maxRetries"`
	// RateLimitInterval is the minimum spacing between source calls.
	// Zero disables rate limiting.
	RateLimitInterval Duration `yaml:"rateLimitInterval"`
	// RateLimitBurst is the rate limiter's burst size.
	RateLimitBurst int `yaml:"rateLimitBurst"`
}

// Storage backends.
const (
	StorageMemory = "memory"
	StorageMySQL  = "mysql"
)

// StorageConfig selects and configures the registry backend.
type StorageConfig struct {
	// Backend is "memory" or "mysql".
	Backend string `yaml:"backend"`
	// DSN is the MySQL data source name; required for the mysql backend.
	DSN string `yaml:"dsn"`
}

// ClusterConfig configures the chart applier.
type ClusterConfig struct {
	// HelmBinary is the helm binary path.
	HelmBinary string `yaml:"helmBinary"`
	// Kubeconfig is the kubeconfig passed to helm.
	Kubeconfig string `yaml:"kubeconfig"`
	// ApplyTimeout bounds a single apply or uninstall.
	ApplyTimeout Duration `yaml:"applyTimeout"`
	// DryRun records applies in memory instead of touching a cluster.
	DryRun bool `yaml:"dryRun"`
}

// FleetConfig is the static server inventory.
type FleetConfig struct {
	// Servers are the known deployment targets.
	Servers []vps.Server `yaml:"servers"`
}

// ReconcileConfig configures the periodic reconcile loop.
type ReconcileConfig struct {
	// Interval is the time between reconcile passes. Zero disables the
	// loop; a pass still runs once at startup.
	Interval Duration `yaml:"interval"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		ServiceName:    "xanthus-orchestrator",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
		Telemetry: TelemetryConfig{
			Endpoint:       "localhost:4317",
			Insecure:       true,
			ExportInterval: Duration(30 * time.Second),
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(30 * time.Second),
		},
		Catalog: CatalogConfig{
			RefreshInterval: Duration(5 * time.Minute),
		},
		Resolver: ResolverConfig{
			CacheTTL:          Duration(15 * time.Minute),
			MaxRetries:        3,
			RateLimitInterval: Duration(time.Second),
			RateLimitBurst:    5,
		},
		Storage: StorageConfig{
			Backend: StorageMemory,
		},
		Cluster: ClusterConfig{
			HelmBinary:   "helm",
			ApplyTimeout: Duration(10 * time.Minute),
		},
		Reconcile: ReconcileConfig{
			Interval: Duration(10 * time.Minute),
		},
	}
}

// Load reads the config file, applies defaults and environment overrides,
// and validates the result. An empty path loads defaults and environment
// only.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config file: %w", err)
		}
	}
	cfg.applyEnv(NewEnvLoader(EnvPrefix))

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(loader *EnvLoader) {
	c.ServiceName = loader.GetString("SERVICE_NAME", c.ServiceName)
	c.ServiceVersion = loader.GetString("SERVICE_VERSION", c.ServiceVersion)

	c.Logging.Level = loader.GetString("LOG_LEVEL", c.Logging.Level)
	c.Logging.Encoding = loader.GetString("LOG_ENCODING", c.Logging.Encoding)
	c.Logging.Development = loader.GetBool("LOG_DEVELOPMENT", c.Logging.Development)

	c.Telemetry.Enabled = loader.GetBool("TELEMETRY_ENABLED", c.Telemetry.Enabled)
	c.Telemetry.Endpoint = loader.GetString("TELEMETRY_ENDPOINT", c.Telemetry.Endpoint)
	c.Telemetry.Insecure = loader.GetBool("TELEMETRY_INSECURE", c.Telemetry.Insecure)
	c.Telemetry.ExportInterval = Duration(loader.GetDuration("TELEMETRY_EXPORT_INTERVAL", c.Telemetry.ExportInterval.Duration()))

	c.Server.Host = loader.GetString("SERVER_HOST", c.Server.Host)
	c.Server.Port = loader.GetInt("SERVER_PORT", c.Server.Port)
	c.Server.ReadTimeout = Duration(loader.GetDuration("SERVER_READ_TIMEOUT", c.Server.ReadTimeout.Duration()))
	c.Server.WriteTimeout = Duration(loader.GetDuration("SERVER_WRITE_TIMEOUT", c.Server.WriteTimeout.Duration()))
	c.Server.ShutdownTimeout = Duration(loader.GetDuration("SERVER_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout.Duration()))

	c.Catalog.RefreshInterval = Duration(loader.GetDuration("CATALOG_REFRESH_INTERVAL", c.Catalog.RefreshInterval.Duration()))

	c.Resolver.CacheTTL = Duration(loader.GetDuration("RESOLVER_CACHE_TTL", c.Resolver.CacheTTL.Duration()))
	c.Resolver.MaxRetries = uint64(loader.GetInt("RESOLVER_MAX_RETRIES", int(c.Resolver.MaxRetries)))

	c.Storage.Backend = loader.GetString("STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.DSN = loader.GetString("STORAGE_DSN", c.Storage.DSN)

	c.Cluster.HelmBinary = loader.GetString("CLUSTER_HELM_BINARY", c.Cluster.HelmBinary)
	c.Cluster.Kubeconfig = loader.GetString("CLUSTER_KUBECONFIG", c.Cluster.Kubeconfig)
	c.Cluster.ApplyTimeout = Duration(loader.GetDuration("CLUSTER_APPLY_TIMEOUT", c.Cluster.ApplyTimeout.Duration()))
	c.Cluster.DryRun = loader.GetBool("CLUSTER_DRY_RUN", c.Cluster.DryRun)

	c.Reconcile.Interval = Duration(loader.GetDuration("RECONCILE_INTERVAL", c.Reconcile.Interval.Duration()))
}
