// Package config loads and validates the profile server's static configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full static configuration for a profile server node.
//
// Dynamic state — hosted identities, neighbors, followers, the action
// queue — lives in the database (Database) and is managed through the
// wire protocol and the admin API, not through this file.
//
// Precedence (highest to lowest):
//  1. Environment variables (PROFILESERVER_*), for keys the configuration
//     file also sets; a variable for a key absent from the file is not read
//  2. Configuration file (YAML)
//  3. Defaults
//
// When no configuration file is found, Load returns the defaults without
// consulting the environment.
type Config struct {
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry" yaml:"telemetry"`
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Database    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	BlobStore   BlobStoreConfig   `mapstructure:"blob_store" yaml:"blob_store"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	AdminAPI    AdminAPIConfig    `mapstructure:"admin_api" yaml:"admin_api"`
	Identity    IdentityConfig    `mapstructure:"identity" yaml:"identity"`
	Search      SearchConfig      `mapstructure:"search" yaml:"search"`
	Neighborhood NeighborhoodConfig `mapstructure:"neighborhood" yaml:"neighborhood"`
	Relay       RelayConfig       `mapstructure:"relay" yaml:"relay"`

	// ShutdownTimeout bounds graceful drain of in-flight sessions and
	// neighborhood workers (spec.md §5: "workers drain in ≤65 s").
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// TestMode disables the reserved/local address check on ip_address in
	// StartNeighborhoodInitialization (spec.md §6), for local integration tests.
	TestMode bool `mapstructure:"test_mode" yaml:"test_mode"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls distributed tracing and continuous profiling.
type TelemetryConfig struct {
	Enabled    bool            `mapstructure:"enabled" yaml:"enabled"`
	Endpoint   string          `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure   bool            `mapstructure:"insecure" yaml:"insecure"`
	SampleRate float64         `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`
	Profiling  ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
type ProfilingConfig struct {
	Enabled      bool     `mapstructure:"enabled" yaml:"enabled"`
	Endpoint     string   `mapstructure:"endpoint" yaml:"endpoint"`
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types"`
}

// RolePortConfig describes one TLS role-port listener (spec.md §6).
type RolePortConfig struct {
	Address  string `mapstructure:"address" yaml:"address"`
	CertFile string `mapstructure:"cert_file" yaml:"cert_file"`
	KeyFile  string `mapstructure:"key_file" yaml:"key_file"`
}

// ServerConfig binds the four TLS role ports plus the unauthenticated
// Primary role-discovery port (spec.md §6: "ListRoles on Primary returns
// {role, port, tcp=true, tls} triples").
type ServerConfig struct {
	ServerID         string         `mapstructure:"server_id" yaml:"server_id"`
	PrivateKeyPath   string         `mapstructure:"private_key_path" validate:"required" yaml:"private_key_path"`
	// AdvertiseIP is the address this server reports to neighbors in
	// StartNeighborhoodInitialization (spec.md §4.F.2); it need not match
	// any listen address when behind a proxy or NAT.
	AdvertiseIP      string         `mapstructure:"advertise_ip" validate:"required" yaml:"advertise_ip"`
	Primary          RolePortConfig `mapstructure:"primary" yaml:"primary"`
	ClCustomer       RolePortConfig `mapstructure:"cl_customer" yaml:"cl_customer"`
	ClNonCustomer    RolePortConfig `mapstructure:"cl_non_customer" yaml:"cl_non_customer"`
	ClAppService     RolePortConfig `mapstructure:"cl_app_service" yaml:"cl_app_service"`
	SrNeighbor       RolePortConfig `mapstructure:"sr_neighbor" yaml:"sr_neighbor"`
	KeepAliveTimeout time.Duration  `mapstructure:"keep_alive_timeout" yaml:"keep_alive_timeout"`
	MaxFrameBytes    int            `mapstructure:"max_frame_bytes" yaml:"max_frame_bytes"`
}

// DatabaseConfig configures the relational store (spec.md §3: HostedIdentity,
// NeighborIdentity, Neighbor, Follower, NeighborhoodAction, RelatedIdentity).
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `mapstructure:"driver" validate:"required,oneof=sqlite postgres" yaml:"driver"`
	// DSN is the sqlite file path or postgres connection string.
	DSN             string        `mapstructure:"dsn" validate:"required" yaml:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// BlobStoreConfig configures the content-addressed profile-image store.
type BlobStoreConfig struct {
	// Driver is "fs" or "s3".
	Driver string `mapstructure:"driver" validate:"required,oneof=fs s3" yaml:"driver"`
	// LocalPath is used when Driver == "fs".
	LocalPath string `mapstructure:"local_path" yaml:"local_path"`
	// S3Bucket/S3Region/S3Endpoint are used when Driver == "s3".
	S3Bucket   string `mapstructure:"s3_bucket" yaml:"s3_bucket"`
	S3Region   string `mapstructure:"s3_region" yaml:"s3_region"`
	S3Endpoint string `mapstructure:"s3_endpoint" yaml:"s3_endpoint"`
	// RefcountPath is the badger directory backing the blob reference-count ledger.
	RefcountPath string `mapstructure:"refcount_path" validate:"required" yaml:"refcount_path"`
}

// MetricsConfig configures the Prometheus metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// AdminAPIConfig configures the ops HTTP surface (pkg/adminapi).
type AdminAPIConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Port         int           `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
	JWTSecret    string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	TokenTTL     time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
	AdminUser    string        `mapstructure:"admin_user" yaml:"admin_user"`
	AdminPassword string       `mapstructure:"admin_password_hash" yaml:"admin_password_hash"`
}

// IdentityConfig bounds HostedIdentity admission and field sizes (spec.md §3, §6).
type IdentityConfig struct {
	MaxHostedIdentities      int `mapstructure:"max_hosted_identities" validate:"gt=0" yaml:"max_hosted_identities"`
	MaxFollowerServersCount  int `mapstructure:"max_follower_servers_count" validate:"gt=0" yaml:"max_follower_servers_count"`
	MaxIdentityRelations     int `mapstructure:"max_identity_relations" validate:"gt=0" yaml:"max_identity_relations"`
	MaxPublicKeyBytes        int `mapstructure:"max_public_key_bytes" yaml:"max_public_key_bytes"`
	MaxNameBytes             int `mapstructure:"max_name_bytes" yaml:"max_name_bytes"`
	MaxTypeBytes             int `mapstructure:"max_type_bytes" yaml:"max_type_bytes"`
	MaxExtraDataBytes        int `mapstructure:"max_extra_data_bytes" yaml:"max_extra_data_bytes"`
}

// SearchConfig bounds ProfileSearch behavior (spec.md §4.E).
type SearchConfig struct {
	MaxTotalWithThumbnails    int           `mapstructure:"max_total_with_thumbnails" yaml:"max_total_with_thumbnails"`
	MaxResponseWithThumbnails int           `mapstructure:"max_response_with_thumbnails" yaml:"max_response_with_thumbnails"`
	MaxTotalNoThumbnails      int           `mapstructure:"max_total_no_thumbnails" yaml:"max_total_no_thumbnails"`
	MaxResponseNoThumbnails   int           `mapstructure:"max_response_no_thumbnails" yaml:"max_response_no_thumbnails"`
	WallClockBudget           time.Duration `mapstructure:"wall_clock_budget" yaml:"wall_clock_budget"`
	RegexPerProfileBudget     time.Duration `mapstructure:"regex_per_profile_budget" yaml:"regex_per_profile_budget"`
	RegexCumulativeBudget     time.Duration `mapstructure:"regex_cumulative_budget" yaml:"regex_cumulative_budget"`
}

// NeighborhoodConfig tunes the replication engine (spec.md §4.F, §5).
type NeighborhoodConfig struct {
	InitializationParallelism int           `mapstructure:"initialization_parallelism" validate:"gt=0" yaml:"initialization_parallelism"`
	MaxConcurrentWorkers      int           `mapstructure:"max_concurrent_workers" validate:"gt=0" yaml:"max_concurrent_workers"`
	ScanInterval              time.Duration `mapstructure:"scan_interval" yaml:"scan_interval"`
	ActionLease               time.Duration `mapstructure:"action_lease" yaml:"action_lease"`
	InitializationLease       time.Duration `mapstructure:"initialization_lease" yaml:"initialization_lease"`
	InitializationSafetyMargin time.Duration `mapstructure:"initialization_safety_margin" yaml:"initialization_safety_margin"`
	PeerReadTimeout           time.Duration `mapstructure:"peer_read_timeout" yaml:"peer_read_timeout"`
}

// RelayConfig tunes the call-relay state machine (spec.md §4.D, §5).
type RelayConfig struct {
	CalleeResponseTimeout  time.Duration `mapstructure:"callee_response_timeout" yaml:"callee_response_timeout"`
	AppServiceBindTimeout  time.Duration `mapstructure:"app_service_bind_timeout" yaml:"app_service_bind_timeout"`
}

// Load reads configuration from file, environment, and defaults, then validates it.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if !found {
		if err := Validate(cfg); err != nil {
			return nil, fmt.Errorf("default configuration validation failed: %w", err)
		}
		return cfg, nil
	}

	if err := v.Unmarshal(cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate runs struct-tag validation over the loaded configuration.
func Validate(cfg *Config) error {
	return validator.New().Struct(cfg)
}

// Save writes the configuration to path as YAML with restricted permissions.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("PROFILESERVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}

	v.AddConfigPath(ConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read config file: %w", err)
	}
	return true, nil
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// ConfigDir returns the XDG-aware configuration directory.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "profileserver")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "profileserver")
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(DefaultConfigPath())
	return err == nil
}
