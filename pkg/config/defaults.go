package config

import "time"

// DefaultConfig returns the configuration used when no config file is present.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
			Output: "stdout",
		},
		Telemetry: TelemetryConfig{
			Enabled:    false,
			Endpoint:   "localhost:4317",
			Insecure:   true,
			SampleRate: 0.1,
			Profiling: ProfilingConfig{
				Enabled:      false,
				ProfileTypes: []string{"cpu", "alloc_objects", "alloc_space"},
			},
		},
		Server: ServerConfig{
			ServerID:       "",
			PrivateKeyPath: "server_ed25519.key",
			AdvertiseIP:    "127.0.0.1",
			Primary:        RolePortConfig{Address: ":7701"},
			ClCustomer:     RolePortConfig{Address: ":7702"},
			ClNonCustomer:  RolePortConfig{Address: ":7703"},
			ClAppService:   RolePortConfig{Address: ":7704"},
			SrNeighbor:     RolePortConfig{Address: ":7705"},
			KeepAliveTimeout: 90 * time.Second,
			MaxFrameBytes:    4 << 20,
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "profileserver.db",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
		},
		BlobStore: BlobStoreConfig{
			Driver:       "fs",
			LocalPath:    "blobs",
			RefcountPath: "blob-refcount",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		AdminAPI: AdminAPIConfig{
			Enabled:   true,
			Port:      8443,
			TokenTTL:  15 * time.Minute,
			AdminUser: "admin",
		},
		Identity: IdentityConfig{
			MaxHostedIdentities:     50_000,
			MaxFollowerServersCount: 64,
			MaxIdentityRelations:    2_000,
			MaxPublicKeyBytes:       64,
			MaxNameBytes:            256,
			MaxTypeBytes:            64,
			MaxExtraDataBytes:       8192,
		},
		Search: SearchConfig{
			MaxTotalWithThumbnails:    200,
			MaxResponseWithThumbnails: 20,
			MaxTotalNoThumbnails:      2000,
			MaxResponseNoThumbnails:   200,
			WallClockBudget:           2 * time.Second,
			RegexPerProfileBudget:     25 * time.Millisecond,
			RegexCumulativeBudget:     time.Second,
		},
		Neighborhood: NeighborhoodConfig{
			InitializationParallelism:  4,
			MaxConcurrentWorkers:       5,
			ScanInterval:               2 * time.Second,
			ActionLease:                30 * time.Second,
			InitializationLease:        10 * time.Minute,
			InitializationSafetyMargin: 30 * time.Second,
			PeerReadTimeout:            30 * time.Second,
		},
		Relay: RelayConfig{
			CalleeResponseTimeout: 30 * time.Second,
			AppServiceBindTimeout: 60 * time.Second,
		},
		ShutdownTimeout: 65 * time.Second,
		TestMode:        false,
	}
}
