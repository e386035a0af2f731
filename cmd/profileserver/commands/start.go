package commands

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/profileserver/internal/logger"
	"github.com/marmos91/profileserver/internal/telemetry"
	"github.com/marmos91/profileserver/pkg/adminapi"
	adminauth "github.com/marmos91/profileserver/pkg/adminapi/auth"
	"github.com/marmos91/profileserver/pkg/blobstore"
	"github.com/marmos91/profileserver/pkg/blobstore/refcount"
	"github.com/marmos91/profileserver/pkg/config"
	"github.com/marmos91/profileserver/pkg/identity"
	"github.com/marmos91/profileserver/pkg/metrics"
	"github.com/marmos91/profileserver/pkg/neighborhood"
	"github.com/marmos91/profileserver/pkg/relay"
	"github.com/marmos91/profileserver/pkg/search"
	"github.com/marmos91/profileserver/pkg/server"
	"github.com/marmos91/profileserver/pkg/session"
	"github.com/marmos91/profileserver/pkg/store"
)

var (
	foreground bool
	pidFile    string
	logFile    string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the profile server",
	Long: `Start the profile server with the specified configuration.

By default, the server runs in the background (daemon mode). Use --foreground
to run in the foreground for debugging or when managed by a process supervisor.

Examples:
  # Start in background (default)
  profileserver start

  # Start in foreground
  profileserver start --foreground

  # Start with custom config file
  profileserver start --config /etc/profileserver/config.yaml`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "Run in foreground (default: background/daemon mode)")
	startCmd.Flags().StringVar(&pidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/profileserver/profileserver.pid)")
	startCmd.Flags().StringVar(&logFile, "log-file", "", "Path to log file for daemon mode (default: $XDG_STATE_HOME/profileserver/profileserver.log)")
}

func runStart(cmd *cobra.Command, args []string) error {
	if !foreground {
		return startDaemon()
	}

	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "profileserver",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(ctx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	profilingShutdown, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "profileserver",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", "error", err)
		}
	}()

	logger.Info("profileserver starting", "server_id", cfg.Server.ServerID)
	logger.Info("configuration loaded", "source", getConfigSource(GetConfigFile()))
	if telemetry.IsEnabled() {
		logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.Endpoint, "sample_rate", cfg.Telemetry.SampleRate)
	}
	if telemetry.IsProfilingEnabled() {
		logger.Info("profiling enabled", "endpoint", cfg.Telemetry.Profiling.Endpoint)
	}

	priv, err := identity.LoadPrivateKey(cfg.Server.PrivateKeyPath)
	if err != nil {
		return fmt.Errorf("load server keypair: %w", err)
	}
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return errors.New("server private key is not an Ed25519 key")
	}

	db, err := store.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	blobs, err := openBlobStore(ctx, cfg.BlobStore)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	relayEngine := relay.New(cfg.Relay.CalleeResponseTimeout, cfg.Relay.AppServiceBindTimeout)

	primaryPort, err := portOf(cfg.Server.Primary.Address)
	if err != nil {
		return fmt.Errorf("primary port: %w", err)
	}
	srNeighborPort, err := portOf(cfg.Server.SrNeighbor.Address)
	if err != nil {
		return fmt.Errorf("sr_neighbor port: %w", err)
	}

	var serverMetrics *metrics.Metrics
	if cfg.Metrics.Enabled {
		serverMetrics = metrics.New()
	}

	searchEngine := search.New(db, cfg.Search, cfg.Server.ServerID, serverMetrics)

	neighborhoodEngine := neighborhood.New(
		db, blobs, cfg.Neighborhood,
		cfg.Server.ServerID, cfg.Server.AdvertiseIP,
		priv, pub,
		primaryPort, srNeighborPort,
		cfg.TestMode,
		serverMetrics,
	)

	deps := &server.Deps{
		Store:        db,
		Blobs:        blobs,
		Search:       searchEngine,
		Relay:        relayEngine,
		Neighborhood: neighborhoodEngine,
		Registry:     server.NewSessionRegistry(),
		Metrics:      serverMetrics,
		Config:       cfg,
		ServerID:     cfg.Server.ServerID,
		PrivateKey:   priv,
		PublicKey:    pub,
	}

	if serverMetrics != nil {
		go runMetricsSnapshotLoop(ctx, serverMetrics, db, relayEngine)
	}

	var adminServer *adminapi.Server
	if cfg.AdminAPI.Enabled {
		adminServer, err = newAdminAPIServer(cfg.AdminAPI, db, serverMetrics)
		if err != nil {
			return fmt.Errorf("configure admin api: %w", err)
		}
		go func() {
			if err := adminServer.Start(ctx); err != nil {
				logger.Error("admin api server error", "error", err)
			}
		}()
	}

	listeners, err := startListeners(ctx, deps)
	if err != nil {
		return fmt.Errorf("start listeners: %w", err)
	}
	defer func() {
		for _, l := range listeners {
			_ = l.Close()
		}
	}()

	neighborhoodDone := make(chan struct{})
	go func() {
		neighborhoodEngine.Run(ctx)
		close(neighborhoodDone)
	}()

	if pidFile != "" {
		if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0o644); err != nil {
			return fmt.Errorf("write PID file: %w", err)
		}
		defer func() { _ = os.Remove(pidFile) }()
	}

	logger.Info("profile server is running",
		"primary", cfg.Server.Primary.Address,
		"cl_customer", cfg.Server.ClCustomer.Address,
		"cl_non_customer", cfg.Server.ClNonCustomer.Address,
		"cl_app_service", cfg.Server.ClAppService.Address,
		"sr_neighbor", cfg.Server.SrNeighbor.Address,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	signal.Stop(sigChan)
	logger.Info("shutdown signal received, draining")
	cancel()
	neighborhoodEngine.Stop()

	for _, l := range listeners {
		_ = l.Close()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if adminServer != nil {
		if err := adminServer.Stop(shutdownCtx); err != nil {
			logger.Warn("admin api shutdown error", "error", err)
		}
	}

	select {
	case <-neighborhoodDone:
		logger.Info("neighborhood engine drained")
	case <-shutdownCtx.Done():
		logger.Warn("neighborhood engine did not drain within shutdown timeout")
	}

	logger.Info("profile server stopped")
	return nil
}

func portOf(addr string) (uint32, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	var port uint32
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return 0, err
	}
	return port, nil
}

// metricsSnapshotInterval is how often runMetricsSnapshotLoop refreshes
// the gauges that have no natural per-event hook (queue depth, peer
// counts, relay states).
const metricsSnapshotInterval = 30 * time.Second

// runMetricsSnapshotLoop periodically samples store and relay state into
// m's gauges until ctx is cancelled.
func runMetricsSnapshotLoop(ctx context.Context, m *metrics.Metrics, db *store.Store, relayEngine *relay.Engine) {
	ticker := time.NewTicker(metricsSnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			queueDepth, err := db.CountPendingActions(ctx)
			if err != nil {
				logger.Warn("metrics: count pending actions failed", "error", err)
				continue
			}
			neighbors, err := db.CountNeighbors(ctx)
			if err != nil {
				logger.Warn("metrics: count neighbors failed", "error", err)
				continue
			}
			followers, err := db.CountFollowers(ctx)
			if err != nil {
				logger.Warn("metrics: count followers failed", "error", err)
				continue
			}
			m.SetNeighborhoodGauges(queueDepth, neighbors, followers)

			for state, count := range relayEngine.CountByState() {
				m.SetRelayActiveCalls(state.String(), count)
			}
		}
	}
}

// newAdminAPIServer builds the admin API's listener from cfg, failing
// closed if the JWT secret is unconfigured or too short rather than
// silently accepting an insecure one.
func newAdminAPIServer(cfg config.AdminAPIConfig, db *store.Store, m *metrics.Metrics) (*adminapi.Server, error) {
	jwtService, err := adminauth.NewJWTService(adminauth.JWTConfig{
		Secret:              cfg.JWTSecret,
		AccessTokenDuration: cfg.TokenTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("admin api jwt service: %w", err)
	}
	if cfg.AdminUser == "" || cfg.AdminPassword == "" {
		return nil, errors.New("admin_api.admin_user and admin_api.admin_password_hash are required when admin_api.enabled is true")
	}

	deps := adminapi.Deps{
		Store:             db,
		Metrics:           m,
		JWTService:        jwtService,
		AdminUser:         cfg.AdminUser,
		AdminPasswordHash: cfg.AdminPassword,
	}
	return adminapi.NewServer(cfg.Port, deps), nil
}

func openBlobStore(ctx context.Context, cfg config.BlobStoreConfig) (*blobstore.Store, error) {
	ledger, err := refcount.Open(cfg.RefcountPath)
	if err != nil {
		return nil, fmt.Errorf("open refcount ledger: %w", err)
	}

	var backend blobstore.Backend
	switch cfg.Driver {
	case "fs":
		backend, err = blobstore.NewFSBackend(cfg.LocalPath)
	case "s3":
		backend, err = blobstore.NewS3Backend(ctx, blobstore.S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
		})
	default:
		return nil, fmt.Errorf("unsupported blob store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	return blobstore.New(backend, ledger), nil
}

// rolePort pairs a role with the TLS-listening config for one of the
// server's five ports (spec.md §6).
type rolePort struct {
	role session.Role
	cfg  config.RolePortConfig
}

func startListeners(ctx context.Context, d *server.Deps) ([]net.Listener, error) {
	cfg := d.Config.Server
	roles := []rolePort{
		{session.RolePrimary, cfg.Primary},
		{session.RoleClCustomer, cfg.ClCustomer},
		{session.RoleClNonCustomer, cfg.ClNonCustomer},
		{session.RoleClAppService, cfg.ClAppService},
		{session.RoleSrNeighbor, cfg.SrNeighbor},
	}

	var listeners []net.Listener
	for _, r := range roles {
		l, err := listenTLS(r.cfg)
		if err != nil {
			for _, opened := range listeners {
				_ = opened.Close()
			}
			return nil, fmt.Errorf("role %s: %w", r.role, err)
		}
		listeners = append(listeners, l)
		go acceptLoop(ctx, l, d, r.role, cfg.KeepAliveTimeout)
	}
	return listeners, nil
}

func listenTLS(cfg config.RolePortConfig) (net.Listener, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load TLS certificate: %w", err)
	}
	return tls.Listen("tcp", cfg.Address, &tls.Config{Certificates: []tls.Certificate{cert}})
}

// acceptLoop accepts connections on l until it is closed (at shutdown),
// handling each on its own goroutine per spec.md §5's one-session-per-
// connection model.
func acceptLoop(ctx context.Context, l net.Listener, d *server.Deps, role session.Role, keepAlive time.Duration) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn("accept failed", "role", role.String(), "error", err)
			continue
		}
		go server.HandleConnection(ctx, d, conn, role, keepAlive)
	}
}

// startDaemon re-execs the current binary in foreground mode, detached
// from the controlling terminal, so `start` defaults to running as a
// background service.
func startDaemon() error {
	stateDir := GetDefaultStateDir()
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	pidPath := pidFile
	if pidPath == "" {
		pidPath = GetDefaultPidFile()
	}

	if data, err := os.ReadFile(pidPath); err == nil {
		var pid int
		if _, err := fmt.Sscanf(string(data), "%d", &pid); err == nil {
			if process, err := os.FindProcess(pid); err == nil {
				if err := process.Signal(syscall.Signal(0)); err == nil {
					return fmt.Errorf("profileserver is already running (PID %d)", pid)
				}
			}
		}
		_ = os.Remove(pidPath)
	}

	logPath := logFile
	if logPath == "" {
		logPath = filepath.Join(stateDir, "profileserver.log")
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("get executable path: %w", err)
	}

	daemonArgs := []string{"start", "--foreground", "--pid-file", pidPath}
	if GetConfigFile() != "" {
		daemonArgs = append(daemonArgs, "--config", GetConfigFile())
	}

	logFileHandle, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = logFileHandle.Close() }()

	cmd := exec.Command(executable, daemonArgs...)
	cmd.Stdout = logFileHandle
	cmd.Stderr = logFileHandle
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	fmt.Printf("profileserver started in background (PID %d)\n", cmd.Process.Pid)
	fmt.Printf("  PID file: %s\n", pidPath)
	fmt.Printf("  Log file: %s\n", logPath)
	fmt.Println("\nUse 'profileserver status' to check server status")

	return nil
}
