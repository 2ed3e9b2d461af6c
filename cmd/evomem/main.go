package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"

	"github.com/basket/evomem/internal/audit"
	"github.com/basket/evomem/internal/bus"
	"github.com/basket/evomem/internal/catalog"
	"github.com/basket/evomem/internal/config"
	"github.com/basket/evomem/internal/gateway"
	"github.com/basket/evomem/internal/graduation"
	"github.com/basket/evomem/internal/lifecycle"
	evotel "github.com/basket/evomem/internal/otel"
	"github.com/basket/evomem/internal/persistence"
	"github.com/basket/evomem/internal/retention"
	"github.com/basket/evomem/internal/scoring"
	"github.com/basket/evomem/internal/shared"
	"github.com/basket/evomem/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the evomem daemon

SUBCOMMANDS:
  %s status                   Show daemon health status (/healthz)
  %s doctor [-json]           Run diagnostic checks
                              Flags: -json for JSON output

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  EVOMEM_HOME             Data directory (default: ~/.evomem)
  EVOMEM_BIND_ADDR        Override bind_addr from config.yaml
  EVOMEM_AUTH_TOKEN       Override auth_token from config.yaml

EXAMPLES:
  Start the daemon:       %s
  Check daemon health:    %s status
  Run diagnostics:        %s doctor
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	runDaemon(ctx)
}

func runDaemon(ctx context.Context) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit first so logger init failures still leave a trail.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	// Mirror logs to stdout only when someone is watching.
	quietLogs := !isatty.IsTerminal(os.Stdout.Fd())
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())
	for _, key := range []string{
		"EVOMEM_HOME", "EVOMEM_BIND_ADDR", "EVOMEM_LOG_LEVEL",
		"EVOMEM_AUTH_TOKEN", "EVOMEM_DB_PATH", "EVOMEM_SHARED_MEMORY_TOKEN",
	} {
		if val, ok := os.LookupEnv(key); ok {
			logger.Debug("env override active", "key", key, "value", shared.RedactEnvValue(key, val))
		}
	}

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)",
				"bind_addr", cfg.BindAddr)
		}
	}

	eventBus := bus.New()

	otelProvider, err := evotel.Init(ctx, evotel.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		SampleRate:  cfg.Otel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := evotel.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", cfg.DBPath)

	cat, err := catalog.New(ctx, store, logger, cfg.PatternCatalogPath)
	if err != nil {
		fatalStartup(logger, "E_CATALOG_INIT", err)
	}
	logger.Info("startup phase", "phase", "catalog_seeded")

	scorer := scoring.New(cat, cfg.Scoring.KindMultipliers, logger)

	manager := lifecycle.New(lifecycle.Options{
		Store:            store,
		Scorer:           scorer,
		Catalog:          cat,
		Bus:              eventBus,
		Logger:           logger,
		Metrics:          metrics,
		Tracer:           otelProvider.Tracer,
		RelevanceWeights: cfg.Scoring.RelevanceWeights,
		RetentionDays:    cfg.Retention.Days,
	})

	var promoter graduation.Promoter
	if cfg.SharedMemory.Endpoint != "" {
		promoter = graduation.NewHTTPPromoter(
			cfg.SharedMemory.Endpoint,
			cfg.SharedMemory.AuthToken,
			time.Duration(cfg.SharedMemory.TimeoutSeconds)*time.Second,
		)
		logger.Info("promotions forwarded to shared memory", "endpoint", cfg.SharedMemory.Endpoint)
	} else {
		promoter = &graduation.LogPromoter{Logger: logger}
		logger.Info("no shared memory endpoint configured; promotions are logged locally")
	}

	pipeline := graduation.New(graduation.Options{
		Store:    store,
		Promoter: promoter,
		Bus:      eventBus,
		Logger:   logger,
		Metrics:  metrics,
		Tracer:   otelProvider.Tracer,
	})

	sweeper, err := retention.NewSweeper(retention.Config{
		Purger:   manager,
		Logger:   logger,
		Schedule: cfg.Retention.Schedule,
		Days:     cfg.Retention.Days,
	})
	if err != nil {
		fatalStartup(logger, "E_RETENTION_SCHEDULE", err)
	}
	if cfg.Retention.Days > 0 {
		sweeper.Start(ctx)
		defer sweeper.Stop()
	} else {
		logger.Info("automatic retention disabled (retention.days = 0)")
	}

	confWatcher := config.NewWatcher(cfg.HomeDir, cfg.PatternCatalogPath, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for range confWatcher.Events() {
			newCfg, err := config.Load()
			if err != nil {
				logger.Error("config reload failed, keeping previous settings", "error", err)
				continue
			}
			scorer.SetKindMultipliers(newCfg.Scoring.KindMultipliers)
			manager.SetRelevanceWeights(newCfg.Scoring.RelevanceWeights)
			sweeper.SetDays(newCfg.Retention.Days)
			logger.Info("config hot-reloaded",
				"fingerprint", newCfg.Fingerprint(),
				"note", "bind_addr, db_path and auth_token changes require a restart")
		}
	}()

	authToken, err := loadAuthToken(cfg)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
	}

	gw := gateway.New(gateway.Config{
		Manager:           manager,
		Pipeline:          pipeline,
		Store:             store,
		Bus:               eventBus,
		AuthToken:         authToken,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		Logger:            logger,
		Metrics:           metrics,
		Tracer:            otelProvider.Tracer,
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr)))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "events", "/api/v1/events/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), "runtime.startup", reasonCode, "fatal", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// loadAuthToken resolves the gateway bearer token: config/env first, then a
// persisted auth.token file, generated on first run.
func loadAuthToken(cfg config.Config) (string, error) {
	if tok := strings.TrimSpace(cfg.AuthToken); tok != "" {
		return tok, nil
	}
	tokenPath := filepath.Join(cfg.HomeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	// Try lsof to identify the occupying process (macOS/Linux).
	out, err := exec.Command("lsof", "-ti", ":"+port).Output()
	if err == nil && strings.TrimSpace(string(out)) != "" {
		pids := strings.TrimSpace(string(out))
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

// loadDotEnv populates env vars from a .env file without overriding
// anything already set.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
