// udpcored daemon -- dual-stack UDP transport with echo and metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/trace"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/udpcore/internal/config"
	udpmetrics "github.com/dantte-lp/udpcore/internal/metrics"
	"github.com/dantte-lp/udpcore/internal/packet"
	"github.com/dantte-lp/udpcore/internal/transport"
	appversion "github.com/dantte-lp/udpcore/internal/version"
)

// shutdownTimeout is the maximum time to wait for the metrics server to
// drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// flightRecorderMinAge is the minimum window age for the flight recorder.
const flightRecorderMinAge = 500 * time.Millisecond

// flightRecorderMaxBytes is the upper bound on flight recorder window size.
const flightRecorderMaxBytes = 2 * 1024 * 1024 // 2 MiB

// errBindFailed indicates the transport could not bind its primary socket.
var errBindFailed = errors.New("transport bind failed")

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	// 2. Load config.
	cfg, err := loadConfig(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// 3. Set up logger with dynamic level support for SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("udpcored starting",
		slog.String("version", appversion.Version),
		slog.Int("port", cfg.Transport.Port),
		slog.String("ipv6_mode", cfg.Transport.IPv6Mode),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	// 4. Start flight recorder for post-mortem debugging.
	fr := startFlightRecorder(logger)

	// 5. Create Prometheus metrics collector.
	reg := prometheus.NewRegistry()
	collector := udpmetrics.NewCollector(reg)

	// 6. Run transport and servers.
	if err := runDaemon(cfg, reg, collector, logger, *configPath, logLevel, fr); err != nil {
		logger.Error("udpcored exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("udpcored stopped")
	return 0
}

// runDaemon binds the transport and runs the metrics server, the manual
// pump and the signal handlers in an errgroup with a signal-aware context.
func runDaemon(
	cfg *config.Config,
	reg *prometheus.Registry,
	collector *udpmetrics.Collector,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
	fr *trace.FlightRecorder,
) error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	tr, sink, err := startTransport(cfg, collector, logger)
	if err != nil {
		return err
	}
	defer tr.Close(false)

	g, gCtx := errgroup.WithContext(ctx)

	var servers []*http.Server
	if cfg.Metrics.Addr != "" {
		metricsSrv := newMetricsServer(cfg.Metrics, reg)
		servers = append(servers, metricsSrv)
		startMetricsServer(gCtx, g, cfg.Metrics, metricsSrv, logger)
	}

	if cfg.Transport.ManualMode {
		interval := cfg.Transport.ManualInterval
		g.Go(func() error {
			return runManualPump(gCtx, tr, interval)
		})
	}

	startDaemonGoroutines(gCtx, g, configPath, logLevel, tr, sink, logger)

	notifyReady(logger)

	// Shutdown goroutine: waits for context cancellation.
	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, tr, logger, fr, servers...)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run daemon: %w", err)
	}
	return nil
}

// startTransport builds the transport with its sink and binds it.
func startTransport(
	cfg *config.Config,
	collector *udpmetrics.Collector,
	logger *slog.Logger,
) (*transport.Transport, *echoSink, error) {
	opts, err := cfg.Transport.BindOptions()
	if err != nil {
		return nil, nil, fmt.Errorf("transport bind options: %w", err)
	}

	pool := packet.NewPool()
	sink := newEchoSink(pool, cfg.Echo.Enabled, logger)

	tr := transport.New(sink, logger,
		transport.WithPool(pool),
		transport.WithMetrics(collector),
		transport.WithNativeSockets(cfg.Transport.NativeSockets),
		transport.WithLifecycle(newSignalLifecycle(logger)),
	)
	sink.attach(tr)

	if !tr.Bind(opts) {
		return nil, nil, fmt.Errorf("bind %s port %d: %w", opts.IPv6Mode, opts.Port, errBindFailed)
	}

	if cfg.Transport.TTL > 0 {
		applyTTL(tr, cfg.Transport.TTL, logger)
	}

	logger.Info("transport bound",
		slog.Int("port", tr.LocalPort()),
		slog.Int("sockets", tr.SocketCount()),
		slog.Bool("dual_mode", tr.DualMode()),
		slog.Bool("native", tr.Native()),
		slog.Bool("manual_mode", opts.ManualMode),
	)

	return tr, sink, nil
}

// applyTTL sets the primary socket TTL, logging failures.
func applyTTL(tr *transport.Transport, ttl int, logger *slog.Logger) {
	if err := tr.SetTTL(ttl); err != nil {
		logger.Warn("failed to set socket TTL",
			slog.Int("ttl", ttl),
			slog.String("error", err.Error()),
		)
	}
}

// runManualPump drives receive processing for a manual-mode transport.
func runManualPump(ctx context.Context, tr *transport.Transport, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tr.ManualReceive()
		}
	}
}

// startMetricsServer registers the metrics HTTP server goroutine.
func startMetricsServer(
	ctx context.Context,
	g *errgroup.Group,
	cfg config.MetricsConfig,
	srv *http.Server,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Addr),
			slog.String("path", cfg.Path),
		)
		return listenAndServe(ctx, &lc, srv, cfg.Addr)
	})
}

// startDaemonGoroutines registers the watchdog and SIGHUP reload goroutines.
func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	tr *transport.Transport,
	sink *echoSink,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, tr, sink, logger)
		return nil
	})
}

// -------------------------------------------------------------------------
// Systemd Integration: sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd, indicating the daemon has
// completed initialization and is ready to serve.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd, indicating the daemon
// is beginning graceful shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd at half the
// configured WatchdogSec. If watchdog is not configured, it returns
// immediately.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive",
					slog.String("error", wdErr.Error()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload: log level, echo and TTL
// -------------------------------------------------------------------------

// handleSIGHUP listens for SIGHUP signals and reloads configuration until
// the context is cancelled.
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	tr *transport.Transport,
	sink *echoSink,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadConfig(configPath, logLevel, tr, sink, logger)
		}
	}
}

// reloadConfig applies the settings that can change without rebinding:
// log level, echo mode and TTL. Bind parameters need a restart. Errors
// keep the previous configuration in effect.
func reloadConfig(
	configPath string,
	logLevel *slog.LevelVar,
	tr *transport.Transport,
	sink *echoSink,
	logger *slog.Logger,
) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	sink.setEcho(newCfg.Echo.Enabled)

	if newCfg.Transport.TTL > 0 {
		applyTTL(tr, newCfg.Transport.TTL, logger)
	}

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
		slog.Bool("echo", newCfg.Echo.Enabled),
	)
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

// gracefulShutdown signals systemd, closes the transport, dumps the flight
// recorder and shuts down HTTP servers.
//
// The parent context is already cancelled when this function is called.
// A fresh timeout context is created internally for server drain.
func gracefulShutdown(
	ctx context.Context,
	tr *transport.Transport,
	logger *slog.Logger,
	fr *trace.FlightRecorder,
	servers ...*http.Server,
) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	tr.Close(false)

	if fr != nil {
		fr.Stop()
		logger.Debug("flight recorder stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Flight Recorder: runtime/trace
// -------------------------------------------------------------------------

// startFlightRecorder starts a rolling execution trace window that can be
// dumped after a receive stall or crash.
func startFlightRecorder(logger *slog.Logger) *trace.FlightRecorder {
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   flightRecorderMinAge,
		MaxBytes: flightRecorderMaxBytes,
	})

	if err := fr.Start(); err != nil {
		logger.Warn("failed to start flight recorder",
			slog.String("error", err.Error()),
		)
		return nil
	}

	logger.Info("flight recorder started",
		slog.Duration("min_age", flightRecorderMinAge),
		slog.Uint64("max_bytes", flightRecorderMaxBytes),
	)

	return fr
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

// listenAndServe creates a TCP listener using the ListenConfig and serves
// HTTP requests until the server is shut down.
func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// newMetricsServer creates an HTTP server for the Prometheus metrics endpoint.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// loadConfig loads configuration from a file path and the environment.
// An empty path yields defaults plus environment overrides.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newLoggerWithLevel creates a structured logger using a shared LevelVar
// for dynamic log level changes via SIGHUP reload.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
