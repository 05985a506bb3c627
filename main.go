package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tunelapp/tunrelay/config"
	"github.com/tunelapp/tunrelay/device"
	"github.com/tunelapp/tunrelay/internal/telemetry"
	"github.com/tunelapp/tunrelay/internal/traffic"
	"github.com/tunelapp/tunrelay/logger"
	"github.com/tunelapp/tunrelay/relay"
	"github.com/tunelapp/tunrelay/util"
)

var (
	tunrelayVersion = "version_replaceme"
	tunrelayCommit  = ""
)

var (
	configFile  string
	tunFd       int
	mtu         int
	proxyAddr   string
	logLevel    string
	logFormat   string
	logFile     string
	showVersion bool
)

func main() {
	flag.StringVar(&configFile, "config", os.Getenv("TUNRELAY_CONFIG"), "Path to a YAML config file")
	flag.IntVar(&tunFd, "tun-fd", -1, "File descriptor of an already configured TUN interface")
	flag.IntVar(&mtu, "mtu", 0, "TUN MTU (default 1500)")
	flag.StringVar(&proxyAddr, "proxy", "", "SOCKS5 endpoint host:port (default 127.0.0.1:10808)")
	flag.StringVar(&logLevel, "log-level", "", "Log level: trace, debug, info, warn, error, fatal")
	flag.StringVar(&logFormat, "log-format", "", "Log format: text or json")
	flag.StringVar(&logFile, "log-file", "", "Write logs to this file with rotation instead of stdout")
	flag.BoolVar(&showVersion, "version", false, "Print the version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("tunrelay version %s\n", tunrelayVersion)
		os.Exit(0)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tunrelay: %v\n", err)
		os.Exit(2)
	}

	closeLog, err := setupLogging(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tunrelay: %v\n", err)
		os.Exit(2)
	}

	code := run(cfg)
	closeLog()
	os.Exit(code)
}

// loadConfig layers flags that were set explicitly over file and env config.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return cfg, err
	}

	var errs []error
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "tun-fd":
			cfg.Tun.FD = tunFd
		case "mtu":
			cfg.Tun.MTU = mtu
		case "proxy":
			if err := cfg.SetProxy(proxyAddr); err != nil {
				errs = append(errs, fmt.Errorf("-proxy: %w", err))
			}
		case "log-level":
			cfg.Log.Level = logLevel
		case "log-format":
			cfg.Log.Format = logFormat
		case "log-file":
			cfg.Log.File = logFile
		}
	})
	if err := errors.Join(errs...); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func run(cfg config.Config) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("tunrelay %s starting, proxy %s, tun fd %d, mtu %d", tunrelayVersion, cfg.Endpoint(), cfg.Tun.FD, cfg.Tun.MTU)

	tcfg := telemetry.FromEnv()
	tcfg.BuildVersion = tunrelayVersion
	tcfg.BuildCommit = tunrelayCommit
	if tcfg.ServiceVersion == "" {
		tcfg.ServiceVersion = tunrelayVersion
	}
	tel, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		logger.Warn("Telemetry disabled: %v", err)
	}
	var admin *http.Server
	if tel != nil && tel.PrometheusHandler != nil && tcfg.AdminAddr != "" {
		admin = startAdminServer(tcfg.AdminAddr, tel.PrometheusHandler)
	}

	tunDev, err := device.CreateTUNFromFD(uint32(cfg.Tun.FD), cfg.Tun.MTU)
	if err != nil {
		logger.Error("Failed to open tun device: %v", err)
		shutdownTelemetry(tel, admin)
		return 1
	}
	dev := device.NewPacketIO(tunDev)
	if name, err := dev.Name(); err == nil {
		logger.Debug("Using tun device %s", name)
	}

	monitor := traffic.NewMonitor(cfg.Monitor.Interval)
	monitor.OnUpdate(summaryLogger(cfg.Monitor.SummaryEvery))
	monitor.Start()
	telemetry.RegisterSpeedView(monitor)

	engine := relay.NewEngine(dev, cfg.Endpoint(), telemetry.NewTrafficSink(monitor), relay.Options{
		Observer:         telemetry.NewRelayObserver(),
		ConnectTimeout:   cfg.Proxy.ConnectTimeout,
		DeviceRetryDelay: cfg.Relay.DeviceRetryDelay,
		IdleTimeout:      cfg.Relay.IdleTimeout,
		PendingLimit:     cfg.Relay.PendingLimit,
		ICMPChecksum:     cfg.Relay.ICMPChecksum,
	})
	telemetry.RegisterFlowView(engine)
	if err := engine.Start(); err != nil {
		logger.Error("Failed to start relay engine: %v", err)
		dev.Close()
		monitor.Stop()
		shutdownTelemetry(tel, admin)
		return 1
	}
	telemetry.IncEngineStart(ctx)

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case <-engine.Done():
	}

	if err := engine.Stop(); err != nil {
		logger.Debug("Closing tun device: %v", err)
	}
	up, down := monitor.Totals()
	logger.Info("Relayed %s up, %s down", util.FormatBytes(up), util.FormatBytes(down))
	monitor.Stop()
	shutdownTelemetry(tel, admin)

	if err := engine.Err(); err != nil {
		logger.Error("Relay stopped: %v", err)
		return 1
	}
	return 0
}

// summaryLogger returns a monitor callback logging traffic at most once per every.
func summaryLogger(every time.Duration) func(traffic.Stats) {
	if every <= 0 {
		return nil
	}
	var last time.Time
	return func(s traffic.Stats) {
		if time.Since(last) < every {
			return
		}
		last = time.Now()
		logger.Info("Traffic: up %s (%s), down %s (%s), connected %s",
			util.FormatSpeed(s.UploadSpeed), util.FormatBytes(s.TotalUpload),
			util.FormatSpeed(s.DownloadSpeed), util.FormatBytes(s.TotalDownload),
			util.FormatDuration(s.ConnectedTime))
	}
}

func startAdminServer(addr string, metrics http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("Admin server on %s failed: %v", addr, err)
		}
	}()
	logger.Info("Serving metrics on http://%s/metrics", addr)
	return srv
}

func shutdownTelemetry(tel *telemetry.Setup, admin *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if admin != nil {
		_ = admin.Shutdown(ctx)
	}
	if tel != nil {
		if err := tel.Shutdown(ctx); err != nil {
			logger.Debug("Telemetry shutdown: %v", err)
		}
	}
}
