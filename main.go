package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/ops-broadcaster/pkg/config"
	"github.com/ops-broadcaster/pkg/logging"
	"github.com/ops-broadcaster/pkg/metrics"
	"github.com/ops-broadcaster/pkg/proxy"
	"github.com/ops-broadcaster/pkg/refresh"
	"github.com/ops-broadcaster/pkg/registry"
	"github.com/ops-broadcaster/pkg/routing"
	"github.com/ops-broadcaster/pkg/server"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	configFile    = kingpin.Flag("config.file", "Path to configuration file.").Short('c').Required().String()
	logLevel      = kingpin.Flag("log.level", "Override log level (debug, info, warn, error).").String()
	listenAddress = kingpin.Flag("web.listen-address", "Address to listen on for web interface and telemetry.").String()
	telemetryPath = kingpin.Flag("web.telemetry-path", "Path under which to expose metrics.").String()
)

func main() {
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()
	os.Exit(run())
}

func run() int {
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logging.Errorf("[config] %v", err)
		return 1
	}

	level := cfg.Log.Level
	if *logLevel != "" {
		level = *logLevel
	}
	if err := logging.Init(level, cfg.Log.Format); err != nil {
		logging.Errorf("[config] %v", err)
		return 1
	}
	defer logging.Sync()
	logging.Logf("[config] loaded path=%s node=%s", cfg.Path(), logging.GetNodeID())

	metricsAddr := cfg.Metrics.ListenAddress
	if *listenAddress != "" {
		metricsAddr = *listenAddress
	}
	metricsPath := cfg.Metrics.TelemetryPath
	if *telemetryPath != "" {
		metricsPath = *telemetryPath
	}

	// Registry with the configured servers
	reg := registry.New()
	collector := metrics.NewCollector(reg.Len)
	reg.OnChange(collector.RecordRegistryChange)
	reg.OnChange(func(c registry.Change) {
		logging.Logf("[registry] %s backend=%s", c.Op, c.Endpoint)
	})
	servers, err := cfg.ParsedServers()
	if err != nil {
		logging.Errorf("[config] %v", err)
		return 1
	}
	for _, s := range servers {
		reg.Add(s)
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collector)

	engine := proxy.NewEngine(proxy.Options{
		DiscardResponses: cfg.Broadcaster.DiscardResponses,
		DialTimeout:      cfg.GetDialTimeout(),
		TransferTimeout:  cfg.GetTransferTimeout(),
		FailureReply:     []byte(cfg.Broadcaster.FailureReply),
		BufferSize:       cfg.Proxy.BufferSize,
	}, proxy.WithObserver(collector))

	addrs, err := server.BindAddresses(cfg.Broadcaster.Host, cfg.Broadcaster.Port)
	if err != nil {
		logging.Errorf("[listen] %v", err)
		return 1
	}
	launcher := server.NewLauncher(addrs, reg, engine, server.Options{
		MaxConnections: cfg.Broadcaster.MaxConnections,
		ShutdownGrace:  cfg.GetShutdownGrace(),
		Gatherer:       promRegistry,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Refresh starts before the listeners accept
	refreshCtx, cancelRefresh := context.WithCancel(context.Background())
	var refreshWG sync.WaitGroup
	watcher, closer, err := startRefresh(refreshCtx, &refreshWG, cfg, reg, servers, collector)
	if err != nil {
		logging.Errorf("[refresh] %v", err)
		cancelRefresh()
		return 1
	}
	stopRefresh := func() {
		if watcher != nil {
			_ = watcher.Close()
		}
		cancelRefresh()
		refreshWG.Wait()
		if closer != nil {
			_ = closer.Close()
		}
	}

	if err := launcher.Start(ctx); err != nil {
		logging.Errorf("[listen] %v", err)
		stopRefresh()
		return 1
	}
	logging.Logf("[listen] bind addresses=%v discard_responses=%t backends=%v",
		addrs, cfg.Broadcaster.DiscardResponses, routing.Strings(reg.Snapshot()))

	// Metrics server lives until everything else has stopped
	metricsCtx, cancelMetrics := context.WithCancel(context.Background())
	metricsDone := make(chan error, 1)
	go func() { metricsDone <- launcher.StartMetricsServer(metricsCtx, metricsAddr, metricsPath) }()

	exitCode := 0
	select {
	case <-ctx.Done():
		logging.Log("[shutdown] signal received, shutting down gracefully")
	case err := <-metricsDone:
		logging.Errorf("[listen] metrics server failed: %v", err)
		metricsDone <- nil
		exitCode = 1
	}

	stopRefresh()

	if err := launcher.Stop(context.Background()); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			logging.Warnf("[shutdown] sessions force-closed after grace=%s", cfg.GetShutdownGrace())
		} else {
			logging.Warnf("[shutdown] %v", err)
		}
	}

	cancelMetrics()
	if err := <-metricsDone; err != nil {
		logging.Warnf("[shutdown] metrics server: %v", err)
	}
	logging.Log("[shutdown] done")
	return exitCode
}

// startRefresh starts the registry refresh task when autoupdate is enabled,
// plus a file watcher when requested. A one-shot refresh has completed when
// it returns. It returns what must be released at shutdown.
func startRefresh(ctx context.Context, wg *sync.WaitGroup, cfg *config.Config, reg *registry.Registry,
	servers []routing.Endpoint, collector *metrics.Collector) (*config.Watcher, io.Closer, error) {
	if !cfg.AutoUpdate.Enabled {
		logging.Log("[refresh] autoupdate disabled, membership is static")
		return nil, nil, nil
	}

	src, err := refresh.NewSource(cfg)
	if err != nil {
		return nil, nil, err
	}
	closer, _ := src.(io.Closer)

	// The configured list is pinned unless it is itself the discovery source.
	var pinned []routing.Endpoint
	sourceIsConfig := cfg.AutoUpdate.Source == config.SourceFile && cfg.ServersFile() == cfg.Path()
	if cfg.KeepConfigured() && !sourceIsConfig {
		pinned = servers
	}

	task := &refresh.Task{
		Registry: reg,
		Source:   src,
		Interval: cfg.GetRefreshInterval(),
		Pinned:   pinned,
		Timeout:  cfg.GetRefreshTimeout(),
		OnResult: collector.RecordRefresh,
	}
	if task.Interval <= 0 {
		// one-shot: done before the listeners open
		_ = task.Run(ctx)
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = task.Run(ctx)
		}()
	}

	if !cfg.AutoUpdate.Watch {
		return nil, closer, nil
	}
	if cfg.AutoUpdate.Source != config.SourceFile {
		logging.Warnf("[refresh] watch ignored for source=%s", cfg.AutoUpdate.Source)
		return nil, closer, nil
	}
	watcher, err := config.NewWatcher(cfg.ServersFile(), 0, task.Trigger)
	if err != nil {
		logging.Warnf("[watch] disabled path=%s err=%v", cfg.ServersFile(), err)
		return nil, closer, nil
	}
	if err := watcher.Start(ctx); err != nil {
		logging.Warnf("[watch] disabled path=%s err=%v", cfg.ServersFile(), err)
		_ = watcher.Close()
		return nil, closer, nil
	}
	return watcher, closer, nil
}
