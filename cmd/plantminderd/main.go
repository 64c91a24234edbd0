// plantminderd is the gateway daemon: it discovers Thread mesh nodes,
// performs the CoAP-observe handshake with each, and fans out decoded
// sensor readings to local subscribers over a Unix-domain control socket.
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
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/nand-nor/plant-minder/internal/broker"
	"github.com/nand-nor/plant-minder/internal/coap"
	"github.com/nand-nor/plant-minder/internal/config"
	"github.com/nand-nor/plant-minder/internal/ctlsock"
	"github.com/nand-nor/plant-minder/internal/mesh"
	"github.com/nand-nor/plant-minder/internal/meshmon"
	"github.com/nand-nor/plant-minder/internal/metrics"
	"github.com/nand-nor/plant-minder/internal/portpool"
	"github.com/nand-nor/plant-minder/internal/router"
	appversion "github.com/nand-nor/plant-minder/internal/version"
)

// shutdownTimeout bounds how long the metrics HTTP server is given to drain
// on graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration", "error", err)
		return 1
	}

	logger := newLogger(cfg.Log)
	logger.Info("plantminderd starting",
		"version", appversion.Version,
		"ctlsock_path", cfg.CtlSock.Path,
		"metrics_addr", cfg.Metrics.Addr,
		"mesh_transport", cfg.Mesh.Transport,
	)

	if err := runGateway(cfg, logger); err != nil {
		logger.Error("plantminderd exited with error", "error", err)
		return 1
	}

	logger.Info("plantminderd stopped")
	return 0
}

func runGateway(cfg *config.Config, logger *slog.Logger) error {
	meshClient, err := newMeshClient(cfg.Mesh)
	if err != nil {
		return fmt.Errorf("create mesh client: %w", err)
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	pool := portpool.New(cfg.Gateway.PortPoolBase, cfg.Gateway.PortPoolSize)
	collector.SetPortPoolFree(pool.FreeCount())

	monitor := meshmon.New(meshClient, pool, logger)
	brk := broker.New(cfg.Gateway.BrokerTickRate, logger)
	brk.OnTick(func(subscriberCount int) {
		collector.OnBrokerTick(subscriberCount)
		collector.SetPortPoolFree(pool.FreeCount())
	})
	brk.OnReading(collector.IncReadingsReceived)
	brk.OnTermination(collector.SessionEnded)
	brk.OnRegistration(collector.IncRegistrations)

	spawn := router.SpawnUDPSession(cfg.Gateway.SessionSilenceTimeout, logger)
	rt := router.New(monitor, coap.NewUDPDialer(), spawn, brk, cfg.Gateway.PollInterval, logger)
	rt.OnHandshakeFailure(collector.IncHandshakeFailures)
	rt.OnSessionStarted(collector.SessionStarted)

	ctl := ctlsock.NewServer(cfg.CtlSock.Path, brk, logger)
	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error { return brk.Run(gCtx) })
	g.Go(func() error { return rt.Run(gCtx) })
	g.Go(func() error { return ctl.Run(gCtx) })
	g.Go(func() error {
		logger.Info("metrics server listening", "addr", cfg.Metrics.Addr, "path", cfg.Metrics.Path)
		return listenAndServe(gCtx, metricsSrv, cfg.Metrics.Addr)
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gCtx), shutdownTimeout)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run gateway: %w", err)
	}
	return nil
}

// newMeshClient selects the Mesh Client transport named by cfg.Transport
// (spec §4.1, §6).
func newMeshClient(cfg config.MeshConfig) (mesh.Client, error) {
	switch cfg.Transport {
	case "cli":
		return mesh.NewCLIClient(cfg.CLIBin), nil
	default:
		client, err := mesh.NewDBusClient(cfg.Interface)
		if err != nil {
			return nil, fmt.Errorf("dbus mesh client: %w", err)
		}
		return client, nil
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func listenAndServe(ctx context.Context, srv *http.Server, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}
