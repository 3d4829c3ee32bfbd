// Command acng-core runs the caching/coordination engine as a standalone
// HTTP daemon: it wires the Cache Store, Item Registry, Connection Pool,
// Download Agent, and Client Job dispatcher together and serves them over
// h2c, following the teacher's main.go wiring shape (config load, slog
// setup, signal-driven graceful shutdown).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/danielloader/acng-core/internal/agent"
	"github.com/danielloader/acng-core/internal/clientjob"
	"github.com/danielloader/acng-core/internal/config"
	"github.com/danielloader/acng-core/internal/connpool"
	"github.com/danielloader/acng-core/internal/metrics"
	"github.com/danielloader/acng-core/internal/registry"
	"github.com/danielloader/acng-core/internal/server"
	"github.com/danielloader/acng-core/internal/store"
)

func main() {
	healthcheck := flag.Bool("healthcheck", false, "probe a running instance's /healthz and exit")
	flag.Parse()

	cfg := config.Load()

	if *healthcheck {
		os.Exit(runHealthcheck(cfg.ListenAddr))
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))

	if err := run(cfg); err != nil {
		slog.Error("acng-core exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fsStore := store.NewFSStore(cfg.CacheDir, cfg.DirPerms, cfg.FilePerms)
	if cfg.RsnapS3Bucket != "" {
		archiver, err := store.NewS3RsnapArchiver(ctx, cfg.RsnapS3Bucket, cfg.RsnapS3Prefix, cfg.RsnapS3ForcePathStyle)
		if err != nil {
			return fmt.Errorf("configuring s3 release-snapshot archiver: %w", err)
		}
		fsStore.WithReleaseArchiver(archiver)
		slog.Info("release snapshots archived to s3", "bucket", cfg.RsnapS3Bucket, "prefix", cfg.RsnapS3Prefix)
	}
	if err := fsStore.Init(); err != nil {
		return fmt.Errorf("initializing cache store: %w", err)
	}

	staleAfter := time.Duration(cfg.StuckSeconds) * time.Second
	if staleAfter <= 0 {
		staleAfter = 42 * time.Second
	}
	reg := registry.New(fsStore, 2*time.Minute, staleAfter)

	fastTimeout := time.Duration(cfg.FastTimeoutSeconds) * time.Second
	netTimeout := time.Duration(cfg.NetTimeoutSeconds) * time.Second
	dialer := connpool.NewDialer(fastTimeout, netTimeout, nil)
	pool := connpool.NewPool(dialer, 4, 2*time.Minute)
	go pool.RunReaper(time.Minute)
	defer pool.Stop()

	dlAgent := agent.New(cfg, pool)
	go dlAgent.Run(ctx)
	defer dlAgent.Stop()

	resolverTable, err := config.LoadRepoTable(cfg.ReposFile)
	if err != nil {
		return fmt.Errorf("loading repo table: %w", err)
	}

	deps := &clientjob.Deps{
		Registry:     reg,
		Agent:        dlAgent,
		Resolver:     resolverTable,
		Store:        fsStore,
		Config:       cfg,
		Classifier:   clientjob.NewDefaultClassifier(""),
		ServerBanner: "acng-core",
	}

	metricsReg := metrics.New(prometheus.DefaultRegisterer)
	go pollMetrics(ctx, metricsReg, reg, dlAgent)
	go runCleaner(ctx, reg)

	handler := server.New(deps, nil)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// runCleaner periodically sweeps the prolonged queue for expired volatile
// items (§4.3 "expire the prolonged completed items").
func runCleaner(ctx context.Context, reg *registry.Registry) {
	t := time.NewTicker(10 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			reg.BackgroundCleanup()
		}
	}
}

// pollMetrics periodically refreshes the gauges that sample live state
// rather than counting events as they happen.
func pollMetrics(ctx context.Context, m *metrics.Registry, reg *registry.Registry, ag *agent.Agent) {
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.PollRegistry(reg)
			m.PollAgent(ag)
		}
	}
}

func runHealthcheck(listenAddr string) int {
	addr := listenAddr
	if addr == "" || addr[0] == ':' {
		addr = "127.0.0.1" + addr
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "healthz returned %d\n", resp.StatusCode)
		return 1
	}
	return 0
}
