package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"parking-ledger/internal/backend"
	"parking-ledger/internal/cache"
	"parking-ledger/internal/config"
	"parking-ledger/internal/journal"
	"parking-ledger/internal/ledger"
	"parking-ledger/internal/logging"
	"parking-ledger/internal/reconcile"
	"parking-ledger/internal/server"
	"parking-ledger/internal/shell"
	"parking-ledger/internal/telemetry"
)

var (
	mode = flag.String("mode", "cli", "Mode to run: cli, server, or both")
	port = flag.String("port", "", "Port for HTTP server (overrides APP_PORT)")
)

type app struct {
	cfg       *config.Config
	telemetry *telemetry.Provider
	svc       *reconcile.Service
	client    *backend.Client
	journal   *journal.Journal
	closers   []func() error
}

func main() {
	flag.Parse()

	cfg := config.Load()
	if *port != "" {
		cfg.Port = *port
	}

	logging.Init(cfg.IsDevelopment())
	if *mode != "server" {
		// stdout belongs to the shell
		logging.SetOutput(os.Stderr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		logging.Logger().Fatal().Err(err).Msg("failed to start")
	}
	defer a.close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	switch *mode {
	case "cli":
		a.runCLI(ctx, cancel, sigChan)
	case "server":
		a.runServer(ctx, cancel, sigChan)
	case "both":
		a.runBoth(ctx, cancel, sigChan)
	default:
		logging.Logger().Fatal().Str("mode", *mode).Msg("invalid mode, must be cli, server, or both")
	}
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	tp, err := telemetry.NewProvider(ctx, cfg.OTelServiceName, cfg.OTelEndpoint, cfg.Environment)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, telemetry: tp}

	opts := reconcile.Options{}

	if cfg.BackendEnabled() {
		a.client = backend.NewClient(backend.Options{
			BaseURL:      cfg.BackendURL,
			Timeout:      cfg.BackendTimeout,
			AccessToken:  cfg.BackendToken,
			RefreshToken: cfg.BackendRefreshToken,
		})
		opts.Backend = a.client
	} else {
		logging.Warn(ctx).Msg("BACKEND_URL not set, running offline")
	}

	if cfg.CacheEnabled() {
		snapshots, err := cache.Open(ctx, cfg.RedisURL, cfg.SnapshotTTL)
		if err != nil {
			logging.Warn(ctx).Err(err).Msg("snapshot cache unavailable")
		} else {
			opts.Snapshots = snapshots
			a.closers = append(a.closers, snapshots.Close)
		}
	}

	j, err := journal.Open(journal.Config{Driver: cfg.JournalDriver, DSN: cfg.JournalDSN})
	if err != nil {
		logging.Warn(ctx).Err(err).Msg("journal unavailable")
	} else {
		a.journal = j
		opts.Journal = j
		a.closers = append(a.closers, j.Close)
	}

	base, err := ledger.NewLedger(nil, nil)
	if err != nil {
		return nil, err
	}
	il, err := ledger.NewInstrumentedLedger(base, tp)
	if err != nil {
		return nil, err
	}

	a.svc = reconcile.New(il, opts)
	if _, err := a.svc.Seed(ctx); err != nil {
		return nil, err
	}

	return a, nil
}

func (a *app) newServer() *server.Server {
	opts := server.Options{
		Port:           a.cfg.Port,
		ServiceName:    a.cfg.OTelServiceName,
		RateLimitRPS:   a.cfg.RateLimitRPS,
		RateLimitBurst: a.cfg.RateLimitBurst,
	}
	if a.journal != nil {
		opts.Journal = a.journal
	}
	if a.client != nil {
		opts.BreakerState = a.client.BreakerState
	}
	return server.NewServer(a.svc, opts)
}

func (a *app) runCLI(ctx context.Context, cancel context.CancelFunc, sigChan chan os.Signal) {
	go func() {
		<-sigChan
		logging.Logger().Info().Msg("shutting down")
		cancel()
	}()

	shell.New(a.svc, a.telemetry, os.Stdin, os.Stdout).Run(ctx)
}

func (a *app) runServer(ctx context.Context, cancel context.CancelFunc, sigChan chan os.Signal) {
	srv := a.newServer()

	go func() {
		<-sigChan
		logging.Logger().Info().Msg("received shutdown signal")
		shutdownServer(srv)
		cancel()
	}()

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Logger().Error().Err(err).Msg("server error")
	}
}

func (a *app) runBoth(ctx context.Context, cancel context.CancelFunc, sigChan chan os.Signal) {
	srv := a.newServer()

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Start()
	}()

	cliDone := make(chan struct{})
	go func() {
		shell.New(a.svc, a.telemetry, os.Stdin, os.Stdout).Run(ctx)
		close(cliDone)
	}()

	go func() {
		<-sigChan
		logging.Logger().Info().Msg("received shutdown signal")
		cancel()
	}()

	select {
	case err := <-serverDone:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Logger().Error().Err(err).Msg("server error")
		}
		return
	case <-cliDone:
		logging.Logger().Info().Msg("CLI exited")
	case <-ctx.Done():
		logging.Logger().Info().Msg("context cancelled")
	}

	shutdownServer(srv)
}

func shutdownServer(srv *server.Server) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Logger().Error().Err(err).Msg("server shutdown error")
	}
}

func (a *app) close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			logging.Logger().Warn().Err(err).Msg("close failed")
		}
	}

	logging.Logger().Info().Msg("shutting down telemetry")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := a.telemetry.Shutdown(shutdownCtx); err != nil {
		logging.Logger().Error().Err(err).Msg("error shutting down telemetry")
	}
}
