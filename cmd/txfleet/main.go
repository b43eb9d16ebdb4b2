// txfleet drives a fleet of wallets against an Ethereum JSON-RPC node,
// optionally through a pool of egress proxies.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/gateway-fm/txfleet/internal/account"
	"github.com/gateway-fm/txfleet/internal/config"
	"github.com/gateway-fm/txfleet/internal/fleet"
	"github.com/gateway-fm/txfleet/internal/metrics"
	"github.com/gateway-fm/txfleet/internal/nonce"
	"github.com/gateway-fm/txfleet/internal/pool"
	"github.com/gateway-fm/txfleet/internal/proxy"
	"github.com/gateway-fm/txfleet/internal/rpc"
	"github.com/gateway-fm/txfleet/internal/sink"
	"github.com/gateway-fm/txfleet/internal/storage"
	"github.com/gateway-fm/txfleet/internal/transport"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	logger, closeLog := newLogger(cfg)
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("txfleet failed", slog.String("error", err.Error()))
		closeLog()
		os.Exit(1)
	}
}

// newLogger writes JSON logs to stdout and, when LogFile is set, to a
// rotating file as well.
func newLogger(cfg *config.Config) (*slog.Logger, func()) {
	level, _ := cfg.SlogLevel()

	var out io.Writer = os.Stdout
	closeFn := func() {}
	if cfg.LogFile != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, lj)
		closeFn = func() { lj.Close() }
	}

	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger, closeFn
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) (err error) {
	runID := uuid.NewString()
	logger = logger.With(slog.String("run_id", runID))

	node := rpc.NewHTTPClient(rpc.DefaultClientConfig(cfg.RPCURL))

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainID, err = node.GetChainID(ctx)
		if err != nil {
			return fmt.Errorf("failed to query chain id: %w", err)
		}
	}
	logger.Info("connected to node", slog.String("rpc", cfg.RPCURL), slog.String("chain_id", chainID.String()))

	accounts, err := loadAccounts(cfg)
	if err != nil {
		return err
	}

	tracker, err := loadProxies(ctx, cfg, logger)
	if err != nil {
		return err
	}

	shards := nonce.NewShards(cfg.NonceShards, logger)
	if err := account.NewManager(accounts, logger).InitializeNonces(ctx, node, shards, 0); err != nil {
		return fmt.Errorf("failed to initialize nonces: %w", err)
	}

	prom := metrics.NewPrometheusMetrics(prometheus.DefaultRegisterer)

	poolCfg := pool.DefaultConfig(cfg.RPCURL, chainID)
	poolCfg.ConnectionLimit = cfg.ConnectionLimit
	poolCfg.Cooldown = cfg.Cooldown
	poolCfg.MinCooldown = cfg.MinCooldown
	p, err := pool.New(poolCfg, accounts, tracker, shards, prom, logger)
	if err != nil {
		return fmt.Errorf("failed to create wallet pool: %w", err)
	}
	defer p.Close()

	store, err := storage.NewSQLiteStorage(cfg.DatabasePath, logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() { err = multierr.Append(err, store.Close()) }()
	logger.Info("initialized storage", slog.String("path", cfg.DatabasePath))

	var writer sink.Writer = store
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		kw, kerr := sink.NewKafkaWriter(brokers, cfg.KafkaTopic, nil)
		if kerr != nil {
			return kerr
		}
		defer func() { err = multierr.Append(err, kw.Close()) }()
		writer = sink.MultiWriter{store, kw}
		logger.Info("publishing results to kafka",
			slog.String("brokers", strings.Join(brokers, ",")),
			slog.String("topic", cfg.KafkaTopic),
		)
	}

	policy, err := sink.ParsePolicy(cfg.OverflowPolicy)
	if err != nil {
		return err
	}
	results := sink.New(sink.Config{
		ChannelCapacity: cfg.ChannelCapacity,
		BatchSize:       cfg.BatchSize,
		FlushInterval:   cfg.FlushInterval,
		Policy:          policy,
	}, writer, prom, logger)

	runner, err := fleet.NewRunner(fleet.Config{
		RunID:         runID,
		Workers:       cfg.Workers,
		TaskTimeout:   cfg.TaskTimeout,
		IntervalMin:   cfg.IntervalMin,
		IntervalMax:   cfg.IntervalMax,
		InitialJitter: fleet.DefaultInitialJitter,
		TPS:           cfg.TPS,
		Gas:           gasConfig(cfg),
	}, p, fleet.DefaultTasks(), results, store, &metrics.FleetCounters{}, prom, logger)
	if err != nil {
		return fmt.Errorf("failed to create runner: %w", err)
	}

	api := transport.NewServer(fleet.NewService(runner, node), logger, cfg.CORSAllowedOrigins)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if tracker != nil {
		g.Go(func() error {
			tracker.RecheckLoop(gctx, cfg.RecheckInterval, cfg.ScanConcurrency)
			return nil
		})
	}
	g.Go(func() error {
		logger.Info("starting HTTP server", slog.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return runner.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		api.Close()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	// Workers have returned; drain what they queued before the store closes.
	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = multierr.Append(err, results.Shutdown(drainCtx))

	st := runner.Status()
	logger.Info("fleet stopped",
		slog.Int64("succeeded", st.Counters.TasksSucceeded),
		slog.Int64("failed", st.Counters.TasksFailed),
		slog.Int64("timed_out", st.Counters.TasksTimedOut),
		slog.Int64("dropped_results", st.Sink.Dropped),
	)
	return err
}

func loadAccounts(cfg *config.Config) ([]*account.Account, error) {
	if cfg.KeysFile == "" {
		return account.LoadTestAccounts()
	}
	accounts, err := account.LoadKeysFile(cfg.KeysFile)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("no keys in %s", cfg.KeysFile)
	}
	return accounts, nil
}

// loadProxies returns nil when no proxy file is configured, in which case
// every wallet sends directly.
func loadProxies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*proxy.Tracker, error) {
	if cfg.ProxyFile == "" {
		return nil, nil
	}
	records, err := proxy.LoadFile(cfg.ProxyFile)
	if err != nil {
		return nil, err
	}

	tracker := proxy.NewTracker(records, proxy.TrackerConfig{
		BanDuration: cfg.ProxyBan,
		Prober:      proxy.NewHTTPProber(cfg.RPCURL, cfg.ProbeTimeout),
	}, logger)

	res, err := tracker.ScanPartial(ctx, cfg.ScanConcurrency, cfg.MinHealthyProxies)
	if err != nil {
		return nil, fmt.Errorf("proxy scan failed: %w", err)
	}
	logger.Info("proxy scan complete",
		slog.Int("total", len(records)),
		slog.Int("healthy", len(res.Healthy)),
		slog.Int("banned", len(res.Banned)),
	)
	if len(res.Healthy) == 0 {
		logger.Warn("no healthy proxies found; leases will miss until a recheck succeeds")
	}
	return tracker, nil
}

func gasConfig(cfg *config.Config) fleet.GasConfig {
	gas := fleet.GasConfig{Legacy: cfg.LegacyTx}
	if cfg.GasTipCap > 0 {
		gas.TipCap = big.NewInt(cfg.GasTipCap)
	}
	if cfg.GasFeeCap > 0 {
		gas.FeeCap = big.NewInt(cfg.GasFeeCap)
	}
	return gas
}
