// Command consensusd is the daemon: it wires the transaction and
// contract stores, the event bus, the effect executor, the consensus
// and appeal engines, the worker pool, and the finalization scanner into
// one running process, exposes the event bus over gRPC, and serves a
// health endpoint the worker pool's executor health-streak feeds
// (spec.md §4.6, §6).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"

	"github.com/nondetchain/consensus-core/internal/appeal"
	"github.com/nondetchain/consensus-core/internal/config"
	"github.com/nondetchain/consensus-core/internal/consensusfsm"
	"github.com/nondetchain/consensus-core/internal/contractstore"
	"github.com/nondetchain/consensus-core/internal/domain"
	"github.com/nondetchain/consensus-core/internal/effects"
	"github.com/nondetchain/consensus-core/internal/eventbus"
	"github.com/nondetchain/consensus-core/internal/finalization"
	"github.com/nondetchain/consensus-core/internal/genvmclient"
	"github.com/nondetchain/consensus-core/internal/noderunner"
	"github.com/nondetchain/consensus-core/internal/txstore"
	"github.com/nondetchain/consensus-core/internal/worker"
)

func main() {
	v := viper.New()
	root := &cobra.Command{
		Use:   "consensusd",
		Short: "runs the non-deterministic smart contract consensus engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	config.BindFlags(root, v)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	root.SetContext(ctx)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	validators, err := loadValidators(cfg.ValidatorsPath)
	if err != nil {
		return fmt.Errorf("consensusd: load validators: %w", err)
	}
	log.Info("loaded validator pool", zap.Int("count", len(validators)))

	transactions, err := txstore.Open(cfg.TxStoreDBPath)
	if err != nil {
		return fmt.Errorf("consensusd: open tx store: %w", err)
	}
	defer transactions.Close()

	contracts, err := contractstore.Open(cfg.ContractStoreDBPath)
	if err != nil {
		return fmt.Errorf("consensusd: open contract store: %w", err)
	}
	defer contracts.Close()

	bus := eventbus.New(log.Named("eventbus"))
	if err := bus.Start(); err != nil {
		return fmt.Errorf("consensusd: start event bus: %w", err)
	}
	defer bus.Stop()

	executor := effects.New(transactions, contracts, bus)

	genvm := genvmclient.New(genvmclient.Config{
		BaseURL:     cfg.GenVMBaseURL,
		Retries:     cfg.GenVMRunRetries,
		HTTPTimeout: cfg.GenVMRunHTTPTimeout,
		RetryDelay:  cfg.GenVMRunRetryDelay,
	})
	runner := noderunner.New(genvm, noderunner.Config{
		HostSocketAddr:   cfg.HostSocketAddr,
		MaxExecutionTime: cfg.ValidatorExecTimeout,
	})

	snapshotter := consensusfsm.ContractStoreSnapshotter{Contracts: contracts}
	proxies := noderunner.ProxyBuilderFunc(func(ctx context.Context, contract domain.Address, snapshot domain.ContractSnapshot) (any, error) {
		return noderunner.NewContractStateProxy(contract, snapshot, contracts), nil
	})

	newEngine := func() *consensusfsm.Engine {
		selector := &consensusfsm.DefaultSelector{
			Pool: validators,
			N:    len(validators),
			Mode: cfg.SelectorMode,
		}
		return consensusfsm.New(selector, runner, consensusfsm.Config{
			RotationRounds:       cfg.RotationRounds,
			ValidatorExecTimeout: cfg.ValidatorExecTimeout,
		}).WithContractSnapshots(snapshotter).WithProxyBuilder(proxies)
	}

	appealEngine := appeal.New(transactions, contracts, runner, validators, appeal.Config{
		WindowSeconds:        cfg.AppealWindowSeconds,
		ValidatorExecTimeout: cfg.ValidatorExecTimeout,
		Mode:                 cfg.SelectorMode,
	})

	pool := worker.New("consensusd-1", transactions, contracts, executor, newEngine, appealEngine, worker.Config{
		ScanInterval:        cfg.ScanInterval,
		MaxConcurrentClaims: cfg.MaxConcurrentClaims,
		UnhealthyThreshold:  cfg.UnhealthyThreshold,
	}, log.Named("worker"))
	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("consensusd: start worker pool: %w", err)
	}
	defer pool.Stop()

	finalizer := finalization.New(transactions, contracts, finalization.Config{WindowSeconds: cfg.FinalityWindowSeconds})
	scanner := finalization.NewScanner(finalizer, executor, cfg.FinalizeInterval, log.Named("finalization"))
	if err := scanner.Start(ctx); err != nil {
		return fmt.Errorf("consensusd: start finalization scanner: %w", err)
	}
	defer scanner.Stop()

	grpcServer := grpc.NewServer()
	eventbus.NewGRPCServer(bus).Register(grpcServer)
	lis, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("consensusd: listen on %s: %w", cfg.GRPCListenAddr, err)
	}
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			log.Error("grpc server stopped", zap.Error(err))
		}
	}()
	defer grpcServer.GracefulStop()

	healthServer := newHealthServer(cfg.HealthListenAddr, pool)
	go func() {
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("health server stopped", zap.Error(err))
		}
	}()
	defer healthServer.Close()

	log.Info("consensusd running",
		zap.String("grpc_addr", cfg.GRPCListenAddr),
		zap.String("health_addr", cfg.HealthListenAddr),
	)
	<-ctx.Done()
	log.Info("consensusd shutting down")
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("consensusd: log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// loadValidators reads the known validator pool from a JSON file: a flat
// array of domain.Validator. There is no on-chain validator registry in
// this engine (spec.md scopes staking/slashing out), so the pool is
// operator-supplied config, the same way genesis accounts are in most
// permissioned chains.
func loadValidators(path string) ([]domain.Validator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var validators []domain.Validator
	if err := json.Unmarshal(data, &validators); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(validators) == 0 {
		return nil, fmt.Errorf("%s: no validators configured", path)
	}
	return validators, nil
}

var (
	healthGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "consensusd_worker_pool_healthy",
		Help: "1 if the worker pool's executor health streak is below its unhealthy threshold, 0 otherwise.",
	})
)

func init() {
	prometheus.MustRegister(healthGauge)
}

func newHealthServer(addr string, pool *worker.Pool) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if pool.Healthy() {
			healthGauge.Set(1)
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
			return
		}
		healthGauge.Set(0)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("unhealthy"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: mux}
}
