// Package config binds the daemon's runtime configuration. It follows the
// same shape spec.md §6.6 documents: a flat set of environment-overridable
// options with built-in defaults, loaded through viper and exposed to
// cobra commands as persistent flags.
//
// The teacher's own CLI (cmd/empower1d/cli) takes no flags and reads no
// config file at all, so there is nothing there to generalize from
// directly; this package is grounded on viper+cobra as the rest of the
// pack and the wider Go ecosystem use them for daemon configuration
// (env+flag+file layered sources, struct unmarshalling), not on a literal
// teacher analogue. See DESIGN.md.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nondetchain/consensus-core/internal/vrf"
)

// Config is the full set of options consensusd needs to wire every
// package: storage paths, the genvm sidecar, node-runner timeouts,
// consensus round behavior, the appeal window, the worker pool, and the
// finalization scanner (spec.md §6.6).
type Config struct {
	// Storage
	TxStoreDBPath       string
	ContractStoreDBPath string
	ValidatorsPath      string

	// Transport
	GRPCListenAddr   string
	HealthListenAddr string
	LogLevel         string

	// GenVM sidecar (spec.md §6.6 GENVM_MANAGER_RUN_*)
	GenVMBaseURL         string
	HostSocketAddr       string
	GenVMRunRetries      int
	GenVMRunHTTPTimeout  time.Duration
	GenVMRunRetryDelay   time.Duration

	// Node runner / validator execution (VALIDATOR_EXEC_TIMEOUT_SECONDS)
	ValidatorExecTimeout time.Duration

	// Consensus round behavior
	RotationRounds int
	SelectorMode   vrf.Mode

	// Appeal window and finality window (FINALITY_WINDOW_TIME)
	AppealWindowSeconds  int64
	FinalityWindowSeconds int64

	// Worker pool
	ScanInterval       time.Duration
	MaxConcurrentClaims int
	// GENVM_FAILURE_UNHEALTHY_THRESHOLD
	UnhealthyThreshold int

	// Finalization scanner
	FinalizeInterval time.Duration

	// HARDHAT_CHAIN_ID
	HardhatChainID int64
}

// Default returns the documented defaults (spec.md §6.6). Values the spec
// leaves to the operator (storage paths, listen addresses, the genvm base
// URL) get a workable local default rather than a zero value, so a daemon
// started with no flags at all still comes up.
func Default() Config {
	return Config{
		TxStoreDBPath:       "./data/tx.db",
		ContractStoreDBPath: "./data/contracts.db",
		ValidatorsPath:      "./data/validators.json",

		GRPCListenAddr:   ":7070",
		HealthListenAddr: ":8080",
		LogLevel:         "info",

		GenVMBaseURL:        "http://127.0.0.1:4000",
		HostSocketAddr:      "127.0.0.1:4001",
		GenVMRunRetries:     3,
		GenVMRunHTTPTimeout: 10 * time.Second,
		GenVMRunRetryDelay:  time.Second,

		ValidatorExecTimeout: 600 * time.Second,

		RotationRounds: 3,
		SelectorMode:   vrf.Uniform,

		AppealWindowSeconds:   3600,
		FinalityWindowSeconds: 3600,

		ScanInterval:        time.Second,
		MaxConcurrentClaims: 16,
		UnhealthyThreshold:  3,

		FinalizeInterval: time.Second,

		HardhatChainID: 61999,
	}
}

// BindFlags registers one persistent flag per option on cmd, each
// defaulting to Default()'s value, and binds it into v so environment
// variables (prefix CONSENSUSD_, e.g. CONSENSUSD_SCAN_INTERVAL) and a
// config file can override it (spec.md §6.6's options are all named this
// way: upper-snake env vars over a flat option set).
func BindFlags(cmd *cobra.Command, v *viper.Viper) {
	d := Default()
	flags := cmd.PersistentFlags()

	flags.String("tx-store-db-path", d.TxStoreDBPath, "BoltDB file for the transaction store")
	flags.String("contract-store-db-path", d.ContractStoreDBPath, "BoltDB file for the contract store")
	flags.String("validators-path", d.ValidatorsPath, "JSON file listing the known validator pool")
	flags.String("grpc-listen-addr", d.GRPCListenAddr, "listen address for the event bus gRPC stream")
	flags.String("health-listen-addr", d.HealthListenAddr, "listen address for the health/metrics endpoint")
	flags.String("log-level", d.LogLevel, "zap log level (debug, info, warn, error)")

	flags.String("genvm-base-url", d.GenVMBaseURL, "base URL of the genvm sidecar")
	flags.String("host-socket-addr", d.HostSocketAddr, "address the genvm host callback loop listens on")
	flags.Int("genvm-run-retries", d.GenVMRunRetries, "genvm run HTTP retry attempts")
	flags.Duration("genvm-run-http-timeout", d.GenVMRunHTTPTimeout, "genvm run HTTP client timeout")
	flags.Duration("genvm-run-retry-delay", d.GenVMRunRetryDelay, "genvm run initial retry delay (doubles per attempt)")

	flags.Duration("validator-exec-timeout", d.ValidatorExecTimeout, "soft per-validator execution timeout")

	flags.Int("rotation-rounds", d.RotationRounds, "leader rotations allowed before a transaction goes Undetermined")
	flags.String("selector-mode", "uniform", "validator selection weighting (uniform or stake_weighted)")

	flags.Int64("appeal-window-seconds", d.AppealWindowSeconds, "appeal window duration")
	flags.Int64("finality-window-seconds", d.FinalityWindowSeconds, "finality window duration")

	flags.Duration("scan-interval", d.ScanInterval, "worker pool pending/appeal scan interval")
	flags.Int("max-concurrent-claims", d.MaxConcurrentClaims, "max transactions the worker pool processes at once")
	flags.Int("unhealthy-threshold", d.UnhealthyThreshold, "consecutive executor failures before the pool reports unhealthy")

	flags.Duration("finalize-interval", d.FinalizeInterval, "finalization scanner tick interval")

	flags.Int64("hardhat-chain-id", d.HardhatChainID, "hardhat chain id; loaded into the config only, not passed to the genvm sidecar")

	v.SetEnvPrefix("consensusd")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(flags)
}

// Load reads v's bound values into a Config, resolving selector-mode's
// string form into a vrf.Mode.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		TxStoreDBPath:       v.GetString("tx-store-db-path"),
		ContractStoreDBPath: v.GetString("contract-store-db-path"),
		ValidatorsPath:      v.GetString("validators-path"),
		GRPCListenAddr:      v.GetString("grpc-listen-addr"),
		HealthListenAddr:    v.GetString("health-listen-addr"),
		LogLevel:            v.GetString("log-level"),

		GenVMBaseURL:        v.GetString("genvm-base-url"),
		HostSocketAddr:      v.GetString("host-socket-addr"),
		GenVMRunRetries:     v.GetInt("genvm-run-retries"),
		GenVMRunHTTPTimeout: v.GetDuration("genvm-run-http-timeout"),
		GenVMRunRetryDelay:  v.GetDuration("genvm-run-retry-delay"),

		ValidatorExecTimeout: v.GetDuration("validator-exec-timeout"),

		RotationRounds: v.GetInt("rotation-rounds"),

		AppealWindowSeconds:   v.GetInt64("appeal-window-seconds"),
		FinalityWindowSeconds: v.GetInt64("finality-window-seconds"),

		ScanInterval:        v.GetDuration("scan-interval"),
		MaxConcurrentClaims: v.GetInt("max-concurrent-claims"),
		UnhealthyThreshold:  v.GetInt("unhealthy-threshold"),

		FinalizeInterval: v.GetDuration("finalize-interval"),

		HardhatChainID: v.GetInt64("hardhat-chain-id"),
	}

	switch mode := v.GetString("selector-mode"); mode {
	case "", "uniform":
		cfg.SelectorMode = vrf.Uniform
	case "stake_weighted":
		cfg.SelectorMode = vrf.StakeWeighted
	default:
		return Config{}, fmt.Errorf("config: unknown selector-mode %q", mode)
	}

	return cfg, nil
}
