package config

import (
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nondetchain/consensus-core/internal/vrf"
)

func TestLoadReturnsDefaultsWithNoFlagsOrEnv(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	v := viper.New()
	BindFlags(cmd, v)

	cfg, err := Load(v)
	require.NoError(t, err)

	d := Default()
	assert.Equal(t, d.TxStoreDBPath, cfg.TxStoreDBPath)
	assert.Equal(t, d.GenVMRunRetries, cfg.GenVMRunRetries)
	assert.Equal(t, d.ValidatorExecTimeout, cfg.ValidatorExecTimeout)
	assert.Equal(t, vrf.Uniform, cfg.SelectorMode)
	assert.Equal(t, d.HardhatChainID, cfg.HardhatChainID)
}

func TestLoadHonorsFlagOverride(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	v := viper.New()
	BindFlags(cmd, v)

	require.NoError(t, cmd.PersistentFlags().Set("scan-interval", "5s"))
	require.NoError(t, cmd.PersistentFlags().Set("selector-mode", "uniform"))

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.ScanInterval)
	assert.Equal(t, vrf.Uniform, cfg.SelectorMode)
}

func TestLoadHonorsEnvOverride(t *testing.T) {
	t.Setenv("CONSENSUSD_MAX_CONCURRENT_CLAIMS", "4")

	cmd := &cobra.Command{Use: "test"}
	v := viper.New()
	BindFlags(cmd, v)

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.MaxConcurrentClaims)
}

func TestLoadRejectsUnknownSelectorMode(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	v := viper.New()
	BindFlags(cmd, v)
	require.NoError(t, cmd.PersistentFlags().Set("selector-mode", "bogus"))

	_, err := Load(v)
	assert.Error(t, err)
}
