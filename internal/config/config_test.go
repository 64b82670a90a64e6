package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"facilitatord/internal/config"
)

func clearFacilitatorEnv(t *testing.T) {
	t.Helper()
	for _, entry := range os.Environ() {
		for i := 0; i < len(entry); i++ {
			if entry[i] == '=' {
				key := entry[:i]
				if len(key) > 12 && key[:12] == "FACILITATOR_" {
					t.Setenv(key, "")
				}
				break
			}
		}
	}
}

func requiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("FACILITATOR_CHAIN_ENDPOINT", "https://rpc.example.test")
	t.Setenv("FACILITATOR_TOKEN_ADDRESS", "0x0000000000000000000000000000000000000001")
	t.Setenv("FACILITATOR_SIGNING_KEY", "aa")
}

func TestLoad_MissingChainEndpointFails(t *testing.T) {
	clearFacilitatorEnv(t)
	t.Setenv("FACILITATOR_TOKEN_ADDRESS", "0x1")
	t.Setenv("FACILITATOR_SIGNING_KEY", "aa")

	_, err := config.Load()
	require.Error(t, err)
}

func TestLoad_AppliesDefaults(t *testing.T) {
	clearFacilitatorEnv(t)
	requiredEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0", cfg.ServerHost)
	require.Equal(t, 8402, cfg.ServerPort)
	require.Equal(t, "USDFC", cfg.TokenName)
	require.Equal(t, uint8(6), cfg.TokenDecimals)
	require.Equal(t, 5, cfg.SettlementMaxAttempts)
	require.True(t, cfg.FCREnabled)
	require.False(t, cfg.BondEnabled)
	require.False(t, cfg.EscrowEnabled)
	require.False(t, cfg.PersistenceEnabled)
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	clearFacilitatorEnv(t)
	requiredEnv(t)
	t.Setenv("FACILITATOR_SERVER_PORT", "9000")
	t.Setenv("FACILITATOR_TOKEN_NAME", "MyToken")
	t.Setenv("FACILITATOR_FCR_ENABLED", "false")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, 9000, cfg.ServerPort)
	require.Equal(t, "MyToken", cfg.TokenName)
	require.False(t, cfg.FCREnabled)
}

func TestLoad_BondEnabledWhenContractAddressSet(t *testing.T) {
	clearFacilitatorEnv(t)
	requiredEnv(t)
	t.Setenv("FACILITATOR_BOND_CONTRACT_ADDRESS", "0x0000000000000000000000000000000000000002")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.True(t, cfg.BondEnabled)
}

func TestLoad_InvalidRiskLimitFails(t *testing.T) {
	clearFacilitatorEnv(t)
	requiredEnv(t)
	t.Setenv("FACILITATOR_RISK_MAX_PER_TRANSACTION", "not-a-number")

	_, err := config.Load()
	require.Error(t, err)
}

func TestLoad_FileOverlayAppliedBeneathEnv(t *testing.T) {
	clearFacilitatorEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "facilitator.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
port = 7000

[chain]
endpoint = "https://from-file.example.test"
token = "0x0000000000000000000000000000000000000003"
name = "FileToken"
`), 0o600))

	t.Setenv("FACILITATOR_CONFIG_FILE", path)
	t.Setenv("FACILITATOR_SIGNING_KEY", "aa")
	// Environment overrides the file's server port.
	t.Setenv("FACILITATOR_SERVER_PORT", "9100")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, "https://from-file.example.test", cfg.ChainEndpoint)
	require.Equal(t, "FileToken", cfg.TokenName)
	require.Equal(t, 9100, cfg.ServerPort)
}
