// Package config resolves runtime configuration for the facilitator from
// environment variables, with an optional TOML file overlay applied first so
// that environment variables always win.
package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config captures the facilitator's full runtime configuration.
type Config struct {
	ServerHost string
	ServerPort int

	ChainEndpoint  string
	TokenAddress   string
	ChainID        int64
	TokenName      string
	TokenVersion   string
	TokenDecimals  uint8

	SigningKeyHex string
	SigningAddress string

	RiskMaxPerTransaction   *big.Int
	RiskMaxPendingPerWallet *big.Int
	RiskDailyLimitPerWallet *big.Int

	SettlementMaxAttempts int
	SettlementRetryDelay  time.Duration
	SettlementTimeout     time.Duration

	FCREnabled               bool
	FCRPollInterval          time.Duration
	FCRRequireRoundZero      bool
	FCRMinTimeInPrepare      time.Duration
	FCRConfirmationTimeout   time.Duration

	BondEnabled            bool
	BondContractAddress    string
	BondAlertThresholdPct  float64

	EscrowEnabled         bool
	EscrowContractAddress string

	PersistenceEnabled  bool
	PersistencePath     string
	PersistencePrefix   string
}

// File is the shape of an optional TOML configuration overlay. Only fields
// present in the file are applied; environment variables always take
// precedence over both the file and the built-in defaults.
type File struct {
	Server struct {
		Host string `toml:"host"`
		Port int    `toml:"port"`
	} `toml:"server"`
	Chain struct {
		Endpoint string `toml:"endpoint"`
		Token    string `toml:"token"`
		ChainID  int64  `toml:"chain_id"`
		Name     string `toml:"name"`
		Version  string `toml:"version"`
		Decimals uint8  `toml:"decimals"`
	} `toml:"chain"`
	Risk struct {
		MaxPerTransaction   string `toml:"max_per_transaction"`
		MaxPendingPerWallet string `toml:"max_pending_per_wallet"`
		DailyLimitPerWallet string `toml:"daily_limit_per_wallet"`
	} `toml:"risk"`
	Settlement struct {
		MaxAttempts   int    `toml:"max_attempts"`
		RetryDelayMs  int    `toml:"retry_delay_ms"`
		TimeoutMs     int    `toml:"timeout_ms"`
	} `toml:"settlement"`
	FCR struct {
		Enabled               bool `toml:"enabled"`
		PollIntervalMs        int  `toml:"poll_interval_ms"`
		RequireRoundZero      bool `toml:"require_round_zero"`
		MinTimeInPrepareMs    int  `toml:"min_time_in_prepare_ms"`
		ConfirmationTimeoutMs int  `toml:"confirmation_timeout_ms"`
	} `toml:"fcr"`
	Bond struct {
		ContractAddress     string  `toml:"contract_address"`
		AlertThresholdPct   float64 `toml:"alert_threshold_percent"`
	} `toml:"bond"`
	Escrow struct {
		ContractAddress string `toml:"contract_address"`
	} `toml:"escrow"`
	Persistence struct {
		Path   string `toml:"path"`
		Prefix string `toml:"prefix"`
	} `toml:"persistence"`
}

const (
	envServerHost = "FACILITATOR_SERVER_HOST"
	envServerPort = "FACILITATOR_SERVER_PORT"

	envChainEndpoint = "FACILITATOR_CHAIN_ENDPOINT"
	envTokenAddress  = "FACILITATOR_TOKEN_ADDRESS"
	envChainID       = "FACILITATOR_CHAIN_ID"
	envTokenName     = "FACILITATOR_TOKEN_NAME"
	envTokenVersion  = "FACILITATOR_TOKEN_VERSION"
	envTokenDecimals = "FACILITATOR_TOKEN_DECIMALS"

	envSigningKey     = "FACILITATOR_SIGNING_KEY"
	envSigningAddress = "FACILITATOR_SIGNING_ADDRESS"

	envRiskMaxPerTx      = "FACILITATOR_RISK_MAX_PER_TRANSACTION"
	envRiskMaxPending    = "FACILITATOR_RISK_MAX_PENDING_PER_WALLET"
	envRiskDailyLimit    = "FACILITATOR_RISK_DAILY_LIMIT_PER_WALLET"

	envSettlementMaxAttempts = "FACILITATOR_SETTLEMENT_MAX_ATTEMPTS"
	envSettlementRetryDelay  = "FACILITATOR_SETTLEMENT_RETRY_DELAY_MS"
	envSettlementTimeout     = "FACILITATOR_SETTLEMENT_TIMEOUT_MS"

	envFCREnabled            = "FACILITATOR_FCR_ENABLED"
	envFCRPollInterval       = "FACILITATOR_FCR_POLL_INTERVAL_MS"
	envFCRRequireRoundZero   = "FACILITATOR_FCR_REQUIRE_ROUND_ZERO"
	envFCRMinTimeInPrepare   = "FACILITATOR_FCR_MIN_TIME_IN_PREPARE_MS"
	envFCRConfirmationTimeout = "FACILITATOR_FCR_CONFIRMATION_TIMEOUT_MS"

	envBondContractAddress   = "FACILITATOR_BOND_CONTRACT_ADDRESS"
	envBondAlertThreshold    = "FACILITATOR_BOND_ALERT_THRESHOLD_PERCENT"

	envEscrowContractAddress = "FACILITATOR_ESCROW_CONTRACT_ADDRESS"

	envPersistencePath   = "FACILITATOR_PERSISTENCE_PATH"
	envPersistencePrefix = "FACILITATOR_PERSISTENCE_PREFIX"

	envConfigFile = "FACILITATOR_CONFIG_FILE"
)

// Load resolves configuration from an optional TOML file (path taken from
// FACILITATOR_CONFIG_FILE, if set) overlaid by environment variables, which
// always take precedence.
func Load() (*Config, error) {
	var file File
	if path := strings.TrimSpace(os.Getenv(envConfigFile)); path != "" {
		if _, err := toml.DecodeFile(path, &file); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	cfg := &Config{
		ServerHost: firstNonEmpty(os.Getenv(envServerHost), file.Server.Host, "0.0.0.0"),
		ServerPort: firstNonZeroInt(getenvInt(envServerPort), file.Server.Port, 8402),

		ChainEndpoint: firstNonEmpty(os.Getenv(envChainEndpoint), file.Chain.Endpoint),
		TokenAddress:  firstNonEmpty(os.Getenv(envTokenAddress), file.Chain.Token),
		ChainID:       int64(firstNonZeroInt(int(getenvInt64(envChainID)), int(file.Chain.ChainID), 314159)),
		TokenName:     firstNonEmpty(os.Getenv(envTokenName), file.Chain.Name, "USDFC"),
		TokenVersion:  firstNonEmpty(os.Getenv(envTokenVersion), file.Chain.Version, "1"),
		TokenDecimals: uint8(firstNonZeroInt(int(getenvUint8(envTokenDecimals)), int(file.Chain.Decimals), 6)),

		SigningKeyHex:  os.Getenv(envSigningKey),
		SigningAddress: os.Getenv(envSigningAddress),

		SettlementMaxAttempts: firstNonZeroInt(getenvInt(envSettlementMaxAttempts), file.Settlement.MaxAttempts, 5),
		SettlementRetryDelay:  durationMs(firstNonZeroInt(getenvInt(envSettlementRetryDelay), file.Settlement.RetryDelayMs, 5000)),
		SettlementTimeout:     durationMs(firstNonZeroInt(getenvInt(envSettlementTimeout), file.Settlement.TimeoutMs, 10000)),

		FCREnabled:             getenvBoolDefault(envFCREnabled, fileBoolDefault(file.FCR.Enabled, true)),
		FCRPollInterval:        durationMs(firstNonZeroInt(getenvInt(envFCRPollInterval), file.FCR.PollIntervalMs, 1000)),
		FCRRequireRoundZero:    getenvBoolDefault(envFCRRequireRoundZero, fileBoolDefault(file.FCR.RequireRoundZero, true)),
		FCRMinTimeInPrepare:    durationMs(firstNonZeroInt(getenvInt(envFCRMinTimeInPrepare), file.FCR.MinTimeInPrepareMs, 5000)),
		FCRConfirmationTimeout: durationMs(firstNonZeroInt(getenvInt(envFCRConfirmationTimeout), file.FCR.ConfirmationTimeoutMs, 30000)),

		BondContractAddress:   firstNonEmpty(os.Getenv(envBondContractAddress), file.Bond.ContractAddress),
		BondAlertThresholdPct: firstNonZeroFloat(getenvFloat(envBondAlertThreshold), file.Bond.AlertThresholdPct, 0.8),

		EscrowContractAddress: firstNonEmpty(os.Getenv(envEscrowContractAddress), file.Escrow.ContractAddress),

		PersistencePath:   firstNonEmpty(os.Getenv(envPersistencePath), file.Persistence.Path),
		PersistencePrefix: firstNonEmpty(os.Getenv(envPersistencePrefix), file.Persistence.Prefix, "facilitator"),
	}

	cfg.BondEnabled = cfg.BondContractAddress != ""
	cfg.EscrowEnabled = cfg.EscrowContractAddress != ""
	cfg.PersistenceEnabled = cfg.PersistencePath != ""

	var err error
	cfg.RiskMaxPerTransaction, err = bigIntOrDefault(firstNonEmpty(os.Getenv(envRiskMaxPerTx), file.Risk.MaxPerTransaction), "1000000000")
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", envRiskMaxPerTx, err)
	}
	cfg.RiskMaxPendingPerWallet, err = bigIntOrDefault(firstNonEmpty(os.Getenv(envRiskMaxPending), file.Risk.MaxPendingPerWallet), "5000000000")
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", envRiskMaxPending, err)
	}
	cfg.RiskDailyLimitPerWallet, err = bigIntOrDefault(firstNonEmpty(os.Getenv(envRiskDailyLimit), file.Risk.DailyLimitPerWallet), "20000000000")
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", envRiskDailyLimit, err)
	}

	if cfg.ChainEndpoint == "" {
		return nil, fmt.Errorf("config: %s is required", envChainEndpoint)
	}
	if cfg.TokenAddress == "" {
		return nil, fmt.Errorf("config: %s is required", envTokenAddress)
	}
	if cfg.SigningKeyHex == "" {
		return nil, fmt.Errorf("config: %s is required", envSigningKey)
	}

	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstNonZeroInt(values ...int) int {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}

func firstNonZeroFloat(values ...float64) float64 {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}

func getenvInt(key string) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

func getenvInt64(key string) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func getenvUint8(key string) uint8 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseUint(raw, 10, 8)
	if err != nil {
		return 0
	}
	return uint8(n)
}

func getenvFloat(key string) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return f
}

func getenvBoolDefault(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return b
}

// fileBoolDefault cannot distinguish an absent TOML bool from an explicit
// false; a file can opt in but not opt out of def.
func fileBoolDefault(fileValue, def bool) bool {
	if fileValue {
		return true
	}
	return def
}

func durationMs(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func bigIntOrDefault(raw, def string) (*big.Int, error) {
	if strings.TrimSpace(raw) == "" {
		raw = def
	}
	n, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", raw)
	}
	return n, nil
}
