// Package config loads service settings from an optional .env file, an
// optional YAML file and the process environment, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"solana-custody/internal/envelope"
)

// Setting names. Each is read from the environment under the same name and
// from the YAML file under its lower-case form.
const (
	KeyEncryptionKey        = "ENCRYPTION_KEY"
	KeyRedisURL             = "REDIS_URL"
	KeyPostgresDSN          = "POSTGRES_DSN"
	KeyClickHouseDSN        = "CLICKHOUSE_DSN"
	KeySolanaRPCURL         = "SOLANA_RPC_URL"
	KeySolanaWSURL          = "SOLANA_WS_URL"
	KeyJupiterAPIBase       = "JUPITER_API_BASE"
	KeyDexScreenerAPIBase   = "DEXSCREENER_API_BASE"
	KeyTOTPIssuer           = "TOTP_ISSUER"
	KeyTradeLockTTL         = "TRADE_LOCK_TTL"
	KeyDCAInterval          = "DCA_INTERVAL"
	KeyLimitInterval        = "LIMIT_INTERVAL"
	KeyLimitMinLiquidityUSD = "LIMIT_MIN_LIQUIDITY_USD"
	KeyDefaultSlippageBps   = "DEFAULT_SLIPPAGE_BPS"
	KeyHTTPAddr             = "HTTP_ADDR"
	KeyGatewayToken         = "GATEWAY_TOKEN"
	KeyLogLevel             = "LOG_LEVEL"
)

var defaults = map[string]interface{}{
	KeyRedisURL:             "redis://localhost:6379/0",
	KeySolanaRPCURL:         "https://api.mainnet-beta.solana.com",
	KeySolanaWSURL:          "wss://api.mainnet-beta.solana.com",
	KeyJupiterAPIBase:       "https://quote-api.jup.ag/v6",
	KeyDexScreenerAPIBase:   "https://api.dexscreener.com",
	KeyTOTPIssuer:           "Solana Custody",
	KeyTradeLockTTL:         "90s",
	KeyDCAInterval:          "10s",
	KeyLimitInterval:        "12s",
	KeyLimitMinLiquidityUSD: "5000",
	KeyDefaultSlippageBps:   100,
	KeyHTTPAddr:             ":8080",
	KeyLogLevel:             "info",
}

// Config holds all service settings.
type Config struct {
	EncryptionKey        string
	RedisURL             string
	PostgresDSN          string
	ClickHouseDSN        string
	SolanaRPCURL         string
	SolanaWSURL          string
	JupiterAPIBase       string
	DexScreenerAPIBase   string
	TOTPIssuer           string
	TradeLockTTL         time.Duration
	DCAInterval          time.Duration
	LimitInterval        time.Duration
	LimitMinLiquidityUSD decimal.Decimal
	DefaultSlippageBps   int
	HTTPAddr             string
	GatewayToken         string
	LogLevel             logrus.Level
}

// Error reports an unusable setting. It never carries the setting's value.
type Error struct {
	Key    string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Reason)
}

// Load reads settings. file is an optional YAML path; an empty path skips it.
// A missing .env file is not an error.
func Load(file string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		EncryptionKey:      strings.TrimSpace(v.GetString(KeyEncryptionKey)),
		RedisURL:           v.GetString(KeyRedisURL),
		PostgresDSN:        v.GetString(KeyPostgresDSN),
		ClickHouseDSN:      v.GetString(KeyClickHouseDSN),
		SolanaRPCURL:       v.GetString(KeySolanaRPCURL),
		SolanaWSURL:        v.GetString(KeySolanaWSURL),
		JupiterAPIBase:     v.GetString(KeyJupiterAPIBase),
		DexScreenerAPIBase: v.GetString(KeyDexScreenerAPIBase),
		TOTPIssuer:         v.GetString(KeyTOTPIssuer),
		HTTPAddr:           v.GetString(KeyHTTPAddr),
		GatewayToken:       v.GetString(KeyGatewayToken),
	}

	var err error
	if cfg.TradeLockTTL, err = duration(v, KeyTradeLockTTL); err != nil {
		return nil, err
	}
	if cfg.DCAInterval, err = duration(v, KeyDCAInterval); err != nil {
		return nil, err
	}
	if cfg.LimitInterval, err = duration(v, KeyLimitInterval); err != nil {
		return nil, err
	}

	cfg.LimitMinLiquidityUSD, err = decimal.NewFromString(v.GetString(KeyLimitMinLiquidityUSD))
	if err != nil || cfg.LimitMinLiquidityUSD.IsNegative() {
		return nil, &Error{Key: KeyLimitMinLiquidityUSD, Reason: "must be a non-negative number"}
	}

	cfg.DefaultSlippageBps, err = integer(v, KeyDefaultSlippageBps)
	if err != nil {
		return nil, err
	}

	cfg.LogLevel, err = logrus.ParseLevel(v.GetString(KeyLogLevel))
	if err != nil {
		return nil, &Error{Key: KeyLogLevel, Reason: "unknown level"}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func duration(v *viper.Viper, key string) (time.Duration, error) {
	d, err := time.ParseDuration(v.GetString(key))
	if err != nil || d <= 0 {
		return 0, &Error{Key: key, Reason: "must be a positive duration"}
	}
	return d, nil
}

func integer(v *viper.Viper, key string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(v.GetString(key)))
	if err != nil {
		return 0, &Error{Key: key, Reason: "must be an integer"}
	}
	return n, nil
}

// Validate checks settings that cannot be defaulted. The encryption key is
// mandatory and reported as an *envelope.ConfigurationError.
func (c *Config) Validate() error {
	if _, err := envelope.NewFromHex(c.EncryptionKey); err != nil {
		return err
	}
	if c.SolanaRPCURL == "" {
		return &Error{Key: KeySolanaRPCURL, Reason: "is required"}
	}
	if c.DefaultSlippageBps < 1 || c.DefaultSlippageBps > 5000 {
		return &Error{Key: KeyDefaultSlippageBps, Reason: "must be between 1 and 5000"}
	}
	return nil
}
