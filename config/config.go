package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is the full engine configuration, read from the environment.
type Config struct {
	Market  MarketConfig
	Binance BinanceConfig
	Store   StoreConfig
	Oracle  OracleConfig
	Trading TradingConfig
	Server  ServerConfig
	Vault   VaultConfig
	Logging LoggingConfig
}

// MarketConfig selects the streams the aggregator subscribes to.
type MarketConfig struct {
	Symbols   []string
	Intervals []string
	WSURL     string
}

// BinanceConfig holds exchange REST access.
type BinanceConfig struct {
	APIKey    string
	SecretKey string
	BaseURL   string
}

// StoreConfig holds persistence endpoints.
type StoreConfig struct {
	DatabaseURL string
	RedisAddr   string
}

// OracleConfig points at the AI decision endpoint.
type OracleConfig struct {
	URL string
}

// TradingConfig selects the execution mode and starting paper balance.
type TradingConfig struct {
	PaperOnly    bool
	PaperBalance float64

	// ForcedPaper is set when live trading was requested but no exchange
	// credentials were available.
	ForcedPaper bool
}

// ServerConfig holds the ops HTTP server settings.
type ServerConfig struct {
	HealthPort int
	MachineID  string
}

// VaultConfig holds the optional HashiCorp Vault key source.
type VaultConfig struct {
	Enabled bool
	Address string
	Token   string
	Path    string
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level string
}

// Load reads the configuration from the environment, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Market: MarketConfig{
			Symbols:   splitList(getEnvOrDefault("SYMBOLS", "BTCUSDT")),
			Intervals: splitList(getEnvOrDefault("INTERVALS", "1m,5m,15m,1h")),
			WSURL:     getEnvOrDefault("EXCHANGE_WS_URL", "wss://stream.binance.com:9443"),
		},
		Binance: BinanceConfig{
			APIKey:    os.Getenv("BINANCE_API_KEY"),
			SecretKey: os.Getenv("BINANCE_SECRET_KEY"),
			BaseURL:   getEnvOrDefault("EXCHANGE_API_URL", "https://api.binance.com"),
		},
		Store: StoreConfig{
			DatabaseURL: os.Getenv("DATABASE_URL"),
			RedisAddr:   getEnvOrDefault("REDIS_ADDR", ""),
		},
		Oracle: OracleConfig{
			URL: os.Getenv("ORACLE_URL"),
		},
		Trading: TradingConfig{
			PaperOnly:    getEnvBool("PAPER_TRADING_ONLY", true),
			PaperBalance: getEnvFloat("PAPER_BALANCE", 10_000),
		},
		Server: ServerConfig{
			HealthPort: getEnvInt("HEALTH_PORT", 8080),
			MachineID:  getEnvOrDefault("MACHINE_ID", defaultMachineID()),
		},
		Vault: VaultConfig{
			Enabled: getEnvBool("VAULT_ENABLED", false),
			Address: getEnvOrDefault("VAULT_ADDR", "http://127.0.0.1:8200"),
			Token:   os.Getenv("VAULT_TOKEN"),
			Path:    getEnvOrDefault("VAULT_SECRET_PATH", "secret/data/signal-pipeline/binance"),
		},
		Logging: LoggingConfig{
			Level: getEnvOrDefault("LOG_LEVEL", "INFO"),
		},
	}

	if len(cfg.Market.Symbols) == 0 {
		return nil, fmt.Errorf("SYMBOLS must name at least one symbol")
	}
	if len(cfg.Market.Intervals) == 0 {
		return nil, fmt.Errorf("INTERVALS must name at least one interval")
	}
	if cfg.Oracle.URL == "" {
		return nil, fmt.Errorf("ORACLE_URL is required")
	}
	// Live trading without credentials degrades to paper rather than
	// refusing to start. The caller logs the downgrade.
	if !cfg.Trading.PaperOnly && cfg.Binance.APIKey == "" && !cfg.Vault.Enabled {
		cfg.Trading.PaperOnly = true
		cfg.Trading.ForcedPaper = true
	}
	return cfg, nil
}

func defaultMachineID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "signal-pipeline"
	}
	return host
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}
