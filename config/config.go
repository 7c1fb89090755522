package config

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config carries the daemon settings for the conversion engine and its margin
// ledger.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	Environment   string `toml:"Environment"`

	// Owner is the governance address controlling the handler registry and
	// ledger parameters, hex encoded.
	Owner       string   `toml:"Owner"`
	Handlers    []string `toml:"Handlers"`
	Liquidators []string `toml:"Liquidators"`

	// ExecutionFeeCeiling is the maximum accepted keeper fee, as a decimal
	// string in the native fee unit.
	ExecutionFeeCeiling string `toml:"ExecutionFeeCeiling"`
	CancelDelayBlocks   uint64 `toml:"CancelDelayBlocks"`
	CallbackGasLimit    uint64 `toml:"CallbackGasLimit"`

	// BlockIntervalSeconds is the tick rate of the daemon's height clock. The
	// clock is what CancelDelayBlocks counts against.
	BlockIntervalSeconds uint64 `toml:"BlockIntervalSeconds"`

	MinCollateralizationBps uint64 `toml:"MinCollateralizationBps"`
	LiquidationThresholdBps uint64 `toml:"LiquidationThresholdBps"`

	// Prices seeds the fixed oracle: token symbol to price in the common
	// quote unit, as decimal strings.
	Prices map[string]string `toml:"Prices"`

	Markets []MarketConfig `toml:"Markets"`
}

// MarketConfig defines one venue market and the factory address whose vaults
// trade it.
type MarketConfig struct {
	ID          string `toml:"ID"`
	MarketToken string `toml:"MarketToken"`
	LongToken   string `toml:"LongToken"`
	ShortToken  string `toml:"ShortToken"`
	Factory     string `toml:"Factory"`
}

// Load loads the configuration from the given path, writing a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8080"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./marginvault-data"
	}
	if strings.TrimSpace(cfg.ExecutionFeeCeiling) == "" {
		cfg.ExecutionFeeCeiling = "0"
	}
	if cfg.CallbackGasLimit == 0 {
		cfg.CallbackGasLimit = 2_000_000
	}
	if cfg.BlockIntervalSeconds == 0 {
		cfg.BlockIntervalSeconds = 1
	}
	if cfg.MinCollateralizationBps == 0 {
		cfg.MinCollateralizationBps = 11_500
	}
	if cfg.LiquidationThresholdBps == 0 {
		cfg.LiquidationThresholdBps = 10_500
	}
	if cfg.Handlers == nil {
		cfg.Handlers = []string{}
	}
	if cfg.Liquidators == nil {
		cfg.Liquidators = []string{}
	}
}

// Validate checks the loaded settings for internally consistent values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Owner) == "" {
		return fmt.Errorf("config: Owner address required")
	}
	if _, err := DecodeAddress(c.Owner); err != nil {
		return fmt.Errorf("config: Owner: %w", err)
	}
	for _, handler := range c.Handlers {
		if _, err := DecodeAddress(handler); err != nil {
			return fmt.Errorf("config: Handlers entry %q: %w", handler, err)
		}
	}
	for _, liquidator := range c.Liquidators {
		if _, err := DecodeAddress(liquidator); err != nil {
			return fmt.Errorf("config: Liquidators entry %q: %w", liquidator, err)
		}
	}
	if _, err := c.FeeCeiling(); err != nil {
		return err
	}
	if c.LiquidationThresholdBps < 10_000 {
		return fmt.Errorf("config: LiquidationThresholdBps must be at least 10000")
	}
	if c.MinCollateralizationBps < c.LiquidationThresholdBps {
		return fmt.Errorf("config: MinCollateralizationBps must not be below LiquidationThresholdBps")
	}
	for token, raw := range c.Prices {
		if _, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10); !ok {
			return fmt.Errorf("config: Prices[%s]: malformed value %q", token, raw)
		}
	}
	for i, market := range c.Markets {
		if strings.TrimSpace(market.ID) == "" {
			return fmt.Errorf("config: Markets[%d]: ID required", i)
		}
		if strings.TrimSpace(market.MarketToken) == "" || strings.TrimSpace(market.LongToken) == "" || strings.TrimSpace(market.ShortToken) == "" {
			return fmt.Errorf("config: Markets[%d]: token symbols required", i)
		}
		if _, err := DecodeAddress(market.Factory); err != nil {
			return fmt.Errorf("config: Markets[%d]: Factory: %w", i, err)
		}
	}
	return nil
}

// FeeCeiling parses the configured execution-fee ceiling. Zero disables the
// ceiling.
func (c *Config) FeeCeiling() (*big.Int, error) {
	raw := strings.TrimSpace(c.ExecutionFeeCeiling)
	if raw == "" {
		return big.NewInt(0), nil
	}
	ceiling, ok := new(big.Int).SetString(raw, 10)
	if !ok || ceiling.Sign() < 0 {
		return nil, fmt.Errorf("config: malformed ExecutionFeeCeiling %q", c.ExecutionFeeCeiling)
	}
	return ceiling, nil
}

// PriceTable parses the configured oracle seed prices.
func (c *Config) PriceTable() (map[string]*big.Int, error) {
	out := make(map[string]*big.Int, len(c.Prices))
	for token, raw := range c.Prices {
		price, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
		if !ok {
			return nil, fmt.Errorf("config: Prices[%s]: malformed value %q", token, raw)
		}
		out[token] = price
	}
	return out, nil
}

// DecodeAddress parses a hex-encoded 20-byte address, with or without an 0x
// prefix.
func DecodeAddress(raw string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil || len(decoded) != len(addr) {
		return addr, fmt.Errorf("malformed address %q", raw)
	}
	copy(addr[:], decoded)
	return addr, nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress:           ":8080",
		DataDir:                 "./marginvault-data",
		Environment:             "local",
		Owner:                   hex.EncodeToString(make([]byte, 19)) + "01",
		Handlers:                []string{},
		Liquidators:             []string{},
		ExecutionFeeCeiling:     "0",
		CancelDelayBlocks:       0,
		CallbackGasLimit:        2_000_000,
		BlockIntervalSeconds:    1,
		MinCollateralizationBps: 11_500,
		LiquidationThresholdBps: 10_500,
		Markets:                 []MarketConfig{},
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
