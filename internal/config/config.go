// Package config loads the staking service configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"

	"github.com/atmx/staking-engine/internal/model"
	"github.com/atmx/staking-engine/internal/reward"
	"github.com/atmx/staking-engine/internal/staking"
	"github.com/atmx/staking-engine/internal/token"
	"github.com/atmx/staking-engine/internal/units"
)

// Unlimited is the allowance value that maps to token.MaxAllowance.
const Unlimited = "max"

// Config represents the complete service configuration
type Config struct {
	Server   ServerConfig `yaml:"server"`
	Engine   EngineConfig `yaml:"engine"`
	Token    TokenConfig  `yaml:"token"`
	Store    StoreConfig  `yaml:"store"`
	LogLevel string       `yaml:"log_level"` // debug, info, warn, error
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port             int      `yaml:"port"`
	ReadTimeoutSecs  int      `yaml:"read_timeout_secs"`
	WriteTimeoutSecs int      `yaml:"write_timeout_secs"`
	IdleTimeoutSecs  int      `yaml:"idle_timeout_secs"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
}

// EngineConfig seeds a fresh staking store. Addresses are 0x-prefixed hex.
type EngineConfig struct {
	Address          string   `yaml:"address"` // custody account on the token ledger
	Owner            string   `yaml:"owner"`
	Mode             string   `yaml:"mode"`              // pool or external
	LPRewardAddress  string   `yaml:"lp_reward_address"` // external mode only
	APY              uint64   `yaml:"apy"`               // integer percent
	MaxAPY           uint64   `yaml:"max_apy"`
	WhitelistEnabled bool     `yaml:"whitelist_enabled"`
	Whitelist        []string `yaml:"whitelist"`
}

// TokenConfig seeds the in-process token ledger.
type TokenConfig struct {
	// Genesis maps account to balance in whole tokens, e.g. "1000000" or "0.5".
	Genesis    map[string]string `yaml:"genesis"`
	Allowances []AllowanceConfig `yaml:"allowances"`
}

// AllowanceConfig is a standing approval applied at startup. Amount is in
// whole tokens or "max".
type AllowanceConfig struct {
	Owner   string `yaml:"owner"`
	Spender string `yaml:"spender"` // defaults to the engine address
	Amount  string `yaml:"amount"`
}

// StoreConfig selects the persistence backend. An empty DatabaseURL keeps
// state in memory.
type StoreConfig struct {
	DatabaseURL  string `yaml:"database_url"`
	RedisURL     string `yaml:"redis_url"`
	CacheTTLSecs int    `yaml:"cache_ttl_secs"`
}

// Allowance is a resolved AllowanceConfig.
type Allowance struct {
	Owner   common.Address
	Spender common.Address
	Amount  *uint256.Int
}

// DefaultConfig returns a single-node development configuration.
func DefaultConfig() *Config {
	owner := "0x0000000000000000000000000000000000000001"
	return &Config{
		Server: ServerConfig{
			Port:             8080,
			ReadTimeoutSecs:  15,
			WriteTimeoutSecs: 15,
			IdleTimeoutSecs:  60,
			AllowedOrigins:   []string{"*"},
		},
		Engine: EngineConfig{
			Address: "0x00000000000000000000000000000000005ea4e0",
			Owner:   owner,
			Mode:    string(model.ModePool),
			APY:     reward.MaxAPY,
			MaxAPY:  reward.MaxAPY,
		},
		Token: TokenConfig{
			Genesis: map[string]string{owner: "1000000"},
			Allowances: []AllowanceConfig{
				{Owner: owner, Amount: Unlimited},
			},
		},
		Store: StoreConfig{
			CacheTTLSecs: 30,
		},
		LogLevel: "info",
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Store.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Store.RedisURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}

	if _, err := c.StakingConfig(); err != nil {
		return err
	}
	if _, err := c.GenesisBalances(); err != nil {
		return err
	}
	if _, err := c.Allowances(); err != nil {
		return err
	}
	if c.Store.CacheTTLSecs < 0 {
		return fmt.Errorf("cache_ttl_secs must not be negative, got %d", c.Store.CacheTTLSecs)
	}
	return nil
}

// StakingConfig converts the engine section into a staking.Config.
func (c *Config) StakingConfig() (staking.Config, error) {
	e := c.Engine
	out := staking.Config{
		Mode:             model.ReserveMode(e.Mode),
		APY:              e.APY,
		MaxAPY:           e.MaxAPY,
		WhitelistEnabled: e.WhitelistEnabled,
	}
	if !out.Mode.IsValid() {
		return staking.Config{}, fmt.Errorf("invalid engine.mode: %q", e.Mode)
	}

	var err error
	if out.Address, err = parseAddress("engine.address", e.Address); err != nil {
		return staking.Config{}, err
	}
	if out.Owner, err = parseAddress("engine.owner", e.Owner); err != nil {
		return staking.Config{}, err
	}
	if out.Mode == model.ModeExternal {
		if out.LPRewardAddress, err = parseAddress("engine.lp_reward_address", e.LPRewardAddress); err != nil {
			return staking.Config{}, err
		}
	}

	maxAPY := e.MaxAPY
	if maxAPY == 0 {
		maxAPY = reward.MaxAPY
	}
	if maxAPY > reward.MaxAPY {
		return staking.Config{}, fmt.Errorf("engine.max_apy %d exceeds the %d%% cap", maxAPY, reward.MaxAPY)
	}
	if e.APY > maxAPY {
		return staking.Config{}, fmt.Errorf("engine.apy %d exceeds max_apy %d", e.APY, maxAPY)
	}

	for i, raw := range e.Whitelist {
		addr, err := parseAddress(fmt.Sprintf("engine.whitelist[%d]", i), raw)
		if err != nil {
			return staking.Config{}, err
		}
		out.Whitelist = append(out.Whitelist, addr)
	}
	return out, nil
}

// GenesisBalances resolves the token genesis into smallest units.
func (c *Config) GenesisBalances() (map[common.Address]*uint256.Int, error) {
	out := make(map[common.Address]*uint256.Int, len(c.Token.Genesis))
	for raw, amount := range c.Token.Genesis {
		addr, err := parseAddress("token.genesis", raw)
		if err != nil {
			return nil, err
		}
		v, err := units.ParseTokens(amount)
		if err != nil {
			return nil, fmt.Errorf("token.genesis[%s]: %w", raw, err)
		}
		out[addr] = v
	}
	return out, nil
}

// Allowances resolves the standing approvals. An empty spender means the
// engine address.
func (c *Config) Allowances() ([]Allowance, error) {
	out := make([]Allowance, 0, len(c.Token.Allowances))
	for i, a := range c.Token.Allowances {
		name := fmt.Sprintf("token.allowances[%d]", i)
		owner, err := parseAddress(name+".owner", a.Owner)
		if err != nil {
			return nil, err
		}
		spenderRaw := a.Spender
		if spenderRaw == "" {
			spenderRaw = c.Engine.Address
		}
		spender, err := parseAddress(name+".spender", spenderRaw)
		if err != nil {
			return nil, err
		}

		var amount *uint256.Int
		if strings.EqualFold(a.Amount, Unlimited) {
			amount = new(uint256.Int).Set(token.MaxAllowance)
		} else if amount, err = units.ParseTokens(a.Amount); err != nil {
			return nil, fmt.Errorf("%s.amount: %w", name, err)
		}
		out = append(out, Allowance{Owner: owner, Spender: spender, Amount: amount})
	}
	return out, nil
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	lvl, _ := parseLevel(c.LogLevel)
	return lvl
}

// CacheTTL returns the event cache TTL.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Store.CacheTTLSecs) * time.Second
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("invalid log_level: %q", s)
}

// parseAddress checks that raw is a 0x-prefixed, non-zero hex address.
func parseAddress(name, raw string) (common.Address, error) {
	if raw == "" {
		return common.Address{}, fmt.Errorf("%s is required", name)
	}
	if !strings.HasPrefix(raw, "0x") && !strings.HasPrefix(raw, "0X") {
		return common.Address{}, fmt.Errorf("%s must start with 0x, got %q", name, raw)
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%s is not a valid address: %q", name, raw)
	}
	addr := common.HexToAddress(raw)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%s must not be the zero address", name)
	}
	return addr, nil
}
