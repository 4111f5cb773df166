// Package config centralizes runtime configuration for a shard node. It
// loads a YAML file and fills every missing field with defaults, so a node
// runs in development without any file. Operators place the file at
// /etc/ysl/config.yaml or point CONFIG_FILE (or --config) at another path.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"cosmossdk.io/math"
	"gopkg.in/yaml.v3"

	"shareledger.dev/ysl/internal/types"
	"shareledger.dev/ysl/internal/vault"
)

// DefaultPath is used when neither --config nor CONFIG_FILE is set.
const DefaultPath = "/etc/ysl/config.yaml"

// Config holds the options of one shard node.
type Config struct {
	ShardID        string `yaml:"shard_id"`
	KeyFile        string `yaml:"key_file"`
	DataDir        string `yaml:"data_dir"`
	ABCISocket     string `yaml:"abci_socket"`
	RPCAddress     string `yaml:"rpc_address"`
	TendermintHome string `yaml:"tendermint_home"`
	Port           int    `yaml:"port"`
	LogBuffer      int    `yaml:"log_buffer"`
	KeepSnapshots  int    `yaml:"keep_snapshots"`
	MaxBackups     int    `yaml:"max_backups"`

	BaseAsset string        `yaml:"base_asset"`
	Treasury  types.Address `yaml:"treasury"`

	Params       vault.Params `yaml:"params"`
	MinShares    string       `yaml:"min_shares"`
	MaxRedeemCap string       `yaml:"max_redeem_cap"`

	// Roles maps admin, operator and rebalancer to their addresses.
	Roles map[types.Role][]types.Address `yaml:"roles"`
	// Balances are the custody wallets credited at genesis.
	Balances map[types.Address]string `yaml:"balances"`

	Reconcile ReconcileConfig `yaml:"reconcile"`
}

// ReconcileConfig configures the cross-shard reconciler run by yslctl.
type ReconcileConfig struct {
	RedisURL     string        `yaml:"redis_url"`
	Interval     time.Duration `yaml:"interval"`
	MaxReportAge time.Duration `yaml:"max_report_age"`
	LockTTL      time.Duration `yaml:"lock_ttl"`
	// Shards maps shard ids to their Tendermint RPC addresses.
	Shards map[string]string `yaml:"shards"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		ShardID:        "shard-0",
		KeyFile:        "ysl_key.pem",
		DataDir:        "data",
		ABCISocket:     "unix://ysl.sock",
		RPCAddress:     "http://localhost:26657",
		TendermintHome: "",
		Port:           8080,
		LogBuffer:      500,
		KeepSnapshots:  10,
		MaxBackups:     20,
		BaseAsset:      "base",
		Treasury:       "treasury",
		Params:         vault.DefaultParams(),
		MinShares:      "0",
		MaxRedeemCap:   "0",
		Roles:          map[types.Role][]types.Address{},
		Balances:       map[types.Address]string{},
		Reconcile: ReconcileConfig{
			RedisURL:     "redis://localhost:6379/0",
			Interval:     time.Hour,
			MaxReportAge: 15 * time.Minute,
			LockTTL:      time.Minute,
			Shards:       map[string]string{},
		},
	}
}

// Load reads a YAML file at path and applies environment overrides. A
// missing file yields defaults; a file that does not parse is an error.
// Fields left empty in the file keep their default values.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}

	c := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			// decoding into the defaults keeps any field the file omits
			if err := yaml.Unmarshal(b, c); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", filepath.Base(path), err)
			}
		}
	}

	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("YSL_SHARD_ID"); v != "" {
		c.ShardID = v
	}
	if v := os.Getenv("YSL_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse YSL_HTTP_PORT: %w", err)
		}
		c.Port = port
	}
	if v := os.Getenv("YSL_REDIS_URL"); v != "" {
		c.Reconcile.RedisURL = v
	}
	return nil
}

// Validate checks the vault parameters and the role and balance tables.
func (c *Config) Validate() error {
	if c.ShardID == "" {
		return fmt.Errorf("shard_id is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	params, err := c.VaultParams()
	if err != nil {
		return err
	}
	if err := params.Validate(); err != nil {
		return fmt.Errorf("invalid vault params: %w", err)
	}
	for role := range c.Roles {
		if !role.Valid() {
			return fmt.Errorf("unknown role %q", role)
		}
	}
	if _, err := c.GenesisBalances(); err != nil {
		return err
	}
	return nil
}

// VaultParams returns Params with the integer limits parsed.
func (c *Config) VaultParams() (vault.Params, error) {
	p := c.Params
	var ok bool
	if p.MinShares, ok = types.ParseAmount(orZero(c.MinShares)); !ok {
		return p, fmt.Errorf("invalid min_shares %q", c.MinShares)
	}
	if p.MaxRedeemCap, ok = types.ParseAmount(orZero(c.MaxRedeemCap)); !ok {
		return p, fmt.Errorf("invalid max_redeem_cap %q", c.MaxRedeemCap)
	}
	return p, nil
}

// GenesisBalances returns the parsed custody balances.
func (c *Config) GenesisBalances() (map[types.Address]math.Int, error) {
	out := make(map[types.Address]math.Int, len(c.Balances))
	for addr, raw := range c.Balances {
		amt, ok := types.ParseAmount(raw)
		if !ok {
			return nil, fmt.Errorf("invalid genesis balance for %s: %q", addr, raw)
		}
		out[addr] = amt
	}
	return out, nil
}

// RoleTable builds the authorizer for the configured roles.
func (c *Config) RoleTable() *vault.RoleTable {
	t := vault.NewRoleTable()
	for role, addrs := range c.Roles {
		t.Grant(role, addrs...)
	}
	return t
}

// StorePath is the SQLite file inside DataDir.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "ledger.db")
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}
