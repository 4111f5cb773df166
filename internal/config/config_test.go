package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shareledger.dev/ysl/internal/types"
	"shareledger.dev/ysl/internal/vault"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	c, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().ShardID, c.ShardID)
	assert.Equal(t, 8080, c.Port)
	assert.Equal(t, vault.DefaultParams().CooldownPeriod, c.Params.CooldownPeriod)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
shard_id: shard-a
port: 9090
base_asset: usdc
params:
  deposit_fee_bps: 25
  cooldown_period: 24h
min_shares: "1000"
roles:
  admin: [alice]
  rebalancer: [bot]
balances:
  alice: "500000"
reconcile:
  interval: 30m
  shards:
    shard-a: http://a:26657
`)
	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "shard-a", c.ShardID)
	assert.Equal(t, 9090, c.Port)
	assert.Equal(t, "usdc", c.BaseAsset)
	assert.Equal(t, "ysl_key.pem", c.KeyFile, "omitted field keeps default")
	assert.Equal(t, uint32(25), c.Params.DepositFeeBps)
	assert.Equal(t, 24*time.Hour, c.Params.CooldownPeriod)
	assert.Equal(t, 8*time.Hour, c.Params.VestingPeriod)
	assert.Equal(t, 30*time.Minute, c.Reconcile.Interval)
	assert.Equal(t, time.Minute, c.Reconcile.LockTTL)

	p, err := c.VaultParams()
	require.NoError(t, err)
	assert.Equal(t, "1000", p.MinShares.String())
	assert.Equal(t, "0", p.MaxRedeemCap.String())

	roles := c.RoleTable()
	assert.True(t, roles.HasRole(types.RoleAdmin, "alice"))
	assert.True(t, roles.HasRole(types.RoleRebalancer, "bot"))
	assert.False(t, roles.HasRole(types.RoleOperator, "alice"))

	bal, err := c.GenesisBalances()
	require.NoError(t, err)
	assert.Equal(t, "500000", bal["alice"].String())
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "shard_id: shard-a\n")
	t.Setenv("YSL_SHARD_ID", "shard-z")
	t.Setenv("YSL_HTTP_PORT", "7000")
	t.Setenv("YSL_REDIS_URL", "redis://cache:6379/1")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "shard-z", c.ShardID)
	assert.Equal(t, 7000, c.Port)
	assert.Equal(t, "redis://cache:6379/1", c.Reconcile.RedisURL)

	t.Setenv("YSL_HTTP_PORT", "http")
	_, err = Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsInvalidFiles(t *testing.T) {
	cases := map[string]string{
		"syntax":      "shard_id: [",
		"fee":         "params:\n  deposit_fee_bps: 101\n",
		"cooldown":    "params:\n  cooldown_period: 200h\n",
		"role":        "roles:\n  owner: [alice]\n",
		"balance":     "balances:\n  alice: \"-5\"\n",
		"min shares":  "min_shares: lots\n",
		"empty shard": "shard_id: \"\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}
