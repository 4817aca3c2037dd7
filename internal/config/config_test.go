package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"VaultLedger/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const governance = "0x0000000000000000000000000000000000000060"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vault.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsNeedGovernance(t *testing.T) {
	_, err := config.LoadFile("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine.governance is required")

	t.Setenv("VAULT_GOVERNANCE", governance)
	cfg, err := config.LoadFile("")
	require.NoError(t, err)
	assert.Equal(t, config.Default().Service, cfg.Service)
	assert.Equal(t, governance, cfg.Engine.Governance)
	assert.True(t, cfg.Genesis.Empty())
}

func TestFileThenEnvironment(t *testing.T) {
	path := writeConfig(t, `
[service]
http_addr = ":18080"
log_level = "debug"

[engine]
governance = "`+governance+`"
persist_chan_size = 16

[persistence]
batch_size = 7
flush_timeout = "25ms"

[genesis]
timelock_delay = "24h"

[[genesis.assets]]
name = "usdc"
symbol = "USDC"
decimals = 6

[[genesis.assets.mints]]
to = "0x00000000000000000000000000000000000000a1"
amount = "1000"

[[genesis.pools]]
name = "vault"
asset = "usdc"
symbol = "vUSDC"
`)
	t.Setenv("VAULT_HTTP_ADDR", ":28080")
	t.Setenv("VAULT_PERSIST_BATCH_SIZE", "not-a-number")

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, ":28080", cfg.Service.HTTPAddr)
	assert.Equal(t, "debug", cfg.Service.LogLevel)
	assert.Equal(t, ":9090", cfg.Service.GRPCAddr)
	assert.Equal(t, 16, cfg.Engine.PersistChanSize)
	assert.Equal(t, 7, cfg.Persistence.BatchSize, "unparsable override is ignored")
	assert.Equal(t, 25*time.Millisecond, cfg.Persistence.FlushTimeout)

	require.False(t, cfg.Genesis.Empty())
	assert.Equal(t, 24*time.Hour, cfg.Genesis.TimelockDelay)
	require.Len(t, cfg.Genesis.Assets, 1)
	require.Len(t, cfg.Genesis.Assets[0].Mints, 1)
	assert.Equal(t, "1000", cfg.Genesis.Assets[0].Mints[0].Amount)
	require.Len(t, cfg.Genesis.Pools, 1)
	assert.Equal(t, "usdc", cfg.Genesis.Pools[0].Asset)
}

func TestUnknownKeysRejected(t *testing.T) {
	path := writeConfig(t, `
[engine]
governance = "`+governance+`"
lru_capacity = 5
`)
	_, err := config.LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine.lru_capacity")
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.Governance = "treasury"
	cfg.Persistence.BatchSize = 0
	cfg.Engine.PublishChanSize = -1

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"treasury" is not an address`)
	assert.Contains(t, err.Error(), "persistence.batch_size must be positive")
	assert.Contains(t, err.Error(), "engine.publish_chan_size must be positive")
}

func TestGenesisValidate(t *testing.T) {
	tests := []struct {
		name string
		g    config.Genesis
		want string
	}{
		{
			name: "duplicate name",
			g: config.Genesis{
				Assets: []config.GenesisAsset{{Name: "usdc", Symbol: "USDC"}},
				Pools:  []config.GenesisPool{{Name: "usdc", Asset: "usdc", Symbol: "v"}},
			},
			want: `pool "usdc" already declared as asset`,
		},
		{
			name: "name shadows the swap center",
			g:    config.Genesis{RewardPools: []config.GenesisNamed{{Name: config.SwapCenterName}}},
			want: `already declared as swap`,
		},
		{
			name: "vehicle on an undeclared asset",
			g:    config.Genesis{Vehicles: []config.GenesisVehicle{{Name: "v", Asset: "dai"}}},
			want: `vehicle v: "dai" is not a declared asset`,
		},
		{
			name: "pool referencing a later pool",
			g: config.Genesis{
				Assets: []config.GenesisAsset{{Name: "usdc", Symbol: "USDC"}},
				Pools: []config.GenesisPool{
					{Name: "a", Asset: "usdc", Symbol: "A", LongSelfCompounding: "b"},
					{Name: "b", Kind: "self_compounding", Asset: "usdc", Symbol: "B"},
				},
			},
			want: `"b" is not a declared pool`,
		},
		{
			name: "bad mint amount",
			g: config.Genesis{
				Assets: []config.GenesisAsset{{
					Name: "usdc", Symbol: "USDC",
					Mints: []config.GenesisMint{{To: governance, Amount: "1.5"}},
				}},
			},
			want: "asset usdc mint",
		},
		{
			name: "swap rate without bps",
			g: config.Genesis{
				Assets:    []config.GenesisAsset{{Name: "a", Symbol: "A"}, {Name: "b", Symbol: "B"}},
				SwapRates: []config.GenesisSwapRate{{In: "a", Out: "b"}},
			},
			want: "bps is required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.g.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
