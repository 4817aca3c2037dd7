package genesis_test

import (
	"context"
	"testing"
	"time"

	"VaultLedger/internal/config"
	"VaultLedger/internal/core"
	"VaultLedger/internal/genesis"
	"VaultLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var whale = testutil.Addr(0x3a1e)

func sample() config.Genesis {
	return config.Genesis{
		Timestamp:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		TimelockDelay: 24 * time.Hour,
		Assets: []config.GenesisAsset{
			{Name: "usdc", Symbol: "USDC", Decimals: 6, Mints: []config.GenesisMint{{To: whale.Hex(), Amount: "1000000"}}},
			{Name: "weth", Symbol: "WETH", Decimals: 18},
		},
		SwapRates:   []config.GenesisSwapRate{{In: "usdc", Out: "weth", Bps: 5000}},
		RewardPools: []config.GenesisNamed{{Name: "rewards"}},
		Vehicles: []config.GenesisVehicle{
			{Name: "pump", Asset: "usdc", Strategy: "profit_pump", Source: whale.Hex(), Reward: "1000"},
			{Name: "safe", Asset: "usdc"},
		},
		Pools: []config.GenesisPool{
			{
				Name:       "vault",
				Asset:      "usdc",
				Symbol:     "vUSDC",
				LongAsset:  "weth",
				RewardPool: "rewards",
				Timelock:   true,
				Vehicles: []config.GenesisLending{
					{Vehicle: "pump"},
					{Vehicle: "safe", LendMaxBps: 5000, LendCap: "250"},
				},
			},
			{
				Name:             "insurer",
				Kind:             "insurance",
				Asset:            "usdc",
				Symbol:           "iUSDC",
				Timelock:         true,
				InsuranceClients: []string{"safe"},
			},
		},
	}
}

func apply(t *testing.T, g config.Genesis) (*testutil.Harness, genesis.Deployment) {
	t.Helper()
	h := testutil.NewHarness(t)
	var swap common.Address
	h.Engine.View(func(w *core.World) { swap = w.Swap.Address() })

	d, err := genesis.Apply(context.Background(), h.Engine, h.Gov, swap, g, zerolog.Nop())
	require.NoError(t, err)
	return h, d
}

func TestApplyDeploysEverything(t *testing.T) {
	h, d := apply(t, sample())

	for _, name := range []string{"usdc", "weth", "rewards", "pump", "safe", "vault", "insurer", config.SwapCenterName} {
		assert.Contains(t, d, name)
	}
	assert.Equal(t, "1000000", h.Balance(d["usdc"], whale).String())

	h.Engine.View(func(w *core.World) {
		assert.Equal(t, w.Swap.Address(), d[config.SwapCenterName])

		vault, ok := w.Pool(d["vault"])
		require.True(t, ok)
		assert.True(t, vault.Initialized())
		assert.Len(t, vault.Vehicles(), 2)
		assert.True(t, w.Timelock.VaultTimelockEnabled(d["vault"]))

		insurer, ok := w.Pool(d["insurer"])
		require.True(t, ok)
		assert.True(t, insurer.IsInsuranceClient(d["safe"]))

		_, ok = w.VehicleAt(d["pump"])
		assert.True(t, ok)
	})
}

func TestApplyIsDeterministic(t *testing.T) {
	a, da := apply(t, sample())
	b, db := apply(t, sample())

	assert.Equal(t, da, db)
	assert.Equal(t, a.Engine.GetSequence(), b.Engine.GetSequence())
	assert.Equal(t, a.Engine.GetStateHash(), b.Engine.GetStateHash())
	assert.NotEqual(t, core.GenesisHash(), a.Engine.GetStateHash())
}

func TestApplyRejectsInvalidGenesisBeforeExecuting(t *testing.T) {
	g := sample()
	g.Pools[0].Vehicles = append(g.Pools[0].Vehicles, config.GenesisLending{Vehicle: "missing"})

	h := testutil.NewHarness(t)
	seq := h.Engine.GetSequence()
	_, err := genesis.Apply(context.Background(), h.Engine, h.Gov, common.Address{}, g, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"missing" is not a declared vehicle`)
	assert.Equal(t, seq, h.Engine.GetSequence())
	assert.Empty(t, h.Outputs())
}
