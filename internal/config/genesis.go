package config

import (
	"errors"
	"fmt"
	"time"

	fpmath "VaultLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// SwapCenterName refers to the built-in swap center wherever genesis takes
// an entity name.
const SwapCenterName = "swap"

// Genesis describes the entities deployed when the event log is empty.
// Entities refer to each other by Name; accounts are either a name or a hex
// address. Amounts are base-10 integers in the asset's smallest unit.
type Genesis struct {
	Timestamp     time.Time         `toml:"timestamp"`
	TimelockDelay time.Duration     `toml:"timelock_delay"`
	Assets        []GenesisAsset    `toml:"assets"`
	SwapRates     []GenesisSwapRate `toml:"swap_rates"`
	RewardPools   []GenesisNamed    `toml:"reward_pools"`
	Vehicles      []GenesisVehicle  `toml:"vehicles"`
	Pools         []GenesisPool     `toml:"pools"`
}

type GenesisNamed struct {
	Name string `toml:"name"`
}

type GenesisAsset struct {
	Name     string        `toml:"name"`
	Symbol   string        `toml:"symbol"`
	Decimals uint8         `toml:"decimals"`
	Mints    []GenesisMint `toml:"mints"`
}

type GenesisMint struct {
	To     string `toml:"to"`
	Amount string `toml:"amount"`
}

type GenesisSwapRate struct {
	In  string `toml:"in"`
	Out string `toml:"out"`
	Bps uint32 `toml:"bps"`
}

type GenesisVehicle struct {
	Name     string `toml:"name"`
	Asset    string `toml:"asset"`
	Strategy string `toml:"strategy"`
	// ProfitPump only: the whale account rewards are pulled from.
	Source        string               `toml:"source"`
	Reward        string               `toml:"reward"`
	Beneficiaries []GenesisBeneficiary `toml:"beneficiaries"`
}

type GenesisBeneficiary struct {
	Account string `toml:"account"`
	Bps     uint32 `toml:"bps"`
	Role    string `toml:"role"`
}

type GenesisPool struct {
	Name         string        `toml:"name"`
	Kind         string        `toml:"kind"`
	Asset        string        `toml:"asset"`
	Symbol       string        `toml:"symbol"`
	DepositCap   string        `toml:"deposit_cap"`
	FeeBps       uint32        `toml:"fee_bps"`
	FeeDecay     time.Duration `toml:"fee_decay"`
	FeeWaive     time.Duration `toml:"fee_waive"`
	FeeRecipient string        `toml:"fee_recipient"`
	LongAsset    string        `toml:"long_asset"`
	RewardPool   string        `toml:"reward_pool"`
	// LongSelfCompounding names an earlier pool that receives longed profit.
	LongSelfCompounding string           `toml:"long_self_compounding"`
	Timelock            bool             `toml:"timelock"`
	Whitelist           []string         `toml:"whitelist"`
	Vehicles            []GenesisLending `toml:"vehicles"`
	InsuranceClients    []string         `toml:"insurance_clients"`
}

type GenesisLending struct {
	Vehicle    string `toml:"vehicle"`
	LendMaxBps uint32 `toml:"lend_max_bps"`
	LendCap    string `toml:"lend_cap"`
}

// Empty reports whether nothing is to be deployed.
func (g Genesis) Empty() bool {
	return len(g.Assets) == 0 && len(g.RewardPools) == 0 && len(g.Vehicles) == 0 && len(g.Pools) == 0
}

// Validate checks names are unique, references point at earlier
// declarations of the right type, and amounts parse.
func (g Genesis) Validate() error {
	var problems []error
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf("genesis: "+format, args...))
	}

	kinds := map[string]string{SwapCenterName: "swap"}
	declare := func(name, kind string) {
		if name == "" {
			fail("%s without a name", kind)
			return
		}
		if common.IsHexAddress(name) {
			fail("%s name %q looks like an address", kind, name)
			return
		}
		if prev, ok := kinds[name]; ok {
			fail("%s %q already declared as %s", kind, name, prev)
			return
		}
		kinds[name] = kind
	}
	ref := func(name, want, context string) {
		if got, ok := kinds[name]; !ok || got != want {
			fail("%s: %q is not a declared %s", context, name, want)
		}
	}
	account := func(name, context string) {
		if common.IsHexAddress(name) {
			return
		}
		if _, ok := kinds[name]; !ok {
			fail("%s: %q is neither an address nor a declared entity", context, name)
		}
	}
	amount := func(s, context string, optional bool) {
		if s == "" && optional {
			return
		}
		if _, err := fpmath.ParseAmount(s); err != nil {
			fail("%s: %v", context, err)
		}
	}

	for _, a := range g.Assets {
		declare(a.Name, "asset")
		if a.Symbol == "" {
			fail("asset %q: symbol is required", a.Name)
		}
	}
	for _, rp := range g.RewardPools {
		declare(rp.Name, "reward_pool")
	}
	for _, v := range g.Vehicles {
		declare(v.Name, "vehicle")
		ref(v.Asset, "asset", "vehicle "+v.Name)
		amount(v.Reward, "vehicle "+v.Name+" reward", true)
	}
	for _, p := range g.Pools {
		ctx := "pool " + p.Name
		ref(p.Asset, "asset", ctx)
		if p.Symbol == "" {
			fail("%s: symbol is required", ctx)
		}
		amount(p.DepositCap, ctx+" deposit_cap", true)
		if p.LongAsset != "" {
			ref(p.LongAsset, "asset", ctx+" long_asset")
		}
		if p.RewardPool != "" {
			ref(p.RewardPool, "reward_pool", ctx+" reward_pool")
		}
		if p.LongSelfCompounding != "" {
			ref(p.LongSelfCompounding, "pool", ctx+" long_self_compounding")
		}
		if p.FeeRecipient != "" {
			account(p.FeeRecipient, ctx+" fee_recipient")
		}
		for _, l := range p.Vehicles {
			ref(l.Vehicle, "vehicle", ctx)
			amount(l.LendCap, ctx+" lend_cap", true)
		}
		for _, c := range p.InsuranceClients {
			ref(c, "vehicle", ctx+" insurance client")
		}
		for _, w := range p.Whitelist {
			account(w, ctx+" whitelist")
		}
		declare(p.Name, "pool")
	}
	// these may reference anything declared above
	for _, v := range g.Vehicles {
		if v.Source != "" {
			account(v.Source, "vehicle "+v.Name+" source")
		}
		for _, b := range v.Beneficiaries {
			account(b.Account, "vehicle "+v.Name+" beneficiary")
		}
	}
	for _, a := range g.Assets {
		for _, m := range a.Mints {
			account(m.To, "asset "+a.Name+" mint")
			amount(m.Amount, "asset "+a.Name+" mint", false)
		}
	}
	for _, r := range g.SwapRates {
		ref(r.In, "asset", "swap rate")
		ref(r.Out, "asset", "swap rate")
		if r.Bps == 0 {
			fail("swap rate %s->%s: bps is required", r.In, r.Out)
		}
	}
	return errors.Join(problems...)
}
