package pool

import (
	"math/big"
	"sort"
	"time"

	fpmath "VaultLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

type ClaimState struct {
	Vehicle   common.Address `json:"vehicle"`
	Filed     *big.Int       `json:"filed"`
	Remaining *big.Int       `json:"remaining"`
	Active    bool           `json:"active"`
}

// State is the serializable form of a pool. Share balances live in the
// shares token and are captured with the asset ledger.
type State struct {
	Kind        Kind           `json:"kind"`
	Address     common.Address `json:"address"`
	BaseAsset   common.Address `json:"base_asset"`
	SharesToken common.Address `json:"shares_token"`

	Initialized         bool           `json:"initialized"`
	DepositEnabled      bool           `json:"deposit_enabled"`
	DepositCap          *big.Int       `json:"deposit_cap,omitempty"`
	WithdrawFee         FeeSchedule    `json:"withdraw_fee"`
	FeeRecipient        common.Address `json:"fee_recipient"`
	LongAsset           common.Address `json:"long_asset"`
	RewardPool          common.Address `json:"reward_pool"`
	LongSelfCompounding common.Address `json:"long_self_compounding"`

	LastDeposit map[common.Address]time.Time `json:"last_deposit"`
	Whitelist   []common.Address             `json:"whitelist"`
	Vehicles    []VehicleInfo                `json:"vehicles"`
	Clients     []common.Address             `json:"insurance_clients"`
	Claims      []ClaimState                 `json:"claims"`
}

func (p *Pool) Snapshot() State {
	st := State{
		Kind:                p.kind,
		Address:             p.address,
		BaseAsset:           p.base.Address(),
		SharesToken:         p.shares.Address(),
		Initialized:         p.initialized,
		DepositEnabled:      p.depositEnabled,
		DepositCap:          cloneCap(p.depositCap),
		WithdrawFee:         p.fee,
		FeeRecipient:        p.feeRecipient,
		LongAsset:           p.longAsset,
		RewardPool:          p.rewardPool,
		LongSelfCompounding: p.longSelfComp,
		LastDeposit:         make(map[common.Address]time.Time, len(p.lastDeposit)),
		Vehicles:            p.Vehicles(),
		Clients:             p.InsuranceClients(),
	}
	for u, t := range p.lastDeposit {
		st.LastDeposit[u] = t
	}
	for d := range p.whitelist {
		st.Whitelist = append(st.Whitelist, d)
	}
	sortAddresses(st.Whitelist)
	for _, v := range sortedClaimVehicles(p.claims) {
		c := p.claims[v]
		st.Claims = append(st.Claims, ClaimState{
			Vehicle:   v,
			Filed:     fpmath.Clone(c.filed),
			Remaining: new(big.Int).Set(c.remaining),
			Active:    c.active,
		})
	}
	return st
}

// Restore rewrites the pool's mutable state from st. Kind and addresses are
// fixed at construction and not touched.
func (p *Pool) Restore(st State) {
	p.initialized = st.Initialized
	p.depositEnabled = st.DepositEnabled
	p.depositCap = cloneCap(st.DepositCap)
	p.fee = st.WithdrawFee
	p.feeRecipient = st.FeeRecipient
	p.longAsset = st.LongAsset
	p.rewardPool = st.RewardPool
	p.longSelfComp = st.LongSelfCompounding

	p.lastDeposit = make(map[common.Address]time.Time, len(st.LastDeposit))
	for u, t := range st.LastDeposit {
		p.lastDeposit[u] = t
	}
	p.whitelist = make(map[common.Address]bool, len(st.Whitelist))
	for _, d := range st.Whitelist {
		p.whitelist[d] = true
	}

	p.vehicles = make([]*investment, 0, len(st.Vehicles))
	for _, vi := range st.Vehicles {
		p.vehicles = append(p.vehicles, &investment{
			vehicle:    vi.Vehicle,
			debt:       fpmath.Clone(vi.Debt),
			lendMaxBps: vi.LendMaxBps,
			lendCap:    lendCapOrMax(vi.LendCap),
		})
	}

	p.clients = append([]common.Address(nil), st.Clients...)
	p.claims = make(map[common.Address]*claim, len(st.Claims))
	for _, cs := range st.Claims {
		p.claims[cs.Vehicle] = &claim{
			filed:     fpmath.Clone(cs.Filed),
			remaining: fpmath.Clone(cs.Remaining),
			active:    cs.Active,
		}
	}
}

func sortedClaimVehicles(claims map[common.Address]*claim) []common.Address {
	out := make([]common.Address, 0, len(claims))
	for v := range claims {
		out = append(out, v)
	}
	sortAddresses(out)
	return out
}

func sortAddresses(list []common.Address) {
	sort.Slice(list, func(i, j int) bool {
		return list[i].Cmp(list[j]) < 0
	})
}
