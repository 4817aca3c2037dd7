package core

import (
	"fmt"

	"VaultLedger/internal/access"
	"VaultLedger/internal/errs"
	"VaultLedger/internal/ledger"
	"VaultLedger/internal/pool"
	"VaultLedger/internal/rewards"
	"VaultLedger/internal/swap"
	"VaultLedger/internal/timelock"
	"VaultLedger/internal/vehicle"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// World owns every entity the core operates on and resolves them for each
// other. Entity addresses are derived from the governance address and a
// deployment nonce, so replaying the same commands yields the same addresses.
// Not thread-safe. Only accessed from the single-threaded core.
type World struct {
	governance common.Address
	policy     *access.Governance
	nonce      uint64

	Ledger   *ledger.Ledger
	Timelock *timelock.Registry
	Swap     *swap.Center

	vehicles     map[common.Address]*vehicle.Vehicle
	vehicleOrder []common.Address
	pools        map[common.Address]*pool.Pool
	poolOrder    []common.Address
	rewardPools  map[common.Address]*rewards.Pool
	rewardOrder  []common.Address
}

func NewWorld(governance common.Address) *World {
	w := &World{
		governance:  governance,
		policy:      access.NewGovernance(governance),
		Ledger:      ledger.NewLedger(),
		vehicles:    make(map[common.Address]*vehicle.Vehicle),
		pools:       make(map[common.Address]*pool.Pool),
		rewardPools: make(map[common.Address]*rewards.Pool),
	}
	w.Timelock = timelock.NewRegistry(w.policy)
	w.Swap = swap.NewCenter(w.nextAddress(), w.Ledger, w.policy)
	return w
}

func (w *World) Governance() common.Address { return w.governance }
func (w *World) Policy() access.Policy      { return w.policy }

func (w *World) nextAddress() common.Address {
	addr := crypto.CreateAddress(w.governance, w.nonce)
	w.nonce++
	return addr
}

// --- deployment ---

func (w *World) DeployAsset(caller common.Address, symbol string, decimals uint8) (*ledger.Asset, error) {
	if err := w.policy.RequireGovernance(caller); err != nil {
		return nil, err
	}
	return w.Ledger.Register(w.nextAddress(), symbol, decimals, w.governance)
}

func (w *World) DeployVehicle(caller, baseAsset common.Address, strategy vehicle.StrategyState) (*vehicle.Vehicle, error) {
	if err := w.policy.RequireGovernance(caller); err != nil {
		return nil, err
	}
	base, ok := w.Ledger.Token(baseAsset)
	if !ok {
		return nil, fmt.Errorf("%w: asset %s", errs.ErrUnknownEntity, baseAsset.Hex())
	}
	s, err := vehicle.NewStrategy(strategy)
	if err != nil {
		return nil, err
	}
	v := vehicle.New(w.nextAddress(), base, w.policy, s)
	w.vehicles[v.Address()] = v
	w.vehicleOrder = append(w.vehicleOrder, v.Address())
	return v, nil
}

// DeployPool creates a pool and its receipt-share token, minted only by the
// pool. The share token mirrors the base asset's decimals.
func (w *World) DeployPool(caller common.Address, kind pool.Kind, baseAsset common.Address, symbol string) (*pool.Pool, error) {
	if err := w.policy.RequireGovernance(caller); err != nil {
		return nil, err
	}
	base, ok := w.Ledger.Asset(baseAsset)
	if !ok {
		return nil, fmt.Errorf("%w: asset %s", errs.ErrUnknownEntity, baseAsset.Hex())
	}

	address := w.nextAddress()
	shares, err := w.Ledger.Register(w.nextAddress(), symbol, base.Decimals(), address)
	if err != nil {
		return nil, err
	}
	p, err := pool.New(pool.Config{
		Kind:        kind,
		Address:     address,
		BaseAsset:   baseAsset,
		SharesToken: shares.Address(),
	}, w.poolDeps())
	if err != nil {
		return nil, err
	}
	w.pools[address] = p
	w.poolOrder = append(w.poolOrder, address)
	return p, nil
}

func (w *World) DeployRewardPool(caller common.Address) (*rewards.Pool, error) {
	if err := w.policy.RequireGovernance(caller); err != nil {
		return nil, err
	}
	rp := rewards.NewPool(w.nextAddress(), w.Ledger)
	w.rewardPools[rp.Address()] = rp
	w.rewardOrder = append(w.rewardOrder, rp.Address())
	return rp, nil
}

func (w *World) poolDeps() pool.Deps {
	return pool.Deps{
		Assets:   w.Ledger,
		Vehicles: w,
		Pools:    w,
		Rewards:  w,
		Router:   w.Swap,
		Gate:     w.Timelock,
		Policy:   w.policy,
	}
}

// --- directories ---

// Vehicle implements pool.VehicleDirectory.
func (w *World) Vehicle(address common.Address) (pool.Vehicle, bool) {
	v, ok := w.vehicles[address]
	if !ok {
		return nil, false
	}
	return v, true
}

func (w *World) VehicleAt(address common.Address) (*vehicle.Vehicle, bool) {
	v, ok := w.vehicles[address]
	return v, ok
}

func (w *World) Pool(address common.Address) (*pool.Pool, bool) {
	p, ok := w.pools[address]
	return p, ok
}

// RewardPool implements pool.RewardDirectory.
func (w *World) RewardPool(address common.Address) (rewards.Notifier, bool) {
	rp, ok := w.rewardPools[address]
	if !ok {
		return nil, false
	}
	return rp, true
}

func (w *World) RewardPoolAt(address common.Address) (*rewards.Pool, bool) {
	rp, ok := w.rewardPools[address]
	return rp, ok
}

// Insurer implements vehicle.ClaimDirectory. Only insurance pools qualify.
func (w *World) Insurer(address common.Address) (vehicle.ClaimFiler, bool) {
	p, ok := w.pools[address]
	if !ok || p.Kind() != pool.KindInsurance {
		return nil, false
	}
	return p, true
}

func (w *World) Vehicles() []*vehicle.Vehicle {
	out := make([]*vehicle.Vehicle, 0, len(w.vehicleOrder))
	for _, addr := range w.vehicleOrder {
		out = append(out, w.vehicles[addr])
	}
	return out
}

func (w *World) Pools() []*pool.Pool {
	out := make([]*pool.Pool, 0, len(w.poolOrder))
	for _, addr := range w.poolOrder {
		out = append(out, w.pools[addr])
	}
	return out
}

func (w *World) RewardPools() []*rewards.Pool {
	out := make([]*rewards.Pool, 0, len(w.rewardOrder))
	for _, addr := range w.rewardOrder {
		out = append(out, w.rewardPools[addr])
	}
	return out
}

// IsEntity reports whether address belongs to an asset, vehicle, pool,
// reward pool or the swap center.
func (w *World) IsEntity(address common.Address) bool {
	if address == w.Swap.Address() {
		return true
	}
	if _, ok := w.Ledger.Asset(address); ok {
		return true
	}
	_, v := w.vehicles[address]
	_, p := w.pools[address]
	_, r := w.rewardPools[address]
	return v || p || r
}

// --- snapshot / restore ---

// WorldState is the serializable form of every entity.
type WorldState struct {
	Governance  common.Address  `json:"governance"`
	Nonce       uint64          `json:"nonce"`
	SwapCenter  common.Address  `json:"swap_center"`
	Ledger      ledger.State    `json:"ledger"`
	Timelock    timelock.State  `json:"timelock"`
	Swap        swap.State      `json:"swap"`
	Vehicles    []vehicle.State `json:"vehicles"`
	Pools       []pool.State    `json:"pools"`
	RewardPools []rewards.State `json:"reward_pools"`
}

func (w *World) Snapshot() WorldState {
	st := WorldState{
		Governance: w.governance,
		Nonce:      w.nonce,
		SwapCenter: w.Swap.Address(),
		Ledger:     w.Ledger.Snapshot(),
		Timelock:   w.Timelock.Snapshot(),
		Swap:       w.Swap.Snapshot(),
	}
	for _, v := range w.Vehicles() {
		st.Vehicles = append(st.Vehicles, v.Snapshot())
	}
	for _, p := range w.Pools() {
		st.Pools = append(st.Pools, p.Snapshot())
	}
	for _, rp := range w.RewardPools() {
		st.RewardPools = append(st.RewardPools, rp.Snapshot())
	}
	return st
}

// Restore rewrites the world from st. Entities present in both are updated in
// place; entities deployed after st was taken are dropped.
func (w *World) Restore(st WorldState) error {
	if st.Governance != w.governance {
		return fmt.Errorf("restore: state belongs to governance %s, world to %s", st.Governance.Hex(), w.governance.Hex())
	}
	if err := w.Ledger.Restore(st.Ledger); err != nil {
		return err
	}
	w.nonce = st.Nonce
	w.Timelock.Restore(st.Timelock)
	w.Swap.Restore(st.Swap)

	vehicles := make(map[common.Address]*vehicle.Vehicle, len(st.Vehicles))
	w.vehicleOrder = w.vehicleOrder[:0]
	for _, vs := range st.Vehicles {
		v, ok := w.vehicles[vs.Address]
		if !ok {
			base, found := w.Ledger.Token(vs.BaseAsset)
			if !found {
				return fmt.Errorf("restore vehicle %s: %w: asset %s", vs.Address.Hex(), errs.ErrUnknownEntity, vs.BaseAsset.Hex())
			}
			v = vehicle.New(vs.Address, base, w.policy, nil)
		}
		if err := v.Restore(vs); err != nil {
			return fmt.Errorf("restore vehicle %s: %w", vs.Address.Hex(), err)
		}
		vehicles[vs.Address] = v
		w.vehicleOrder = append(w.vehicleOrder, vs.Address)
	}
	w.vehicles = vehicles

	pools := make(map[common.Address]*pool.Pool, len(st.Pools))
	w.poolOrder = w.poolOrder[:0]
	for _, ps := range st.Pools {
		p, ok := w.pools[ps.Address]
		if !ok {
			var err error
			p, err = pool.New(pool.Config{
				Kind:        ps.Kind,
				Address:     ps.Address,
				BaseAsset:   ps.BaseAsset,
				SharesToken: ps.SharesToken,
			}, w.poolDeps())
			if err != nil {
				return fmt.Errorf("restore pool %s: %w", ps.Address.Hex(), err)
			}
		}
		p.Restore(ps)
		pools[ps.Address] = p
		w.poolOrder = append(w.poolOrder, ps.Address)
	}
	w.pools = pools

	rewardPools := make(map[common.Address]*rewards.Pool, len(st.RewardPools))
	w.rewardOrder = w.rewardOrder[:0]
	for _, rs := range st.RewardPools {
		rp, ok := w.rewardPools[rs.Address]
		if !ok {
			rp = rewards.NewPool(rs.Address, w.Ledger)
		}
		rp.Restore(rs)
		rewardPools[rs.Address] = rp
		w.rewardOrder = append(w.rewardOrder, rs.Address)
	}
	w.rewardPools = rewardPools
	return nil
}
