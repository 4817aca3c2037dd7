package core

import (
	"math/big"

	"VaultLedger/internal/pool"
	"VaultLedger/internal/vehicle"

	"github.com/ethereum/go-ethereum/common"
)

// VehicleView is the derived, read-only state of a vehicle after a command.
type VehicleView struct {
	Address            common.Address        `json:"address"`
	BaseAsset          common.Address        `json:"base_asset"`
	Strategy           vehicle.StrategyKind  `json:"strategy"`
	SharePrice         *big.Int              `json:"share_price"`
	TotalShares        *big.Int              `json:"total_shares"`
	TotalBaseHeld      *big.Int              `json:"total_base_held"`
	TotalDebt          *big.Int              `json:"total_debt"`
	AvailableLiquidity *big.Int              `json:"available_liquidity"`
	Beneficiaries      []vehicle.Beneficiary `json:"beneficiaries"`
}

func NewVehicleView(v *vehicle.Vehicle) VehicleView {
	return VehicleView{
		Address:            v.Address(),
		BaseAsset:          v.BaseAsset(),
		Strategy:           v.Strategy().Kind(),
		SharePrice:         v.SharePrice(),
		TotalShares:        v.TotalShares(),
		TotalBaseHeld:      v.TotalBaseHeld(),
		TotalDebt:          v.TotalDebt(),
		AvailableLiquidity: v.AvailableLiquidity(),
		Beneficiaries:      v.Beneficiaries(),
	}
}

// PoolView is the derived, read-only state of a pool after a command.
type PoolView struct {
	Address       common.Address     `json:"address"`
	Kind          pool.Kind          `json:"kind"`
	BaseAsset     common.Address     `json:"base_asset"`
	SharesToken   common.Address     `json:"shares_token"`
	Initialized   bool               `json:"initialized"`
	NetAssetValue *big.Int           `json:"net_asset_value"`
	TotalSupply   *big.Int           `json:"total_supply"`
	SharePrice    *big.Int           `json:"share_price"`
	IdleBalance   *big.Int           `json:"idle_balance"`
	OpenClaims    int                `json:"open_claims"`
	Vehicles      []pool.VehicleInfo `json:"vehicles"`
}

func NewPoolView(p *pool.Pool) PoolView {
	open := 0
	for _, c := range p.Claims() {
		if c.Active {
			open++
		}
	}
	return PoolView{
		Address:       p.Address(),
		Kind:          p.Kind(),
		BaseAsset:     p.BaseAsset(),
		SharesToken:   p.SharesToken(),
		Initialized:   p.Initialized(),
		NetAssetValue: p.NetAssetValue(),
		TotalSupply:   p.TotalSupply(),
		SharePrice:    p.SharePrice(),
		IdleBalance:   p.IdleBalance(),
		OpenClaims:    open,
		Vehicles:      p.Vehicles(),
	}
}

func floatOf(x *big.Int) float64 {
	if x == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(x).Float64()
	return f
}
