package core

import (
	"fmt"
	"math/big"

	"VaultLedger/internal/errs"
	"VaultLedger/internal/event"
	"VaultLedger/internal/ledger"
	"VaultLedger/internal/pool"
	"VaultLedger/internal/rewards"
	"VaultLedger/internal/vehicle"

	"github.com/ethereum/go-ethereum/common"
)

type amountResult struct {
	Amount *big.Int `json:"amount"`
}

type deployResult struct {
	Address     common.Address `json:"address"`
	SharesToken common.Address `json:"shares_token,omitempty"`
}

// dispatch routes a validated command to its handler. Besides the result it
// returns addresses of entities the command touched that are not already
// visible from the command fields or the journal.
func (e *Engine) dispatch(cmd *event.Command) (any, []common.Address, error) {
	w := e.world
	now := cmd.Timestamp

	switch cmd.Kind {
	// --- assets ---
	case event.EventTypeDeployAsset:
		a, err := w.DeployAsset(cmd.Caller, cmd.Symbol, cmd.Decimals)
		if err != nil {
			return nil, nil, err
		}
		return deployResult{Address: a.Address()}, []common.Address{a.Address()}, nil

	case event.EventTypeMintAsset:
		a, err := e.externalAsset(cmd)
		if err != nil {
			return nil, nil, err
		}
		return nil, nil, a.Mint(cmd.Caller, cmd.Account, cmd.Amount)

	case event.EventTypeApproveAsset:
		a, err := e.externalAsset(cmd)
		if err != nil {
			return nil, nil, err
		}
		return nil, nil, a.Approve(cmd.Caller, cmd.Account, cmd.Amount)

	case event.EventTypeTransferAsset:
		a, err := e.externalAsset(cmd)
		if err != nil {
			return nil, nil, err
		}
		return nil, nil, a.Transfer(cmd.Caller, cmd.Account, cmd.Amount)

	// --- vehicles ---
	case event.EventTypeDeployVehicle:
		v, err := w.DeployVehicle(cmd.Caller, cmd.Asset, vehicle.StrategyState{
			Kind:   vehicle.StrategyKind(cmd.Strategy),
			Source: cmd.Source,
			Reward: cmd.Amount,
		})
		if err != nil {
			return nil, nil, err
		}
		return deployResult{Address: v.Address()}, []common.Address{v.Address()}, nil

	case event.EventTypeVehicleAddCreditor:
		v, err := e.vehicle(cmd.Target)
		if err != nil {
			return nil, nil, err
		}
		return nil, nil, v.AddCreditor(cmd.Caller, cmd.Account)

	case event.EventTypeVehicleRemoveCreditor:
		v, err := e.vehicle(cmd.Target)
		if err != nil {
			return nil, nil, err
		}
		return nil, nil, v.RemoveCreditor(cmd.Caller, cmd.Account)

	case event.EventTypeVehicleAddBeneficiary:
		v, err := e.vehicle(cmd.Target)
		if err != nil {
			return nil, nil, err
		}
		role, err := vehicle.ParseRole(cmd.Role)
		if err != nil {
			return nil, nil, err
		}
		return nil, nil, v.AddBeneficiary(cmd.Caller, cmd.Account, cmd.Bps, role)

	case event.EventTypeVehicleRemoveBeneficiary:
		v, err := e.vehicle(cmd.Target)
		if err != nil {
			return nil, nil, err
		}
		return nil, nil, v.RemoveBeneficiary(cmd.Caller, cmd.Account)

	case event.EventTypeVehicleCollectProfit:
		v, err := e.vehicle(cmd.Target)
		if err != nil {
			return nil, nil, err
		}
		profit, err := v.CollectProfitAndDistribute(cmd.Caller, cmd.MinOut)
		if err != nil {
			return nil, nil, err
		}
		if e.metrics != nil && profit.Sign() > 0 {
			e.metrics.ProfitCollected.WithLabelValues(v.Address().Hex()).Inc()
		}
		return amountResult{Amount: profit}, nil, nil

	case event.EventTypeVehicleClaimDividend:
		v, err := e.vehicle(cmd.Target)
		if err != nil {
			return nil, nil, err
		}
		amount, err := v.ClaimDividendAsBeneficiary(cmd.Caller)
		if err != nil {
			return nil, nil, err
		}
		return amountResult{Amount: amount}, nil, nil

	case event.EventTypeVehicleRugPull:
		v, err := e.vehicle(cmd.Target)
		if err != nil {
			return nil, nil, err
		}
		return nil, nil, v.RugPull(cmd.Caller, cmd.Amount)

	case event.EventTypeVehicleFileInsuranceClaim:
		v, err := e.vehicle(cmd.Target)
		if err != nil {
			return nil, nil, err
		}
		filed, err := v.FileInsuranceClaim(cmd.Caller, w)
		if err != nil {
			return nil, nil, err
		}
		insurers := make([]common.Address, 0, len(filed))
		for _, f := range filed {
			insurers = append(insurers, f.Insurer)
		}
		return filed, insurers, nil

	case event.EventTypeVehicleSetPumpReward:
		v, err := e.vehicle(cmd.Target)
		if err != nil {
			return nil, nil, err
		}
		return nil, nil, v.SetPumpReward(cmd.Caller, cmd.Amount)

	// --- pools ---
	case event.EventTypeDeployPool:
		kind, err := pool.ParseKind(cmd.PoolKind)
		if err != nil {
			return nil, nil, err
		}
		p, err := w.DeployPool(cmd.Caller, kind, cmd.Asset, cmd.Symbol)
		if err != nil {
			return nil, nil, err
		}
		return deployResult{Address: p.Address(), SharesToken: p.SharesToken()},
			[]common.Address{p.Address(), p.SharesToken()}, nil

	case event.EventTypePoolInitialize:
		p, err := e.pool(cmd.Target)
		if err != nil {
			return nil, nil, err
		}
		s := cmd.Settings
		return nil, nil, p.Initialize(cmd.Caller, pool.Settings{
			DepositCap: s.DepositCap,
			WithdrawFee: pool.FeeSchedule{
				BaseBps: s.FeeBps,
				Decay:   s.FeeDecay.Std(),
				Waive:   s.FeeWaive.Std(),
			},
			FeeRecipient:        s.FeeRecipient,
			LongAsset:           s.LongAsset,
			RewardPool:          s.RewardPool,
			LongSelfCompounding: s.LongSelfCompounding,
		})

	case event.EventTypePoolDeposit:
		p, err := e.pool(cmd.Target)
		if err != nil {
			return nil, nil, err
		}
		shares, err := p.Deposit(cmd.Caller, cmd.Amount, now)
		if err != nil {
			return nil, nil, err
		}
		return amountResult{Amount: shares}, nil, nil

	case event.EventTypePoolWithdraw:
		p, err := e.pool(cmd.Target)
		if err != nil {
			return nil, nil, err
		}
		wd, err := p.Withdraw(cmd.Caller, cmd.Amount, now)
		if err != nil {
			return nil, nil, err
		}
		if e.metrics != nil && wd.Fee.Sign() > 0 {
			e.metrics.WithdrawFeesCollected.WithLabelValues(p.Address().Hex()).Inc()
		}
		return wd, nil, nil

	case event.EventTypePoolInvestAll:
		p, err := e.pool(cmd.Target)
		if err != nil {
			return nil, nil, err
		}
		allocs, err := p.InvestAll(cmd.Caller)
		return allocs, nil, err

	case event.EventTypePoolInvestTo:
		p, err := e.pool(cmd.Target)
		if err != nil {
			return nil, nil, err
		}
		alloc, err := p.InvestTo(cmd.Caller, cmd.Account, cmd.Amount)
		return alloc, nil, err

	case event.EventTypePoolWithdrawFromIV:
		p, err := e.pool(cmd.Target)
		if err != nil {
			return nil, nil, err
		}
		got, err := p.WithdrawFromIV(cmd.Caller, cmd.Account, cmd.Amount)
		if err != nil {
			return nil, nil, err
		}
		return amountResult{Amount: got}, nil, nil

	case event.EventTypePoolWithdrawAllFromIV:
		p, err := e.pool(cmd.Target)
		if err != nil {
			return nil, nil, err
		}
		got, err := p.WithdrawAllFromIV(cmd.Caller, cmd.Account)
		if err != nil {
			return nil, nil, err
		}
		return amountResult{Amount: got}, nil, nil

	case event.EventTypePoolCollectAndLong:
		p, err := e.pool(cmd.Target)
		if err != nil {
			return nil, nil, err
		}
		res, err := p.CollectAndLong(cmd.Caller, cmd.Vehicles, cmd.MinOut, now)
		return res, nil, err

	case event.EventTypePoolMoveToLowestPriority:
		p, err := e.pool(cmd.Target)
		if err != nil {
			return nil, nil, err
		}
		return nil, nil, p.MoveInvestmentVehicleToLowestPriority(cmd.Caller, cmd.Account)

	case event.EventTypePoolAddVehicle:
		p, err := e.pool(cmd.Target)
		if err != nil {
			return nil, nil, err
		}
		return nil, nil, p.AddInvestmentVehicle(cmd.Caller, cmd.Account, cmd.Bps, cmd.Amount, now)

	case event.EventTypePoolRemoveVehicle:
		p, err := e.pool(cmd.Target)
		if err != nil {
			return nil, nil, err
		}
		return nil, nil, p.RemoveInvestmentVehicle(cmd.Caller, cmd.Account)

	case event.EventTypePoolSetDepositCap:
		p, err := e.pool(cmd.Target)
		if err != nil {
			return nil, nil, err
		}
		return nil, nil, p.SetDepositCap(cmd.Caller, cmd.Amount)

	case event.EventTypePoolSetDepositEnabled:
		p, err := e.pool(cmd.Target)
		if err != nil {
			return nil, nil, err
		}
		return nil, nil, p.SetDepositEnabled(cmd.Caller, cmd.Flag)

	case event.EventTypePoolSetWithdrawFee:
		p, err := e.pool(cmd.Target)
		if err != nil {
			return nil, nil, err
		}
		return nil, nil, p.SetWithdrawFee(cmd.Caller, pool.FeeSchedule{
			BaseBps: cmd.Bps,
			Decay:   cmd.Delay.Std(),
			Waive:   cmd.Waive.Std(),
		})

	case event.EventTypePoolSetFeeRecipient:
		p, err := e.pool(cmd.Target)
		if err != nil {
			return nil, nil, err
		}
		return nil, nil, p.SetFeeRecipient(cmd.Caller, cmd.Account)

	case event.EventTypePoolSetLendParams:
		p, err := e.pool(cmd.Target)
		if err != nil {
			return nil, nil, err
		}
		return nil, nil, p.SetLendParams(cmd.Caller, cmd.Account, cmd.Bps, cmd.Amount)

	case event.EventTypePoolSetRewardPool:
		p, err := e.pool(cmd.Target)
		if err != nil {
			return nil, nil, err
		}
		return nil, nil, p.SetRewardPool(cmd.Caller, cmd.Account)

	case event.EventTypePoolSetLongSelfCompounding:
		p, err := e.pool(cmd.Target)
		if err != nil {
			return nil, nil, err
		}
		return nil, nil, p.SetLongSelfCompounding(cmd.Caller, cmd.Account)

	case event.EventTypePoolAddWhitelist:
		p, err := e.pool(cmd.Target)
		if err != nil {
			return nil, nil, err
		}
		return nil, nil, p.AddWhitelistDeposit(cmd.Caller, cmd.Account)

	case event.EventTypePoolRemoveWhitelist:
		p, err := e.pool(cmd.Target)
		if err != nil {
			return nil, nil, err
		}
		return nil, nil, p.RemoveWhitelistDeposit(cmd.Caller, cmd.Account)

	// --- insurance ---
	case event.EventTypeInsuranceAddClient:
		p, err := e.pool(cmd.Target)
		if err != nil {
			return nil, nil, err
		}
		return nil, nil, p.AddInsuranceClient(cmd.Caller, cmd.Account, now)

	case event.EventTypeInsuranceRemoveClient:
		p, err := e.pool(cmd.Target)
		if err != nil {
			return nil, nil, err
		}
		return nil, nil, p.RemoveInsuranceClient(cmd.Caller, cmd.Account)

	case event.EventTypeInsuranceProcessClaim:
		p, err := e.pool(cmd.Target)
		if err != nil {
			return nil, nil, err
		}
		payment, err := p.ProcessClaim(cmd.Caller, cmd.Account, cmd.Amount, cmd.MinOut)
		if err != nil {
			return nil, nil, err
		}
		if e.metrics != nil {
			e.metrics.InsuranceClaimsPaid.WithLabelValues(p.Address().Hex()).Inc()
		}
		return payment, nil, nil

	// --- timelock ---
	case event.EventTypeTimelockChangeDelay:
		return nil, nil, w.Timelock.ChangeTimelockDelay(cmd.Caller, cmd.Delay.Std(), now)

	case event.EventTypeTimelockEnableVault:
		if _, err := e.pool(cmd.Target); err != nil {
			return nil, nil, err
		}
		return nil, nil, w.Timelock.EnableVaultTimelock(cmd.Caller, cmd.Target)

	case event.EventTypeTimelockAnnounceForVault:
		if _, err := e.pool(cmd.Target); err != nil {
			return nil, nil, err
		}
		return nil, nil, w.Timelock.AnnounceIVForVault(cmd.Caller, cmd.Target, cmd.Account, now)

	case event.EventTypeTimelockRemoveForVault:
		return nil, nil, w.Timelock.RemoveIVForVault(cmd.Caller, cmd.Target, cmd.Account)

	case event.EventTypeTimelockAnnounceGlobal:
		return nil, nil, w.Timelock.AnnounceIVForGlobal(cmd.Caller, cmd.Account, now)

	case event.EventTypeTimelockRemoveGlobal:
		return nil, nil, w.Timelock.RemoveIVForGlobal(cmd.Caller, cmd.Account)

	case event.EventTypeTimelockAnnounceInsured:
		if _, err := e.insurer(cmd.Target); err != nil {
			return nil, nil, err
		}
		return nil, nil, w.Timelock.AnnounceIVToBeInsuredByInsuranceVault(cmd.Caller, cmd.Target, cmd.Account, now)

	case event.EventTypeTimelockStopInsuring:
		return nil, nil, w.Timelock.StopFutureInsuringIV(cmd.Caller, cmd.Target, cmd.Account)

	// --- swap & rewards ---
	case event.EventTypeSwapSetRate:
		return nil, nil, w.Swap.SetExchangeRate(cmd.Caller, cmd.Asset, cmd.AssetOut, cmd.Bps)

	case event.EventTypeSwapExecute:
		if w.IsEntity(cmd.Caller) {
			return nil, nil, fmt.Errorf("%w: %s cannot swap directly", errs.ErrUnauthorized, cmd.Caller.Hex())
		}
		out, err := w.Swap.SwapExactTokenIn(cmd.Caller, cmd.Asset, cmd.AssetOut, cmd.Amount, cmd.MinOut)
		if err != nil {
			return nil, nil, err
		}
		return amountResult{Amount: out}, []common.Address{w.Swap.Address()}, nil

	case event.EventTypeDeployRewardPool:
		rp, err := w.DeployRewardPool(cmd.Caller)
		if err != nil {
			return nil, nil, err
		}
		return deployResult{Address: rp.Address()}, []common.Address{rp.Address()}, nil

	case event.EventTypeRewardAllowNotifier:
		if err := w.Policy().RequireGovernance(cmd.Caller); err != nil {
			return nil, nil, err
		}
		rp, err := e.rewardPool(cmd.Target)
		if err != nil {
			return nil, nil, err
		}
		rp.AllowNotifier(cmd.Account)
		return nil, nil, nil

	default:
		return nil, nil, fmt.Errorf("%w: command kind %s", errs.ErrUnsupported, cmd.Kind)
	}
}

// --- lookups ---

func (e *Engine) asset(address common.Address) (*ledger.Asset, error) {
	a, ok := e.world.Ledger.Asset(address)
	if !ok {
		return nil, fmt.Errorf("%w: asset %s", errs.ErrUnknownEntity, address.Hex())
	}
	return a, nil
}

// externalAsset resolves the asset of a mint, approve or transfer. Entities only
// move tokens through their own operations, so a caller claiming to be one
// is rejected.
func (e *Engine) externalAsset(cmd *event.Command) (*ledger.Asset, error) {
	if e.world.IsEntity(cmd.Caller) {
		return nil, fmt.Errorf("%w: %s cannot move tokens directly", errs.ErrUnauthorized, cmd.Caller.Hex())
	}
	return e.asset(cmd.Target)
}

func (e *Engine) vehicle(address common.Address) (*vehicle.Vehicle, error) {
	v, ok := e.world.VehicleAt(address)
	if !ok {
		return nil, fmt.Errorf("%w: vehicle %s", errs.ErrUnknownEntity, address.Hex())
	}
	return v, nil
}

func (e *Engine) pool(address common.Address) (*pool.Pool, error) {
	p, ok := e.world.Pool(address)
	if !ok {
		return nil, fmt.Errorf("%w: pool %s", errs.ErrUnknownEntity, address.Hex())
	}
	return p, nil
}

func (e *Engine) insurer(address common.Address) (*pool.Pool, error) {
	p, err := e.pool(address)
	if err != nil {
		return nil, err
	}
	if p.Kind() != pool.KindInsurance {
		return nil, fmt.Errorf("%w: pool %s is not an insurance vault", errs.ErrUnsupported, address.Hex())
	}
	return p, nil
}

func (e *Engine) rewardPool(address common.Address) (*rewards.Pool, error) {
	rp, ok := e.world.RewardPoolAt(address)
	if !ok {
		return nil, fmt.Errorf("%w: reward pool %s", errs.ErrUnknownEntity, address.Hex())
	}
	return rp, nil
}
