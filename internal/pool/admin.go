package pool

import (
	"fmt"
	"math/big"

	"VaultLedger/internal/errs"
	fpmath "VaultLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// SetDepositCap replaces the deposit cap. nil removes it.
func (p *Pool) SetDepositCap(caller common.Address, limit *big.Int) error {
	if err := p.requireGovernance(caller); err != nil {
		return err
	}
	if limit != nil && limit.Sign() < 0 {
		return fmt.Errorf("%w: deposit cap must be non-negative", errs.ErrInvalidParameter)
	}
	p.depositCap = cloneCap(limit)
	return nil
}

func (p *Pool) SetDepositEnabled(caller common.Address, enabled bool) error {
	if err := p.requireGovernance(caller); err != nil {
		return err
	}
	p.depositEnabled = enabled
	return nil
}

func (p *Pool) SetWithdrawFee(caller common.Address, fee FeeSchedule) error {
	if err := p.requireGovernance(caller); err != nil {
		return err
	}
	if !fee.valid() {
		return fmt.Errorf("%w: withdraw fee %+v", errs.ErrInvalidParameter, fee)
	}
	p.fee = fee
	return nil
}

// SetFeeRecipient routes withdrawal fees to recipient. The zero address keeps
// them in the pool.
func (p *Pool) SetFeeRecipient(caller, recipient common.Address) error {
	if err := p.requireGovernance(caller); err != nil {
		return err
	}
	p.feeRecipient = recipient
	return nil
}

func (p *Pool) FeeRecipient() common.Address { return p.feeRecipient }

func (p *Pool) SetLendParams(caller, vehicle common.Address, lendMaxBps uint32, lendCap *big.Int) error {
	if err := p.requireGovernance(caller); err != nil {
		return err
	}
	i := p.index(vehicle)
	if i < 0 {
		return fmt.Errorf("%w: vehicle %s is not in pool %s", errs.ErrUnknownEntity, vehicle.Hex(), p.address.Hex())
	}
	if lendMaxBps > fpmath.BasisPoints {
		return fmt.Errorf("%w: lend max bps %d", errs.ErrInvalidParameter, lendMaxBps)
	}
	p.vehicles[i].lendMaxBps = lendMaxBps
	p.vehicles[i].lendCap = lendCapOrMax(lendCap)
	return nil
}

func (p *Pool) SetRewardPool(caller, rewardPool common.Address) error {
	if err := p.requireGovernance(caller); err != nil {
		return err
	}
	if rewardPool != (common.Address{}) {
		if _, ok := p.deps.Rewards.RewardPool(rewardPool); !ok {
			return fmt.Errorf("%w: reward pool %s", errs.ErrUnknownEntity, rewardPool.Hex())
		}
	}
	p.rewardPool = rewardPool
	return nil
}

func (p *Pool) RewardPool() common.Address { return p.rewardPool }

// SetLongSelfCompounding makes CollectAndLong deposit the long asset into
// target and forward its shares instead. The zero address turns it off.
func (p *Pool) SetLongSelfCompounding(caller, target common.Address) error {
	if err := p.requireGovernance(caller); err != nil {
		return err
	}
	if target == (common.Address{}) {
		p.longSelfComp = target
		return nil
	}
	scy, ok := p.deps.Pools.Pool(target)
	if !ok {
		return fmt.Errorf("%w: pool %s", errs.ErrUnknownEntity, target.Hex())
	}
	if scy.Kind() != KindSelfCompounding || scy.BaseAsset() != p.longAsset {
		return fmt.Errorf("%w: %s is not a self-compounding pool of the long asset", errs.ErrInvalidParameter, target.Hex())
	}
	p.longSelfComp = target
	return nil
}

func (p *Pool) LongSelfCompounding() common.Address { return p.longSelfComp }

// AddWhitelistDeposit lets depositor into a self-compounding pool.
func (p *Pool) AddWhitelistDeposit(caller, depositor common.Address) error {
	if err := p.requireWhitelistGovernance(caller); err != nil {
		return err
	}
	p.whitelist[depositor] = true
	return nil
}

func (p *Pool) RemoveWhitelistDeposit(caller, depositor common.Address) error {
	if err := p.requireWhitelistGovernance(caller); err != nil {
		return err
	}
	delete(p.whitelist, depositor)
	return nil
}

func (p *Pool) IsWhitelisted(depositor common.Address) bool {
	return p.whitelist[depositor]
}

func (p *Pool) requireWhitelistGovernance(caller common.Address) error {
	if err := p.requireGovernance(caller); err != nil {
		return err
	}
	if p.kind != KindSelfCompounding {
		return fmt.Errorf("%w: pool %s has no deposit whitelist", errs.ErrUnsupported, p.address.Hex())
	}
	return nil
}
