// Package genesis turns a config.Genesis description into the commands that
// deploy it. The commands go through the engine like any other, so the
// deployment is part of the event log and replays identically.
package genesis

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"VaultLedger/internal/config"
	"VaultLedger/internal/core"
	"VaultLedger/internal/event"
	fpmath "VaultLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// namespace seeds the idempotency keys of genesis commands. Keys depend only
// on the step, so one config always yields the same event log.
var namespace = uuid.MustParse("6f1c2b1e-5d0a-4c43-9a57-3f0e8b7f2a10")

// Executor is the write side of the engine.
type Executor interface {
	Execute(ctx context.Context, cmd *event.Command) (*core.Receipt, error)
}

// Deployment maps genesis names to the addresses they were deployed at.
type Deployment map[string]common.Address

type runner struct {
	exec       Executor
	governance common.Address
	ts         time.Time
	names      Deployment
	step       int
	logger     zerolog.Logger
}

// Apply deploys g. swapCenter is the engine's built-in swap center, which
// genesis refers to by config.SwapCenterName.
func Apply(ctx context.Context, exec Executor, governance, swapCenter common.Address, g config.Genesis, logger zerolog.Logger) (Deployment, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	ts := g.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	r := &runner{
		exec:       exec,
		governance: governance,
		ts:         ts,
		names:      Deployment{config.SwapCenterName: swapCenter},
		logger:     logger.With().Str("component", "genesis").Logger(),
	}
	if err := r.run(ctx, g); err != nil {
		return nil, err
	}
	r.logger.Info().Int("commands", r.step).Msg("genesis applied")
	return r.names, nil
}

func (r *runner) run(ctx context.Context, g config.Genesis) error {
	for _, a := range g.Assets {
		if err := r.deploy(ctx, a.Name, &event.Command{
			Kind:     event.EventTypeDeployAsset,
			Symbol:   a.Symbol,
			Decimals: a.Decimals,
		}); err != nil {
			return err
		}
	}

	for _, rp := range g.RewardPools {
		if err := r.deploy(ctx, rp.Name, &event.Command{Kind: event.EventTypeDeployRewardPool}); err != nil {
			return err
		}
	}

	for _, v := range g.Vehicles {
		cmd := &event.Command{
			Kind:     event.EventTypeDeployVehicle,
			Asset:    r.names[v.Asset],
			Strategy: v.Strategy,
			Amount:   optionalAmount(v.Reward),
		}
		if cmd.Strategy == "" {
			cmd.Strategy = "hodl"
		}
		if v.Source != "" {
			cmd.Source = r.account(v.Source)
		}
		if err := r.deploy(ctx, v.Name, cmd); err != nil {
			return err
		}
	}

	for _, p := range g.Pools {
		if err := r.pool(ctx, p); err != nil {
			return err
		}
	}

	for _, v := range g.Vehicles {
		for _, b := range v.Beneficiaries {
			if err := r.exec1(ctx, &event.Command{
				Kind:    event.EventTypeVehicleAddBeneficiary,
				Target:  r.names[v.Name],
				Account: r.account(b.Account),
				Bps:     b.Bps,
				Role:    b.Role,
			}); err != nil {
				return err
			}
		}
	}

	for _, a := range g.Assets {
		for _, m := range a.Mints {
			if err := r.exec1(ctx, &event.Command{
				Kind:    event.EventTypeMintAsset,
				Target:  r.names[a.Name],
				Account: r.account(m.To),
				Amount:  optionalAmount(m.Amount),
			}); err != nil {
				return err
			}
		}
	}

	// a pump vehicle pulls its reward from the source's allowance
	for _, v := range g.Vehicles {
		if v.Strategy != "profit_pump" || v.Source == "" {
			continue
		}
		cmd := &event.Command{
			Kind:    event.EventTypeApproveAsset,
			Target:  r.names[v.Asset],
			Account: r.names[v.Name],
			Amount:  new(big.Int).Set(fpmath.MaxUint256),
		}
		if err := r.execAs(ctx, r.account(v.Source), cmd); err != nil {
			return err
		}
	}

	for _, rate := range g.SwapRates {
		if err := r.exec1(ctx, &event.Command{
			Kind:     event.EventTypeSwapSetRate,
			Asset:    r.names[rate.In],
			AssetOut: r.names[rate.Out],
			Bps:      rate.Bps,
		}); err != nil {
			return err
		}
	}

	// last, so every announcement above is active immediately
	if g.TimelockDelay > 0 {
		if err := r.exec1(ctx, &event.Command{
			Kind:  event.EventTypeTimelockChangeDelay,
			Delay: event.Duration(g.TimelockDelay),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (r *runner) pool(ctx context.Context, p config.GenesisPool) error {
	kind := p.Kind
	if kind == "" {
		kind = "vault"
	}
	if err := r.deploy(ctx, p.Name, &event.Command{
		Kind:     event.EventTypeDeployPool,
		Asset:    r.names[p.Asset],
		PoolKind: kind,
		Symbol:   p.Symbol,
	}); err != nil {
		return err
	}
	addr := r.names[p.Name]

	settings := &event.PoolSettings{
		DepositCap: optionalAmount(p.DepositCap),
		FeeBps:     p.FeeBps,
		FeeDecay:   event.Duration(p.FeeDecay),
		FeeWaive:   event.Duration(p.FeeWaive),
	}
	if p.FeeRecipient != "" {
		settings.FeeRecipient = r.account(p.FeeRecipient)
	}
	if p.LongAsset != "" {
		settings.LongAsset = r.names[p.LongAsset]
	}
	if p.RewardPool != "" {
		settings.RewardPool = r.names[p.RewardPool]
	}
	if p.LongSelfCompounding != "" {
		settings.LongSelfCompounding = r.names[p.LongSelfCompounding]
	}

	steps := []*event.Command{}
	if p.RewardPool != "" {
		steps = append(steps, &event.Command{
			Kind:    event.EventTypeRewardAllowNotifier,
			Target:  settings.RewardPool,
			Account: addr,
		})
	}
	steps = append(steps, &event.Command{
		Kind:     event.EventTypePoolInitialize,
		Target:   addr,
		Settings: settings,
	})
	for _, w := range p.Whitelist {
		steps = append(steps, &event.Command{
			Kind:    event.EventTypePoolAddWhitelist,
			Target:  addr,
			Account: r.account(w),
		})
	}
	if p.Timelock {
		steps = append(steps, &event.Command{Kind: event.EventTypeTimelockEnableVault, Target: addr})
	}
	for _, l := range p.Vehicles {
		v := r.names[l.Vehicle]
		lendMax := l.LendMaxBps
		if lendMax == 0 {
			lendMax = fpmath.BasisPoints
		}
		if p.Timelock {
			steps = append(steps, &event.Command{
				Kind:    event.EventTypeTimelockAnnounceForVault,
				Target:  addr,
				Account: v,
			})
		}
		steps = append(steps,
			&event.Command{
				Kind:    event.EventTypeVehicleAddCreditor,
				Target:  v,
				Account: addr,
			},
			&event.Command{
				Kind:    event.EventTypePoolAddVehicle,
				Target:  addr,
				Account: v,
				Bps:     lendMax,
				Amount:  optionalAmount(l.LendCap),
			},
		)
	}
	for _, c := range p.InsuranceClients {
		v := r.names[c]
		if p.Timelock {
			steps = append(steps, &event.Command{
				Kind:    event.EventTypeTimelockAnnounceInsured,
				Target:  addr,
				Account: v,
			})
		}
		steps = append(steps, &event.Command{
			Kind:    event.EventTypeInsuranceAddClient,
			Target:  addr,
			Account: v,
		})
	}

	for _, cmd := range steps {
		if err := r.exec1(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

// deploy executes a deployment and records the new address under name.
func (r *runner) deploy(ctx context.Context, name string, cmd *event.Command) error {
	receipt, err := r.execute(ctx, r.governance, cmd)
	if err != nil {
		return err
	}
	var res struct {
		Address common.Address `json:"address"`
	}
	if err := json.Unmarshal(receipt.Result, &res); err != nil {
		return fmt.Errorf("genesis %s %q: decode result: %w", cmd.Kind, name, err)
	}
	r.names[name] = res.Address
	r.logger.Info().Str("name", name).Str("kind", cmd.Kind.String()).Str("address", res.Address.Hex()).Msg("deployed")
	return nil
}

func (r *runner) exec1(ctx context.Context, cmd *event.Command) error {
	return r.execAs(ctx, r.governance, cmd)
}

func (r *runner) execAs(ctx context.Context, caller common.Address, cmd *event.Command) error {
	_, err := r.execute(ctx, caller, cmd)
	return err
}

func (r *runner) execute(ctx context.Context, caller common.Address, cmd *event.Command) (*core.Receipt, error) {
	cmd.ID = uuid.NewSHA1(namespace, []byte(fmt.Sprintf("genesis/%d/%s", r.step, cmd.Kind)))
	cmd.Caller = caller
	cmd.Timestamp = r.ts
	r.step++

	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("genesis step %d: %w", r.step, err)
	}
	receipt, err := r.exec.Execute(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("genesis step %d (%s): %w", r.step, cmd.Kind, err)
	}
	return receipt, nil
}

func (r *runner) account(nameOrAddress string) common.Address {
	if addr, ok := r.names[nameOrAddress]; ok {
		return addr
	}
	return common.HexToAddress(nameOrAddress)
}

func optionalAmount(s string) *big.Int {
	if s == "" {
		return nil
	}
	v, err := fpmath.ParseAmount(s)
	if err != nil {
		// rejected by Validate
		return nil
	}
	return v
}
