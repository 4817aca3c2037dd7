package core_test

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"VaultLedger/internal/core"
	"VaultLedger/internal/errs"
	"VaultLedger/internal/event"
	"VaultLedger/internal/ingestion"
	"VaultLedger/internal/persistence"
	"VaultLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = testutil.Addr(0xa1)
	bob   = testutil.Addr(0xb0b)
)

// seed deploys an asset and an initialized vault pool and funds alice.
func seed(t *testing.T) (*testutil.Harness, common.Address, common.Address) {
	t.Helper()
	h := testutil.NewHarness(t)
	usdc := h.DeployAsset("USDC")
	p, _ := h.DeployPool("vault", usdc, "vUSDC", event.PoolSettings{})
	h.Fund(usdc, alice, p, 10_000)
	return h, usdc, p
}

func freshEngine() *core.Engine {
	return core.NewEngine(core.Options{Governance: testutil.Governance, Logger: zerolog.Nop()})
}

// ============================================================================
// Test: idempotency
// ============================================================================

func TestEngine_DuplicateCommandIsSkipped(t *testing.T) {
	h, usdc, p := seed(t)

	cmd := h.Cmd(event.EventTypePoolDeposit, alice)
	cmd.Target = p
	cmd.Amount = big.NewInt(1000)

	first := h.Exec(cmd)
	seq := h.Engine.GetSequence()
	hash := h.Engine.GetStateHash()
	h.Outputs()

	again := h.Exec(cmd)
	assert.True(t, again.Duplicate)
	assert.False(t, first.Duplicate)
	assert.Equal(t, seq, h.Engine.GetSequence())
	assert.Equal(t, hash, h.Engine.GetStateHash())
	assert.Empty(t, h.Outputs())
	assert.Equal(t, "9000", h.Balance(usdc, alice).String())
}

func TestEngine_SameKeyDifferentKindIsNotDuplicate(t *testing.T) {
	h, usdc, p := seed(t)

	approve := h.Cmd(event.EventTypeApproveAsset, bob)
	approve.Target = usdc
	approve.Account = p
	approve.Amount = big.NewInt(1)
	h.Exec(approve)

	transfer := h.Cmd(event.EventTypeTransferAsset, alice)
	transfer.ID = approve.ID
	transfer.Target = usdc
	transfer.Account = bob
	transfer.Amount = big.NewInt(5)
	r := h.Exec(transfer)

	assert.False(t, r.Duplicate)
	assert.Equal(t, "5", h.Balance(usdc, bob).String())
}

// ============================================================================
// Test: validation and rollback
// ============================================================================

func TestEngine_RejectsInvalidCommand(t *testing.T) {
	h, _, p := seed(t)

	cmd := h.Cmd(event.EventTypePoolDeposit, alice)
	cmd.Target = p // amount missing
	require.ErrorIs(t, h.Try(cmd), event.ErrInvalidCommand)

	cmd = h.Cmd(event.EventTypePoolDeposit, common.Address{})
	cmd.Target = p
	cmd.Amount = big.NewInt(1)
	require.ErrorIs(t, h.Try(cmd), event.ErrInvalidCommand)

	cmd = h.Cmd(event.EventTypePoolDeposit, alice)
	cmd.Target = p
	cmd.Amount = big.NewInt(-1)
	require.ErrorIs(t, h.Try(cmd), event.ErrInvalidCommand)
}

func TestEngine_EntityCannotMoveTokensDirectly(t *testing.T) {
	h, usdc, p := seed(t)
	h.Deposit(p, alice, 1000)

	cmd := h.Cmd(event.EventTypeTransferAsset, p)
	cmd.Target = usdc
	cmd.Account = bob
	cmd.Amount = big.NewInt(1000)
	require.ErrorIs(t, h.Try(cmd), errs.ErrUnauthorized)
	assert.Equal(t, "1000", h.Balance(usdc, p).String())
}

func TestEngine_FailedCommandLeavesNoTrace(t *testing.T) {
	h, usdc, p := seed(t)
	h.Deposit(p, alice, 1000)
	h.Outputs()

	seq := h.Engine.GetSequence()
	hash := h.Engine.GetStateHash()

	err := h.Try(h.WithdrawCmd(p, alice, 1001))
	require.ErrorIs(t, err, errs.ErrInsufficientShares)

	unknown := h.Cmd(event.EventTypePoolDeposit, alice)
	unknown.Target = testutil.Addr(0xdead)
	unknown.Amount = big.NewInt(1)
	require.ErrorIs(t, h.Try(unknown), errs.ErrUnknownEntity)

	assert.Equal(t, seq, h.Engine.GetSequence())
	assert.Equal(t, hash, h.Engine.GetStateHash())
	assert.Empty(t, h.Outputs())
	assert.Equal(t, "9000", h.Balance(usdc, alice).String())
}

func TestEngine_RejectedCommandCanBeRetried(t *testing.T) {
	h, _, p := seed(t)

	cmd := h.Cmd(event.EventTypePoolDeposit, alice)
	cmd.Target = p
	cmd.Amount = big.NewInt(20_000)
	require.ErrorIs(t, h.Try(cmd), errs.ErrInsufficientAllowance)

	// rejections are not remembered by the dedup cache
	cmd.Amount = big.NewInt(2000)
	r := h.Exec(cmd)
	assert.False(t, r.Duplicate)
}

// ============================================================================
// Test: hash chain, replay and snapshots
// ============================================================================

func TestEngine_HashChainLinksOutputs(t *testing.T) {
	h, _, p := seed(t)
	h.Deposit(p, alice, 1000)
	h.Exec(h.WithdrawCmd(p, alice, 400))

	outs := h.Outputs()
	require.NotEmpty(t, outs)

	assert.Equal(t, core.GenesisHash(), outs[0].Envelope.PrevHash)
	for i, o := range outs {
		assert.Equal(t, int64(i), o.Envelope.Sequence)
		assert.NoError(t, o.Batch.Validate())
		if i > 0 {
			assert.Equal(t, outs[i-1].Envelope.StateHash, o.Envelope.PrevHash)
			assert.NotEqual(t, outs[i-1].Envelope.StateHash, o.Envelope.StateHash)
		}
	}
	assert.Equal(t, outs[len(outs)-1].Envelope.StateHash, h.Engine.GetStateHash())
}

func TestEngine_ReplayReproducesState(t *testing.T) {
	h, usdc, p := seed(t)
	h.Deposit(p, alice, 2500)
	h.Exec(h.WithdrawCmd(p, alice, 1000))

	replica := freshEngine()
	for _, o := range h.Outputs() {
		cmd, err := ingestion.ParseCommand(o.Envelope.Payload)
		require.NoError(t, err)
		require.NoError(t, replica.Replay(cmd, o.Envelope.Sequence, o.Envelope.StateHash))
	}

	assert.Equal(t, h.Engine.GetSequence(), replica.GetSequence())
	assert.Equal(t, h.Engine.GetStateHash(), replica.GetStateHash())

	var got *big.Int
	replica.View(func(w *core.World) {
		a, _ := w.Ledger.Asset(usdc)
		got = a.BalanceOf(alice)
	})
	assert.Equal(t, h.Balance(usdc, alice).String(), got.String())
}

func TestEngine_ReplayDetectsDivergence(t *testing.T) {
	h := testutil.NewHarness(t)
	h.DeployAsset("USDC")
	outs := h.Outputs()
	require.Len(t, outs, 1)

	cmd, err := ingestion.ParseCommand(outs[0].Envelope.Payload)
	require.NoError(t, err)

	var forged [32]byte
	forged[0] = 1
	require.Error(t, freshEngine().Replay(cmd, 0, forged))
	require.Error(t, freshEngine().Replay(cmd, 5, outs[0].Envelope.StateHash))
}

func TestEngine_SnapshotRoundTrip(t *testing.T) {
	h, usdc, p := seed(t)
	deposit := h.Cmd(event.EventTypePoolDeposit, alice)
	deposit.Target = p
	deposit.Amount = big.NewInt(3000)
	h.Exec(deposit)

	data, err := persistence.EncodeSnapshot(h.Engine.CreateSnapshotState())
	require.NoError(t, err)
	var snap core.SnapshotState
	require.NoError(t, persistence.DecodeSnapshot(data, &snap))

	restored := freshEngine()
	require.NoError(t, restored.RestoreFromSnapshot(&snap))
	assert.Equal(t, h.Engine.GetSequence(), restored.GetSequence())
	assert.Equal(t, h.Engine.GetStateHash(), restored.GetStateHash())

	// already applied before the snapshot
	r, err := restored.Execute(context.Background(), deposit)
	require.NoError(t, err)
	assert.True(t, r.Duplicate)

	// both engines agree on what comes next
	next := h.WithdrawCmd(p, alice, 1200)
	want := h.Exec(next)
	got, err := restored.Execute(context.Background(), next)
	require.NoError(t, err)
	assert.Equal(t, want.StateHash, got.StateHash)
	assert.Equal(t, want.Sequence, got.Sequence)
	assert.JSONEq(t, string(want.Result), string(got.Result))

	var bal *big.Int
	restored.View(func(w *core.World) {
		a, _ := w.Ledger.Asset(usdc)
		bal = a.BalanceOf(alice)
	})
	assert.Equal(t, "8200", bal.String())
}

func TestEngine_SnapshotVersionChecks(t *testing.T) {
	e := freshEngine()

	snap := e.CreateSnapshotState()
	snap.Version = core.SnapshotVersion + 1
	require.Error(t, e.RestoreFromSnapshot(snap))

	snap = e.CreateSnapshotState()
	snap.Version = 1
	snap.IdempotencyKeys = []string{"bare-key"}
	require.NoError(t, e.RestoreFromSnapshot(snap))
	assert.Nil(t, snap.IdempotencyKeys)
}

func TestEngine_CloseRejectsCommands(t *testing.T) {
	h, _, p := seed(t)
	h.Engine.Close()
	h.Engine.Close()

	cmd := h.Cmd(event.EventTypePoolDeposit, alice)
	cmd.Target = p
	cmd.Amount = big.NewInt(1)
	require.ErrorIs(t, h.Try(cmd), core.ErrClosed)

	// buffered outputs stay readable after close
	assert.NotEmpty(t, h.Outputs())
	assert.Positive(t, h.Engine.GetSequence())
}

func TestEngine_LRUWarmMakesKeysDuplicate(t *testing.T) {
	h, _, p := seed(t)

	cmd := h.Cmd(event.EventTypePoolDeposit, alice)
	cmd.Target = p
	cmd.Amount = big.NewInt(1)
	h.Engine.WarmLRU([]string{fmt.Sprintf("%s:%s", cmd.Kind, cmd.IdempotencyKey())})

	r := h.Exec(cmd)
	assert.True(t, r.Duplicate)
}
