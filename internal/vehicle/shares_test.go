package vehicle_test

import (
	"math/big"
	"testing"

	"VaultLedger/internal/errs"
	fpmath "VaultLedger/internal/math"
	"VaultLedger/internal/testutil"
	"VaultLedger/internal/vehicle"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	vaultA = testutil.Addr(0xa)
	vaultB = testutil.Addr(0xb)
)

func TestShareLedger_FirstDepositBootstrapsOneToOne(t *testing.T) {
	l := vehicle.NewShareLedger()

	minted, err := l.Deposit(vaultA, big.NewInt(2000))
	require.NoError(t, err)

	assert.Equal(t, "2000", minted.String())
	assert.Equal(t, fpmath.ShareUnit.String(), l.SharePrice().String())
	assert.Equal(t, "2000", l.BaseAssetBalanceOf(vaultA).String())
}

func TestShareLedger_AddBackingRaisesPrice(t *testing.T) {
	l := vehicle.NewShareLedger()
	_, err := l.Deposit(vaultA, big.NewInt(2000))
	require.NoError(t, err)

	l.AddBacking(big.NewInt(1000))
	assert.Equal(t, "2000", l.TotalShares().String())
	assert.Equal(t, "3000", l.BaseAssetBalanceOf(vaultA).String())

	// later depositors buy in at the new price
	minted, err := l.Deposit(vaultB, big.NewInt(300))
	require.NoError(t, err)
	assert.Equal(t, "200", minted.String())
	assert.Equal(t, "300", l.BaseAssetBalanceOf(vaultB).String())
}

func TestShareLedger_WithdrawBurnsRoundedUp(t *testing.T) {
	l := vehicle.NewShareLedger()
	_, err := l.Deposit(vaultA, big.NewInt(3))
	require.NoError(t, err)
	l.AddBacking(big.NewInt(1)) // 3 shares back 4

	// 1 * 3 / 4 = 0.75 -> 1 share
	burned, err := l.Withdraw(vaultA, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, "1", burned.String())
	assert.Equal(t, "2", l.TotalShares().String())
	assert.Equal(t, "3", l.TotalBaseHeld().String())
}

func TestShareLedger_WithdrawRejections(t *testing.T) {
	l := vehicle.NewShareLedger()
	_, err := l.Deposit(vaultA, big.NewInt(100))
	require.NoError(t, err)
	_, err = l.Deposit(vaultB, big.NewInt(10))
	require.NoError(t, err)

	_, err = l.Withdraw(vaultB, big.NewInt(11))
	require.ErrorIs(t, err, errs.ErrInsufficientShares)

	_, err = l.Withdraw(vaultA, big.NewInt(111))
	require.ErrorIs(t, err, errs.ErrInsufficientLiquidity)

	_, err = l.Withdraw(vaultA, big.NewInt(0))
	require.ErrorIs(t, err, errs.ErrInvalidParameter)
}

func TestShareLedger_RecognizeLoss(t *testing.T) {
	l := vehicle.NewShareLedger()
	_, err := l.Deposit(vaultA, big.NewInt(1000))
	require.NoError(t, err)

	assert.Equal(t, "400", l.RecognizeLoss(big.NewInt(400)).String())
	assert.Equal(t, "600", l.BaseAssetBalanceOf(vaultA).String())

	// capped at what is held
	assert.Equal(t, "600", l.RecognizeLoss(big.NewInt(5000)).String())
	assert.Equal(t, "0", l.TotalBaseHeld().String())

	_, err = l.Deposit(vaultB, big.NewInt(1))
	require.ErrorIs(t, err, errs.ErrInsufficientLiquidity)
}

func TestShareLedger_FullExitClearsHolder(t *testing.T) {
	l := vehicle.NewShareLedger()
	_, err := l.Deposit(vaultA, big.NewInt(50))
	require.NoError(t, err)
	_, err = l.Deposit(vaultB, big.NewInt(50))
	require.NoError(t, err)

	_, err = l.Withdraw(vaultA, big.NewInt(50))
	require.NoError(t, err)

	assert.Equal(t, []common.Address{vaultB}, l.Holders())
	assert.Equal(t, "0", l.SharesOf(vaultA).String())
}
