package ingestion_test

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"VaultLedger/internal/event"
	"VaultLedger/internal/ingestion"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawFrom(subject, body string) ingestion.RawEvent {
	return ingestion.RawEvent{
		Subject:   subject,
		Data:      []byte(body),
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

const depositBody = `{
	"idempotency_key": "550e8400-e29b-41d4-a716-446655440000",
	"caller": "0x00000000000000000000000000000000000000a1",
	"target": "0x00000000000000000000000000000000000000b2",
	"amount": 1000000000000000000000,
	"timestamp": "2026-01-02T03:04:05Z"
}`

func TestParsePoolDeposit(t *testing.T) {
	cmd, err := ingestion.ParseRawEvent(rawFrom("vault.commands.PoolDeposit", depositBody))
	require.NoError(t, err)

	assert.Equal(t, event.EventTypePoolDeposit, cmd.Kind)
	assert.Equal(t, common.HexToAddress("0xa1"), cmd.Caller)
	assert.Equal(t, common.HexToAddress("0xb2"), cmd.Target)

	want, _ := new(big.Int).SetString("1000000000000000000000", 10)
	assert.Zero(t, want.Cmp(cmd.Amount), "amount must survive above 2^64")
	assert.Equal(t, "550e8400-e29b-41d4-a716-446655440000", cmd.IdempotencyKey())
	assert.True(t, cmd.Timestamp.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))
}

func TestParseKindMismatch(t *testing.T) {
	body := `{
		"idempotency_key": "550e8400-e29b-41d4-a716-446655440000",
		"kind": "PoolWithdraw",
		"caller": "0x00000000000000000000000000000000000000a1",
		"target": "0x00000000000000000000000000000000000000b2",
		"amount": 1,
		"timestamp": "2026-01-02T03:04:05Z"
	}`
	_, err := ingestion.ParseRawEvent(rawFrom("vault.commands.PoolDeposit", body))
	require.Error(t, err)
	assert.True(t, errors.Is(err, event.ErrInvalidCommand))
}

func TestParseMissingRequiredField(t *testing.T) {
	body := `{
		"idempotency_key": "550e8400-e29b-41d4-a716-446655440000",
		"caller": "0x00000000000000000000000000000000000000a1",
		"timestamp": "2026-01-02T03:04:05Z"
	}`
	_, err := ingestion.ParseRawEvent(rawFrom("vault.commands.PoolDeposit", body))
	require.ErrorIs(t, err, event.ErrInvalidCommand)
	assert.Contains(t, err.Error(), "missing target")
}

func TestParseRejectsUnknownField(t *testing.T) {
	body := `{"idempotency_key": "550e8400-e29b-41d4-a716-446655440000", "amout": 5}`
	_, err := ingestion.ParseCommand([]byte(body))
	require.ErrorIs(t, err, event.ErrInvalidCommand)
}

func TestParseDurations(t *testing.T) {
	body := `{
		"idempotency_key": "550e8400-e29b-41d4-a716-446655440000",
		"caller": "0x00000000000000000000000000000000000000a1",
		"target": "0x00000000000000000000000000000000000000b2",
		"bps": 100,
		"delay": "168h",
		"waive": 3600,
		"timestamp": "2026-01-02T03:04:05Z"
	}`
	cmd, err := ingestion.ParseRawEvent(rawFrom("vault.commands.PoolSetWithdrawFee", body))
	require.NoError(t, err)
	assert.Equal(t, 168*time.Hour, cmd.Delay.Std())
	assert.Equal(t, time.Hour, cmd.Waive.Std())
}

func TestKindFromSubject(t *testing.T) {
	tests := []struct {
		subject string
		want    event.EventType
		wantErr bool
	}{
		{"vault.commands.SwapExecute", event.EventTypeSwapExecute, false},
		{"vault.commands.PoolInvestAll.0xabc", event.EventTypePoolInvestAll, false},
		{"vault.commands.NotAThing", event.EventTypeUnknown, true},
		{"market.trades.BTC", event.EventTypeUnknown, true},
	}
	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			got, err := ingestion.KindFromSubject(tt.subject)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSubjectRoundTrip(t *testing.T) {
	for _, kind := range event.AllEventTypes() {
		got, err := ingestion.KindFromSubject(ingestion.SubjectFor(kind))
		require.NoError(t, err)
		assert.Equal(t, kind, got)
	}
}
