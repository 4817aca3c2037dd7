package persistence_test

import (
	"context"
	"testing"
	"time"

	"VaultLedger/internal/persistence"
	"VaultLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eventRow(seq int64, kind string) persistence.CoreOutput {
	batch := uuid.New().String()
	key := uuid.New().String()
	return persistence.CoreOutput{
		EventRow: persistence.EventRow{
			Sequence:       seq,
			EventType:      kind,
			IdempotencyKey: key,
			Target:         testutil.Addr(0xa).Hex(),
			Payload:        []byte(`{}`),
			Result:         []byte(`{"amount":"1"}`),
			StateHash:      []byte{byte(seq), 1},
			PrevHash:       []byte{byte(seq), 0},
			Timestamp:      testutil.Epoch.Add(time.Duration(seq) * time.Second),
		},
		JournalRows: []persistence.JournalRow{{
			JournalID:   uuid.New().String(),
			BatchID:     batch,
			EventRef:    key,
			Sequence:    seq,
			Asset:       testutil.Addr(0x1000).Hex(),
			From:        testutil.Addr(0xa1).Hex(),
			To:          testutil.Addr(0xa).Hex(),
			Amount:      "115792089237316195423570985008687907853269984665640564039457584007913129639935",
			JournalType: 1,
			Timestamp:   testutil.Epoch.UnixMicro(),
		}},
		AppliedAt: time.Now(),
	}
}

// ============================================================================
// Test: event log round trip through the worker
// ============================================================================

func TestIntegration_WorkerWritesEventLog(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	in := make(chan persistence.CoreOutput, 8)
	worker := persistence.NewPersistenceWorker(db, in, 2, 50*time.Millisecond, nil, zerolog.Nop())

	outputs := []persistence.CoreOutput{
		eventRow(0, "DeployAsset"),
		eventRow(1, "MintAsset"),
		eventRow(2, "PoolDeposit"),
	}
	for _, o := range outputs {
		in <- o
	}
	close(in)
	require.NoError(t, worker.Run(ctx))

	sm := persistence.NewSnapshotManager(db)
	latest, err := sm.GetLatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest)

	events, err := sm.LoadEventsFrom(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "MintAsset", events[0].EventType)
	assert.Equal(t, outputs[2].EventRow.IdempotencyKey, events[1].IdempotencyKey)
	assert.JSONEq(t, `{"amount":"1"}`, string(events[1].Result))

	var journals int
	require.NoError(t, db.GetContext(ctx, &journals, `SELECT COUNT(*) FROM event_log.journal`))
	assert.Equal(t, 3, journals)

	checker := persistence.NewPostgresIdempotencyChecker(db)
	dup, err := checker.IsDuplicate(ctx, "MintAsset", outputs[1].EventRow.IdempotencyKey)
	require.NoError(t, err)
	assert.True(t, dup)

	// same key under another kind is a different command
	dup, err = checker.IsDuplicate(ctx, "PoolDeposit", outputs[1].EventRow.IdempotencyKey)
	require.NoError(t, err)
	assert.False(t, dup)

	keys, err := checker.RecentKeys(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"MintAsset:" + outputs[1].EventRow.IdempotencyKey,
		"PoolDeposit:" + outputs[2].EventRow.IdempotencyKey,
	}, keys)
}

// ============================================================================
// Test: snapshots
// ============================================================================

func TestIntegration_OnlyVerifiedSnapshotsLoad(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	sm := persistence.NewSnapshotManager(db)

	rec, err := sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)

	state := map[string]any{"sequence": 41, "pools": []string{"a", "b"}}
	data, err := persistence.EncodeSnapshot(state)
	require.NoError(t, err)

	require.NoError(t, sm.SaveSnapshot(ctx, 41, []byte{0xab}, 2, data, testutil.Epoch))
	rec, err = sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec, "unverified snapshot must not be used for recovery")

	require.NoError(t, sm.MarkVerified(ctx, 41))
	rec, err = sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int64(41), rec.Sequence)
	assert.Equal(t, int32(2), rec.FormatVersion)
	assert.True(t, rec.Verified)

	var decoded map[string]any
	require.NoError(t, persistence.DecodeSnapshot(rec.Data, &decoded))
	assert.Equal(t, float64(41), decoded["sequence"])
}

func TestIntegration_MigratorStatus(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	status, err := persistence.NewMigrator(db.DB, zerolog.Nop()).Status(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, status)
	for _, s := range status {
		assert.True(t, s.Applied, "migration %s", s.ID)
	}
}
