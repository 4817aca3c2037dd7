package ingestion_test

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"VaultLedger/internal/event"
	"VaultLedger/internal/ingestion"
	"VaultLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandRoundTripThroughJetStream(t *testing.T) {
	testutil.RequireIntegration(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	nc, js, err := ingestion.ConnectNATS(testutil.TestNATSURL(), zerolog.Nop())
	require.NoError(t, err)
	defer nc.Close()
	require.NoError(t, ingestion.EnsureStreams(ctx, js, zerolog.Nop()))

	clock := testutil.NewClock()
	cmd := clock.Command(event.EventTypePoolDeposit, testutil.Addr(0xa1))
	cmd.Target = testutil.Addr(0xb2)
	cmd.Amount = big.NewInt(1000)
	body, err := json.Marshal(cmd)
	require.NoError(t, err)

	consumer := "test-" + uuid.NewString()
	events := make(chan ingestion.RawEvent, 16)
	sub := ingestion.NewNATSSubscriber(js, events, zerolog.Nop())
	require.NoError(t, sub.Subscribe(ctx, []ingestion.SubjectConfig{{
		Subject:      ingestion.CommandSubjectPrefix + "PoolDeposit",
		ConsumerName: consumer,
		StreamName:   ingestion.CommandStream,
	}}))
	defer func() {
		sub.Stop()
		_ = js.DeleteConsumer(context.Background(), ingestion.CommandStream, consumer)
	}()

	_, err = js.Publish(ctx, ingestion.CommandSubjectPrefix+"PoolDeposit", body)
	require.NoError(t, err)

	// earlier runs leave their commands in the stream
	for {
		select {
		case raw := <-events:
			got, err := ingestion.ParseRawEvent(raw)
			require.NoError(t, err)
			raw.AckFunc()
			if got.ID != cmd.ID {
				continue
			}
			assert.Equal(t, event.EventTypePoolDeposit, got.Kind)
			assert.Equal(t, "1000", got.Amount.String())
			return
		case <-ctx.Done():
			t.Fatal("command not delivered")
		}
	}
}

func TestOutboundPublisherDeduplicatesBySequence(t *testing.T) {
	testutil.RequireIntegration(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	nc, js, err := ingestion.ConnectNATS(testutil.TestNATSURL(), zerolog.Nop())
	require.NoError(t, err)
	defer nc.Close()
	require.NoError(t, ingestion.EnsureOutboundStream(ctx, js, zerolog.Nop()))

	stream, err := js.Stream(ctx, ingestion.EventStream)
	require.NoError(t, err)
	before, err := stream.Info(ctx)
	require.NoError(t, err)

	seq := time.Now().UnixNano()
	evt := ingestion.PublishableEvent{
		Sequence:       seq,
		EventType:      "PoolDeposit",
		IdempotencyKey: uuid.NewString(),
		Payload:        json.RawMessage(`{}`),
		StateHash:      "00",
		Timestamp:      time.Now().UTC(),
	}
	in := make(chan ingestion.PublishableEvent, 2)
	in <- evt
	in <- evt
	close(in)
	require.NoError(t, ingestion.NewOutboundPublisher(js, in, nil, zerolog.Nop()).Run(ctx))

	after, err := stream.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.State.Msgs+1, after.State.Msgs)

	msg, err := stream.GetLastMsgForSubject(ctx, ingestion.EventSubjectPrefix+"PoolDeposit")
	require.NoError(t, err)
	var got ingestion.PublishableEvent
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, seq, got.Sequence)
	assert.Equal(t, evt.IdempotencyKey, got.IdempotencyKey)
}
