package server_test

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"VaultLedger/internal/core"
	"VaultLedger/internal/event"
	"VaultLedger/internal/query"
	"VaultLedger/internal/server"
	"VaultLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var alice = testutil.Addr(0xa1)

type fixture struct {
	h    *testutil.Harness
	srv  *httptest.Server
	usdc common.Address
	pool common.Address
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	h := testutil.NewHarness(t)
	usdc := h.DeployAsset("USDC")
	pool, _ := h.DeployPool("vault", usdc, "vUSDC", event.PoolSettings{})
	h.Fund(usdc, alice, pool, 5000)

	mux, err := server.NewGatewayMux(&server.ServerDeps{
		Engine:       h.Engine,
		QueryService: query.NewQueryService(nil, h.Engine),
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &fixture{h: h, srv: srv, usdc: usdc, pool: pool}
}

func (f *fixture) post(t *testing.T, body []byte) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(f.srv.URL+"/v1/commands", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (f *fixture) submit(t *testing.T, cmd *event.Command) (int, map[string]any) {
	t.Helper()
	body, err := json.Marshal(cmd)
	require.NoError(t, err)
	return f.post(t, body)
}

func (f *fixture) get(t *testing.T, path string, v any) int {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp.StatusCode
}

func (f *fixture) deposit(amount int64) *event.Command {
	cmd := f.h.Cmd(event.EventTypePoolDeposit, alice)
	cmd.Target = f.pool
	cmd.Amount = big.NewInt(amount)
	return cmd
}

func TestSubmitCommand(t *testing.T) {
	f := newFixture(t)
	cmd := f.deposit(1000)

	code, body := f.submit(t, cmd)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "PoolDeposit", body["kind"])
	assert.Equal(t, false, body["duplicate"])
	assert.NotEmpty(t, body["state_hash"])

	code, body = f.submit(t, cmd)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["duplicate"])

	var acct query.PoolAccountResponse
	code = f.get(t, "/v1/pools/"+f.pool.Hex()+"/accounts/"+alice.Hex(), &acct)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "1000", acct.Shares)
	assert.Equal(t, "1000", acct.Value)
	assert.Equal(t, "0.000000000000001", acct.ValueDisplay)
	require.NotNil(t, acct.LastDeposit)
	assert.Equal(t, f.h.Engine.GetSequence()-1, acct.AsOfSequence)
}

func TestSubmitErrorStatuses(t *testing.T) {
	f := newFixture(t)

	mint := f.h.Cmd(event.EventTypeMintAsset, alice)
	mint.Target = f.usdc
	mint.Account = alice
	mint.Amount = big.NewInt(1)
	reinit := f.h.Cmd(event.EventTypePoolInitialize, f.h.Gov)
	reinit.Target = f.pool
	reinit.Settings = &event.PoolSettings{}

	tests := []struct {
		name   string
		body   func() []byte
		code   int
		reason string
	}{
		{
			name:   "malformed json",
			body:   func() []byte { return []byte(`{"kind":`) },
			code:   http.StatusBadRequest,
			reason: "invalid_command",
		},
		{
			name: "missing amount",
			body: func() []byte {
				cmd := f.deposit(1)
				cmd.Amount = nil
				b, _ := json.Marshal(cmd)
				return b
			},
			code:   http.StatusBadRequest,
			reason: "invalid_command",
		},
		{
			name:   "governance only",
			body:   func() []byte { b, _ := json.Marshal(mint); return b },
			code:   http.StatusForbidden,
			reason: "unauthorized",
		},
		{
			name:   "domain rejection",
			body:   func() []byte { b, _ := json.Marshal(reinit); return b },
			code:   http.StatusUnprocessableEntity,
			reason: "already_initialized",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seq := f.h.Engine.GetSequence()
			code, body := f.post(t, tt.body())
			assert.Equal(t, tt.code, code, body)
			assert.Equal(t, tt.reason, body["reason"])
			assert.Equal(t, seq, f.h.Engine.GetSequence())
		})
	}
}

func TestReadRoutes(t *testing.T) {
	f := newFixture(t)

	var errBody map[string]any
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/v1/pools/nope/accounts/"+alice.Hex(), &errBody))
	assert.Equal(t, "invalid_parameter", errBody["reason"])

	unknown := testutil.Addr(0xfeed)
	assert.Equal(t, http.StatusNotFound, f.get(t, "/v1/insurance/"+unknown.Hex()+"/claims", &errBody))
	assert.Equal(t, "unknown_entity", errBody["reason"])

	// projection-backed routes need a database
	assert.Equal(t, http.StatusServiceUnavailable, f.get(t, "/v1/vehicles/"+unknown.Hex(), &errBody))
	assert.Equal(t, http.StatusServiceUnavailable, f.get(t, "/v1/admin/event-log", &errBody))

	var tip query.StateHashResponse
	require.Equal(t, http.StatusOK, f.get(t, "/v1/admin/state-hash", &tip))
	hash := f.h.Engine.GetStateHash()
	assert.Equal(t, hex.EncodeToString(hash[:]), tip.StateHash)
	assert.Equal(t, f.h.Engine.GetSequence()-1, tip.LastSequence)
}

func TestClosedEngineIsUnavailable(t *testing.T) {
	f := newFixture(t)
	f.h.Engine.Close()

	code, body := f.submit(t, f.deposit(10))
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, core.ErrClosed.Error(), body["error"])
}
