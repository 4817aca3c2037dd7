package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"VaultLedger/internal/core"
	"VaultLedger/internal/errs"
	"VaultLedger/internal/event"
	"VaultLedger/internal/ingestion"
	"VaultLedger/internal/projection"

	"github.com/ethereum/go-ethereum/common"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
)

const maxCommandBytes = 1 << 20

type route struct {
	method  string
	pattern string
	name    string
	handler func(w http.ResponseWriter, r *http.Request, params map[string]string) (any, error)
}

// NewGatewayMux registers the JSON API on a gateway ServeMux.
func NewGatewayMux(deps *ServerDeps) (*runtime.ServeMux, error) {
	h := &handlers{deps: deps}
	mux := runtime.NewServeMux()

	routes := []route{
		{http.MethodPost, "/v1/commands", "submit_command", h.submitCommand},
		{http.MethodGet, "/v1/vehicles/{address}", "get_vehicle", h.getVehicle},
		{http.MethodGet, "/v1/pools/{address}", "get_pool", h.getPool},
		{http.MethodGet, "/v1/pools/{address}/accounts/{account}", "get_pool_account", h.getPoolAccount},
		{http.MethodGet, "/v1/insurance/{address}/claims", "get_claims", h.getClaims},
		{http.MethodGet, "/v1/assets/{asset}/balances/{account}", "get_balance", h.getBalance},
		{http.MethodGet, "/v1/accounts/{account}/journals", "list_journals", h.listJournals},
		{http.MethodGet, "/v1/admin/state-hash", "state_hash", h.stateHash},
		{http.MethodGet, "/v1/admin/event-log", "event_log_info", h.eventLogInfo},
		{http.MethodGet, "/v1/admin/integrity", "verify_integrity", h.verifyIntegrity},
		{http.MethodPost, "/v1/admin/snapshots", "take_snapshot", h.takeSnapshot},
		{http.MethodPost, "/v1/admin/projections/rebuild", "rebuild_projections", h.rebuildProjections},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, h.wrap(rt)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return mux, nil
}

type handlers struct {
	deps *ServerDeps
}

// errUnavailable marks routes whose backing store is not configured.
var errUnavailable = errors.New("not available")

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

func (h *handlers) wrap(rt route) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		m := h.deps.Metrics
		if m != nil {
			m.QueryRequests.WithLabelValues(rt.name).Inc()
		}

		resp, err := rt.handler(w, r, params)

		if m != nil {
			m.QueryDuration.WithLabelValues(rt.name).Observe(time.Since(start).Seconds())
		}
		if err != nil {
			code := statusFor(err)
			if m != nil {
				m.QueryErrors.WithLabelValues(rt.name, strconv.Itoa(code)).Inc()
			}
			if code == http.StatusInternalServerError {
				h.deps.Logger.Error().Err(err).Str("route", rt.name).Msg("request failed")
			}
			reason := errs.Reason(err)
			if errors.Is(err, event.ErrInvalidCommand) {
				reason = "invalid_command"
			}
			writeJSON(w, code, errorBody{Error: err.Error(), Reason: reason})
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, event.ErrInvalidCommand), errors.Is(err, errs.ErrInvalidParameter):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrUnknownEntity):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, errUnavailable), errors.Is(err, core.ErrClosed):
		return http.StatusServiceUnavailable
	case errs.Reason(err) != "internal" && !errors.Is(err, errs.ErrInvariantViolated):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func addressParam(params map[string]string, name string) (common.Address, error) {
	s := params[name]
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %s %q is not an address", errs.ErrInvalidParameter, name, s)
	}
	return common.HexToAddress(s), nil
}

func (h *handlers) submitCommand(w http.ResponseWriter, r *http.Request, _ map[string]string) (any, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", event.ErrInvalidCommand, err)
	}
	cmd, err := ingestion.ParseCommand(body)
	if err != nil {
		return nil, err
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	return h.deps.Engine.Execute(r.Context(), cmd)
}

func (h *handlers) getVehicle(w http.ResponseWriter, r *http.Request, params map[string]string) (any, error) {
	addr, err := addressParam(params, "address")
	if err != nil {
		return nil, err
	}
	if h.deps.DB == nil {
		return nil, errUnavailable
	}
	return h.deps.QueryService.GetVehicle(r.Context(), addr)
}

func (h *handlers) getPool(w http.ResponseWriter, r *http.Request, params map[string]string) (any, error) {
	addr, err := addressParam(params, "address")
	if err != nil {
		return nil, err
	}
	if h.deps.DB == nil {
		return nil, errUnavailable
	}
	return h.deps.QueryService.GetPool(r.Context(), addr)
}

func (h *handlers) getPoolAccount(w http.ResponseWriter, r *http.Request, params map[string]string) (any, error) {
	addr, err := addressParam(params, "address")
	if err != nil {
		return nil, err
	}
	account, err := addressParam(params, "account")
	if err != nil {
		return nil, err
	}
	return h.deps.QueryService.GetPoolAccount(r.Context(), addr, account)
}

func (h *handlers) getClaims(w http.ResponseWriter, r *http.Request, params map[string]string) (any, error) {
	addr, err := addressParam(params, "address")
	if err != nil {
		return nil, err
	}
	return h.deps.QueryService.GetClaims(r.Context(), addr)
}

func (h *handlers) getBalance(w http.ResponseWriter, r *http.Request, params map[string]string) (any, error) {
	asset, err := addressParam(params, "asset")
	if err != nil {
		return nil, err
	}
	account, err := addressParam(params, "account")
	if err != nil {
		return nil, err
	}
	if h.deps.DB == nil {
		return nil, errUnavailable
	}
	return h.deps.QueryService.GetBalance(r.Context(), asset, account)
}

func (h *handlers) listJournals(w http.ResponseWriter, r *http.Request, params map[string]string) (any, error) {
	account, err := addressParam(params, "account")
	if err != nil {
		return nil, err
	}
	if h.deps.DB == nil {
		return nil, errUnavailable
	}

	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: limit %q", errs.ErrInvalidParameter, s)
		}
		limit = min(n, 500)
	}
	var before *int64
	if s := r.URL.Query().Get("before_sequence"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: before_sequence %q", errs.ErrInvalidParameter, s)
		}
		before = &n
	}
	return h.deps.QueryService.GetJournalHistory(r.Context(), account, limit, before)
}

func (h *handlers) stateHash(w http.ResponseWriter, r *http.Request, _ map[string]string) (any, error) {
	return h.deps.QueryService.GetStateHash(r.Context()), nil
}

func (h *handlers) eventLogInfo(w http.ResponseWriter, r *http.Request, _ map[string]string) (any, error) {
	if h.deps.SnapshotMgr == nil {
		return nil, errUnavailable
	}
	latest, err := h.deps.SnapshotMgr.GetLatestSequence(r.Context())
	if err != nil {
		return nil, err
	}
	return map[string]int64{"last_sequence": latest}, nil
}

func (h *handlers) verifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) (any, error) {
	if h.deps.DB == nil {
		return nil, errUnavailable
	}
	return h.deps.QueryService.VerifyIntegrity(r.Context())
}

func (h *handlers) takeSnapshot(w http.ResponseWriter, r *http.Request, _ map[string]string) (any, error) {
	if h.deps.TakeSnapshot == nil {
		return nil, errUnavailable
	}
	seq, err := h.deps.TakeSnapshot(r.Context())
	if err != nil {
		return nil, err
	}
	return map[string]int64{"sequence": seq}, nil
}

func (h *handlers) rebuildProjections(w http.ResponseWriter, r *http.Request, _ map[string]string) (any, error) {
	if h.deps.DB == nil {
		return nil, errUnavailable
	}
	if err := projection.RebuildBalances(r.Context(), h.deps.DB, h.deps.Logger); err != nil {
		return nil, err
	}
	return map[string]bool{"rebuilt": true}, nil
}
