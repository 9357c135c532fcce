package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"StratVault-Chain/internal/accesscontrol"
	"StratVault-Chain/internal/bridge"
	"StratVault-Chain/internal/ledger"
	"StratVault-Chain/internal/router"
)

func newTestServer(t *testing.T) (*Server, *router.MemoryAdapter) {
	t.Helper()
	acl := accesscontrol.NewRegistry("owner")
	if err := acl.Bind("owner", accesscontrol.RoleRouter, "router"); err != nil {
		t.Fatalf("bind router role: %v", err)
	}
	if err := acl.Bind("owner", accesscontrol.RoleLedger, "ledger"); err != nil {
		t.Fatalf("bind ledger role: %v", err)
	}
	if err := acl.Bind("owner", accesscontrol.RoleTransport, "relay"); err != nil {
		t.Fatalf("bind transport role: %v", err)
	}

	ledgerSvc := ledger.NewService(ledger.NewMemoryStore(), acl)
	bridgeSvc := bridge.NewService(acl, bridge.NewMemoryTransport(8), bridge.NewMemoryProcessedSet(), 1)
	routerSvc := router.NewRouter(acl, ledgerSvc, "router", router.WithBridge(bridgeSvc))

	adapter := router.NewMemoryAdapter("aave-v3")
	if err := routerSvc.ConfigureProtocol(t.Context(), "owner", "aave-v3", adapter); err != nil {
		t.Fatalf("configure protocol: %v", err)
	}
	return NewServer(":0", ledgerSvc, routerSvc, bridgeSvc), adapter
}

func doRequest(t *testing.T, srv *Server, method, path, identity string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if identity != "" {
		req.Header.Set(identityHeader, identity)
	}
	recorder := httptest.NewRecorder()
	srv.mux().ServeHTTP(recorder, req)
	return recorder
}

func TestDepositWithdrawEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doRequest(t, srv, http.MethodPost, "/api/v1/deposits", "", amountRequest{Owner: "alice", Amount: 10_000})
	if resp.Code != http.StatusOK {
		t.Fatalf("deposit status %d: %s", resp.Code, resp.Body.String())
	}
	var pos ledger.Position
	if err := json.Unmarshal(resp.Body.Bytes(), &pos); err != nil {
		t.Fatalf("decode position: %v", err)
	}
	if pos.AvailableBalance != 10_000 {
		t.Fatalf("expected balance 10000, got %d", pos.AvailableBalance)
	}

	// 余额不足返回 422
	resp = doRequest(t, srv, http.MethodPost, "/api/v1/withdrawals", "", amountRequest{Owner: "alice", Amount: 20_000})
	if resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", resp.Code, resp.Body.String())
	}
	var body errorBody
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error.Code != string(ledger.CodeInsufficientBalance) {
		t.Fatalf("unexpected error code %s", body.Error.Code)
	}

	// 非法金额返回 400
	resp = doRequest(t, srv, http.MethodPost, "/api/v1/deposits", "", amountRequest{Owner: "alice", Amount: 0})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}

	resp = doRequest(t, srv, http.MethodGet, "/api/v1/positions/alice", "", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("get position status %d", resp.Code)
	}
}

func TestStrategyLifecycleEndpoints(t *testing.T) {
	srv, adapter := newTestServer(t)

	if resp := doRequest(t, srv, http.MethodPost, "/api/v1/deposits", "", amountRequest{Owner: "alice", Amount: 10_000}); resp.Code != http.StatusOK {
		t.Fatalf("deposit status %d", resp.Code)
	}

	propose := proposeRequest{
		Owner: "alice",
		Allocations: []ledger.Allocation{
			{DestinationChainID: 0, Target: "aave-v3", AssetID: "vUSD", Amount: 10_000, ExpectedYieldBps: 420},
		},
		TotalAmount: 10_000,
	}

	// 未授权身份不能提案
	resp := doRequest(t, srv, http.MethodPost, "/api/v1/strategies", "alice", propose)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for unauthorized proposer, got %d", resp.Code)
	}

	resp = doRequest(t, srv, http.MethodPost, "/api/v1/strategies", "router", propose)
	if resp.Code != http.StatusCreated {
		t.Fatalf("propose status %d: %s", resp.Code, resp.Body.String())
	}
	var created proposeResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode propose response: %v", err)
	}
	if created.StrategyID != 1 {
		t.Fatalf("expected strategy id 1, got %d", created.StrategyID)
	}

	// 未批准就执行返回 409
	resp = doRequest(t, srv, http.MethodPost, "/api/v1/strategies/1/execute", "owner", nil)
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 before approval, got %d: %s", resp.Code, resp.Body.String())
	}

	resp = doRequest(t, srv, http.MethodPost, "/api/v1/strategies/1/approve", "alice", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("approve status %d: %s", resp.Code, resp.Body.String())
	}

	resp = doRequest(t, srv, http.MethodPost, "/api/v1/strategies/1/execute", "owner", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("execute status %d: %s", resp.Code, resp.Body.String())
	}
	var executed executeResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &executed); err != nil {
		t.Fatalf("decode execute response: %v", err)
	}
	if !executed.Strategy.Executed {
		t.Fatalf("expected executed strategy")
	}
	if adapter.Supplied("vUSD") != 10_000 {
		t.Fatalf("expected adapter to hold 10000, got %d", adapter.Supplied("vUSD"))
	}

	// 重复执行返回 409
	resp = doRequest(t, srv, http.MethodPost, "/api/v1/strategies/1/execute", "owner", nil)
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 for repeated execution, got %d", resp.Code)
	}

	resp = doRequest(t, srv, http.MethodGet, "/api/v1/strategies?owner=alice&status=executed", "", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("list status %d", resp.Code)
	}
	var listed []*ledger.Strategy
	if err := json.Unmarshal(resp.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != 1 {
		t.Fatalf("unexpected list result: %+v", listed)
	}

	resp = doRequest(t, srv, http.MethodGet, "/api/v1/stats", "", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("stats status %d", resp.Code)
	}
	var stats statsResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Ledger.Executed != 1 || stats.Ledger.ExecutedVolume != 10_000 {
		t.Fatalf("unexpected stats: %+v", stats.Ledger)
	}
}

func TestStrategyNotFoundEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doRequest(t, srv, http.MethodGet, "/api/v1/strategies/99", "", nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", resp.Code, resp.Body.String())
	}
	var body errorBody
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error.Code != string(ledger.CodeStrategyNotFound) {
		t.Fatalf("unexpected error code %s", body.Error.Code)
	}
}
