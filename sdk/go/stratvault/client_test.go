package stratvault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDepositSendsIdentityHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/deposits" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		if got := r.Header.Get("X-Caller-Identity"); got != "alice" {
			t.Fatalf("expected identity alice, got %q", got)
		}
		var req struct {
			Owner  string `json:"owner"`
			Amount int64  `json:"amount"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(Position{
			Owner:            req.Owner,
			AvailableBalance: req.Amount,
			TotalDeposited:   req.Amount,
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	client.SetIdentity("alice")

	pos, err := client.Deposit(context.Background(), "alice", 10_000)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if pos.AvailableBalance != 10_000 {
		t.Fatalf("expected balance 10000, got %d", pos.AvailableBalance)
	}
}

func TestStrategyLifecycleCalls(t *testing.T) {
	executed := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v1/strategies" && r.Method == http.MethodPost:
			var req struct {
				Owner       string       `json:"owner"`
				Allocations []Allocation `json:"allocations"`
				TotalAmount int64        `json:"total_amount"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("unexpected body: %v", err)
			}
			if req.TotalAmount != 5_000 || len(req.Allocations) != 1 {
				t.Fatalf("unexpected submission: %+v", req)
			}
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]uint64{"strategy_id": 7})
		case r.URL.Path == "/api/v1/strategies/7/approve" && r.Method == http.MethodPost:
			_ = json.NewEncoder(w).Encode(Strategy{ID: 7, Approved: true})
		case r.URL.Path == "/api/v1/strategies/7/execute" && r.Method == http.MethodPost:
			executed = true
			_ = json.NewEncoder(w).Encode(ExecutionResult{
				Strategy:   &Strategy{ID: 7, Approved: true, Executed: true},
				MessageIDs: []string{"msg-1"},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	client.SetIdentity("router")

	id, err := client.ProposeStrategy(context.Background(), "alice", []Allocation{
		{DestinationChainID: 1, Target: "aave-v3", AssetID: "vUSD", Amount: 5_000},
	}, 5_000)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if id != 7 {
		t.Fatalf("expected strategy id 7, got %d", id)
	}

	if _, err := client.ApproveStrategy(context.Background(), 7); err != nil {
		t.Fatalf("approve: %v", err)
	}

	result, err := client.ExecuteStrategy(context.Background(), 7)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !executed {
		t.Fatal("execute endpoint was not hit")
	}
	if !result.Strategy.Executed || len(result.MessageIDs) != 1 {
		t.Fatalf("unexpected execution result: %+v", result)
	}
}

func TestListStrategiesQueryEncoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/strategies" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("owner") != "alice" || q.Get("status") != "approved,executed" || q.Get("limit") != "5" {
			t.Fatalf("unexpected query: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode([]Strategy{{ID: 2, Owner: "alice", Approved: true}})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	strategies, err := client.ListStrategies(context.Background(), ListStrategiesQuery{
		Owner:    "alice",
		Statuses: []string{"approved", "executed"},
		Limit:    5,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(strategies) != 1 || strategies[0].ID != 2 {
		t.Fatalf("unexpected strategies: %+v", strategies)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(struct {
			Error APIError `json:"error"`
		}{Error: APIError{Code: "INSUFFICIENT_BALANCE", Message: "not enough funds"}})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	_, err := client.Withdraw(context.Background(), "alice", 1_000_000)
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("unexpected status: %d", apiErr.StatusCode)
	}
	if apiErr.Code != "INSUFFICIENT_BALANCE" {
		t.Fatalf("unexpected error code: %s", apiErr.Code)
	}
}
