package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"StratVault-Chain/sdk/go/stratvault"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/deposits", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(stratvault.Position{
			Owner:            "demo",
			AvailableBalance: 10_000,
			TotalDeposited:   10_000,
		})
	})
	mux.HandleFunc("/api/v1/strategies", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]uint64{"strategy_id": 1})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/strategies/1/approve", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(stratvault.Strategy{ID: 1, Owner: "demo", Approved: true})
	})
	mux.HandleFunc("/api/v1/strategies/1/execute", func(w http.ResponseWriter, r *http.Request) {
		strategy := stratvault.Strategy{ID: 1, Owner: "demo", Approved: true, Executed: true}
		_ = json.NewEncoder(w).Encode(stratvault.ExecutionResult{Strategy: &strategy})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := stratvault.NewClient(srv.URL, srv.Client())
	client.SetIdentity("demo")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pos, err := client.Deposit(ctx, "demo", 10_000)
	if err != nil {
		panic(err)
	}
	fmt.Printf("deposited, balance=%d\n", pos.AvailableBalance)

	id, err := client.ProposeStrategy(ctx, "demo", []stratvault.Allocation{
		{DestinationChainID: 1, Target: "aave-v3", AssetID: "vUSD", Amount: 10_000},
	}, 10_000)
	if err != nil {
		panic(err)
	}
	fmt.Printf("proposed strategy %d\n", id)

	if _, err := client.ApproveStrategy(ctx, id); err != nil {
		panic(err)
	}
	fmt.Printf("approved strategy %d\n", id)

	result, err := client.ExecuteStrategy(ctx, id)
	if err != nil {
		panic(err)
	}
	fmt.Printf("executed strategy %d (messages=%v)\n", result.Strategy.ID, result.MessageIDs)
}
