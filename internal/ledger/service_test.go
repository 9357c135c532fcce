package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"StratVault-Chain/internal/accesscontrol"
	"StratVault-Chain/internal/oracle"
)

func newTestService(t *testing.T, opts ...Option) (*Service, *accesscontrol.Registry) {
	t.Helper()
	acl := accesscontrol.NewRegistry("owner")
	if err := acl.Bind("owner", accesscontrol.RoleRouter, "router"); err != nil {
		t.Fatalf("bind router role: %v", err)
	}
	return NewService(NewMemoryStore(), acl, opts...), acl
}

func TestServiceDepositWithdraw(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	pos, err := svc.Deposit(ctx, "alice", 10_000)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if pos.AvailableBalance != 10_000 {
		t.Fatalf("expected balance 10000, got %d", pos.AvailableBalance)
	}
	if svc.Custody() != 10_000 {
		t.Fatalf("expected custody 10000, got %d", svc.Custody())
	}

	if _, err := svc.Deposit(ctx, "alice", 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}

	pos, err = svc.Withdraw(ctx, "alice", 4_000)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if pos.AvailableBalance != 6_000 {
		t.Fatalf("expected balance 6000, got %d", pos.AvailableBalance)
	}
	if svc.Custody() != 6_000 {
		t.Fatalf("expected custody 6000, got %d", svc.Custody())
	}

	if _, err := svc.Withdraw(ctx, "alice", 6_001); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if svc.Custody() != 6_000 {
		t.Fatalf("failed withdraw must not change custody, got %d", svc.Custody())
	}
}

func TestServiceProposeStrategyValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Deposit(ctx, "alice", 10_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	allocations := []Allocation{
		{DestinationChainID: 1, Target: "aave-v3", AssetID: "vUSD", Amount: 6_000},
		{DestinationChainID: 137, Target: "compound-v3", AssetID: "vUSD", Amount: 4_000},
	}

	// 非 Router 身份不能提案
	if _, err := svc.ProposeStrategy(ctx, "alice", "alice", allocations, 10_000); !errors.Is(err, accesscontrol.ErrOnlyRouter) {
		t.Fatalf("expected only router, got %v", err)
	}

	// 分配明细与总额不一致
	if _, err := svc.ProposeStrategy(ctx, "router", "alice", allocations, 9_999); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount for sum mismatch, got %v", err)
	}

	// 含非正数分配
	bad := append([]Allocation{{DestinationChainID: 1, Target: "x", AssetID: "vUSD", Amount: 0}}, allocations...)
	if _, err := svc.ProposeStrategy(ctx, "router", "alice", bad, 10_000); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount for zero allocation, got %v", err)
	}

	// 超出可用余额
	if _, err := svc.ProposeStrategy(ctx, "router", "alice", []Allocation{{DestinationChainID: 1, Target: "x", AssetID: "vUSD", Amount: 10_001}}, 10_001); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}

	id, err := svc.ProposeStrategy(ctx, "router", "alice", allocations, 10_000)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if id != 1 {
		t.Fatalf("expected first strategy id 1, got %d", id)
	}

	strategy, err := svc.GetStrategy(ctx, id)
	if err != nil {
		t.Fatalf("get strategy: %v", err)
	}
	if strategy.Status() != StatusProposed {
		t.Fatalf("expected proposed status, got %s", strategy.Status())
	}
}

func TestServiceApproveRequiresStrategyOwner(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Deposit(ctx, "alice", 1_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	id, err := svc.ProposeStrategy(ctx, "router", "alice", sampleAllocations(1_000), 1_000)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	if _, err := svc.ApproveStrategy(ctx, "bob", id); !errors.Is(err, accesscontrol.ErrOnlyOwner) {
		t.Fatalf("expected only owner, got %v", err)
	}

	// 属主批准，大小写不敏感
	approved, err := svc.ApproveStrategy(ctx, "Alice", id)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status() != StatusApproved {
		t.Fatalf("expected approved status, got %s", approved.Status())
	}

	// 重复批准幂等
	if _, err := svc.ApproveStrategy(ctx, "alice", id); err != nil {
		t.Fatalf("repeated approve: %v", err)
	}
}

func TestServiceExecuteStrategyLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Deposit(ctx, "alice", 10_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	id, err := svc.ProposeStrategy(ctx, "router", "alice", sampleAllocations(8_000), 8_000)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	// 未批准不能执行
	if _, err := svc.ExecuteStrategy(ctx, "router", id); !errors.Is(err, ErrStrategyNotApproved) {
		t.Fatalf("expected not approved, got %v", err)
	}
	if _, err := svc.ApproveStrategy(ctx, "alice", id); err != nil {
		t.Fatalf("approve: %v", err)
	}

	// 非 Router 身份不能执行
	if _, err := svc.ExecuteStrategy(ctx, "alice", id); !errors.Is(err, accesscontrol.ErrOnlyRouter) {
		t.Fatalf("expected only router, got %v", err)
	}

	executed, err := svc.ExecuteStrategy(ctx, "router", id)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if executed.Status() != StatusExecuted {
		t.Fatalf("expected executed status, got %s", executed.Status())
	}
	if svc.Custody() != 2_000 {
		t.Fatalf("expected custody 2000 after handoff, got %d", svc.Custody())
	}

	pos, err := svc.GetPosition(ctx, "alice")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if pos.AvailableBalance != 2_000 || pos.ActiveStrategyID != id {
		t.Fatalf("unexpected position after execution: %+v", pos)
	}

	// 重复执行失败且不重复扣款
	if _, err := svc.ExecuteStrategy(ctx, "router", id); !errors.Is(err, ErrStrategyAlreadyExecuted) {
		t.Fatalf("expected already executed, got %v", err)
	}
	pos, _ = svc.GetPosition(ctx, "alice")
	if pos.AvailableBalance != 2_000 {
		t.Fatalf("repeated execution must not change balance, got %d", pos.AvailableBalance)
	}
}

func TestServiceExecuteAfterInterimWithdraw(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Deposit(ctx, "alice", 10_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	id, err := svc.ProposeStrategy(ctx, "router", "alice", sampleAllocations(8_000), 8_000)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if _, err := svc.ApproveStrategy(ctx, "alice", id); err != nil {
		t.Fatalf("approve: %v", err)
	}

	// 执行前属主又提走了资金，执行时重新校验余额
	if _, err := svc.Withdraw(ctx, "alice", 5_000); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if _, err := svc.ExecuteStrategy(ctx, "router", id); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance at execution, got %v", err)
	}

	strategy, err := svc.GetStrategy(ctx, id)
	if err != nil {
		t.Fatalf("get strategy: %v", err)
	}
	if strategy.Executed {
		t.Fatalf("failed execution must not set executed flag")
	}
	pos, _ := svc.GetPosition(ctx, "alice")
	if pos.AvailableBalance != 5_000 {
		t.Fatalf("failed execution must not change balance, got %d", pos.AvailableBalance)
	}
}

func TestServiceReturnFundsAndRevert(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Deposit(ctx, "alice", 5_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	id, err := svc.ProposeStrategy(ctx, "router", "alice", sampleAllocations(5_000), 5_000)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if _, err := svc.ApproveStrategy(ctx, "alice", id); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := svc.ExecuteStrategy(ctx, "router", id); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if svc.Custody() != 0 {
		t.Fatalf("expected custody drained, got %d", svc.Custody())
	}

	// Router 归还一部分资金
	pos, err := svc.ReturnFunds(ctx, "router", "alice", 2_000)
	if err != nil {
		t.Fatalf("return funds: %v", err)
	}
	if pos.AvailableBalance != 2_000 || pos.TotalDeposited != 5_000 {
		t.Fatalf("unexpected position after return: %+v", pos)
	}
	if svc.Custody() != 2_000 {
		t.Fatalf("expected custody 2000 after return, got %d", svc.Custody())
	}

	// 回滚只对 Router 开放，系统属主也不行
	if err := svc.RevertExecution(ctx, "owner", id); !errors.Is(err, accesscontrol.ErrOnlyRouter) {
		t.Fatalf("expected only router for revert, got %v", err)
	}
}

func TestServiceValidatePeg(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	cases := []struct {
		name  string
		price *big.Int
		want  bool
	}{
		{"exact peg", big.NewInt(100_000_000), true},
		{"inside upper", big.NewInt(100_900_000), true},
		{"inside lower", big.NewInt(99_100_000), true},
		{"depeg low", big.NewInt(90_000_000), false},
		{"depeg high", big.NewInt(110_000_000), false},
		{"exact lower bound excluded", big.NewInt(99_000_000), false},
		{"exact upper bound excluded", big.NewInt(101_000_000), false},
		{"zero price", big.NewInt(0), false},
	}
	for _, tc := range cases {
		feed := oracle.NewStaticFeed(tc.price, now, 8)
		svc, _ := newTestService(t, WithPriceFeed(feed))
		ok, err := svc.ValidatePeg(ctx)
		if err != nil {
			t.Fatalf("%s: validate peg: %v", tc.name, err)
		}
		if ok != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, ok)
		}
	}
}

func TestServiceValidatePegStale(t *testing.T) {
	feed := oracle.NewStaticFeed(big.NewInt(100_000_000), time.Now().Add(-2*time.Hour), 8)
	svc, _ := newTestService(t, WithPriceFeed(feed))

	if _, err := svc.ValidatePeg(context.Background()); !errors.Is(err, ErrStalePriceFeed) {
		t.Fatalf("expected stale price feed, got %v", err)
	}

	// 自定义时效窗口
	svc2, _ := newTestService(t, WithPriceFeed(feed), WithMaxPriceAge(3*time.Hour))
	ok, err := svc2.ValidatePeg(context.Background())
	if err != nil {
		t.Fatalf("validate peg within custom window: %v", err)
	}
	if !ok {
		t.Fatalf("expected peg valid inside custom window")
	}
}
