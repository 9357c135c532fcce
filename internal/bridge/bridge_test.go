package bridge

import (
	"context"
	"errors"
	"testing"

	"StratVault-Chain/internal/accesscontrol"
)

func newTestBridge(t *testing.T, transport Sender) (*Service, *accesscontrol.Registry) {
	t.Helper()
	acl := accesscontrol.NewRegistry("owner")
	if err := acl.Bind("owner", accesscontrol.RoleRouter, "router"); err != nil {
		t.Fatalf("bind router role: %v", err)
	}
	if err := acl.Bind("owner", accesscontrol.RoleTransport, "relay"); err != nil {
		t.Fatalf("bind transport role: %v", err)
	}
	return NewService(acl, transport, NewMemoryProcessedSet(), 1), acl
}

func TestConfigureChainOwnerOnly(t *testing.T) {
	svc, _ := newTestBridge(t, NewMemoryTransport(8))
	ctx := context.Background()

	if err := svc.ConfigureChain(ctx, "alice", 137, "0xreceiver"); !errors.Is(err, accesscontrol.ErrOnlyOwner) {
		t.Fatalf("expected only owner, got %v", err)
	}
	if err := svc.ConfigureChain(ctx, "owner", 137, ""); !errors.Is(err, ErrInvalidReceiver) {
		t.Fatalf("expected invalid receiver, got %v", err)
	}
	if err := svc.ConfigureChain(ctx, "owner", 137, "0xreceiver"); err != nil {
		t.Fatalf("configure chain: %v", err)
	}
	if err := svc.ValidateRoute(137); err != nil {
		t.Fatalf("validate route: %v", err)
	}

	// 禁用只翻转标记，接收方保留
	if err := svc.DisableChain(ctx, "owner", 137); err != nil {
		t.Fatalf("disable chain: %v", err)
	}
	if err := svc.ValidateRoute(137); !errors.Is(err, ErrChainNotAllowed) {
		t.Fatalf("expected chain not allowed, got %v", err)
	}
	routes := svc.Routes()
	if len(routes) != 1 || routes[0].RemoteReceiver != "0xreceiver" {
		t.Fatalf("receiver must be retained after disable: %+v", routes)
	}
}

func TestBridgeTokensChainNotAllowed(t *testing.T) {
	transport := NewMemoryTransport(8)
	svc, _ := newTestBridge(t, transport)
	ctx := context.Background()

	if _, err := svc.BridgeTokens(ctx, "router", 999, 1_000, []byte("p")); !errors.Is(err, ErrChainNotAllowed) {
		t.Fatalf("expected chain not allowed, got %v", err)
	}
	// 路由校验失败时不拉取任何资产
	if svc.BaseBalance() != 0 {
		t.Fatalf("no asset must be pulled, got %d", svc.BaseBalance())
	}
	if err := transport.Drain(ctx, func(context.Context, Message) error {
		t.Fatalf("no message must be sent")
		return nil
	}); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func TestBridgeTokensFeeCheck(t *testing.T) {
	transport := NewMemoryTransport(8)
	transport.FlatFee = 10
	svc, _ := newTestBridge(t, transport)
	ctx := context.Background()

	if err := svc.ConfigureChain(ctx, "owner", 137, "0xreceiver"); err != nil {
		t.Fatalf("configure chain: %v", err)
	}

	if _, err := svc.BridgeTokens(ctx, "router", 137, 1_000, []byte("p")); !errors.Is(err, ErrInsufficientFees) {
		t.Fatalf("expected insufficient fees, got %v", err)
	}

	if err := svc.FundFees(ctx, "owner", 100); err != nil {
		t.Fatalf("fund fees: %v", err)
	}
	messageID, err := svc.BridgeTokens(ctx, "router", 137, 1_000, []byte("p"))
	if err != nil {
		t.Fatalf("bridge tokens: %v", err)
	}
	if messageID == "" {
		t.Fatalf("expected a transport-issued message id")
	}
	// fee = 10 + len("p")
	if got := svc.FeeBalance(); got != 89 {
		t.Fatalf("expected fee balance 89, got %d", got)
	}
	if svc.BaseBalance() != 0 {
		t.Fatalf("sent amount must leave bridge custody, got %d", svc.BaseBalance())
	}
}

func TestBridgeTokensDistinctMessageIDs(t *testing.T) {
	transport := NewMemoryTransport(8)
	svc, _ := newTestBridge(t, transport)
	ctx := context.Background()

	if err := svc.ConfigureChain(ctx, "owner", 137, "0xreceiver"); err != nil {
		t.Fatalf("configure chain: %v", err)
	}
	if err := svc.FundFees(ctx, "owner", 1_000); err != nil {
		t.Fatalf("fund fees: %v", err)
	}

	first, err := svc.BridgeTokens(ctx, "router", 137, 100, []byte("payload-a"))
	if err != nil {
		t.Fatalf("first bridge: %v", err)
	}
	second, err := svc.BridgeTokens(ctx, "router", 137, 200, []byte("payload-b"))
	if err != nil {
		t.Fatalf("second bridge: %v", err)
	}
	if first == second {
		t.Fatalf("message ids must be distinct, both %s", first)
	}
}

func TestReceiveMessageExactlyOnce(t *testing.T) {
	svc, _ := newTestBridge(t, NewMemoryTransport(8))
	ctx := context.Background()

	msg := Message{ID: "msg-1", SourceChainID: 137, Sender: "remote-vault", Amount: 4_000}

	// 只接受可信传输身份
	if err := svc.ReceiveMessage(ctx, "alice", msg); !errors.Is(err, accesscontrol.ErrOnlyRouter) {
		t.Fatalf("expected gated receive, got %v", err)
	}
	if err := svc.ReceiveMessage(ctx, "owner", msg); !errors.Is(err, accesscontrol.ErrOnlyRouter) {
		t.Fatalf("owner identity must not bypass transport gate, got %v", err)
	}

	if err := svc.ReceiveMessage(ctx, "relay", msg); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if svc.InboundTotal() != 4_000 || svc.BaseBalance() != 4_000 {
		t.Fatalf("unexpected balances after receive: inbound %d base %d", svc.InboundTotal(), svc.BaseBalance())
	}

	// 重放同一消息 ID 不再入账
	if err := svc.ReceiveMessage(ctx, "relay", msg); !errors.Is(err, ErrMessageAlreadyProcessed) {
		t.Fatalf("expected already processed, got %v", err)
	}
	if svc.InboundTotal() != 4_000 {
		t.Fatalf("replay must not re-credit, got %d", svc.InboundTotal())
	}
}

func TestInboundRelayDeduplicatesAtLeastOnceDelivery(t *testing.T) {
	transport := NewMemoryTransport(8)
	transport.DeliverTwice = true
	svc, _ := newTestBridge(t, transport)
	ctx := context.Background()

	if err := svc.ConfigureChain(ctx, "owner", 137, "0xreceiver"); err != nil {
		t.Fatalf("configure chain: %v", err)
	}
	if err := svc.FundFees(ctx, "owner", 1_000); err != nil {
		t.Fatalf("fund fees: %v", err)
	}
	if _, err := svc.BridgeTokens(ctx, "router", 137, 2_500, []byte("p")); err != nil {
		t.Fatalf("bridge tokens: %v", err)
	}

	relay := NewInboundRelay(svc, transport, "relay")
	if err := transport.Drain(ctx, relay.handle); err != nil {
		t.Fatalf("drain: %v", err)
	}

	// 两次投递只入账一次
	if svc.InboundTotal() != 2_500 {
		t.Fatalf("expected single credit of 2500, got %d", svc.InboundTotal())
	}
}

func TestSweepBalances(t *testing.T) {
	svc, _ := newTestBridge(t, NewMemoryTransport(8))
	ctx := context.Background()

	if err := svc.FundFees(ctx, "owner", 500); err != nil {
		t.Fatalf("fund fees: %v", err)
	}
	msg := Message{ID: "msg-1", SourceChainID: 137, Amount: 300}
	if err := svc.ReceiveMessage(ctx, "relay", msg); err != nil {
		t.Fatalf("receive: %v", err)
	}

	if _, err := svc.SweepFees(ctx, "alice"); !errors.Is(err, accesscontrol.ErrOnlyOwner) {
		t.Fatalf("expected only owner, got %v", err)
	}
	fees, err := svc.SweepFees(ctx, "owner")
	if err != nil {
		t.Fatalf("sweep fees: %v", err)
	}
	if fees != 500 || svc.FeeBalance() != 0 {
		t.Fatalf("unexpected fee sweep: %d / %d", fees, svc.FeeBalance())
	}

	base, err := svc.SweepBase(ctx, "owner")
	if err != nil {
		t.Fatalf("sweep base: %v", err)
	}
	if base != 300 || svc.BaseBalance() != 0 {
		t.Fatalf("unexpected base sweep: %d / %d", base, svc.BaseBalance())
	}
}
