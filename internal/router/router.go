package router

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"StratVault-Chain/internal/accesscontrol"
	xerrors "StratVault-Chain/internal/errors"
	"StratVault-Chain/internal/ledger"
	"StratVault-Chain/internal/observability/alerting"
	"StratVault-Chain/internal/observability/metrics"
	"StratVault-Chain/pkg/logger"
)

// 调度层错误码
const (
	CodeProtocolNotActive xerrors.Code = "PROTOCOL_NOT_ACTIVE"
	CodeInsufficientFunds xerrors.Code = "INSUFFICIENT_FUNDS"
	CodeCustodyShortfall  xerrors.Code = "CUSTODY_SHORTFALL"
)

var (
	// ErrProtocolNotActive 表示目标协议未配置或已禁用。
	ErrProtocolNotActive = xerrors.New(CodeProtocolNotActive, "protocol is not active")
	// ErrInsufficientFunds 表示 Router 当前托管的资金不足。
	ErrInsufficientFunds = xerrors.New(CodeInsufficientFunds, "router holdings are insufficient")
)

func init() {
	xerrors.Register(CodeProtocolNotActive, xerrors.Attributes{
		Message:   "protocol is not active",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInsufficientFunds, xerrors.Attributes{
		Message:   "router holdings are insufficient",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeCustodyShortfall, xerrors.Attributes{
		Message:   "custody cannot be fully recovered",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// BridgeDispatcher 是 Router 依赖的跨链发送能力。
type BridgeDispatcher interface {
	// ValidateRoute 校验目标链已启用且配置了远端接收方。
	ValidateRoute(chainID uint64) error
	// EstimateFee 返回一笔出站消息的手续费报价。
	EstimateFee(ctx context.Context, chainID uint64, amount int64, payload []byte) (int64, error)
	// BridgeTokens 把资金和负载发往目标链，返回传输层签发的消息 ID。
	BridgeTokens(ctx context.Context, caller accesscontrol.Identity, chainID uint64, amount int64, payload []byte) (string, error)
}

type protocolEntry struct {
	adapter Adapter
	active  bool
}

// Router 是策略执行期间的临时托管方：把账本移交的资金按分配明细
// 派发到本地协议或跨链桥，并维护每人每协议的已部署额度。
type Router struct {
	mu       sync.Mutex
	acl      *accesscontrol.Registry
	ledger   *ledger.Service
	bridge   BridgeDispatcher
	alerts   alerting.Dispatcher
	identity accesscontrol.Identity
	assetID  string

	holdings  int64
	protocols map[string]*protocolEntry
	deployed  map[string]map[string]int64
}

// Option 定义可选配置。
type Option func(*Router)

// WithBridge 注入跨链发送能力。
func WithBridge(bridge BridgeDispatcher) Option {
	return func(r *Router) {
		r.bridge = bridge
	}
}

// WithAlerts 注入告警分发器。
func WithAlerts(alerts alerting.Dispatcher) Option {
	return func(r *Router) {
		r.alerts = alerts
	}
}

// WithAssetID 覆盖默认的基础资产标识。
func WithAssetID(assetID string) Option {
	return func(r *Router) {
		if strings.TrimSpace(assetID) != "" {
			r.assetID = assetID
		}
	}
}

// NewRouter 构造调度层。identity 是 Router 在账本侧注册的调用身份。
func NewRouter(acl *accesscontrol.Registry, ledgerSvc *ledger.Service, identity accesscontrol.Identity, opts ...Option) *Router {
	r := &Router{
		acl:       acl,
		ledger:    ledgerSvc,
		identity:  identity,
		assetID:   "vUSD",
		protocols: make(map[string]*protocolEntry),
		deployed:  make(map[string]map[string]int64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// ConfigureProtocol 由属主接入一个借贷协议。配置即授予适配器对
// Router 基础资产的无限支出授权，禁用协议不会撤销该授权。
func (r *Router) ConfigureProtocol(ctx context.Context, caller accesscontrol.Identity, protocolID string, adapter Adapter) error {
	if err := r.acl.RequireOwner(caller); err != nil {
		return err
	}
	if strings.TrimSpace(protocolID) == "" || adapter == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "协议配置不完整")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if auth, ok := adapter.(Authorizer); ok {
		if err := auth.Authorize(ctx); err != nil {
			return err
		}
	}
	r.protocols[protocolID] = &protocolEntry{adapter: adapter, active: true}
	logger.Audit().Info("协议已接入",
		slog.String("protocol_id", protocolID),
		slog.String("adapter", adapter.ID()),
	)
	return nil
}

// DisableProtocol 由属主禁用协议，只翻转启用标记。
func (r *Router) DisableProtocol(_ context.Context, caller accesscontrol.Identity, protocolID string) error {
	if err := r.acl.RequireOwner(caller); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.protocols[protocolID]
	if !ok {
		return ErrProtocolNotActive
	}
	entry.active = false
	logger.Audit().Warn("协议已禁用", slog.String("protocol_id", protocolID))
	return nil
}

// DeployToProtocol 把托管资金存入指定协议。只有账本身份或属主可以调用。
func (r *Router) DeployToProtocol(ctx context.Context, caller accesscontrol.Identity, owner, protocolID string, amount int64) error {
	if err := r.acl.RequireRoleOrOwner(caller, accesscontrol.RoleLedger); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deployLocked(ctx, owner, protocolID, r.assetID, amount)
}

func (r *Router) deployLocked(ctx context.Context, owner, protocolID, assetID string, amount int64) error {
	if amount <= 0 {
		return ledger.ErrInvalidAmount
	}
	entry, ok := r.protocols[protocolID]
	if !ok || !entry.active {
		return ErrProtocolNotActive
	}
	if r.holdings < amount {
		return ErrInsufficientFunds
	}
	if err := entry.adapter.Supply(ctx, assetID, amount); err != nil {
		return err
	}
	r.holdings -= amount
	if r.deployed[owner] == nil {
		r.deployed[owner] = make(map[string]int64)
	}
	r.deployed[owner][protocolID] += amount
	logger.Audit().Info("资金已存入协议",
		slog.String("owner", owner),
		slog.String("protocol_id", protocolID),
		slog.Int64("amount", amount),
	)
	return nil
}

// WithdrawFromProtocol 从协议赎回资金并归还账本。额度按记账值校验。
func (r *Router) WithdrawFromProtocol(ctx context.Context, caller accesscontrol.Identity, owner, protocolID string, amount int64) error {
	if err := r.acl.RequireRoleOrOwner(caller, accesscontrol.RoleLedger); err != nil {
		return err
	}
	if amount <= 0 {
		return ledger.ErrInvalidAmount
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.protocols[protocolID]
	if !ok || !entry.active {
		return ErrProtocolNotActive
	}
	if r.deployed[owner][protocolID] < amount {
		return ErrInsufficientFunds
	}
	if err := entry.adapter.Withdraw(ctx, r.assetID, amount); err != nil {
		return err
	}
	r.deployed[owner][protocolID] -= amount
	r.holdings += amount

	if _, err := r.ledger.ReturnFunds(ctx, r.identity, owner, amount); err != nil {
		// 赎回已完成，资金留在 Router 托管，等待人工处理
		r.notify(ctx, alerting.Event{
			Code:       CodeCustodyShortfall,
			Message:    "赎回资金归还账本失败，资金滞留调度层",
			Severity:   xerrors.SeverityCritical,
			Amount:     amount,
			Metadata:   map[string]string{"owner": owner, "protocol_id": protocolID},
			OccurredAt: time.Now(),
		})
		return err
	}
	r.holdings -= amount
	logger.Audit().Info("资金已从协议赎回并归还账本",
		slog.String("owner", owner),
		slog.String("protocol_id", protocolID),
		slog.Int64("amount", amount),
	)
	return nil
}

// BridgeFunds 把托管资金移交跨链桥发往目标链。
func (r *Router) BridgeFunds(ctx context.Context, caller accesscontrol.Identity, owner string, destinationChainID uint64, amount int64, payload []byte) (string, error) {
	if err := r.acl.RequireRoleOrOwner(caller, accesscontrol.RoleLedger); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bridgeLocked(ctx, owner, destinationChainID, amount, payload)
}

func (r *Router) bridgeLocked(ctx context.Context, owner string, destinationChainID uint64, amount int64, payload []byte) (string, error) {
	if amount <= 0 {
		return "", ledger.ErrInvalidAmount
	}
	if r.bridge == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "未配置跨链桥")
	}
	if r.holdings < amount {
		return "", ErrInsufficientFunds
	}

	r.holdings -= amount
	messageID, err := r.bridge.BridgeTokens(ctx, r.identity, destinationChainID, amount, payload)
	if err != nil {
		r.holdings += amount
		return "", err
	}
	logger.Audit().Info("资金已移交跨链桥",
		slog.String("owner", owner),
		slog.Uint64("destination_chain_id", destinationChainID),
		slog.Int64("amount", amount),
		slog.String("message_id", messageID),
	)
	return messageID, nil
}

// ExecuteFullStrategy 是属主的编排入口：先整体校验分配计划，再从账本
// 拉取托管资金并按明细顺序派发。任何一腿失败都会触发补偿：已存入协议的
// 资金原路赎回，账本执行回滚；已发出的跨链消息无法召回，只能升级告警。
func (r *Router) ExecuteFullStrategy(ctx context.Context, caller accesscontrol.Identity, strategyID uint64) (*ledger.Strategy, []string, error) {
	if err := r.acl.RequireOwner(caller); err != nil {
		return nil, nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	strategy, err := r.ledger.GetStrategy(ctx, strategyID)
	if err != nil {
		return nil, nil, err
	}

	// 派发前整体校验，尽量把失败挡在资金移动之前
	for _, alloc := range strategy.Allocations {
		if alloc.DestinationChainID == 0 {
			entry, ok := r.protocols[alloc.Target]
			if !ok || !entry.active {
				return nil, nil, ErrProtocolNotActive
			}
			continue
		}
		if r.bridge == nil {
			return nil, nil, xerrors.New(xerrors.CodeInitializationFailure, "策略包含跨链分配但未配置跨链桥")
		}
		if err := r.bridge.ValidateRoute(alloc.DestinationChainID); err != nil {
			return nil, nil, err
		}
	}

	executed, err := r.ledger.ExecuteStrategy(ctx, r.identity, strategyID)
	if err != nil {
		return nil, nil, err
	}
	r.holdings += executed.TotalAmount

	type suppliedLeg struct {
		protocolID string
		assetID    string
		amount     int64
	}
	var supplied []suppliedLeg
	var messageIDs []string
	var bridgedAmount int64

	for _, alloc := range executed.Allocations {
		if alloc.DestinationChainID == 0 {
			if err = r.deployLocked(ctx, executed.Owner, alloc.Target, alloc.AssetID, alloc.Amount); err != nil {
				break
			}
			supplied = append(supplied, suppliedLeg{protocolID: alloc.Target, assetID: alloc.AssetID, amount: alloc.Amount})
			continue
		}
		var messageID string
		messageID, err = r.bridgeLocked(ctx, executed.Owner, alloc.DestinationChainID, alloc.Amount, buildBridgePayload(executed, alloc))
		if err != nil {
			break
		}
		messageIDs = append(messageIDs, messageID)
		bridgedAmount += alloc.Amount
	}

	if err == nil {
		metrics.ObserveStrategyExecution("success")
		logger.Audit().Info("策略派发完成",
			slog.Uint64("strategy_id", executed.ID),
			slog.String("owner", executed.Owner),
			slog.Int64("total_amount", executed.TotalAmount),
			slog.Int("bridged_messages", len(messageIDs)),
		)
		return executed, messageIDs, nil
	}

	// 补偿：逆序收回已存入协议的各腿
	for i := len(supplied) - 1; i >= 0; i-- {
		leg := supplied[i]
		entry := r.protocols[leg.protocolID]
		if werr := entry.adapter.Withdraw(ctx, leg.assetID, leg.amount); werr != nil {
			r.notify(ctx, alerting.Event{
				Code:       CodeCustodyShortfall,
				Message:    "补偿赎回失败，协议中滞留资金",
				Severity:   xerrors.SeverityCritical,
				StrategyID: executed.ID,
				Amount:     leg.amount,
				Metadata:   map[string]string{"protocol_id": leg.protocolID, "owner": executed.Owner},
				OccurredAt: time.Now(),
			})
			continue
		}
		r.deployed[executed.Owner][leg.protocolID] -= leg.amount
		r.holdings += leg.amount
	}

	if rerr := r.ledger.RevertExecution(ctx, r.identity, strategyID); rerr != nil {
		logger.L().Error("策略执行回滚失败",
			slog.Uint64("strategy_id", strategyID),
			slog.Any("error", rerr),
		)
	}
	r.holdings -= executed.TotalAmount
	metrics.ObserveStrategyExecution("rolled_back")

	// 已发出的跨链消息无法召回，托管账目出现缺口
	if bridgedAmount > 0 {
		r.notify(ctx, alerting.Event{
			Code:       CodeCustodyShortfall,
			Message:    "策略回滚时已有跨链消息发出，需人工对账",
			Severity:   xerrors.SeverityCritical,
			StrategyID: executed.ID,
			Amount:     bridgedAmount,
			Metadata:   map[string]string{"message_ids": strings.Join(messageIDs, ","), "owner": executed.Owner},
			OccurredAt: time.Now(),
		})
	}
	return nil, nil, err
}

// Holdings 返回当前托管资金量。
func (r *Router) Holdings() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.holdings
}

// DeployedAmount 返回某用户在某协议上的已部署额度。
func (r *Router) DeployedAmount(owner, protocolID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deployed[owner][protocolID]
}

func (r *Router) notify(ctx context.Context, event alerting.Event) {
	if r.alerts == nil {
		return
	}
	if err := r.alerts.Notify(ctx, event); err != nil {
		logger.L().Error("发送告警失败", slog.Any("error", err))
	}
}

func buildBridgePayload(s *ledger.Strategy, alloc ledger.Allocation) []byte {
	// 负载携带远端入账所需的最小信息
	return []byte(s.Owner + "|" + alloc.Target + "|" + alloc.AssetID)
}
