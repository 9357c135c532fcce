package ledger

import (
	"context"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"StratVault-Chain/internal/accesscontrol"
	xerrors "StratVault-Chain/internal/errors"
	"StratVault-Chain/internal/oracle"
	"StratVault-Chain/pkg/logger"
)

// DefaultMaxPriceAge 是预言机价格允许的最大时效。
const DefaultMaxPriceAge = time.Hour

// Service 是余额与策略生命周期的事实所有者。所有资金变动入口在内部串行化，
// 对调用方表现为一次完整提交或完整失败。
type Service struct {
	mu          sync.Mutex
	store       Store
	acl         *accesscontrol.Registry
	feed        oracle.PriceFeed
	maxPriceAge time.Duration

	// custody 是账本金库当前持有的基础资产数量。执行策略时转交给 Router，
	// returnFunds 时收回。
	custody int64
}

// Option 定义可选配置。
type Option func(*Service)

// WithPriceFeed 指定锚定校验使用的喂价源。
func WithPriceFeed(feed oracle.PriceFeed) Option {
	return func(s *Service) {
		s.feed = feed
	}
}

// WithMaxPriceAge 覆盖预言机价格的时效窗口。
func WithMaxPriceAge(age time.Duration) Option {
	return func(s *Service) {
		if age > 0 {
			s.maxPriceAge = age
		}
	}
}

// NewService 构造账本服务。
func NewService(store Store, acl *accesscontrol.Registry, opts ...Option) *Service {
	s := &Service{
		store:       store,
		acl:         acl,
		maxPriceAge: DefaultMaxPriceAge,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Deposit 为用户入金。金额为零时返回 ErrInvalidAmount。
func (s *Service) Deposit(ctx context.Context, owner string, amount int64) (*Position, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "账本存储未初始化")
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, err := s.store.Credit(ctx, owner, amount)
	if err != nil {
		return nil, err
	}
	s.custody += amount
	logger.Audit().Info("入金完成",
		slog.String("owner", owner),
		slog.Int64("amount", amount),
		slog.Int64("available_balance", pos.AvailableBalance),
	)
	return pos, nil
}

// Withdraw 为用户出金。可用余额不足时返回 ErrInsufficientBalance，状态不变。
func (s *Service) Withdraw(ctx context.Context, owner string, amount int64) (*Position, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "账本存储未初始化")
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, err := s.store.Debit(ctx, owner, amount)
	if err != nil {
		return nil, err
	}
	s.custody -= amount
	logger.Audit().Info("出金完成",
		slog.String("owner", owner),
		slog.Int64("amount", amount),
		slog.Int64("available_balance", pos.AvailableBalance),
	)
	return pos, nil
}

// ProposeStrategy 记录一份新的分配计划。只有 Router 身份或系统属主可以调用。
// 余额校验是提案时刻的快照，不做保留，执行时会重新校验。
func (s *Service) ProposeStrategy(ctx context.Context, caller accesscontrol.Identity, owner string, allocations []Allocation, totalAmount int64) (uint64, error) {
	if s.store == nil || s.acl == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "账本服务未初始化")
	}
	if err := s.acl.RequireRoleOrOwner(caller, accesscontrol.RoleRouter); err != nil {
		return 0, err
	}
	if strings.TrimSpace(owner) == "" {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "owner 不能为空")
	}
	if totalAmount <= 0 || len(allocations) == 0 {
		return 0, ErrInvalidAmount
	}
	var sum int64
	for _, alloc := range allocations {
		if alloc.Amount <= 0 {
			return 0, ErrInvalidAmount
		}
		sum += alloc.Amount
	}
	// 分配明细必须与总额一致，提案阶段就拒绝不平的计划。
	if sum != totalAmount {
		return 0, ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pos, err := s.store.GetPosition(ctx, owner)
	if err != nil {
		return 0, err
	}
	if pos.AvailableBalance < totalAmount {
		return 0, ErrInsufficientBalance
	}

	id, err := s.store.CreateStrategy(ctx, &Strategy{
		Owner:       owner,
		Allocations: allocations,
		TotalAmount: totalAmount,
	})
	if err != nil {
		return 0, err
	}
	logger.Audit().Info("策略提案已记录",
		slog.Uint64("strategy_id", id),
		slog.String("owner", owner),
		slog.Int64("total_amount", totalAmount),
		slog.Int("allocations", len(allocations)),
	)
	return id, nil
}

// ApproveStrategy 由策略属主批准计划。重复批准是无害的幂等操作。
func (s *Service) ApproveStrategy(ctx context.Context, caller accesscontrol.Identity, id uint64) (*Strategy, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "账本存储未初始化")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.store.GetStrategy(ctx, id)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(existing.Owner, string(caller)) {
		return nil, accesscontrol.ErrOnlyOwner
	}
	approved, err := s.store.Approve(ctx, id)
	if err != nil {
		return approved, err
	}
	logger.Audit().Info("策略已批准",
		slog.Uint64("strategy_id", id),
		slog.String("owner", approved.Owner),
	)
	return approved, nil
}

// ExecuteStrategy 完成执行迁移：重新校验余额、扣减并把资金托管权交给 Router。
// 只有 Router 身份或系统属主可以调用，已执行的策略再次执行会失败。
func (s *Service) ExecuteStrategy(ctx context.Context, caller accesscontrol.Identity, id uint64) (*Strategy, error) {
	if s.store == nil || s.acl == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "账本服务未初始化")
	}
	if err := s.acl.RequireRoleOrOwner(caller, accesscontrol.RoleRouter); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	executed, err := s.store.MarkExecuted(ctx, id)
	if err != nil {
		return nil, err
	}
	s.custody -= executed.TotalAmount
	logger.Audit().Info("策略执行生效，资金移交调度层",
		slog.Uint64("strategy_id", id),
		slog.String("owner", executed.Owner),
		slog.Int64("total_amount", executed.TotalAmount),
	)
	return executed, nil
}

// ReturnFunds 由 Router 把资金归还到用户可用余额。不计入累计入金。
func (s *Service) ReturnFunds(ctx context.Context, caller accesscontrol.Identity, owner string, amount int64) (*Position, error) {
	if s.store == nil || s.acl == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "账本服务未初始化")
	}
	if err := s.acl.RequireRoleOrOwner(caller, accesscontrol.RoleRouter); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, err := s.store.Restore(ctx, owner, amount)
	if err != nil {
		return nil, err
	}
	s.custody += amount
	logger.Audit().Info("资金归还账本",
		slog.String("owner", owner),
		slog.Int64("amount", amount),
		slog.Int64("available_balance", pos.AvailableBalance),
	)
	return pos, nil
}

// RevertExecution 是执行失败时的补偿入口，恢复余额并收回托管资产。
// 只开放给 Router 身份。
func (s *Service) RevertExecution(ctx context.Context, caller accesscontrol.Identity, id uint64) error {
	if s.store == nil || s.acl == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "账本服务未初始化")
	}
	if err := s.acl.RequireRole(caller, accesscontrol.RoleRouter); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	reverted, err := s.store.RevertExecution(ctx, id)
	if err != nil {
		return err
	}
	s.custody += reverted.TotalAmount
	logger.Audit().Warn("策略执行已回滚",
		slog.Uint64("strategy_id", id),
		slog.String("owner", reverted.Owner),
		slog.Int64("total_amount", reverted.TotalAmount),
	)
	return nil
}

// ValidatePeg 校验基础资产价格仍锚定在一个单位的 ±1% 区间内（开区间）。
// 价格更新时间超过时效窗口时返回 ErrStalePriceFeed。
func (s *Service) ValidatePeg(ctx context.Context) (bool, error) {
	if s.feed == nil {
		return false, xerrors.New(xerrors.CodeInitializationFailure, "未配置喂价源")
	}
	round, err := s.feed.LatestRound(ctx)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStaleData, err, "读取喂价失败")
	}
	if time.Since(round.UpdatedAt) > s.maxPriceAge {
		return false, ErrStalePriceFeed
	}
	if round.Price == nil || round.Price.Sign() <= 0 {
		return false, nil
	}

	// unit = 10^decimals；严格区间 (0.99*unit, 1.01*unit)。
	unit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(round.Decimals)), nil)
	scaled := new(big.Int).Mul(round.Price, big.NewInt(100))
	lower := new(big.Int).Mul(unit, big.NewInt(99))
	upper := new(big.Int).Mul(unit, big.NewInt(101))
	return scaled.Cmp(lower) > 0 && scaled.Cmp(upper) < 0, nil
}

// GetPosition 返回用户仓位。
func (s *Service) GetPosition(ctx context.Context, owner string) (*Position, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "账本存储未初始化")
	}
	return s.store.GetPosition(ctx, owner)
}

// GetStrategy 返回指定策略。
func (s *Service) GetStrategy(ctx context.Context, id uint64) (*Strategy, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "账本存储未初始化")
	}
	return s.store.GetStrategy(ctx, id)
}

// ListStrategies 返回符合过滤条件的策略列表。
func (s *Service) ListStrategies(ctx context.Context, opts ...ListOption) ([]*Strategy, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "账本存储未初始化")
	}
	return s.store.ListStrategies(ctx, buildListOptions(opts))
}

// Stats 返回账本的聚合统计。
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "账本存储未初始化")
	}
	return s.store.Stats(ctx)
}

// Custody 返回账本金库当前持有的基础资产数量。
func (s *Service) Custody() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.custody
}

// Close 释放存储资源。
func (s *Service) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
