package router

import (
	"context"
	"sync"

	xerrors "StratVault-Chain/internal/errors"
)

// Adapter 封装一个外部借贷协议的存入与赎回能力。
// Router 信任适配器报告的结果，只维护自己的记账。
type Adapter interface {
	// ID 返回适配器身份标识，本地分配腿通过它匹配协议。
	ID() string
	// Supply 把指定数量的基础资产存入外部协议。
	Supply(ctx context.Context, assetID string, amount int64) error
	// Withdraw 从外部协议赎回指定数量的基础资产。
	Withdraw(ctx context.Context, assetID string, amount int64) error
}

// Authorizer 是适配器的可选能力：在协议配置时一次性授予
// 对 Router 基础资产的无限支出授权。禁用协议不撤销该授权。
type Authorizer interface {
	Authorize(ctx context.Context) error
}

// MemoryAdapter 在内存中模拟一个借贷协议，用于测试和本地开发。
type MemoryAdapter struct {
	mu       sync.Mutex
	id       string
	supplied map[string]int64

	// FailSupply 置位后 Supply 调用直接失败，用于演练补偿路径。
	FailSupply bool
}

// NewMemoryAdapter 创建 MemoryAdapter。
func NewMemoryAdapter(id string) *MemoryAdapter {
	return &MemoryAdapter{
		id:       id,
		supplied: make(map[string]int64),
	}
}

// ID 实现 Adapter 接口。
func (a *MemoryAdapter) ID() string { return a.id }

// Supply 实现 Adapter 接口。
func (a *MemoryAdapter) Supply(_ context.Context, assetID string, amount int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.FailSupply {
		return xerrors.New(xerrors.CodeTransportFailure, "协议存入失败")
	}
	a.supplied[assetID] += amount
	return nil
}

// Withdraw 实现 Adapter 接口。
func (a *MemoryAdapter) Withdraw(_ context.Context, assetID string, amount int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.supplied[assetID] < amount {
		return ErrInsufficientFunds
	}
	a.supplied[assetID] -= amount
	return nil
}

// Supplied 返回当前存入量，供测试断言。
func (a *MemoryAdapter) Supplied(assetID string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.supplied[assetID]
}

// ensure interface compliance at compile time
var _ Adapter = (*MemoryAdapter)(nil)
