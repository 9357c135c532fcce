package oracle

import (
	"context"
	"math/big"
	"sync"
	"time"
)

// Round 表示预言机一次喂价的快照。
type Round struct {
	// Price 是按 Decimals 精度表示的资产价格。
	Price *big.Int
	// UpdatedAt 是该价格最后一次更新的时间。
	UpdatedAt time.Time
	// Decimals 是价格的小数精度。
	Decimals uint8
}

// PriceFeed 抽象了基础资产的喂价能力。
type PriceFeed interface {
	LatestRound(ctx context.Context) (Round, error)
}

// StaticFeed 返回固定的喂价结果，用于测试和本地开发。
type StaticFeed struct {
	mu    sync.RWMutex
	round Round
}

// NewStaticFeed 创建一个固定喂价源。
func NewStaticFeed(price *big.Int, updatedAt time.Time, decimals uint8) *StaticFeed {
	return &StaticFeed{round: Round{
		Price:     new(big.Int).Set(price),
		UpdatedAt: updatedAt,
		Decimals:  decimals,
	}}
}

// SetRound 更新喂价内容。
func (f *StaticFeed) SetRound(price *big.Int, updatedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.round.Price = new(big.Int).Set(price)
	f.round.UpdatedAt = updatedAt
}

// LatestRound 实现 PriceFeed 接口。
func (f *StaticFeed) LatestRound(_ context.Context) (Round, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	round := f.round
	round.Price = new(big.Int).Set(f.round.Price)
	return round, nil
}

var _ PriceFeed = (*StaticFeed)(nil)
