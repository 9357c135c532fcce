package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "StratVault-Chain/internal/errors"
)

// MemoryStore 以内存方式保存仓位与策略，主要用于测试和本地开发。
type MemoryStore struct {
	mu         sync.RWMutex
	positions  map[string]*Position
	strategies map[uint64]*Strategy
	nextID     uint64
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions:  make(map[string]*Position),
		strategies: make(map[uint64]*Strategy),
		nextID:     1,
	}
}

// Credit 实现 Store 接口。
func (m *MemoryStore) Credit(_ context.Context, owner string, amount int64) (*Position, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "owner 不能为空")
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().Unix()
	pos, ok := m.positions[owner]
	if !ok {
		pos = &Position{Owner: owner, CreatedAt: now}
		m.positions[owner] = pos
	}
	pos.AvailableBalance += amount
	pos.TotalDeposited += amount
	pos.UpdatedAt = now
	return clonePosition(pos), nil
}

// Debit 实现 Store 接口。
func (m *MemoryStore) Debit(_ context.Context, owner string, amount int64) (*Position, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[owner]
	if !ok || pos.AvailableBalance < amount {
		return nil, ErrInsufficientBalance
	}
	pos.AvailableBalance -= amount
	pos.UpdatedAt = time.Now().Unix()
	return clonePosition(pos), nil
}

// Restore 把归还的资金加回可用余额，不影响累计入金。
func (m *MemoryStore) Restore(_ context.Context, owner string, amount int64) (*Position, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().Unix()
	pos, ok := m.positions[owner]
	if !ok {
		pos = &Position{Owner: owner, CreatedAt: now}
		m.positions[owner] = pos
	}
	pos.AvailableBalance += amount
	pos.UpdatedAt = now
	return clonePosition(pos), nil
}

// GetPosition 返回用户仓位。未入金的用户返回零值仓位。
func (m *MemoryStore) GetPosition(_ context.Context, owner string) (*Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if pos, ok := m.positions[owner]; ok {
		return clonePosition(pos), nil
	}
	return &Position{Owner: owner}, nil
}

// CreateStrategy 保存策略并分配严格递增的 ID。
func (m *MemoryStore) CreateStrategy(_ context.Context, s *Strategy) (uint64, error) {
	if s == nil {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "strategy 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().Unix()
	clone := cloneStrategy(s)
	clone.ID = m.nextID
	clone.Approved = false
	clone.Executed = false
	if clone.CreatedAt == 0 {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	m.strategies[clone.ID] = clone
	m.nextID++
	return clone.ID, nil
}

// GetStrategy 返回指定策略。
func (m *MemoryStore) GetStrategy(_ context.Context, id uint64) (*Strategy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.strategies[id]
	if !ok {
		return nil, ErrStrategyNotFound
	}
	return cloneStrategy(s), nil
}

// Approve 将策略置为已批准。已批准的策略重复批准不产生副作用。
func (m *MemoryStore) Approve(_ context.Context, id uint64) (*Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.strategies[id]
	if !ok {
		return nil, ErrStrategyNotFound
	}
	if s.Executed {
		return cloneStrategy(s), ErrStrategyAlreadyExecuted
	}
	if !s.Approved {
		s.Approved = true
		s.UpdatedAt = time.Now().Unix()
	}
	return cloneStrategy(s), nil
}

// MarkExecuted 原子地完成执行迁移。
func (m *MemoryStore) MarkExecuted(_ context.Context, id uint64) (*Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.strategies[id]
	if !ok {
		return nil, ErrStrategyNotFound
	}
	if s.Executed {
		return cloneStrategy(s), ErrStrategyAlreadyExecuted
	}
	if !s.Approved {
		return cloneStrategy(s), ErrStrategyNotApproved
	}
	pos, ok := m.positions[s.Owner]
	if !ok || pos.AvailableBalance < s.TotalAmount {
		return cloneStrategy(s), ErrInsufficientBalance
	}

	now := time.Now().Unix()
	pos.AvailableBalance -= s.TotalAmount
	pos.ActiveStrategyID = s.ID
	pos.UpdatedAt = now
	s.Executed = true
	s.UpdatedAt = now
	return cloneStrategy(s), nil
}

// RevertExecution 恢复执行迁移造成的全部状态变化。
func (m *MemoryStore) RevertExecution(_ context.Context, id uint64) (*Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.strategies[id]
	if !ok {
		return nil, ErrStrategyNotFound
	}
	if !s.Executed {
		return cloneStrategy(s), nil
	}
	pos, ok := m.positions[s.Owner]
	if !ok {
		return nil, xerrors.New(xerrors.CodeStorageFailure, "执行回滚时仓位缺失")
	}

	now := time.Now().Unix()
	pos.AvailableBalance += s.TotalAmount
	if pos.ActiveStrategyID == s.ID {
		pos.ActiveStrategyID = 0
	}
	pos.UpdatedAt = now
	s.Executed = false
	s.UpdatedAt = now
	return cloneStrategy(s), nil
}

// ListStrategies 返回符合过滤条件的策略，按 ID 倒序。
func (m *MemoryStore) ListStrategies(_ context.Context, opts ListOptions) ([]*Strategy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Strategy, 0, len(m.strategies))
	for _, s := range m.strategies {
		if !matchesListFilters(s, opts) {
			continue
		}
		results = append(results, cloneStrategy(s))
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].ID > results[j].ID
	})

	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计仓位与策略的聚合状态。
func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{}
	for _, pos := range m.positions {
		stats.Positions++
		stats.TotalAvailable += pos.AvailableBalance
		stats.TotalDeposited += pos.TotalDeposited
		if pos.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = pos.UpdatedAt
		}
	}
	for _, s := range m.strategies {
		stats.Strategies++
		switch s.Status() {
		case StatusProposed:
			stats.Proposed++
		case StatusApproved:
			stats.Approved++
		case StatusExecuted:
			stats.Executed++
			stats.ExecutedVolume += s.TotalAmount
		}
		if s.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = s.UpdatedAt
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
