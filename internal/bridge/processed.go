package bridge

import (
	"context"
	"sync"

	xerrors "StratVault-Chain/internal/errors"
)

// ProcessedSet 是入站消息 ID 的只增集合，对抗传输层的重复投递。
// 集合永不收缩：删除任何一条记录都等于重新打开一次重放窗口。
type ProcessedSet interface {
	// MarkProcessed 尝试登记消息 ID。首次登记返回 true，
	// 已存在返回 false。
	MarkProcessed(ctx context.Context, messageID string) (bool, error)
	Close() error
}

// MemoryProcessedSet 以内存 map 实现去重集合。
type MemoryProcessedSet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemoryProcessedSet 创建 MemoryProcessedSet。
func NewMemoryProcessedSet() *MemoryProcessedSet {
	return &MemoryProcessedSet{seen: make(map[string]struct{})}
}

// MarkProcessed 实现 ProcessedSet 接口。
func (s *MemoryProcessedSet) MarkProcessed(_ context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return false, xerrors.New(xerrors.CodeInvalidArgument, "消息 ID 不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[messageID]; ok {
		return false, nil
	}
	s.seen[messageID] = struct{}{}
	return true, nil
}

// Close 对内存集合无需操作。
func (s *MemoryProcessedSet) Close() error {
	return nil
}

// ensure interface compliance at compile time
var _ ProcessedSet = (*MemoryProcessedSet)(nil)
