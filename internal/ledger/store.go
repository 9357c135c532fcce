package ledger

import "context"

// Store 抽象了余额与策略记录的持久化接口。
// 涉及多个字段的状态迁移（Approve/MarkExecuted/RevertExecution）必须在
// 实现内部原子完成。
type Store interface {
	// Credit 为用户增加可用余额，首次入金时创建仓位。
	Credit(ctx context.Context, owner string, amount int64) (*Position, error)
	// Debit 扣减用户可用余额，余额不足时返回 ErrInsufficientBalance。
	Debit(ctx context.Context, owner string, amount int64) (*Position, error)
	// Restore 把执行后归还的资金加回可用余额，不计入累计入金。
	Restore(ctx context.Context, owner string, amount int64) (*Position, error)
	// GetPosition 返回用户仓位，不存在时返回零值仓位。
	GetPosition(ctx context.Context, owner string) (*Position, error)

	// CreateStrategy 保存策略并分配自增 ID，从 1 开始严格递增。
	CreateStrategy(ctx context.Context, s *Strategy) (uint64, error)
	// GetStrategy 返回指定策略。
	GetStrategy(ctx context.Context, id uint64) (*Strategy, error)
	// Approve 将策略标记为已批准。重复批准不报错。
	Approve(ctx context.Context, id uint64) (*Strategy, error)
	// MarkExecuted 原子地完成执行迁移：校验已批准且未执行、扣减属主余额、
	// 置位 Executed 并登记为属主的活跃策略。
	MarkExecuted(ctx context.Context, id uint64) (*Strategy, error)
	// RevertExecution 是执行失败时的补偿入口：恢复余额并清除执行标记。
	// 只应由 Router 的回滚路径调用。
	RevertExecution(ctx context.Context, id uint64) (*Strategy, error)
	// ListStrategies 按过滤条件返回策略，按 ID 倒序。
	ListStrategies(ctx context.Context, opts ListOptions) ([]*Strategy, error)
	// Stats 返回仓位与策略的聚合统计。
	Stats(ctx context.Context) (Stats, error)

	Close() error
}
