package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "StratVault-Chain/internal/errors"
	storage "StratVault-Chain/internal/storage/mysql"
)

// MySQLStore 使用 MySQL 保存仓位与策略。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 建立连接池并应用迁移。
func NewMySQLStore(ctx context.Context, cfg storage.Config) (*MySQLStore, error) {
	db, err := storage.Open(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开账本数据库失败")
	}
	if err := storage.RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "应用账本迁移失败")
	}
	return &MySQLStore{db: db}, nil
}

// Credit 实现 Store 接口。
func (s *MySQLStore) Credit(ctx context.Context, owner string, amount int64) (*Position, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "owner 不能为空")
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	now := time.Now().Unix()
	const stmt = `INSERT INTO positions (owner, available_balance, total_deposited, active_strategy_id, created_at, updated_at)
        VALUES (?, ?, ?, 0, ?, ?)
        ON DUPLICATE KEY UPDATE
        available_balance = available_balance + VALUES(available_balance),
        total_deposited = total_deposited + VALUES(total_deposited),
        updated_at = VALUES(updated_at)`

	if _, err := s.db.ExecContext(ctx, stmt, owner, amount, amount, now, now); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "入金写库失败")
	}
	return s.GetPosition(ctx, owner)
}

// Debit 实现 Store 接口。余额不足时不产生任何变化。
func (s *MySQLStore) Debit(ctx context.Context, owner string, amount int64) (*Position, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	const stmt = `UPDATE positions SET available_balance = available_balance - ?, updated_at = ?
        WHERE owner = ? AND available_balance >= ?`

	res, err := s.db.ExecContext(ctx, stmt, amount, time.Now().Unix(), owner, amount)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "出金写库失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return nil, ErrInsufficientBalance
	}
	return s.GetPosition(ctx, owner)
}

// Restore 实现 Store 接口。
func (s *MySQLStore) Restore(ctx context.Context, owner string, amount int64) (*Position, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	now := time.Now().Unix()
	const stmt = `INSERT INTO positions (owner, available_balance, total_deposited, active_strategy_id, created_at, updated_at)
        VALUES (?, ?, 0, 0, ?, ?)
        ON DUPLICATE KEY UPDATE
        available_balance = available_balance + VALUES(available_balance),
        updated_at = VALUES(updated_at)`

	if _, err := s.db.ExecContext(ctx, stmt, owner, amount, now, now); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "归还资金写库失败")
	}
	return s.GetPosition(ctx, owner)
}

// GetPosition 实现 Store 接口。未入金的用户返回零值仓位。
func (s *MySQLStore) GetPosition(ctx context.Context, owner string) (*Position, error) {
	const stmt = `SELECT owner, available_balance, total_deposited, active_strategy_id, created_at, updated_at
        FROM positions WHERE owner = ?`

	var pos Position
	err := s.db.QueryRowContext(ctx, stmt, owner).Scan(
		&pos.Owner,
		&pos.AvailableBalance,
		&pos.TotalDeposited,
		&pos.ActiveStrategyID,
		&pos.CreatedAt,
		&pos.UpdatedAt,
	)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return &Position{Owner: owner}, nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询仓位失败")
	}
	return &pos, nil
}

// CreateStrategy 实现 Store 接口。ID 由 AUTO_INCREMENT 保证严格递增。
func (s *MySQLStore) CreateStrategy(ctx context.Context, strategy *Strategy) (uint64, error) {
	if strategy == nil {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "strategy 不能为空")
	}
	encoded, err := json.Marshal(strategy.Allocations)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码分配明细失败")
	}

	now := time.Now().Unix()
	const stmt = `INSERT INTO strategies (owner, allocations, total_amount, approved, executed, created_at, updated_at)
        VALUES (?, ?, ?, 0, 0, ?, ?)`

	res, err := s.db.ExecContext(ctx, stmt, strategy.Owner, string(encoded), strategy.TotalAmount, now, now)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存策略失败")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取策略 ID 失败")
	}
	return uint64(id), nil
}

// GetStrategy 实现 Store 接口。
func (s *MySQLStore) GetStrategy(ctx context.Context, id uint64) (*Strategy, error) {
	return scanStrategy(s.db.QueryRowContext(ctx, `SELECT id, owner, allocations, total_amount, approved, executed, created_at, updated_at
        FROM strategies WHERE id = ?`, id))
}

// Approve 实现 Store 接口。
func (s *MySQLStore) Approve(ctx context.Context, id uint64) (*Strategy, error) {
	const stmt = `UPDATE strategies SET approved = 1, updated_at = ? WHERE id = ? AND executed = 0`
	if _, err := s.db.ExecContext(ctx, stmt, time.Now().Unix(), id); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "批准策略失败")
	}

	strategy, err := s.GetStrategy(ctx, id)
	if err != nil {
		return nil, err
	}
	if strategy.Executed {
		return strategy, ErrStrategyAlreadyExecuted
	}
	return strategy, nil
}

// MarkExecuted 在单个事务里完成执行迁移。
func (s *MySQLStore) MarkExecuted(ctx context.Context, id uint64) (*Strategy, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启执行事务失败")
	}
	defer tx.Rollback()

	strategy, err := scanStrategy(tx.QueryRowContext(ctx, `SELECT id, owner, allocations, total_amount, approved, executed, created_at, updated_at
        FROM strategies WHERE id = ? FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if strategy.Executed {
		return strategy, ErrStrategyAlreadyExecuted
	}
	if !strategy.Approved {
		return strategy, ErrStrategyNotApproved
	}

	now := time.Now().Unix()
	res, err := tx.ExecContext(ctx, `UPDATE positions SET available_balance = available_balance - ?, active_strategy_id = ?, updated_at = ?
        WHERE owner = ? AND available_balance >= ?`,
		strategy.TotalAmount, strategy.ID, now, strategy.Owner, strategy.TotalAmount)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "扣减余额失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return strategy, ErrInsufficientBalance
	}

	if _, err := tx.ExecContext(ctx, `UPDATE strategies SET executed = 1, updated_at = ? WHERE id = ?`, now, strategy.ID); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "置位执行标记失败")
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交执行事务失败")
	}

	strategy.Executed = true
	strategy.UpdatedAt = now
	return strategy, nil
}

// RevertExecution 在单个事务里恢复执行迁移造成的状态。
func (s *MySQLStore) RevertExecution(ctx context.Context, id uint64) (*Strategy, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启回滚事务失败")
	}
	defer tx.Rollback()

	strategy, err := scanStrategy(tx.QueryRowContext(ctx, `SELECT id, owner, allocations, total_amount, approved, executed, created_at, updated_at
        FROM strategies WHERE id = ? FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if !strategy.Executed {
		return strategy, nil
	}

	now := time.Now().Unix()
	if _, err := tx.ExecContext(ctx, `UPDATE positions SET available_balance = available_balance + ?,
        active_strategy_id = IF(active_strategy_id = ?, 0, active_strategy_id), updated_at = ?
        WHERE owner = ?`,
		strategy.TotalAmount, strategy.ID, now, strategy.Owner); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "恢复余额失败")
	}
	if _, err := tx.ExecContext(ctx, `UPDATE strategies SET executed = 0, updated_at = ? WHERE id = ?`, now, strategy.ID); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "清除执行标记失败")
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交回滚事务失败")
	}

	strategy.Executed = false
	strategy.UpdatedAt = now
	return strategy, nil
}

// ListStrategies 实现 Store 接口。
func (s *MySQLStore) ListStrategies(ctx context.Context, opts ListOptions) ([]*Strategy, error) {
	opts.applyDefaults()

	query := `SELECT id, owner, allocations, total_amount, approved, executed, created_at, updated_at FROM strategies`
	var conditions []string
	var args []any
	if opts.Owner != "" {
		conditions = append(conditions, "owner = ?")
		args = append(args, opts.Owner)
	}
	if len(opts.Statuses) > 0 {
		var statusConds []string
		for _, status := range opts.Statuses {
			switch status {
			case StatusProposed:
				statusConds = append(statusConds, "(approved = 0 AND executed = 0)")
			case StatusApproved:
				statusConds = append(statusConds, "(approved = 1 AND executed = 0)")
			case StatusExecuted:
				statusConds = append(statusConds, "executed = 1")
			}
		}
		if len(statusConds) > 0 {
			conditions = append(conditions, "("+strings.Join(statusConds, " OR ")+")")
		}
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, opts.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询策略失败")
	}
	defer rows.Close()

	var results []*Strategy
	for rows.Next() {
		strategy, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, strategy)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历策略失败")
	}
	return results, nil
}

// Stats 实现 Store 接口。
func (s *MySQLStore) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{}

	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(available_balance), 0), COALESCE(SUM(total_deposited), 0), COALESCE(MAX(updated_at), 0)
        FROM positions`).Scan(&stats.Positions, &stats.TotalAvailable, &stats.TotalDeposited, &stats.NewestUpdatedAt)
	if err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计仓位失败")
	}

	var newestStrategy int64
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*),
        COALESCE(SUM(approved = 0 AND executed = 0), 0),
        COALESCE(SUM(approved = 1 AND executed = 0), 0),
        COALESCE(SUM(executed = 1), 0),
        COALESCE(SUM(IF(executed = 1, total_amount, 0)), 0),
        COALESCE(MAX(updated_at), 0)
        FROM strategies`).Scan(&stats.Strategies, &stats.Proposed, &stats.Approved, &stats.Executed, &stats.ExecutedVolume, &newestStrategy)
	if err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计策略失败")
	}
	if newestStrategy > stats.NewestUpdatedAt {
		stats.NewestUpdatedAt = newestStrategy
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStrategy(row rowScanner) (*Strategy, error) {
	var strategy Strategy
	var encoded string
	err := row.Scan(
		&strategy.ID,
		&strategy.Owner,
		&encoded,
		&strategy.TotalAmount,
		&strategy.Approved,
		&strategy.Executed,
		&strategy.CreatedAt,
		&strategy.UpdatedAt,
	)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrStrategyNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析策略记录失败")
	}
	if err := json.Unmarshal([]byte(encoded), &strategy.Allocations); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("解析策略 %d 的分配明细失败", strategy.ID))
	}
	return &strategy, nil
}

// ensure interface compliance at compile time
var _ Store = (*MySQLStore)(nil)
