package bridge

import (
	"context"
	"database/sql"
	"time"

	xerrors "StratVault-Chain/internal/errors"
	storage "StratVault-Chain/internal/storage/mysql"
)

// MySQLProcessedSet 把去重集合落到 MySQL，适合没有 Redis 的部署。
// processed_messages 表只插不删，与链上的只增集合语义一致。
type MySQLProcessedSet struct {
	db *sql.DB
}

// NewMySQLProcessedSet 建立连接并确保迁移已应用。
func NewMySQLProcessedSet(ctx context.Context, cfg storage.Config) (*MySQLProcessedSet, error) {
	db, err := storage.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := storage.RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &MySQLProcessedSet{db: db}, nil
}

// MarkProcessed 实现 ProcessedSet 接口。INSERT IGNORE 命中主键冲突时
// 影响行数为 0，即重复消息。
func (s *MySQLProcessedSet) MarkProcessed(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return false, xerrors.New(xerrors.CodeInvalidArgument, "消息 ID 不能为空")
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT IGNORE INTO processed_messages (message_id, processed_at) VALUES (?, ?)`,
		messageID, time.Now().Unix())
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入去重集合失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取去重写入结果失败")
	}
	return affected == 1, nil
}

// Close 关闭数据库连接。
func (s *MySQLProcessedSet) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ ProcessedSet = (*MySQLProcessedSet)(nil)
