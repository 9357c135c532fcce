package bridge

import (
	"context"

	"github.com/redis/go-redis/v9"

	xerrors "StratVault-Chain/internal/errors"
)

// RedisProcessedConfig 描述 Redis 去重集合的连接参数。
type RedisProcessedConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisProcessedSet 用 Redis SETNX 实现跨进程的去重集合。
// 键不设过期时间，和链上的只增集合语义一致。
type RedisProcessedSet struct {
	client *redis.Client
	prefix string
}

// NewRedisProcessedSet 创建 Redis 去重集合实例。
func NewRedisProcessedSet(cfg RedisProcessedConfig) (*RedisProcessedSet, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "stratvault:bridge:processed:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return &RedisProcessedSet{client: client, prefix: prefix}, nil
}

// MarkProcessed 实现 ProcessedSet 接口。
func (s *RedisProcessedSet) MarkProcessed(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return false, xerrors.New(xerrors.CodeInvalidArgument, "消息 ID 不能为空")
	}
	ok, err := s.client.SetNX(ctx, s.prefix+messageID, 1, 0).Result()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入去重集合失败")
	}
	return ok, nil
}

// Close 关闭 Redis 连接。
func (s *RedisProcessedSet) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// ensure interface compliance at compile time
var _ ProcessedSet = (*RedisProcessedSet)(nil)
