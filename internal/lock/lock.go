package lock

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lvdashuaibi/facevote/config"
)

// Lock 分布式锁接口
type Lock interface {
	// AcquireLock 获取分布式锁
	// 返回值：bool表示是否成功获取锁（锁被他人持有时为false），error表示获取过程中的错误
	AcquireLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error)

	// RefreshLock 刷新锁的过期时间
	RefreshLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error)

	// ReleaseLock 释放分布式锁
	ReleaseLock(ctx context.Context, lockName string) error

	// ReleaseAllLocks 释放所有持有的锁
	ReleaseAllLocks(ctx context.Context)

	// Close 关闭分布式锁客户端
	Close() error
}

// New 按配置创建锁后端
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Lock, error) {
	switch cfg.Lock.Backend {
	case "etcd":
		return NewETCDLock(cfg.ETCD, logger)
	case "redis":
		return NewRedLock(ctx, cfg.Redis, cfg.Lock, logger)
	case "none", "":
		return NewLocalLock(), nil
	default:
		return nil, fmt.Errorf("不支持的锁后端: %s", cfg.Lock.Backend)
	}
}
