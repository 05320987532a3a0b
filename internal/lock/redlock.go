package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/facevote/config"
)

const (
	// 只刷新自己持有的锁
	refreshScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		else
			return 0
		end
	`
	// 只释放自己持有的锁
	unlockScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
)

type RedLock struct {
	clients   []*redis.Client
	addresses []string
	logger    *zap.Logger
	retries   int

	mu    sync.Mutex
	locks map[string]string // key是锁名，value是token值
}

// NewRedLock 创建新的分布式锁客户端
func NewRedLock(ctx context.Context, cfg config.RedisConfig, lockCfg config.LockConfig, logger *zap.Logger) (*RedLock, error) {
	var clients []*redis.Client

	for _, addr := range cfg.LockAddresses {
		client := redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			MaxRetries:   cfg.MaxRetries,
			DialTimeout:  cfg.Timeout,
			ReadTimeout:  cfg.Timeout,
			WriteTimeout: cfg.Timeout,
		})

		if err := client.Ping(ctx).Err(); err != nil {
			for _, c := range clients {
				c.Close()
			}
			client.Close()
			return nil, fmt.Errorf("Redis锁节点 %s 连接测试失败: %w", addr, err)
		}

		clients = append(clients, client)
	}

	retries := lockCfg.RetryCount
	if retries <= 0 {
		retries = 1
	}

	return &RedLock{
		clients:   clients,
		addresses: cfg.LockAddresses,
		logger:    logger.Named("lock"),
		retries:   retries,
		locks:     make(map[string]string),
	}, nil
}

func (r *RedLock) quorum() int {
	return len(r.clients)/2 + 1
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// AcquireLock 获取分布式锁
func (r *RedLock) AcquireLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	_, held := r.locks[lockName]
	r.mu.Unlock()
	if held {
		return false, nil
	}

	token, err := newToken()
	if err != nil {
		return false, fmt.Errorf("生成锁令牌失败: %w", err)
	}

	// Redlock算法: 尝试在多个节点上获取锁
	for attempt := 0; attempt < r.retries; attempt++ {
		success := 0
		start := time.Now()

		for i, client := range r.clients {
			ok, err := client.SetNX(ctx, lockName, token, ttl).Result()
			if err != nil {
				r.logger.Warn("在节点获取锁失败",
					zap.String("node", r.addresses[i]), zap.String("lock", lockName), zap.Error(err))
				continue
			}
			if ok {
				success++
			}
		}

		// 判断是否在多数节点获取成功
		validity := ttl - time.Since(start)
		if success >= r.quorum() && validity > 0 {
			r.mu.Lock()
			r.locks[lockName] = token
			r.mu.Unlock()
			return true, nil
		}

		// 获取失败，释放所有节点上的锁
		r.unlockAll(ctx, lockName, token)

		if attempt < r.retries-1 {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
		}
	}

	return false, nil
}

// RefreshLock 刷新锁的过期时间
func (r *RedLock) RefreshLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	token, exists := r.locks[lockName]
	r.mu.Unlock()
	if !exists {
		return false, fmt.Errorf("锁 %s 不存在或未持有", lockName)
	}

	success := 0
	for i, client := range r.clients {
		result, err := client.Eval(ctx, refreshScript, []string{lockName}, token, int(ttl/time.Millisecond)).Int64()
		if err != nil {
			r.logger.Warn("在节点刷新锁失败",
				zap.String("node", r.addresses[i]), zap.String("lock", lockName), zap.Error(err))
			continue
		}
		if result == 1 {
			success++
		}
	}

	if success >= r.quorum() {
		return true, nil
	}

	r.mu.Lock()
	delete(r.locks, lockName)
	r.mu.Unlock()
	return false, nil
}

// ReleaseLock 释放分布式锁
func (r *RedLock) ReleaseLock(ctx context.Context, lockName string) error {
	r.mu.Lock()
	token, exists := r.locks[lockName]
	delete(r.locks, lockName)
	r.mu.Unlock()
	if !exists {
		return fmt.Errorf("锁 %s 不存在或未持有", lockName)
	}

	r.unlockAll(ctx, lockName, token)
	return nil
}

// unlockAll 在所有节点上释放锁
func (r *RedLock) unlockAll(ctx context.Context, lockName string, token string) {
	for i, client := range r.clients {
		if err := client.Eval(ctx, unlockScript, []string{lockName}, token).Err(); err != nil {
			r.logger.Warn("在节点释放锁失败",
				zap.String("node", r.addresses[i]), zap.String("lock", lockName), zap.Error(err))
		}
	}
}

// ReleaseAllLocks 释放所有持有的锁
func (r *RedLock) ReleaseAllLocks(ctx context.Context) {
	r.mu.Lock()
	locks := r.locks
	r.locks = make(map[string]string)
	r.mu.Unlock()

	for name, token := range locks {
		r.unlockAll(ctx, name, token)
	}
}

// Close 关闭分布式锁客户端
func (r *RedLock) Close() error {
	r.ReleaseAllLocks(context.Background())

	for _, client := range r.clients {
		if err := client.Close(); err != nil {
			r.logger.Warn("关闭Redis客户端失败", zap.Error(err))
		}
	}
	return nil
}
