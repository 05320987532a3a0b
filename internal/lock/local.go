package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LocalLock 进程内的锁，单实例部署或测试使用
type LocalLock struct {
	mu    sync.Mutex
	locks map[string]time.Time // 锁名 -> 过期时间
	now   func() time.Time
}

func NewLocalLock() *LocalLock {
	return &LocalLock{
		locks: make(map[string]time.Time),
		now:   time.Now,
	}
}

func (l *LocalLock) AcquireLock(_ context.Context, lockName string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if expiresAt, ok := l.locks[lockName]; ok && now.Before(expiresAt) {
		return false, nil
	}
	l.locks[lockName] = now.Add(ttl)
	return true, nil
}

func (l *LocalLock) RefreshLock(_ context.Context, lockName string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	expiresAt, ok := l.locks[lockName]
	if !ok {
		return false, fmt.Errorf("锁 %s 不存在或未持有", lockName)
	}
	now := l.now()
	if !now.Before(expiresAt) {
		delete(l.locks, lockName)
		return false, nil
	}
	l.locks[lockName] = now.Add(ttl)
	return true, nil
}

func (l *LocalLock) ReleaseLock(_ context.Context, lockName string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.locks, lockName)
	return nil
}

func (l *LocalLock) ReleaseAllLocks(_ context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.locks = make(map[string]time.Time)
}

func (l *LocalLock) Close() error {
	l.ReleaseAllLocks(context.Background())
	return nil
}
