package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/facevote/config"
)

const (
	minLeaseTTL = 5 // 最小租约时间（秒）
)

// ErrLeaseGone 租约已在etcd中过期
var ErrLeaseGone = errors.New("lease not found")

// leaseBackend etcd上锁用到的网络操作
type leaseBackend interface {
	// tryLock 创建租约，key不存在时写入；返回是否拿到锁
	tryLock(ctx context.Context, key string, leaseTTL int64) (clientv3.LeaseID, bool, error)
	keepAliveOnce(ctx context.Context, id clientv3.LeaseID) error
	unlock(ctx context.Context, key string, id clientv3.LeaseID) error
	close() error
}

// EtcdLock 基于etcd租约和事务的分布式锁
type EtcdLock struct {
	backend leaseBackend
	logger  *zap.Logger

	// mu 只保护locks，不在持有期间访问etcd
	mu sync.Mutex
	// 值为nil表示正在获取中
	locks map[string]*lockEntry
}

type lockEntry struct {
	leaseID clientv3.LeaseID
	key     string
	cancel  context.CancelFunc // 用于停止自动续约
}

func NewETCDLock(cfg config.ETCDConfig, logger *zap.Logger) (*EtcdLock, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("创建etcd客户端失败: %w", err)
	}
	return newEtcdLock(&etcdBackend{client: cli}, logger), nil
}

func newEtcdLock(backend leaseBackend, logger *zap.Logger) *EtcdLock {
	return &EtcdLock{
		backend: backend,
		logger:  logger.Named("lock"),
		locks:   make(map[string]*lockEntry),
	}
}

func leaseSeconds(ttl time.Duration) int64 {
	secs := int64(ttl / time.Second)
	if secs < minLeaseTTL {
		return minLeaseTTL
	}
	return secs
}

func (el *EtcdLock) AcquireLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error) {
	// 先在本地占位，同名的并发请求直接失败
	el.mu.Lock()
	if _, ok := el.locks[lockName]; ok {
		el.mu.Unlock()
		return false, nil
	}
	el.locks[lockName] = nil
	el.mu.Unlock()

	key := fmt.Sprintf("/locks/%s", lockName)
	leaseTTL := leaseSeconds(ttl)
	leaseID, acquired, err := el.backend.tryLock(ctx, key, leaseTTL)

	el.mu.Lock()
	defer el.mu.Unlock()
	if err != nil || !acquired {
		delete(el.locks, lockName)
		return false, err
	}

	keepAliveCtx, keepAliveCancel := context.WithCancel(context.Background())
	go el.keepAlive(keepAliveCtx, leaseID, leaseTTL)
	el.locks[lockName] = &lockEntry{
		leaseID: leaseID,
		key:     key,
		cancel:  keepAliveCancel,
	}
	return true, nil
}

func (el *EtcdLock) RefreshLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error) {
	el.mu.Lock()
	entry := el.locks[lockName]
	el.mu.Unlock()
	if entry == nil {
		return false, fmt.Errorf("未持有锁 %s", lockName)
	}

	if err := el.backend.keepAliveOnce(ctx, entry.leaseID); err != nil {
		if errors.Is(err, ErrLeaseGone) {
			el.mu.Lock()
			if el.locks[lockName] == entry {
				delete(el.locks, lockName)
			}
			el.mu.Unlock()
			entry.cancel()
			return false, nil
		}
		return false, fmt.Errorf("续约失败: %w", err)
	}
	return true, nil
}

func (el *EtcdLock) ReleaseLock(ctx context.Context, lockName string) error {
	el.mu.Lock()
	entry := el.detach(lockName)
	el.mu.Unlock()

	return el.release(ctx, entry)
}

func (el *EtcdLock) ReleaseAllLocks(ctx context.Context) {
	el.mu.Lock()
	held := make(map[string]*lockEntry, len(el.locks))
	for lockName := range el.locks {
		if entry := el.detach(lockName); entry != nil {
			held[lockName] = entry
		}
	}
	el.mu.Unlock()

	for lockName, entry := range held {
		if err := el.release(ctx, entry); err != nil {
			el.logger.Warn("释放锁失败", zap.String("lock", lockName), zap.Error(err))
		}
	}
}

func (el *EtcdLock) Close() error {
	el.ReleaseAllLocks(context.Background())
	return el.backend.close()
}

func (el *EtcdLock) keepAlive(ctx context.Context, leaseID clientv3.LeaseID, leaseTTL int64) {
	ticker := time.NewTicker(time.Duration(leaseTTL) * time.Second / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := el.backend.keepAliveOnce(ctx, leaseID); err != nil {
				el.logger.Warn("租约续约失败", zap.Int64("lease", int64(leaseID)), zap.Error(err))
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// detach 从locks中取出已持有的锁，调用方持有mu；正在获取中的占位不动
func (el *EtcdLock) detach(lockName string) *lockEntry {
	entry := el.locks[lockName]
	if entry == nil {
		return nil
	}
	delete(el.locks, lockName)
	return entry
}

func (el *EtcdLock) release(ctx context.Context, entry *lockEntry) error {
	if entry == nil {
		return nil
	}
	entry.cancel()
	return el.backend.unlock(ctx, entry.key, entry.leaseID)
}

// etcdBackend 通过clientv3访问etcd
type etcdBackend struct {
	client *clientv3.Client
}

func (b *etcdBackend) tryLock(ctx context.Context, key string, leaseTTL int64) (clientv3.LeaseID, bool, error) {
	lease := clientv3.NewLease(b.client)
	grantResp, err := lease.Grant(ctx, leaseTTL)
	if err != nil {
		return 0, false, fmt.Errorf("创建租约失败: %w", err)
	}

	txnResp, err := b.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, "", clientv3.WithLease(grantResp.ID))).
		Commit()
	if err != nil {
		lease.Revoke(context.Background(), grantResp.ID)
		return 0, false, fmt.Errorf("事务执行失败: %w", err)
	}
	if !txnResp.Succeeded {
		lease.Revoke(context.Background(), grantResp.ID)
		return 0, false, nil
	}
	return grantResp.ID, true, nil
}

func (b *etcdBackend) keepAliveOnce(ctx context.Context, id clientv3.LeaseID) error {
	_, err := clientv3.NewLease(b.client).KeepAliveOnce(ctx, id)
	if errors.Is(err, rpctypes.ErrLeaseNotFound) {
		return ErrLeaseGone
	}
	return err
}

func (b *etcdBackend) unlock(ctx context.Context, key string, id clientv3.LeaseID) error {
	if _, err := b.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("删除键失败: %w", err)
	}
	if _, err := clientv3.NewLease(b.client).Revoke(ctx, id); err != nil {
		return fmt.Errorf("释放租约失败: %w", err)
	}
	return nil
}

func (b *etcdBackend) close() error {
	return b.client.Close()
}
