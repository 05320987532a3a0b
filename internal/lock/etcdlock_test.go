package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// fakeBackend 内存版etcd；gate中的key在通道关闭前阻塞
type fakeBackend struct {
	mu       sync.Mutex
	held     map[string]clientv3.LeaseID
	nextID   clientv3.LeaseID
	gate     map[string]chan struct{}
	entered  chan string
	unlocked []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		held:    make(map[string]clientv3.LeaseID),
		gate:    make(map[string]chan struct{}),
		entered: make(chan string, 8),
	}
}

func (b *fakeBackend) tryLock(ctx context.Context, key string, _ int64) (clientv3.LeaseID, bool, error) {
	b.mu.Lock()
	gate := b.gate[key]
	b.mu.Unlock()
	b.entered <- key
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return 0, false, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.held[key]; ok {
		return 0, false, nil
	}
	b.nextID++
	b.held[key] = b.nextID
	return b.nextID, true, nil
}

func (b *fakeBackend) keepAliveOnce(_ context.Context, id clientv3.LeaseID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, held := range b.held {
		if held == id {
			return nil
		}
	}
	return ErrLeaseGone
}

func (b *fakeBackend) unlock(_ context.Context, key string, _ clientv3.LeaseID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.held, key)
	b.unlocked = append(b.unlocked, key)
	return nil
}

func (b *fakeBackend) close() error { return nil }

func TestEtcdLockDoesNotSerializeDifferentNames(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	release := make(chan struct{})
	backend.gate["/locks/facevote:vote:slow"] = release
	l := newEtcdLock(backend, zap.NewNop())
	defer l.Close()

	slowDone := make(chan bool, 1)
	go func() {
		ok, _ := l.AcquireLock(ctx, "facevote:vote:slow", time.Minute)
		slowDone <- ok
	}()
	<-backend.entered

	fastDone := make(chan bool, 1)
	go func() {
		ok, _ := l.AcquireLock(ctx, "facevote:vote:fast", time.Minute)
		fastDone <- ok
	}()
	select {
	case ok := <-fastDone:
		if !ok {
			t.Error("Expected unrelated lock to be acquired")
		}
	case <-time.After(time.Second):
		t.Fatal("Acquire of an unrelated name waited on an in-flight etcd round-trip")
	}

	// 正在获取中的同名锁直接失败
	ok, err := l.AcquireLock(ctx, "facevote:vote:slow", time.Minute)
	if err != nil || ok {
		t.Errorf("Expected in-flight name to be busy, got %v %v", ok, err)
	}

	close(release)
	if ok := <-slowDone; !ok {
		t.Error("Expected gated acquire to succeed once etcd answers")
	}
}

func TestEtcdLockReleaseAndRefresh(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	l := newEtcdLock(backend, zap.NewNop())

	if ok, err := l.AcquireLock(ctx, "facevote:vote:1", time.Minute); err != nil || !ok {
		t.Fatalf("AcquireLock failed: %v %v", ok, err)
	}
	if ok, err := l.RefreshLock(ctx, "facevote:vote:1", time.Minute); err != nil || !ok {
		t.Errorf("RefreshLock failed: %v %v", ok, err)
	}
	if _, err := l.RefreshLock(ctx, "facevote:vote:2", time.Minute); err == nil {
		t.Error("Expected error refreshing a lock that is not held")
	}

	if err := l.ReleaseLock(ctx, "facevote:vote:1"); err != nil {
		t.Fatalf("ReleaseLock failed: %v", err)
	}
	if ok, _ := l.AcquireLock(ctx, "facevote:vote:1", time.Minute); !ok {
		t.Error("Expected acquire after release to succeed")
	}

	// 租约在etcd中过期后刷新返回false并丢弃本地记录
	backend.mu.Lock()
	delete(backend.held, "/locks/facevote:vote:1")
	backend.mu.Unlock()
	if ok, err := l.RefreshLock(ctx, "facevote:vote:1", time.Minute); err != nil || ok {
		t.Errorf("Expected expired lease to report false, got %v %v", ok, err)
	}

	l.AcquireLock(ctx, "facevote:catalog:seed:lock", time.Minute)
	l.ReleaseAllLocks(ctx)
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.held) != 0 {
		t.Errorf("Expected all locks released, still held: %v", backend.held)
	}
}
