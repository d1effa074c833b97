package container

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeRuntime struct {
	mu        sync.Mutex
	created   []string
	destroyed []string
	unhealthy map[string]bool
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{unhealthy: map[string]bool{}}
}

func (f *fakeRuntime) Name() string { return "fake" }

func (f *fakeRuntime) Create(_ context.Context, _, containerID, _, _ string, _ Policy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, containerID)
	return nil
}

func (f *fakeRuntime) Healthy(_ context.Context, containerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.unhealthy[containerID]
}

func (f *fakeRuntime) Destroy(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, containerID)
	return nil
}

func (f *fakeRuntime) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func newTestPool(t *testing.T, rt Runtime, capacity int, idleTTL time.Duration) *Pool {
	t.Helper()
	return NewPool(rt, capacity, idleTTL, t.TempDir(), t.TempDir(), DefaultPolicy(), zerolog.Nop())
}

func TestAcquireReusesDescriptorForSameConversation(t *testing.T) {
	rt := newFakeRuntime()
	pool := newTestPool(t, rt, 2, time.Minute)

	d1, err := pool.Acquire(context.Background(), "t1", "conv-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	d2, err := pool.Acquire(context.Background(), "t1", "conv-1")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if d1.ContainerID != d2.ContainerID {
		t.Fatalf("expected the same descriptor for one conversation, got %s and %s", d1.ContainerID, d2.ContainerID)
	}
	if rt.createdCount() != 1 {
		t.Fatalf("expected one container created, got %d", rt.createdCount())
	}
}

func TestReleaseReturnsHealthyContainerToWarmPool(t *testing.T) {
	rt := newFakeRuntime()
	pool := newTestPool(t, rt, 2, time.Minute)

	d, err := pool.Acquire(context.Background(), "t1", "conv-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	pool.Release(context.Background(), d, Outcome{Healthy: true})

	h := pool.Health()
	if h.Warm != 1 || h.Allocated != 0 {
		t.Fatalf("expected warm=1 allocated=0, got warm=%d allocated=%d", h.Warm, h.Allocated)
	}

	d2, err := pool.Acquire(context.Background(), "t1", "conv-1")
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if d2.ContainerID != d.ContainerID {
		t.Fatalf("expected warm reuse of %s, got %s", d.ContainerID, d2.ContainerID)
	}
	if rt.createdCount() != 1 {
		t.Fatalf("expected no second cold start, got %d creates", rt.createdCount())
	}
}

func TestReleaseDestroysCrashedContainer(t *testing.T) {
	rt := newFakeRuntime()
	pool := newTestPool(t, rt, 2, time.Minute)

	d, _ := pool.Acquire(context.Background(), "t1", "conv-1")
	pool.Release(context.Background(), d, Outcome{Healthy: false, Crashed: true})

	if d.State != StateDead {
		t.Fatalf("expected dead state, got %s", d.State)
	}
	h := pool.Health()
	if h.Warm != 0 || h.Allocated != 0 {
		t.Fatalf("expected empty pool, got warm=%d allocated=%d", h.Warm, h.Allocated)
	}
}

func TestReapDestroysIdleWarmContainers(t *testing.T) {
	rt := newFakeRuntime()
	pool := newTestPool(t, rt, 2, time.Millisecond)

	d, _ := pool.Acquire(context.Background(), "t1", "conv-1")
	pool.Release(context.Background(), d, Outcome{Healthy: true})
	time.Sleep(5 * time.Millisecond)

	if n := pool.Reap(context.Background()); n != 1 {
		t.Fatalf("expected 1 reaped, got %d", n)
	}
	if pool.Health().Warm != 0 {
		t.Fatalf("expected empty warm pool after reap")
	}
}

func TestReapDestroysUnhealthyRunningContainers(t *testing.T) {
	rt := newFakeRuntime()
	pool := newTestPool(t, rt, 2, time.Minute)

	d, _ := pool.Acquire(context.Background(), "t1", "conv-1")
	rt.mu.Lock()
	rt.unhealthy[d.ContainerID] = true
	rt.mu.Unlock()

	if n := pool.Reap(context.Background()); n != 1 {
		t.Fatalf("expected 1 reaped, got %d", n)
	}
	if pool.Health().Allocated != 0 {
		t.Fatalf("expected descriptor removed after health-probe reap")
	}
}

func TestRecoverAllocatesReplacement(t *testing.T) {
	rt := newFakeRuntime()
	pool := newTestPool(t, rt, 2, time.Minute)

	dead, _ := pool.Acquire(context.Background(), "t1", "conv-1")
	fresh, err := pool.Recover(context.Background(), "t1", "conv-1", dead)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if fresh.ContainerID == dead.ContainerID {
		t.Fatalf("expected a fresh container after recover")
	}
	if dead.State != StateDead {
		t.Fatalf("expected dead descriptor to be terminal, got %s", dead.State)
	}
	if pool.Health().Allocated != 1 {
		t.Fatalf("expected exactly one allocated descriptor after recover")
	}
}

func TestHooksFireAroundContainerLifecycle(t *testing.T) {
	rt := newFakeRuntime()
	pool := newTestPool(t, rt, 0, time.Minute)

	var bound, unbound []string
	pool.OnPreStart(func(containerID, socketPath string) error {
		bound = append(bound, containerID)
		return nil
	})
	pool.OnDestroy(func(containerID, socketPath string) {
		unbound = append(unbound, containerID)
	})

	d, err := pool.Acquire(context.Background(), "t1", "conv-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if len(bound) != 1 || bound[0] != d.ContainerID {
		t.Fatalf("expected pre-start hook for %s, got %v", d.ContainerID, bound)
	}

	// Capacity 0: release can never park the container warm.
	pool.Release(context.Background(), d, Outcome{Healthy: true})
	if len(unbound) != 1 || unbound[0] != d.ContainerID {
		t.Fatalf("expected destroy hook for %s, got %v", d.ContainerID, unbound)
	}
}
