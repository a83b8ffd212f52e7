package mutex

import (
	"context"
	"sync"

	"cronkeeper/internal/fault"
	logx "cronkeeper/pkg/logx"
)

// Lease is a lock held by this process.
type Lease interface {
	Unlock(ctx context.Context) error
}

// LockService is the primitive behind KindLockService.
type LockService interface {
	// TryLock never blocks; ok is false if the key is held elsewhere.
	TryLock(ctx context.Context, key string) (lease Lease, ok bool, err error)
	// Held reports whether any holder currently has key.
	Held(ctx context.Context, key string) (bool, error)
}

// LockServiceMutex adapts a LockService. Leases live in this process only, so
// a release issued by a process that never acquired is a no-op. The
// dispatcher drops its leases with ReleaseAll once a pass is over.
type LockServiceMutex struct {
	svc LockService
	log logx.Logger

	mu     sync.Mutex
	leases map[string]Lease
}

func NewLockService(svc LockService, log logx.Logger) *LockServiceMutex {
	return &LockServiceMutex{svc: svc, log: log, leases: make(map[string]Lease)}
}

func (m *LockServiceMutex) Kind() Kind { return KindLockService }

func (m *LockServiceMutex) Acquire(ctx context.Context, taskID string) (bool, error) {
	if err := requireID("acquire", taskID); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.leases[taskID]; ok {
		return false, nil
	}
	lease, ok, err := m.svc.TryLock(ctx, taskID)
	if err != nil {
		return false, fault.Lock("acquire", err)
	}
	if !ok {
		return false, nil
	}
	m.leases[taskID] = lease
	return true, nil
}

func (m *LockServiceMutex) Release(ctx context.Context, taskID string) (bool, error) {
	if err := requireID("release", taskID); err != nil {
		return false, err
	}
	m.mu.Lock()
	lease, ok := m.leases[taskID]
	delete(m.leases, taskID)
	m.mu.Unlock()
	if !ok {
		m.log.Debug("release without local lease", logx.String("task_id", taskID))
		return true, nil
	}
	if err := lease.Unlock(ctx); err != nil {
		return false, fault.Lock("release", err)
	}
	return true, nil
}

func (m *LockServiceMutex) Exists(ctx context.Context, taskID string) (bool, error) {
	if err := requireID("exists", taskID); err != nil {
		return false, err
	}
	m.mu.Lock()
	_, local := m.leases[taskID]
	m.mu.Unlock()
	if local {
		return true, nil
	}
	held, err := m.svc.Held(ctx, taskID)
	if err != nil {
		return false, fault.Lock("exists", err)
	}
	return held, nil
}

// ReleaseAll drops every lease held by this process and returns how many
// were released.
func (m *LockServiceMutex) ReleaseAll(ctx context.Context) int {
	m.mu.Lock()
	leases := m.leases
	m.leases = make(map[string]Lease)
	m.mu.Unlock()

	n := 0
	for id, lease := range leases {
		if err := lease.Unlock(ctx); err != nil {
			m.log.Warn("release lease", logx.String("task_id", id), logx.Err(err))
			continue
		}
		n++
	}
	return n
}
