package acp

import (
	"sync"

	"github.com/agentmesh/agentmesh/internal/storage"
)

// AdvisoryLock serializes message sends per (agent, task) pair within this
// process. Holding the lock is advisory: it protects reply assembly from
// interleaving, not the agent itself.
type AdvisoryLock struct {
	mu   sync.Mutex
	held map[lockKey]struct{}
}

type lockKey struct {
	agentID string
	taskID  string
}

// NewAdvisoryLock creates an empty lock table.
func NewAdvisoryLock() *AdvisoryLock {
	return &AdvisoryLock{held: make(map[lockKey]struct{})}
}

// TryAcquire takes the lock for the pair, failing immediately when another
// send holds it. The returned release function is idempotent.
func (l *AdvisoryLock) TryAcquire(agentID, taskID string) (func(), error) {
	key := lockKey{agentID: agentID, taskID: taskID}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.held[key]; taken {
		return nil, storage.Clientf("agent already processing message send for task")
	}
	l.held[key] = struct{}{}

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}
	return release, nil
}
