// Package lock provides non-blocking mutual exclusion for sync runs, keyed by
// company, provider and environment.
package lock

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
)

// Key identifies one lockable sync target
type Key struct {
	CompanyID   int64
	Provider    string
	Environment string
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%s:%s", k.CompanyID, k.Provider, k.Environment)
}

// ID hashes the key into [0, 2^31) so it fits a Postgres advisory lock key
func (k Key) ID() int64 {
	h := fnv.New32a()
	h.Write([]byte(k.String()))
	return int64(h.Sum32() & 0x7fffffff)
}

// Locker never blocks. TryAcquire reports false when the key is held
// elsewhere; Release is best-effort and never fails.
type Locker interface {
	TryAcquire(ctx context.Context, key Key) bool
	Release(ctx context.Context, key Key)
	Degraded() bool
}

// localGuard enforces exclusivity inside one process regardless of backend
type localGuard struct {
	mu   sync.Mutex
	held map[int64]struct{}
}

func newLocalGuard() *localGuard {
	return &localGuard{held: make(map[int64]struct{})}
}

func (g *localGuard) acquire(id int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.held[id]; ok {
		return false
	}
	g.held[id] = struct{}{}
	return true
}

func (g *localGuard) release(id int64) {
	g.mu.Lock()
	delete(g.held, id)
	g.mu.Unlock()
}
