package swmcore

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// poolable is satisfied by both HttpContext and WsContext (§4.6). It is
// only ever used as a generic constraint, so embedding comparable here
// (required so the pool's membership set can key on the pointer itself)
// doesn't limit it to concrete comparable types at the call site — both
// context types are always handled through their pointer, which is
// comparable.
type poolable interface {
	comparable
	clear()
}

// ContextPool is a LIFO cache of reusable contexts with a membership set
// that rejects double-release (§4.6). It is intentionally generic over
// the two context types the core recycles.
type ContextPool[T poolable] struct {
	mu      sync.Mutex
	stack   []T
	max     int
	factory func(pool *ContextPool[T]) T

	// membership is a weak identity set: it only needs to answer "is
	// this exact pointer currently sitting in the stack", so a
	// concurrent map keyed by the pointer value is enough and tolerates
	// external discard of an object that never comes back.
	membership *xsync.MapOf[T, struct{}]
}

// NewContextPool builds a pool with the given max retained size and
// factory. Pass max=0 to clear() every released object without ever
// retaining it (still useful for tests that want deterministic no-pooling
// behavior).
func NewContextPool[T poolable](max int, factory func(pool *ContextPool[T]) T) *ContextPool[T] {
	return &ContextPool[T]{
		max:        max,
		factory:    factory,
		membership: xsync.NewMapOf[T, struct{}](),
	}
}

// Acquire pops the most recently released context, or builds a fresh one
// via the factory on a miss.
func (p *ContextPool[T]) Acquire() T {
	p.mu.Lock()
	n := len(p.stack)
	if n == 0 {
		p.mu.Unlock()
		return p.factory(p)
	}
	v := p.stack[n-1]
	var zero T
	p.stack[n-1] = zero
	p.stack = p.stack[:n-1]
	p.mu.Unlock()
	p.membership.Delete(v)
	return v
}

// Release clears obj and, unless the pool is at capacity (or obj is
// already present), pushes it back onto the stack. A second release of
// the same object is a no-op at the pool level, but clear() still runs
// exactly once per call — it is obj's own job to make repeat clear()
// calls cheap.
func (p *ContextPool[T]) Release(obj T) {
	obj.clear()
	if p.max == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, present := p.membership.Load(obj); present {
		return
	}
	if len(p.stack) >= p.max {
		return
	}
	p.stack = append(p.stack, obj)
	p.membership.Store(obj, struct{}{})
}

// Clear drops every retained entry and resets membership.
func (p *ContextPool[T]) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stack = p.stack[:0]
	p.membership = xsync.NewMapOf[T, struct{}]()
}
