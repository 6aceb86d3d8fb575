package trigger

import (
	"sync"
	"sync/atomic"

	"github.com/bleepstore/bleepfs/internal/uid"
)

// Operation carries the state of one logical write across the trigger hooks.
// Scratch values set by one hook are visible to the later hooks of the same
// write and to no other write. Internal writes issued on behalf of the write
// reuse the same Operation, so they see its suppression state.
type Operation struct {
	ID   string
	Name string

	mu    sync.Mutex
	state map[string]any

	suppressed atomic.Int32
}

// NewOperation starts a logical write of name.
func NewOperation(name string) *Operation {
	return &Operation{
		ID:    uid.New(),
		Name:  name,
		state: make(map[string]any),
	}
}

// Set stores a scratch value under key.
func (op *Operation) Set(key string, value any) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.state[key] = value
}

// Get returns the scratch value stored under key.
func (op *Operation) Get(key string) (any, bool) {
	op.mu.Lock()
	defer op.mu.Unlock()
	v, ok := op.state[key]
	return v, ok
}

// Int64 returns the scratch value under key if it holds an int64.
func (op *Operation) Int64(key string) (int64, bool) {
	v, ok := op.Get(key)
	if !ok {
		return 0, false
	}
	n, ok := v.(int64)
	return n, ok
}

// Delete removes key and returns the value it held.
func (op *Operation) Delete(key string) (any, bool) {
	op.mu.Lock()
	defer op.mu.Unlock()
	v, ok := op.state[key]
	delete(op.state, key)
	return v, ok
}

// Finish discards all scratch state. It is called when the write ends,
// whether it succeeded or not.
func (op *Operation) Finish() {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.state = make(map[string]any)
}

// Suppressed reports whether writes issued under op must bypass the pipeline.
func (op *Operation) Suppressed() bool {
	return op.suppressed.Load() > 0
}

// SuppressTriggers disables trigger dispatch for writes issued under op until
// the returned Guard is released. Guards nest.
//
//	guard := op.SuppressTriggers()
//	defer guard.Release()
func (op *Operation) SuppressTriggers() *Guard {
	op.suppressed.Add(1)
	return &Guard{counter: &op.suppressed}
}

// Guard re-enables trigger dispatch when released.
type Guard struct {
	counter *atomic.Int32
	once    sync.Once
}

// Release ends the suppression scope. Calling it more than once has no
// further effect.
func (g *Guard) Release() {
	g.once.Do(func() {
		g.counter.Add(-1)
	})
}
