package pipemsg

import "sync"

// observers is an append-only list of callbacks for one event type.
type observers[T any] struct {
	mu  sync.RWMutex
	fns []func(T)
}

func (o *observers[T]) subscribe(fn func(T)) {
	if fn == nil {
		return
	}
	o.mu.Lock()
	o.fns = append(o.fns, fn)
	o.mu.Unlock()
}

// emit calls every registered callback in registration order.
// Callbacks run outside the lock and may subscribe further observers.
func (o *observers[T]) emit(v T) {
	o.mu.RLock()
	fns := o.fns[:len(o.fns):len(o.fns)]
	o.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}
