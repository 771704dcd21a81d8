package reference

import (
	"io"
	"reflect"
	"sync/atomic"
)

// Make
// wraps value with one reference held by the caller.
func Make[E io.Closer](value E) *Pointer[E] {
	if reflect.ValueOf(value).IsNil() {
		panic("value is nil")
	}
	p := &Pointer[E]{value: value}
	p.count.Store(1)
	return p
}

// Pointer
// reference counted closer, value is closed when the last reference goes.
type Pointer[E io.Closer] struct {
	value  E
	count  atomic.Int64
	closed atomic.Bool
}

// Value
// borrows the value without taking a reference.
func (pointer *Pointer[E]) Value() E {
	return pointer.value
}

// Pin
// takes a reference. It reports false once the value is closed.
func (pointer *Pointer[E]) Pin() (E, bool) {
	for {
		n := pointer.count.Load()
		if n < 1 {
			return pointer.value, false
		}
		if pointer.count.CompareAndSwap(n, n+1) {
			return pointer.value, true
		}
	}
}

func (pointer *Pointer[E]) Count() int64 {
	return pointer.count.Load()
}

func (pointer *Pointer[E]) Closed() bool {
	return pointer.closed.Load()
}

// Close
// drops one reference.
func (pointer *Pointer[E]) Close() error {
	if n := pointer.count.Add(-1); n == 0 {
		if pointer.closed.CompareAndSwap(false, true) {
			return pointer.value.Close()
		}
	}
	return nil
}
