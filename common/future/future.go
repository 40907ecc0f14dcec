// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package future

// Result encapsulates a value along with an error. It is intended to be used
// in scenarios where a single type is needed to represent the outcome of an
// operation that can either succeed with a value of type T or fail with an
// error. This may, for instance, be useful for channels or containers.
type Result[T any] struct {
	Value T
	Error error
}

func Ok[T any](value T) Result[T] {
	return Result[T]{Value: value}
}

func Err[T any](err error) Result[T] {
	return Result[T]{Error: err}
}

// Get returns the value and error contained in the Result.
func (r Result[T]) Get() (T, error) {
	return r.Value, r.Error
}

// Promise is the producing end of a one-shot value exchange. It must be
// fulfilled exactly once. The zero value is an unconnected promise.
type Promise[T any] chan<- T

// Future is the consuming end of a one-shot value exchange. Await blocks
// until the corresponding promise is fulfilled.
type Future[T any] struct {
	ch    <-chan T
	value *T
}

// Create produces a connected promise/future pair. The promise may be
// fulfilled from a different goroutine than the one awaiting the future.
func Create[T any]() (Promise[T], Future[T]) {
	ch := make(chan T, 1)
	return Promise[T](ch), Future[T]{ch: ch}
}

// Immediate returns a future that is already fulfilled with the given value.
func Immediate[T any](value T) Future[T] {
	return Future[T]{value: &value}
}

// Fulfill delivers the value to the awaiting future. Fulfilling a promise
// more than once is an error.
func (p Promise[T]) Fulfill(value T) {
	p <- value
}

// Await blocks until the value is available and returns it. Repeated calls
// return the same value without blocking.
func (f *Future[T]) Await() T {
	if f.value == nil {
		value := <-f.ch
		f.value = &value
	}
	return *f.value
}
