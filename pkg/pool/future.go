// Copyright 2024 Nokia
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pool

import (
	"context"
	"sync"
)

// Future is the single-resolution handle returned by Submit.
type Future struct {
	once  sync.Once
	done  chan struct{}
	value float64
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func rejectedFuture(err error) *Future {
	f := newFuture()
	f.settle(0, err)
	return f
}

// settle resolves the future. Only the first call has an effect; it
// reports whether this call was the one that resolved it.
func (f *Future) settle(v float64, err error) bool {
	settled := false
	f.once.Do(func() {
		f.value, f.err = v, err
		close(f.done)
		settled = true
	})
	return settled
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result returns the outcome once Done is closed. Before that it fails with
// ErrNotResolved.
func (f *Future) Result() (float64, error) {
	select {
	case <-f.done:
		return f.value, f.err
	default:
		return 0, ErrNotResolved
	}
}

// Await blocks until the future resolves or ctx ends. An expired ctx does
// not cancel the task, it only stops waiting for it.
func (f *Future) Await(ctx context.Context) (float64, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
