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
	"errors"
	"sync"
)

var ErrMailboxClosed = errors.New("mailbox closed")

// mailboxCompactAt is the number of consumed slots after which the backing
// slice is shifted down.
const mailboxCompactAt = 64

// mailbox is the dispatcher inbox. Any goroutine may Post, only the
// dispatcher receives. Post never waits and the backlog is unbounded.
type mailbox[T any] struct {
	mu      sync.Mutex
	arrived *sync.Cond
	msgs    []T
	next    int // index of the oldest unread message in msgs
	closed  bool
}

func newMailbox[T any]() *mailbox[T] {
	m := &mailbox[T]{msgs: make([]T, 0, mailboxCompactAt)}
	m.arrived = sync.NewCond(&m.mu)
	return m
}

// Post appends v. It fails with ErrMailboxClosed once Close was called.
func (m *mailbox[T]) Post(v T) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrMailboxClosed
	}
	m.msgs = append(m.msgs, v)
	m.arrived.Signal()
	return nil
}

// Receive waits for the oldest message. It returns false only when the
// mailbox is closed and nothing is left to read.
func (m *mailbox[T]) Receive() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.next == len(m.msgs) && !m.closed {
		m.arrived.Wait()
	}
	return m.take()
}

// TryReceive is Receive without waiting.
func (m *mailbox[T]) TryReceive() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.take()
}

// take pops the oldest message, m.mu held.
func (m *mailbox[T]) take() (T, bool) {
	var zero T
	if m.next == len(m.msgs) {
		return zero, false
	}
	v := m.msgs[m.next]
	m.msgs[m.next] = zero
	m.next++

	switch {
	case m.next == len(m.msgs):
		m.msgs = m.msgs[:0]
		m.next = 0
	case m.next >= mailboxCompactAt && m.next*2 >= len(m.msgs):
		n := copy(m.msgs, m.msgs[m.next:])
		clear(m.msgs[n:])
		m.msgs = m.msgs[:n]
		m.next = 0
	}
	return v, true
}

// Depth is the number of messages posted but not yet received.
func (m *mailbox[T]) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.msgs) - m.next
}

// Close refuses further posts and wakes a waiting receiver. Messages
// already posted stay readable.
func (m *mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.arrived.Broadcast()
}
