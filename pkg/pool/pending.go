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

import "github.com/eapache/queue"

// pendingQueue is the FIFO of tasks waiting for a free worker.
// Only the dispatcher goroutine touches it.
type pendingQueue struct {
	q *queue.Queue
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{q: queue.New()}
}

func (p *pendingQueue) push(t *task) {
	p.q.Add(t)
}

func (p *pendingQueue) pop() (*task, bool) {
	if p.q.Length() == 0 {
		return nil, false
	}
	return p.q.Remove().(*task), true
}

func (p *pendingQueue) length() int {
	return p.q.Length()
}
