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
	"fmt"
	"sync"

	"github.com/iptecharch/calc-server/pkg/calculator"
)

// Evaluator is the computation a worker runs for every request.
type Evaluator interface {
	Evaluate(expression string) (float64, error)
}

// WorkerFactory builds the evaluator for a new worker. It is called once per
// worker, including every replacement after a crash.
type WorkerFactory func() (Evaluator, error)

// CalculatorFactory is the WorkerFactory used when none is given.
func CalculatorFactory() (Evaluator, error) {
	return calculator.New(), nil
}

type workerState int

const (
	workerFree workerState = iota
	workerBusy
	workerDead
)

func (s workerState) String() string {
	switch s {
	case workerFree:
		return "free"
	case workerBusy:
		return "busy"
	case workerDead:
		return "dead"
	}
	return "unknown"
}

// worker is an execution unit: one goroutine owning one evaluator, reachable
// only through its inbox. Every request produces exactly one message in the
// dispatcher mailbox, a replyMsg or, if evaluation panics, a crashMsg after
// which the goroutine exits.
type worker struct {
	id     int
	eval   Evaluator
	in     chan request
	outbox *mailbox[any]
	wg     *sync.WaitGroup

	// owned by the dispatcher goroutine
	state workerState
	task  *task
}

func newWorker(id int, eval Evaluator, outbox *mailbox[any], wg *sync.WaitGroup) *worker {
	return &worker{
		id:     id,
		eval:   eval,
		in:     make(chan request, 1),
		outbox: outbox,
		wg:     wg,
	}
}

func (w *worker) start() {
	w.wg.Add(1)
	go w.run()
}

func (w *worker) run() {
	defer w.wg.Done()
	for req := range w.in {
		msg, crashed := w.handle(req)
		// fails only once the dispatcher is shut down, the answer is moot then
		_ = w.outbox.Post(msg)
		if crashed {
			return
		}
	}
}

func (w *worker) handle(req request) (msg any, crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			msg = &crashMsg{
				workerID: w.id,
				taskID:   req.taskID,
				err:      fmt.Errorf("worker %d panicked: %v", w.id, r),
			}
			crashed = true
		}
	}()
	v, err := w.eval.Evaluate(req.expression)
	if err != nil {
		return &replyMsg{workerID: w.id, taskID: req.taskID, failure: classify(err)}, false
	}
	return &replyMsg{workerID: w.id, taskID: req.taskID, value: v}, false
}

// post hands a request to the worker. The dispatcher only posts to free
// workers, so the buffered inbox never blocks.
func (w *worker) post(req request) {
	w.in <- req
}

// stop closes the inbox; the goroutine exits after the current request.
func (w *worker) stop() {
	if w.state == workerDead {
		return
	}
	w.state = workerDead
	close(w.in)
}

func classify(err error) *Failure {
	var perr *calculator.ParseError
	if errors.As(err, &perr) {
		return &Failure{Kind: Validation, Code: perr.Code.String(), Message: perr.Error()}
	}
	return internalFailure(CodeUnexpected, err)
}
