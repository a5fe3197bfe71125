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
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	defaultRespawnInitialInterval = 10 * time.Millisecond
	defaultRespawnMaxInterval     = 5 * time.Second
)

type task struct {
	id         string
	seq        uint64
	expression string
	future     *Future
	submitted  time.Time
}

// PoolStats is a snapshot of the dispatcher bookkeeping.
type PoolStats struct {
	Workers int
	Free    int
	Busy    int
	Pending int
	// Mailbox is the number of messages waiting for the dispatcher goroutine.
	Mailbox int
	Spawned uint64
	Crashed uint64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithObserver(o Observer) Option {
	return func(d *Dispatcher) {
		if o != nil {
			d.observer = o
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithMaxPending bounds the pending queue. A submission that finds no free
// worker and n tasks already queued is rejected with ErrQueueFull.
// n <= 0 keeps the queue unbounded, which is the default.
func WithMaxPending(n int) Option {
	return func(d *Dispatcher) {
		d.maxPending = n
	}
}

// WithRespawnBackOff sets the policy used to retry a failing WorkerFactory.
func WithRespawnBackOff(f func() backoff.BackOff) Option {
	return func(d *Dispatcher) {
		if f != nil {
			d.newBackOff = f
		}
	}
}

func defaultRespawnBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = defaultRespawnInitialInterval
	b.MaxInterval = defaultRespawnMaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Dispatcher owns a fixed cohort of workers, a LIFO stack of free workers and
// a FIFO queue of pending tasks. All of that state is mutated by a single
// goroutine reading the mailbox; submitters and workers only post messages.
type Dispatcher struct {
	size       int
	factory    WorkerFactory
	observer   Observer
	metrics    *Metrics
	maxPending int
	newBackOff func() backoff.BackOff

	mbox      *mailbox[any]
	closed    atomic.Bool
	seq       atomic.Uint64
	workersWg sync.WaitGroup
	loopDone  chan struct{}

	// owned by the dispatcher goroutine
	nextID  int
	workers []*worker
	byID    map[int]*worker
	free    []*worker
	pending *pendingQueue
	respawn backoff.BackOff
	spawned uint64
	crashed uint64
}

// Start creates size workers with factory and starts dispatching.
// size <= 0 falls back to runtime.NumCPU(); a nil factory to CalculatorFactory.
func Start(size int, factory WorkerFactory, opts ...Option) (*Dispatcher, error) {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	if factory == nil {
		factory = CalculatorFactory
	}
	d := &Dispatcher{
		size:       size,
		factory:    factory,
		observer:   nopObserver{},
		newBackOff: defaultRespawnBackOff,
		mbox:       newMailbox[any](),
		loopDone:   make(chan struct{}),
		byID:       make(map[int]*worker, size),
		free:       make([]*worker, 0, size),
		workers:    make([]*worker, 0, size),
		pending:    newPendingQueue(),
	}
	for _, o := range opts {
		o(d)
	}
	d.respawn = d.newBackOff()

	for i := 0; i < size; i++ {
		if err := d.spawn(); err != nil {
			d.mbox.Close()
			for _, w := range d.workers {
				w.stop()
				d.observer.WorkerStopped(w.id)
			}
			d.workersWg.Wait()
			return nil, fmt.Errorf("failed to start worker %d/%d: %w", i+1, size, err)
		}
	}
	d.updateGauges()
	log.Infof("worker pool started with %d workers", size)

	go d.loop()
	return d, nil
}

// Size is the configured cohort size.
func (d *Dispatcher) Size() int {
	return d.size
}

// Submit schedules expression for evaluation and returns immediately.
func (d *Dispatcher) Submit(expression string) *Future {
	if d.closed.Load() {
		return rejectedFuture(shutdownError())
	}
	t := &task{
		id:         uuid.NewString(),
		seq:        d.seq.Add(1),
		expression: expression,
		future:     newFuture(),
		submitted:  time.Now(),
	}
	if err := d.mbox.Post(&submitMsg{task: t}); err != nil {
		t.future.settle(0, shutdownError())
	}
	return t.future
}

// Evaluate submits expression and waits for its result.
func (d *Dispatcher) Evaluate(ctx context.Context, expression string) (float64, error) {
	return d.Submit(expression).Await(ctx)
}

// Stats asks the dispatcher goroutine for a snapshot of its state.
func (d *Dispatcher) Stats(ctx context.Context) (PoolStats, error) {
	reply := make(chan PoolStats, 1)
	if err := d.mbox.Post(&statsMsg{reply: reply}); err != nil {
		return PoolStats{}, ErrShutdown
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return PoolStats{}, ctx.Err()
	}
}

// Shutdown stops accepting tasks, rejects every queued and in-flight task
// with ErrShutdown, stops all workers and waits for their goroutines to
// exit or for ctx to end. It is safe to call more than once.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.closed.Store(true)
	// a closed mailbox means an earlier Shutdown got there first
	_ = d.mbox.Post(&shutdownMsg{})

	select {
	case <-d.loopDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	workersDone := make(chan struct{})
	go func() {
		d.workersWg.Wait()
		close(workersDone)
	}()
	select {
	case <-workersDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) loop() {
	defer close(d.loopDone)
	for {
		m, ok := d.mbox.Receive()
		if !ok {
			return
		}
		if stop := d.handle(m); stop {
			return
		}
		d.updateGauges()
	}
}

func (d *Dispatcher) handle(m any) bool {
	switch m := m.(type) {
	case *submitMsg:
		d.handleSubmit(m.task)
	case *replyMsg:
		d.handleReply(m)
	case *crashMsg:
		d.handleCrash(m)
	case *respawnMsg:
		d.handleRespawn()
	case *statsMsg:
		m.reply <- d.stats()
	case *shutdownMsg:
		d.handleShutdown()
		return true
	default:
		log.Errorf("worker pool: unexpected message %T", m)
	}
	return false
}

func (d *Dispatcher) handleSubmit(t *task) {
	if n := len(d.free); n > 0 {
		w := d.free[n-1]
		d.free = d.free[:n-1]
		d.dispatch(w, t)
		return
	}
	if d.maxPending > 0 && d.pending.length() >= d.maxPending {
		log.Debugf("task %s rejected, %d tasks pending", t.id, d.pending.length())
		d.finish(t, 0, &TaskError{Kind: Internal, Code: CodeQueueFull, Message: ErrQueueFull.Error()})
		return
	}
	d.pending.push(t)
	log.Debugf("task %s queued, %d tasks pending", t.id, d.pending.length())
}

func (d *Dispatcher) handleReply(m *replyMsg) {
	w, ok := d.byID[m.workerID]
	if !ok || w.task == nil || w.task.id != m.taskID {
		log.Warnf("dropping reply from worker %d for unknown task %s", m.workerID, m.taskID)
		return
	}
	t := w.task
	w.task = nil
	if m.failure != nil {
		d.finish(t, 0, newTaskError(m.failure))
	} else {
		d.finish(t, m.value, nil)
	}
	d.release(w)
}

func (d *Dispatcher) handleCrash(m *crashMsg) {
	w, ok := d.byID[m.workerID]
	if !ok {
		return
	}
	d.crashed++
	d.metrics.workerCrashed()

	if t := w.task; t != nil {
		w.task = nil
		log.Errorf("worker %d crashed while evaluating task %s: %v", w.id, t.id, m.err)
		d.finish(t, 0, &TaskError{Kind: Internal, Code: CodeWorkerCrash, Message: ErrWorkerCrash.Error()})
	} else {
		d.observer.WorkerError(w.id, m.err)
	}
	d.remove(w)
	d.replace()
}

func (d *Dispatcher) handleRespawn() {
	if len(d.workers) >= d.size {
		return
	}
	d.replace()
}

func (d *Dispatcher) handleShutdown() {
	d.closed.Store(true)
	d.mbox.Close()
	// messages that raced with the shutdown request
	for {
		m, ok := d.mbox.TryReceive()
		if !ok {
			break
		}
		switch m := m.(type) {
		case *submitMsg:
			d.finish(m.task, 0, shutdownError())
		case *statsMsg:
			m.reply <- d.stats()
		}
	}

	for t, ok := d.pending.pop(); ok; t, ok = d.pending.pop() {
		d.finish(t, 0, shutdownError())
	}
	for _, w := range d.workers {
		if t := w.task; t != nil {
			w.task = nil
			d.finish(t, 0, shutdownError())
		}
		w.stop()
		d.observer.WorkerStopped(w.id)
	}
	d.workers = nil
	d.free = nil
	d.byID = map[int]*worker{}
	d.metrics.setGauges(0, 0, 0, 0)
	log.Infof("worker pool stopped")
}

// spawn starts a new worker and treats it as freshly freed.
func (d *Dispatcher) spawn() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker factory panicked: %v", r)
		}
	}()
	eval, err := d.factory()
	if err != nil {
		return err
	}
	if eval == nil {
		return errors.New("worker factory returned a nil evaluator")
	}
	d.nextID++
	w := newWorker(d.nextID, eval, d.mbox, &d.workersWg)
	d.workers = append(d.workers, w)
	d.byID[w.id] = w
	d.spawned++
	w.start()
	d.observer.WorkerStarted(w.id)
	d.release(w)
	return nil
}

// replace spawns a worker in place of a removed one. A failing factory is
// retried with backoff through respawnMsg.
func (d *Dispatcher) replace() {
	err := d.spawn()
	if err == nil {
		d.respawn.Reset()
		return
	}
	next := d.respawn.NextBackOff()
	if next == backoff.Stop {
		log.Errorf("failed to spawn replacement worker, giving up: %v", err)
		return
	}
	log.Errorf("failed to spawn replacement worker, retrying in %s: %v", next, err)
	time.AfterFunc(next, func() {
		// the pool may be shut down by then
		_ = d.mbox.Post(&respawnMsg{})
	})
}

// release marks w free. If tasks are waiting, w takes the oldest one right
// away without going through the free stack.
func (d *Dispatcher) release(w *worker) {
	if t, ok := d.pending.pop(); ok {
		d.dispatch(w, t)
		return
	}
	w.state = workerFree
	d.free = append(d.free, w)
}

func (d *Dispatcher) dispatch(w *worker, t *task) {
	w.state = workerBusy
	w.task = t
	log.Debugf("task %s (#%d) dispatched to worker %d", t.id, t.seq, w.id)
	w.post(request{taskID: t.id, expression: t.expression})
}

func (d *Dispatcher) remove(w *worker) {
	w.stop()
	delete(d.byID, w.id)
	for i, x := range d.workers {
		if x == w {
			d.workers = append(d.workers[:i], d.workers[i+1:]...)
			break
		}
	}
	for i, x := range d.free {
		if x == w {
			d.free = append(d.free[:i], d.free[i+1:]...)
			break
		}
	}
	d.observer.WorkerStopped(w.id)
}

// finish resolves t. Only the dispatcher goroutine resolves queued or
// dispatched tasks, so the check below cannot race with another settle.
func (d *Dispatcher) finish(t *task, v float64, err error) {
	select {
	case <-t.future.Done():
		log.Errorf("task %s resolved twice", t.id)
		return
	default:
	}
	d.metrics.taskDone(err, time.Since(t.submitted))
	t.future.settle(v, err)
}

func (d *Dispatcher) stats() PoolStats {
	return PoolStats{
		Workers: len(d.workers),
		Free:    len(d.free),
		Busy:    len(d.workers) - len(d.free),
		Pending: d.pending.length(),
		Mailbox: d.mbox.Depth(),
		Spawned: d.spawned,
		Crashed: d.crashed,
	}
}

func (d *Dispatcher) updateGauges() {
	d.metrics.setGauges(len(d.workers), len(d.workers)-len(d.free), d.pending.length(), d.mbox.Depth())
}

func shutdownError() *TaskError {
	return &TaskError{Kind: Internal, Code: CodeShutdown, Message: ErrShutdown.Error()}
}
