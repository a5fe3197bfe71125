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
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/iptecharch/calc-server/pkg/calculator"
)

const testTimeout = 5 * time.Second

// gateEvaluator blocks every evaluation until a token arrives on release.
// The expression must be a plain number, which is returned as the result.
type gateEvaluator struct {
	started chan string
	release chan struct{}
	running *atomic.Int64
	maxSeen *atomic.Int64
}

func newGate(buf int) *gateEvaluator {
	return &gateEvaluator{
		started: make(chan string, buf),
		release: make(chan struct{}, buf),
		running: &atomic.Int64{},
		maxSeen: &atomic.Int64{},
	}
}

func (g *gateEvaluator) Evaluate(expression string) (float64, error) {
	n := g.running.Add(1)
	for {
		m := g.maxSeen.Load()
		if n <= m || g.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	g.started <- expression
	<-g.release
	g.running.Add(-1)
	return strconv.ParseFloat(expression, 64)
}

func (g *gateEvaluator) factory() (Evaluator, error) { return g, nil }

// panicEvaluator panics on "boom" and otherwise defers to the calculator.
type panicEvaluator struct {
	calc *calculator.Calculator
}

func (p *panicEvaluator) Evaluate(expression string) (float64, error) {
	if expression == "boom" {
		panic("boom")
	}
	return p.calc.Evaluate(expression)
}

func panicFactory() (Evaluator, error) {
	return &panicEvaluator{calc: calculator.New()}, nil
}

type countingObserver struct {
	started atomic.Int64
	stopped atomic.Int64
	errs    chan error
}

func newCountingObserver() *countingObserver {
	return &countingObserver{errs: make(chan error, 16)}
}

func (c *countingObserver) WorkerStarted(int) { c.started.Add(1) }
func (c *countingObserver) WorkerStopped(int) { c.stopped.Add(1) }
func (c *countingObserver) WorkerError(_ int, err error) {
	c.errs <- err
}

func startDispatcher(t *testing.T, size int, factory WorkerFactory, opts ...Option) *Dispatcher {
	t.Helper()
	d, err := Start(size, factory, opts...)
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = d.Shutdown(ctx)
	})
	return d
}

func await(t *testing.T, f *Future) (float64, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	v, err := f.Await(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("future did not resolve within %s", testTimeout)
	}
	return v, err
}

// waitStats polls Stats until cond holds.
func waitStats(t *testing.T, d *Dispatcher, cond func(PoolStats) bool) PoolStats {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for {
		s, err := d.Stats(context.Background())
		if err != nil {
			t.Fatalf("Stats() failed: %v", err)
		}
		if cond(s) {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not reached, last stats: %+v", s)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDispatcher_Submit(t *testing.T) {
	d := startDispatcher(t, 4, nil)

	tests := []struct {
		expression string
		want       float64
	}{
		{expression: "(1-1)*2+3*(1-3+4)+10/2", want: 11},
		{expression: "2+3*4", want: 14},
		{expression: "(2+3)*4", want: 20},
		{expression: "10-3-2", want: 5},
		{expression: "7/2", want: 3.5},
	}
	futures := make([]*Future, 0, len(tests)*10)
	for i := 0; i < 10; i++ {
		for _, tt := range tests {
			futures = append(futures, d.Submit(tt.expression))
		}
	}
	for i, f := range futures {
		tt := tests[i%len(tests)]
		got, err := await(t, f)
		if err != nil {
			t.Fatalf("Submit(%q) failed: %v", tt.expression, err)
		}
		if got != tt.want {
			t.Errorf("Submit(%q) = %v, want %v", tt.expression, got, tt.want)
		}
	}
}

func TestDispatcher_Submit_ValidationErrors(t *testing.T) {
	d := startDispatcher(t, 2, nil)

	tests := []struct {
		expression string
		wantErr    error
	}{
		{expression: "2++3", wantErr: calculator.ErrConsecutiveOperators},
		{expression: "(2+3", wantErr: calculator.ErrParenthesesMismatch},
		{expression: "2+3)", wantErr: calculator.ErrParenthesesMismatch},
		{expression: "2a+3", wantErr: calculator.ErrInvalidCharacter},
		{expression: "", wantErr: calculator.ErrEmptyExpression},
	}
	for _, tt := range tests {
		t.Run(tt.expression, func(t *testing.T) {
			_, err := await(t, d.Submit(tt.expression))
			if !IsValidation(err) {
				t.Fatalf("error %v is not a validation failure", err)
			}
			if IsInternal(err) {
				t.Errorf("error %v reported as internal", err)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
	// validation failures leave the cohort intact
	s := waitStats(t, d, func(s PoolStats) bool { return s.Free == 2 })
	if s.Crashed != 0 || s.Spawned != 2 {
		t.Errorf("unexpected stats after validation errors: %+v", s)
	}
}

func TestDispatcher_ConcurrencyLimitAndFIFO(t *testing.T) {
	const k, n = 2, 8
	gate := newGate(n)
	d := startDispatcher(t, k, gate.factory)

	futures := make([]*Future, 0, n)
	for i := 1; i <= n; i++ {
		futures = append(futures, d.Submit(strconv.Itoa(i)))
	}

	first := map[string]bool{}
	for i := 0; i < k; i++ {
		first[<-gate.started] = true
	}
	if diff := cmp.Diff(map[string]bool{"1": true, "2": true}, first); diff != "" {
		t.Fatalf("first dispatched tasks mismatch (-want +got):\n%s", diff)
	}
	waitStats(t, d, func(s PoolStats) bool { return s.Pending == n-k })

	// free one worker at a time: each one must pick up the oldest queued task
	order := make([]string, 0, n-k)
	for i := k + 1; i <= n; i++ {
		gate.release <- struct{}{}
		order = append(order, <-gate.started)
	}
	want := []string{"3", "4", "5", "6", "7", "8"}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Errorf("queued dispatch order mismatch (-want +got):\n%s", diff)
	}
	for i := 0; i < k; i++ {
		gate.release <- struct{}{}
	}

	for i, f := range futures {
		got, err := await(t, f)
		if err != nil {
			t.Fatalf("task %d failed: %v", i+1, err)
		}
		if got != float64(i+1) {
			t.Errorf("task %d = %v", i+1, got)
		}
	}
	if m := gate.maxSeen.Load(); m > k {
		t.Errorf("%d tasks ran at once, cohort size is %d", m, k)
	}
}

func TestDispatcher_WorkerCrash(t *testing.T) {
	const k = 3
	obs := newCountingObserver()
	d := startDispatcher(t, k, panicFactory, WithObserver(obs))

	_, err := await(t, d.Submit("boom"))
	if !IsInternal(err) {
		t.Fatalf("crash error %v is not internal", err)
	}
	if !errors.Is(err, ErrWorkerCrash) {
		t.Errorf("crash error = %v, want %v", err, ErrWorkerCrash)
	}

	s := waitStats(t, d, func(s PoolStats) bool { return s.Workers == k && s.Free == k })
	if s.Crashed != 1 || s.Spawned != k+1 {
		t.Errorf("unexpected stats after crash: %+v", s)
	}
	if got := obs.stopped.Load(); got != 1 {
		t.Errorf("stopped events = %d, want 1", got)
	}
	if got := obs.started.Load(); got != k+1 {
		t.Errorf("started events = %d, want %d", got, k+1)
	}

	for i := 0; i < 2*k; i++ {
		got, err := await(t, d.Submit(fmt.Sprintf("%d*2", i)))
		if err != nil {
			t.Fatalf("task after crash failed: %v", err)
		}
		if got != float64(i*2) {
			t.Errorf("task after crash = %v, want %v", got, i*2)
		}
	}
}

func TestDispatcher_CrashWhileQueued(t *testing.T) {
	// a single worker crashes while other tasks wait; its replacement drains the queue
	d := startDispatcher(t, 1, panicFactory)

	crash := d.Submit("boom")
	queued := []*Future{d.Submit("1+1"), d.Submit("2+2"), d.Submit("3+3")}

	if _, err := await(t, crash); !errors.Is(err, ErrWorkerCrash) {
		t.Fatalf("crash error = %v, want %v", err, ErrWorkerCrash)
	}
	for i, f := range queued {
		got, err := await(t, f)
		if err != nil {
			t.Fatalf("queued task %d failed: %v", i, err)
		}
		if want := float64((i + 1) * 2); got != want {
			t.Errorf("queued task %d = %v, want %v", i, got, want)
		}
	}
}

func TestDispatcher_CrashWithoutTask(t *testing.T) {
	obs := newCountingObserver()
	d := startDispatcher(t, 2, nil, WithObserver(obs))

	crashErr := errors.New("lost")
	if err := d.mbox.Post(&crashMsg{workerID: 1, err: crashErr}); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-obs.errs:
		if !errors.Is(err, crashErr) {
			t.Errorf("observed error = %v, want %v", err, crashErr)
		}
	case <-time.After(testTimeout):
		t.Fatal("no worker error observed")
	}
	s := waitStats(t, d, func(s PoolStats) bool { return s.Workers == 2 && s.Spawned == 3 })
	if s.Pending != 0 || s.Crashed != 1 {
		t.Errorf("unexpected stats: %+v", s)
	}
	if _, err := await(t, d.Submit("1+1")); err != nil {
		t.Errorf("task after crash failed: %v", err)
	}
}

func TestDispatcher_RespawnBackOff(t *testing.T) {
	var calls atomic.Int64
	// the first two calls build the cohort, the next three fail
	factory := func() (Evaluator, error) {
		n := calls.Add(1)
		if n > 2 && n <= 5 {
			return nil, fmt.Errorf("factory failure %d", n)
		}
		return panicFactory()
	}
	d := startDispatcher(t, 2, factory,
		WithRespawnBackOff(func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }),
	)

	if _, err := await(t, d.Submit("boom")); !errors.Is(err, ErrWorkerCrash) {
		t.Fatalf("crash error = %v, want %v", err, ErrWorkerCrash)
	}
	// submitted while the cohort is short by one worker
	f := d.Submit("6/3")

	waitStats(t, d, func(s PoolStats) bool { return s.Workers == 2 })
	if got := calls.Load(); got != 6 {
		t.Errorf("factory calls = %d, want 6", got)
	}
	got, err := await(t, f)
	if err != nil || got != 2 {
		t.Errorf("task = %v, %v; want 2", got, err)
	}
}

func TestDispatcher_Shutdown(t *testing.T) {
	gate := newGate(4)
	obs := newCountingObserver()
	d, err := Start(1, gate.factory, WithObserver(obs))
	if err != nil {
		t.Fatal(err)
	}

	running := d.Submit("1")
	queued := []*Future{d.Submit("2"), d.Submit("3")}
	<-gate.started

	shutdownErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		shutdownErr <- d.Shutdown(ctx)
	}()

	for i, f := range append([]*Future{running}, queued...) {
		_, err := await(t, f)
		if !errors.Is(err, ErrShutdown) {
			t.Errorf("task %d error = %v, want %v", i, err, ErrShutdown)
		}
		if !IsInternal(err) {
			t.Errorf("task %d error %v is not internal", i, err)
		}
	}

	// the busy worker finishes its evaluation before its goroutine exits
	gate.release <- struct{}{}
	if err := <-shutdownErr; err != nil {
		t.Fatalf("Shutdown() = %v", err)
	}
	if got := obs.stopped.Load(); got != 1 {
		t.Errorf("stopped events = %d, want 1", got)
	}

	if _, err := await(t, d.Submit("4")); !errors.Is(err, ErrShutdown) {
		t.Errorf("submit after shutdown error = %v, want %v", err, ErrShutdown)
	}
	if err := d.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() = %v", err)
	}
	if _, err := d.Stats(context.Background()); !errors.Is(err, ErrShutdown) {
		t.Errorf("Stats() after shutdown error = %v, want %v", err, ErrShutdown)
	}
}

func TestDispatcher_MaxPending(t *testing.T) {
	gate := newGate(4)
	d := startDispatcher(t, 1, gate.factory, WithMaxPending(1))

	running := d.Submit("1")
	queued := d.Submit("2")
	rejected := d.Submit("3")

	if _, err := await(t, rejected); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("error = %v, want %v", err, ErrQueueFull)
	}
	gate.release <- struct{}{}
	gate.release <- struct{}{}
	for i, f := range []*Future{running, queued} {
		got, err := await(t, f)
		if err != nil || got != float64(i+1) {
			t.Errorf("task %d = %v, %v", i+1, got, err)
		}
	}
}

func TestDispatcher_ManyConcurrentSubmitters(t *testing.T) {
	d := startDispatcher(t, 3, nil)

	const submitters, perSubmitter = 8, 50
	var wg sync.WaitGroup
	errs := make(chan error, submitters*perSubmitter)
	for s := 0; s < submitters; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := 0; i < perSubmitter; i++ {
				want := float64(s*1000 + i)
				ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
				got, err := d.Submit(fmt.Sprintf("%d*1000+%d", s, i)).Await(ctx)
				cancel()
				if err != nil {
					errs <- err
					continue
				}
				if got != want {
					errs <- fmt.Errorf("got %v, want %v", got, want)
				}
			}
		}(s)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestStart_FactoryError(t *testing.T) {
	tests := []struct {
		name        string
		size        int
		failOn      int64
		wantStarted int64
	}{
		{name: "first worker", size: 3, failOn: 1, wantStarted: 0},
		{name: "second worker", size: 3, failOn: 2, wantStarted: 1},
		{name: "last worker", size: 4, failOn: 4, wantStarted: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int64
			factory := func() (Evaluator, error) {
				if calls.Add(1) == tt.failOn {
					return nil, errors.New("no more evaluators")
				}
				return calculator.New(), nil
			}
			obs := newCountingObserver()
			if _, err := Start(tt.size, factory, WithObserver(obs)); err == nil {
				t.Fatal("Start() succeeded with a failing factory")
			}
			got := []int64{obs.started.Load(), obs.stopped.Load()}
			want := []int64{tt.wantStarted, tt.wantStarted}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("started/stopped mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStart_DefaultSize(t *testing.T) {
	d := startDispatcher(t, 0, nil)
	if d.Size() <= 0 {
		t.Fatalf("Size() = %d", d.Size())
	}
	s := waitStats(t, d, func(s PoolStats) bool { return true })
	if s.Workers != d.Size() {
		t.Errorf("workers = %d, want %d", s.Workers, d.Size())
	}
}

func TestDispatcher_Metrics(t *testing.T) {
	m := NewMetrics()
	d := startDispatcher(t, 2, panicFactory, WithMetrics(m))

	for _, expr := range []string{"1+1", "2*3", "4/2"} {
		if _, err := await(t, d.Submit(expr)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := await(t, d.Submit("1++1")); !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := await(t, d.Submit("boom")); !IsInternal(err) {
		t.Fatalf("expected internal error, got %v", err)
	}
	waitStats(t, d, func(s PoolStats) bool { return s.Workers == 2 && s.Free == 2 })

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{name: "success", got: testutil.ToFloat64(m.tasks.WithLabelValues(resultSuccess)), want: 3},
		{name: "validation", got: testutil.ToFloat64(m.tasks.WithLabelValues(resultValidation)), want: 1},
		{name: "internal", got: testutil.ToFloat64(m.tasks.WithLabelValues(resultInternal)), want: 1},
		{name: "crashes", got: testutil.ToFloat64(m.crashes), want: 1},
		{name: "workers", got: testutil.ToFloat64(m.workers), want: 2},
		{name: "busy", got: testutil.ToFloat64(m.busy), want: 0},
		{name: "pending", got: testutil.ToFloat64(m.pending), want: 0},
		{name: "mailbox", got: testutil.ToFloat64(m.mailbox), want: 0},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestDispatcher_MailboxDepth(t *testing.T) {
	tests := []struct {
		name    string
		post    int
		receive int
		want    int
	}{
		{name: "empty", want: 0},
		{name: "backlog", post: 3, want: 3},
		{name: "partly drained", post: 3, receive: 1, want: 2},
		{name: "drained", post: 2, receive: 2, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMetrics()
			// no loop goroutine: messages stay in the mailbox
			d := &Dispatcher{
				mbox:    newMailbox[any](),
				pending: newPendingQueue(),
				metrics: m,
			}
			for i := 0; i < tt.post; i++ {
				if err := d.mbox.Post(&respawnMsg{}); err != nil {
					t.Fatal(err)
				}
			}
			for i := 0; i < tt.receive; i++ {
				d.mbox.TryReceive()
			}
			d.updateGauges()
			got := []int{d.stats().Mailbox, int(testutil.ToFloat64(m.mailbox))}
			if diff := cmp.Diff([]int{tt.want, tt.want}, got); diff != "" {
				t.Errorf("stats/gauge mailbox depth mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
