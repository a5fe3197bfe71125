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
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "calc"
	metricsSubsystem = "pool"

	resultSuccess    = "success"
	resultValidation = "validation"
	resultInternal   = "internal"
)

// Metrics exposes the dispatcher state to prometheus. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	workers  prometheus.Gauge
	busy     prometheus.Gauge
	pending  prometheus.Gauge
	mailbox  prometheus.Gauge
	tasks    *prometheus.CounterVec
	crashes  prometheus.Counter
	duration prometheus.Histogram
}

func NewMetrics() *Metrics {
	return &Metrics{
		workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "workers",
			Help:      "Number of live workers.",
		}),
		busy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "busy_workers",
			Help:      "Number of workers evaluating a task.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "pending_tasks",
			Help:      "Number of tasks waiting for a free worker.",
		}),
		mailbox: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "mailbox_depth",
			Help:      "Number of messages queued for the dispatcher goroutine.",
		}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "tasks_total",
			Help:      "Number of resolved tasks by result.",
		}, []string{"result"}),
		crashes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "worker_crashes_total",
			Help:      "Number of workers that terminated abnormally.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "task_duration_seconds",
			Help:      "Time from submission to resolution.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 10),
		}),
	}
}

func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.workers, m.busy, m.pending, m.mailbox, m.tasks, m.crashes, m.duration}
}

func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) setGauges(workers, busy, pending, mailbox int) {
	if m == nil {
		return
	}
	m.workers.Set(float64(workers))
	m.busy.Set(float64(busy))
	m.pending.Set(float64(pending))
	m.mailbox.Set(float64(mailbox))
}

func (m *Metrics) taskDone(err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := resultSuccess
	switch {
	case IsValidation(err):
		result = resultValidation
	case err != nil:
		result = resultInternal
	}
	m.tasks.WithLabelValues(result).Inc()
	m.duration.Observe(elapsed.Seconds())
}

func (m *Metrics) workerCrashed() {
	if m == nil {
		return
	}
	m.crashes.Inc()
}
