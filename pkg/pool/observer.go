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
	log "github.com/sirupsen/logrus"
)

// Observer receives worker lifecycle events. Methods are called from the
// dispatcher goroutine and must not block.
type Observer interface {
	WorkerStarted(id int)
	WorkerStopped(id int)
	WorkerError(id int, err error)
}

type nopObserver struct{}

func (nopObserver) WorkerStarted(int)      {}
func (nopObserver) WorkerStopped(int)      {}
func (nopObserver) WorkerError(int, error) {}

// Observers fans events out to every member.
type Observers []Observer

func (obs Observers) WorkerStarted(id int) {
	for _, o := range obs {
		o.WorkerStarted(id)
	}
}

func (obs Observers) WorkerStopped(id int) {
	for _, o := range obs {
		o.WorkerStopped(id)
	}
}

func (obs Observers) WorkerError(id int, err error) {
	for _, o := range obs {
		o.WorkerError(id, err)
	}
}

// LogObserver logs worker lifecycle events.
type LogObserver struct {
	entry *log.Entry
}

func NewLogObserver() *LogObserver {
	return &LogObserver{entry: log.WithField("component", "worker-pool")}
}

func (l *LogObserver) WorkerStarted(id int) {
	l.entry.WithField("worker", id).Debug("worker started")
}

func (l *LogObserver) WorkerStopped(id int) {
	l.entry.WithField("worker", id).Debug("worker stopped")
}

func (l *LogObserver) WorkerError(id int, err error) {
	l.entry.WithField("worker", id).Errorf("worker failed: %v", err)
}
