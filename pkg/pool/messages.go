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

import "fmt"

// FailureKind is the discriminant carried by every failed reply.
type FailureKind int

const (
	// Internal failures are not caused by the submitted expression.
	Internal FailureKind = iota
	// Validation failures are caused by malformed input and are never retried.
	Validation
)

func (k FailureKind) String() string {
	switch k {
	case Validation:
		return "Validation"
	case Internal:
		return "Internal"
	}
	return fmt.Sprintf("FailureKind(%d)", int(k))
}

// Failure is the structured error payload a worker sends back in place of a value.
type Failure struct {
	Kind    FailureKind
	Code    string
	Message string
}

// request is the only message a worker receives.
type request struct {
	taskID     string
	expression string
}

// messages handled by the dispatcher goroutine

type submitMsg struct {
	task *task
}

// replyMsg is the one answer a worker sends per request.
type replyMsg struct {
	workerID int
	taskID   string
	value    float64
	failure  *Failure
}

// crashMsg is sent by a worker right before its goroutine exits abnormally.
// taskID is empty when the worker held no task.
type crashMsg struct {
	workerID int
	taskID   string
	err      error
}

type respawnMsg struct{}

type statsMsg struct {
	reply chan PoolStats
}

type shutdownMsg struct{}
