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

	"github.com/iptecharch/calc-server/pkg/calculator"
)

const (
	CodeWorkerCrash = "WorkerCrash"
	CodeShutdown    = "Shutdown"
	CodeQueueFull   = "QueueFull"
	CodeUnexpected  = "Unexpected"
)

var (
	ErrWorkerCrash = errors.New("worker crashed while holding the task")
	ErrShutdown    = errors.New("pool is shut down")
	ErrQueueFull   = errors.New("pending queue is full")
	ErrNotResolved = errors.New("future is not resolved yet")
)

var internalSentinels = map[string]error{
	CodeWorkerCrash: ErrWorkerCrash,
	CodeShutdown:    ErrShutdown,
	CodeQueueFull:   ErrQueueFull,
}

// TaskError is how a Future reports a failed task.
type TaskError struct {
	Kind    FailureKind
	Code    string
	Message string
}

func newTaskError(f *Failure) *TaskError {
	return &TaskError{Kind: f.Kind, Code: f.Code, Message: f.Message}
}

func (e *TaskError) Error() string {
	return e.Message
}

// Unwrap maps the code back to a sentinel so errors.Is works for both
// pool errors (ErrWorkerCrash, ...) and evaluator errors (calculator.ErrParenthesesMismatch, ...).
func (e *TaskError) Unwrap() error {
	if e.Kind == Validation {
		return calculator.LookupCode(e.Code).Err()
	}
	return internalSentinels[e.Code]
}

// IsValidation reports whether err is a task failure caused by the submitted input.
func IsValidation(err error) bool {
	var te *TaskError
	return errors.As(err, &te) && te.Kind == Validation
}

// IsInternal reports whether err is a task failure not caused by the input.
func IsInternal(err error) bool {
	var te *TaskError
	return errors.As(err, &te) && te.Kind == Internal
}

func internalFailure(code string, err error) *Failure {
	return &Failure{Kind: Internal, Code: code, Message: err.Error()}
}
