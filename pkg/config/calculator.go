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

package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/AlekSi/pointer"
	log "github.com/sirupsen/logrus"
)

type CalculatorConfig struct {
	// ThreadsNum is the worker cohort size. Unset means the CALCULATOR_THREAD_NUM
	// environment variable, then the number of CPUs.
	ThreadsNum int `yaml:"threads-num,omitempty" json:"threads-num,omitempty"`
	// MaxPending bounds the queue of tasks waiting for a worker. 0 is unbounded.
	MaxPending int `yaml:"max-pending,omitempty" json:"max-pending,omitempty"`
	// LogWorkerEvents logs worker start/stop/error events, on by default.
	LogWorkerEvents *bool `yaml:"log-worker-events,omitempty" json:"log-worker-events,omitempty"`
}

func (c *CalculatorConfig) validateSetDefaults() error {
	if c.ThreadsNum < 0 {
		return fmt.Errorf("calculator threads-num must not be negative, got %d", c.ThreadsNum)
	}
	if c.MaxPending < 0 {
		return fmt.Errorf("calculator max-pending must not be negative, got %d", c.MaxPending)
	}
	if c.ThreadsNum == 0 {
		c.ThreadsNum = threadsNumFromEnv()
	}
	if c.LogWorkerEvents == nil {
		c.LogWorkerEvents = pointer.ToBool(true)
	}
	return nil
}

// threadsNumFromEnv reads the worker count from CALCULATOR_THREAD_NUM. Only
// the leading decimal digits count, after optional blanks and a '+' sign, so
// "4x" and "4.5" both mean 4. A value with no leading digits, or one that is
// not positive, falls back to the number of CPUs.
func threadsNumFromEnv() int {
	v, ok := os.LookupEnv(threadsNumEnv)
	if !ok {
		return runtime.NumCPU()
	}
	n, err := strconv.Atoi(leadingDigits(v))
	if err != nil || n <= 0 {
		log.Warnf("ignoring invalid %s=%q", threadsNumEnv, v)
		return runtime.NumCPU()
	}
	return n
}

func leadingDigits(v string) string {
	v = strings.TrimLeft(v, " \t\n\r")
	v = strings.TrimPrefix(v, "+")
	end := strings.IndexFunc(v, func(r rune) bool { return r < '0' || r > '9' })
	if end < 0 {
		return v
	}
	return v[:end]
}
