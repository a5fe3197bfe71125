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

package calculator

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a ParseError.
type ErrorCode int

const (
	InvalidCharacter ErrorCode = iota + 1
	ConsecutiveOperators
	ParenthesesMismatch
	InsufficientOperators
	EmptyExpression
	MissingOperand
)

var (
	ErrInvalidCharacter      = errors.New("invalid character")
	ErrConsecutiveOperators  = errors.New("consecutive operators")
	ErrParenthesesMismatch   = errors.New("parentheses mismatch")
	ErrInsufficientOperators = errors.New("insufficient operators")
	ErrEmptyExpression       = errors.New("empty expression")
	ErrMissingOperand        = errors.New("missing operand")
)

var codeNames = map[ErrorCode]string{
	InvalidCharacter:      "InvalidCharacter",
	ConsecutiveOperators:  "ConsecutiveOperators",
	ParenthesesMismatch:   "ParenthesesMismatch",
	InsufficientOperators: "InsufficientOperators",
	EmptyExpression:       "EmptyExpression",
	MissingOperand:        "MissingOperand",
}

var codeSentinels = map[ErrorCode]error{
	InvalidCharacter:      ErrInvalidCharacter,
	ConsecutiveOperators:  ErrConsecutiveOperators,
	ParenthesesMismatch:   ErrParenthesesMismatch,
	InsufficientOperators: ErrInsufficientOperators,
	EmptyExpression:       ErrEmptyExpression,
	MissingOperand:        ErrMissingOperand,
}

func (c ErrorCode) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// ParseError is returned by Evaluate for any malformed input.
// Pos is the 1-based rune position of the offending symbol, 0 when the
// failure is not tied to a single position.
type ParseError struct {
	Code   ErrorCode
	Pos    int
	Detail string
}

func (e *ParseError) Error() string {
	switch e.Code {
	case InvalidCharacter:
		return fmt.Sprintf("Invalid character: %q at pos: %d", e.Detail, e.Pos)
	case ConsecutiveOperators:
		return fmt.Sprintf("Consecutive operators: %q at pos: %d", e.Detail, e.Pos)
	case ParenthesesMismatch:
		return "Parentheses mismatch"
	case InsufficientOperators:
		return "Insufficient operators"
	case EmptyExpression:
		return "Empty expression"
	case MissingOperand:
		return fmt.Sprintf("Missing operand for %q at pos: %d", e.Detail, e.Pos)
	}
	return e.Code.String()
}

// Unwrap lets callers match a ParseError against the package sentinels with errors.Is.
func (e *ParseError) Unwrap() error {
	return codeSentinels[e.Code]
}

// LookupCode returns the ErrorCode named name, or 0 if there is none.
func LookupCode(name string) ErrorCode {
	for c, n := range codeNames {
		if n == name {
			return c
		}
	}
	return 0
}

// Err returns the sentinel error for c, nil for an unknown code.
func (c ErrorCode) Err() error {
	return codeSentinels[c]
}
