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

// Package calculator evaluates integer arithmetic expressions made of
// non-negative literals, the binary operators + - * / and parentheses.
// All arithmetic is float64; division by zero yields Inf or NaN.
package calculator

import (
	"errors"
	"strconv"
)

type operator struct {
	priority int
	apply    func(x, y float64) float64
}

var operators = map[rune]operator{
	'+': {priority: 1, apply: func(x, y float64) float64 { return x + y }},
	'-': {priority: 1, apply: func(x, y float64) float64 { return x - y }},
	'*': {priority: 2, apply: func(x, y float64) float64 { return x * y }},
	'/': {priority: 2, apply: func(x, y float64) float64 { return x / y }},
}

type tokenKind int

const (
	tokenNumber tokenKind = iota
	tokenOperator
	tokenLeftParen
	tokenRightParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) operator() operator {
	return operators[[]rune(t.text)[0]]
}

// Calculator holds no state between calls.
type Calculator struct{}

func New() *Calculator {
	return &Calculator{}
}

// Evaluate parses expression and returns its value. Malformed input is
// reported as a *ParseError.
func (c *Calculator) Evaluate(expression string) (float64, error) {
	tokens, err := tokenize(expression)
	if err != nil {
		return 0, err
	}
	postfix, err := toPostfix(tokens)
	if err != nil {
		return 0, err
	}
	return evalPostfix(postfix)
}

func tokenize(expression string) ([]token, error) {
	tokens := make([]token, 0, len(expression))
	number := make([]rune, 0, 8)
	numberPos := 0

	flush := func() {
		if len(number) == 0 {
			return
		}
		tokens = append(tokens, token{kind: tokenNumber, text: string(number), pos: numberPos})
		number = number[:0]
	}

	for i, c := range []rune(expression) {
		pos := i + 1
		if c >= '0' && c <= '9' {
			if len(number) == 0 {
				numberPos = pos
			}
			number = append(number, c)
			continue
		}

		var kind tokenKind
		switch {
		case c == '(':
			kind = tokenLeftParen
		case c == ')':
			kind = tokenRightParen
		default:
			if _, ok := operators[c]; !ok {
				return nil, &ParseError{Code: InvalidCharacter, Pos: pos, Detail: string(c)}
			}
			kind = tokenOperator
			if len(number) == 0 && len(tokens) > 0 {
				if last := tokens[len(tokens)-1]; last.kind == tokenOperator {
					return nil, &ParseError{Code: ConsecutiveOperators, Pos: pos, Detail: last.text + string(c)}
				}
			}
		}
		flush()
		tokens = append(tokens, token{kind: kind, text: string(c), pos: pos})
	}
	flush()

	if len(tokens) == 0 {
		return nil, &ParseError{Code: EmptyExpression}
	}
	return tokens, nil
}

// toPostfix reorders tokens with the shunting-yard algorithm. Operators of
// equal priority are popped before the incoming one, which makes them left
// associative.
func toPostfix(tokens []token) ([]token, error) {
	output := make([]token, 0, len(tokens))
	stack := make([]token, 0, len(tokens)/2+1)

	for _, tok := range tokens {
		switch tok.kind {
		case tokenNumber:
			output = append(output, tok)
		case tokenOperator:
			prio := tok.operator().priority
			for len(stack) > 0 {
				top := stack[len(stack)-1]
				if top.kind != tokenOperator || top.operator().priority < prio {
					break
				}
				output = append(output, top)
				stack = stack[:len(stack)-1]
			}
			stack = append(stack, tok)
		case tokenLeftParen:
			stack = append(stack, tok)
		case tokenRightParen:
			matched := false
			for len(stack) > 0 {
				top := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				if top.kind == tokenLeftParen {
					matched = true
					break
				}
				output = append(output, top)
			}
			if !matched {
				return nil, &ParseError{Code: ParenthesesMismatch, Pos: tok.pos}
			}
		}
	}

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		if top.kind == tokenLeftParen {
			return nil, &ParseError{Code: ParenthesesMismatch, Pos: top.pos}
		}
		output = append(output, top)
		stack = stack[:len(stack)-1]
	}
	return output, nil
}

func evalPostfix(postfix []token) (float64, error) {
	if len(postfix) == 0 {
		return 0, &ParseError{Code: EmptyExpression}
	}
	stack := make([]float64, 0, len(postfix))

	for _, tok := range postfix {
		if tok.kind != tokenOperator {
			v, err := strconv.ParseFloat(tok.text, 64)
			// digit runs beyond float64 range evaluate to +Inf
			if err != nil && !errors.Is(err, strconv.ErrRange) {
				return 0, err
			}
			stack = append(stack, v)
			continue
		}
		if len(stack) < 2 {
			return 0, &ParseError{Code: MissingOperand, Pos: tok.pos, Detail: tok.text}
		}
		right := stack[len(stack)-1]
		left := stack[len(stack)-2]
		stack = stack[:len(stack)-2]
		stack = append(stack, tok.operator().apply(left, right))
	}

	if len(stack) > 1 {
		return 0, &ParseError{Code: InsufficientOperators}
	}
	return stack[0], nil
}
