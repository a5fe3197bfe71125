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

package server

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/iptecharch/calc-server/pkg/pool"
)

const (
	invalidExpressionPrefix = "Invalid expression: "
	internalErrorMessage    = "Internal Server Error"
)

func (s *Server) Evaluate(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.DoubleValue, error) {
	v, err := s.evaluate(ctx, req.GetValue())
	if err != nil {
		return nil, grpcError(err)
	}
	return wrapperspb.Double(v), nil
}

func (s *Server) evaluate(ctx context.Context, expression string) (float64, error) {
	log.Debugf("evaluating %q", expression)
	v, err := s.pool.Evaluate(ctx, expression)
	if err != nil {
		if pool.IsValidation(err) {
			log.Debugf("invalid expression %q: %v", expression, err)
		} else {
			log.Errorf("failed to evaluate %q: %v", expression, err)
		}
		return 0, err
	}
	return v, nil
}

func grpcError(err error) error {
	switch {
	case pool.IsValidation(err):
		return status.Error(codes.InvalidArgument, invalidExpressionPrefix+err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, internalErrorMessage)
	}
}

type evaluateRequest struct {
	Expression *string `json:"expression,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	req := new(evaluateRequest)
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.config.HTTPServer.MaxBodySize)).Decode(req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, &errorResponse{Error: invalidExpressionPrefix + err.Error()})
		return
	}
	if req.Expression == nil {
		writeJSON(w, http.StatusBadRequest, &errorResponse{Error: invalidExpressionPrefix + `missing "expression"`})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.GRPCServer.RPCTimeout)
	defer cancel()
	v, err := s.evaluate(ctx, *req.Expression)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, jsonNumber(v))
	case pool.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, &errorResponse{Error: invalidExpressionPrefix + err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, &errorResponse{Error: internalErrorMessage})
	}
}

// jsonNumber encodes the values JSON numbers cannot hold as strings.
func jsonNumber(v float64) any {
	switch {
	case math.IsInf(v, 1):
		return "Infinity"
	case math.IsInf(v, -1):
		return "-Infinity"
	case math.IsNaN(v):
		return "NaN"
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("failed to write HTTP response: %v", err)
	}
}
