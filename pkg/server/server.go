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
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	_ "google.golang.org/grpc/encoding/gzip" // Install the gzip compressor
	"google.golang.org/grpc/status"

	"github.com/iptecharch/calc-server/pkg/calcpb"
	"github.com/iptecharch/calc-server/pkg/config"
	"github.com/iptecharch/calc-server/pkg/pool"
)

const (
	poolShutdownTimeout = 10 * time.Second
)

type Server struct {
	config *config.Config
	ready  atomic.Bool

	ctx context.Context
	cfn context.CancelFunc

	srv *grpc.Server
	calcpb.UnimplementedCalculatorServer

	// router serves the REST API, metricsRouter the prometheus endpoint.
	router        *mux.Router
	metricsRouter *mux.Router
	reg           *prometheus.Registry

	httpSrv    *http.Server
	metricsSrv *http.Server

	pool *pool.Dispatcher

	stopOnce sync.Once
}

func New(ctx context.Context, c *config.Config) (*Server, error) {
	ctx, cancel := context.WithCancel(ctx)
	var s = &Server{
		config: c,
		ctx:    ctx,
		cfn:    cancel,

		router:        mux.NewRouter(),
		metricsRouter: mux.NewRouter(),
		reg:           prometheus.NewRegistry(),
	}

	// gRPC server options
	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(c.GRPCServer.MaxRecvMsgSize),
	}
	// unary interceptors
	unaryInterceptors := []grpc.UnaryServerInterceptor{
		s.readyInterceptor,
		s.timeoutInterceptor,
	}

	poolOpts := []pool.Option{
		pool.WithMaxPending(c.Calculator.MaxPending),
	}
	if c.Calculator.LogWorkerEvents != nil && *c.Calculator.LogWorkerEvents {
		poolOpts = append(poolOpts, pool.WithObserver(pool.NewLogObserver()))
	}

	if c.Prometheus != nil {
		grpcMetrics := grpc_prometheus.NewServerMetrics()
		unaryInterceptors = append(unaryInterceptors, grpcMetrics.UnaryServerInterceptor())
		s.reg.MustRegister(grpcMetrics)

		poolMetrics := pool.NewMetrics()
		if err := poolMetrics.Register(s.reg); err != nil {
			cancel()
			return nil, err
		}
		poolOpts = append(poolOpts, pool.WithMetrics(poolMetrics))

		s.reg.MustRegister(collectors.NewGoCollector())
		s.reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		s.metricsRouter.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	}

	opts = append(opts, grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(unaryInterceptors...)))

	if c.GRPCServer.TLS != nil {
		tlsCfg, err := c.GRPCServer.TLS.NewConfig(ctx)
		if err != nil {
			cancel()
			return nil, err
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}

	var err error
	s.pool, err = pool.Start(c.Calculator.ThreadsNum, pool.CalculatorFactory, poolOpts...)
	if err != nil {
		cancel()
		return nil, err
	}

	s.srv = grpc.NewServer(opts...)

	// register Calculator gRPC Methods
	calcpb.RegisterCalculatorServer(s.srv, s)

	s.router.HandleFunc("/evaluate", s.handleEvaluate).Methods(http.MethodPost)
	if !c.HTTPServer.Disabled {
		s.httpSrv = &http.Server{
			Addr:         c.HTTPServer.Address,
			Handler:      s.router,
			ReadTimeout:  c.HTTPServer.ReadTimeout,
			WriteTimeout: c.HTTPServer.WriteTimeout,
		}
	}
	if c.Prometheus != nil {
		s.metricsSrv = &http.Server{
			Addr:         c.Prometheus.Address,
			Handler:      s.metricsRouter,
			ReadTimeout:  time.Minute,
			WriteTimeout: time.Minute,
		}
	}

	return s, nil
}

func (s *Server) Serve(ctx context.Context) error {
	l, err := net.Listen("tcp", s.config.GRPCServer.Address)
	if err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Infof("starting gRPC server on %s", s.config.GRPCServer.Address)
		return s.srv.Serve(l)
	})

	if s.httpSrv != nil {
		eg.Go(func() error {
			log.Infof("starting HTTP server on %s", s.config.HTTPServer.Address)
			return listenAndServe(s.httpSrv)
		})
	}

	if s.metricsSrv != nil {
		eg.Go(func() error {
			log.Infof("starting metrics server on %s", s.config.Prometheus.Address)
			return listenAndServe(s.metricsSrv)
		})
	}

	// stop every listener as soon as one fails, ctx is canceled or Stop is called
	eg.Go(func() error {
		select {
		case <-ctx.Done():
		case <-s.ctx.Done():
		}
		s.stopListeners()
		return nil
	})

	s.ready.Store(true)
	log.Infof("ready...")
	return eg.Wait()
}

func listenAndServe(srv *http.Server) error {
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) stopListeners() {
	s.ready.Store(false)
	s.srv.Stop()
	for _, srv := range []*http.Server{s.httpSrv, s.metricsSrv} {
		if srv == nil {
			continue
		}
		if err := srv.Close(); err != nil {
			log.Errorf("failed to close HTTP server %s: %v", srv.Addr, err)
		}
	}
}

// Stop closes all listeners and shuts the calculator pool down. Pending
// requests fail.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.stopListeners()
		ctx, cancel := context.WithTimeout(context.Background(), poolShutdownTimeout)
		defer cancel()
		if err := s.pool.Shutdown(ctx); err != nil {
			log.Errorf("calculator pool shutdown: %v", err)
		}
		s.cfn()
	})
}

func (s *Server) timeoutInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
	ctx, cfn := context.WithTimeout(ctx, s.config.GRPCServer.RPCTimeout)
	defer cfn()
	return handler(ctx, req)
}

func (s *Server) readyInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
	if !s.ready.Load() {
		return nil, status.Error(codes.Unavailable, "not ready")
	}
	return handler(ctx, req)
}
