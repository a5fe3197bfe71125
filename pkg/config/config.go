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
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
	"sigs.k8s.io/controller-runtime/pkg/certwatcher"
)

type Config struct {
	GRPCServer *GRPCServer       `yaml:"grpc-server,omitempty" json:"grpc-server,omitempty"`
	HTTPServer *HTTPServer       `yaml:"http-server,omitempty" json:"http-server,omitempty"`
	Calculator *CalculatorConfig `yaml:"calculator,omitempty" json:"calculator,omitempty"`
	Prometheus *PromConfig       `yaml:"prometheus,omitempty" json:"prometheus,omitempty"`
}

type TLS struct {
	CA         string `yaml:"ca,omitempty" json:"ca,omitempty"`
	Cert       string `yaml:"cert,omitempty" json:"cert,omitempty"`
	Key        string `yaml:"key,omitempty" json:"key,omitempty"`
	SkipVerify bool   `yaml:"skip-verify,omitempty" json:"skip-verify,omitempty"`
}

// New reads the YAML config in file and fills in defaults. An empty file
// name yields the default configuration.
func New(file string) (*Config, error) {
	c := new(Config)
	if file != "" {
		path, err := homedir.Expand(file)
		if err != nil {
			return nil, err
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		err = yaml.Unmarshal(b, c)
		if err != nil {
			return nil, err
		}
	}
	err := c.validateSetDefaults()
	return c, err
}

func (c *Config) validateSetDefaults() error {
	if c.GRPCServer == nil {
		c.GRPCServer = &GRPCServer{}
	}
	if err := c.GRPCServer.validateSetDefaults(); err != nil {
		return err
	}
	if c.HTTPServer == nil {
		c.HTTPServer = &HTTPServer{}
	}
	if err := c.HTTPServer.validateSetDefaults(); err != nil {
		return err
	}
	if c.Calculator == nil {
		c.Calculator = &CalculatorConfig{}
	}
	if err := c.Calculator.validateSetDefaults(); err != nil {
		return err
	}
	if c.Prometheus != nil {
		if err := c.Prometheus.validateSetDefaults(); err != nil {
			return err
		}
		if c.Prometheus.Address == c.HTTPServer.Address && !c.HTTPServer.Disabled {
			return fmt.Errorf("prometheus and http-server cannot share address %q", c.HTTPServer.Address)
		}
	}
	return nil
}

type GRPCServer struct {
	Address        string        `yaml:"address,omitempty" json:"address,omitempty"`
	TLS            *TLS          `yaml:"tls,omitempty" json:"tls,omitempty"`
	MaxRecvMsgSize int           `yaml:"max-recv-msg-size,omitempty" json:"max-recv-msg-size,omitempty"`
	RPCTimeout     time.Duration `yaml:"rpc-timeout,omitempty" json:"rpc-timeout,omitempty"`
}

func (g *GRPCServer) validateSetDefaults() error {
	if g.Address == "" {
		g.Address = defaultGRPCAddress
	}
	if g.MaxRecvMsgSize <= 0 {
		g.MaxRecvMsgSize = defaultMaxRecvMsgSize
	}
	if g.RPCTimeout <= 0 {
		g.RPCTimeout = defaultRPCTimeout
	}
	return nil
}

// HTTPServer is the REST front end.
type HTTPServer struct {
	Address      string        `yaml:"address,omitempty" json:"address,omitempty"`
	Disabled     bool          `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	ReadTimeout  time.Duration `yaml:"read-timeout,omitempty" json:"read-timeout,omitempty"`
	WriteTimeout time.Duration `yaml:"write-timeout,omitempty" json:"write-timeout,omitempty"`
	// MaxBodySize limits the size of a request payload in bytes.
	MaxBodySize int64 `yaml:"max-body-size,omitempty" json:"max-body-size,omitempty"`
}

func (h *HTTPServer) validateSetDefaults() error {
	if h.Address == "" {
		h.Address = defaultHTTPAddress
	}
	if h.ReadTimeout <= 0 {
		h.ReadTimeout = defaultHTTPTimeout
	}
	if h.WriteTimeout <= 0 {
		h.WriteTimeout = defaultHTTPTimeout
	}
	if h.MaxBodySize <= 0 {
		h.MaxBodySize = defaultMaxBodySize
	}
	return nil
}

type PromConfig struct {
	Address string `yaml:"address,omitempty" json:"address,omitempty"`
}

func (p *PromConfig) validateSetDefaults() error {
	if p.Address == "" {
		p.Address = defaultPrometheusAddress
	}
	return nil
}

func (t *TLS) NewConfig(ctx context.Context) (*tls.Config, error) {
	tlsCfg := &tls.Config{InsecureSkipVerify: t.SkipVerify}
	if t.CA != "" {
		ca, err := os.ReadFile(t.CA)
		if err != nil {
			return nil, fmt.Errorf("failed to read client CA cert: %w", err)
		}
		if len(ca) != 0 {
			caCertPool := x509.NewCertPool()
			caCertPool.AppendCertsFromPEM(ca)
			tlsCfg.RootCAs = caCertPool
		}
	}

	if (t.Cert == "") != (t.Key == "") {
		return nil, errors.New("tls cert and key must be set together")
	}
	if t.Cert != "" && t.Key != "" {
		certWatcher, err := certwatcher.New(t.Cert, t.Key)
		if err != nil {
			return nil, err
		}

		go func() {
			if err := certWatcher.Start(ctx); err != nil {
				log.Errorf("certificate watcher error: %v", err)
			}
		}()
		tlsCfg.GetCertificate = certWatcher.GetCertificate
	}
	return tlsCfg, nil
}
