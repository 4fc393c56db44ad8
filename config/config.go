// Copyright 2024-2025 The httpinvoke Authors
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

// Package config loads transport settings from YAML files and converts
// them into client options.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/httpinvoke/httpinvoke"
	"github.com/httpinvoke/httpinvoke/hostpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk shape of a transport configuration. Durations
// are expressed in seconds.
type Config struct {
	Pool      PoolConfig      `yaml:"pool"`
	TLS       TLSConfig       `yaml:"tls"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// PoolConfig bounds the connection pool.
type PoolConfig struct {
	MaxConnections     int `yaml:"max_connections"`
	MaxStreamsPerConn  int `yaml:"max_streams_per_conn"`
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`
	MaxHeaderBytes     int `yaml:"max_header_bytes"`
}

// TLSConfig points at PEM material on disk.
type TLSConfig struct {
	CAFile                  string `yaml:"ca_file"`
	CertFile                string `yaml:"cert_file"`
	KeyFile                 string `yaml:"key_file"`
	ServerName              string `yaml:"server_name"`
	InsecureSkipVerify      bool   `yaml:"insecure_skip_verify"`
	HandshakeTimeoutSeconds int    `yaml:"handshake_timeout_seconds"`
}

// LoggingConfig controls the transport's logger.
type LoggingConfig struct {
	// Level is a zap level name ("debug", "info", "warn", "error").
	// Empty disables logging.
	Level string `yaml:"level"`
}

// DiscoveryConfig controls backend address resolution.
type DiscoveryConfig struct {
	Addresses             []string `yaml:"addresses"`
	TTLSeconds            int      `yaml:"ttl_seconds"`
	RedialIntervalSeconds int      `yaml:"redial_interval_seconds"`
}

// Default returns the built-in defaults, matching what the client applies
// when no options are given.
func Default() *Config {
	return &Config{
		Pool: PoolConfig{
			MaxConnections:     10,
			IdleTimeoutSeconds: 60,
		},
	}
}

// Load reads and parses a YAML config file, applying defaults for absent
// fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ClientOptions converts the configuration into client options suitable
// for [httpinvoke.NewTargetContext].
func (c *Config) ClientOptions() ([]httpinvoke.ClientOption, error) {
	var options []httpinvoke.ClientOption
	if c.Pool.MaxConnections > 0 {
		options = append(options, httpinvoke.WithMaxConnections(c.Pool.MaxConnections))
	}
	if c.Pool.MaxStreamsPerConn > 0 {
		options = append(options, httpinvoke.WithMaxStreamsPerConnection(c.Pool.MaxStreamsPerConn))
	}
	options = append(options, httpinvoke.WithIdleConnectionTimeout(
		time.Duration(c.Pool.IdleTimeoutSeconds)*time.Second))
	if c.Pool.MaxHeaderBytes > 0 {
		options = append(options, httpinvoke.WithMaxResponseHeaderBytes(c.Pool.MaxHeaderBytes))
	}

	if c.TLS != (TLSConfig{}) {
		tlsConf, err := c.TLS.build()
		if err != nil {
			return nil, err
		}
		handshakeTimeout := time.Duration(c.TLS.HandshakeTimeoutSeconds) * time.Second
		options = append(options, httpinvoke.WithTLSConfig(tlsConf, handshakeTimeout))
	}

	var hostOptions []hostpool.Option
	if len(c.Discovery.Addresses) > 0 {
		addrs := make([]hostpool.Address, len(c.Discovery.Addresses))
		for i, a := range c.Discovery.Addresses {
			addrs[i] = hostpool.Address{HostPort: a}
		}
		hostOptions = append(hostOptions, hostpool.WithProber(hostpool.StaticProber(addrs...)))
	}
	if c.Discovery.TTLSeconds > 0 {
		hostOptions = append(hostOptions, hostpool.WithTTL(
			time.Duration(c.Discovery.TTLSeconds)*time.Second))
	}
	if c.Discovery.RedialIntervalSeconds > 0 {
		hostOptions = append(hostOptions, hostpool.WithRedialInterval(
			time.Duration(c.Discovery.RedialIntervalSeconds)*time.Second))
	}
	if len(hostOptions) > 0 {
		options = append(options, httpinvoke.WithHostPoolOptions(hostOptions...))
	}

	if c.Logging.Level != "" {
		logger, err := c.Logging.build()
		if err != nil {
			return nil, err
		}
		options = append(options, httpinvoke.WithLogger(logger))
	}
	return options, nil
}

func (l *LoggingConfig) build() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, fmt.Errorf("logging level: %w", err)
	}
	conf := zap.NewProductionConfig()
	conf.Level = zap.NewAtomicLevelAt(level)
	return conf.Build()
}

func (t *TLSConfig) build() (*tls.Config, error) {
	conf := &tls.Config{
		ServerName:         t.ServerName,
		InsecureSkipVerify: t.InsecureSkipVerify, //nolint:gosec
		MinVersion:         tls.VersionTLS12,
	}
	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", t.CAFile)
		}
		conf.RootCAs = pool
	}
	if t.CertFile != "" || t.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client key pair: %w", err)
		}
		conf.Certificates = []tls.Certificate{cert}
	}
	return conf, nil
}
