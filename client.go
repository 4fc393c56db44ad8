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

package httpinvoke

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/httpinvoke/httpinvoke/codec"
	"github.com/httpinvoke/httpinvoke/hostpool"
	"github.com/httpinvoke/httpinvoke/internal"
	"github.com/httpinvoke/httpinvoke/protocol"
	"go.uber.org/zap"
)

//nolint:gochecknoglobals
var defaultDialer = &net.Dialer{
	Timeout:   30 * time.Second,
	KeepAlive: 30 * time.Second,
}

const (
	defaultMaxConnections = 10
	defaultIdleTimeout    = time.Minute
)

// ClientOption is an option used to customize the behavior of a connection
// pool or target context.
type ClientOption interface {
	apply(*clientOptions)
}

// WithRootContext configures the root context used for any background work
// a pool may perform, including dialing new physical connections. If not
// specified, [context.Background] is used. It should only be cancelled
// after the pool is no longer in use.
func WithRootContext(ctx context.Context) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.rootCtx = ctx
	})
}

// WithDialer configures the function used to establish network
// connections. If no WithDialer option is provided, a default [net.Dialer]
// is used that uses a 30-second dial timeout and configures the connection
// to use TCP keep-alive every 30 seconds.
func WithDialer(dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.dialFunc = dialFunc
	})
}

// WithTLSConfig adds custom TLS configuration. The given config is used
// for connections acquired without an explicit per-request TLS config. The
// given timeout is applied to the TLS handshake step; if zero, a default
// of 10 seconds is used.
//
// TLS configs are compared by identity when keying the pool's idle
// connections, so callers should reuse the same *tls.Config value rather
// than constructing equivalent ones per call.
func WithTLSConfig(config *tls.Config, handshakeTimeout time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.tlsConfig = config
		opts.tlsHandshakeTimeout = handshakeTimeout
	})
}

// WithMaxConnections bounds the number of concurrently active physical
// connections the pool may hold. Acquisition requests beyond the bound are
// queued until capacity frees up. If zero or no option is provided, the
// default is 10.
func WithMaxConnections(limit int) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.maxConnections = limit
	})
}

// WithMaxStreamsPerConnection hints the transport that each physical
// connection may multiplex up to the given number of concurrent streams.
// Only meaningful for HTTP/2-capable schemes ("h2c"); HTTP 1.1 connections
// always carry a single in-flight request.
func WithMaxStreamsPerConnection(limit int) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.maxStreamsPerConn = limit
	})
}

// WithIdleConnectionTimeout configures how long a released connection may
// sit idle before it is closed and removed from the pool. If no option is
// used, a default of one minute applies; an explicit zero leaves idle
// connections open indefinitely.
func WithIdleConnectionTimeout(duration time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.idleConnTimeout = duration
		opts.idleConnTimeoutSet = true
	})
}

// WithMaxResponseHeaderBytes configures the maximum size of response
// headers to consume. If zero, a 1 MB limit (2^20 bytes) is used.
func WithMaxResponseHeaderBytes(limit int) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.maxResponseHeaderBytes = int64(limit)
	})
}

// WithLogger configures the logger used by the pool and orchestrator.
// Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.logger = logger
	})
}

// WithProber overrides single-shot address resolution for the target,
// bypassing DNS. Useful for fixed backends and tests.
func WithProber(prober hostpool.Prober) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.hostOptions = append(opts.hostOptions, hostpool.WithProber(prober))
	})
}

// WithHostPoolOptions appends options for the pool's address resolver.
func WithHostPoolOptions(options ...hostpool.Option) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.hostOptions = append(opts.hostOptions, options...)
	})
}

// WithCodecRegistry sets the wire type registry used by the default codec
// factories. Ignored if WithCodecs is also used.
func WithCodecRegistry(registry *codec.Registry) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.registry = registry
	})
}

// WithNamespaceTranslation configures the namespace prefixes rewritten by
// the default translating codec factory. Ignored if WithCodecs is used.
func WithNamespaceTranslation(canonical, legacy string) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.translation = codec.PrefixTranslation(canonical, legacy)
	})
}

// WithCodecs sets the codec factories directly: plain is used once a
// connection has negotiated the latest protocol, interop in every other
// state.
func WithCodecs(plain, interop codec.Factory) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.plainCodec = plain
		opts.interopCodec = interop
	})
}

// WithNegotiation overrides the per-connection negotiation strategy
// injected into the pool.
func WithNegotiation(factory protocol.Factory) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.negotiation = factory
	})
}

type clientOptionFunc func(*clientOptions)

func (f clientOptionFunc) apply(opts *clientOptions) {
	f(opts)
}

type clientOptions struct {
	rootCtx                context.Context //nolint:containedctx
	dialFunc               func(ctx context.Context, network, addr string) (net.Conn, error)
	tlsConfig              *tls.Config
	tlsHandshakeTimeout    time.Duration
	maxConnections         int
	maxStreamsPerConn      int
	idleConnTimeout        time.Duration
	idleConnTimeoutSet     bool
	maxResponseHeaderBytes int64
	logger                 *zap.Logger
	clock                  internal.Clock
	hostOptions            []hostpool.Option
	registry               *codec.Registry
	translation            codec.Translation
	plainCodec             codec.Factory
	interopCodec           codec.Factory
	negotiation            protocol.Factory
}

func (opts *clientOptions) applyDefaults() {
	if opts.rootCtx == nil {
		opts.rootCtx = context.Background()
	}
	if opts.dialFunc == nil {
		opts.dialFunc = defaultDialer.DialContext
	}
	if opts.tlsHandshakeTimeout == 0 {
		opts.tlsHandshakeTimeout = 10 * time.Second
	}
	if opts.maxConnections == 0 {
		opts.maxConnections = defaultMaxConnections
	}
	if !opts.idleConnTimeoutSet {
		opts.idleConnTimeout = defaultIdleTimeout
	}
	if opts.maxResponseHeaderBytes == 0 {
		opts.maxResponseHeaderBytes = 1 << 20
	}
	if opts.logger == nil {
		opts.logger = zap.NewNop()
	}
	if opts.clock == nil {
		opts.clock = internal.NewRealClock()
	}
	if opts.plainCodec == nil || opts.interopCodec == nil {
		if opts.registry == nil {
			opts.registry = codec.NewRegistry()
		}
		if opts.translation == nil {
			opts.translation = codec.PrefixTranslation(
				string(protocol.NamespaceLatest)+"/",
				string(protocol.NamespaceLegacy)+"/")
		}
		opts.plainCodec = codec.Plain(opts.registry)
		opts.interopCodec = codec.Translating(opts.registry, opts.translation)
	}
	if opts.negotiation == nil {
		opts.negotiation = protocol.NewFactory(opts.plainCodec, opts.interopCodec, opts.logger)
	}
}
