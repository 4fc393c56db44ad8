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

// Package hostpool resolves a logical target URI to candidate backend
// addresses and tracks connect failures so that alternate addresses are
// preferred and failed ones are redialed at a limited rate.
package hostpool

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/httpinvoke/httpinvoke/internal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrNoUsableAddress is returned by Next when every resolved address has
// recently failed and none is due for another attempt yet.
var ErrNoUsableAddress = errors.New("no usable address for target")

const defaultTTL = 30 * time.Second

// defaultRedialInterval limits how often a failed address is retried.
const defaultRedialInterval = 5 * time.Second

// Address is one resolved backend address.
type Address struct {
	HostPort string
}

// Option configures a Pool.
type Option func(*Pool)

// WithProber overrides the single-shot resolver used by the pool. The
// default resolves DNS names via the net package.
func WithProber(p Prober) Option {
	return func(pool *Pool) {
		pool.prober = p
	}
}

// WithTTL overrides how long a resolution result is reused before the
// prober is consulted again. Ignored if the prober reports its own TTL.
func WithTTL(ttl time.Duration) Option {
	return func(pool *Pool) {
		pool.ttl = ttl
	}
}

// WithRedialInterval overrides the minimum spacing between dial attempts
// to an address that previously failed.
func WithRedialInterval(d time.Duration) Option {
	return func(pool *Pool) {
		pool.redialInterval = d
	}
}

// WithLogger sets the logger used for resolution and failover events.
func WithLogger(logger *zap.Logger) Option {
	return func(pool *Pool) {
		pool.logger = logger
	}
}

// Pool resolves one logical target URI. It is safe for concurrent use.
type Pool struct {
	scheme         string
	hostPort       string
	prober         Prober
	ttl            time.Duration
	redialInterval time.Duration
	clock          internal.Clock
	logger         *zap.Logger

	mu sync.Mutex
	// +checklocks:mu
	addrs []Address
	// +checklocks:mu
	expires time.Time
	// +checklocks:mu
	next int
	// +checklocks:mu
	failed map[string]*rate.Limiter
}

// New creates a pool for the given target URI.
func New(uri *url.URL, opts ...Option) *Pool {
	pool := &Pool{
		scheme:         uri.Scheme,
		hostPort:       uri.Host,
		prober:         NewDNSProber(nil, "ip"),
		ttl:            defaultTTL,
		redialInterval: defaultRedialInterval,
		clock:          internal.NewRealClock(),
		logger:         zap.NewNop(),
		failed:         map[string]*rate.Limiter{},
	}
	for _, opt := range opts {
		opt(pool)
	}
	return pool
}

// Next returns the address the caller should dial. Addresses rotate so
// repeated failures against one candidate move traffic to the others;
// addresses that recently failed are only handed out when their redial
// limiter permits another attempt.
func (p *Pool) Next(ctx context.Context) (Address, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.refreshLocked(ctx); err != nil {
		return Address{}, err
	}
	count := len(p.addrs)
	// First pass prefers addresses with no recorded failure.
	for i := 0; i < count; i++ {
		addr := p.addrs[(p.next+i)%count]
		if _, bad := p.failed[addr.HostPort]; !bad {
			p.next = (p.next + i + 1) % count
			return addr, nil
		}
	}
	// All candidates failed at least once; pick the first one that is
	// due for another attempt.
	for i := 0; i < count; i++ {
		addr := p.addrs[(p.next+i)%count]
		if p.failed[addr.HostPort].Allow() {
			p.next = (p.next + i + 1) % count
			return addr, nil
		}
	}
	return Address{}, ErrNoUsableAddress
}

// ReportFailure records a connect failure for addr. Subsequent Next calls
// prefer other candidates and throttle redials of this one.
func (p *Pool) ReportFailure(addr Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.failed[addr.HostPort]; ok {
		return
	}
	limiter := rate.NewLimiter(rate.Every(p.redialInterval), 1)
	// Consume the initial token so the first redial waits a full interval.
	limiter.Allow()
	p.failed[addr.HostPort] = limiter
	p.logger.Debug("backend address failed",
		zap.String("target", p.hostPort),
		zap.String("address", addr.HostPort))
}

// ReportSuccess clears any failure state for addr.
func (p *Pool) ReportSuccess(addr Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.failed, addr.HostPort)
}

// +checklocks:p.mu
func (p *Pool) refreshLocked(ctx context.Context) error {
	if len(p.addrs) > 0 && p.clock.Now().Before(p.expires) {
		return nil
	}
	addrs, ttl, err := p.prober.ResolveOnce(ctx, p.scheme, p.hostPort)
	if err != nil {
		if len(p.addrs) > 0 {
			// Keep using stale addresses in the error case.
			p.logger.Debug("resolution failed, reusing stale addresses",
				zap.String("target", p.hostPort), zap.Error(err))
			return nil
		}
		return err
	}
	if ttl == 0 {
		ttl = p.ttl
	}
	p.addrs = addrs
	p.expires = p.clock.Now().Add(ttl)
	if p.next >= len(addrs) {
		p.next = 0
	}
	return nil
}
